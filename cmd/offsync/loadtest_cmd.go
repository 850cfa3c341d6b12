package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/fieldkit/offsync/internal/offline/loadtest"
	"github.com/fieldkit/offsync/internal/ui"
)

var loadtestCmd = &cobra.Command{
	Use:     "loadtest",
	GroupID: "advanced",
	Short:   "Drain a synthetic queue against an in-process backend",
	Long: `Queue writes across many entities, drain them against an in-process
fake backend, and check that every entity's writes arrived in order.

The run uses a throwaway store and never touches the configured one.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		opts := loadtest.DefaultOptions()
		opts.Mutations, _ = cmd.Flags().GetInt("mutations")
		opts.Entities, _ = cmd.Flags().GetInt("entities")
		opts.Concurrency, _ = cmd.Flags().GetInt("concurrency")
		opts.Latency, _ = cmd.Flags().GetDuration("latency")
		opts.Seed, _ = cmd.Flags().GetInt64("seed")
		if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
			opts.Logger = log.New(os.Stderr, "[loadtest] ", log.LstdFlags)
		}

		dir, err := os.MkdirTemp("", "offsync-loadtest-")
		if err != nil {
			fatal("failed to create temp dir: %v", err)
		}
		defer os.RemoveAll(dir)

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
		defer cancel()

		result, err := loadtest.Run(ctx, filepath.Join(dir, "loadtest.db"), opts)
		if err != nil {
			fatal("%v", err)
		}
		result.Print(os.Stdout)
		if !result.OK() {
			fatal("load test failed")
		}
		fmt.Printf("%s All writes applied in order\n", ui.RenderPass("✓"))
	},
}

func init() {
	defaults := loadtest.DefaultOptions()
	loadtestCmd.Flags().Int("mutations", defaults.Mutations, "Number of queued writes")
	loadtestCmd.Flags().Int("entities", defaults.Entities, "Number of entities the writes spread over")
	loadtestCmd.Flags().Int("concurrency", defaults.Concurrency, "Drain concurrency")
	loadtestCmd.Flags().Duration("latency", defaults.Latency, "Added latency per backend call")
	loadtestCmd.Flags().Int64("seed", defaults.Seed, "Random seed for entity assignment")
	loadtestCmd.Flags().BoolP("verbose", "v", false, "Log orchestrator activity to stderr")
	rootCmd.AddCommand(loadtestCmd)
}
