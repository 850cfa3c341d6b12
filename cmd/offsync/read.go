package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fieldkit/offsync/internal/offline/db"
	"github.com/fieldkit/offsync/internal/offline/schema"
	"github.com/fieldkit/offsync/internal/ui"
)

var readCmd = &cobra.Command{
	Use:     "read <type> [id]",
	GroupID: "data",
	Short:   "Read an entity or query through the cache",
	Long: `Read an entity or a query result.

With --local the entity's local view is printed, including writes not yet
synced. Otherwise the read goes through the cache proxy with the chosen
policy:
  cache-first             serve a fresh cached value, fetch on miss
  network-first           fetch, fall back to the cache when unreachable
  stale-while-revalidate  serve any cached value, refresh in the background`,
	Args: cobra.RangeArgs(1, 2),
	Run: func(cmd *cobra.Command, args []string) {
		query, _ := cmd.Flags().GetString("query")
		policyName, _ := cmd.Flags().GetString("policy")
		local, _ := cmd.Flags().GetBool("local")

		var key schema.CacheKey
		switch {
		case query != "":
			key = schema.QueryKey(args[0], query)
		case len(args) == 2:
			key = schema.EntityKey(args[0], args[1])
		default:
			fatal("either an id or --query is required")
		}
		policy, err := schema.ParseCachePolicy(policyName)
		if err != nil {
			fatal("%v", err)
		}

		a := mustOpenApp(appOptions{})
		defer a.Close()
		ctx := context.Background()

		if local {
			if len(args) != 2 {
				fatal("--local needs an entity id")
			}
			view, err := a.orch.Get(ctx, args[0], args[1])
			if errors.Is(err, db.ErrNotFound) {
				fmt.Fprintf(os.Stderr, "%s %s/%s is not stored locally\n", ui.RenderWarn("⚠"), args[0], args[1])
				os.Exit(1)
			}
			if err != nil {
				fatal("%v", err)
			}
			printJSON(view)
			return
		}

		value, err := a.orch.ReadCached(ctx, key, policy)
		if err != nil {
			fatal("%v", err)
		}
		var out bytes.Buffer
		if err := json.Indent(&out, value, "", "  "); err != nil {
			os.Stdout.Write(value)
			fmt.Println()
			return
		}
		fmt.Println(out.String())
	},
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fatal("failed to encode output: %v", err)
	}
	fmt.Println(string(data))
}

func init() {
	readCmd.Flags().StringP("query", "q", "", "Query over the entity type instead of an id")
	readCmd.Flags().String("policy", string(schema.CacheFirst), "Cache policy: cache-first, network-first, stale-while-revalidate")
	readCmd.Flags().Bool("local", false, "Print the local view instead of reading through the cache")
	rootCmd.AddCommand(readCmd)
}
