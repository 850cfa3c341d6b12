package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fieldkit/offsync/internal/offline/backendtest"
	"github.com/fieldkit/offsync/internal/offline/schema"
)

var serveFakeCmd = &cobra.Command{
	Use:     "serve-fake",
	GroupID: "advanced",
	Short:   "Run an in-memory reference backend over HTTP",
	Long: `Serve an in-memory backend that speaks the sync wire protocol:

  GET  /v1/health
  POST /v1/mutations
  GET  /v1/entities/{type}/{id}
  GET  /v1/entities/{type}?q=<query>

It keeps per-entity revisions, rejects writes whose base revision is stale
with 409, and deduplicates mutation ids. State is lost on exit.

--seed loads a JSON array of entity snapshots at startup.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		port, _ := cmd.Flags().GetInt("port")
		token, _ := cmd.Flags().GetString("token")
		latency, _ := cmd.Flags().GetDuration("latency")
		seedPath, _ := cmd.Flags().GetString("seed")

		backend := backendtest.New()
		if token != "" {
			backend.RequireToken(token)
		}
		backend.SetLatency(latency)
		if seedPath != "" {
			n, err := seedBackend(backend, seedPath)
			if err != nil {
				fatal("%v", err)
			}
			fmt.Printf("Seeded %d entities from %s\n", n, seedPath)
		}

		addr := net.JoinHostPort("localhost", strconv.Itoa(port))
		server := &http.Server{
			Addr:              addr,
			Handler:           backend.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		errCh := make(chan error, 1)
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()

		fmt.Printf("Fake backend listening on http://%s\n", addr)
		fmt.Println("\nPress Ctrl+C to stop...")

		select {
		case <-ctx.Done():
		case err := <-errCh:
			if err != nil {
				fatal("server failed: %v", err)
			}
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", err)
		}
		fmt.Printf("Stopped after %d sends\n", backend.Sends())
	},
}

func seedBackend(backend *backendtest.Backend, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read seed file: %w", err)
	}
	var snaps []*schema.EntitySnapshot
	if err := json.Unmarshal(data, &snaps); err != nil {
		return 0, fmt.Errorf("failed to parse seed file: %w", err)
	}
	for _, snap := range snaps {
		if snap.Source == "" {
			snap.Source = schema.SourceServerConfirmed
		}
		if err := snap.Validate(); err != nil {
			return 0, fmt.Errorf("invalid seed entity: %w", err)
		}
		backend.Seed(snap)
	}
	return len(snaps), nil
}

func init() {
	serveFakeCmd.Flags().IntP("port", "p", 8787, "Port to listen on")
	serveFakeCmd.Flags().String("token", "", "Require this bearer token")
	serveFakeCmd.Flags().Duration("latency", 0, "Added latency per request")
	serveFakeCmd.Flags().String("seed", "", "JSON file of entity snapshots to preload")
	rootCmd.AddCommand(serveFakeCmd)
}
