package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/fieldkit/offsync/internal/offline/sync"
	"github.com/fieldkit/offsync/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Drain the mutation queue once",
	Long: `Run one drain cycle in the foreground.

Queued mutations are sent in order per entity, up to sync.max_concurrency
entities at a time. Conflicts are resolved by the configured strategy or
parked for 'offsync conflicts resolve'. Transient failures are rescheduled
with backoff; --retry also revives stuck mutations and clears backoff waits
first.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		retry, _ := cmd.Flags().GetBool("retry")

		a := mustOpenApp(appOptions{})
		defer a.Close()
		ctx := context.Background()

		if retry {
			if err := a.orch.RetrySyncNow(ctx); err != nil {
				fatal("%v", err)
			}
		}

		fmt.Printf("%s Syncing with %s...\n", ui.RenderAccent("🔄"), a.config.Backend.URL)
		start := time.Now()
		counts, err := a.orch.DrainOnce(ctx)
		if errors.Is(err, sync.ErrReauthenticationRequired) {
			fmt.Fprintf(os.Stderr, "%s Backend rejected the credentials; update backend.token and run 'offsync sync --retry'\n", ui.RenderWarn("⚠"))
			os.Exit(1)
		}
		if err != nil {
			fatal("sync failed: %v", err)
		}

		fmt.Printf("%s Sync complete in %v\n", ui.RenderPass("✓"), time.Since(start).Round(time.Millisecond))
		fmt.Printf("   Applied:   %d\n", counts.Applied)
		fmt.Printf("   Conflicts: %d (%d resolved, %d need you)\n", counts.Conflicts, counts.Resolved, counts.Parked)
		fmt.Printf("   Retrying:  %d\n", counts.Retried)
		fmt.Printf("   Failed:    %d\n", counts.Failed)

		st, err := a.orch.GetSyncStatus(ctx)
		if err == nil && st.PendingCount > 0 {
			fmt.Printf("   Still pending: %d\n", st.PendingCount)
		}
		if counts.Parked > 0 {
			fmt.Printf("\nRun 'offsync conflicts list' to review parked conflicts\n")
		}
	},
}

func init() {
	syncCmd.Flags().Bool("retry", false, "Revive stuck mutations and skip backoff waits")
	rootCmd.AddCommand(syncCmd)
}
