package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/fieldkit/offsync/internal/offline/sync"
	"github.com/fieldkit/offsync/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show queue and sync status",
	Long: `Display the sync status projection:

  - Pending mutations (queued or in flight)
  - Conflicts waiting for manual resolution
  - Failed mutations (rejected or stuck)
  - Last error and last sync time`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		asJSON, _ := cmd.Flags().GetBool("json")

		a := mustOpenApp(appOptions{})
		defer a.Close()

		st, err := a.orch.GetSyncStatus(context.Background())
		if err != nil {
			fatal("%v", err)
		}
		if asJSON {
			printJSON(st)
			return
		}
		fmt.Printf("\n%s\n\n", ui.Header("Sync Status"))
		fmt.Println(renderStatus(st, a.config.Store.Path))
		fmt.Println()
	},
}

func renderStatus(st sync.Status, storePath string) string {
	count := func(n int, style func(string) string) string {
		if n == 0 {
			return strconv.Itoa(n)
		}
		return style(strconv.Itoa(n))
	}

	lastSync := "never"
	if !st.LastSyncAt.IsZero() {
		lastSync = st.LastSyncAt.Local().Format(time.DateTime)
	}
	pairs := [][2]string{
		{"Store", storePath},
		{"Pending", count(st.PendingCount, ui.RenderAccent)},
		{"Conflicts", count(st.ConflictedCount, ui.RenderWarn)},
		{"Failed", count(st.FailedCount, ui.RenderFail)},
		{"Last sync", lastSync},
	}
	if st.Paused {
		pairs = append(pairs, [2]string{"Queue", ui.RenderWarn("paused, reauthentication required")})
	}
	if st.LastError != "" {
		pairs = append(pairs, [2]string{"Last error", ui.RenderFail(string(st.LastErrorKind)) + " " + st.LastError})
	}
	return ui.KeyValues(pairs)
}

func init() {
	statusCmd.Flags().Bool("json", false, "Print status as JSON")
	rootCmd.AddCommand(statusCmd)
}
