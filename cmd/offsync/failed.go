package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fieldkit/offsync/internal/offline/schema"
	"github.com/fieldkit/offsync/internal/ui"
)

var failedCmd = &cobra.Command{
	Use:     "failed",
	GroupID: "sync",
	Short:   "Inspect, discard or resubmit failed mutations",
	Long: `Mutations end up failed when the backend rejects them or they exhaust
their retry budget. A failed mutation blocks later writes to the same
entity until it is discarded or resubmitted.`,
}

var failedListCmd = &cobra.Command{
	Use:   "list",
	Short: "List failed mutations",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		entityType, _ := cmd.Flags().GetString("type")
		asJSON, _ := cmd.Flags().GetBool("json")

		a := mustOpenApp(appOptions{})
		defer a.Close()

		failed, err := a.orch.ListFailed(context.Background(), entityType)
		if err != nil {
			fatal("%v", err)
		}
		if asJSON {
			printJSON(failed)
			return
		}
		if len(failed) == 0 {
			fmt.Printf("%s No failed mutations\n", ui.RenderPass("✓"))
			return
		}
		fmt.Println(failedTable(failed))
	},
}

var failedDiscardCmd = &cobra.Command{
	Use:   "discard <mutation-id>",
	Short: "Drop a failed mutation and revert its local effect",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a := mustOpenApp(appOptions{})
		defer a.Close()

		if err := a.orch.Discard(context.Background(), args[0]); err != nil {
			fatal("%v", err)
		}
		fmt.Printf("%s Discarded %s\n", ui.RenderPass("✓"), args[0])
	},
}

var failedResubmitCmd = &cobra.Command{
	Use:   "resubmit <mutation-id>",
	Short: "Requeue a failed mutation, optionally with an edited payload",
	Long: `Requeue a failed mutation in its original queue position.

Without --payload the original payload is sent again. The resubmitted
mutation gets a new id and a fresh retry budget.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		raw, _ := cmd.Flags().GetString("payload")

		var payload schema.Fields
		if raw != "" {
			if err := json.Unmarshal([]byte(raw), &payload); err != nil {
				fatal("invalid --payload: %v", err)
			}
		}

		a := mustOpenApp(appOptions{})
		defer a.Close()

		id, err := a.orch.Resubmit(context.Background(), args[0], payload)
		if err != nil {
			fatal("%v", err)
		}
		fmt.Printf("%s Resubmitted %s as %s\n", ui.RenderPass("✓"), args[0], ui.RenderAccent(id))
	},
}

func failedTable(failed []*schema.MutationRecord) string {
	rows := make([][]string, 0, len(failed))
	for _, m := range failed {
		reason := m.LastError
		if len(reason) > 60 {
			reason = reason[:57] + "..."
		}
		rows = append(rows, []string{
			m.ID,
			m.EntityType + "/" + m.EntityID,
			string(m.Operation),
			ui.RenderFail(string(m.FailureKind)),
			fmt.Sprintf("%d", m.RetryCount),
			m.LocalTimestamp.Local().Format(time.DateTime),
			reason,
		})
	}
	return ui.Table([]string{"ID", "ENTITY", "OP", "KIND", "RETRIES", "WRITTEN", "ERROR"}, rows)
}

func init() {
	failedListCmd.Flags().String("type", "", "Only mutations on this entity type")
	failedListCmd.Flags().Bool("json", false, "Print as JSON")
	failedResubmitCmd.Flags().String("payload", "", "Replacement payload as a JSON object")

	failedCmd.AddCommand(failedListCmd, failedDiscardCmd, failedResubmitCmd)
	rootCmd.AddCommand(failedCmd)
}
