package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fieldkit/offsync/internal/offline/schema"
	"github.com/fieldkit/offsync/internal/ui"
)

var writeCmd = &cobra.Command{
	Use:     "write <type> <id> <create|update|delete>",
	GroupID: "data",
	Short:   "Record a local write",
	Long: `Record a create, update or delete of an entity.

The write is applied to the local view and queued in one step; nothing is
sent to the backend until the next sync. Field values given with --set are
parsed as JSON when possible, so --set qty=3 stores a number and
--set note=rush stores a string.

Examples:
  offsync write order o-1 create --set qty=3 --set note=rush
  offsync write order o-1 update --payload '{"qty": 4}'
  offsync write order o-1 delete`,
	Args: cobra.ExactArgs(3),
	Run: func(cmd *cobra.Command, args []string) {
		op, err := schema.ParseOperation(args[2])
		if err != nil {
			fatal("%v", err)
		}
		sets, _ := cmd.Flags().GetStringArray("set")
		raw, _ := cmd.Flags().GetString("payload")
		payload, err := buildPayload(raw, sets)
		if err != nil {
			fatal("%v", err)
		}
		if op == schema.OpDelete {
			payload = nil
		} else if payload == nil {
			payload = schema.Fields{}
		}

		a := mustOpenApp(appOptions{})
		defer a.Close()

		id, err := a.orch.Write(context.Background(), args[0], args[1], op, payload)
		if err != nil {
			fatal("%v", err)
		}
		fmt.Printf("%s Queued %s of %s/%s %s\n", ui.RenderPass("✓"), op, args[0], args[1], ui.RenderMuted("("+id+")"))
	},
}

// buildPayload merges a JSON object with key=value assignments.
func buildPayload(raw string, sets []string) (schema.Fields, error) {
	var payload schema.Fields
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &payload); err != nil {
			return nil, fmt.Errorf("invalid --payload: %w", err)
		}
	}
	for _, s := range sets {
		key, value, ok := strings.Cut(s, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --set %q (want key=value)", s)
		}
		if payload == nil {
			payload = schema.Fields{}
		}
		payload[key] = parseValue(value)
	}
	return payload, nil
}

func parseValue(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		return v
	}
	return s
}

func init() {
	writeCmd.Flags().StringArray("set", nil, "Field assignment key=value (repeatable)")
	writeCmd.Flags().String("payload", "", "Payload as a JSON object")
	rootCmd.AddCommand(writeCmd)
}
