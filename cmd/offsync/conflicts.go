package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/fieldkit/offsync/internal/offline/schema"
	"github.com/fieldkit/offsync/internal/ui"
)

var conflictsCmd = &cobra.Command{
	Use:     "conflicts",
	GroupID: "sync",
	Short:   "Review and resolve sync conflicts",
}

var conflictsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List open conflicts, or the audit log with --closed",
	Long: `List conflicts waiting for manual resolution.

With --closed the audit log of resolved conflicts is listed instead.
--since accepts natural language ("2 hours ago", "yesterday"), a Go
duration ("90m"), or an RFC 3339 timestamp.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		entityType, _ := cmd.Flags().GetString("type")
		format, _ := cmd.Flags().GetString("format")
		closed, _ := cmd.Flags().GetBool("closed")
		sinceArg, _ := cmd.Flags().GetString("since")

		var since time.Time
		if sinceArg != "" {
			t, err := parseSince(sinceArg, time.Now())
			if err != nil {
				fatal("%v", err)
			}
			since = t
		}

		a := mustOpenApp(appOptions{})
		defer a.Close()
		ctx := context.Background()

		var records []*schema.ConflictRecord
		var err error
		if closed {
			records, err = a.orch.ListConflictAudit(ctx, entityType, since)
		} else {
			records, err = a.orch.ListOpenConflicts(ctx, entityType)
		}
		if err != nil {
			fatal("%v", err)
		}

		switch format {
		case "yaml":
			views := make([]conflictView, 0, len(records))
			for _, r := range records {
				views = append(views, newConflictView(r))
			}
			out, err := yaml.Marshal(views)
			if err != nil {
				fatal("failed to encode yaml: %v", err)
			}
			fmt.Print(string(out))
		case "json":
			printJSON(records)
		case "table":
			if len(records) == 0 {
				fmt.Println("No conflicts")
				return
			}
			fmt.Println(conflictTable(records))
		default:
			fatal("unknown format %q (want table, yaml or json)", format)
		}
	},
}

var conflictsResolveCmd = &cobra.Command{
	Use:   "resolve <conflict-id>",
	Short: "Resolve a parked conflict",
	Long: `Resolve a conflict waiting for manual resolution.

The final payload is written over the server snapshot the conflict was
raised against and queued for the next sync. Without --payload or
--keep-server an interactive form asks, field by field, which side wins.

Examples:
  offsync conflicts resolve 0190c1d2-... --payload '{"total": 110}'
  offsync conflicts resolve 0190c1d2-... --keep-server`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		raw, _ := cmd.Flags().GetString("payload")
		keepServer, _ := cmd.Flags().GetBool("keep-server")

		a := mustOpenApp(appOptions{})
		defer a.Close()
		ctx := context.Background()
		conflictID := args[0]

		if keepServer {
			if err := a.orch.KeepServer(ctx, conflictID); err != nil {
				fatal("%v", err)
			}
			fmt.Printf("%s Kept the server version; local change dropped\n", ui.RenderPass("✓"))
			return
		}

		var final schema.Fields
		switch {
		case raw != "":
			if err := json.Unmarshal([]byte(raw), &final); err != nil {
				fatal("invalid --payload: %v", err)
			}
		case term.IsTerminal(int(os.Stdin.Fd())):
			record, err := findConflict(ctx, a, conflictID)
			if err != nil {
				fatal("%v", err)
			}
			final, keepServer, err = promptResolution(record)
			if err != nil {
				fatal("%v", err)
			}
			if keepServer {
				if err := a.orch.KeepServer(ctx, conflictID); err != nil {
					fatal("%v", err)
				}
				fmt.Printf("%s Kept the server version; local change dropped\n", ui.RenderPass("✓"))
				return
			}
		default:
			fatal("--payload or --keep-server is required when stdin is not a terminal")
		}

		if err := a.orch.ResolveConflictManually(ctx, conflictID, final); err != nil {
			fatal("%v", err)
		}
		fmt.Printf("%s Resolution queued; it syncs on the next drain\n", ui.RenderPass("✓"))
	},
}

// parseSince accepts natural language, a duration back from now, or an
// RFC 3339 timestamp.
func parseSince(s string, now time.Time) (time.Time, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return now.Add(-d), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	r, err := w.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --since %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("invalid --since %q: no date found", s)
	}
	return r.Time, nil
}

func findConflict(ctx context.Context, a *app, id string) (*schema.ConflictRecord, error) {
	open, err := a.orch.ListOpenConflicts(ctx, "")
	if err != nil {
		return nil, err
	}
	for _, r := range open {
		if r.ID == id {
			return r, nil
		}
	}
	return nil, fmt.Errorf("no open conflict %s", id)
}

const (
	actionMerge  = "merge"
	actionServer = "server"
	actionDelete = "delete"
)

// promptResolution asks which side wins each diverging field. It returns
// keepServer when the user keeps the server version outright.
func promptResolution(record *schema.ConflictRecord) (schema.Fields, bool, error) {
	fmt.Printf("\n%s %s/%s (%s)\n", ui.Header("Conflict"), record.EntityType(), record.EntityID(), record.Strategy)
	fmt.Println(conflictDiffTable(record))
	fmt.Println()

	action := actionMerge
	options := []huh.Option[string]{
		huh.NewOption("Choose field by field", actionMerge),
		huh.NewOption("Keep the server version", actionServer),
	}
	if record.Mutation.Operation == schema.OpDelete {
		options = []huh.Option[string]{
			huh.NewOption("Delete anyway", actionDelete),
			huh.NewOption("Keep the server version", actionServer),
		}
		action = actionDelete
	}
	if err := huh.NewForm(huh.NewGroup(
		huh.NewSelect[string]().Title("How should this conflict end?").Options(options...).Value(&action),
	)).Run(); err != nil {
		return nil, false, err
	}

	switch action {
	case actionServer:
		return nil, true, nil
	case actionDelete:
		return nil, false, nil
	}

	names := sortedFields(record)
	choices := make([]string, len(names))
	fields := make([]huh.Field, 0, len(names))
	for i, name := range names {
		d := record.Diff[name]
		choices[i] = string(schema.WinnerLocal)
		fields = append(fields, huh.NewSelect[string]().
			Title(name).
			Options(
				huh.NewOption("local: "+formatValue(d.Local), string(schema.WinnerLocal)),
				huh.NewOption("server: "+formatValue(d.Server), string(schema.WinnerServer)),
			).
			Value(&choices[i]))
	}
	if err := huh.NewForm(huh.NewGroup(fields...)).Run(); err != nil {
		return nil, false, err
	}

	final := schema.Fields{}
	for i, name := range names {
		d := record.Diff[name]
		if choices[i] == string(schema.WinnerLocal) {
			final[name] = d.Local
		} else {
			final[name] = d.Server
		}
	}
	return final, false, nil
}

func sortedFields(record *schema.ConflictRecord) []string {
	names := make([]string, 0, len(record.Diff))
	for name := range record.Diff {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func formatValue(v any) string {
	if v == nil {
		return "∅"
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

func conflictTable(records []*schema.ConflictRecord) string {
	rows := make([][]string, 0, len(records))
	for _, r := range records {
		state := string(r.Outcome)
		if r.Open() {
			state = ui.RenderWarn("open")
			if r.Escalated {
				state = ui.RenderWarn("escalated: " + strings.Join(r.EscalatedFields, ","))
			}
		}
		rows = append(rows, []string{
			r.ID,
			r.EntityType() + "/" + r.EntityID(),
			string(r.Mutation.Operation),
			string(r.Strategy),
			state,
			strings.Join(sortedFields(r), ","),
			r.DetectedAt.Local().Format(time.DateTime),
		})
	}
	return ui.Table([]string{"ID", "ENTITY", "OP", "STRATEGY", "STATE", "FIELDS", "DETECTED"}, rows)
}

func conflictDiffTable(record *schema.ConflictRecord) string {
	rows := make([][]string, 0, len(record.Diff))
	for _, name := range sortedFields(record) {
		d := record.Diff[name]
		marker := ""
		if d.ServerChanged {
			marker = ui.RenderWarn("server changed")
		}
		if d.NonMergeable {
			marker = ui.RenderFail("non-mergeable")
		}
		rows = append(rows, []string{name, formatValue(d.Base), formatValue(d.Local), formatValue(d.Server), marker})
	}
	return ui.Table([]string{"FIELD", "BASE", "LOCAL", "SERVER", ""}, rows)
}

// conflictView is the YAML rendering of a conflict.
type conflictView struct {
	ID         string                   `yaml:"id"`
	Entity     string                   `yaml:"entity"`
	Operation  schema.Operation         `yaml:"operation"`
	Strategy   schema.Strategy          `yaml:"strategy"`
	Status     schema.ConflictStatus    `yaml:"status"`
	Outcome    schema.Outcome           `yaml:"outcome,omitempty"`
	Escalated  []string                 `yaml:"escalated,omitempty"`
	Fields     map[string]fieldDiffView `yaml:"fields"`
	Resolved   schema.Fields            `yaml:"resolved,omitempty"`
	DetectedAt time.Time                `yaml:"detected_at"`
	ClosedAt   *time.Time               `yaml:"closed_at,omitempty"`
}

type fieldDiffView struct {
	Base          any    `yaml:"base"`
	Local         any    `yaml:"local"`
	Server        any    `yaml:"server"`
	ServerChanged bool   `yaml:"server_changed"`
	Winner        string `yaml:"winner,omitempty"`
}

func newConflictView(r *schema.ConflictRecord) conflictView {
	v := conflictView{
		ID:         r.ID,
		Entity:     r.EntityType() + "/" + r.EntityID(),
		Operation:  r.Mutation.Operation,
		Strategy:   r.Strategy,
		Status:     r.Status,
		Outcome:    r.Outcome,
		Escalated:  r.EscalatedFields,
		Fields:     make(map[string]fieldDiffView, len(r.Diff)),
		Resolved:   r.ResolvedPayload,
		DetectedAt: r.DetectedAt,
		ClosedAt:   r.ClosedAt,
	}
	for name, d := range r.Diff {
		v.Fields[name] = fieldDiffView{
			Base:          d.Base,
			Local:         d.Local,
			Server:        d.Server,
			ServerChanged: d.ServerChanged,
			Winner:        string(d.Winner),
		}
	}
	return v
}

func init() {
	conflictsListCmd.Flags().String("type", "", "Only conflicts on this entity type")
	conflictsListCmd.Flags().String("format", "table", "Output format: table, yaml, json")
	conflictsListCmd.Flags().Bool("closed", false, "List the audit log of resolved conflicts")
	conflictsListCmd.Flags().String("since", "", "With --closed, only conflicts detected after this time")

	conflictsResolveCmd.Flags().String("payload", "", "Final payload as a JSON object")
	conflictsResolveCmd.Flags().Bool("keep-server", false, "Keep the server version and drop the local change")

	conflictsCmd.AddCommand(conflictsListCmd, conflictsResolveCmd)
	rootCmd.AddCommand(conflictsCmd)
}
