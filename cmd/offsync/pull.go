package main

import (
	"context"

	"github.com/spf13/cobra"
)

var pullCmd = &cobra.Command{
	Use:     "pull <type> <id>",
	GroupID: "data",
	Short:   "Fetch an entity from the backend into the local store",
	Long: `Fetch the backend's current version of an entity and store it as the
confirmed base. Queued local writes still apply on top, so the printed
view may differ from the backend until the next sync.`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		a := mustOpenApp(appOptions{})
		defer a.Close()

		view, err := a.orch.Pull(context.Background(), args[0], args[1])
		if err != nil {
			fatal("%v", err)
		}
		printJSON(view)
	},
}

func init() {
	rootCmd.AddCommand(pullCmd)
}
