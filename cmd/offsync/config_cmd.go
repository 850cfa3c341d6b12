package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/fieldkit/offsync/internal/offline/config"
	"github.com/fieldkit/offsync/internal/ui"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "advanced",
	Short:   "Create or inspect the configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config file with the default settings",
	Long: `Write a config file holding every setting at its default value.

Settings can also come from the environment: OFFSYNC_BACKEND_URL,
OFFSYNC_SYNC_MAX_CONCURRENCY and so on.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		format, _ := cmd.Flags().GetString("format")
		path, _ := cmd.Flags().GetString("path")
		force, _ := cmd.Flags().GetBool("force")

		if path == "" {
			path = filepath.Join(".offsync", "offsync."+strings.ToLower(format))
		}
		if err := config.WriteDefault(path, format, force); err != nil {
			fatal("%v", err)
		}
		fmt.Printf("%s Wrote %s\n", ui.RenderPass("✓"), path)
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		v, err := config.New(configPath)
		if err != nil {
			fatal("%v", err)
		}
		if _, err := config.Decode(v); err != nil {
			fatal("%v", err)
		}
		if used := v.ConfigFileUsed(); used != "" {
			fmt.Printf("# %s\n", used)
		} else {
			fmt.Println("# defaults (no config file found)")
		}
		settings := v.AllSettings()
		if backend, ok := settings["backend"].(map[string]any); ok {
			if tok, ok := backend["token"].(string); ok && tok != "" {
				backend["token"] = "********"
			}
		}
		out, err := yaml.Marshal(settings)
		if err != nil {
			fatal("failed to encode yaml: %v", err)
		}
		fmt.Print(string(out))
	},
}

func init() {
	configInitCmd.Flags().String("format", "yaml", "File format: "+strings.Join(config.Formats, ", "))
	configInitCmd.Flags().String("path", "", "Destination (default: .offsync/offsync.<format>)")
	configInitCmd.Flags().Bool("force", false, "Overwrite an existing file")

	configCmd.AddCommand(configInitCmd, configShowCmd)
	rootCmd.AddCommand(configCmd)
}
