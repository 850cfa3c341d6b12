package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fieldkit/offsync/internal/offline/config"
	"github.com/fieldkit/offsync/internal/offline/dashboard"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run the sync driver and dashboard (foreground)",
	Long: `Run the sync orchestrator until interrupted.

The daemon will:
  1. Recover mutations left in flight by a previous run
  2. Probe the backend and track connectivity
  3. Drain on reconnect, every sync.interval, and after writes
  4. Serve the dashboard: ws://localhost:<port>/ws, /health and /metrics
  5. Reload conflict policies when the config file changes`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		a := mustOpenApp(appOptions{monitor: true})
		defer a.Close()

		port := a.config.Dashboard.Port
		if cmd.Flags().Changed("port") {
			port, _ = cmd.Flags().GetInt("port")
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		logger := a.logger("daemon")
		if a.viper.ConfigFileUsed() != "" {
			config.Watch(a.viper, func(cfg *config.Config, err error) {
				if err != nil {
					logger.Printf("Warning: ignoring config change: %v", err)
					return
				}
				policies, err := cfg.Policies()
				if err != nil {
					logger.Printf("Warning: ignoring config change: %v", err)
					return
				}
				a.orch.Resolver().SetPolicies(policies)
				logger.Printf("Reloaded conflict policies (default %s)", policies.Default)
			})
		}

		var server *dashboard.Server
		if port >= 0 {
			server = dashboard.NewServer(&dashboard.Config{
				Port:     port,
				Status:   a.orch.GetSyncStatus,
				Gatherer: a.registry,
				Logger:   a.logger("dashboard"),
			})
			if err := server.Start(); err != nil {
				fatal("failed to start dashboard: %v", err)
			}
			handler := dashboard.NewHandler(server, a.logger("dashboard"))
			go handler.Run(ctx, a.orch)
		}

		a.monitor.Start(ctx)
		if err := a.orch.Start(ctx); err != nil {
			fatal("%v", err)
		}

		fmt.Printf("Sync daemon running against %s\n", a.config.Backend.URL)
		if server != nil {
			fmt.Printf("Dashboard: http://%s/ (ws /ws, /health, /metrics)\n", server.GetAddr())
		}
		fmt.Println("\nPress Ctrl+C to stop...")

		<-ctx.Done()

		fmt.Println("\nShutting down...")
		a.monitor.Stop()
		a.orch.Stop()
		if server != nil {
			if err := server.Stop(); err != nil {
				fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", err)
			}
		}
		fmt.Println("Daemon stopped")
	},
}

func init() {
	daemonCmd.Flags().IntP("port", "p", 8080, "Dashboard port (negative disables the dashboard)")
	rootCmd.AddCommand(daemonCmd)
}
