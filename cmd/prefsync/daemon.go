package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the sync manager continuously",
	Long: `Run prefsync as a long-lived process.

The daemon starts the sync manager with all configured adapters: the
auto-sync timer, file watchers, the realtime socket connection, periodic
backups, and the startup pull all follow the configuration file.

Example usage:
  prefsync daemon
  prefsync daemon --config /etc/prefsync.yaml --log-file /var/log/prefsync.log

Press Ctrl+C (or send SIGTERM) to stop.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		logger := newLogger(cfg, "[daemon] ")
		m, store, err := buildManager(cfg, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if store != nil {
			defer store.Close()
		}

		// Surface engine events in the daemon log.
		events := m.Engine().Subscribe()
		go func() {
			for ev := range events {
				if ev.Err != nil {
					logger.Printf("Event %s (op=%s): %v", ev.Type, ev.OperationID, ev.Err)
					continue
				}
				logger.Printf("Event %s (op=%s)", ev.Type, ev.OperationID)
			}
		}()

		m.Start()
		logger.Printf("Daemon started with %d enabled adapter(s)", len(m.EnabledAdapters()))
		fmt.Printf("prefsync daemon running (%d adapters). Press Ctrl+C to stop...\n",
			len(m.EnabledAdapters()))

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		<-ctx.Done()

		fmt.Println("\nShutting down...")
		if err := m.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}
