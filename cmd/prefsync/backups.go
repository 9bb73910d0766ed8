package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var backupsCmd = &cobra.Command{
	Use:   "backups",
	Short: "List and restore settings backups",
	Long: `Manage settings backups.

Backups record the settings document at sync time. With historyPath
configured the snapshot itself is stored and can be replayed; without it
only metadata is kept and restore falls back to re-pulling live state.`,
}

var backupsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored backups",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		logger := newLogger(cfg, "[backups] ")
		m, store, err := buildManager(cfg, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer m.Stop()
		if store != nil {
			defer store.Close()
		}

		backups, err := m.Backups(context.Background())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if len(backups) == 0 {
			fmt.Println("No backups recorded.")
			return
		}

		for _, b := range backups {
			fmt.Printf("%s  %s  %6d bytes  adapters=%s\n",
				b.ID, b.CreatedAt.Format(time.RFC3339), b.Size,
				strings.Join(b.Adapters, ","))
		}
	},
}

var backupsRestoreCmd = &cobra.Command{
	Use:   "restore <backup-id>",
	Short: "Replay a stored backup through the adapters",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		logger := newLogger(cfg, "[backups] ")
		m, store, err := buildManager(cfg, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer m.Stop()
		if store != nil {
			defer store.Close()
		}

		restored, err := m.RestoreBackup(context.Background(), args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("Restored backup %s:\n", args[0])
		out, err := yaml.Marshal(restored)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		os.Stdout.Write(out)
	},
}

func init() {
	backupsCmd.AddCommand(backupsListCmd)
	backupsCmd.AddCommand(backupsRestoreCmd)
	rootCmd.AddCommand(backupsCmd)
}
