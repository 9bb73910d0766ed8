package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/keelhq/prefsync/internal/history"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show adapter reachability and recent sync history",
	Long: `Display the configured adapters, whether each one is currently
reachable, and the most recent operations from the history log (when
historyPath is configured).

Example usage:
  prefsync status
  prefsync status --limit 50`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		logger := newLogger(cfg, "[status] ")
		m, store, err := buildManager(cfg, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer m.Stop()
		if store != nil {
			defer store.Close()
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		fmt.Println("Adapters:")
		regs := m.Registrations()
		if len(regs) == 0 {
			fmt.Println("  (none configured)")
		}
		instances := m.Engine().Adapters()
		reachable := map[string]bool{}
		for _, inst := range instances {
			reachable[inst.Name()] = inst.TestConnection(ctx)
		}
		for _, reg := range regs {
			state := "disabled"
			if reg.Enabled {
				if reachable[reg.Name] {
					state = "reachable"
				} else {
					state = "unreachable"
				}
			}
			fmt.Printf("  %-16s %-8s priority=%-3d %s\n", reg.Name, reg.Type, reg.Priority, state)
		}

		if store == nil {
			fmt.Println("\nHistory: not configured (set historyPath to enable)")
			return
		}

		limit, _ := cmd.Flags().GetInt("limit")
		ops, err := store.RecentOperations(ctx, limit)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading history: %v\n", err)
			os.Exit(1)
		}

		fmt.Println("\nRecent operations:")
		if len(ops) == 0 {
			fmt.Println("  (none recorded)")
			return
		}
		for _, op := range ops {
			line := fmt.Sprintf("  %s  %-4s %-9s retries=%d  %s",
				op.FinishedAt.Format(time.RFC3339), op.Kind, op.Status,
				op.RetryCount, op.ID)
			if op.Error != "" {
				line += "  " + op.Error
			}
			fmt.Println(line)
		}
		printStats(ops)
	},
}

// printStats summarizes the listed operations.
func printStats(ops []history.OperationRecord) {
	completed, failed := 0, 0
	for _, op := range ops {
		switch op.Status {
		case "completed":
			completed++
		case "failed":
			failed++
		}
	}
	fmt.Printf("\n%d operation(s): %d completed, %d failed\n", len(ops), completed, failed)
}

func init() {
	statusCmd.Flags().Int("limit", 20, "How many recent operations to show")
	rootCmd.AddCommand(statusCmd)
}
