package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var pullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Fetch and merge settings from every enabled adapter",
	Long: `Pull settings from all enabled adapters and print the merged
document. Results merge in priority order, so when two adapters disagree
about a key, the one iterated later wins.

Example usage:
  prefsync pull
  prefsync pull --json`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		logger := newLogger(cfg, "[pull] ")
		m, store, err := buildManager(cfg, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer m.Stop()
		if store != nil {
			defer store.Close()
		}

		merged, err := m.Pull(context.Background())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		asJSON, _ := cmd.Flags().GetBool("json")
		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(merged); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			return
		}

		out, err := yaml.Marshal(merged)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		os.Stdout.Write(out)
	},
}

func init() {
	pullCmd.Flags().Bool("json", false, "Print the merged document as JSON")
	rootCmd.AddCommand(pullCmd)
}
