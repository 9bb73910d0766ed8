package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/keelhq/prefsync/internal/settings"
)

var syncCmd = &cobra.Command{
	Use:   "sync [KEY=VALUE ...]",
	Short: "Push settings to every enabled adapter",
	Long: `Push a settings document to all enabled adapters.

The document comes from KEY=VALUE arguments, a file (--file), or the
merged current state (a pull) when neither is given. Values are typed by
inspection: true/false, integers, and floats are parsed, everything else
stays a string.

Example usage:
  prefsync sync theme=dark editor_fontsize=14
  prefsync sync --file settings.yaml
  prefsync sync                  # re-push the merged current state`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		logger := newLogger(cfg, "[sync] ")
		m, store, err := buildManager(cfg, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer m.Stop()
		if store != nil {
			defer store.Close()
		}

		ctx := context.Background()

		var data settings.Settings
		file, _ := cmd.Flags().GetString("file")
		switch {
		case file != "":
			raw, err := os.ReadFile(file)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error reading %s: %v\n", file, err)
				os.Exit(1)
			}
			if err := yaml.Unmarshal(raw, &data); err != nil {
				fmt.Fprintf(os.Stderr, "Error parsing %s: %v\n", file, err)
				os.Exit(1)
			}
		case len(args) > 0:
			data = settings.Unflatten(strings.Join(args, "\n"))
			if len(data) == 0 {
				fmt.Fprintf(os.Stderr, "Error: no KEY=VALUE pairs recognized\n")
				os.Exit(1)
			}
		default:
			data, err = m.Pull(ctx)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: nothing to push and pull failed: %v\n", err)
				os.Exit(1)
			}
		}

		op, err := m.Sync(ctx, data)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if op.Err != nil {
			fmt.Fprintf(os.Stderr, "Sync %s finished with errors: %v\n", op.ID, op.Err)
			os.Exit(1)
		}
		fmt.Printf("Sync %s completed (%d keys, %d adapters)\n",
			op.ID, len(data), len(m.EnabledAdapters()))
	},
}

func init() {
	syncCmd.Flags().StringP("file", "f", "", "Read the settings document from a YAML or JSON file")
	rootCmd.AddCommand(syncCmd)
}
