package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/keelhq/prefsync/internal/config"
	"github.com/keelhq/prefsync/internal/history"
	"github.com/keelhq/prefsync/internal/manager"

	// Adapter constructors register themselves with the factory.
	_ "github.com/keelhq/prefsync/internal/adapter/file"
	_ "github.com/keelhq/prefsync/internal/adapter/remote"
	_ "github.com/keelhq/prefsync/internal/adapter/socket"
)

var (
	flagConfig  string
	flagLogFile string
)

var rootCmd = &cobra.Command{
	Use:   "prefsync",
	Short: "Synchronize application settings across local files, peers, and remote services",
	Long: `prefsync keeps an application's settings document in sync across
multiple targets: local files (YAML, TOML, JSON, or KEY=VALUE), a
room-scoped WebSocket hub for realtime peers, and an HTTP settings
service.

Adapters are declared in prefsync.yaml and addressed by name. Pushes fan
out to every enabled adapter; pulls merge results back by priority.

Example usage:
  prefsync sync theme=dark editor_fontsize=14
  prefsync pull
  prefsync daemon                # keep everything in sync continuously
  prefsync serve --port 8384     # run the realtime hub
  prefsync status`,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "Path to config file (default ./prefsync.yaml)")
	rootCmd.PersistentFlags().StringVar(&flagLogFile, "log-file", "", "Write logs to a rotating file instead of stderr")
}

// loadConfig reads the effective configuration for a command run.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return config.Config{}, err
	}
	if flagLogFile != "" {
		cfg.LogFile = flagLogFile
	}
	return cfg, nil
}

// newLogger builds the process logger, rotating via lumberjack when a
// log file is configured.
func newLogger(cfg config.Config, prefix string) *log.Logger {
	if cfg.LogFile == "" {
		return log.New(os.Stderr, prefix, log.LstdFlags)
	}
	return log.New(&lumberjack.Logger{
		Filename:   cfg.LogFile,
		MaxSize:    10, // MB
		MaxBackups: 3,
		MaxAge:     28, // days
		Compress:   true,
	}, prefix, log.LstdFlags)
}

// buildManager assembles a manager from configuration: optional history
// store, then every declared adapter.
func buildManager(cfg config.Config, logger *log.Logger) (*manager.Manager, *history.Store, error) {
	var store *history.Store
	if cfg.HistoryPath != "" {
		var err error
		store, err = history.Open(cfg.HistoryPath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open history: %w", err)
		}
	}

	m := manager.New(cfg.Manager, logger, store)
	for _, reg := range cfg.Adapters {
		if err := m.AddAdapter(reg); err != nil {
			_ = m.Stop()
			if store != nil {
				_ = store.Close()
			}
			return nil, nil, fmt.Errorf("failed to add adapter %q: %w", reg.Name, err)
		}
	}
	return m, store, nil
}
