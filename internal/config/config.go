// Package config loads prefsync configuration from a YAML file with
// environment overrides (PREFSYNC_* variables).
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/keelhq/prefsync/internal/manager"
)

// Config is the full application configuration.
type Config struct {
	// Manager holds engine and facade options.
	Manager manager.Config `mapstructure:"manager"`

	// Adapters declares the sync targets.
	Adapters []manager.Registration `mapstructure:"adapters"`

	// HubPort is the port the serve command binds.
	HubPort int `mapstructure:"hubPort"`

	// HistoryPath is the sqlite operation log location. Empty disables
	// durable history.
	HistoryPath string `mapstructure:"historyPath"`

	// LogFile routes logs to a rotating file instead of stderr.
	LogFile string `mapstructure:"logFile"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Manager: manager.DefaultConfig(),
		HubPort: 8384,
	}
}

// Load reads configuration from path (optional; empty searches the
// working directory for prefsync.yaml) merged over defaults, with
// PREFSYNC_* environment variables taking precedence.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	setDefaults(v)

	v.SetEnvPrefix("PREFSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("prefsync")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			// Missing config is fine; defaults apply.
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	cfg := Default()
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	def := Default()

	v.SetDefault("hubPort", def.HubPort)
	v.SetDefault("historyPath", def.HistoryPath)
	v.SetDefault("logFile", def.LogFile)

	v.SetDefault("manager.enableAutoBackup", def.Manager.EnableAutoBackup)
	v.SetDefault("manager.backupInterval", def.Manager.BackupInterval)
	v.SetDefault("manager.maxBackupCount", def.Manager.MaxBackupCount)
	v.SetDefault("manager.syncOnStartup", def.Manager.SyncOnStartup)
	v.SetDefault("manager.realtimeSyncDebounce", def.Manager.RealtimeSyncDebounce)

	v.SetDefault("manager.engine.autoSync", def.Manager.Engine.AutoSync)
	v.SetDefault("manager.engine.syncInterval", def.Manager.Engine.SyncInterval)
	v.SetDefault("manager.engine.conflictResolution", string(def.Manager.Engine.ConflictResolution))
	v.SetDefault("manager.engine.maxRetries", def.Manager.Engine.MaxRetries)
	v.SetDefault("manager.engine.retryDelay", def.Manager.Engine.RetryDelay)
	v.SetDefault("manager.engine.batchSize", def.Manager.Engine.BatchSize)
	v.SetDefault("manager.engine.timeout", def.Manager.Engine.Timeout)
	v.SetDefault("manager.engine.offlineSupport", def.Manager.Engine.OfflineSupport)
	v.SetDefault("manager.engine.syncOnStart", def.Manager.Engine.SyncOnStart)
	v.SetDefault("manager.engine.syncOnResume", def.Manager.Engine.SyncOnResume)
	v.SetDefault("manager.engine.syncOnNetworkChange", def.Manager.Engine.SyncOnNetworkChange)
}
