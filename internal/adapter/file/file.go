// Package file implements the settings adapter backed by a file on the
// local filesystem.
//
// The adapter serializes the settings document to a configured format
// (yaml by default), keeps a short-lived read cache invalidated by
// filesystem events, and hashes content to detect external writers.
package file

import (
	"context"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-viper/mapstructure/v2"

	"github.com/keelhq/prefsync/internal/adapter"
	"github.com/keelhq/prefsync/internal/settings"
)

func init() {
	adapter.Register(adapter.TypeFile, New)
}

// Config holds file adapter configuration.
type Config struct {
	// BasePath is the directory holding the settings file (required).
	BasePath string `mapstructure:"basePath"`

	// FileName is the settings file name. Defaults to "settings" plus
	// the format's extension.
	FileName string `mapstructure:"fileName"`

	// Format selects the on-disk encoding (yaml, toml, json, env).
	Format Format `mapstructure:"format"`

	// WatchChanges arms a filesystem watcher that invalidates the read
	// cache when the file is modified by an external writer.
	WatchChanges bool `mapstructure:"watchChanges"`

	// HashAlgorithm selects the content hash (sha256 or sha1).
	HashAlgorithm string `mapstructure:"hashAlgorithm"`

	// BackupOnWrite copies the prior file to a timestamped .bak path
	// before overwriting it.
	BackupOnWrite bool `mapstructure:"backupOnWrite"`

	// CacheTTL bounds how long a pulled document is served from cache.
	CacheTTL time.Duration `mapstructure:"cacheTTL"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Format:        FormatYAML,
		WatchChanges:  true,
		HashAlgorithm: "sha256",
		CacheTTL:      30 * time.Second,
	}
}

// FileAdapter synchronizes settings with a file on disk.
type FileAdapter struct {
	name   string
	config Config
	logger *log.Logger

	mu          sync.Mutex
	cached      settings.Settings
	cachedAt    time.Time
	lastHash    string
	lastSyncMod time.Time

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
}

// New creates a file adapter from a raw configuration map.
// It satisfies adapter.Constructor and is registered under TypeFile.
func New(name string, cfg map[string]any, logger *log.Logger) (adapter.Adapter, error) {
	config := DefaultConfig()
	if err := decodeConfig(cfg, &config); err != nil {
		return nil, fmt.Errorf("invalid file adapter config: %w", err)
	}
	return NewWithConfig(name, config, logger)
}

// NewWithConfig creates a file adapter from typed configuration.
func NewWithConfig(name string, config Config, logger *log.Logger) (*FileAdapter, error) {
	if config.BasePath == "" {
		return nil, fmt.Errorf("basePath cannot be empty")
	}
	if config.Format == "" {
		config.Format = FormatYAML
	}
	if config.FileName == "" {
		config.FileName = "settings" + config.Format.ext()
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = 30 * time.Second
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[file] ", log.LstdFlags)
	}

	if err := os.MkdirAll(config.BasePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base path: %w", err)
	}

	a := &FileAdapter{
		name:   name,
		config: config,
		logger: logger,
		done:   make(chan struct{}),
	}

	if config.WatchChanges {
		if err := a.armWatcher(); err != nil {
			return nil, err
		}
	}

	return a, nil
}

// Name implements adapter.Adapter.
func (a *FileAdapter) Name() string { return a.name }

// path returns the resolved settings file path.
func (a *FileAdapter) path() string {
	return filepath.Join(a.config.BasePath, a.config.FileName)
}

// Push implements adapter.Adapter. It serializes the document, optionally
// copies the prior file aside, and writes atomically via rename.
func (a *FileAdapter) Push(ctx context.Context, data settings.Settings, operationID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	raw, err := encode(a.config.Format, data)
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}

	path := a.path()

	if a.config.BackupOnWrite {
		if err := a.backupExisting(path); err != nil {
			a.logger.Printf("Warning: failed to back up %s: %v", path, err)
		}
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0644); err != nil {
		return fmt.Errorf("failed to write settings file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace settings file: %w", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat settings file after write: %w", err)
	}

	a.mu.Lock()
	a.cached = data.Clone()
	a.cachedAt = time.Now()
	a.lastHash = a.hash(raw)
	a.lastSyncMod = info.ModTime()
	a.mu.Unlock()

	a.logger.Printf("Pushed settings to %s (op=%s, %d bytes)", path, operationID, len(raw))
	return nil
}

// Pull implements adapter.Adapter. A missing file yields an empty
// document, not an error. Reads within CacheTTL are served from cache
// unless a filesystem event invalidated it.
func (a *FileAdapter) Pull(ctx context.Context, operationID string) (settings.Settings, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.Lock()
	if a.cached != nil && time.Since(a.cachedAt) < a.config.CacheTTL {
		out := a.cached.Clone()
		a.mu.Unlock()
		return out, nil
	}
	a.mu.Unlock()

	path := a.path()
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return settings.Settings{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read settings file: %w", err)
	}

	data, err := decode(a.config.Format, raw)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.cached = data.Clone()
	a.cachedAt = time.Now()
	a.lastHash = a.hash(raw)
	a.mu.Unlock()

	return data, nil
}

// TestConnection implements adapter.Adapter with a synthetic
// write/read/delete round trip under the base path.
func (a *FileAdapter) TestConnection(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}

	probe := filepath.Join(a.config.BasePath, fmt.Sprintf(".prefsync-probe-%d", time.Now().UnixNano()))
	payload := []byte("probe")

	if err := os.WriteFile(probe, payload, 0644); err != nil {
		return false
	}
	defer os.Remove(probe)

	read, err := os.ReadFile(probe)
	if err != nil {
		return false
	}
	return string(read) == string(payload)
}

// ConflictHint implements adapter.ConflictHinter. If the settings file
// was modified after the adapter's last synchronized write, an external
// writer got there first and the remote document wins; otherwise the
// local document is preferred.
func (a *FileAdapter) ConflictHint(local, remote settings.Settings) settings.Settings {
	a.mu.Lock()
	lastMod := a.lastSyncMod
	a.mu.Unlock()

	info, err := os.Stat(a.path())
	if err != nil {
		return local
	}
	if !lastMod.IsZero() && info.ModTime().After(lastMod) {
		return remote
	}
	return local
}

// Status implements adapter.StatusReporter.
func (a *FileAdapter) Status() adapter.Status {
	_, err := os.Stat(a.config.BasePath)
	s := adapter.Status{Connected: err == nil}
	if err != nil {
		s.LastError = err.Error()
	}
	return s
}

// Hash returns the content hash recorded at the last push or pull.
func (a *FileAdapter) Hash() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastHash
}

// SetLocation moves the adapter to a new base path and file name,
// dropping the cache and re-arming the watcher.
func (a *FileAdapter) SetLocation(basePath, fileName string) error {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return fmt.Errorf("failed to create base path: %w", err)
	}

	a.mu.Lock()
	oldPath := a.config.BasePath
	a.config.BasePath = basePath
	if fileName != "" {
		a.config.FileName = fileName
	}
	a.cached = nil
	a.lastHash = ""
	a.lastSyncMod = time.Time{}
	watching := a.watcher != nil
	a.mu.Unlock()

	if watching {
		if err := a.watcher.Remove(oldPath); err != nil {
			a.logger.Printf("Warning: failed to unwatch %s: %v", oldPath, err)
		}
		if err := a.watcher.Add(basePath); err != nil {
			return fmt.Errorf("failed to watch %s: %w", basePath, err)
		}
	}
	return nil
}

// Close implements adapter.Adapter, stopping the watcher goroutine.
func (a *FileAdapter) Close() error {
	close(a.done)
	if a.watcher != nil {
		if err := a.watcher.Close(); err != nil {
			return fmt.Errorf("failed to close watcher: %w", err)
		}
	}
	a.wg.Wait()
	return nil
}

// armWatcher starts watching the base path for external file changes.
func (a *FileAdapter) armWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(a.config.BasePath); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", a.config.BasePath, err)
	}

	a.watcher = watcher
	a.wg.Add(1)
	go a.watchEvents()
	return nil
}

// watchEvents invalidates the read cache when the settings file changes
// underneath us.
func (a *FileAdapter) watchEvents() {
	defer a.wg.Done()

	for {
		select {
		case <-a.done:
			return

		case event, ok := <-a.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			a.mu.Lock()
			match := filepath.Base(event.Name) == a.config.FileName
			if match {
				a.cached = nil
				a.cachedAt = time.Time{}
			}
			a.mu.Unlock()
			if match {
				a.logger.Printf("External change detected: %s %s", event.Op, event.Name)
			}

		case err, ok := <-a.watcher.Errors:
			if !ok {
				return
			}
			a.logger.Printf("Watcher error: %v", err)
		}
	}
}

// backupExisting copies the current settings file to a timestamped path.
func (a *FileAdapter) backupExisting(path string) error {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	backup := fmt.Sprintf("%s.%d.bak", path, time.Now().UnixMilli())
	return os.WriteFile(backup, raw, 0644)
}

// hash computes the configured content hash as a hex string.
func (a *FileAdapter) hash(raw []byte) string {
	switch a.config.HashAlgorithm {
	case "sha1":
		sum := sha1.Sum(raw)
		return hex.EncodeToString(sum[:])
	default:
		sum := sha256.Sum256(raw)
		return hex.EncodeToString(sum[:])
	}
}

// decodeConfig decodes a raw configuration map into a typed config,
// accepting duration strings like "30s".
func decodeConfig(cfg map[string]any, out any) error {
	if cfg == nil {
		return nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.StringToTimeDurationHookFunc(),
		Result:     out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(cfg)
}
