// Package manager is the application-facing facade over the sync
// engine. It owns named adapter registrations, rebuilds the inner
// synchronizer when they change, debounces realtime triggers, and keeps
// a capped backup history.
package manager

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/keelhq/prefsync/internal/adapter"
	"github.com/keelhq/prefsync/internal/engine"
	"github.com/keelhq/prefsync/internal/history"
	"github.com/keelhq/prefsync/internal/settings"
)

// Registration declares one adapter by name, type, and raw config.
type Registration struct {
	Name     string         `mapstructure:"name"`
	Type     adapter.Type   `mapstructure:"type"`
	Enabled  bool           `mapstructure:"enabled"`
	Priority int            `mapstructure:"priority"`
	Config   map[string]any `mapstructure:"config"`
}

// Config holds manager options on top of the engine's.
type Config struct {
	Engine engine.Config `mapstructure:"engine"`

	// EnableAutoBackup turns on the periodic backup timer.
	EnableAutoBackup bool `mapstructure:"enableAutoBackup"`

	// BackupInterval is the period between automatic backups.
	BackupInterval time.Duration `mapstructure:"backupInterval"`

	// MaxBackupCount caps the backup history; oldest evicted first.
	MaxBackupCount int `mapstructure:"maxBackupCount"`

	// SyncOnStartup performs one pull when the manager starts.
	SyncOnStartup bool `mapstructure:"syncOnStartup"`

	// RealtimeSyncDebounce collapses rapid TriggerSync calls into one.
	RealtimeSyncDebounce time.Duration `mapstructure:"realtimeSyncDebounce"`
}

// DefaultConfig returns the options used when none are supplied.
func DefaultConfig() Config {
	return Config{
		Engine:               engine.DefaultConfig(),
		EnableAutoBackup:     false,
		BackupInterval:       time.Hour,
		MaxBackupCount:       10,
		SyncOnStartup:        false,
		RealtimeSyncDebounce: 500 * time.Millisecond,
	}
}

// Manager coordinates registrations, the inner synchronizer, realtime
// debouncing, and backups.
type Manager struct {
	config Config
	logger *log.Logger
	store  *history.Store // optional

	mu            sync.Mutex
	registrations []Registration
	engine        *engine.Synchronizer
	backups       []history.BackupInfo // metadata-only fallback without a store
	current       settings.Settings    // last document seen (pushed or pulled)
	debounce      *time.Timer
	pending       settings.Settings

	backupSeq atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a manager. The history store is optional; without one,
// backups keep metadata only and restore falls back to a live pull.
func New(config Config, logger *log.Logger, store *history.Store) *Manager {
	if logger == nil {
		logger = log.New(os.Stderr, "[manager] ", log.LstdFlags)
	}
	if config.MaxBackupCount <= 0 {
		config.MaxBackupCount = DefaultConfig().MaxBackupCount
	}
	if config.Engine.Timeout <= 0 {
		config.Engine.Timeout = engine.DefaultConfig().Timeout
	}
	if config.RealtimeSyncDebounce <= 0 {
		config.RealtimeSyncDebounce = DefaultConfig().RealtimeSyncDebounce
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		config: config,
		logger: logger,
		store:  store,
		ctx:    ctx,
		cancel: cancel,
	}
	m.engine = m.buildEngine(nil)
	return m
}

// AddAdapter registers a new adapter declaration and rebuilds the
// synchronizer over the enabled subset.
func (m *Manager) AddAdapter(reg Registration) error {
	if reg.Name == "" {
		return errors.New("adapter name cannot be empty")
	}
	if !adapter.IsRegistered(reg.Type) {
		return fmt.Errorf("unknown adapter type %q", reg.Type)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.registrations {
		if existing.Name == reg.Name {
			return fmt.Errorf("adapter %q already registered", reg.Name)
		}
	}
	m.registrations = append(m.registrations, reg)
	return m.rebuildLocked()
}

// RemoveAdapter drops a registration and rebuilds the synchronizer.
func (m *Manager) RemoveAdapter(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, reg := range m.registrations {
		if reg.Name == name {
			m.registrations = append(m.registrations[:i], m.registrations[i+1:]...)
			return m.rebuildLocked()
		}
	}
	return fmt.Errorf("adapter %q not registered", name)
}

// SetEnabled flips a registration's enabled flag.
func (m *Manager) SetEnabled(name string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.registrations {
		if m.registrations[i].Name == name {
			if m.registrations[i].Enabled == enabled {
				return nil
			}
			m.registrations[i].Enabled = enabled
			return m.rebuildLocked()
		}
	}
	return fmt.Errorf("adapter %q not registered", name)
}

// EnabledAdapters returns enabled registrations, priority descending.
// Equal priorities order by name so iteration is deterministic.
func (m *Manager) EnabledAdapters() []Registration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabledLocked()
}

func (m *Manager) enabledLocked() []Registration {
	var out []Registration
	for _, reg := range m.registrations {
		if reg.Enabled {
			out = append(out, reg)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Registrations returns all registrations in declaration order.
func (m *Manager) Registrations() []Registration {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Registration, len(m.registrations))
	copy(out, m.registrations)
	return out
}

// rebuildLocked replaces the inner synchronizer with one holding fresh
// adapter instances for the enabled subset. Caller holds m.mu.
func (m *Manager) rebuildLocked() error {
	next := m.buildEngine(m.enabledLocked())
	old := m.engine
	m.engine = next
	if old != nil {
		// Stop outside the lock: the old engine's in-flight triggers
		// read the current document through m.mu. Tracked so Stop
		// waits for the old adapters to finish closing.
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			if err := old.Stop(); err != nil {
				m.logger.Printf("Error stopping previous synchronizer: %v", err)
			}
		}()
	}
	return nil
}

// buildEngine constructs a synchronizer and registers an instance for
// each enabled registration, in priority order.
func (m *Manager) buildEngine(enabled []Registration) *engine.Synchronizer {
	s := engine.New(m.config.Engine, m.logger)
	if m.store != nil {
		s.SetRecorder(m.store)
	}
	s.SetDataSource(func(ctx context.Context) (settings.Settings, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.current == nil {
			return nil, errors.New("no settings document available yet")
		}
		return m.current.Clone(), nil
	})

	for _, reg := range enabled {
		inst, err := adapter.New(reg.Type, reg.Name, reg.Config, m.logger)
		if err != nil {
			m.logger.Printf("Skipping adapter %q: %v", reg.Name, err)
			continue
		}
		if err := s.Register(inst); err != nil {
			m.logger.Printf("Skipping adapter %q: %v", reg.Name, err)
			_ = inst.Close()
		}
	}
	return s
}

// Engine exposes the current inner synchronizer, e.g. for event
// subscription or stats.
func (m *Manager) Engine() *engine.Synchronizer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.engine
}

// Sync pushes data through the enabled adapters. A completed sync also
// records a backup when auto-backup is on.
func (m *Manager) Sync(ctx context.Context, data settings.Settings) (*engine.Operation, error) {
	op, err := m.Engine().Sync(ctx, data)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.current = data.Clone()
	m.mu.Unlock()

	if op.Status == engine.StatusCompleted && m.config.EnableAutoBackup {
		if berr := m.CreateBackup(data); berr != nil {
			m.logger.Printf("Backup after sync failed: %v", berr)
		}
	}
	return op, nil
}

// Pull merges settings from the enabled adapters and retains the result
// as the current document.
func (m *Manager) Pull(ctx context.Context) (settings.Settings, error) {
	merged, _, err := m.Engine().Pull(ctx)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.current = merged.Clone()
	m.mu.Unlock()
	return merged, nil
}

// Stats proxies the inner synchronizer's counters.
func (m *Manager) Stats() engine.Stats {
	return m.Engine().Stats()
}

// TriggerSync schedules a debounced sync. Rapid calls collapse into a
// single push (when data was supplied) or pull (otherwise).
func (m *Manager) TriggerSync(data settings.Settings) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if data != nil {
		m.pending = data.Clone()
	}
	if m.debounce != nil {
		m.debounce.Stop()
	}
	m.debounce = time.AfterFunc(m.config.RealtimeSyncDebounce, m.fireTrigger)
}

// fireTrigger runs the debounced sync.
func (m *Manager) fireTrigger() {
	m.mu.Lock()
	data := m.pending
	m.pending = nil
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(m.ctx, m.config.Engine.Timeout)
	defer cancel()

	if data != nil {
		if _, err := m.Sync(ctx, data); err != nil {
			m.logger.Printf("Debounced sync failed: %v", err)
		}
		return
	}
	if _, err := m.Pull(ctx); err != nil {
		m.logger.Printf("Debounced pull failed: %v", err)
	}
}

// CreateBackup records a backup of data. With a history store attached
// the snapshot itself is persisted; otherwise only metadata is kept.
func (m *Manager) CreateBackup(data settings.Settings) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode backup: %w", err)
	}
	sum := sha256.Sum256(raw)

	var names []string
	for _, reg := range m.EnabledAdapters() {
		names = append(names, reg.Name)
	}

	info := history.BackupInfo{
		ID:        fmt.Sprintf("backup-%d-%d", m.backupSeq.Add(1), time.Now().UnixNano()),
		CreatedAt: time.Now(),
		Size:      int64(len(raw)),
		Hash:      hex.EncodeToString(sum[:]),
		Adapters:  names,
		Location:  "local",
	}

	if m.store != nil {
		if err := m.store.SaveBackup(info, data); err != nil {
			return err
		}
		return m.store.PruneBackups(m.ctx, m.config.MaxBackupCount)
	}

	m.mu.Lock()
	m.backups = append(m.backups, info)
	if excess := len(m.backups) - m.config.MaxBackupCount; excess > 0 {
		m.backups = m.backups[excess:]
	}
	m.mu.Unlock()

	m.logger.Printf("Recorded backup %s (%d bytes)", info.ID, info.Size)
	return nil
}

// Backups lists backup metadata, oldest first.
func (m *Manager) Backups(ctx context.Context) ([]history.BackupInfo, error) {
	if m.store != nil {
		return m.store.Backups(ctx)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]history.BackupInfo, len(m.backups))
	copy(out, m.backups)
	return out, nil
}

// RestoreBackup replays a stored snapshot back through the adapters.
// Without a history store it can only re-pull the latest live state.
func (m *Manager) RestoreBackup(ctx context.Context, id string) (settings.Settings, error) {
	if m.store == nil {
		m.logger.Printf("No history store attached, restore falls back to a live pull")
		return m.Pull(ctx)
	}

	snapshot, err := m.store.Snapshot(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := m.Sync(ctx, snapshot); err != nil {
		return nil, fmt.Errorf("failed to push restored snapshot: %w", err)
	}
	return snapshot, nil
}

// Start wires the auto-sync and backup timers and performs the startup
// pull when configured.
func (m *Manager) Start() {
	m.Engine().Start()

	if m.config.SyncOnStartup {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			ctx, cancel := context.WithTimeout(m.ctx, m.config.Engine.Timeout)
			defer cancel()
			if _, err := m.Pull(ctx); err != nil {
				m.logger.Printf("Startup pull failed: %v", err)
			}
		}()
	}

	if m.config.EnableAutoBackup && m.config.BackupInterval > 0 {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			ticker := time.NewTicker(m.config.BackupInterval)
			defer ticker.Stop()
			for {
				select {
				case <-m.ctx.Done():
					return
				case <-ticker.C:
					m.mu.Lock()
					data := m.current
					m.mu.Unlock()
					if data == nil {
						continue
					}
					if err := m.CreateBackup(data); err != nil {
						m.logger.Printf("Periodic backup failed: %v", err)
					}
				}
			}
		}()
	}
}

// Stop tears down timers and the inner synchronizer.
func (m *Manager) Stop() error {
	m.cancel()

	m.mu.Lock()
	if m.debounce != nil {
		m.debounce.Stop()
		m.debounce = nil
	}
	m.mu.Unlock()

	m.wg.Wait()
	return m.Engine().Stop()
}
