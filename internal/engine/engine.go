// Package engine implements the synchronization orchestrator. It fans
// settings pushes and pulls out to registered adapters, tracks operation
// outcomes and running stats, retries failed operations with exponential
// backoff, and drives the auto-sync timers.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/keelhq/prefsync/internal/adapter"
	"github.com/keelhq/prefsync/internal/settings"
)

// ErrNoAdapters is returned when a sync or pull is attempted with no
// adapters registered.
var ErrNoAdapters = errors.New("no sync adapters available")

// Config holds orchestrator options.
type Config struct {
	// AutoSync enables the periodic sync ticker.
	AutoSync bool `mapstructure:"autoSync"`

	// SyncInterval is the period between automatic syncs.
	SyncInterval time.Duration `mapstructure:"syncInterval"`

	// ConflictResolution selects the strategy ResolveConflicts applies.
	ConflictResolution Strategy `mapstructure:"conflictResolution"`

	// MaxRetries bounds how many times a queued operation is retried.
	MaxRetries int `mapstructure:"maxRetries"`

	// RetryDelay is the base backoff; attempt n waits RetryDelay * 2^n.
	RetryDelay time.Duration `mapstructure:"retryDelay"`

	// BatchSize caps how many queued operations one pass processes.
	BatchSize int `mapstructure:"batchSize"`

	// Timeout bounds each individual adapter push or pull.
	Timeout time.Duration `mapstructure:"timeout"`

	// OfflineSupport suppresses sync triggers while offline instead of
	// letting them fail against unreachable adapters.
	OfflineSupport bool `mapstructure:"offlineSupport"`

	// SyncOnStart fires one sync immediately when the engine starts.
	SyncOnStart bool `mapstructure:"syncOnStart"`

	// SyncOnResume fires a sync when the host application resumes.
	SyncOnResume bool `mapstructure:"syncOnResume"`

	// SyncOnNetworkChange fires a sync when connectivity is regained.
	SyncOnNetworkChange bool `mapstructure:"syncOnNetworkChange"`
}

// DefaultConfig returns the options used when none are supplied.
func DefaultConfig() Config {
	return Config{
		AutoSync:            false,
		SyncInterval:        5 * time.Minute,
		ConflictResolution:  StrategyLocalWins,
		MaxRetries:          3,
		RetryDelay:          time.Second,
		BatchSize:           10,
		Timeout:             30 * time.Second,
		OfflineSupport:      true,
		SyncOnStart:         false,
		SyncOnResume:        true,
		SyncOnNetworkChange: true,
	}
}

// OperationKind distinguishes pushes from pulls.
type OperationKind string

const (
	KindPush OperationKind = "push"
	KindPull OperationKind = "pull"
)

// OperationStatus is the lifecycle state of one operation.
type OperationStatus string

const (
	StatusPending    OperationStatus = "pending"
	StatusInProgress OperationStatus = "in-progress"
	StatusCompleted  OperationStatus = "completed"
	StatusFailed     OperationStatus = "failed"
)

// Operation records one sync or pull attempt.
type Operation struct {
	ID         string
	Kind       OperationKind
	Timestamp  time.Time
	Data       settings.Settings
	Status     OperationStatus
	Err        error
	RetryCount int
}

// Stats holds the engine's running counters. Snapshot via Stats().
type Stats struct {
	TotalSyncs        int64
	SuccessfulSyncs   int64
	FailedSyncs       int64
	ConflictsResolved int64
	BytesTransferred  int64
	AverageSyncTime   time.Duration
	LastSync          time.Time
	LastSuccess       time.Time
	LastFailure       time.Time
}

// Recorder persists operation outcomes. The history store satisfies it;
// a nil recorder disables persistence.
type Recorder interface {
	RecordOperation(op Operation) error
}

// Synchronizer coordinates pushes and pulls across registered adapters.
type Synchronizer struct {
	config Config
	logger *log.Logger

	mu          sync.Mutex
	adapters    []adapter.Adapter // registration order, drives merge order
	byName      map[string]adapter.Adapter
	stats       Stats
	online      bool
	subscribers []chan Event
	queue       []*queueItem
	processing  bool

	opSeq    atomic.Uint64
	recorder Recorder

	// dataSource supplies the document for timer-driven syncs.
	dataSource func(ctx context.Context) (settings.Settings, error)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a synchronizer with the given options.
func New(config Config, logger *log.Logger) *Synchronizer {
	if logger == nil {
		logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultConfig().BatchSize
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = DefaultConfig().RetryDelay
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Synchronizer{
		config: config,
		logger: logger,
		byName: make(map[string]adapter.Adapter),
		online: true,
		ctx:    ctx,
		cancel: cancel,
	}
}

// SetRecorder attaches an operation recorder. Pass nil to detach.
func (s *Synchronizer) SetRecorder(r Recorder) {
	s.mu.Lock()
	s.recorder = r
	s.mu.Unlock()
}

// SetDataSource supplies the callback timer-driven syncs use to obtain
// the current settings document. Without one, timers pull instead.
func (s *Synchronizer) SetDataSource(fn func(ctx context.Context) (settings.Settings, error)) {
	s.mu.Lock()
	s.dataSource = fn
	s.mu.Unlock()
}

// Register adds an adapter. Names must be unique.
func (s *Synchronizer) Register(a adapter.Adapter) error {
	if a == nil {
		return errors.New("adapter cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byName[a.Name()]; exists {
		return fmt.Errorf("adapter %q already registered", a.Name())
	}
	s.byName[a.Name()] = a
	s.adapters = append(s.adapters, a)
	s.logger.Printf("Registered adapter %q (%d total)", a.Name(), len(s.adapters))
	return nil
}

// Unregister removes and closes the named adapter. Other adapters are
// unaffected.
func (s *Synchronizer) Unregister(name string) error {
	s.mu.Lock()
	a, exists := s.byName[name]
	if !exists {
		s.mu.Unlock()
		return fmt.Errorf("adapter %q not registered", name)
	}
	delete(s.byName, name)
	for i, other := range s.adapters {
		if other.Name() == name {
			s.adapters = append(s.adapters[:i], s.adapters[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	if err := a.Close(); err != nil {
		return fmt.Errorf("failed to close adapter %q: %w", name, err)
	}
	return nil
}

// Adapters returns the registered adapters in registration order.
func (s *Synchronizer) Adapters() []adapter.Adapter {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]adapter.Adapter, len(s.adapters))
	copy(out, s.adapters)
	return out
}

// Stats returns a snapshot of the running counters.
func (s *Synchronizer) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Online reports the current connectivity belief.
func (s *Synchronizer) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// newOperation mints an operation with a process-unique id.
func (s *Synchronizer) newOperation(kind OperationKind, data settings.Settings) *Operation {
	return &Operation{
		ID:        fmt.Sprintf("op-%d-%d", s.opSeq.Add(1), time.Now().UnixNano()),
		Kind:      kind,
		Timestamp: time.Now(),
		Data:      data,
		Status:    StatusPending,
	}
}

// Sync pushes data to every registered adapter concurrently. The
// operation completes only when zero adapters failed; a partial failure
// resolves the call but marks the operation failed. Successful pushes
// are never rolled back.
func (s *Synchronizer) Sync(ctx context.Context, data settings.Settings) (*Operation, error) {
	adapters := s.Adapters()
	if len(adapters) == 0 {
		return nil, ErrNoAdapters
	}

	op := s.newOperation(KindPush, data)
	op.Status = StatusInProgress
	s.emit(Event{Type: EventSyncStarted, OperationID: op.ID, Data: data})

	start := time.Now()
	failures := s.pushAll(ctx, adapters, data, op.ID)
	duration := time.Since(start)

	if failures == 0 {
		op.Status = StatusCompleted
	} else {
		op.Status = StatusFailed
		op.Err = fmt.Errorf("%d adapter(s) failed", failures)
	}
	s.finishSync(op, duration, len(adapters)-failures, data)
	return op, nil
}

// pushAll fans data out to adapters under per-adapter timeouts and
// returns the number of failures.
func (s *Synchronizer) pushAll(ctx context.Context, adapters []adapter.Adapter, data settings.Settings, opID string) int {
	var wg sync.WaitGroup
	errs := make([]error, len(adapters))
	for i, a := range adapters {
		wg.Add(1)
		go func(i int, a adapter.Adapter) {
			defer wg.Done()
			pushCtx, cancel := context.WithTimeout(ctx, s.config.Timeout)
			defer cancel()
			if err := a.Push(pushCtx, data, opID); err != nil {
				s.logger.Printf("Push to %q failed: %v", a.Name(), err)
				errs[i] = err
			}
		}(i, a)
	}
	wg.Wait()

	failures := 0
	for _, err := range errs {
		if err != nil {
			failures++
		}
	}
	return failures
}

// finishSync updates stats, records the operation, and emits the
// completion event.
func (s *Synchronizer) finishSync(op *Operation, duration time.Duration, successes int, data settings.Settings) {
	payloadBytes := int64(0)
	if raw, err := json.Marshal(data); err == nil {
		payloadBytes = int64(len(raw))
	}

	now := time.Now()
	s.mu.Lock()
	s.stats.TotalSyncs++
	s.stats.LastSync = now
	s.stats.BytesTransferred += payloadBytes * int64(successes)
	if op.Status == StatusCompleted {
		s.stats.SuccessfulSyncs++
		s.stats.LastSuccess = now
	} else {
		s.stats.FailedSyncs++
		s.stats.LastFailure = now
	}
	// Two-point average with the previous value, not a true moving
	// average over all samples.
	if s.stats.AverageSyncTime == 0 {
		s.stats.AverageSyncTime = duration
	} else {
		s.stats.AverageSyncTime = (s.stats.AverageSyncTime + duration) / 2
	}
	recorder := s.recorder
	s.mu.Unlock()

	if recorder != nil {
		if err := recorder.RecordOperation(*op); err != nil {
			s.logger.Printf("Failed to record operation %s: %v", op.ID, err)
		}
	}

	if op.Status == StatusCompleted {
		s.emit(Event{Type: EventSyncCompleted, OperationID: op.ID, Data: data})
	} else {
		s.emit(Event{Type: EventSyncFailed, OperationID: op.ID, Err: op.Err, Data: data})
	}
}

// Pull fetches settings from every adapter concurrently and deep-merges
// the successful results in registration order, so a later adapter wins
// on key collisions. It fails only when no adapter yielded data.
func (s *Synchronizer) Pull(ctx context.Context) (settings.Settings, *Operation, error) {
	adapters := s.Adapters()
	if len(adapters) == 0 {
		return nil, nil, ErrNoAdapters
	}

	op := s.newOperation(KindPull, nil)
	op.Status = StatusInProgress

	type result struct {
		data settings.Settings
		err  error
	}
	results := make([]result, len(adapters))

	var wg sync.WaitGroup
	for i, a := range adapters {
		wg.Add(1)
		go func(i int, a adapter.Adapter) {
			defer wg.Done()
			pullCtx, cancel := context.WithTimeout(ctx, s.config.Timeout)
			defer cancel()
			data, err := a.Pull(pullCtx, op.ID)
			if err != nil {
				s.logger.Printf("Pull from %q failed: %v", a.Name(), err)
			}
			results[i] = result{data: data, err: err}
		}(i, a)
	}
	wg.Wait()

	merged := settings.Settings{}
	received := false
	for _, r := range results {
		if r.err != nil || r.data == nil {
			continue
		}
		received = true
		merged = settings.Merge(merged, r.data)
	}

	recorder := s.recorderSnapshot()
	if !received {
		op.Status = StatusFailed
		op.Err = errors.New("no data received from any adapter")
		if recorder != nil {
			if err := recorder.RecordOperation(*op); err != nil {
				s.logger.Printf("Failed to record operation %s: %v", op.ID, err)
			}
		}
		s.emit(Event{Type: EventPullFailed, OperationID: op.ID, Err: op.Err})
		return nil, op, op.Err
	}

	op.Status = StatusCompleted
	op.Data = merged
	if recorder != nil {
		if err := recorder.RecordOperation(*op); err != nil {
			s.logger.Printf("Failed to record operation %s: %v", op.ID, err)
		}
	}
	s.emit(Event{Type: EventPullCompleted, OperationID: op.ID, Data: merged})
	return merged, op, nil
}

func (s *Synchronizer) recorderSnapshot() Recorder {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recorder
}

// SetOnline records a connectivity transition. Regaining connectivity
// triggers a sync when SyncOnNetworkChange is set.
func (s *Synchronizer) SetOnline(online bool) {
	s.mu.Lock()
	prev := s.online
	s.online = online
	s.mu.Unlock()

	if prev == online {
		return
	}

	if online {
		s.logger.Printf("Connectivity regained")
		s.emit(Event{Type: EventOnline})
		if s.config.SyncOnNetworkChange {
			s.triggerSync()
		}
	} else {
		s.logger.Printf("Connectivity lost")
		s.emit(Event{Type: EventOffline})
	}
}

// Resume signals that the host application woke from a suspended
// state; it triggers a sync when SyncOnResume is set.
func (s *Synchronizer) Resume() {
	if s.config.SyncOnResume {
		s.triggerSync()
	}
}

// Start launches the auto-sync ticker and, when configured, an
// immediate startup sync.
func (s *Synchronizer) Start() {
	if s.config.SyncOnStart {
		s.triggerSync()
	}

	if s.config.AutoSync && s.config.SyncInterval > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			ticker := time.NewTicker(s.config.SyncInterval)
			defer ticker.Stop()
			for {
				select {
				case <-s.ctx.Done():
					return
				case <-ticker.C:
					s.triggerSync()
				}
			}
		}()
	}
}

// triggerSync runs one timer-driven sync: a push when a data source is
// attached, otherwise a pull. Suppressed while offline with
// OfflineSupport enabled.
func (s *Synchronizer) triggerSync() {
	s.mu.Lock()
	online := s.online
	source := s.dataSource
	s.mu.Unlock()

	if !online && s.config.OfflineSupport {
		s.logger.Printf("Offline, sync trigger suppressed")
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, s.config.Timeout)
		defer cancel()

		if source != nil {
			data, err := source(ctx)
			if err != nil {
				s.logger.Printf("Sync trigger could not read settings: %v", err)
				return
			}
			if _, err := s.Sync(ctx, data); err != nil {
				s.logger.Printf("Triggered sync failed: %v", err)
			}
			return
		}
		if _, _, err := s.Pull(ctx); err != nil {
			s.logger.Printf("Triggered pull failed: %v", err)
		}
	}()
}

// Stop cancels timers and queue processing, waits for in-flight work,
// and closes all adapters.
func (s *Synchronizer) Stop() error {
	s.cancel()
	s.wg.Wait()

	var firstErr error
	for _, a := range s.Adapters() {
		if err := a.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
