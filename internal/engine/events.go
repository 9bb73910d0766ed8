package engine

import (
	"time"

	"github.com/keelhq/prefsync/internal/settings"
)

// EventType identifies an engine lifecycle notification.
type EventType string

const (
	// EventSyncStarted fires when a push operation begins.
	EventSyncStarted EventType = "sync-started"

	// EventSyncCompleted fires when every adapter accepted the push.
	EventSyncCompleted EventType = "sync-completed"

	// EventSyncFailed fires when one or more adapters rejected the push.
	EventSyncFailed EventType = "sync-failed"

	// EventPullCompleted fires when a pull produced a merged document.
	EventPullCompleted EventType = "pull-completed"

	// EventPullFailed fires when no adapter yielded data.
	EventPullFailed EventType = "pull-failed"

	// EventConflictDetected fires for each conflict the manual strategy
	// leaves unresolved; the caller must supply a resolution out of band.
	EventConflictDetected EventType = "conflict-detected"

	// EventOperationFailed fires when a queued operation exhausts its
	// retry budget and is finalized as failed.
	EventOperationFailed EventType = "operation-failed"

	// EventOnline and EventOffline report connectivity transitions.
	EventOnline  EventType = "online"
	EventOffline EventType = "offline"
)

// Event is a lifecycle notification from the synchronizer.
type Event struct {
	Type        EventType
	Timestamp   time.Time
	OperationID string
	Err         error
	Data        settings.Settings
	Conflict    *Conflict
}

// Subscribe registers a new event subscriber. The returned channel is
// buffered; events are dropped rather than blocking the engine when the
// subscriber falls behind.
func (s *Synchronizer) Subscribe() <-chan Event {
	ch := make(chan Event, 64)
	s.mu.Lock()
	s.subscribers = append(s.subscribers, ch)
	s.mu.Unlock()
	return ch
}

// emit fans an event out to all subscribers without blocking.
func (s *Synchronizer) emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	s.mu.Lock()
	subs := make([]chan Event, len(s.subscribers))
	copy(subs, s.subscribers)
	s.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
