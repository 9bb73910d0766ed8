package engine

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/keelhq/prefsync/internal/settings"
)

func TestQueueRetriesUntilSuccess(t *testing.T) {
	config := DefaultConfig()
	config.RetryDelay = 10 * time.Millisecond
	config.MaxRetries = 5
	s := newTestEngine(t, config)
	events := s.Subscribe()

	a := &fakeAdapter{name: "flaky", failures: 2}
	_ = s.Register(a)

	op := s.newOperation(KindPush, settings.Settings{"theme": "dark"})
	s.Enqueue(op, 1)

	select {
	case ev := <-events:
		if ev.Type != EventQueueDrained {
			t.Fatalf("event = %s, want queue-drained", ev.Type)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("queue never drained")
	}

	if op.Status != StatusCompleted {
		t.Errorf("op status = %s, want completed", op.Status)
	}
	if op.RetryCount != 2 {
		t.Errorf("retry count = %d, want 2", op.RetryCount)
	}
	if got := a.storedData(); got == nil || got["theme"] != "dark" {
		t.Errorf("adapter never received the retried push: %v", got)
	}
	if s.QueueLength() != 0 {
		t.Errorf("queue length = %d after drain, want 0", s.QueueLength())
	}
}

func TestQueueExhaustsRetriesWithBackoff(t *testing.T) {
	config := DefaultConfig()
	config.RetryDelay = 20 * time.Millisecond
	config.MaxRetries = 3
	s := newTestEngine(t, config)
	events := s.Subscribe()

	a := &fakeAdapter{name: "dead", pushErr: errors.New("always down")}
	_ = s.Register(a)

	op := s.newOperation(KindPush, settings.Settings{"theme": "dark"})
	s.Enqueue(op, 1)

	var failed bool
	deadline := time.After(10 * time.Second)
	for !failed {
		select {
		case ev := <-events:
			if ev.Type == EventOperationFailed {
				failed = true
				if ev.OperationID != op.ID {
					t.Errorf("failed event op id = %s, want %s", ev.OperationID, op.ID)
				}
			}
		case <-deadline:
			t.Fatal("never received operation-failed event")
		}
	}

	if op.Status != StatusFailed {
		t.Errorf("op status = %s, want failed", op.Status)
	}
	// Initial attempt plus exactly MaxRetries retries.
	if got := a.pushCount(); got != 4 {
		t.Errorf("attempts = %d, want 4", got)
	}

	// Backoff gaps between attempts must strictly increase.
	a.mu.Lock()
	times := append([]time.Time(nil), a.pushTimes...)
	a.mu.Unlock()
	for i := 2; i < len(times); i++ {
		prev := times[i-1].Sub(times[i-2])
		cur := times[i].Sub(times[i-1])
		if cur <= prev {
			t.Errorf("gap %d (%s) not greater than gap %d (%s)", i-1, cur, i-2, prev)
		}
	}
}

func TestBackoffDelayStartsAtBaseAndDoubles(t *testing.T) {
	base := 20 * time.Millisecond
	want := []time.Duration{
		20 * time.Millisecond,
		40 * time.Millisecond,
		80 * time.Millisecond,
		160 * time.Millisecond,
	}
	for retries, d := range want {
		if got := backoffDelay(base, retries); got != d {
			t.Errorf("backoffDelay(%s, %d) = %s, want %s", base, retries, got, d)
		}
	}
}

// captureRecorder remembers every operation outcome it is handed.
type captureRecorder struct {
	mu  sync.Mutex
	ops []Operation
}

func (r *captureRecorder) RecordOperation(op Operation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, op)
	return nil
}

func (r *captureRecorder) last() (Operation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.ops) == 0 {
		return Operation{}, false
	}
	return r.ops[len(r.ops)-1], true
}

func TestQueueRecordsOutcomeAfterRetries(t *testing.T) {
	config := DefaultConfig()
	config.RetryDelay = 10 * time.Millisecond
	config.MaxRetries = 5
	s := newTestEngine(t, config)
	events := s.Subscribe()

	recorder := &captureRecorder{}
	s.SetRecorder(recorder)

	a := &fakeAdapter{name: "flaky", failures: 2}
	_ = s.Register(a)

	op := s.newOperation(KindPush, settings.Settings{"theme": "dark"})
	s.Enqueue(op, 1)

	select {
	case ev := <-events:
		if ev.Type != EventQueueDrained {
			t.Fatalf("event = %s, want queue-drained", ev.Type)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("queue never drained")
	}

	last, ok := recorder.last()
	if !ok {
		t.Fatal("no outcome recorded for the retried operation")
	}
	if last.ID != op.ID || last.Status != StatusCompleted || last.RetryCount != 2 {
		t.Errorf("recorded outcome = {id:%s status:%s retries:%d}, want completed after 2 retries",
			last.ID, last.Status, last.RetryCount)
	}
}

func TestQueueOrdersByPriorityThenSchedule(t *testing.T) {
	s := newTestEngine(t, DefaultConfig())

	low := s.newOperation(KindPush, nil)
	high := s.newOperation(KindPush, nil)
	mid := s.newOperation(KindPush, nil)

	// Build the queue directly so the processor cannot race the check.
	now := time.Now().Add(time.Hour)
	s.mu.Lock()
	s.queue = []*queueItem{
		{op: low, priority: 1, scheduledAt: now},
		{op: high, priority: 10, scheduledAt: now.Add(time.Second)},
		{op: mid, priority: 5, scheduledAt: now},
	}
	s.sortQueueLocked()
	got := []*Operation{s.queue[0].op, s.queue[1].op, s.queue[2].op}
	s.mu.Unlock()

	want := []*Operation{high, mid, low}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("queue position %d = %s, want %s", i, got[i].ID, want[i].ID)
		}
	}
}

func TestQueueBatchSizeLimitsPass(t *testing.T) {
	config := DefaultConfig()
	config.BatchSize = 2
	s := newTestEngine(t, config)

	for i := 0; i < 5; i++ {
		s.mu.Lock()
		s.queue = append(s.queue, &queueItem{
			op:          s.newOperation(KindPush, nil),
			scheduledAt: time.Now(),
		})
		s.mu.Unlock()
	}

	batch, _ := s.takeBatch()
	if len(batch) != 2 {
		t.Errorf("batch size = %d, want 2", len(batch))
	}
	if s.QueueLength() != 3 {
		t.Errorf("remaining = %d, want 3", s.QueueLength())
	}
}
