package engine

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// EventQueueDrained fires when the retry queue empties after processing.
const EventQueueDrained EventType = "queue-drained"

// queueItem is one retryable operation waiting in the queue.
type queueItem struct {
	op          *Operation
	priority    int
	scheduledAt time.Time
}

// Enqueue adds an operation to the retry queue and kicks the processor.
// Items are ordered by priority descending, then earliest schedule.
func (s *Synchronizer) Enqueue(op *Operation, priority int) {
	if op == nil {
		return
	}

	s.mu.Lock()
	s.queue = append(s.queue, &queueItem{
		op:          op,
		priority:    priority,
		scheduledAt: time.Now(),
	})
	s.sortQueueLocked()
	s.startProcessorLocked()
	s.mu.Unlock()
}

// QueueLength reports how many operations are waiting or scheduled.
func (s *Synchronizer) QueueLength() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Synchronizer) sortQueueLocked() {
	sort.SliceStable(s.queue, func(i, j int) bool {
		if s.queue[i].priority != s.queue[j].priority {
			return s.queue[i].priority > s.queue[j].priority
		}
		return s.queue[i].scheduledAt.Before(s.queue[j].scheduledAt)
	})
}

// startProcessorLocked launches the queue processor unless one is
// already running. Caller holds s.mu.
func (s *Synchronizer) startProcessorLocked() {
	if s.processing {
		return
	}
	s.processing = true
	s.wg.Add(1)
	go s.processQueue()
}

// processQueue drains the retry queue in batches until it is empty or
// the engine stops. Failed items are rescheduled with exponential
// backoff until MaxRetries, then finalized as failed.
func (s *Synchronizer) processQueue() {
	defer s.wg.Done()

	stop := func() {
		s.mu.Lock()
		s.processing = false
		s.mu.Unlock()
	}

	for {
		if s.ctx.Err() != nil {
			stop()
			return
		}

		batch, wait := s.takeBatch()
		if len(batch) == 0 {
			if wait <= 0 {
				// Re-check under the lock so an Enqueue racing with
				// shutdown is not stranded without a processor.
				s.mu.Lock()
				if len(s.queue) == 0 {
					s.processing = false
					s.mu.Unlock()
					s.emit(Event{Type: EventQueueDrained})
					return
				}
				s.mu.Unlock()
				continue
			}
			select {
			case <-s.ctx.Done():
				stop()
				return
			case <-time.After(wait):
				continue
			}
		}

		for _, item := range batch {
			s.processItem(item)
		}

		// Yield so timers and callers are not starved between batches.
		select {
		case <-s.ctx.Done():
			stop()
			return
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// takeBatch removes up to BatchSize due items from the queue. When
// nothing is due it returns the wait until the earliest scheduled item,
// or zero if the queue is empty.
func (s *Synchronizer) takeBatch() ([]*queueItem, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queue) == 0 {
		return nil, 0
	}

	now := time.Now()
	var batch []*queueItem
	var remaining []*queueItem
	earliest := time.Duration(0)

	for _, item := range s.queue {
		if len(batch) < s.config.BatchSize && !item.scheduledAt.After(now) {
			batch = append(batch, item)
			continue
		}
		remaining = append(remaining, item)
		if d := item.scheduledAt.Sub(now); earliest == 0 || d < earliest {
			earliest = d
		}
	}
	s.queue = remaining

	if len(batch) == 0 {
		if earliest < 10*time.Millisecond {
			earliest = 10 * time.Millisecond
		}
		return nil, earliest
	}
	return batch, 0
}

// processItem re-executes one queued operation and either finalizes it
// or reschedules it with backoff.
func (s *Synchronizer) processItem(item *queueItem) {
	op := item.op
	err := s.executeOperation(op)
	if err == nil {
		op.Status = StatusCompleted
		op.Err = nil
		s.logger.Printf("Queued operation %s succeeded after %d retries", op.ID, op.RetryCount)
		if recorder := s.recorderSnapshot(); recorder != nil {
			if rerr := recorder.RecordOperation(*op); rerr != nil {
				s.logger.Printf("Failed to record operation %s: %v", op.ID, rerr)
			}
		}
		return
	}

	delay := backoffDelay(s.config.RetryDelay, op.RetryCount)
	op.RetryCount++
	if op.RetryCount <= s.config.MaxRetries {
		item.scheduledAt = time.Now().Add(delay)
		s.logger.Printf("Operation %s failed (attempt %d/%d), retrying in %s: %v",
			op.ID, op.RetryCount, s.config.MaxRetries, delay, err)

		s.mu.Lock()
		s.queue = append(s.queue, item)
		s.sortQueueLocked()
		s.mu.Unlock()
		return
	}

	op.Status = StatusFailed
	op.Err = fmt.Errorf("gave up after %d retries: %w", s.config.MaxRetries, err)
	s.logger.Printf("Operation %s exhausted retries: %v", op.ID, err)
	s.emit(Event{Type: EventOperationFailed, OperationID: op.ID, Err: op.Err})

	if recorder := s.recorderSnapshot(); recorder != nil {
		if rerr := recorder.RecordOperation(*op); rerr != nil {
			s.logger.Printf("Failed to record operation %s: %v", op.ID, rerr)
		}
	}
}

// backoffDelay computes the wait before the next retry: retryDelay
// doubled per retry already taken, so the first retry waits the base
// delay.
func backoffDelay(retryDelay time.Duration, retryCount int) time.Duration {
	return retryDelay * time.Duration(1<<uint(retryCount))
}

// executeOperation re-runs the underlying adapter calls for a queued
// operation without touching the running stats.
func (s *Synchronizer) executeOperation(op *Operation) error {
	adapters := s.Adapters()
	if len(adapters) == 0 {
		return ErrNoAdapters
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.config.Timeout)
	defer cancel()

	switch op.Kind {
	case KindPull:
		_, _, err := s.Pull(ctx)
		return err
	default:
		if failures := s.pushAll(ctx, adapters, op.Data, op.ID); failures > 0 {
			return fmt.Errorf("%d adapter(s) failed", failures)
		}
		return nil
	}
}
