// Package socket implements the settings adapter backed by a persistent
// websocket connection to a sync hub room.
//
// Reliability mechanics: a bounded fixed-interval reconnect loop, periodic
// heartbeats, per-message acknowledgments tracked by message id, and a
// bounded offline queue flushed on reconnect. Conflict hints compare the
// metadata.updatedAt timestamp, remote winning ties.
package socket

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/go-viper/mapstructure/v2"

	"github.com/keelhq/prefsync/internal/adapter"
	"github.com/keelhq/prefsync/internal/settings"
	"github.com/keelhq/prefsync/internal/wire"
)

func init() {
	adapter.Register(adapter.TypeSocket, New)
}

// ErrNotConnected is returned by Push and Pull while the connection is
// down. The push payload is still placed on the offline queue so it can
// be flushed on reconnect.
var ErrNotConnected = errors.New("not connected")

// ErrAckTimeout is returned when a message is not acknowledged in time.
var ErrAckTimeout = errors.New("acknowledgment timed out")

// EventType identifies an adapter lifecycle notification.
type EventType string

const (
	// EventConnected fires when a connection is (re)established.
	EventConnected EventType = "connected"

	// EventDisconnected fires when the connection drops.
	EventDisconnected EventType = "disconnected"

	// EventReconnectFailed fires when the reconnect loop gives up after
	// the configured maximum attempt count.
	EventReconnectFailed EventType = "reconnect-failed"
)

// Event is a lifecycle notification from the socket adapter.
type Event struct {
	Type EventType
	Err  error
}

// Config holds socket adapter configuration.
type Config struct {
	// URL is the hub websocket endpoint, e.g. ws://host:8384/ws (required).
	URL string `mapstructure:"url"`

	// Subprotocols to offer during the websocket handshake.
	Subprotocols []string `mapstructure:"subprotocols"`

	// ReconnectInterval is the fixed delay between reconnect attempts.
	ReconnectInterval time.Duration `mapstructure:"reconnectInterval"`

	// MaxReconnectAttempts bounds the reconnect loop before it gives up.
	MaxReconnectAttempts int `mapstructure:"maxReconnectAttempts"`

	// HeartbeatInterval is how often liveness probes are sent.
	HeartbeatInterval time.Duration `mapstructure:"heartbeatInterval"`

	// AckTimeout bounds the wait for a per-message acknowledgment.
	AckTimeout time.Duration `mapstructure:"ackTimeout"`

	// RoomID scopes broadcasts so multiple clients converge.
	RoomID string `mapstructure:"roomId"`

	// UserID identifies this client inside the room.
	UserID string `mapstructure:"userId"`

	// QueueLimit caps the offline queue; the oldest entry is dropped
	// when a newer push would exceed it.
	QueueLimit int `mapstructure:"queueLimit"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ReconnectInterval:    2 * time.Second,
		MaxReconnectAttempts: 5,
		HeartbeatInterval:    15 * time.Second,
		AckTimeout:           5 * time.Second,
		RoomID:               "default",
		QueueLimit:           100,
	}
}

// SocketAdapter synchronizes settings over a websocket room.
type SocketAdapter struct {
	name   string
	config Config
	logger *log.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	lastErr   error
	queue     []wire.Message // offline queue, oldest first
	pending   map[string]chan wire.Message
	lastKnown settings.Settings
	lastAt    int64

	msgSeq atomic.Uint64

	events chan Event

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a socket adapter from a raw configuration map.
// It satisfies adapter.Constructor and is registered under TypeSocket.
func New(name string, cfg map[string]any, logger *log.Logger) (adapter.Adapter, error) {
	config := DefaultConfig()
	if cfg != nil {
		dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			DecodeHook: mapstructure.StringToTimeDurationHookFunc(),
			Result:     &config,
		})
		if err != nil {
			return nil, err
		}
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("invalid socket adapter config: %w", err)
		}
	}
	return NewWithConfig(name, config, logger)
}

// NewWithConfig creates a socket adapter from typed configuration and
// starts its connection management in the background. The adapter is
// usable immediately; pushes before the first successful connect are
// queued and rejected with ErrNotConnected.
func NewWithConfig(name string, config Config, logger *log.Logger) (*SocketAdapter, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("url cannot be empty")
	}
	if config.ReconnectInterval <= 0 {
		config.ReconnectInterval = 2 * time.Second
	}
	if config.AckTimeout <= 0 {
		config.AckTimeout = 5 * time.Second
	}
	if config.QueueLimit <= 0 {
		config.QueueLimit = 100
	}
	if config.RoomID == "" {
		config.RoomID = "default"
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[socket] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())

	a := &SocketAdapter{
		name:    name,
		config:  config,
		logger:  logger,
		pending: make(map[string]chan wire.Message),
		events:  make(chan Event, 16),
		ctx:     ctx,
		cancel:  cancel,
	}

	a.wg.Add(1)
	go a.run()

	return a, nil
}

// Name implements adapter.Adapter.
func (a *SocketAdapter) Name() string { return a.name }

// Events returns the lifecycle notification channel. Notifications are
// dropped rather than blocking when nobody is reading.
func (a *SocketAdapter) Events() <-chan Event { return a.events }

// Push implements adapter.Adapter. While disconnected it rejects without
// attempting to send, but the message joins the bounded offline queue and
// is flushed when the connection returns.
func (a *SocketAdapter) Push(ctx context.Context, data settings.Settings, operationID string) error {
	msg := a.newMessage(wire.TypeSync)
	msg.Payload = data
	msg.OperationID = operationID

	a.mu.Lock()
	if !a.connected {
		a.enqueueLocked(msg)
		a.mu.Unlock()
		return fmt.Errorf("push %s: %w", operationID, ErrNotConnected)
	}
	a.mu.Unlock()

	_, err := a.sendAndAwait(ctx, msg)
	return err
}

// Pull implements adapter.Adapter. It asks the hub for the room's latest
// document; an empty room yields an empty document.
func (a *SocketAdapter) Pull(ctx context.Context, operationID string) (settings.Settings, error) {
	a.mu.Lock()
	connected := a.connected
	a.mu.Unlock()
	if !connected {
		return nil, fmt.Errorf("pull %s: %w", operationID, ErrNotConnected)
	}

	msg := a.newMessage(wire.TypePull)
	msg.OperationID = operationID

	ack, err := a.sendAndAwait(ctx, msg)
	if err != nil {
		return nil, err
	}
	if ack.Payload == nil {
		return settings.Settings{}, nil
	}

	a.observeRemote(ack.Payload, ack.Timestamp)
	return ack.Payload, nil
}

// TestConnection implements adapter.Adapter with a heartbeat round trip.
func (a *SocketAdapter) TestConnection(ctx context.Context) bool {
	a.mu.Lock()
	connected := a.connected
	a.mu.Unlock()
	if !connected {
		return false
	}

	_, err := a.sendAndAwait(ctx, a.newMessage(wire.TypeHeartbeat))
	return err == nil
}

// ConflictHint implements adapter.ConflictHinter by comparing the
// metadata.updatedAt timestamps. The remote document wins ties.
func (a *SocketAdapter) ConflictHint(local, remote settings.Settings) settings.Settings {
	if local.UpdatedAt() > remote.UpdatedAt() {
		return local
	}
	return remote
}

// Status implements adapter.StatusReporter.
func (a *SocketAdapter) Status() adapter.Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := adapter.Status{
		Connected:       a.connected,
		PendingMessages: len(a.queue),
	}
	if a.lastErr != nil {
		s.LastError = a.lastErr.Error()
	}
	return s
}

// LastKnown returns the newest document observed from the room, or nil.
func (a *SocketAdapter) LastKnown() settings.Settings {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastKnown.Clone()
}

// Close implements adapter.Adapter, stopping all background work.
func (a *SocketAdapter) Close() error {
	a.cancel()

	a.mu.Lock()
	conn := a.conn
	a.conn = nil
	a.connected = false
	a.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "adapter closing")
	}
	a.wg.Wait()
	return nil
}

// run owns the connection lifecycle: dial, read until failure, reconnect
// with a bounded fixed-interval policy, give up with reconnect-failed.
func (a *SocketAdapter) run() {
	defer a.wg.Done()

	heartbeat := time.NewTicker(a.heartbeatInterval())
	defer heartbeat.Stop()

	for {
		if err := a.connect(); err != nil {
			if a.ctx.Err() != nil {
				return
			}
			a.notify(Event{Type: EventReconnectFailed, Err: err})
			a.logger.Printf("Giving up on reconnect: %v", err)
			return
		}

		// Connected: serve reads and heartbeats until the connection drops.
		readErr := make(chan error, 1)
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			readErr <- a.readLoop()
		}()

		// Replay the offline queue only once the read loop is live;
		// flushed messages need it running to see their acks.
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.flushQueue()
		}()

	serving:
		for {
			select {
			case <-a.ctx.Done():
				<-readErr
				return
			case err := <-readErr:
				if a.ctx.Err() != nil {
					return
				}
				a.markDisconnected(err)
				a.notify(Event{Type: EventDisconnected, Err: err})
				break serving
			case <-heartbeat.C:
				a.sendHeartbeat()
			}
		}
	}
}

// connect dials the hub, retrying at the fixed interval up to the
// configured attempt budget. A nil return means connected.
func (a *SocketAdapter) connect() error {
	url := a.config.URL
	if a.config.RoomID != "" {
		sep := "?"
		for _, c := range url {
			if c == '?' {
				sep = "&"
				break
			}
		}
		url = fmt.Sprintf("%s%sroom=%s&user=%s", url, sep, a.config.RoomID, a.config.UserID)
	}

	var lastErr error
	for attempt := 1; attempt <= a.config.MaxReconnectAttempts; attempt++ {
		if a.ctx.Err() != nil {
			return a.ctx.Err()
		}

		dialCtx, cancel := context.WithTimeout(a.ctx, a.config.AckTimeout)
		conn, _, err := websocket.Dial(dialCtx, url, &websocket.DialOptions{
			Subprotocols: a.config.Subprotocols,
		})
		cancel()
		if err == nil {
			a.mu.Lock()
			a.conn = conn
			a.connected = true
			a.lastErr = nil
			a.mu.Unlock()

			a.logger.Printf("Connected to %s (room=%s)", a.config.URL, a.config.RoomID)
			a.notify(Event{Type: EventConnected})
			return nil
		}

		lastErr = err
		a.logger.Printf("Connect attempt %d/%d failed: %v", attempt, a.config.MaxReconnectAttempts, err)

		select {
		case <-a.ctx.Done():
			return a.ctx.Err()
		case <-time.After(a.config.ReconnectInterval):
		}
	}

	return fmt.Errorf("exhausted %d reconnect attempts: %w", a.config.MaxReconnectAttempts, lastErr)
}

// readLoop dispatches inbound messages until the connection fails.
func (a *SocketAdapter) readLoop() error {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	for {
		_, raw, err := conn.Read(a.ctx)
		if err != nil {
			return err
		}

		msg, err := wire.Decode(raw)
		if err != nil {
			a.logger.Printf("Dropping malformed message: %v", err)
			continue
		}

		switch msg.Type {
		case wire.TypeAck:
			a.resolvePending(msg)
		case wire.TypeBroadcast:
			a.observeRemote(msg.Payload, msg.Timestamp)
		case wire.TypeError:
			a.logger.Printf("Hub error for message %s: %s", msg.ID, msg.Error)
			a.resolvePending(msg)
		case wire.TypeHeartbeat:
			// Hub-initiated probe; acknowledge it.
			a.writeMessage(a.ctx, msg.Ack())
		default:
			a.logger.Printf("Ignoring unexpected %s message", msg.Type)
		}
	}
}

// sendAndAwait writes a message and blocks until its ack, the ack
// timeout, or context cancellation.
func (a *SocketAdapter) sendAndAwait(ctx context.Context, msg wire.Message) (wire.Message, error) {
	ackCh := make(chan wire.Message, 1)

	a.mu.Lock()
	a.pending[msg.ID] = ackCh
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		delete(a.pending, msg.ID)
		a.mu.Unlock()
	}()

	if err := a.writeMessage(ctx, msg); err != nil {
		return wire.Message{}, err
	}

	timer := time.NewTimer(a.config.AckTimeout)
	defer timer.Stop()

	select {
	case ack := <-ackCh:
		if ack.Type == wire.TypeError {
			return wire.Message{}, fmt.Errorf("hub rejected %s message: %s", msg.Type, ack.Error)
		}
		return ack, nil
	case <-timer.C:
		return wire.Message{}, fmt.Errorf("%s message %s: %w", msg.Type, msg.ID, ErrAckTimeout)
	case <-ctx.Done():
		return wire.Message{}, ctx.Err()
	case <-a.ctx.Done():
		return wire.Message{}, a.ctx.Err()
	}
}

// resolvePending hands an ack (or error) to the waiting sender, if any.
func (a *SocketAdapter) resolvePending(msg wire.Message) {
	a.mu.Lock()
	ch := a.pending[msg.ID]
	a.mu.Unlock()

	if ch != nil {
		select {
		case ch <- msg:
		default:
		}
	}
}

// observeRemote merges a room update into the last-known document with
// last-writer-wins semantics; the remote document wins ties.
func (a *SocketAdapter) observeRemote(payload settings.Settings, fallbackAt int64) {
	if payload == nil {
		return
	}
	at := payload.UpdatedAt()
	if at == 0 {
		at = fallbackAt
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if at >= a.lastAt {
		a.lastKnown = payload.Clone()
		a.lastAt = at
	}
}

// writeMessage writes one message to the current connection.
func (a *SocketAdapter) writeMessage(ctx context.Context, msg wire.Message) error {
	a.mu.Lock()
	conn := a.conn
	connected := a.connected
	a.mu.Unlock()

	if !connected || conn == nil {
		return ErrNotConnected
	}

	raw, err := msg.Encode()
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, raw); err != nil {
		return fmt.Errorf("failed to write %s message: %w", msg.Type, err)
	}
	return nil
}

// sendHeartbeat sends a liveness ping and awaits its ack off the run
// loop. A missed ack means the connection is dead even though writes
// still succeed, so it is closed to force the read loop to report the
// failure and trigger a reconnect.
func (a *SocketAdapter) sendHeartbeat() {
	msg := a.newMessage(wire.TypeHeartbeat)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		_, err := a.sendAndAwait(a.ctx, msg)
		if err == nil || a.ctx.Err() != nil || errors.Is(err, ErrNotConnected) {
			return
		}
		a.logger.Printf("Heartbeat unacknowledged, closing connection: %v", err)

		a.mu.Lock()
		conn := a.conn
		a.mu.Unlock()
		if conn != nil {
			_ = conn.Close(websocket.StatusPolicyViolation, "heartbeat timeout")
		}
	}()
}

// flushQueue replays the offline queue after a reconnect, oldest first.
func (a *SocketAdapter) flushQueue() {
	a.mu.Lock()
	queued := a.queue
	a.queue = nil
	a.mu.Unlock()

	for _, msg := range queued {
		if _, err := a.sendAndAwait(a.ctx, msg); err != nil {
			a.logger.Printf("Failed to flush queued %s message %s: %v", msg.Type, msg.ID, err)
		}
	}
	if len(queued) > 0 {
		a.logger.Printf("Flushed %d queued message(s)", len(queued))
	}
}

// enqueueLocked appends to the offline queue, dropping the oldest entry
// past the configured limit. Caller holds a.mu.
func (a *SocketAdapter) enqueueLocked(msg wire.Message) {
	if len(a.queue) >= a.config.QueueLimit {
		dropped := a.queue[0]
		a.queue = a.queue[1:]
		a.logger.Printf("Offline queue full (%d); dropping oldest message %s", a.config.QueueLimit, dropped.ID)
	}
	a.queue = append(a.queue, msg)
}

// markDisconnected records the failure and clears the connection.
func (a *SocketAdapter) markDisconnected(err error) {
	a.mu.Lock()
	a.connected = false
	a.conn = nil
	a.lastErr = err
	a.mu.Unlock()

	a.logger.Printf("Disconnected: %v", err)
}

// notify emits a lifecycle event without blocking.
func (a *SocketAdapter) notify(ev Event) {
	select {
	case a.events <- ev:
	default:
	}
}

// newMessage builds a message stamped with room and user identity.
func (a *SocketAdapter) newMessage(t wire.MessageType) wire.Message {
	id := fmt.Sprintf("%s-%d-%d", a.name, a.msgSeq.Add(1), time.Now().UnixNano())
	msg := wire.NewMessage(t, id)
	msg.RoomID = a.config.RoomID
	msg.UserID = a.config.UserID
	return msg
}

func (a *SocketAdapter) heartbeatInterval() time.Duration {
	if a.config.HeartbeatInterval > 0 {
		return a.config.HeartbeatInterval
	}
	return 15 * time.Second
}
