// Package hub provides the realtime settings hub that socket adapters
// connect to.
//
// The hub groups clients into rooms, acknowledges every inbound message,
// retains the newest settings document per room (last-writer-wins on the
// metadata.updatedAt timestamp), answers pull requests from that
// retained state, and re-broadcasts sync payloads to the other members
// of the room so all clients converge.
package hub

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/keelhq/prefsync/internal/settings"
	"github.com/keelhq/prefsync/internal/wire"
)

// Config holds hub server configuration.
type Config struct {
	// Port to listen on (default: 8384)
	Port int

	// WriteTimeout bounds each outbound websocket write.
	WriteTimeout time.Duration

	// Logger for hub activity (default: stderr logger)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Port:         8384,
		WriteTimeout: 5 * time.Second,
		Logger:       log.New(os.Stderr, "[hub] ", log.LstdFlags),
	}
}

// client is one connected socket adapter.
type client struct {
	conn   *websocket.Conn
	roomID string
	userID string

	writeMu sync.Mutex
}

// Server accepts socket adapter connections and keeps rooms converged.
type Server struct {
	addr         string
	writeTimeout time.Duration
	listener     net.Listener
	server       *http.Server

	mu      sync.RWMutex
	rooms   map[string]map[*client]bool
	state   map[string]settings.Settings // roomID -> latest document
	stateAt map[string]int64             // roomID -> updatedAt of latest document

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// NewServer creates a new settings hub server.
func NewServer(config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.Default()
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		addr:         fmt.Sprintf(":%d", config.Port),
		writeTimeout: config.WriteTimeout,
		rooms:        make(map[string]map[*client]bool),
		state:        make(map[string]settings.Settings),
		stateAt:      make(map[string]int64),
		ctx:          ctx,
		cancel:       cancel,
		logger:       config.Logger,
	}
}

// Start begins the HTTP server and websocket handler.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  0, // websocket connections are long-lived
		WriteTimeout: 0,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Settings hub listening on %s", s.addr)
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the hub.
func (s *Server) Stop() error {
	s.logger.Println("Stopping settings hub")

	s.cancel()

	s.mu.Lock()
	for _, room := range s.rooms {
		for c := range room {
			_ = c.conn.Close(websocket.StatusGoingAway, "hub shutting down")
		}
	}
	s.rooms = make(map[string]map[*client]bool)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("hub shutdown error: %w", err)
	}

	s.wg.Wait()
	s.logger.Println("Settings hub stopped")
	return nil
}

// Addr returns the hub's listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the number of connected clients in a room.
func (s *Server) ClientCount(roomID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rooms[roomID])
}

// RoomState returns a copy of the room's retained settings document,
// or nil if the room has no state yet.
func (s *Server) RoomState(roomID string) settings.Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if doc, ok := s.state[roomID]; ok {
		return doc.Clone()
	}
	return nil
}

// handleWebSocket upgrades a connection and serves its read loop.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	c := &client{
		conn:   conn,
		roomID: r.URL.Query().Get("room"),
		userID: r.URL.Query().Get("user"),
	}
	if c.roomID == "" {
		c.roomID = "default"
	}

	s.addClient(c)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.readLoop(c)
	}()
}

func (s *Server) addClient(c *client) {
	s.mu.Lock()
	room := s.rooms[c.roomID]
	if room == nil {
		room = make(map[*client]bool)
		s.rooms[c.roomID] = room
	}
	room[c] = true
	count := len(room)
	s.mu.Unlock()

	s.logger.Printf("Client joined room %s (user=%s, members=%d)", c.roomID, c.userID, count)
}

func (s *Server) removeClient(c *client) {
	s.mu.Lock()
	if room, ok := s.rooms[c.roomID]; ok {
		delete(room, c)
		if len(room) == 0 {
			delete(s.rooms, c.roomID)
		}
	}
	s.mu.Unlock()

	_ = c.conn.Close(websocket.StatusNormalClosure, "")
	s.logger.Printf("Client left room %s (user=%s)", c.roomID, c.userID)
}

// readLoop processes one client's inbound messages until disconnect.
func (s *Server) readLoop(c *client) {
	defer s.removeClient(c)

	for {
		_, raw, err := c.conn.Read(s.ctx)
		if err != nil {
			return
		}

		msg, err := wire.Decode(raw)
		if err != nil {
			s.logger.Printf("Dropping malformed message from %s: %v", c.userID, err)
			continue
		}
		if msg.RoomID == "" {
			msg.RoomID = c.roomID
		}
		if msg.UserID == "" {
			msg.UserID = c.userID
		}

		switch msg.Type {
		case wire.TypeSync:
			s.handleSync(c, msg)
		case wire.TypePull:
			s.handlePull(c, msg)
		case wire.TypeHeartbeat:
			s.send(c, msg.Ack())
		default:
			errMsg := wire.NewMessage(wire.TypeError, msg.ID)
			errMsg.Error = fmt.Sprintf("unsupported message type: %s", msg.Type)
			s.send(c, errMsg)
		}
	}
}

// handleSync acknowledges the push, retains the newest document for the
// room, and re-broadcasts the payload to the other room members.
func (s *Server) handleSync(c *client, msg wire.Message) {
	s.send(c, msg.Ack())

	incomingAt := msg.Payload.UpdatedAt()
	if incomingAt == 0 {
		incomingAt = msg.Timestamp
	}

	s.mu.Lock()
	// Last writer wins; the incoming document also wins ties.
	if incomingAt >= s.stateAt[msg.RoomID] {
		s.state[msg.RoomID] = msg.Payload.Clone()
		s.stateAt[msg.RoomID] = incomingAt
	}
	peers := make([]*client, 0, len(s.rooms[msg.RoomID]))
	for peer := range s.rooms[msg.RoomID] {
		if peer != c {
			peers = append(peers, peer)
		}
	}
	s.mu.Unlock()

	broadcast := wire.NewMessage(wire.TypeBroadcast, msg.ID)
	broadcast.Payload = msg.Payload
	broadcast.OperationID = msg.OperationID
	broadcast.UserID = msg.UserID
	broadcast.RoomID = msg.RoomID

	for _, peer := range peers {
		s.send(peer, broadcast)
	}
}

// handlePull acknowledges with the room's retained document as payload.
func (s *Server) handlePull(c *client, msg wire.Message) {
	s.mu.RLock()
	doc := s.state[msg.RoomID].Clone()
	s.mu.RUnlock()

	ack := msg.Ack()
	ack.Payload = doc
	s.send(c, ack)
}

// send writes one message to a client, dropping the client on failure.
func (s *Server) send(c *client, msg wire.Message) {
	raw, err := msg.Encode()
	if err != nil {
		s.logger.Printf("Failed to encode %s message: %v", msg.Type, err)
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.writeTimeout)
	defer cancel()

	c.writeMu.Lock()
	err = c.conn.Write(ctx, websocket.MessageText, raw)
	c.writeMu.Unlock()

	if err != nil {
		s.logger.Printf("Failed to send to client %s: %v", c.userID, err)
	}
}

// handleHealth returns hub health and room occupancy.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	clients := 0
	for _, room := range s.rooms {
		clients += len(room)
	}
	roomCount := len(s.rooms)
	s.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	_, _ = fmt.Fprintf(w, `{"status":"ok","rooms":%d,"clients":%d}`+"\n", roomCount, clients)
}
