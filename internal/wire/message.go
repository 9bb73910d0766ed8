// Package wire defines the message envelope exchanged between the socket
// adapter and the sync hub.
package wire

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/keelhq/prefsync/internal/settings"
)

// MessageType defines the type of a sync socket message.
type MessageType string

const (
	// TypeSync carries a settings document pushed by a client.
	TypeSync MessageType = "sync"

	// TypePull requests the room's latest settings document.
	TypePull MessageType = "pull"

	// TypeHeartbeat is a liveness probe; the hub acknowledges it.
	TypeHeartbeat MessageType = "heartbeat"

	// TypeAck acknowledges a received message by id. Acks for pull
	// requests carry the room's settings document as payload.
	TypeAck MessageType = "ack"

	// TypeError reports a hub-side failure for a message id.
	TypeError MessageType = "error"

	// TypeBroadcast fans a sync payload out to the other room members.
	TypeBroadcast MessageType = "broadcast"
)

// Message is the envelope for all socket traffic.
type Message struct {
	Type        MessageType       `json:"type"`
	ID          string            `json:"id"`
	Timestamp   int64             `json:"timestamp"` // Unix milliseconds
	Payload     settings.Settings `json:"payload,omitempty"`
	OperationID string            `json:"operationId,omitempty"`
	UserID      string            `json:"userId,omitempty"`
	RoomID      string            `json:"roomId,omitempty"`
	Error       string            `json:"error,omitempty"`
}

// NewMessage builds a message of the given type with a fresh timestamp.
func NewMessage(t MessageType, id string) Message {
	return Message{
		Type:      t,
		ID:        id,
		Timestamp: time.Now().UnixMilli(),
	}
}

// Ack builds the acknowledgment for this message.
func (m Message) Ack() Message {
	ack := NewMessage(TypeAck, m.ID)
	ack.RoomID = m.RoomID
	return ack
}

// Encode marshals the message to JSON.
func (m Message) Encode() ([]byte, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s message: %w", m.Type, err)
	}
	return raw, nil
}

// Decode unmarshals a message from JSON.
func Decode(raw []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return Message{}, fmt.Errorf("failed to decode message: %w", err)
	}
	if m.Type == "" {
		return Message{}, fmt.Errorf("message has no type")
	}
	return m, nil
}
