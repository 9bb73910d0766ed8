// Package adapter defines the transport contract for settings
// synchronization.
//
// Each transport (local file, websocket room, remote service) implements
// the Adapter interface, enabling the engine to fan a settings update out
// to every destination without knowing transport details. The design
// follows a strategy pattern with a type-keyed constructor registry.
//
// # Usage
//
//	a, err := adapter.New(adapter.TypeFile, "local", map[string]any{
//	    "basePath": "/home/me/.config/app",
//	}, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer a.Close()
//
// # Implementations
//
//   - internal/adapter/file: settings file on disk with change watching
//   - internal/adapter/socket: websocket room with acks and heartbeats
//   - internal/adapter/remote: request/response against a settings API
package adapter

import (
	"context"

	"github.com/keelhq/prefsync/internal/settings"
)

// Type identifies a transport implementation in the registry.
type Type string

const (
	// TypeFile stores settings as a file on the local filesystem.
	TypeFile Type = "file"

	// TypeSocket propagates settings over a persistent websocket room.
	TypeSocket Type = "socket"

	// TypeRemote pushes and pulls settings against a remote HTTP service.
	TypeRemote Type = "remote"
)

// String returns the string representation of the adapter type.
func (t Type) String() string {
	return string(t)
}

// Adapter is a transport-specific destination for settings data.
//
// Adapters are assumed to already be authorized against their transport;
// authentication is out of scope. Pushes are at-least-once and assumed
// idempotent: the engine may deliver the same payload more than once and
// never rolls a successful push back.
type Adapter interface {
	// Name returns the registered name of this adapter instance.
	Name() string

	// Push sends a settings document to the destination. The operation id
	// identifies the engine operation that triggered the push; adapters
	// carry it on wire messages where the transport has such a concept.
	//
	// Push must respect ctx: the engine bounds every push with a
	// per-adapter timeout, and a push that outlives its context is
	// abandoned by the caller.
	Push(ctx context.Context, data settings.Settings, operationID string) error

	// Pull returns the destination's best-known settings document.
	//
	// "No data yet" is not an error: adapters return an empty document
	// and a nil error. Pull fails only on genuine transport failure.
	Pull(ctx context.Context, operationID string) (settings.Settings, error)

	// TestConnection performs a cheap reachability round trip (a synthetic
	// write/read/cleanup, a heartbeat, a health probe) and reports the
	// result. It never returns an error.
	TestConnection(ctx context.Context) bool

	// Close releases transport resources. After Close the adapter must
	// not be used.
	Close() error
}

// ConflictHinter is an optional capability: given a local and a remote
// document, the adapter returns its preferred one using transport-local
// signals (e.g. file modification time, message timestamps).
//
// The engine's central pull merge does not consult hints; the merge
// order is the contract there. Hints serve callers that resolve a
// specific two-way disagreement against one transport.
type ConflictHinter interface {
	ConflictHint(local, remote settings.Settings) settings.Settings
}

// StatusReporter is an optional capability exposing transport health.
type StatusReporter interface {
	Status() Status
}

// Status describes the current health of one adapter.
type Status struct {
	// Connected reports whether the transport is currently reachable.
	Connected bool

	// PendingMessages is the number of queued outbound messages, for
	// transports that queue while disconnected.
	PendingMessages int

	// LastError is the most recent transport error, empty if none.
	LastError string
}
