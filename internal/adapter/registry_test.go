package adapter

import (
	"context"
	"log"
	"testing"

	"github.com/keelhq/prefsync/internal/settings"
)

// stubAdapter is a minimal Adapter for registry tests.
type stubAdapter struct {
	name string
}

func (s *stubAdapter) Name() string { return s.name }
func (s *stubAdapter) Push(ctx context.Context, data settings.Settings, operationID string) error {
	return nil
}
func (s *stubAdapter) Pull(ctx context.Context, operationID string) (settings.Settings, error) {
	return settings.Settings{}, nil
}
func (s *stubAdapter) TestConnection(ctx context.Context) bool { return true }
func (s *stubAdapter) Close() error                            { return nil }

func stubConstructor(name string, cfg map[string]any, logger *log.Logger) (Adapter, error) {
	return &stubAdapter{name: name}, nil
}

func TestRegisterAndNew(t *testing.T) {
	UnregisterAll()
	defer UnregisterAll()

	Register(Type("stub"), stubConstructor)

	if !IsRegistered(Type("stub")) {
		t.Fatal("expected stub type to be registered")
	}

	a, err := New(Type("stub"), "primary", nil, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if a.Name() != "primary" {
		t.Errorf("Name() = %q, want %q", a.Name(), "primary")
	}
}

func TestNewUnregisteredType(t *testing.T) {
	UnregisterAll()
	defer UnregisterAll()

	_, err := New(Type("missing"), "x", nil, nil)
	if err == nil {
		t.Fatal("expected error for unregistered type")
	}
}

func TestRegisterTwicePanics(t *testing.T) {
	UnregisterAll()
	defer UnregisterAll()

	Register(Type("dup"), stubConstructor)

	defer func() {
		if recover() == nil {
			t.Error("expected panic on duplicate registration")
		}
	}()
	Register(Type("dup"), stubConstructor)
}

func TestRegisterNilConstructorPanics(t *testing.T) {
	UnregisterAll()
	defer UnregisterAll()

	defer func() {
		if recover() == nil {
			t.Error("expected panic on nil constructor")
		}
	}()
	Register(Type("nil"), nil)
}
