package remote

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/keelhq/prefsync/internal/settings"
)

// settingsServer is a minimal in-memory settings service.
type settingsServer struct {
	mu   sync.Mutex
	data []byte
}

func (s *settingsServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/settings", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		switch r.Method {
		case http.MethodPut:
			body, _ := io.ReadAll(r.Body)
			s.data = body
			w.WriteHeader(http.StatusNoContent)
		case http.MethodGet:
			if s.data == nil {
				http.NotFound(w, r)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write(s.data)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func newTestAdapter(t *testing.T, url string) *RemoteAdapter {
	t.Helper()

	a, err := NewWithConfig("cloud", Config{BaseURL: url}, nil)
	if err != nil {
		t.Fatalf("failed to create remote adapter: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestPushPullRoundTrip(t *testing.T) {
	srv := httptest.NewServer((&settingsServer{}).handler())
	defer srv.Close()

	a := newTestAdapter(t, srv.URL)
	ctx := context.Background()

	data := settings.Settings{"theme": "dark", "zoom": 1.5}
	if err := a.Push(ctx, data, "op-1"); err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	got, err := a.Pull(ctx, "op-2")
	if err != nil {
		t.Fatalf("Pull failed: %v", err)
	}
	if got["theme"] != "dark" {
		t.Errorf("theme = %v, want dark", got["theme"])
	}
	if got["zoom"] != 1.5 {
		t.Errorf("zoom = %v, want 1.5", got["zoom"])
	}
}

func TestPullNoDataYet(t *testing.T) {
	srv := httptest.NewServer((&settingsServer{}).handler())
	defer srv.Close()

	a := newTestAdapter(t, srv.URL)

	got, err := a.Pull(context.Background(), "op-1")
	if err != nil {
		t.Fatalf("Pull of empty service should not error, got: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected empty settings, got %v", got)
	}
}

func TestPushServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv.URL)

	if err := a.Push(context.Background(), settings.Settings{"a": 1}, "op-1"); err == nil {
		t.Error("expected error on 500 response")
	}
}

func TestTestConnection(t *testing.T) {
	srv := httptest.NewServer((&settingsServer{}).handler())
	a := newTestAdapter(t, srv.URL)

	if !a.TestConnection(context.Background()) {
		t.Error("expected healthy service to pass TestConnection")
	}

	srv.Close()
	if a.TestConnection(context.Background()) {
		t.Error("expected closed service to fail TestConnection")
	}
}

func TestOperationIDForwarded(t *testing.T) {
	var gotOp string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotOp = r.Header.Get("X-Operation-Id")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{})
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv.URL)
	if _, err := a.Pull(context.Background(), "op-42"); err != nil {
		t.Fatalf("Pull failed: %v", err)
	}
	if gotOp != "op-42" {
		t.Errorf("operation id header = %q, want op-42", gotOp)
	}
}
