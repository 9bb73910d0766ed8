// Package remote implements the settings adapter backed by a remote
// settings service over HTTP. It is deliberately thin: one PUT to push,
// one GET to pull, one health probe for reachability.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"

	"github.com/keelhq/prefsync/internal/adapter"
	"github.com/keelhq/prefsync/internal/settings"
)

func init() {
	adapter.Register(adapter.TypeRemote, New)
}

// Config holds remote adapter configuration.
type Config struct {
	// BaseURL is the settings service root, e.g. https://sync.example.com (required).
	BaseURL string `mapstructure:"baseUrl"`

	// Timeout bounds each HTTP request.
	Timeout time.Duration `mapstructure:"timeout"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{Timeout: 10 * time.Second}
}

// RemoteAdapter pushes and pulls settings against an HTTP service.
// Authorization is assumed to be handled by the http.Client's transport.
type RemoteAdapter struct {
	name    string
	baseURL string
	client  *http.Client
	logger  *log.Logger
}

// New creates a remote adapter from a raw configuration map.
// It satisfies adapter.Constructor and is registered under TypeRemote.
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
			return nil, fmt.Errorf("invalid remote adapter config: %w", err)
		}
	}
	return NewWithConfig(name, config, logger)
}

// NewWithConfig creates a remote adapter from typed configuration.
func NewWithConfig(name string, config Config, logger *log.Logger) (*RemoteAdapter, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("baseUrl cannot be empty")
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[remote] ", log.LstdFlags)
	}

	return &RemoteAdapter{
		name:    name,
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		client:  &http.Client{Timeout: config.Timeout},
		logger:  logger,
	}, nil
}

// Name implements adapter.Adapter.
func (a *RemoteAdapter) Name() string { return a.name }

// Push implements adapter.Adapter with a PUT of the JSON document.
func (a *RemoteAdapter) Push(ctx context.Context, data settings.Settings, operationID string) error {
	body, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, a.baseURL+"/settings", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Operation-Id", operationID)

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("push request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("push rejected with status %d", resp.StatusCode)
	}

	a.logger.Printf("Pushed settings to %s (op=%s, %d bytes)", a.baseURL, operationID, len(body))
	return nil
}

// Pull implements adapter.Adapter with a GET; 404 means no data yet and
// yields an empty document.
func (a *RemoteAdapter) Pull(ctx context.Context, operationID string) (settings.Settings, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/settings", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Operation-Id", operationID)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pull request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return settings.Settings{}, nil
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("pull rejected with status %d", resp.StatusCode)
	}

	var out settings.Settings
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode settings response: %w", err)
	}
	if out == nil {
		out = settings.Settings{}
	}
	return out, nil
}

// TestConnection implements adapter.Adapter with a health probe.
func (a *RemoteAdapter) TestConnection(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

// Close implements adapter.Adapter.
func (a *RemoteAdapter) Close() error {
	a.client.CloseIdleConnections()
	return nil
}
