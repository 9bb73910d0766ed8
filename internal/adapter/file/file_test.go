package file

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/keelhq/prefsync/internal/settings"
)

func newTestAdapter(t *testing.T, config Config) *FileAdapter {
	t.Helper()

	if config.BasePath == "" {
		config.BasePath = t.TempDir()
	}
	if config.HashAlgorithm == "" {
		config.HashAlgorithm = "sha256"
	}
	if config.Format == "" {
		config.Format = FormatYAML
	}
	if config.CacheTTL == 0 {
		config.CacheTTL = 30 * time.Second
	}

	a, err := NewWithConfig("local", config, log.New(os.Stderr, "[test] ", 0))
	if err != nil {
		t.Fatalf("failed to create file adapter: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestPushPullRoundTrip(t *testing.T) {
	formats := []Format{FormatYAML, FormatTOML, FormatJSON}

	for _, format := range formats {
		t.Run(string(format), func(t *testing.T) {
			a := newTestAdapter(t, Config{Format: format})

			data := settings.Settings{
				"theme": "dark",
				"editor": settings.Settings{
					"fontSize": int64(14),
				},
			}

			if err := a.Push(context.Background(), data, "op-1"); err != nil {
				t.Fatalf("Push failed: %v", err)
			}

			got, err := a.Pull(context.Background(), "op-2")
			if err != nil {
				t.Fatalf("Pull failed: %v", err)
			}
			if got["theme"] != "dark" {
				t.Errorf("theme = %v, want dark", got["theme"])
			}
		})
	}
}

func TestPullMissingFileReturnsEmpty(t *testing.T) {
	a := newTestAdapter(t, Config{WatchChanges: false})

	got, err := a.Pull(context.Background(), "op-1")
	if err != nil {
		t.Fatalf("Pull of missing file should not error, got: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected empty settings, got %v", got)
	}
}

func TestEnvFormatFlattens(t *testing.T) {
	a := newTestAdapter(t, Config{Format: FormatEnv, WatchChanges: false})

	data := settings.Settings{"editor": settings.Settings{"fontSize": 14}, "theme": "dark"}
	if err := a.Push(context.Background(), data, "op-1"); err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	raw, err := os.ReadFile(a.path())
	if err != nil {
		t.Fatalf("failed to read settings file: %v", err)
	}
	if !strings.Contains(string(raw), "EDITOR_FONTSIZE=14") {
		t.Errorf("expected flattened key in file, got:\n%s", raw)
	}

	// Cache serves the pushed document; force a re-read from disk.
	a.mu.Lock()
	a.cached = nil
	a.mu.Unlock()

	got, err := a.Pull(context.Background(), "op-2")
	if err != nil {
		t.Fatalf("Pull failed: %v", err)
	}
	if got["EDITOR_FONTSIZE"] != int64(14) {
		t.Errorf("EDITOR_FONTSIZE = %v, want 14", got["EDITOR_FONTSIZE"])
	}
}

func TestTestConnectionRoundTrip(t *testing.T) {
	a := newTestAdapter(t, Config{WatchChanges: false})

	if !a.TestConnection(context.Background()) {
		t.Error("expected TestConnection to succeed on a writable directory")
	}

	entries, err := os.ReadDir(a.config.BasePath)
	if err != nil {
		t.Fatalf("failed to list base path: %v", err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".prefsync-probe-") {
			t.Errorf("probe file left behind: %s", e.Name())
		}
	}
}

func TestBackupOnWrite(t *testing.T) {
	a := newTestAdapter(t, Config{BackupOnWrite: true, WatchChanges: false})

	ctx := context.Background()
	if err := a.Push(ctx, settings.Settings{"v": 1}, "op-1"); err != nil {
		t.Fatalf("first push failed: %v", err)
	}
	if err := a.Push(ctx, settings.Settings{"v": 2}, "op-2"); err != nil {
		t.Fatalf("second push failed: %v", err)
	}

	matches, err := filepath.Glob(a.path() + ".*.bak")
	if err != nil {
		t.Fatalf("glob failed: %v", err)
	}
	if len(matches) == 0 {
		t.Error("expected a timestamped backup after overwrite")
	}
}

func TestWatcherInvalidatesCache(t *testing.T) {
	a := newTestAdapter(t, Config{WatchChanges: true})

	ctx := context.Background()
	if err := a.Push(ctx, settings.Settings{"theme": "dark"}, "op-1"); err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	// Simulate an external writer replacing the file.
	external := []byte("theme: light\n")
	if err := os.WriteFile(a.path(), external, 0644); err != nil {
		t.Fatalf("external write failed: %v", err)
	}

	// Wait for the watcher to drop the cache.
	deadline := time.After(2 * time.Second)
	for {
		got, err := a.Pull(ctx, "op-2")
		if err != nil {
			t.Fatalf("Pull failed: %v", err)
		}
		if got["theme"] == "light" {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("cache never invalidated; still reading %v", got["theme"])
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestConflictHintPrefersExternalChange(t *testing.T) {
	a := newTestAdapter(t, Config{WatchChanges: false})

	ctx := context.Background()
	local := settings.Settings{"theme": "dark"}
	remote := settings.Settings{"theme": "light"}

	if err := a.Push(ctx, local, "op-1"); err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	// No external change yet: local wins.
	if got := a.ConflictHint(local, remote); got["theme"] != "dark" {
		t.Errorf("expected local preference, got %v", got)
	}

	// External writer touches the file after our push.
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(a.path(), future, future); err != nil {
		t.Fatalf("failed to bump mtime: %v", err)
	}

	if got := a.ConflictHint(local, remote); got["theme"] != "light" {
		t.Errorf("expected remote preference after external change, got %v", got)
	}
}

func TestHashChangesWithContent(t *testing.T) {
	a := newTestAdapter(t, Config{WatchChanges: false})

	ctx := context.Background()
	if err := a.Push(ctx, settings.Settings{"v": 1}, "op-1"); err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	first := a.Hash()

	if err := a.Push(ctx, settings.Settings{"v": 2}, "op-2"); err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	second := a.Hash()

	if first == "" || second == "" {
		t.Fatal("expected non-empty hashes")
	}
	if first == second {
		t.Error("expected hash to change with content")
	}
}

func TestNewFromRawConfig(t *testing.T) {
	dir := t.TempDir()
	a, err := New("local", map[string]any{
		"basePath":     dir,
		"format":       "json",
		"watchChanges": false,
		"cacheTTL":     "10s",
	}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer a.Close()

	fa := a.(*FileAdapter)
	if fa.config.Format != FormatJSON {
		t.Errorf("Format = %v, want json", fa.config.Format)
	}
	if fa.config.CacheTTL != 10*time.Second {
		t.Errorf("CacheTTL = %v, want 10s", fa.config.CacheTTL)
	}
	if fa.config.FileName != "settings.json" {
		t.Errorf("FileName = %v, want settings.json", fa.config.FileName)
	}
}
