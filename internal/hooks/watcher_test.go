package hooks

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatchSettings_LoadsOnStart(t *testing.T) {
	path := writeSettings(t, `{"hooks": {"on_tool_start": [{"name": "a", "command": "true"}]}}`)

	d := NewDispatcher(nil, nil)
	w, err := WatchSettings(context.Background(), path, d, 0, nil)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer w.Close()

	if d.Registered()[EventToolStart] != 1 {
		t.Fatalf("initial load missing: %v", d.Registered())
	}
}

func TestWatchSettings_ReloadsOnChange(t *testing.T) {
	path := writeSettings(t, `{"hooks": {"on_tool_start": [{"name": "a", "command": "true"}]}}`)

	d := NewDispatcher(nil, nil)
	w, err := WatchSettings(context.Background(), path, d, 0, nil)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer w.Close()

	next := `{"hooks": {
	    "on_tool_start": [{"name": "a", "command": "true"}, {"name": "b", "command": "true"}],
	    "on_loop_end": [{"name": "c", "command": "true"}],
	}}`
	if err := os.WriteFile(path, []byte(next), 0o644); err != nil {
		t.Fatalf("rewrite settings: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		counts := d.Registered()
		if counts[EventToolStart] == 2 && counts[EventLoopEnd] == 1 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("reload did not land, registered: %v", d.Registered())
}

func TestWatchSettings_KeepsTableOnBadReload(t *testing.T) {
	path := writeSettings(t, `{"hooks": {"on_tool_start": [{"name": "a", "command": "true"}]}}`)

	d := NewDispatcher(nil, nil)
	w, err := WatchSettings(context.Background(), path, d, 0, nil)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer w.Close()

	if err := os.WriteFile(path, []byte(`{"hooks": {"on_bad_event": [{"command": "true"}]}}`), 0o644); err != nil {
		t.Fatalf("rewrite settings: %v", err)
	}

	// Give the debounce window time to fire, then confirm the old table
	// survived the failed parse.
	time.Sleep(700 * time.Millisecond)
	if d.Registered()[EventToolStart] != 1 {
		t.Fatalf("bad reload clobbered table: %v", d.Registered())
	}
}

func TestWatchSettings_MissingFile(t *testing.T) {
	d := NewDispatcher(nil, nil)
	_, err := WatchSettings(context.Background(), filepath.Join(t.TempDir(), "absent.json5"), d, 0, nil)
	if err == nil {
		t.Fatal("expected error for missing settings file")
	}
}

func TestSettingsWatcher_Close(t *testing.T) {
	path := writeSettings(t, `{"hooks": {}}`)

	d := NewDispatcher(nil, nil)
	w, err := WatchSettings(context.Background(), path, d, 0, nil)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}

	done := make(chan struct{})
	go func() {
		_ = w.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}
}
