package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"
)

func TestTelemetryDrainsOnClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "traces.db")
	tel, err := NewTelemetry(path, 32, nil, nil)
	if err != nil {
		t.Fatalf("NewTelemetry: %v", err)
	}

	for i := 0; i < 10; i++ {
		tel.TryRecord(&ProviderTrace{
			RunID:    "run-1",
			StepID:   "step",
			Actor:    "actor",
			Provider: "anthropic",
			Model:    "claude-sonnet-4",
			Request:  json.RawMessage(`{"messages":[]}`),
			Response: json.RawMessage(`{"ok":true}`),
		})
	}
	if err := tel.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Close drains the buffer, so every record must be on disk now.
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()

	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM provider_traces WHERE run_id = ?`, "run-1").Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 10 {
		t.Errorf("stored %d traces, want 10", n)
	}
}

func TestTelemetrySkipsIncompleteTraces(t *testing.T) {
	path := filepath.Join(t.TempDir(), "traces.db")
	tel, err := NewTelemetry(path, 8, nil, nil)
	if err != nil {
		t.Fatalf("NewTelemetry: %v", err)
	}
	defer tel.Close()

	tel.TryRecord(&ProviderTrace{RunID: "run-2", Actor: "actor"}) // no step id
	tel.TryRecord(&ProviderTrace{RunID: "run-2", StepID: "s"})    // no actor
	tel.TryRecord(nil)

	time.Sleep(50 * time.Millisecond)
	n, err := tel.CountForRun(context.Background(), "run-2")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Errorf("incomplete traces were stored: %d", n)
	}
}

func TestTelemetryFullBufferDoesNotBlock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "traces.db")
	tel, err := NewTelemetry(path, 1, nil, nil)
	if err != nil {
		t.Fatalf("NewTelemetry: %v", err)
	}
	defer tel.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			tel.TryRecord(&ProviderTrace{RunID: "run-3", StepID: "s", Actor: "a"})
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("TryRecord blocked on a full buffer")
	}
}
