package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/haasonsaas/strand/internal/bus"
)

// noFlushWriter hides httptest.ResponseRecorder's Flush method.
type noFlushWriter struct {
	http.ResponseWriter
}

func TestNewWriterHeaders(t *testing.T) {
	rec := httptest.NewRecorder()

	w, err := NewWriter(rec)
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}
	if w == nil {
		t.Fatal("expected a writer")
	}
	if got := rec.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Errorf("unexpected content type %q", got)
	}
	if got := rec.Header().Get("Cache-Control"); got != "no-cache" {
		t.Errorf("unexpected cache control %q", got)
	}
}

func TestNewWriterRequiresFlusher(t *testing.T) {
	rec := httptest.NewRecorder()

	if _, err := NewWriter(noFlushWriter{rec}); err == nil {
		t.Fatal("expected error for non-flushing writer")
	}
}

func TestWriteFrame(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewWriter(rec)
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}

	if err := w.WriteFrame(bus.Frame{Data: `{"type":"assistant_message"}`}); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
	if err := w.WriteFrame(bus.Frame{Event: "error", Data: `{"message":"boom"}`}); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
	if err := w.WriteFrame(DoneFrame()); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}

	want := "data: {\"type\":\"assistant_message\"}\n\n" +
		"event: error\ndata: {\"message\":\"boom\"}\n\n" +
		"data: [DONE]\n\n"
	if got := rec.Body.String(); got != want {
		t.Errorf("unexpected body:\n%q\nwant:\n%q", got, want)
	}
	if !rec.Flushed {
		t.Error("writer did not flush")
	}
}

func TestDrain(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewWriter(rec)
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}

	frames := make(chan bus.Frame, 2)
	frames <- bus.Frame{Data: "one"}
	frames <- bus.Frame{Data: "two"}
	close(frames)

	if err := w.Drain(context.Background(), frames); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	want := "data: one\n\ndata: two\n\n"
	if got := rec.Body.String(); got != want {
		t.Errorf("unexpected body %q, want %q", got, want)
	}
}

func TestDrainCancelled(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewWriter(rec)
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	frames := make(chan bus.Frame)
	if err := w.Drain(ctx, frames); err == nil {
		t.Fatal("expected context error")
	}
}
