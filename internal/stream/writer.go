package stream

import (
	"context"
	"fmt"
	"net/http"

	"github.com/haasonsaas/strand/internal/bus"
)

// Writer encodes frames onto an HTTP response as server-sent events,
// flushing after every frame.
type Writer struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewWriter prepares an SSE response. Fails when the ResponseWriter cannot
// flush incrementally.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming unsupported: response writer cannot flush")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	return &Writer{w: w, flusher: flusher}, nil
}

// WriteFrame writes one frame and flushes it to the client.
func (w *Writer) WriteFrame(frame bus.Frame) error {
	var err error
	if frame.Event != "" {
		_, err = fmt.Fprintf(w.w, "event: %s\ndata: %s\n\n", frame.Event, frame.Data)
	} else {
		_, err = fmt.Fprintf(w.w, "data: %s\n\n", frame.Data)
	}
	if err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	w.flusher.Flush()
	return nil
}

// Drain writes every frame from the channel until it closes or the context
// ends.
func (w *Writer) Drain(ctx context.Context, frames <-chan bus.Frame) error {
	for {
		select {
		case frame, ok := <-frames:
			if !ok {
				return nil
			}
			if err := w.WriteFrame(frame); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
