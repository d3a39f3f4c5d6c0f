// Package bus fans stream frames out to followers of background runs. The
// producing dispatcher appends each frame once; any number of attach
// requests replay the stream from the start and then follow live until the
// run closes.
package bus

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/haasonsaas/strand/internal/observability"
)

var (
	// ErrDisabled is returned by the noop bus. Background runs require a
	// real bus backend.
	ErrDisabled = errors.New("event bus disabled")

	// ErrRunClosed is returned when appending to a closed run stream.
	ErrRunClosed = errors.New("run stream closed")
)

// Frame is one server-sent event as carried on the bus: the optional event
// name and the data payload exactly as it goes on the wire.
type Frame struct {
	Event string `json:"event,omitempty"`
	Data  string `json:"data"`
}

// Bus is the fan-out surface for background runs.
type Bus interface {
	// Append adds a frame to a run's stream, creating the stream on first
	// use.
	Append(ctx context.Context, runID string, frame Frame) error

	// Replay returns a channel that yields the run's frames from the
	// start and then follows live appends. The channel closes when the
	// run closes or ctx is cancelled.
	Replay(ctx context.Context, runID string) (<-chan Frame, error)

	// CloseRun marks a run's stream complete. Followers drain and stop;
	// late appends fail.
	CloseRun(ctx context.Context, runID string) error

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

const (
	replayBuffer = 64

	// memoryRetention keeps closed streams replayable for late attaches
	// before they are dropped.
	memoryRetention = 15 * time.Minute
)

// MemoryBus is the in-process bus. The default for single-process
// deployments and tests.
type MemoryBus struct {
	mu      sync.Mutex
	runs    map[string]*memoryRun
	metrics *observability.Metrics
}

type memoryRun struct {
	mu     sync.Mutex
	frames []Frame
	closed bool
	notify chan struct{}
}

// NewMemoryBus returns an in-process bus.
func NewMemoryBus(metrics *observability.Metrics) *MemoryBus {
	return &MemoryBus{runs: make(map[string]*memoryRun), metrics: metrics}
}

func (b *MemoryBus) run(runID string, create bool) *memoryRun {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.runs[runID]
	if !ok && create {
		r = &memoryRun{notify: make(chan struct{})}
		b.runs[runID] = r
	}
	return r
}

// Append adds a frame to a run's stream.
func (b *MemoryBus) Append(ctx context.Context, runID string, frame Frame) error {
	r := b.run(runID, true)
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		b.metrics.RecordBusAppend("memory", "closed")
		return ErrRunClosed
	}
	r.frames = append(r.frames, frame)
	close(r.notify)
	r.notify = make(chan struct{})
	r.mu.Unlock()
	b.metrics.RecordBusAppend("memory", "ok")
	return nil
}

// Replay streams a run's frames from the start, then follows.
func (b *MemoryBus) Replay(ctx context.Context, runID string) (<-chan Frame, error) {
	r := b.run(runID, true)
	out := make(chan Frame, replayBuffer)

	go func() {
		defer close(out)
		idx := 0
		for {
			r.mu.Lock()
			for idx < len(r.frames) {
				frame := r.frames[idx]
				idx++
				r.mu.Unlock()
				select {
				case out <- frame:
				case <-ctx.Done():
					return
				}
				r.mu.Lock()
			}
			if r.closed {
				r.mu.Unlock()
				return
			}
			notify := r.notify
			r.mu.Unlock()

			select {
			case <-notify:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// CloseRun marks a run's stream complete. The stream stays replayable for a
// retention window so late attaches still see the full history.
func (b *MemoryBus) CloseRun(ctx context.Context, runID string) error {
	r := b.run(runID, false)
	if r == nil {
		return nil
	}
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.notify)
		r.notify = make(chan struct{})
	}
	r.mu.Unlock()

	time.AfterFunc(memoryRetention, func() {
		b.mu.Lock()
		delete(b.runs, runID)
		b.mu.Unlock()
	})
	return nil
}

// Ping always succeeds for the in-process bus.
func (b *MemoryBus) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op for the in-process bus.
func (b *MemoryBus) Close() error {
	return nil
}

// NoopBus rejects every operation. Configured when an operator explicitly
// disables fan-out; the dispatcher's background precondition surfaces the
// rejection as service-unavailable.
type NoopBus struct{}

// NewNoopBus returns the disabled bus.
func NewNoopBus() *NoopBus {
	return &NoopBus{}
}

// Append fails: the bus is disabled.
func (b *NoopBus) Append(ctx context.Context, runID string, frame Frame) error {
	return ErrDisabled
}

// Replay fails: the bus is disabled.
func (b *NoopBus) Replay(ctx context.Context, runID string) (<-chan Frame, error) {
	return nil, ErrDisabled
}

// CloseRun fails: the bus is disabled.
func (b *NoopBus) CloseRun(ctx context.Context, runID string) error {
	return ErrDisabled
}

// Ping fails: the bus is disabled.
func (b *NoopBus) Ping(ctx context.Context) error {
	return ErrDisabled
}

// Close is a no-op.
func (b *NoopBus) Close() error {
	return nil
}
