// Package cancel provides the per-run cancellation fabric: one write-once
// flag shared by the step loop, the tool executor, and every running tool.
// Cancellation is cooperative; readers poll at suspension points and nothing
// is preempted.
package cancel

import (
	"sync"
	"sync/atomic"
	"time"
)

// Flag is a write-once cancellation signal. Once set it stays set.
type Flag struct {
	set    atomic.Bool
	reason atomic.Pointer[string]
}

// NewFlag returns an unset flag.
func NewFlag() *Flag {
	return &Flag{}
}

// Set marks the flag with a reason. Only the first caller's reason is kept.
func (f *Flag) Set(reason string) {
	if f == nil {
		return
	}
	if f.set.CompareAndSwap(false, true) {
		f.reason.Store(&reason)
	}
}

// IsSet reports whether cancellation has been requested.
func (f *Flag) IsSet() bool {
	return f != nil && f.set.Load()
}

// Reason returns the reason recorded by the first Set call.
func (f *Flag) Reason() string {
	if f == nil {
		return ""
	}
	if r := f.reason.Load(); r != nil {
		return *r
	}
	return ""
}

// SetAfter arms a timer that sets the flag once d elapses. The returned stop
// func disarms the timer; it is safe to call after firing.
func (f *Flag) SetAfter(d time.Duration, reason string) (stop func()) {
	timer := time.AfterFunc(d, func() { f.Set(reason) })
	return func() { timer.Stop() }
}

// Registry tracks the cancellation flag for every live run.
type Registry struct {
	mu    sync.Mutex
	flags map[string]*Flag
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{flags: make(map[string]*Flag)}
}

// Register creates (or returns the existing) flag for a run id.
func (r *Registry) Register(runID string) *Flag {
	r.mu.Lock()
	defer r.mu.Unlock()
	if f, ok := r.flags[runID]; ok {
		return f
	}
	f := NewFlag()
	r.flags[runID] = f
	return f
}

// Get returns the flag for a run id, or nil when the run is unknown.
func (r *Registry) Get(runID string) *Flag {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.flags[runID]
}

// Cancel sets the flag for a run id. It reports whether the run was known.
// This is the entry point for direct out-of-band cancellation notifications.
func (r *Registry) Cancel(runID, reason string) bool {
	r.mu.Lock()
	f, ok := r.flags[runID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	f.Set(reason)
	return true
}

// Release drops the flag for a finished run. The flag itself remains valid
// for holders that still poll it.
func (r *Registry) Release(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.flags, runID)
}
