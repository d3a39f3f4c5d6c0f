// Package hooks implements the interception pipeline around the step loop.
// Six named events carry JSON payloads to ordered lists of callbacks, which
// are either native Go functions or external shell commands. A callback may
// inject context into the next input or block the triggering action; the
// first block short-circuits the rest of the list.
package hooks

import (
	"context"
	"sync"

	"github.com/haasonsaas/strand/internal/observability"
)

// Event names one interception point inside the step loop.
type Event string

const (
	EventPromptSubmit Event = "on_prompt_submit"
	EventToolStart    Event = "on_tool_start"
	EventToolEnd      Event = "on_tool_end"
	EventMessage      Event = "on_message"
	EventLoopStart    Event = "on_loop_start"
	EventLoopEnd      Event = "on_loop_end"
)

// KnownEvents lists every valid event, in firing order within one loop call.
var KnownEvents = []Event{
	EventLoopStart,
	EventPromptSubmit,
	EventToolStart,
	EventToolEnd,
	EventMessage,
	EventLoopEnd,
}

// ValidEvent reports whether name is a recognized hook event.
func ValidEvent(name string) bool {
	for _, e := range KnownEvents {
		if string(e) == name {
			return true
		}
	}
	return false
}

// Payload is the event data serialized to JSON for shell hooks and passed
// directly to native hooks.
type Payload map[string]any

// Result is the outcome of one hook invocation.
type Result struct {
	// Success reports the hook ran cleanly.
	Success bool `json:"success"`

	// Output is the hook's raw stdout or return text.
	Output string `json:"output,omitempty"`

	// Error describes a failure, if any.
	Error string `json:"error,omitempty"`

	// InjectMessage is prepended to the next input as context.
	InjectMessage string `json:"inject_message,omitempty"`

	// Block aborts the triggering action.
	Block bool `json:"block,omitempty"`
}

// Hook is one registered callback.
type Hook interface {
	Name() string
	Run(ctx context.Context, event Event, payload Payload) Result
}

// FuncHook adapts a native Go function into a Hook.
type FuncHook struct {
	name string
	fn   func(ctx context.Context, event Event, payload Payload) Result
}

// NewFuncHook wraps fn as a named hook.
func NewFuncHook(name string, fn func(ctx context.Context, event Event, payload Payload) Result) *FuncHook {
	return &FuncHook{name: name, fn: fn}
}

// Name returns the hook's registered name.
func (h *FuncHook) Name() string { return h.name }

// Run invokes the wrapped function.
func (h *FuncHook) Run(ctx context.Context, event Event, payload Payload) Result {
	return h.fn(ctx, event, payload)
}

// Outcome aggregates one event's hook results for the caller.
type Outcome struct {
	// Blocked is set when any hook returned block; no further hooks ran.
	Blocked bool

	// BlockMessage carries the blocking hook's explanation.
	BlockMessage string

	// InjectMessages are the inject_message strings from the hooks that ran,
	// in order.
	InjectMessages []string

	// Results holds every individual hook result, in order.
	Results []Result
}

// Dispatcher routes events to their registered hooks. Registration order is
// execution order; hooks registered in code run before settings-file hooks.
// Safe for concurrent Fire calls; Register and Replace may run concurrently
// with Fire.
type Dispatcher struct {
	mu      sync.RWMutex
	static  map[Event][]Hook // Register; survives settings reloads
	managed map[Event][]Hook // Replace; rebuilt from the settings file

	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(logger *observability.Logger, metrics *observability.Metrics) *Dispatcher {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	return &Dispatcher{
		static:  make(map[Event][]Hook),
		managed: make(map[Event][]Hook),
		logger:  logger,
		metrics: metrics,
	}
}

// Register appends a hook to an event's list. Registered hooks survive
// Replace, so native hooks are wired once at startup.
func (d *Dispatcher) Register(event Event, h Hook) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.static[event] = append(d.static[event], h)
}

// Replace swaps the settings-derived hook table, used by the settings
// watcher on reload. Hooks added with Register are unaffected.
func (d *Dispatcher) Replace(table map[Event][]Hook) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if table == nil {
		table = make(map[Event][]Hook)
	}
	d.managed = table
}

// Registered returns the hook count per event across both tables.
func (d *Dispatcher) Registered() map[Event]int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[Event]int)
	for event, list := range d.static {
		if len(list) > 0 {
			out[event] += len(list)
		}
	}
	for event, list := range d.managed {
		if len(list) > 0 {
			out[event] += len(list)
		}
	}
	return out
}

// Fire runs an event's hooks sequentially in registration order. The first
// block short-circuits the remainder. Inject messages from hooks that ran
// before the block are still returned.
func (d *Dispatcher) Fire(ctx context.Context, event Event, payload Payload) Outcome {
	d.mu.RLock()
	list := make([]Hook, 0, len(d.static[event])+len(d.managed[event]))
	list = append(list, d.static[event]...)
	list = append(list, d.managed[event]...)
	d.mu.RUnlock()

	var out Outcome
	if len(list) == 0 {
		return out
	}

	if payload == nil {
		payload = Payload{}
	}
	payload["event"] = string(event)

	for _, h := range list {
		res := h.Run(ctx, event, payload)
		out.Results = append(out.Results, res)
		if res.InjectMessage != "" {
			out.InjectMessages = append(out.InjectMessages, res.InjectMessage)
		}

		outcome := "success"
		switch {
		case res.Block:
			outcome = "block"
		case !res.Success:
			outcome = "error"
		}
		d.metrics.RecordHookInvocation(string(event), outcome)

		if res.Block {
			out.Blocked = true
			out.BlockMessage = blockMessage(h, res)
			d.logger.Warn(ctx, "hook blocked action",
				"hook", h.Name(),
				"hook_event", string(event),
				"message", out.BlockMessage)
			return out
		}
		if !res.Success {
			d.logger.Warn(ctx, "hook failed",
				"hook", h.Name(),
				"hook_event", string(event),
				"error", res.Error)
		}
	}
	return out
}

func blockMessage(h Hook, res Result) string {
	if res.Error != "" {
		return res.Error
	}
	if res.Output != "" {
		return res.Output
	}
	return "action blocked by hook " + h.Name()
}
