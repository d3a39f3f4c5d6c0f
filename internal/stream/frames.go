// Package stream renders step-loop events as server-sent events and layers
// the dispatcher's wrappers over them: the terminality guard, keepalive
// injection, cancellation watching, and the OpenAI chat-completions
// transform. Frames are the unit throughout so foreground responses and
// bus replays share one pipeline.
package stream

import (
	"encoding/json"

	"github.com/haasonsaas/strand/internal/agent"
	"github.com/haasonsaas/strand/internal/bus"
	"github.com/haasonsaas/strand/pkg/models"
)

// DoneSentinel is the terminal data line every stream ends with.
const DoneSentinel = "[DONE]"

// Named events on the wire. Content frames are unnamed.
const (
	eventError = "error"
	eventPing  = "ping"
)

// frameBuffer sizes the wrapper channels. Small: backpressure is
// intentional.
const frameBuffer = 16

// ErrorPayload is the schema of a named error frame.
type ErrorPayload struct {
	RunID     string           `json:"run_id"`
	ErrorType models.ErrorType `json:"error_type"`
	Message   string           `json:"message"`
	Detail    string           `json:"detail,omitempty"`
}

// RenderEvent maps one loop event onto its wire frame. EventDone becomes
// the sentinel, EventError a named error frame, everything else a data
// frame of the marshalled event.
func RenderEvent(ev *agent.Event) (bus.Frame, bool) {
	switch ev.Type {
	case agent.EventDone:
		return DoneFrame(), true
	case agent.EventError:
		return ErrorFrame(ev.RunID, ev.Error), true
	default:
		data, err := json.Marshal(ev)
		if err != nil {
			return bus.Frame{}, false
		}
		return bus.Frame{Data: string(data)}, true
	}
}

// DoneFrame returns the terminal sentinel frame.
func DoneFrame() bus.Frame {
	return bus.Frame{Data: DoneSentinel}
}

// ErrorFrame returns a named error frame for a run error.
func ErrorFrame(runID string, rerr *models.RunError) bus.Frame {
	payload := ErrorPayload{
		RunID:     runID,
		ErrorType: models.ErrInternal,
		Message:   "unknown error",
	}
	if rerr != nil {
		payload.ErrorType = rerr.Type
		payload.Message = rerr.Message
		payload.Detail = rerr.Detail
	}
	data, _ := json.Marshal(payload)
	return bus.Frame{Event: eventError, Data: string(data)}
}

// PingFrame returns a keepalive frame.
func PingFrame() bus.Frame {
	return bus.Frame{Event: eventPing, Data: "{}"}
}

// IsDone reports whether a frame is the terminal sentinel.
func IsDone(frame bus.Frame) bool {
	return frame.Event == "" && frame.Data == DoneSentinel
}

// IsError reports whether a frame is a named error frame.
func IsError(frame bus.Frame) bool {
	return frame.Event == eventError
}
