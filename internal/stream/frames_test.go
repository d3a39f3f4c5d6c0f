package stream

import (
	"encoding/json"
	"testing"

	"github.com/haasonsaas/strand/internal/agent"
	"github.com/haasonsaas/strand/pkg/models"
)

func TestRenderEventContent(t *testing.T) {
	frame, ok := RenderEvent(&agent.Event{
		Type:  agent.EventAssistantMessage,
		RunID: "run-1",
		Text:  "hello",
	})
	if !ok {
		t.Fatal("expected a frame")
	}
	if frame.Event != "" {
		t.Errorf("content frames are unnamed, got event %q", frame.Event)
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(frame.Data), &payload); err != nil {
		t.Fatalf("frame data is not JSON: %v", err)
	}
	if payload["type"] != "assistant_message" || payload["text"] != "hello" {
		t.Errorf("unexpected payload: %v", payload)
	}
	if payload["run_id"] != "run-1" {
		t.Errorf("run id missing from payload: %v", payload)
	}
}

func TestRenderEventError(t *testing.T) {
	frame, ok := RenderEvent(&agent.Event{
		Type:  agent.EventError,
		RunID: "run-1",
		Error: &models.RunError{
			Type:    models.ErrLLMTimeout,
			Message: "request timed out",
			Detail:  "deadline exceeded",
		},
	})
	if !ok {
		t.Fatal("expected a frame")
	}
	if !IsError(frame) {
		t.Fatalf("expected a named error frame, got %+v", frame)
	}

	var payload ErrorPayload
	if err := json.Unmarshal([]byte(frame.Data), &payload); err != nil {
		t.Fatalf("error payload is not JSON: %v", err)
	}
	if payload.RunID != "run-1" || payload.ErrorType != models.ErrLLMTimeout {
		t.Errorf("unexpected payload: %+v", payload)
	}
	if payload.Message != "request timed out" || payload.Detail != "deadline exceeded" {
		t.Errorf("unexpected payload: %+v", payload)
	}
}

func TestRenderEventDone(t *testing.T) {
	frame, ok := RenderEvent(&agent.Event{Type: agent.EventDone})
	if !ok {
		t.Fatal("expected a frame")
	}
	if !IsDone(frame) {
		t.Errorf("expected the sentinel, got %+v", frame)
	}
	if frame.Data != DoneSentinel {
		t.Errorf("expected %q, got %q", DoneSentinel, frame.Data)
	}
}

func TestErrorFrameNilError(t *testing.T) {
	frame := ErrorFrame("run-1", nil)

	var payload ErrorPayload
	if err := json.Unmarshal([]byte(frame.Data), &payload); err != nil {
		t.Fatalf("error payload is not JSON: %v", err)
	}
	if payload.ErrorType != models.ErrInternal {
		t.Errorf("expected internal_error fallback, got %s", payload.ErrorType)
	}
}

func TestPingFrame(t *testing.T) {
	frame := PingFrame()
	if frame.Event != "ping" || frame.Data != "{}" {
		t.Errorf("unexpected ping frame: %+v", frame)
	}
	if IsDone(frame) || IsError(frame) {
		t.Error("ping frame misclassified")
	}
}
