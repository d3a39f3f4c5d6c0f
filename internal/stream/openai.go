package stream

import (
	"context"
	"encoding/json"
	"time"

	"github.com/haasonsaas/strand/internal/agent"
	"github.com/haasonsaas/strand/internal/bus"
)

const chatChunkObject = "chat.completion.chunk"

type chatChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []chunkChoice `json:"choices"`
}

type chunkChoice struct {
	Index        int        `json:"index"`
	Delta        chunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

type chunkDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// OpenAITransform re-emits a native frame stream as OpenAI
// chat.completion.chunk frames. Assistant text survives; tool, usage,
// reasoning, and stop-reason frames are dropped. The first chunk carries
// role assistant, the final chunk carries finish_reason stop (only when the
// stream terminated without an error frame), and the sentinel closes the
// stream either way. Apply keepalive outside this layer; named
// frames do not pass through.
func OpenAITransform(ctx context.Context, in <-chan bus.Frame, runID, model string) <-chan bus.Frame {
	out := make(chan bus.Frame, frameBuffer)

	go func() {
		defer close(out)

		id := "chatcmpl-" + runID
		created := time.Now().Unix()
		first := true
		sawError := false

		send := func(frame bus.Frame) bool {
			select {
			case out <- frame:
				return true
			case <-ctx.Done():
				return false
			}
		}
		chunk := func(delta chunkDelta, finish *string) bus.Frame {
			data, _ := json.Marshal(chatChunk{
				ID:      id,
				Object:  chatChunkObject,
				Created: created,
				Model:   model,
				Choices: []chunkChoice{{Index: 0, Delta: delta, FinishReason: finish}},
			})
			return bus.Frame{Data: string(data)}
		}

		for frame := range in {
			if IsError(frame) {
				sawError = true
				continue
			}
			if frame.Event != "" {
				continue
			}
			if IsDone(frame) {
				if !sawError {
					finish := "stop"
					if !send(chunk(chunkDelta{}, &finish)) {
						return
					}
				}
				send(DoneFrame())
				return
			}

			var ev struct {
				Type agent.EventType `json:"type"`
				Text string          `json:"text"`
			}
			if err := json.Unmarshal([]byte(frame.Data), &ev); err != nil {
				continue
			}
			if ev.Type != agent.EventAssistantDelta && ev.Type != agent.EventAssistantMessage {
				continue
			}
			if ev.Text == "" {
				continue
			}

			delta := chunkDelta{Content: ev.Text}
			if first {
				delta.Role = "assistant"
				first = false
			}
			if !send(chunk(delta, nil)) {
				return
			}
		}

		// Upstream closed without the sentinel. Emit it anyway so OpenAI
		// clients terminate.
		send(DoneFrame())
	}()
	return out
}
