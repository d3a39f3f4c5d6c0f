package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/haasonsaas/strand/internal/agent"
	"github.com/haasonsaas/strand/internal/agent/toolconv"
	"github.com/haasonsaas/strand/pkg/models"
)

// AnthropicClient streams completions from the Anthropic Messages API.
// Safe for concurrent use; each Complete call owns an independent stream.
type AnthropicClient struct {
	client anthropic.Client
}

// NewAnthropicClient builds a Messages API client. baseURL overrides the
// public endpoint when non-empty.
func NewAnthropicClient(apiKey, baseURL string) (*AnthropicClient, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if strings.TrimSpace(baseURL) != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &AnthropicClient{client: anthropic.NewClient(opts...)}, nil
}

// Name implements agent.LLMClient.
func (c *AnthropicClient) Name() string {
	return EndpointAnthropic
}

// Complete sends one request and streams the response. The returned error
// covers request construction only; stream failures arrive as chunk errors.
func (c *AnthropicClient) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	params, err := c.buildParams(req)
	if err != nil {
		return nil, err
	}

	chunks := make(chan *agent.CompletionChunk)
	go func() {
		defer close(chunks)
		stream := c.client.Messages.NewStreaming(ctx, params)
		c.processStream(stream, chunks, req.Model)
	}()
	return chunks, nil
}

func (c *AnthropicClient) buildParams(req *agent.CompletionRequest) (anthropic.MessageNewParams, error) {
	messages, err := convertAnthropicMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, fmt.Errorf("anthropic: failed to convert messages: %w", err)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  messages,
		MaxTokens: int64(maxTokensOrDefault(req.MaxTokens)),
	}

	// System prompt travels outside the message list in the Messages API.
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{
			{Type: "text", Text: req.System},
		}
	}

	if len(req.Tools) > 0 {
		tools, err := toolconv.ToAnthropicTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, fmt.Errorf("anthropic: failed to convert tools: %w", err)
		}
		params.Tools = tools
	}

	return params, nil
}

// processStream converts Messages API SSE events into completion chunks.
// Tool calls arrive across several events: content_block_start carries the
// id and name, input_json_delta fragments stream the arguments, and
// content_block_stop finalizes the call. Reasoning blocks stream through
// thinking_delta and close with a signature_delta.
func (c *AnthropicClient) processStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], chunks chan<- *agent.CompletionChunk, model string) {
	var toolCall *models.ToolCall
	var toolInput strings.Builder
	var usage models.UsageStats
	emptyEvents := 0

	for stream.Next() {
		event := stream.Current()
		processed := false

		switch event.Type {
		case "message_start":
			messageStart := event.AsMessageStart()
			usage.PromptTokens = int(messageStart.Message.Usage.InputTokens)
			usage.CachedInputTokens = int(messageStart.Message.Usage.CacheReadInputTokens)
			usage.CacheWriteTokens = int(messageStart.Message.Usage.CacheCreationInputTokens)
			processed = true

		case "content_block_start":
			contentBlock := event.AsContentBlockStart().ContentBlock
			switch contentBlock.Type {
			case "tool_use":
				toolUse := contentBlock.AsToolUse()
				toolCall = &models.ToolCall{
					ID:   toolUse.ID,
					Name: toolUse.Name,
				}
				toolInput.Reset()
				processed = true
			case "thinking":
				processed = true
			case "redacted_thinking":
				chunks <- &agent.CompletionChunk{OmittedReasoning: true}
				processed = true
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					chunks <- &agent.CompletionChunk{Text: delta.Text}
					processed = true
				}
			case "thinking_delta":
				if delta.Thinking != "" {
					chunks <- &agent.CompletionChunk{Reasoning: delta.Thinking}
					processed = true
				}
			case "signature_delta":
				if delta.Signature != "" {
					chunks <- &agent.CompletionChunk{ReasoningSignature: delta.Signature}
					processed = true
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					toolInput.WriteString(delta.PartialJSON)
					processed = true
				}
			}

		case "content_block_stop":
			if toolCall != nil {
				toolCall.Arguments = json.RawMessage(toolInput.String())
				chunks <- &agent.CompletionChunk{ToolCall: toolCall}
				toolCall = nil
				processed = true
			}

		case "message_delta":
			messageDelta := event.AsMessageDelta()
			if messageDelta.Usage.OutputTokens > 0 {
				usage.CompletionTokens = int(messageDelta.Usage.OutputTokens)
			}
			processed = true

		case "message_stop":
			chunks <- &agent.CompletionChunk{Done: true, Usage: &usage}
			return

		case "error":
			chunks <- &agent.CompletionChunk{
				Error: c.wrapError(errors.New("anthropic stream error"), model),
			}
			return
		}

		if processed {
			emptyEvents = 0
			continue
		}
		emptyEvents++
		if emptyEvents >= maxEmptyStreamEvents {
			chunks <- &agent.CompletionChunk{
				Error: c.wrapError(fmt.Errorf("stream appears malformed: received %d consecutive empty events", emptyEvents), model),
			}
			return
		}
	}

	if err := stream.Err(); err != nil {
		chunks <- &agent.CompletionChunk{Error: c.wrapError(err, model)}
	}
}

// convertAnthropicMessages maps conversation entries onto Messages API
// content blocks. System entries are skipped (the System param wins);
// approval entries become user-side tool_result blocks; signed reasoning
// replays as thinking blocks, unsigned reasoning cannot be replayed.
func convertAnthropicMessages(messages []*models.Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam

	for _, msg := range messages {
		if msg == nil || msg.Role == models.RoleSystem {
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		for _, part := range msg.Content {
			switch part.Type {
			case models.PartText:
				if part.Text != "" {
					content = append(content, anthropic.NewTextBlock(part.Text))
				}
			case models.PartReasoning:
				if part.Signature != "" {
					content = append(content, anthropic.NewThinkingBlock(part.Signature, part.Text))
				}
			}
		}

		if msg.ToolCall != nil {
			var input map[string]any
			if err := json.Unmarshal(normalizeArgs(msg.ToolCall.Arguments), &input); err != nil {
				return nil, fmt.Errorf("invalid tool call arguments for %s: %w", msg.ToolCall.Name, err)
			}
			content = append(content, anthropic.NewToolUseBlock(msg.ToolCall.ID, input, msg.ToolCall.Name))
		}

		if msg.ToolReturn != nil {
			content = append(content, anthropic.NewToolResultBlock(
				msg.ToolReturn.ToolCallID,
				msg.ToolReturn.Content,
				msg.ToolReturn.Status == models.ReturnError,
			))
		}

		if len(content) == 0 {
			continue
		}
		if msg.Role == models.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}

	return result, nil
}

type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *AnthropicClient) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := agent.AsLLMError(err); ok {
		return err
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		le := agent.NewLLMError(EndpointAnthropic, model, err).WithStatus(apiErr.StatusCode)
		if raw := apiErr.RawJSON(); raw != "" {
			var payload anthropicErrorPayload
			if json.Unmarshal([]byte(raw), &payload) == nil {
				if payload.Error.Message != "" {
					le.Message = payload.Error.Message
				}
				if payload.Error.Type != "" {
					le = le.WithCode(payload.Error.Type)
				}
			}
		}
		return le
	}

	return agent.NewLLMError(EndpointAnthropic, model, err)
}
