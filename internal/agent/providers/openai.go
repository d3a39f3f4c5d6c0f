package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/strand/internal/agent"
	"github.com/haasonsaas/strand/internal/agent/toolconv"
	"github.com/haasonsaas/strand/pkg/models"
)

// openAIBaseURLs are the default endpoints for the chat-completions
// compatible families served through this client.
var openAIBaseURLs = map[string]string{
	EndpointTogether: "https://api.together.xyz/v1",
	EndpointXAI:      "https://api.x.ai/v1",
	EndpointGroq:     "https://api.groq.com/openai/v1",
	EndpointDeepseek: "https://api.deepseek.com/v1",
	EndpointOllama:   "http://localhost:11434/v1",
}

// OpenAIClient streams completions from any chat-completions compatible
// endpoint: openai itself plus azure, together, xai, groq, deepseek, and
// ollama. The endpoint family only changes the base URL and credential
// handling; the wire protocol is identical.
type OpenAIClient struct {
	client *openai.Client
	name   string
}

// NewOpenAICompatClient builds a client for one compatible endpoint family.
// endpoint overrides the family's default base URL; azure requires it.
func NewOpenAICompatClient(kind, apiKey, endpoint string) (*OpenAIClient, error) {
	kind = strings.ToLower(kind)

	if kind == EndpointAzure {
		if endpoint == "" {
			return nil, errors.New("azure: endpoint is required")
		}
		if apiKey == "" {
			return nil, errors.New("azure: API key is required")
		}
		cfg := openai.DefaultAzureConfig(apiKey, endpoint)
		return &OpenAIClient{client: openai.NewClientWithConfig(cfg), name: kind}, nil
	}

	if apiKey == "" {
		if kind != EndpointOllama {
			return nil, fmt.Errorf("%s: API key is required", kind)
		}
		// Local servers ignore the bearer token but the client requires one.
		apiKey = "ollama"
	}

	cfg := openai.DefaultConfig(apiKey)
	base := endpoint
	if base == "" {
		base = openAIBaseURLs[kind]
	}
	if base != "" {
		cfg.BaseURL = base
	}
	return &OpenAIClient{client: openai.NewClientWithConfig(cfg), name: kind}, nil
}

// Name implements agent.LLMClient.
func (c *OpenAIClient) Name() string {
	return c.name
}

// Complete sends one request and streams the response.
func (c *OpenAIClient) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	request := openai.ChatCompletionRequest{
		Model:     req.Model,
		Messages:  convertOpenAIMessages(req.Messages, req.System),
		MaxTokens: maxTokensOrDefault(req.MaxTokens),
		Stream:    true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}
	if len(req.Tools) > 0 {
		request.Tools = toolconv.ToOpenAITools(req.Tools)
	}

	chunks := make(chan *agent.CompletionChunk)
	go func() {
		defer close(chunks)

		stream, err := c.client.CreateChatCompletionStream(ctx, request)
		if err != nil {
			chunks <- &agent.CompletionChunk{Error: c.wrapError(err, req.Model)}
			return
		}
		defer stream.Close()

		c.processStream(ctx, stream, chunks, req.Model)
	}()
	return chunks, nil
}

// processStream converts chat-completions deltas into completion chunks.
// Tool calls stream incrementally: the first fragment carries the id and
// name, later fragments append argument JSON; a finish_reason of
// "tool_calls" (or end of stream) flushes the accumulated calls in index
// order.
func (c *OpenAIClient) processStream(ctx context.Context, stream *openai.ChatCompletionStream, chunks chan<- *agent.CompletionChunk, model string) {
	toolCalls := make(map[int]*models.ToolCall)
	var usage models.UsageStats

	flush := func() {
		indexes := make([]int, 0, len(toolCalls))
		for i := range toolCalls {
			indexes = append(indexes, i)
		}
		sort.Ints(indexes)
		for _, i := range indexes {
			tc := toolCalls[i]
			if tc.ID != "" && tc.Name != "" {
				tc.Arguments = normalizeArgs(tc.Arguments)
				chunks <- &agent.CompletionChunk{ToolCall: tc}
			}
		}
		toolCalls = make(map[int]*models.ToolCall)
	}

	for {
		select {
		case <-ctx.Done():
			chunks <- &agent.CompletionChunk{Error: ctx.Err()}
			return
		default:
		}

		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				flush()
				chunks <- &agent.CompletionChunk{Done: true, Usage: &usage}
				return
			}
			chunks <- &agent.CompletionChunk{Error: c.wrapError(err, model)}
			return
		}

		// The usage frame arrives last with an empty choice list when
		// stream_options.include_usage is set.
		if response.Usage != nil {
			usage.PromptTokens = response.Usage.PromptTokens
			usage.CompletionTokens = response.Usage.CompletionTokens
			usage.TotalTokens = response.Usage.TotalTokens
			if d := response.Usage.PromptTokensDetails; d != nil {
				usage.CachedInputTokens = d.CachedTokens
			}
			if d := response.Usage.CompletionTokensDetails; d != nil {
				usage.ReasoningTokens = d.ReasoningTokens
			}
		}

		if len(response.Choices) == 0 {
			continue
		}
		choice := response.Choices[0]
		delta := choice.Delta

		if delta.Content != "" {
			chunks <- &agent.CompletionChunk{Text: delta.Content}
		}
		if delta.ReasoningContent != "" {
			chunks <- &agent.CompletionChunk{Reasoning: delta.ReasoningContent}
		}

		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			if toolCalls[index] == nil {
				toolCalls[index] = &models.ToolCall{}
			}
			if tc.ID != "" {
				toolCalls[index].ID = tc.ID
			}
			if tc.Function.Name != "" {
				toolCalls[index].Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				toolCalls[index].Arguments = append(toolCalls[index].Arguments, tc.Function.Arguments...)
			}
		}

		if choice.FinishReason == "tool_calls" {
			flush()
		}
	}
}

// convertOpenAIMessages maps conversation entries onto chat-completions
// messages. The system prompt is injected as the leading system message;
// approval entries become tool-role messages keyed by tool call id.
func convertOpenAIMessages(messages []*models.Message, system string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)

	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		if msg == nil || msg.Role == models.RoleSystem {
			continue
		}

		switch msg.Role {
		case models.RoleAssistant:
			oaiMsg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Text(),
			}
			if msg.ToolCall != nil {
				oaiMsg.ToolCalls = []openai.ToolCall{
					{
						ID:   msg.ToolCall.ID,
						Type: openai.ToolTypeFunction,
						Function: openai.FunctionCall{
							Name:      msg.ToolCall.Name,
							Arguments: string(normalizeArgs(msg.ToolCall.Arguments)),
						},
					},
				}
			}
			result = append(result, oaiMsg)

		case models.RoleApproval, models.RoleTool:
			if msg.ToolReturn != nil {
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    msg.ToolReturn.Content,
					ToolCallID: msg.ToolReturn.ToolCallID,
				})
			} else if text := msg.Text(); text != "" {
				result = append(result, openai.ChatCompletionMessage{
					Role:    openai.ChatMessageRoleUser,
					Content: text,
				})
			}

		default:
			if text := msg.Text(); text != "" {
				result = append(result, openai.ChatCompletionMessage{
					Role:    openai.ChatMessageRoleUser,
					Content: text,
				})
			}
		}
	}

	return result
}

func (c *OpenAIClient) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := agent.AsLLMError(err); ok {
		return err
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		le := agent.NewLLMError(c.name, model, err).WithStatus(apiErr.HTTPStatusCode)
		if apiErr.Message != "" {
			le.Message = apiErr.Message
		}
		if code, ok := apiErr.Code.(string); ok && code != "" {
			le = le.WithCode(code)
		}
		return le
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return agent.NewLLMError(c.name, model, err).WithStatus(reqErr.HTTPStatusCode)
	}

	return agent.NewLLMError(c.name, model, err)
}
