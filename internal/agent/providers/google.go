package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/haasonsaas/strand/internal/agent"
	"github.com/haasonsaas/strand/internal/agent/toolconv"
	"github.com/haasonsaas/strand/pkg/models"
)

// GoogleClient streams completions from Gemini models, either through the
// Gemini API (google_ai) or through Vertex AI (google_vertex).
type GoogleClient struct {
	client *genai.Client
	name   string
}

// GoogleOptions selects the backend and its credentials.
type GoogleOptions struct {
	// APIKey authenticates the Gemini API backend.
	APIKey string

	// Project and Location select the Vertex AI backend; application
	// default credentials authenticate it.
	Project  string
	Location string
}

// NewGoogleClient builds a Gemini client for one of the two google endpoint
// families.
func NewGoogleClient(ctx context.Context, kind string, opts GoogleOptions) (*GoogleClient, error) {
	kind = strings.ToLower(kind)

	cfg := &genai.ClientConfig{}
	switch kind {
	case EndpointGoogleAI:
		if opts.APIKey == "" {
			return nil, errors.New("google_ai: API key is required")
		}
		cfg.APIKey = opts.APIKey
		cfg.Backend = genai.BackendGeminiAPI
	case EndpointGoogleVertex:
		if opts.Project == "" || opts.Location == "" {
			return nil, errors.New("google_vertex: project and location are required")
		}
		cfg.Project = opts.Project
		cfg.Location = opts.Location
		cfg.Backend = genai.BackendVertexAI
	default:
		return nil, fmt.Errorf("google: unknown endpoint family %q", kind)
	}

	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to create client: %w", kind, err)
	}
	return &GoogleClient{client: client, name: kind}, nil
}

// Name implements agent.LLMClient.
func (c *GoogleClient) Name() string {
	return c.name
}

// Complete sends one request and streams the response.
func (c *GoogleClient) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	contents := convertGoogleMessages(req.Messages)
	cfg := c.buildConfig(req)

	chunks := make(chan *agent.CompletionChunk)
	go func() {
		defer close(chunks)

		var usage models.UsageStats
		for resp, err := range c.client.Models.GenerateContentStream(ctx, req.Model, contents, cfg) {
			select {
			case <-ctx.Done():
				chunks <- &agent.CompletionChunk{Error: ctx.Err()}
				return
			default:
			}
			if err != nil {
				chunks <- &agent.CompletionChunk{Error: c.wrapError(err, req.Model)}
				return
			}
			if resp == nil {
				continue
			}

			if meta := resp.UsageMetadata; meta != nil {
				usage.PromptTokens = int(meta.PromptTokenCount)
				usage.CompletionTokens = int(meta.CandidatesTokenCount)
				usage.TotalTokens = int(meta.TotalTokenCount)
				usage.CachedInputTokens = int(meta.CachedContentTokenCount)
				usage.ReasoningTokens = int(meta.ThoughtsTokenCount)
			}

			for _, candidate := range resp.Candidates {
				if candidate == nil || candidate.Content == nil {
					continue
				}
				for _, part := range candidate.Content.Parts {
					if part == nil {
						continue
					}
					if part.Text != "" {
						if part.Thought {
							chunks <- &agent.CompletionChunk{Reasoning: part.Text}
						} else {
							chunks <- &agent.CompletionChunk{Text: part.Text}
						}
					}
					if part.FunctionCall != nil {
						argsJSON, jerr := json.Marshal(part.FunctionCall.Args)
						if jerr != nil {
							argsJSON = []byte("{}")
						}
						id := part.FunctionCall.ID
						if id == "" {
							// Gemini omits call ids; synthesize one that
							// round-trips the tool name.
							id = fmt.Sprintf("call_%s_%d", part.FunctionCall.Name, time.Now().UnixNano())
						}
						chunks <- &agent.CompletionChunk{ToolCall: &models.ToolCall{
							ID:        id,
							Name:      part.FunctionCall.Name,
							Arguments: argsJSON,
						}}
					}
				}
			}
		}

		chunks <- &agent.CompletionChunk{Done: true, Usage: &usage}
	}()
	return chunks, nil
}

func (c *GoogleClient) buildConfig(req *agent.CompletionRequest) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}
	if req.System != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.System}},
		}
	}
	if n := maxTokensOrDefault(req.MaxTokens); n > 0 {
		cfg.MaxOutputTokens = int32(n)
	}
	if len(req.Tools) > 0 {
		cfg.Tools = toolconv.ToGeminiTools(req.Tools)
	}
	return cfg
}

// convertGoogleMessages maps conversation entries onto Gemini contents.
// Approval entries become functionResponse parts on the user side; the
// function name is recovered from the originating tool call.
func convertGoogleMessages(messages []*models.Message) []*genai.Content {
	var result []*genai.Content

	for _, msg := range messages {
		if msg == nil || msg.Role == models.RoleSystem {
			continue
		}

		content := &genai.Content{Role: genai.RoleUser}
		if msg.Role == models.RoleAssistant {
			content.Role = genai.RoleModel
		}

		for _, part := range msg.Content {
			if part.Type == models.PartText && part.Text != "" {
				content.Parts = append(content.Parts, &genai.Part{Text: part.Text})
			}
		}

		if msg.ToolCall != nil {
			var args map[string]any
			if err := json.Unmarshal(normalizeArgs(msg.ToolCall.Arguments), &args); err != nil {
				args = map[string]any{}
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionCall: &genai.FunctionCall{
					ID:   msg.ToolCall.ID,
					Name: msg.ToolCall.Name,
					Args: args,
				},
			})
		}

		if msg.ToolReturn != nil {
			var response map[string]any
			if err := json.Unmarshal([]byte(msg.ToolReturn.Content), &response); err != nil {
				response = map[string]any{
					"result": msg.ToolReturn.Content,
					"error":  msg.ToolReturn.Status == models.ReturnError,
				}
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{
					ID:       msg.ToolReturn.ToolCallID,
					Name:     toolNameForCallID(msg.ToolReturn.ToolCallID, messages),
					Response: response,
				},
			})
		}

		if len(content.Parts) > 0 {
			result = append(result, content)
		}
	}

	return result
}

// toolNameForCallID recovers the tool name behind a call id by scanning the
// conversation, falling back to the "call_<name>_<ts>" id format.
func toolNameForCallID(callID string, messages []*models.Message) string {
	for _, msg := range messages {
		if msg != nil && msg.ToolCall != nil && msg.ToolCall.ID == callID {
			return msg.ToolCall.Name
		}
	}
	parts := strings.Split(callID, "_")
	if len(parts) >= 2 {
		return parts[1]
	}
	return ""
}

func (c *GoogleClient) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := agent.AsLLMError(err); ok {
		return err
	}

	le := agent.NewLLMError(c.name, model, err)

	// The SDK folds HTTP failures into error strings; recover the status
	// from well-known markers.
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "401") || strings.Contains(msg, "unauthenticated"):
		le = le.WithStatus(401)
	case strings.Contains(msg, "403") || strings.Contains(msg, "permission denied"):
		le = le.WithStatus(403)
	case strings.Contains(msg, "429") || strings.Contains(msg, "resource exhausted") || strings.Contains(msg, "quota"):
		le = le.WithStatus(429)
	case strings.Contains(msg, "500"):
		le = le.WithStatus(500)
	case strings.Contains(msg, "503"):
		le = le.WithStatus(503)
	}
	return le
}
