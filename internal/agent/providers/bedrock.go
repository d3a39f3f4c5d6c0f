package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"

	"github.com/haasonsaas/strand/internal/agent"
	"github.com/haasonsaas/strand/internal/agent/toolconv"
	"github.com/haasonsaas/strand/pkg/models"
)

// BedrockClient streams completions through the AWS Bedrock Converse API.
// Credentials come from the default AWS chain (environment, shared config,
// instance role); only the region is configured here.
type BedrockClient struct {
	client *bedrockruntime.Client
}

// NewBedrockClient builds a Converse client for the given region.
func NewBedrockClient(ctx context.Context, region string) (*BedrockClient, error) {
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("bedrock: failed to load AWS config: %w", err)
	}
	return &BedrockClient{client: bedrockruntime.NewFromConfig(awsCfg)}, nil
}

// Name implements agent.LLMClient.
func (c *BedrockClient) Name() string {
	return EndpointBedrock
}

// Complete sends one request and streams the response.
func (c *BedrockClient) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	messages, err := convertBedrockMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("bedrock: failed to convert messages: %w", err)
	}

	input := &bedrockruntime.ConverseStreamInput{
		ModelId:  aws.String(req.Model),
		Messages: messages,
		InferenceConfig: &types.InferenceConfiguration{
			MaxTokens: aws.Int32(int32(maxTokensOrDefault(req.MaxTokens))),
		},
	}
	if req.System != "" {
		input.System = []types.SystemContentBlock{
			&types.SystemContentBlockMemberText{Value: req.System},
		}
	}
	if cfg := toolconv.ToBedrockTools(req.Tools); cfg != nil {
		input.ToolConfig = cfg
	}

	chunks := make(chan *agent.CompletionChunk)
	go func() {
		defer close(chunks)

		output, err := c.client.ConverseStream(ctx, input)
		if err != nil {
			chunks <- &agent.CompletionChunk{Error: c.wrapError(err, req.Model)}
			return
		}
		c.processStream(ctx, output, chunks, req.Model)
	}()
	return chunks, nil
}

// processStream converts Converse events into completion chunks. Usage
// arrives in the trailing metadata event after messageStop, so the Done
// chunk is deferred until the event channel closes.
func (c *BedrockClient) processStream(ctx context.Context, output *bedrockruntime.ConverseStreamOutput, chunks chan<- *agent.CompletionChunk, model string) {
	eventStream := output.GetStream()
	defer eventStream.Close()

	var toolCall *models.ToolCall
	var toolInput strings.Builder
	var usage models.UsageStats
	sawStop := false

	eventChan := eventStream.Events()
	for {
		select {
		case <-ctx.Done():
			chunks <- &agent.CompletionChunk{Error: ctx.Err()}
			return
		case event, ok := <-eventChan:
			if !ok {
				if err := eventStream.Err(); err != nil {
					chunks <- &agent.CompletionChunk{Error: c.wrapError(err, model)}
					return
				}
				if sawStop {
					chunks <- &agent.CompletionChunk{Done: true, Usage: &usage}
				}
				return
			}

			switch ev := event.(type) {
			case *types.ConverseStreamOutputMemberContentBlockStart:
				if toolUse, ok := ev.Value.Start.(*types.ContentBlockStartMemberToolUse); ok {
					toolCall = &models.ToolCall{
						ID:   aws.ToString(toolUse.Value.ToolUseId),
						Name: aws.ToString(toolUse.Value.Name),
					}
					toolInput.Reset()
				}

			case *types.ConverseStreamOutputMemberContentBlockDelta:
				switch delta := ev.Value.Delta.(type) {
				case *types.ContentBlockDeltaMemberText:
					if delta.Value != "" {
						chunks <- &agent.CompletionChunk{Text: delta.Value}
					}
				case *types.ContentBlockDeltaMemberToolUse:
					if delta.Value.Input != nil {
						toolInput.WriteString(*delta.Value.Input)
					}
				}

			case *types.ConverseStreamOutputMemberContentBlockStop:
				if toolCall != nil && toolCall.ID != "" {
					toolCall.Arguments = normalizeArgs(json.RawMessage(toolInput.String()))
					chunks <- &agent.CompletionChunk{ToolCall: toolCall}
					toolCall = nil
					toolInput.Reset()
				}

			case *types.ConverseStreamOutputMemberMessageStop:
				sawStop = true

			case *types.ConverseStreamOutputMemberMetadata:
				if ev.Value.Usage != nil {
					usage.PromptTokens = int(aws.ToInt32(ev.Value.Usage.InputTokens))
					usage.CompletionTokens = int(aws.ToInt32(ev.Value.Usage.OutputTokens))
					usage.TotalTokens = int(aws.ToInt32(ev.Value.Usage.TotalTokens))
				}
			}
		}
	}
}

// convertBedrockMessages maps conversation entries onto Converse content
// blocks. Approval entries become user-side toolResult blocks; system
// entries are skipped in favor of the request-level system field.
func convertBedrockMessages(messages []*models.Message) ([]types.Message, error) {
	result := make([]types.Message, 0, len(messages))

	for _, msg := range messages {
		if msg == nil || msg.Role == models.RoleSystem {
			continue
		}

		var content []types.ContentBlock
		for _, part := range msg.Content {
			if part.Type == models.PartText && part.Text != "" {
				content = append(content, &types.ContentBlockMemberText{Value: part.Text})
			}
		}

		if msg.ToolCall != nil {
			var inputDoc map[string]any
			if err := json.Unmarshal(normalizeArgs(msg.ToolCall.Arguments), &inputDoc); err != nil {
				return nil, fmt.Errorf("invalid tool call arguments for %s: %w", msg.ToolCall.Name, err)
			}
			content = append(content, &types.ContentBlockMemberToolUse{
				Value: types.ToolUseBlock{
					ToolUseId: aws.String(msg.ToolCall.ID),
					Name:      aws.String(msg.ToolCall.Name),
					Input:     document.NewLazyDocument(inputDoc),
				},
			})
		}

		if msg.ToolReturn != nil {
			status := types.ToolResultStatusSuccess
			if msg.ToolReturn.Status == models.ReturnError {
				status = types.ToolResultStatusError
			}
			content = append(content, &types.ContentBlockMemberToolResult{
				Value: types.ToolResultBlock{
					ToolUseId: aws.String(msg.ToolReturn.ToolCallID),
					Status:    status,
					Content: []types.ToolResultContentBlock{
						&types.ToolResultContentBlockMemberText{Value: msg.ToolReturn.Content},
					},
				},
			})
		}

		if len(content) == 0 {
			continue
		}
		role := types.ConversationRoleUser
		if msg.Role == models.RoleAssistant {
			role = types.ConversationRoleAssistant
		}
		result = append(result, types.Message{Role: role, Content: content})
	}

	return result, nil
}

func (c *BedrockClient) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := agent.AsLLMError(err); ok {
		return err
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		le := agent.NewLLMError(EndpointBedrock, model, err).WithCode(apiErr.ErrorCode())
		if msg := apiErr.ErrorMessage(); msg != "" {
			le.Message = msg
		}
		return le
	}

	return agent.NewLLMError(EndpointBedrock, model, err)
}
