package providers

import (
	"encoding/json"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"

	"github.com/haasonsaas/strand/internal/agent"
	"github.com/haasonsaas/strand/pkg/models"
)

func TestConvertBedrockMessages(t *testing.T) {
	messages := []*models.Message{
		{Role: models.RoleSystem, Content: []models.ContentPart{models.TextPart("ignored")}},
		{Role: models.RoleUser, Content: []models.ContentPart{models.TextPart("What's the weather?")}},
		{
			Role: models.RoleAssistant,
			ToolCall: &models.ToolCall{
				ID:        "call_1",
				Name:      "get_weather",
				Arguments: json.RawMessage(`{"city":"Oslo"}`),
			},
		},
		{
			Role: models.RoleApproval,
			ToolReturn: &models.ToolReturn{
				ToolCallID: "call_1",
				Content:    "Snowing, -4C",
				Status:     models.ReturnError,
			},
		},
	}

	got, err := convertBedrockMessages(messages)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d messages, want 3", len(got))
	}

	if got[0].Role != types.ConversationRoleUser {
		t.Fatalf("first role = %v", got[0].Role)
	}
	if got[1].Role != types.ConversationRoleAssistant {
		t.Fatalf("second role = %v", got[1].Role)
	}

	toolUse, ok := got[1].Content[0].(*types.ContentBlockMemberToolUse)
	if !ok {
		t.Fatalf("expected tool use block, got %T", got[1].Content[0])
	}
	if aws.ToString(toolUse.Value.ToolUseId) != "call_1" || aws.ToString(toolUse.Value.Name) != "get_weather" {
		t.Fatalf("tool use = %+v", toolUse.Value)
	}

	toolResult, ok := got[2].Content[0].(*types.ContentBlockMemberToolResult)
	if !ok {
		t.Fatalf("expected tool result block, got %T", got[2].Content[0])
	}
	if aws.ToString(toolResult.Value.ToolUseId) != "call_1" {
		t.Fatalf("tool result id = %v", toolResult.Value.ToolUseId)
	}
	if toolResult.Value.Status != types.ToolResultStatusError {
		t.Fatalf("tool result status = %v", toolResult.Value.Status)
	}
}

func TestConvertBedrockMessagesInvalidArgs(t *testing.T) {
	messages := []*models.Message{
		{
			Role: models.RoleAssistant,
			ToolCall: &models.ToolCall{
				ID:        "call_1",
				Name:      "broken",
				Arguments: json.RawMessage(`{not-json}`),
			},
		},
	}

	if _, err := convertBedrockMessages(messages); err == nil {
		t.Fatal("expected error for invalid tool arguments")
	}
}

func TestWrapBedrockError(t *testing.T) {
	client := &BedrockClient{}

	tests := []struct {
		name     string
		code     string
		wantType models.ErrorType
	}{
		{name: "throttling", code: "ThrottlingException", wantType: models.ErrLLMRateLimit},
		{name: "access denied", code: "AccessDeniedException", wantType: models.ErrLLMAuth},
		{name: "model timeout", code: "ModelTimeoutException", wantType: models.ErrLLMTimeout},
		{name: "validation", code: "ValidationException", wantType: models.ErrLLM},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cause := &smithy.GenericAPIError{Code: tt.code, Message: "upstream said no"}
			wrapped := client.wrapError(cause, "anthropic.claude-sonnet-4")
			le, ok := agent.AsLLMError(wrapped)
			if !ok {
				t.Fatalf("expected LLMError, got %T", wrapped)
			}
			if le.Type != tt.wantType {
				t.Fatalf("type = %v, want %v", le.Type, tt.wantType)
			}
			if le.Code != tt.code {
				t.Fatalf("code = %q, want %q", le.Code, tt.code)
			}
			if le.Message != "upstream said no" {
				t.Fatalf("message = %q", le.Message)
			}
		})
	}
}
