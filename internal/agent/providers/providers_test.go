package providers

import (
	"encoding/json"
	"testing"

	"github.com/haasonsaas/strand/internal/config"
	"github.com/haasonsaas/strand/pkg/models"
)

func TestSupportsStreaming(t *testing.T) {
	supported := []string{
		"anthropic", "openai", "together", "google_ai", "google_vertex",
		"bedrock", "ollama", "azure", "xai", "groq", "deepseek",
	}
	for _, kind := range supported {
		if !SupportsStreaming(kind) {
			t.Errorf("SupportsStreaming(%q) = false, want true", kind)
		}
	}

	if !SupportsStreaming("Anthropic") {
		t.Error("kind matching should be case-insensitive")
	}
	for _, kind := range []string{"", "mistral", "cohere"} {
		if SupportsStreaming(kind) {
			t.Errorf("SupportsStreaming(%q) = true, want false", kind)
		}
	}
}

func TestSupportsTokenStreaming(t *testing.T) {
	tests := []struct {
		name      string
		kind      string
		agentKind models.AgentKind
		want      bool
	}{
		{name: "anthropic", kind: "anthropic", agentKind: models.AgentSleeptime, want: true},
		{name: "openai", kind: "openai", agentKind: models.AgentCrowV1, want: true},
		{name: "bedrock", kind: "bedrock", agentKind: models.AgentVoiceConvo, want: true},
		{name: "deepseek", kind: "deepseek", agentKind: models.AgentSleeptime, want: true},
		{name: "together never", kind: "together", agentKind: models.AgentCrowV1, want: false},
		{name: "groq never", kind: "groq", agentKind: models.AgentCrowV1, want: false},
		{name: "google for crow", kind: "google_ai", agentKind: models.AgentCrowV1, want: true},
		{name: "vertex for crow", kind: "google_vertex", agentKind: models.AgentCrowV1, want: true},
		{name: "google for sleeptime", kind: "google_ai", agentKind: models.AgentSleeptime, want: false},
		{name: "unknown kind", kind: "mistral", agentKind: models.AgentCrowV1, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SupportsTokenStreaming(tt.kind, tt.agentKind); got != tt.want {
				t.Fatalf("SupportsTokenStreaming(%q, %q) = %v, want %v", tt.kind, tt.agentKind, got, tt.want)
			}
		})
	}
}

func TestMaxTokensOrDefault(t *testing.T) {
	if got := maxTokensOrDefault(0); got != defaultMaxTokens {
		t.Fatalf("maxTokensOrDefault(0) = %d, want %d", got, defaultMaxTokens)
	}
	if got := maxTokensOrDefault(-5); got != defaultMaxTokens {
		t.Fatalf("maxTokensOrDefault(-5) = %d, want %d", got, defaultMaxTokens)
	}
	if got := maxTokensOrDefault(1024); got != 1024 {
		t.Fatalf("maxTokensOrDefault(1024) = %d, want 1024", got)
	}
}

func TestNormalizeArgs(t *testing.T) {
	tests := []struct {
		name string
		in   json.RawMessage
		want string
	}{
		{name: "nil", in: nil, want: "{}"},
		{name: "empty", in: json.RawMessage(""), want: "{}"},
		{name: "whitespace", in: json.RawMessage("  \n"), want: "{}"},
		{name: "object preserved", in: json.RawMessage(`{"a":1}`), want: `{"a":1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := string(normalizeArgs(tt.in)); got != tt.want {
				t.Fatalf("normalizeArgs(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestFactoryResolve(t *testing.T) {
	factory := NewFactory(map[string]config.ProviderConfig{
		"openai":    {APIKey: "sk-from-config"},
		"anthropic": {APIKey: "sk-ant-from-config"},
	})

	client, err := factory.Resolve(models.LLMConfig{ProviderKind: "openai", Model: "gpt-4o"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if client.Name() != "openai" {
		t.Fatalf("Name() = %q", client.Name())
	}

	// Same family and credential resolves to the cached client regardless
	// of model.
	again, err := factory.Resolve(models.LLMConfig{ProviderKind: "openai", Model: "gpt-4o-mini"})
	if err != nil {
		t.Fatalf("Resolve again: %v", err)
	}
	if client != again {
		t.Fatal("expected the cached client")
	}

	// An agent-level credential forces a separate client.
	override, err := factory.Resolve(models.LLMConfig{ProviderKind: "openai", APIKey: "sk-agent"})
	if err != nil {
		t.Fatalf("Resolve with override: %v", err)
	}
	if client == override {
		t.Fatal("expected a distinct client for the overriding credential")
	}
}

func TestFactoryResolveUnknownKind(t *testing.T) {
	factory := NewFactory(nil)
	if _, err := factory.Resolve(models.LLMConfig{ProviderKind: "mistral"}); err == nil {
		t.Fatal("expected error for unknown provider kind")
	}
}

func TestFactoryResolveMissingCredential(t *testing.T) {
	factory := NewFactory(nil)
	if _, err := factory.Resolve(models.LLMConfig{ProviderKind: "anthropic"}); err == nil {
		t.Fatal("expected error when no credential is configured")
	}
}
