// Package providers implements the vendor SDK clients behind agent.LLMClient:
// Anthropic Messages, OpenAI-compatible chat completions, AWS Bedrock
// Converse, and Google Gemini. Each client converts the neutral request shape
// to its SDK's native parameters, streams the response back as completion
// chunks, and wraps failures into classified LLM errors. Retry discipline
// lives in the adapter, not here.
package providers

import (
	"encoding/json"
	"strings"

	"github.com/haasonsaas/strand/pkg/models"
)

// Endpoint families routable through the factory. ProviderKind values on an
// agent's LLM config must name one of these.
const (
	EndpointAnthropic    = "anthropic"
	EndpointOpenAI       = "openai"
	EndpointTogether     = "together"
	EndpointGoogleAI     = "google_ai"
	EndpointGoogleVertex = "google_vertex"
	EndpointBedrock      = "bedrock"
	EndpointOllama       = "ollama"
	EndpointAzure        = "azure"
	EndpointXAI          = "xai"
	EndpointGroq         = "groq"
	EndpointDeepseek     = "deepseek"
)

// streamingEndpoints are the endpoint families the dispatcher accepts for
// streaming runs.
var streamingEndpoints = map[string]bool{
	EndpointAnthropic:    true,
	EndpointOpenAI:       true,
	EndpointTogether:     true,
	EndpointGoogleAI:     true,
	EndpointGoogleVertex: true,
	EndpointBedrock:      true,
	EndpointOllama:       true,
	EndpointAzure:        true,
	EndpointXAI:          true,
	EndpointGroq:         true,
	EndpointDeepseek:     true,
}

// tokenStreamingEndpoints deliver token-level deltas for every agent kind.
var tokenStreamingEndpoints = map[string]bool{
	EndpointAnthropic: true,
	EndpointOpenAI:    true,
	EndpointBedrock:   true,
	EndpointDeepseek:  true,
}

// SupportsStreaming reports whether the endpoint family can serve a
// streaming run at all.
func SupportsStreaming(kind string) bool {
	return streamingEndpoints[strings.ToLower(kind)]
}

// SupportsTokenStreaming reports whether token-level deltas are available
// for the endpoint family. Google endpoints token-stream for crow_v1 agents
// only.
func SupportsTokenStreaming(kind string, agentKind models.AgentKind) bool {
	k := strings.ToLower(kind)
	if tokenStreamingEndpoints[k] {
		return true
	}
	if (k == EndpointGoogleAI || k == EndpointGoogleVertex) && agentKind == models.AgentCrowV1 {
		return true
	}
	return false
}

// defaultMaxTokens caps the completion when the request leaves MaxTokens
// unset. Prevents runaway generations while allowing substantial responses.
const defaultMaxTokens = 4096

// maxEmptyStreamEvents is the maximum number of consecutive empty events
// before treating a stream as malformed. Protects against streams that flood
// with empty events and would otherwise spin the consumer.
const maxEmptyStreamEvents = 300

func maxTokensOrDefault(n int) int {
	if n <= 0 {
		return defaultMaxTokens
	}
	return n
}

// normalizeArgs turns absent tool-call arguments into an empty JSON object
// so provider SDKs that unmarshal them do not choke.
func normalizeArgs(raw json.RawMessage) json.RawMessage {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return json.RawMessage("{}")
	}
	return raw
}
