package providers

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/haasonsaas/strand/internal/agent"
	"github.com/haasonsaas/strand/internal/config"
	"github.com/haasonsaas/strand/pkg/models"
)

// Factory resolves an agent's LLM config to a concrete SDK client,
// implementing agent.ClientResolver. Clients are cached per endpoint family,
// base URL, and credential so repeated runs share transports. Credentials on
// the agent record win over the runtime's provider section.
type Factory struct {
	providers map[string]config.ProviderConfig

	mu      sync.Mutex
	clients map[string]agent.LLMClient
}

// NewFactory creates a factory over the configured provider credentials.
func NewFactory(providers map[string]config.ProviderConfig) *Factory {
	return &Factory{
		providers: providers,
		clients:   make(map[string]agent.LLMClient),
	}
}

// Resolve returns the client for one endpoint family, constructing and
// caching it on first use.
func (f *Factory) Resolve(cfg models.LLMConfig) (agent.LLMClient, error) {
	kind := strings.ToLower(cfg.ProviderKind)
	if !SupportsStreaming(kind) {
		return nil, fmt.Errorf("unknown provider kind %q", cfg.ProviderKind)
	}

	pc := f.providers[kind]
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = pc.APIKey
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = pc.Endpoint
	}

	key := kind + "\x00" + endpoint + "\x00" + apiKey

	f.mu.Lock()
	defer f.mu.Unlock()
	if client, ok := f.clients[key]; ok {
		return client, nil
	}

	client, err := f.build(kind, apiKey, endpoint, pc)
	if err != nil {
		return nil, err
	}
	f.clients[key] = client
	return client, nil
}

func (f *Factory) build(kind, apiKey, endpoint string, pc config.ProviderConfig) (agent.LLMClient, error) {
	switch kind {
	case EndpointAnthropic:
		return NewAnthropicClient(apiKey, endpoint)
	case EndpointBedrock:
		return NewBedrockClient(context.Background(), pc.Region)
	case EndpointGoogleAI, EndpointGoogleVertex:
		return NewGoogleClient(context.Background(), kind, GoogleOptions{
			APIKey:   apiKey,
			Project:  pc.Project,
			Location: pc.Location,
		})
	default:
		return NewOpenAICompatClient(kind, apiKey, endpoint)
	}
}
