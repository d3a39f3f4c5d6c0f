package models

import "time"

// AgentKind selects the agent's execution profile.
type AgentKind string

const (
	// AgentCrowV1 is the default interactive agent.
	AgentCrowV1 AgentKind = "crow_v1"

	// AgentSleeptime runs in the background on a schedule.
	AgentSleeptime AgentKind = "sleeptime"

	// AgentVoiceConvo is tuned for low-latency voice turns.
	AgentVoiceConvo AgentKind = "voice_convo"

	// AgentMultiAgentGroup coordinates a group of agents.
	AgentMultiAgentGroup AgentKind = "multi_agent_group"
)

// GroupKind classifies a multi-agent group.
type GroupKind string

const (
	GroupSleeptime      GroupKind = "sleeptime"
	GroupVoiceSleeptime GroupKind = "voice_sleeptime"
	GroupRoundRobin     GroupKind = "round_robin"
	GroupSupervisor     GroupKind = "supervisor"
)

// LLMConfig is the model-selection record attached to an agent.
type LLMConfig struct {
	// ProviderKind names the endpoint family (anthropic, openai, bedrock,
	// google_ai, google_vertex, ollama, azure, together, xai, groq,
	// deepseek).
	ProviderKind string `json:"provider_kind" yaml:"provider_kind"`

	Model           string `json:"model" yaml:"model"`
	ContextWindow   int    `json:"context_window" yaml:"context_window"`
	MaxOutputTokens int    `json:"max_output_tokens" yaml:"max_output_tokens"`

	// Endpoint overrides the provider's default base URL. Required for
	// ollama and self-hosted openai-compatible servers.
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	APIKey   string `json:"-" yaml:"api_key,omitempty"`
}

// EmbeddingConfig is the embedding-selection record attached to an agent.
// The runtime only snapshots it into the agent context; embedding itself
// happens in external services.
type EmbeddingConfig struct {
	Provider string `json:"provider" yaml:"provider"`
	Model    string `json:"model" yaml:"model"`
	Dim      int    `json:"dim,omitempty" yaml:"dim,omitempty"`
}

// AgentState is the identity and configuration of one conversational agent.
// Created by an external service; the runtime reads it and mutates memory
// blocks through the state store contract.
type AgentState struct {
	ID   string    `json:"id"`
	Name string    `json:"name"`
	Kind AgentKind `json:"kind"`

	LLM       LLMConfig       `json:"llm"`
	Embedding EmbeddingConfig `json:"embedding"`

	// KVCacheFriendly requests a prefix-stable message ordering so that
	// provider-side prompt caches survive across turns.
	KVCacheFriendly bool `json:"kv_cache_friendly"`

	SystemPrompt   string   `json:"system_prompt,omitempty"`
	MemoryBlockIDs []string `json:"memory_block_ids,omitempty"`
	ToolNames      []string `json:"tool_names,omitempty"`

	// GroupID and GroupKind are set when the agent belongs to a
	// multi-agent group.
	GroupID   string    `json:"group_id,omitempty"`
	GroupKind GroupKind `json:"group_kind,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MemoryBlock is one labeled block of always-in-context memory.
type MemoryBlock struct {
	ID        string    `json:"id"`
	Label     string    `json:"label"`
	Value     string    `json:"value"`
	CharLimit int       `json:"char_limit,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SubagentStatus tracks a background subagent spawned by a tool.
type SubagentStatus string

const (
	SubagentRunning   SubagentStatus = "running"
	SubagentCompleted SubagentStatus = "completed"
	SubagentFailed    SubagentStatus = "failed"
)

// SubagentDescriptor records a subagent registered in the agent context
// during tool execution. Descriptors survive the tool's return and are
// cleared with the context at the end of the step loop.
type SubagentDescriptor struct {
	ID          string         `json:"id"`
	Kind        AgentKind      `json:"kind"`
	Description string         `json:"description,omitempty"`
	Status      SubagentStatus `json:"status"`
	Result      string         `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
}
