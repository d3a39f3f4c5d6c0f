// Package config loads and validates the runtime configuration. Files are
// YAML (or JSON5 by extension) with ${ENV_VAR} expansion and $include
// merging.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/haasonsaas/strand/pkg/models"
)

// Config is the root configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	LLM       LLMConfig       `yaml:"llm"`
	Loop      LoopConfig      `yaml:"loop"`
	Streaming StreamingConfig `yaml:"streaming"`
	Tools     ToolsConfig     `yaml:"tools"`
	Hooks     HooksConfig     `yaml:"hooks"`
	Sleeptime SleeptimeConfig `yaml:"sleeptime"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Tracing   TracingConfig   `yaml:"tracing"`
	Auth      AuthConfig      `yaml:"auth"`
	Agents    []AgentConfig   `yaml:"agents"`
}

// ServerConfig configures the HTTP gateway.
type ServerConfig struct {
	Host     string `yaml:"host"`
	HTTPPort int    `yaml:"http_port"`
}

// DatabaseConfig selects the run/message store backend.
type DatabaseConfig struct {
	// Driver is memory, sqlite, or postgres.
	Driver string `yaml:"driver"`

	// Path is the sqlite database file.
	Path string `yaml:"path"`

	// DSN is the postgres connection string.
	DSN string `yaml:"dsn"`

	MaxOpenConns int `yaml:"max_open_conns"`
	MaxIdleConns int `yaml:"max_idle_conns"`
}

// RedisConfig configures the event bus used for background fan-out. With
// Addr empty the runtime uses the in-process bus; background requests on a
// noop bus are rejected.
type RedisConfig struct {
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	StreamTTL time.Duration `yaml:"stream_ttl"`
}

// ProviderConfig holds credentials for one endpoint family.
type ProviderConfig struct {
	APIKey   string `yaml:"api_key"`
	Endpoint string `yaml:"endpoint"`

	// Region applies to bedrock.
	Region string `yaml:"region"`

	// Project and Location apply to google_vertex.
	Project  string `yaml:"project"`
	Location string `yaml:"location"`
}

// LLMConfig configures providers and the retry discipline for transient
// failures.
type LLMConfig struct {
	Providers map[string]ProviderConfig `yaml:"providers"`

	// MaxRetries is the total attempts for a transient failure.
	MaxRetries int `yaml:"max_retries"`

	// RetryDelay is the fixed wait between attempts.
	RetryDelay time.Duration `yaml:"retry_delay"`
}

// LoopConfig bounds the step loop.
type LoopConfig struct {
	// DefaultMaxSteps applies when the request leaves max_steps unset.
	DefaultMaxSteps int `yaml:"default_max_steps"`
}

// StreamingConfig tunes the dispatcher.
type StreamingConfig struct {
	// KeepaliveInterval is the gap between ping comment frames.
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`

	// CancelPollInterval is how often the cancellation wrapper checks the
	// run store for an external transition to cancelled.
	CancelPollInterval time.Duration `yaml:"cancel_poll_interval"`
}

// ToolsConfig configures tool execution.
type ToolsConfig struct {
	// WorkDir is the working directory handed to tools. Defaults to the
	// process working directory.
	WorkDir string `yaml:"work_dir"`

	// DefaultReturnCharLimit caps tool returns when the tool does not set
	// its own ceiling.
	DefaultReturnCharLimit int `yaml:"default_return_char_limit"`

	// ShellTimeout bounds the shell tool.
	ShellTimeout time.Duration `yaml:"shell_timeout"`

	// FetchMaxBytes bounds http_fetch response bodies.
	FetchMaxBytes int64 `yaml:"fetch_max_bytes"`

	// RequireApproval names tools whose calls pause the turn for client
	// approval instead of executing server-side.
	RequireApproval []string `yaml:"require_approval"`
}

// HooksConfig points at the hooks settings file.
type HooksConfig struct {
	// SettingsPath is a JSON5 file declaring shell hooks per event.
	SettingsPath string `yaml:"settings_path"`

	// CommandTimeout bounds each shell hook.
	CommandTimeout time.Duration `yaml:"command_timeout"`

	// Watch reloads the settings file on change.
	Watch bool `yaml:"watch"`
}

// SleeptimeSchedule triggers background runs for one agent.
type SleeptimeSchedule struct {
	AgentID string `yaml:"agent_id"`
	Cron    string `yaml:"cron"`
	Prompt  string `yaml:"prompt"`
}

// SleeptimeConfig configures the background scheduler.
type SleeptimeConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Schedules []SleeptimeSchedule `yaml:"schedules"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level          string   `yaml:"level"`
	Format         string   `yaml:"format"`
	AddSource      bool     `yaml:"add_source"`
	RedactPatterns []string `yaml:"redact_patterns"`
}

// TelemetryConfig configures the provider-trace sink.
type TelemetryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
	Buffer  int    `yaml:"buffer"`
}

// TracingConfig configures OTLP trace export.
type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	Environment  string  `yaml:"environment"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`
}

// AuthConfig configures gateway authentication.
type AuthConfig struct {
	// BearerToken, when set, is required on every /v1 request.
	BearerToken string `yaml:"bearer_token"`
}

// MemoryBlockConfig seeds one memory block.
type MemoryBlockConfig struct {
	ID    string `yaml:"id"`
	Label string `yaml:"label"`
	Value string `yaml:"value"`
}

// AgentConfig seeds one agent into the state store at startup.
type AgentConfig struct {
	ID              string              `yaml:"id"`
	Name            string              `yaml:"name"`
	Kind            string              `yaml:"kind"`
	Provider        string              `yaml:"provider"`
	Model           string              `yaml:"model"`
	ContextWindow   int                 `yaml:"context_window"`
	MaxOutputTokens int                 `yaml:"max_output_tokens"`
	Endpoint        string              `yaml:"endpoint"`
	SystemPrompt    string              `yaml:"system_prompt"`
	KVCacheFriendly bool                `yaml:"kv_cache_friendly"`
	Tools           []string            `yaml:"tools"`
	MemoryBlocks    []MemoryBlockConfig `yaml:"memory_blocks"`
	GroupID         string              `yaml:"group_id"`
	GroupKind       string              `yaml:"group_kind"`
}

// Load reads, expands, parses, and validates the config at path.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.HTTPPort == 0 {
		c.Server.HTTPPort = 8283
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "memory"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 10
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Redis.StreamTTL == 0 {
		c.Redis.StreamTTL = time.Hour
	}
	if c.LLM.MaxRetries == 0 {
		c.LLM.MaxRetries = 3
	}
	if c.LLM.RetryDelay == 0 {
		c.LLM.RetryDelay = time.Second
	}
	if c.Loop.DefaultMaxSteps == 0 {
		c.Loop.DefaultMaxSteps = 50
	}
	if c.Streaming.KeepaliveInterval == 0 {
		c.Streaming.KeepaliveInterval = 30 * time.Second
	}
	if c.Streaming.CancelPollInterval == 0 {
		c.Streaming.CancelPollInterval = 2 * time.Second
	}
	if c.Tools.WorkDir == "" {
		if wd, err := os.Getwd(); err == nil {
			c.Tools.WorkDir = wd
		}
	}
	if c.Tools.DefaultReturnCharLimit == 0 {
		c.Tools.DefaultReturnCharLimit = 50000
	}
	if c.Tools.ShellTimeout == 0 {
		c.Tools.ShellTimeout = 2 * time.Minute
	}
	if c.Tools.FetchMaxBytes == 0 {
		c.Tools.FetchMaxBytes = 1 << 20
	}
	if c.Hooks.CommandTimeout == 0 {
		c.Hooks.CommandTimeout = 30 * time.Second
	}
	if c.Telemetry.Path == "" {
		c.Telemetry.Path = "strand-telemetry.db"
	}
	if c.Telemetry.Buffer == 0 {
		c.Telemetry.Buffer = 256
	}
	if c.Tracing.SamplingRate == 0 {
		c.Tracing.SamplingRate = 1
	}
}

// Validate rejects configurations the runtime cannot start with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver must be memory, sqlite, or postgres, got %q", c.Database.Driver)
	}
	if c.Database.Driver == "sqlite" && c.Database.Path == "" {
		return fmt.Errorf("database.path is required for the sqlite driver")
	}
	if c.Database.Driver == "postgres" && c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required for the postgres driver")
	}

	seen := map[string]bool{}
	for i, a := range c.Agents {
		if a.ID == "" {
			return fmt.Errorf("agents[%d]: id is required", i)
		}
		if seen[a.ID] {
			return fmt.Errorf("agents[%d]: duplicate id %q", i, a.ID)
		}
		seen[a.ID] = true
		if a.Model == "" {
			return fmt.Errorf("agent %s: model is required", a.ID)
		}
		if a.Provider == "" {
			return fmt.Errorf("agent %s: provider is required", a.ID)
		}
		if a.Kind != "" && !validAgentKind(a.Kind) {
			return fmt.Errorf("agent %s: unknown kind %q", a.ID, a.Kind)
		}
	}

	for i, s := range c.Sleeptime.Schedules {
		if s.AgentID == "" || s.Cron == "" {
			return fmt.Errorf("sleeptime.schedules[%d]: agent_id and cron are required", i)
		}
	}
	return nil
}

func validAgentKind(kind string) bool {
	switch models.AgentKind(kind) {
	case models.AgentCrowV1, models.AgentSleeptime, models.AgentVoiceConvo, models.AgentMultiAgentGroup:
		return true
	}
	return false
}

// AgentState converts a seeded agent config into the runtime model,
// resolving provider credentials from the LLM section.
func (a AgentConfig) AgentState(llm LLMConfig) *models.AgentState {
	kind := models.AgentKind(a.Kind)
	if kind == "" {
		kind = models.AgentCrowV1
	}
	provider := strings.ToLower(a.Provider)
	pc := llm.Providers[provider]

	endpoint := a.Endpoint
	if endpoint == "" {
		endpoint = pc.Endpoint
	}

	return &models.AgentState{
		ID:   a.ID,
		Name: a.Name,
		Kind: kind,
		LLM: models.LLMConfig{
			ProviderKind:    provider,
			Model:           a.Model,
			ContextWindow:   a.ContextWindow,
			MaxOutputTokens: a.MaxOutputTokens,
			Endpoint:        endpoint,
			APIKey:          pc.APIKey,
		},
		KVCacheFriendly: a.KVCacheFriendly,
		SystemPrompt:    a.SystemPrompt,
		ToolNames:       a.Tools,
		GroupID:         a.GroupID,
		GroupKind:       models.GroupKind(a.GroupKind),
	}
}
