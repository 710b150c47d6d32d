// Package config loads kestrel's single YAML configuration document:
// provider profiles and routing, channel credentials, memory and tool
// settings, and control-API thresholds.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration document.
type Config struct {
	StateDir  string          `yaml:"state_dir"`
	Logging   LoggingConfig   `yaml:"logging"`
	LLM       LLMConfig       `yaml:"llm"`
	Channels  ChannelsConfig  `yaml:"channels"`
	Memory    MemoryConfig    `yaml:"memory"`
	Tools     ToolsConfig     `yaml:"tools"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	ControlAPI ControlAPIConfig `yaml:"control_api"`
}

// LoggingConfig controls the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"` // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// LLMConfig names provider profiles and routes sources to them.
type LLMConfig struct {
	DefaultProfile string                   `yaml:"default_profile"`
	Profiles       map[string]ProfileConfig `yaml:"profiles"`
	FallbackChain  []string                 `yaml:"fallback_chain"`

	// SourceRouting maps an inbound models.Source (e.g. "telegram",
	// "slack") to the profile name that should handle it, letting an
	// operator put a cheaper/faster profile behind a high-volume channel
	// without touching code. A source absent from this map, or mapped to
	// an unknown profile, falls back to DefaultProfile.
	SourceRouting map[string]string `yaml:"source_routing"`
}

// ProfileFor resolves the profile name for an inbound source, honoring
// SourceRouting before falling back to DefaultProfile.
func (c LLMConfig) ProfileFor(source string) string {
	if name, ok := c.SourceRouting[source]; ok {
		if _, exists := c.Profiles[name]; exists {
			return name
		}
	}
	return c.DefaultProfile
}

// ProfileConfig is one addressable provider profile.
type ProfileConfig struct {
	Provider          string  `yaml:"provider"` // "anthropic"
	APIKey            string  `yaml:"api_key"`
	BaseURL           string  `yaml:"base_url"`
	Model             string  `yaml:"model"`
	ContextWindow     int     `yaml:"context_window"`
	MaxOutputTokens   int     `yaml:"max_output_tokens"`
	InputCostPerMTok  float64 `yaml:"input_cost_per_mtok"`
	OutputCostPerMTok float64 `yaml:"output_cost_per_mtok"`
}

// ChannelsConfig configures each delivering channel.
type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Discord  DiscordConfig  `yaml:"discord"`
	Slack    SlackConfig    `yaml:"slack"`
}

type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
}

type DiscordConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
}

type SlackConfig struct {
	Enabled   bool   `yaml:"enabled"`
	BotToken  string `yaml:"bot_token"`
	AppToken  string `yaml:"app_token"`
}

// MemoryConfig configures the memory subsystem.
type MemoryConfig struct {
	Enabled       bool   `yaml:"enabled"`
	DBPath        string `yaml:"db_path"`
	EmbeddingDim  int    `yaml:"embedding_dimension"`
	EmbeddingAPIKey string `yaml:"embedding_api_key"`
	EmbeddingModel  string `yaml:"embedding_model"`
}

// ToolsConfig lists which tool names are enabled and whether dangerous
// tools are allowed without explicit per-call approval.
type ToolsConfig struct {
	Enabled        []string `yaml:"enabled"`
	AllowDangerous bool     `yaml:"allow_dangerous"`
	WorkspaceRoot  string   `yaml:"workspace_root"`
}

// OrchestratorConfig tunes the message pipeline.
type OrchestratorConfig struct {
	SilenceToken string        `yaml:"silence_token"`
	DebounceMs   int           `yaml:"debounce_ms"`
	SystemPrompt string        `yaml:"system_prompt"`
}

// ControlAPIConfig configures the HTTP control surface.
type ControlAPIConfig struct {
	ListenAddr      string        `yaml:"listen_addr"`
	BearerToken     string        `yaml:"bearer_token"`
	RateLimitRPS    float64       `yaml:"rate_limit_rps"`
	RateLimitBurst  int           `yaml:"rate_limit_burst"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
}

// Default returns a Config with conservative, safe-by-default values;
// Load overlays the YAML document on top of it.
func Default() Config {
	return Config{
		StateDir: "/var/lib/kestrel",
		Logging:  LoggingConfig{Level: "info", Format: "text"},
		Tools:    ToolsConfig{AllowDangerous: false, WorkspaceRoot: "/var/lib/kestrel/workspace"},
		Orchestrator: OrchestratorConfig{
			SilenceToken: "<no-reply>",
			DebounceMs:   1500,
		},
		ControlAPI: ControlAPIConfig{
			ListenAddr:     "127.0.0.1:8077",
			RateLimitRPS:   5,
			RateLimitBurst: 10,
			MaxBodyBytes:   1 << 20,
			RequestTimeout: 60 * time.Second,
		},
	}
}

// Load reads and decodes a YAML config file at path, overlaying it on
// Default(). No code is ever executed from the config document — it is
// plain declarative YAML, consistent with the rest of this daemon's
// "no dynamic plugin host" design.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}
