package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config is the process-wide configuration loaded from JSON5 + env.
type Config struct {
	Gateway   GatewayConfig   `json:"gateway"`
	Swarm     SwarmConfig     `json:"swarm"`
	Runtime   RuntimeConfig   `json:"runtime"`
	Providers ProvidersConfig `json:"providers"`
	Channels  ChannelsConfig  `json:"channels"`
	Tracing   TracingConfig   `json:"tracing"`

	MCPServers map[string]*MCPServerConfig `json:"mcp_servers,omitempty"`
}

// GatewayConfig configures the WebSocket subscription server.
type GatewayConfig struct {
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	Token          string   `json:"token,omitempty"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"`
	RateLimitRPM   int      `json:"rate_limit_rpm"` // 0 = disabled
}

// SwarmConfig configures the swarm manager and its persistence root.
type SwarmConfig struct {
	DataDir          string               `json:"data_dir"`
	PrimaryManagerID string               `json:"primary_manager_id"`
	DefaultPreset    string               `json:"default_preset"`
	ModelPresets     map[string]ModelSpec `json:"model_presets,omitempty"`
	WorkerCwd        string               `json:"worker_cwd,omitempty"` // default cwd for spawned workers
}

// ModelSpec maps an opaque preset name to a concrete provider model.
type ModelSpec struct {
	Provider      string `json:"provider"`
	ModelID       string `json:"model_id"`
	ThinkingLevel string `json:"thinking_level,omitempty"`
	ContextWindow int    `json:"context_window,omitempty"`
}

// RuntimeConfig carries the supervisor timeout/cooldown knobs in
// milliseconds, mirroring the overriding env variable names.
type RuntimeConfig struct {
	PromptDispatchTimeoutMs       int     `json:"prompt_dispatch_timeout_ms"`
	CompactionTimeoutMs           int     `json:"compaction_timeout_ms"`
	StreamingInactivityTimeoutMs  int     `json:"streaming_inactivity_timeout_ms"`
	HealthCheckIntervalMs         int     `json:"health_check_interval_ms"`
	ProactiveCompactionThreshold  float64 `json:"proactive_compaction_threshold"`
	ProactiveCompactionCooldownMs int     `json:"proactive_compaction_cooldown_ms"`
	OverflowRecoveryCooldownMs    int     `json:"overflow_recovery_cooldown_ms"`
	MaxPromptDispatchAttempts     int     `json:"max_prompt_dispatch_attempts"`
}

// ProvidersConfig configures LLM providers.
type ProvidersConfig struct {
	Anthropic AnthropicConfig `json:"anthropic"`
}

// AnthropicConfig holds credentials for the Anthropic API.
type AnthropicConfig struct {
	APIKey  string `json:"api_key,omitempty"`
	BaseURL string `json:"base_url,omitempty"`
}

// ChannelsConfig configures external chat integrations.
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	Slack    SlackConfig    `json:"slack"`
}

// TelegramConfig configures the Telegram bot integration.
type TelegramConfig struct {
	Enabled   bool     `json:"enabled"`
	Token     string   `json:"token,omitempty"`
	AllowFrom []string `json:"allow_from,omitempty"` // user ids or usernames; empty = allow all
	ProfileID string   `json:"profile_id,omitempty"`
}

// SlackConfig configures the Slack events integration.
type SlackConfig struct {
	Enabled       bool   `json:"enabled"`
	BotToken      string `json:"bot_token,omitempty"`
	SigningSecret string `json:"signing_secret,omitempty"`
	ProfileID     string `json:"profile_id,omitempty"`
}

// MCPServerConfig describes one MCP tool server whose tools are exposed
// to every agent session.
type MCPServerConfig struct {
	Transport  string            `json:"transport,omitempty"` // "stdio" (default), "sse", "streamable-http"
	Command    string            `json:"command,omitempty"`
	Args       []string          `json:"args,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	URL        string            `json:"url,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	Enabled    *bool             `json:"enabled,omitempty"` // nil means enabled
	ToolPrefix string            `json:"tool_prefix,omitempty"`
	TimeoutSec int               `json:"timeout_sec,omitempty"` // per tool call; default 60
}

// IsEnabled reports whether the server should be connected.
func (c *MCPServerConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// TracingConfig configures the optional OTLP trace exporter.
type TracingConfig struct {
	Enabled  bool   `json:"enabled"`
	Endpoint string `json:"endpoint,omitempty"` // host:port
	Protocol string `json:"protocol,omitempty"` // "http" (default) or "grpc"
	Insecure bool   `json:"insecure,omitempty"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:         "0.0.0.0",
			Port:         18891,
			RateLimitRPM: 20,
		},
		Swarm: SwarmConfig{
			DataDir:          "~/.swarmgate/data",
			PrimaryManagerID: "main",
			DefaultPreset:    "opus-4.6",
			ModelPresets: map[string]ModelSpec{
				"opus-4.6":  {Provider: "anthropic", ModelID: "claude-opus-4-6", ContextWindow: 200000},
				"codex-5.3": {Provider: "anthropic", ModelID: "claude-sonnet-4-5-20250929", ContextWindow: 200000},
			},
		},
		Runtime: RuntimeConfig{
			PromptDispatchTimeoutMs:       120_000,
			CompactionTimeoutMs:           120_000,
			StreamingInactivityTimeoutMs:  300_000,
			HealthCheckIntervalMs:         15_000,
			ProactiveCompactionThreshold:  0.85,
			ProactiveCompactionCooldownMs: 60_000,
			OverflowRecoveryCooldownMs:    60_000,
			MaxPromptDispatchAttempts:     2,
		},
	}
}

// RuntimeOptions is the resolved, typed view of RuntimeConfig handed to
// runtime constructors. Captured once at construction; never read from
// globals afterwards.
type RuntimeOptions struct {
	PromptDispatchTimeout        time.Duration
	CompactionTimeout            time.Duration
	StreamingInactivityTimeout   time.Duration
	HealthCheckInterval          time.Duration
	ProactiveCompactionThreshold float64
	ProactiveCompactionCooldown  time.Duration
	OverflowRecoveryCooldown     time.Duration
	MaxPromptDispatchAttempts    int
}

// RuntimeOptions converts the millisecond config into durations, applying
// defaults for unset or out-of-range values.
func (c *Config) RuntimeOptions() RuntimeOptions {
	r := c.Runtime
	d := Default().Runtime
	ms := func(v, def int) time.Duration {
		if v <= 0 {
			v = def
		}
		return time.Duration(v) * time.Millisecond
	}
	attempts := r.MaxPromptDispatchAttempts
	if attempts <= 0 {
		attempts = d.MaxPromptDispatchAttempts
	}
	threshold := r.ProactiveCompactionThreshold
	if threshold < 0 || threshold > 1 {
		threshold = d.ProactiveCompactionThreshold
	}
	return RuntimeOptions{
		PromptDispatchTimeout:        ms(r.PromptDispatchTimeoutMs, d.PromptDispatchTimeoutMs),
		CompactionTimeout:            ms(r.CompactionTimeoutMs, d.CompactionTimeoutMs),
		StreamingInactivityTimeout:   ms(r.StreamingInactivityTimeoutMs, d.StreamingInactivityTimeoutMs),
		HealthCheckInterval:          ms(r.HealthCheckIntervalMs, d.HealthCheckIntervalMs),
		ProactiveCompactionThreshold: threshold,
		ProactiveCompactionCooldown:  ms(r.ProactiveCompactionCooldownMs, d.ProactiveCompactionCooldownMs),
		OverflowRecoveryCooldown:     ms(r.OverflowRecoveryCooldownMs, d.OverflowRecoveryCooldownMs),
		MaxPromptDispatchAttempts:    attempts,
	}
}

// ResolvePreset validates a model preset name against the closed set and
// returns its spec. An empty name resolves to the default preset. The
// validator is total: every input yields either a spec or ok=false.
func (c *Config) ResolvePreset(name string) (ModelSpec, string, bool) {
	if name == "" {
		name = c.Swarm.DefaultPreset
	}
	spec, ok := c.Swarm.ModelPresets[name]
	return spec, name, ok
}

// PresetNames returns the allowed preset names, for error messages.
func (c *Config) PresetNames() []string {
	names := make([]string, 0, len(c.Swarm.ModelPresets))
	for name := range c.Swarm.ModelPresets {
		names = append(names, name)
	}
	return names
}

// DataDir returns the expanded absolute data directory.
func (c *Config) DataDir() string {
	dir := ExpandHome(c.Swarm.DataDir)
	if !filepath.IsAbs(dir) {
		if abs, err := filepath.Abs(dir); err == nil {
			dir = abs
		}
	}
	return dir
}

// ExpandHome expands a leading ~ to the user home directory.
func ExpandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(strings.TrimPrefix(p, "~"), "/"))
		}
	}
	return p
}
