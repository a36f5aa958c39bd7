package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file is not an error: defaults + env apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays SWARMGATE_* environment variables. Env vars
// take precedence over file values (highest precedence, matching the
// secrets flow: file → env).
func (c *Config) applyEnvOverrides() {
	setStr := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(dst *int, key string) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setBool := func(dst *bool, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "1" || strings.EqualFold(v, "true")
		}
	}
	setFloat := func(dst *float64, key string) {
		if v := os.Getenv(key); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = f
			}
		}
	}

	setStr(&c.Gateway.Host, "SWARMGATE_HOST")
	setInt(&c.Gateway.Port, "SWARMGATE_PORT")
	setStr(&c.Gateway.Token, "SWARMGATE_TOKEN")
	setInt(&c.Gateway.RateLimitRPM, "SWARMGATE_RATE_LIMIT_RPM")

	setStr(&c.Swarm.DataDir, "SWARMGATE_DATA_DIR")
	setStr(&c.Swarm.PrimaryManagerID, "SWARMGATE_PRIMARY_MANAGER_ID")
	setStr(&c.Swarm.WorkerCwd, "SWARMGATE_WORKER_CWD")

	setInt(&c.Runtime.PromptDispatchTimeoutMs, "SWARMGATE_PROMPT_DISPATCH_TIMEOUT_MS")
	setInt(&c.Runtime.CompactionTimeoutMs, "SWARMGATE_COMPACTION_TIMEOUT_MS")
	setInt(&c.Runtime.StreamingInactivityTimeoutMs, "SWARMGATE_STREAMING_INACTIVITY_TIMEOUT_MS")
	setInt(&c.Runtime.HealthCheckIntervalMs, "SWARMGATE_HEALTH_CHECK_INTERVAL_MS")
	setFloat(&c.Runtime.ProactiveCompactionThreshold, "SWARMGATE_PROACTIVE_COMPACTION_THRESHOLD")
	setInt(&c.Runtime.ProactiveCompactionCooldownMs, "SWARMGATE_PROACTIVE_COMPACTION_COOLDOWN_MS")
	setInt(&c.Runtime.OverflowRecoveryCooldownMs, "SWARMGATE_OVERFLOW_RECOVERY_COOLDOWN_MS")

	setStr(&c.Providers.Anthropic.APIKey, "ANTHROPIC_API_KEY")
	setStr(&c.Providers.Anthropic.BaseURL, "ANTHROPIC_BASE_URL")

	setBool(&c.Channels.Telegram.Enabled, "SWARMGATE_TELEGRAM_ENABLED")
	setStr(&c.Channels.Telegram.Token, "TELEGRAM_BOT_TOKEN")
	setBool(&c.Channels.Slack.Enabled, "SWARMGATE_SLACK_ENABLED")
	setStr(&c.Channels.Slack.BotToken, "SLACK_BOT_TOKEN")
	setStr(&c.Channels.Slack.SigningSecret, "SLACK_SIGNING_SECRET")

	setBool(&c.Tracing.Enabled, "SWARMGATE_TRACING_ENABLED")
	setStr(&c.Tracing.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setStr(&c.Tracing.Protocol, "SWARMGATE_TRACING_PROTOCOL")
}
