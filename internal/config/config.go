// Package config loads the swarmgate configuration: a JSON5 file with env
// overrides. Secrets (API keys, bot tokens) are never read from the config
// file — env only.
package config

import (
	"sync"
)

// Config is the root configuration for the swarmgate orchestrator.
type Config struct {
	Gateway   GatewayConfig   `json:"gateway"`
	Swarm     SwarmConfig     `json:"swarm"`
	Providers ProvidersConfig `json:"providers"`
	Channels  ChannelsConfig  `json:"channels"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`

	mu sync.RWMutex
}

// GatewayConfig configures the WebSocket subscription server.
type GatewayConfig struct {
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"`

	// rate_limit_rpm > 0 enables per-connection command rate limiting;
	// 0 or negative disables it.
	RateLimitRPM int `json:"rate_limit_rpm"`
}

// SwarmConfig configures the agent orchestrator.
type SwarmConfig struct {
	DataDir          string `json:"data_dir"`
	PrimaryManagerID string `json:"primary_manager_id"`
	DefaultModel     string `json:"default_model"` // preset name
	DefaultCwd       string `json:"default_cwd"`
}

// ProvidersConfig configures LLM providers. API keys from env only.
type ProvidersConfig struct {
	Anthropic ProviderConfig `json:"anthropic,omitempty"`
	OpenAI    ProviderConfig `json:"openai,omitempty"`
}

// ProviderConfig is one provider's connection settings.
type ProviderConfig struct {
	APIKey  string `json:"-"` // env: SWARMGATE_ANTHROPIC_API_KEY / SWARMGATE_OPENAI_API_KEY
	BaseURL string `json:"base_url,omitempty"`
	Model   string `json:"model,omitempty"`
}

// ChannelsConfig configures external chat integrations.
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram,omitempty"`
	Slack    SlackConfig    `json:"slack,omitempty"`
}

// TelegramConfig configures the Telegram adapter. Token from env only.
type TelegramConfig struct {
	Enabled        bool     `json:"enabled"`
	Token          string   `json:"-"` // env: SWARMGATE_TELEGRAM_TOKEN
	AllowedUserIDs []string `json:"allowed_user_ids,omitempty"`
}

// SlackConfig configures the Slack adapter. Tokens from env only.
type SlackConfig struct {
	Enabled  bool   `json:"enabled"`
	AppToken string `json:"-"` // env: SWARMGATE_SLACK_APP_TOKEN (xapp-…)
	BotToken string `json:"-"` // env: SWARMGATE_SLACK_BOT_TOKEN (xoxb-…)
}

// AllowedOrigins returns the gateway origin whitelist, safe against a
// concurrent hot reload.
func (c *Config) AllowedOrigins() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Gateway.AllowedOrigins
}

// SetAllowedOrigins swaps the origin whitelist (hot reload).
func (c *Config) SetAllowedOrigins(origins []string) {
	c.mu.Lock()
	c.Gateway.AllowedOrigins = origins
	c.mu.Unlock()
}

// TelemetryConfig configures OpenTelemetry trace export.
type TelemetryConfig struct {
	Enabled  bool   `json:"enabled"`
	Endpoint string `json:"endpoint,omitempty"` // OTLP endpoint, host:port
	Protocol string `json:"protocol,omitempty"` // "grpc" (default) or "http"
	Insecure bool   `json:"insecure,omitempty"`
}
