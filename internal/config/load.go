package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:         "0.0.0.0",
			Port:         18890,
			RateLimitRPM: 60,
		},
		Swarm: SwarmConfig{
			DataDir:          "~/.swarmgate",
			PrimaryManagerID: "main",
			DefaultModel:     "sonnet-4.5",
		},
		Telemetry: TelemetryConfig{
			Protocol: "grpc",
		},
	}
}

// Load reads the config file (JSON5, comments and trailing commas allowed),
// overlays env vars, and expands ~ paths. A missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else if err := json5.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	cfg.Swarm.DataDir = expandHome(cfg.Swarm.DataDir)
	cfg.Swarm.DefaultCwd = expandHome(cfg.Swarm.DefaultCwd)
	if cfg.Swarm.DefaultCwd == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.Swarm.DefaultCwd = home
		}
	}
	return cfg, nil
}

// applyEnv overlays env vars. Secrets only live here.
func applyEnv(cfg *Config) {
	cfg.Providers.Anthropic.APIKey = os.Getenv("SWARMGATE_ANTHROPIC_API_KEY")
	if cfg.Providers.Anthropic.APIKey == "" {
		cfg.Providers.Anthropic.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	cfg.Providers.OpenAI.APIKey = os.Getenv("SWARMGATE_OPENAI_API_KEY")
	if cfg.Providers.OpenAI.APIKey == "" {
		cfg.Providers.OpenAI.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	cfg.Channels.Telegram.Token = os.Getenv("SWARMGATE_TELEGRAM_TOKEN")
	cfg.Channels.Slack.AppToken = os.Getenv("SWARMGATE_SLACK_APP_TOKEN")
	cfg.Channels.Slack.BotToken = os.Getenv("SWARMGATE_SLACK_BOT_TOKEN")

	if v := os.Getenv("SWARMGATE_HOST"); v != "" {
		cfg.Gateway.Host = v
	}
	if v := os.Getenv("SWARMGATE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Gateway.Port = port
		}
	}
	if v := os.Getenv("SWARMGATE_DATA_DIR"); v != "" {
		cfg.Swarm.DataDir = v
	}
	if v := os.Getenv("SWARMGATE_OTLP_ENDPOINT"); v != "" {
		cfg.Telemetry.Enabled = true
		cfg.Telemetry.Endpoint = v
	}
}

// ResolvePath picks the config file path: flag, env, then ./config.json5.
func ResolvePath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if v := os.Getenv("SWARMGATE_CONFIG"); v != "" {
		return v
	}
	return "config.json5"
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
