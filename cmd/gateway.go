package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/swarmgate/internal/bus"
	"github.com/nextlevelbuilder/swarmgate/internal/channels"
	slackchannel "github.com/nextlevelbuilder/swarmgate/internal/channels/slack"
	"github.com/nextlevelbuilder/swarmgate/internal/channels/telegram"
	"github.com/nextlevelbuilder/swarmgate/internal/config"
	"github.com/nextlevelbuilder/swarmgate/internal/directories"
	"github.com/nextlevelbuilder/swarmgate/internal/gateway"
	"github.com/nextlevelbuilder/swarmgate/internal/providers"
	"github.com/nextlevelbuilder/swarmgate/internal/runtime"
	"github.com/nextlevelbuilder/swarmgate/internal/store"
	"github.com/nextlevelbuilder/swarmgate/internal/swarm"
	"github.com/nextlevelbuilder/swarmgate/internal/telemetry"
	"github.com/nextlevelbuilder/swarmgate/internal/transport"
)

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run the orchestrator gateway",
		Run: func(cmd *cobra.Command, args []string) {
			runGateway()
		},
	}
}

func runGateway() {
	setupLogging()

	cfgPath := config.ResolvePath(cfgFile)
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry, Version)
	if err != nil {
		slog.Error("telemetry setup failed", "error", err)
		os.Exit(1)
	}
	defer shutdownTelemetry(context.Background())

	broadcaster := bus.NewBroadcaster()
	agentStore := store.NewAgentStore(cfg.Swarm.DataDir, cfg.Swarm.PrimaryManagerID)

	providerRegistry, err := buildProviders(cfg)
	if err != nil {
		slog.Error("provider setup failed", "error", err)
		os.Exit(1)
	}

	sw := swarm.New(swarm.Config{
		PrimaryManagerID:   cfg.Swarm.PrimaryManagerID,
		DefaultModelPreset: cfg.Swarm.DefaultModel,
		DefaultCwd:         cfg.Swarm.DefaultCwd,
		RuntimeOptions:     runtime.OptionsFromEnv(os.Getenv),
	}, agentStore, broadcaster, providerTransportFactory(agentStore, providerRegistry))

	if err := sw.Boot(); err != nil {
		slog.Error("swarm boot failed", "error", err)
		os.Exit(1)
	}

	channelMgr := channels.NewManager(broadcaster)
	if cfg.Channels.Telegram.Enabled {
		if ch, err := telegram.New(cfg.Channels.Telegram, sw); err != nil {
			slog.Error("telegram channel init failed", "error", err)
		} else {
			channelMgr.Register(ch)
		}
	}
	if cfg.Channels.Slack.Enabled {
		if ch, err := slackchannel.New(cfg.Channels.Slack, sw); err != nil {
			slog.Error("slack channel init failed", "error", err)
		} else {
			channelMgr.Register(ch)
		}
	}
	channelMgr.Start(ctx)
	defer channelMgr.Stop(context.Background())

	go func() {
		if err := config.Watch(ctx, cfgPath, func(fresh *config.Config) {
			// Only hot-reloadable gateway settings are consumed here.
			cfg.SetAllowedOrigins(fresh.Gateway.AllowedOrigins)
		}); err != nil {
			slog.Debug("config watch unavailable", "error", err)
		}
	}()

	server := gateway.NewServer(cfg, broadcaster, sw, directories.NewService())
	if err := server.Start(ctx); err != nil {
		slog.Error("gateway stopped", "error", err)
		os.Exit(1)
	}
}

// buildProviders constructs the configured LLM providers.
func buildProviders(cfg *config.Config) (map[string]providers.Provider, error) {
	registry := make(map[string]providers.Provider)

	if key := cfg.Providers.Anthropic.APIKey; key != "" {
		var opts []providers.AnthropicOption
		if cfg.Providers.Anthropic.BaseURL != "" {
			opts = append(opts, providers.WithAnthropicBaseURL(cfg.Providers.Anthropic.BaseURL))
		}
		if cfg.Providers.Anthropic.Model != "" {
			opts = append(opts, providers.WithAnthropicModel(cfg.Providers.Anthropic.Model))
		}
		registry["anthropic"] = providers.NewAnthropicProvider(key, opts...)
	}
	if key := cfg.Providers.OpenAI.APIKey; key != "" {
		var opts []providers.OpenAIOption
		if cfg.Providers.OpenAI.BaseURL != "" {
			opts = append(opts, providers.WithOpenAIBaseURL(cfg.Providers.OpenAI.BaseURL))
		}
		if cfg.Providers.OpenAI.Model != "" {
			opts = append(opts, providers.WithOpenAIModel(cfg.Providers.OpenAI.Model))
		}
		registry["openai"] = providers.NewOpenAIProvider(key, opts...)
	}

	if len(registry) == 0 {
		return nil, fmt.Errorf("no provider configured: set SWARMGATE_ANTHROPIC_API_KEY or SWARMGATE_OPENAI_API_KEY")
	}
	return registry, nil
}

// providerTransportFactory builds sessions backed by the configured
// providers, logging to the agent's JSONL transcript.
func providerTransportFactory(agentStore *store.AgentStore, registry map[string]providers.Provider) swarm.TransportFactory {
	return func(desc *store.AgentDescriptor, systemPrompt string, tools transport.ToolRunner, toolDefs []providers.ToolDefinition) (transport.SessionTransport, error) {
		provider, ok := registry[desc.Model.Provider]
		if !ok {
			return nil, fmt.Errorf("provider %q is not configured", desc.Model.Provider)
		}
		return transport.NewProviderSession(transport.SessionOptions{
			AgentID:       desc.AgentID,
			Provider:      provider,
			Model:         desc.Model.ModelID,
			ThinkingLevel: desc.Model.ThinkingLevel,
			SystemPrompt:  systemPrompt,
			SessionFile:   agentStore.SessionFilePath(desc.AgentID),
			Tools:         tools,
			ToolDefs:      toolDefs,
		})
	}
}
