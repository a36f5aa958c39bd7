package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/swarmgate/internal/archetypes"
	"github.com/nextlevelbuilder/swarmgate/internal/channels"
	"github.com/nextlevelbuilder/swarmgate/internal/channels/slack"
	"github.com/nextlevelbuilder/swarmgate/internal/channels/telegram"
	"github.com/nextlevelbuilder/swarmgate/internal/config"
	"github.com/nextlevelbuilder/swarmgate/internal/gateway"
	"github.com/nextlevelbuilder/swarmgate/internal/mcptools"
	"github.com/nextlevelbuilder/swarmgate/internal/providers"
	"github.com/nextlevelbuilder/swarmgate/internal/store"
	"github.com/nextlevelbuilder/swarmgate/internal/swarm"
	"github.com/nextlevelbuilder/swarmgate/internal/tracing"
	"github.com/nextlevelbuilder/swarmgate/internal/transport"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the swarm orchestrator",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	logger := setupLogging()

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing)
	if err != nil {
		logger.Warn("tracing disabled", "error", err)
		shutdownTracing = func(context.Context) error { return nil }
	}
	defer shutdownTracing(context.Background())

	dataDir := cfg.DataDir()
	st, err := store.New(dataDir, logger)
	if err != nil {
		logger.Error("opening data dir failed", "error", err)
		os.Exit(1)
	}
	arch, err := archetypes.NewLibrary(filepath.Join(dataDir, "archetypes"), logger)
	if err != nil {
		logger.Error("loading archetypes failed", "error", err)
		os.Exit(1)
	}
	defer arch.Close()
	if err := arch.Watch(); err != nil {
		logger.Warn("archetype hot reload unavailable", "error", err)
	}

	// The session retries streams itself, so the provider keeps a
	// single attempt to avoid retry-inside-retry.
	providerOpts := []providers.AnthropicOption{
		providers.WithAnthropicRetry(providers.RetryConfig{MaxAttempts: 1}),
	}
	if cfg.Providers.Anthropic.BaseURL != "" {
		providerOpts = append(providerOpts, providers.WithAnthropicBaseURL(cfg.Providers.Anthropic.BaseURL))
	}
	provider := providers.NewAnthropicProvider(cfg.Providers.Anthropic.APIKey, providerOpts...)

	var toolRunner transport.ToolRunner
	if len(cfg.MCPServers) > 0 {
		mcpMgr := mcptools.NewManager(cfg.MCPServers, logger)
		if err := mcpMgr.Start(ctx); err != nil {
			logger.Warn("some mcp servers failed to connect", "error", err)
		}
		defer mcpMgr.Stop()
		for _, status := range mcpMgr.Status() {
			logger.Info("mcp server ready", "server", status.Name, "transport", status.Transport, "tools", status.ToolCount)
		}
		toolRunner = mcpMgr
	}

	factory := func(d *store.AgentDescriptor, systemPrompt string) (transport.Session, error) {
		return transport.NewProviderSession(transport.SessionConfig{
			Provider:      provider,
			Model:         d.Model.ModelID,
			ContextWindow: contextWindowFor(cfg, d.Model.ModelID),
			SystemPrompt:  systemPrompt,
			LogPath:       st.SessionFilePath(d.AgentID),
			Tools:         toolRunner,
			Logger:        logger,
		})
	}

	emitter := swarm.NewEmitter(logger)
	defer emitter.Close()
	sw := swarm.New(cfg, st, arch, emitter, factory, logger)
	if err := sw.Boot(); err != nil {
		logger.Error("swarm boot failed", "error", err)
		os.Exit(1)
	}
	defer sw.Shutdown()

	gw := gateway.NewServer(cfg, sw, logger)
	mux := gw.BuildMux()

	chMgr := channels.NewManager(sw, logger)
	if cfg.Channels.Telegram.Enabled || cfg.Channels.Slack.Enabled {
		dedupe, err := channels.OpenDedupe(
			filepath.Join(dataDir, "integrations", "dedupe.db"), channels.DefaultDedupeTTL)
		if err != nil {
			logger.Error("opening dedupe store failed", "error", err)
			os.Exit(1)
		}
		defer dedupe.Close()

		if cfg.Channels.Telegram.Enabled {
			chMgr.Register(telegram.New(cfg.Channels.Telegram, sw, dedupe, logger))
		}
		if cfg.Channels.Slack.Enabled {
			sl := slack.New(cfg.Channels.Slack, sw, dedupe, logger)
			sl.RegisterRoutes(mux)
			chMgr.Register(sl)
		}
	}
	gw.SetStatusSource(chMgr)

	chMgr.StartAll(ctx)
	defer chMgr.StopAll(context.Background())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return gw.Start(gctx) })
	if err := g.Wait(); err != nil {
		logger.Error("gateway stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

// contextWindowFor looks up the configured context window for a model.
// Zero lets the session apply its default.
func contextWindowFor(cfg *config.Config, modelID string) int {
	for _, spec := range cfg.Swarm.ModelPresets {
		if spec.ModelID == modelID {
			return spec.ContextWindow
		}
	}
	return 0
}
