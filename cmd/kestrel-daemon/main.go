// Command kestrel-daemon runs the persona-rich conversational agent
// daemon: it loads configuration, opens the session and memory stores,
// starts every enabled channel adapter, and serves the HTTP control
// API until interrupted.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/kestrel-ai/kestrel/internal/agent"
	"github.com/kestrel-ai/kestrel/internal/channels"
	"github.com/kestrel-ai/kestrel/internal/channels/cli"
	"github.com/kestrel-ai/kestrel/internal/channels/discord"
	"github.com/kestrel-ai/kestrel/internal/channels/httpchan"
	"github.com/kestrel-ai/kestrel/internal/channels/slack"
	"github.com/kestrel-ai/kestrel/internal/channels/system"
	"github.com/kestrel-ai/kestrel/internal/channels/telegram"
	"github.com/kestrel-ai/kestrel/internal/config"
	"github.com/kestrel-ai/kestrel/internal/contextbuilder"
	"github.com/kestrel-ai/kestrel/internal/controlapi"
	"github.com/kestrel-ai/kestrel/internal/cost"
	"github.com/kestrel-ai/kestrel/internal/memory/consolidate"
	"github.com/kestrel-ai/kestrel/internal/memory/embeddings"
	"github.com/kestrel-ai/kestrel/internal/memory/structured"
	"github.com/kestrel-ai/kestrel/internal/memory/unstructured"
	"github.com/kestrel-ai/kestrel/internal/orchestrator"
	"github.com/kestrel-ai/kestrel/internal/providers"
	"github.com/kestrel-ai/kestrel/internal/security"
	"github.com/kestrel-ai/kestrel/internal/sessions"
	"github.com/kestrel-ai/kestrel/internal/statedir"
	"github.com/kestrel-ai/kestrel/internal/tools/exec"
	"github.com/kestrel-ai/kestrel/internal/tools/files"
	memtools "github.com/kestrel-ai/kestrel/internal/tools/memory"
	"github.com/kestrel-ai/kestrel/internal/tools/web"
	"github.com/kestrel-ai/kestrel/pkg/models"
)

var version = "dev"

func main() {
	root := buildRootCmd()
	if err := root.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "kestrel-daemon",
		Short:        "kestrel conversational agent daemon",
		Version:      version,
		SilenceUsage: true,
	}
	root.AddCommand(buildServeCmd(), buildConfigCheckCmd())
	return root
}

func buildConfigCheckCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "config-check",
		Short: "Load and validate the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config OK: state_dir=%s default_profile=%s\n", cfg.StateDir, cfg.LLM.DefaultProfile)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "kestrel.yaml", "path to YAML configuration file")
	return cmd
}

func buildServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the daemon: channel adapters, agentic loop, control API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return run(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "kestrel.yaml", "path to YAML configuration file")
	return cmd
}

func run(ctx context.Context, cfg config.Config) error {
	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	layout := statedir.New(cfg.StateDir)
	if err := layout.Ensure(); err != nil {
		return fmt.Errorf("ensure state dir: %w", err)
	}
	if err := statedir.WritePID(layout.PIDFilePath()); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}

	compactor := sessions.NewCompactor(sessions.DefaultCompactionConfig(defaultContextWindow(cfg)), nil)
	store, err := sessions.NewFileStore(layout.Root, compactor)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}

	ledger, err := cost.Open(layout.CostLedgerPath())
	if err != nil {
		return fmt.Errorf("open cost ledger: %w", err)
	}
	defer ledger.Close()

	var structuredStore *structured.Store
	var unstructuredStore *unstructured.Store
	if cfg.Memory.Enabled {
		structuredStore, err = structured.Open(ctx, layout.StructuredDBPath())
		if err != nil {
			return fmt.Errorf("open structured memory store: %w", err)
		}
		defer structuredStore.Close()

		embedder := embeddings.NewOpenAIProvider(cfg.Memory.EmbeddingAPIKey, embeddings.ModelFromName(cfg.Memory.EmbeddingModel), cfg.Memory.EmbeddingDim)
		unstructuredStore, err = unstructured.Open(ctx, layout.MemoryDBPath(), embedder)
		if err != nil {
			return fmt.Errorf("open unstructured memory store: %w", err)
		}
		defer unstructuredStore.Close()

		registerConsolidationHooks(store, structuredStore, logger)
	}

	registry := buildToolRegistry(cfg, layout, structuredStore, unstructuredStore)
	loopFor := buildLoopFor(cfg, registry)

	adapters := buildAdapters(cfg)
	router := channels.NewRouter(adapters...)

	ctxBuilder := contextbuilder.New(cfg.Orchestrator.SystemPrompt, structuredStore, unstructuredStore, 5)

	orch := orchestrator.New(orchestrator.Config{
		SilenceToken: cfg.Orchestrator.SilenceToken,
		SystemPrompt: cfg.Orchestrator.SystemPrompt,
	}, store, loopFor, ctxBuilder, router, nil, logger)
	defer orch.Shutdown()

	reg := prometheus.NewRegistry()
	apiServer := controlapi.New(controlapi.Config{
		ListenAddr:     cfg.ControlAPI.ListenAddr,
		BearerToken:    cfg.ControlAPI.BearerToken,
		RateLimitRPS:   cfg.ControlAPI.RateLimitRPS,
		RateLimitBurst: cfg.ControlAPI.RateLimitBurst,
		MaxBodyBytes:   cfg.ControlAPI.MaxBodyBytes,
		RequestTimeout: cfg.ControlAPI.RequestTimeout,
	}, store, orch, ledger, layout, logger, reg)

	errCh := make(chan error, 2)
	go func() { errCh <- channels.StartAll(ctx, orch, adapters...) }()
	go func() { errCh <- apiServer.ListenAndServe(ctx) }()

	go monitorLoop(ctx, layout)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error("subsystem failed", "error", err)
		}
	}
	return nil
}

func monitorLoop(ctx context.Context, layout statedir.Layout) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = layout.TouchMonitor()
		}
	}
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func defaultContextWindow(cfg config.Config) int {
	if p, ok := cfg.LLM.Profiles[cfg.LLM.DefaultProfile]; ok && p.ContextWindow > 0 {
		return p.ContextWindow
	}
	return 200000
}

func buildProviderForProfile(name string, p config.ProfileConfig) (providers.Provider, models.ProviderProfile, error) {
	profile := models.ProviderProfile{
		Name:              name,
		Provider:          p.Provider,
		Model:             p.Model,
		ContextWindow:     p.ContextWindow,
		MaxOutputTokens:   p.MaxOutputTokens,
		InputCostPerMTok:  p.InputCostPerMTok,
		OutputCostPerMTok: p.OutputCostPerMTok,
	}
	switch p.Provider {
	case "anthropic":
		return providers.NewAnthropicProvider(name, p.APIKey, p.BaseURL), profile, nil
	default:
		return nil, profile, fmt.Errorf("unsupported provider %q", p.Provider)
	}
}

// buildLoopFor builds one agent.Loop per configured provider profile
// and returns a closure that routes an inbound source to its loop via
// LLMConfig.ProfileFor/SourceRouting, falling back to DefaultProfile.
func buildLoopFor(cfg config.Config, registry *agent.Registry) func(models.Source) *agent.Loop {
	loopCfg := agent.DefaultLoopConfig()
	loops := make(map[string]*agent.Loop, len(cfg.LLM.Profiles))
	for name, p := range cfg.LLM.Profiles {
		provider, profile, err := buildProviderForProfile(name, p)
		if err != nil {
			slog.Error("skipping unusable provider profile", "profile", name, "error", err)
			continue
		}
		loops[name] = agent.New(provider, registry, profile, loopCfg)
	}
	return func(source models.Source) *agent.Loop {
		name := cfg.LLM.ProfileFor(string(source))
		if l, ok := loops[name]; ok {
			return l
		}
		return loops[cfg.LLM.DefaultProfile]
	}
}

// registerConsolidationHooks wires structured-memory consolidation to
// run synchronously before compaction discards transcript detail, and
// once more on session close. Each run reads only sessions whose ID
// sorts after the consolidation cursor; a failed run is logged and does
// not stop the compaction or close.
func registerConsolidationHooks(store sessions.Store, structuredStore *structured.Store, logger *slog.Logger) {
	extractor := &consolidate.HeuristicExtractor{}
	source := consolidate.NewAllSessionsSource(store)
	worker := consolidate.New(structuredStore, extractor, source)
	run := func(ctx context.Context, _ models.StateSnapshot) error {
		if err := worker.Run(ctx); err != nil {
			logger.Error("consolidation run failed", "error", err)
			return nil
		}
		return nil
	}
	store.AddPreCompactionHook(run)
	store.AddCloseHook(run)
}

func buildToolRegistry(cfg config.Config, layout statedir.Layout, structuredStore *structured.Store, unstructuredStore *unstructured.Store) *agent.Registry {
	reg := agent.NewRegistry()
	resolver := security.Resolver{Root: cfg.Tools.WorkspaceRoot}
	reg.Register(files.ReadTool{Resolver: resolver})
	reg.Register(files.WriteTool{Resolver: resolver})
	reg.Register(exec.Tool{Resolver: resolver, Timeout: exec.DefaultTimeout})
	reg.Register(web.NewTool())
	if structuredStore != nil {
		reg.Register(memtools.ResolveEntityTool{Store: structuredStore})
		reg.Register(memtools.LookupFactsTool{Store: structuredStore})
		reg.Register(memtools.SearchEpisodesTool{Store: structuredStore})
		reg.Register(memtools.OpenCommitmentsTool{Store: structuredStore})
	}
	if unstructuredStore != nil {
		reg.Register(memtools.RecallTool{Store: unstructuredStore, TopK: 5})
	}
	return reg
}

func buildAdapters(cfg config.Config) []channels.Adapter {
	var adapters []channels.Adapter
	adapters = append(adapters, httpchan.New(), system.New())
	if cfg.Channels.Telegram.Enabled {
		adapters = append(adapters, telegram.New(cfg.Channels.Telegram.Token))
	}
	if cfg.Channels.Discord.Enabled {
		adapters = append(adapters, discord.New(cfg.Channels.Discord.Token))
	}
	if cfg.Channels.Slack.Enabled {
		adapters = append(adapters, slack.New(cfg.Channels.Slack.BotToken, cfg.Channels.Slack.AppToken))
	}
	adapters = append(adapters, cli.New(os.Stdin, os.Stdout))
	return adapters
}
