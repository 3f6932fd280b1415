package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/backlinehq/backline/internal/agent"
	"github.com/backlinehq/backline/internal/bus"
	"github.com/backlinehq/backline/internal/channels"
	"github.com/backlinehq/backline/internal/channels/discord"
	"github.com/backlinehq/backline/internal/channels/email"
	"github.com/backlinehq/backline/internal/channels/inapp"
	"github.com/backlinehq/backline/internal/channels/lark"
	"github.com/backlinehq/backline/internal/channels/sms"
	"github.com/backlinehq/backline/internal/channels/telegram"
	"github.com/backlinehq/backline/internal/classify"
	"github.com/backlinehq/backline/internal/config"
	"github.com/backlinehq/backline/internal/identity"
	"github.com/backlinehq/backline/internal/modules"
	"github.com/backlinehq/backline/internal/modules/faq"
	"github.com/backlinehq/backline/internal/modules/schedule"
	"github.com/backlinehq/backline/internal/orchestrator"
	"github.com/backlinehq/backline/internal/providers"
	"github.com/backlinehq/backline/internal/server"
	"github.com/backlinehq/backline/internal/store"
	"github.com/backlinehq/backline/internal/store/pg"
	"github.com/backlinehq/backline/internal/store/sqlite"
	"github.com/backlinehq/backline/internal/telemetry"
	"github.com/backlinehq/backline/internal/tools"
	"github.com/backlinehq/backline/internal/worker"
	"github.com/backlinehq/backline/pkg/protocol"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the pipeline: channels, worker, review surface",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	setupLogging()

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		slog.Error("telemetry init failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			slog.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	stores, err := openStores(cfg)
	if err != nil {
		slog.Error("failed to open stores", "error", err)
		os.Exit(1)
	}
	defer stores.Close()

	// --- identity ---
	resolver := identity.New(stores.Identity, identity.Config{
		RosterPath: config.ExpandHome(cfg.Identity.RosterPath),
		TTL:        config.ParseDuration(cfg.Identity.CacheTTL, 5*time.Minute),
	})
	go resolver.Watch(ctx)

	// --- event stream ---
	// Every audit append is mirrored onto the bus, which feeds the review
	// surface's websocket stream.
	eventBus := bus.New()
	auditTee := bus.NewTee(stores.Audit, eventBus)

	// --- LLM providers ---
	providerReg, err := providers.New(cfg.Providers)
	if err != nil {
		slog.Error("provider setup failed", "error", err)
		os.Exit(1)
	}
	classifier := classify.New(providerReg.Default(), cfg.Providers.Classify.Model,
		config.ParseDuration(cfg.Providers.Classify.Timeout, 0))

	// --- modules ---
	moduleReg := modules.NewRegistry()
	for _, m := range []modules.Module{faq.New(stores.Records), schedule.New(stores.Records)} {
		if err := moduleReg.Register(m); err != nil {
			slog.Error("module registration failed", "error", err)
			os.Exit(1)
		}
	}

	// --- tools + agent loop ---
	channelMgr := channels.NewManager()
	policy := tools.NewPolicy(cfg.Tools.ReadKinds, cfg.Tools.WriteKinds,
		cfg.Tools.MaxResults, cfg.Tools.MaxResultBytes)
	toolReg := tools.DefaultRegistry(stores.Records, channelMgr)
	executor := tools.NewExecutor(toolReg, auditTee, policy)

	agentProvider, err := providerReg.Get(cfg.Agent.Provider)
	if err != nil {
		slog.Error("agent provider not configured", "error", err)
		os.Exit(1)
	}
	loop := agent.NewLoop(agent.LoopConfig{
		Provider:  agentProvider,
		Model:     cfg.Agent.Model,
		Registry:  toolReg,
		Executor:  executor,
		Chat:      stores.Chat,
		Tenant:    cfg.Pipeline.Tenant,
		MaxSteps:  cfg.Agent.MaxSteps,
		Budget:    config.ParseDuration(cfg.Agent.TimeBudget, 0),
		MaxTokens: cfg.Agent.MaxTokens,
	})

	// --- orchestrator + worker ---
	orch := orchestrator.New(orchestrator.Config{
		Queue:        stores.Queue,
		Audit:        auditTee,
		Records:      stores.Records,
		Registry:     moduleReg,
		Classifier:   classifier,
		Agent:        loop,
		Sender:       channelMgr,
		Tenant:       cfg.Pipeline.Tenant,
		AutoApprove:  cfg.Pipeline.AutoApproveConfidence,
		ManualReview: cfg.Pipeline.ManualReviewConfidence,
		Quarantine:   cfg.Pipeline.QuarantineConfidence,
		StepTimeout:  config.ParseDuration(cfg.Pipeline.StepTimeout, 0),
		TotalTimeout: config.ParseDuration(cfg.Pipeline.TotalTimeout, 0),
	})

	wrk, err := worker.New(worker.Config{
		Queue:          stores.Queue,
		Processor:      orch,
		Schedule:       cfg.Worker.Schedule,
		BatchSize:      cfg.Worker.BatchSize,
		MaxConcurrency: cfg.Worker.MaxConcurrency,
		StaleAfter:     config.ParseDuration(cfg.Worker.StaleClaimAfter, 5*time.Minute),
	})
	if err != nil {
		slog.Error("worker setup failed", "error", err)
		os.Exit(1)
	}

	// --- channels ---
	sink := channels.NewIntake(stores.Queue, resolver, wrk)
	inappAdapter := registerChannels(cfg, channelMgr, sink)

	srv := server.New(server.Config{
		Server:    cfg.Server,
		Tailscale: cfg.Tailscale,
		Channels:  channelMgr,
		Queue:     stores.Queue,
		Audit:     stores.Audit,
		Resumer:   orch,
		Worker:    wrk,
		Events:    eventBus,
		InApp:     inappAdapter,
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("shutting down...")
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		channelMgr.StopAll(stopCtx)
		cancel()
	}()

	channelMgr.StartAll(ctx)
	go wrk.Run(ctx)

	mode := "standalone"
	if cfg.IsManagedMode() {
		mode = "managed"
	}
	slog.Info("backline starting",
		"version", Version,
		"protocol", protocol.Version,
		"mode", mode,
		"tenant", cfg.Pipeline.Tenant,
		"channels", channelMgr.Names(),
		"providers", providerReg.Names(),
	)

	// Tailscale listener: build the mux first, then pass it to initTailscale
	// so the same routes are served on both the main listener and the tailnet.
	// Compiled via build tags: `go build -tags tsnet` to enable.
	mux := srv.BuildMux()
	tsCleanup := initTailscale(ctx, cfg, mux)
	if tsCleanup != nil {
		defer tsCleanup()
	}

	if err := srv.Start(ctx); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

// setupLogging installs the process-wide slog handler. --verbose flips the
// level to Debug.
func setupLogging() {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// openStores selects the backend from config: managed mode runs on Postgres,
// standalone on a local SQLite file.
func openStores(cfg *config.Config) (*store.Stores, error) {
	sc := store.Config{
		Mode:        cfg.Database.Mode,
		PostgresDSN: cfg.Database.PostgresDSN,
		SQLitePath:  config.ExpandHome(cfg.Database.SQLitePath),
		Queue:       queueConfig(cfg),
		Chat:        chatConfig(cfg),
	}
	if cfg.IsManagedMode() {
		return pg.NewStores(sc)
	}
	return sqlite.NewStores(sc)
}

func queueConfig(cfg *config.Config) store.QueueConfig {
	qc := store.DefaultQueueConfig()
	if cfg.Pipeline.MaxRetries > 0 {
		qc.MaxRetries = cfg.Pipeline.MaxRetries
	}
	if sched := cfg.Pipeline.RetrySchedule(); len(sched) > 0 {
		qc.RetrySchedule = sched
	}
	return qc
}

func chatConfig(cfg *config.Config) store.ChatConfig {
	cc := store.DefaultChatConfig()
	if cfg.Chat.MaxTurns > 0 {
		cc.MaxTurns = cfg.Chat.MaxTurns
	}
	cc.TTL = config.ParseDuration(cfg.Chat.TTL, cc.TTL)
	return cc
}

// registerChannels instantiates every enabled adapter. The in-app adapter is
// returned separately because the server mounts its routes directly.
func registerChannels(cfg *config.Config, mgr *channels.Manager, sink channels.Sink) *inapp.Adapter {
	if cfg.Channels.Telegram.Enabled {
		mgr.Register(telegram.New(cfg.Channels.Telegram, sink))
	}
	if cfg.Channels.Discord.Enabled {
		mgr.Register(discord.New(cfg.Channels.Discord, sink))
	}
	if cfg.Channels.Email.Enabled {
		mgr.Register(email.New(cfg.Channels.Email, sink))
	}
	if cfg.Channels.SMS.Enabled {
		mgr.Register(sms.New(cfg.Channels.SMS, sink))
	}
	if cfg.Channels.Lark.Enabled {
		mgr.Register(lark.New(cfg.Channels.Lark, sink))
	}

	var inappAdapter *inapp.Adapter
	if cfg.Channels.InApp.Enabled {
		inappAdapter = inapp.New(cfg.Channels.InApp, sink)
		mgr.Register(inappAdapter)
	}
	return inappAdapter
}
