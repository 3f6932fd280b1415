package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/backlinehq/backline/internal/agent"
	"github.com/backlinehq/backline/internal/channels"
	"github.com/backlinehq/backline/internal/classify"
	"github.com/backlinehq/backline/internal/config"
	"github.com/backlinehq/backline/internal/intake"
	"github.com/backlinehq/backline/internal/modules"
	"github.com/backlinehq/backline/internal/modules/faq"
	"github.com/backlinehq/backline/internal/modules/schedule"
	"github.com/backlinehq/backline/internal/orchestrator"
	"github.com/backlinehq/backline/internal/pipeline"
	"github.com/backlinehq/backline/internal/providers"
	"github.com/backlinehq/backline/internal/tools"
	"github.com/backlinehq/backline/internal/worker"
)

func workerCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run one worker tick and exit",
		Long: "Claims due queue items, drives each through the pipeline once, and prints " +
			"the tick summary. For cron-driven deployments where the serve process does " +
			"not run the worker, and for draining a queue by hand.",
		Run: func(cmd *cobra.Command, args []string) {
			runWorkerTick(timeout)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "wall clock budget for the tick")
	return cmd
}

func runWorkerTick(timeout time.Duration) {
	setupLogging()

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	stores, err := openStores(cfg)
	if err != nil {
		slog.Error("failed to open stores", "error", err)
		os.Exit(1)
	}
	defer stores.Close()

	providerReg, err := providers.New(cfg.Providers)
	if err != nil {
		slog.Error("provider setup failed", "error", err)
		os.Exit(1)
	}
	classifier := classify.New(providerReg.Default(), cfg.Providers.Classify.Model,
		config.ParseDuration(cfg.Providers.Classify.Timeout, 0))

	moduleReg := modules.NewRegistry()
	for _, m := range []modules.Module{faq.New(stores.Records), schedule.New(stores.Records)} {
		if err := moduleReg.Register(m); err != nil {
			slog.Error("module registration failed", "error", err)
			os.Exit(1)
		}
	}

	// Adapters are registered so replies go out, but listeners never start:
	// a delivery needing a live connection fails and is recorded on the item.
	channelMgr := channels.NewManager()
	registerChannels(cfg, channelMgr, noopSink{})

	policy := tools.NewPolicy(cfg.Tools.ReadKinds, cfg.Tools.WriteKinds,
		cfg.Tools.MaxResults, cfg.Tools.MaxResultBytes)
	toolReg := tools.DefaultRegistry(stores.Records, channelMgr)
	executor := tools.NewExecutor(toolReg, stores.Audit, policy)

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

	orch := orchestrator.New(orchestrator.Config{
		Queue:        stores.Queue,
		Audit:        stores.Audit,
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

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	sum := wrk.Tick(ctx)
	fmt.Printf("released:     %d\n", sum.Released)
	fmt.Printf("claimed:      %d\n", sum.Claimed)
	fmt.Printf("completed:    %d\n", sum.Completed)
	fmt.Printf("parked:       %d\n", sum.Parked)
	fmt.Printf("retrying:     %d\n", sum.Retrying)
	fmt.Printf("dead-letter:  %d\n", sum.DeadLettered)
	fmt.Printf("errors:       %d\n", sum.Errors)
	if sum.Errors > 0 {
		os.Exit(1)
	}
}

// noopSink satisfies channels.Sink for send-only adapter construction; the
// one-shot worker never receives.
type noopSink struct{}

func (noopSink) Submit(ctx context.Context, msg *intake.Message) (*pipeline.Item, error) {
	return nil, errors.New("intake disabled in one-shot worker")
}
