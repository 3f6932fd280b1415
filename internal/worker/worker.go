// Package worker runs the scheduled processing loop: release stale claims,
// claim a batch of eligible items, and drive each through the pipeline with
// bounded concurrency. Claims are atomic in the store, so overlapping ticks
// and multiple worker processes are safe.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"golang.org/x/sync/errgroup"

	"github.com/backlinehq/backline/internal/pipeline"
	"github.com/backlinehq/backline/internal/store"
)

const (
	defaultSchedule       = "* * * * *"
	defaultBatchSize      = 10
	defaultMaxConcurrency = 3
	defaultStaleAfter     = 5 * time.Minute
)

// Processor drives one claimed item through the pipeline.
// *orchestrator.Orchestrator satisfies this.
type Processor interface {
	Process(ctx context.Context, item *pipeline.Item) (*pipeline.Item, error)
}

// Config wires the worker. Queue and Processor are required; the rest
// defaults.
type Config struct {
	Queue     store.QueueStore
	Processor Processor

	Schedule       string // cron expression, minute granularity
	BatchSize      int
	MaxConcurrency int
	StaleAfter     time.Duration
}

// Worker claims and processes queue items on a cron schedule.
type Worker struct {
	queue     store.QueueStore
	processor Processor

	schedule       string
	batchSize      int
	maxConcurrency int
	staleAfter     time.Duration

	kick chan struct{}

	lastMu sync.RWMutex
	last   TickSummary
	lastAt time.Time
}

// New builds a Worker, validating the cron schedule up front.
func New(cfg Config) (*Worker, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = defaultSchedule
	}
	if !gronx.New().IsValid(cfg.Schedule) {
		return nil, fmt.Errorf("worker: invalid cron schedule %q", cfg.Schedule)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = defaultMaxConcurrency
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = defaultStaleAfter
	}
	return &Worker{
		queue:          cfg.Queue,
		processor:      cfg.Processor,
		schedule:       cfg.Schedule,
		batchSize:      cfg.BatchSize,
		maxConcurrency: cfg.MaxConcurrency,
		staleAfter:     cfg.StaleAfter,
		kick:           make(chan struct{}, 1),
	}, nil
}

// TickSummary counts what one tick did, by outcome.
type TickSummary struct {
	Released     int // stale claims returned to the pool
	Claimed      int
	Completed    int // reached AUDITED or REJECTED
	Parked       int // awaiting review at PROPOSED
	Retrying     int // failed with retry budget left
	DeadLettered int
	Errors       int // infrastructure trouble, not item outcomes
}

// Run ticks on the cron schedule until ctx is canceled. Kick skips the
// wait for the next slot.
func (w *Worker) Run(ctx context.Context) error {
	slog.Info("worker started",
		"schedule", w.schedule,
		"batch_size", w.batchSize,
		"max_concurrency", w.maxConcurrency,
	)
	for {
		next, err := gronx.NextTick(w.schedule, false)
		if err != nil {
			return fmt.Errorf("worker: next tick for %q: %w", w.schedule, err)
		}
		timer := time.NewTimer(time.Until(next))

		select {
		case <-ctx.Done():
			timer.Stop()
			slog.Info("worker stopped")
			return nil
		case <-timer.C:
		case <-w.kick:
			timer.Stop()
		}

		w.Tick(ctx)

		if ctx.Err() != nil {
			slog.Info("worker stopped")
			return nil
		}
	}
}

// Kick requests an immediate tick. Non-blocking; a pending kick coalesces
// with later ones.
func (w *Worker) Kick() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

// LastSummary returns the most recent tick's summary and when it finished.
// The zero time means no tick has run yet.
func (w *Worker) LastSummary() (TickSummary, time.Time) {
	w.lastMu.RLock()
	defer w.lastMu.RUnlock()
	return w.last, w.lastAt
}

// Tick runs one full pass: stale release, claim, process. Item failures
// are absorbed into the summary; the worker itself never stops over a bad
// item.
func (w *Worker) Tick(ctx context.Context) TickSummary {
	var sum TickSummary
	defer func() {
		w.lastMu.Lock()
		w.last = sum
		w.lastAt = time.Now().UTC()
		w.lastMu.Unlock()
	}()

	released, err := w.queue.ReleaseStale(ctx, w.staleAfter)
	if err != nil {
		slog.Error("stale claim release failed", "error", err)
		sum.Errors++
	} else if released > 0 {
		slog.Warn("released stale claims", "count", released, "older_than", w.staleAfter)
		sum.Released = released
	}

	items, err := w.queue.ClaimBatch(ctx, w.batchSize)
	if err != nil {
		slog.Error("claim batch failed", "error", err)
		sum.Errors++
		return sum
	}
	sum.Claimed = len(items)
	if len(items) == 0 {
		return sum
	}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(w.maxConcurrency)
	for _, item := range items {
		g.Go(func() error {
			got, err := w.processor.Process(ctx, item)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				slog.Error("processing pass not recorded", "item", item.ID, "error", err)
				sum.Errors++
				return nil
			}
			switch got.State {
			case pipeline.StateAudited, pipeline.StateRejected:
				sum.Completed++
			case pipeline.StateProposed:
				sum.Parked++
			case pipeline.StateFailed:
				sum.Retrying++
			case pipeline.StateDeadLetter:
				sum.DeadLettered++
			}
			return nil
		})
	}
	_ = g.Wait()

	slog.Info("tick finished",
		"claimed", sum.Claimed,
		"completed", sum.Completed,
		"parked", sum.Parked,
		"retrying", sum.Retrying,
		"dead_lettered", sum.DeadLettered,
		"released", sum.Released,
		"errors", sum.Errors,
	)
	return sum
}
