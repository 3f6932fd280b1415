// Package store defines the storage interfaces and the Stores container.
// Backends live in the pg (managed) and sqlite (standalone) subpackages.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/backlinehq/backline/internal/pipeline"
)

// Outcome is the result of one processing pass over a claimed item.
// A nil Failure means the pass ended cleanly in whatever state the item
// carries (terminal, or PROPOSED awaiting review).
type Outcome struct {
	Failure *StepFailure
}

// StepFailure describes why a processing pass failed.
type StepFailure struct {
	Step      string
	Message   string
	Retryable bool
}

// QueueStore is the durable work queue. All mutation operations are atomic
// with respect to concurrent workers; claim semantics are the only
// concurrency control the worker relies on.
type QueueStore interface {
	// Enqueue inserts a new RECEIVED item. Returns
	// pipeline.ErrDuplicateIntake when the (channel, providerMessageId)
	// dedup key already exists. The check-and-insert is transactional so
	// two concurrent webhook deliveries of the same provider message
	// produce exactly one item.
	Enqueue(ctx context.Context, item *pipeline.Item) error

	// ClaimBatch atomically claims up to limit eligible items, oldest
	// first, and returns them. Eligible: unclaimed, non-terminal, not
	// PROPOSED (awaiting review), and for FAILED items the retry delay has
	// elapsed. Two concurrent calls never return the same item; under
	// contention the loser simply gets fewer (possibly zero) items.
	ClaimBatch(ctx context.Context, limit int) ([]*pipeline.Item, error)

	// ReleaseStale returns items claimed longer than olderThan without
	// completion to the eligible pool. Crash recovery for dead workers.
	ReleaseStale(ctx context.Context, olderThan time.Duration) (int, error)

	// SaveProgress persists the item's current state and step payloads
	// mid-pass, keeping the claim. Called after every pipeline step so a
	// crash resumes from the last completed step.
	SaveProgress(ctx context.Context, item *pipeline.Item) error

	// RecordOutcome finalizes one processing pass: persists the item,
	// clears the claim, and on failure applies retry accounting. Once the
	// retry count exceeds the configured maximum, or the failure is not
	// retryable, the item moves to DEAD_LETTER and stays there no matter
	// how the method is called afterwards.
	RecordOutcome(ctx context.Context, item *pipeline.Item, out Outcome) error

	Get(ctx context.Context, id uuid.UUID) (*pipeline.Item, error)
	ListByState(ctx context.Context, state pipeline.State, limit int) ([]*pipeline.Item, error)
	CountByState(ctx context.Context) (map[pipeline.State]int, error)
}

// QueueConfig tunes retry accounting, shared by both backends.
type QueueConfig struct {
	MaxRetries    int
	RetrySchedule []time.Duration
}

// DefaultQueueConfig returns the fixed-schedule defaults.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		MaxRetries:    pipeline.DefaultMaxRetries,
		RetrySchedule: pipeline.DefaultRetrySchedule,
	}
}

// Delay returns the backoff before the given attempt (1-based).
func (c QueueConfig) Delay(attempt int) time.Duration {
	return pipeline.RetryDelay(c.RetrySchedule, attempt)
}
