package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/backlinehq/backline/internal/pipeline"
	"github.com/backlinehq/backline/internal/store"
)

// QueueStore implements store.QueueStore backed by Postgres. Claim
// atomicity comes from FOR UPDATE SKIP LOCKED; retry accounting runs inside
// a row-locking transaction so concurrent RecordOutcome calls serialize.
type QueueStore struct {
	db    *sql.DB
	cfg   store.QueueConfig
	owner string
}

func NewQueueStore(db *sql.DB, cfg store.QueueConfig) *QueueStore {
	return &QueueStore{
		db:    db,
		cfg:   cfg,
		owner: "worker-" + uuid.Must(uuid.NewV7()).String()[:8],
	}
}

const itemColumns = `id, channel, provider_message_id, state, message,
	understanding, lookup, proposal, decision, execution, delivery_error,
	attempts, errors, dead_letter_reason, claimed_at, claim_owner,
	next_attempt_at, created_at, started_at, updated_at, completed_at`

func (s *QueueStore) Enqueue(ctx context.Context, item *pipeline.Item) error {
	msgJSON, err := json.Marshal(item.Message)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	errsJSON, _ := json.Marshal(item.Errors)
	if item.Errors == nil {
		errsJSON = []byte("[]")
	}

	// The unique (channel, provider_message_id) index is the dedup check:
	// two concurrent deliveries race on the insert itself, not on a prior
	// existence read, so exactly one wins.
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO queue_items
		   (id, channel, provider_message_id, state, message, attempts, errors, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (channel, provider_message_id) DO NOTHING`,
		item.ID, item.Channel, item.ProviderMessageID, string(item.State),
		msgJSON, item.Attempts, errsJSON, item.CreatedAt, item.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("enqueue rows: %w", err)
	}
	if n == 0 {
		return pipeline.ErrDuplicateIntake
	}
	return nil
}

// eligibleWhere selects claimable rows: unclaimed, still in flight, not
// parked awaiting human review, and past any retry delay.
const eligibleWhere = `claimed_at IS NULL
	AND state NOT IN ('PROPOSED', 'AUDITED', 'REJECTED', 'DEAD_LETTER')
	AND (state <> 'FAILED' OR next_attempt_at <= $2)`

func (s *QueueStore) ClaimBatch(ctx context.Context, limit int) ([]*pipeline.Item, error) {
	if limit <= 0 {
		return nil, nil
	}
	now := time.Now().UTC()

	rows, err := s.db.QueryContext(ctx,
		`UPDATE queue_items SET claimed_at = $3, claim_owner = $4, updated_at = $3,
		   started_at = COALESCE(started_at, $3)
		 WHERE id IN (
		   SELECT id FROM queue_items
		   WHERE `+eligibleWhere+`
		   ORDER BY created_at
		   LIMIT $1
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+itemColumns,
		limit, now, now, s.owner,
	)
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}
	defer rows.Close()

	var items []*pipeline.Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *QueueStore) ReleaseStale(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res, err := s.db.ExecContext(ctx,
		`UPDATE queue_items SET claimed_at = NULL, claim_owner = '', updated_at = $1
		 WHERE claimed_at IS NOT NULL AND claimed_at < $2
		   AND state NOT IN ('AUDITED', 'REJECTED', 'DEAD_LETTER')`,
		time.Now().UTC(), cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("release stale: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *QueueStore) SaveProgress(ctx context.Context, item *pipeline.Item) error {
	item.UpdatedAt = time.Now().UTC()
	return s.writeItem(ctx, s.db, item)
}

func (s *QueueStore) RecordOutcome(ctx context.Context, item *pipeline.Item, out store.Outcome) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("record outcome: %w", err)
	}
	defer tx.Rollback()

	// Lock the row and re-read current accounting; the in-memory item may
	// be stale with respect to a concurrent pass.
	var curState string
	var attempts int
	err = tx.QueryRowContext(ctx,
		`SELECT state, attempts FROM queue_items WHERE id = $1 FOR UPDATE`,
		item.ID,
	).Scan(&curState, &attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("record outcome: item %s not found", item.ID)
	}
	if err != nil {
		return fmt.Errorf("record outcome: %w", err)
	}

	// DEAD_LETTER is forever. No outcome, however recorded, resurrects it.
	if pipeline.State(curState) == pipeline.StateDeadLetter {
		return tx.Commit()
	}

	now := time.Now().UTC()
	item.Attempts = attempts
	item.ClaimedAt = nil
	item.ClaimOwner = ""
	item.UpdatedAt = now

	if out.Failure != nil {
		f := out.Failure
		item.Attempts++
		item.RecordError(f.Step, errors.New(f.Message))
		switch {
		case !f.Retryable:
			item.State = pipeline.StateDeadLetter
			item.DeadLetterReason = f.Message
			item.NextAttemptAt = nil
			item.CompletedAt = &now
		case item.Attempts > s.cfg.MaxRetries:
			item.State = pipeline.StateDeadLetter
			item.DeadLetterReason = fmt.Sprintf("retry budget exhausted after %d attempts: %s", item.Attempts, f.Message)
			item.NextAttemptAt = nil
			item.CompletedAt = &now
		default:
			item.State = pipeline.StateFailed
			next := now.Add(s.cfg.Delay(item.Attempts))
			item.NextAttemptAt = &next
		}
	} else if item.State.Terminal() {
		item.CompletedAt = &now
	}

	if err := s.writeItem(ctx, tx, item); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *QueueStore) Get(ctx context.Context, id uuid.UUID) (*pipeline.Item, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM queue_items WHERE id = $1`, id)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return item, err
}

func (s *QueueStore) ListByState(ctx context.Context, state pipeline.State, limit int) ([]*pipeline.Item, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+itemColumns+` FROM queue_items WHERE state = $1
		 ORDER BY created_at DESC LIMIT $2`,
		string(state), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list by state: %w", err)
	}
	defer rows.Close()

	var items []*pipeline.Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *QueueStore) CountByState(ctx context.Context) (map[pipeline.State]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT state, COUNT(*) FROM queue_items GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("count by state: %w", err)
	}
	defer rows.Close()

	counts := make(map[pipeline.State]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[pipeline.State(state)] = n
	}
	return counts, rows.Err()
}

// execer covers *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// writeItem persists every mutable column of an item.
func (s *QueueStore) writeItem(ctx context.Context, db execer, item *pipeline.Item) error {
	msgJSON, err := json.Marshal(item.Message)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	errsJSON, _ := json.Marshal(item.Errors)
	if item.Errors == nil {
		errsJSON = []byte("[]")
	}

	_, err = db.ExecContext(ctx,
		`UPDATE queue_items SET
		   state = $2, message = $3, understanding = $4, lookup = $5,
		   proposal = $6, decision = $7, execution = $8, delivery_error = $9,
		   attempts = $10, errors = $11, dead_letter_reason = $12,
		   claimed_at = $13, claim_owner = $14, next_attempt_at = $15,
		   started_at = $16, updated_at = $17, completed_at = $18
		 WHERE id = $1`,
		item.ID, string(item.State), msgJSON,
		marshalOrNil(item.Understanding), rawOrNil(item.Lookup),
		marshalOrNil(item.Proposal), marshalOrNil(item.Decision),
		marshalOrNil(item.Execution), item.DeliveryError,
		item.Attempts, errsJSON, item.DeadLetterReason,
		item.ClaimedAt, item.ClaimOwner, item.NextAttemptAt,
		item.StartedAt, item.UpdatedAt, item.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("write item: %w", err)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanItem(row scannable) (*pipeline.Item, error) {
	var (
		item                               pipeline.Item
		state                              string
		msgJSON, errsJSON                  []byte
		understanding, lookup, proposal    []byte
		decision, execution                []byte
		claimedAt, nextAt, started, compAt sql.NullTime
	)
	err := row.Scan(
		&item.ID, &item.Channel, &item.ProviderMessageID, &state, &msgJSON,
		&understanding, &lookup, &proposal, &decision, &execution,
		&item.DeliveryError, &item.Attempts, &errsJSON, &item.DeadLetterReason,
		&claimedAt, &item.ClaimOwner, &nextAt,
		&item.CreatedAt, &started, &item.UpdatedAt, &compAt,
	)
	if err != nil {
		return nil, err
	}

	item.State = pipeline.State(state)
	if err := json.Unmarshal(msgJSON, &item.Message); err != nil {
		return nil, fmt.Errorf("unmarshal message: %w", err)
	}
	if len(errsJSON) > 0 {
		if err := json.Unmarshal(errsJSON, &item.Errors); err != nil {
			return nil, fmt.Errorf("unmarshal errors: %w", err)
		}
	}
	if len(understanding) > 0 {
		item.Understanding = &pipeline.Understanding{}
		if err := json.Unmarshal(understanding, item.Understanding); err != nil {
			return nil, fmt.Errorf("unmarshal understanding: %w", err)
		}
	}
	if len(lookup) > 0 {
		item.Lookup = json.RawMessage(lookup)
	}
	if len(proposal) > 0 {
		item.Proposal = &pipeline.Proposal{}
		if err := json.Unmarshal(proposal, item.Proposal); err != nil {
			return nil, fmt.Errorf("unmarshal proposal: %w", err)
		}
	}
	if len(decision) > 0 {
		item.Decision = &pipeline.Decision{}
		if err := json.Unmarshal(decision, item.Decision); err != nil {
			return nil, fmt.Errorf("unmarshal decision: %w", err)
		}
	}
	if len(execution) > 0 {
		item.Execution = &pipeline.Execution{}
		if err := json.Unmarshal(execution, item.Execution); err != nil {
			return nil, fmt.Errorf("unmarshal execution: %w", err)
		}
	}
	if claimedAt.Valid {
		item.ClaimedAt = &claimedAt.Time
	}
	if nextAt.Valid {
		item.NextAttemptAt = &nextAt.Time
	}
	if started.Valid {
		item.StartedAt = &started.Time
	}
	if compAt.Valid {
		item.CompletedAt = &compAt.Time
	}
	return &item, nil
}

// marshalOrNil serializes a step payload, mapping nil pointers to SQL NULL.
func marshalOrNil[T any](v *T) any {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

func rawOrNil(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
