package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/backlinehq/backline/internal/pipeline"
	"github.com/backlinehq/backline/internal/store"
)

// QueueStore implements store.QueueStore on SQLite. Claims are made inside
// a write transaction; SQLite's single-writer model makes the
// select-then-mark sequence atomic with respect to other claimers.
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

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO queue_items
		   (id, channel, provider_message_id, state, message, attempts, errors, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (channel, provider_message_id) DO NOTHING`,
		item.ID.String(), item.Channel, item.ProviderMessageID, string(item.State),
		string(msgJSON), item.Attempts, string(errsJSON), item.CreatedAt, item.UpdatedAt,
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

func (s *QueueStore) ClaimBatch(ctx context.Context, limit int) ([]*pipeline.Item, error) {
	if limit <= 0 {
		return nil, nil
	}
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM queue_items
		 WHERE claimed_at IS NULL
		   AND state NOT IN ('PROPOSED', 'AUDITED', 'REJECTED', 'DEAD_LETTER')
		   AND (state <> 'FAILED' OR next_attempt_at <= ?)
		 ORDER BY created_at
		 LIMIT ?`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim select: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := []any{now, s.owner, now, now}
	for _, id := range ids {
		args = append(args, id)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE queue_items SET claimed_at = ?, claim_owner = ?, updated_at = ?,
		   started_at = COALESCE(started_at, ?)
		 WHERE id IN (`+placeholders+`) AND claimed_at IS NULL`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("claim mark: %w", err)
	}

	var items []*pipeline.Item
	for _, id := range ids {
		row := tx.QueryRowContext(ctx,
			`SELECT `+itemColumns+` FROM queue_items WHERE id = ? AND claim_owner = ?`,
			id, s.owner)
		item, err := scanItem(row)
		if errors.Is(err, sql.ErrNoRows) {
			continue // lost to a concurrent claimer
		}
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("claim commit: %w", err)
	}
	return items, nil
}

func (s *QueueStore) ReleaseStale(ctx context.Context, olderThan time.Duration) (int, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE queue_items SET claimed_at = NULL, claim_owner = '', updated_at = ?
		 WHERE claimed_at IS NOT NULL AND claimed_at < ?
		   AND state NOT IN ('AUDITED', 'REJECTED', 'DEAD_LETTER')`,
		now, now.Add(-olderThan),
	)
	if err != nil {
		return 0, fmt.Errorf("release stale: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *QueueStore) SaveProgress(ctx context.Context, item *pipeline.Item) error {
	item.UpdatedAt = time.Now().UTC()
	return writeItem(ctx, s.db, item)
}

func (s *QueueStore) RecordOutcome(ctx context.Context, item *pipeline.Item, out store.Outcome) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("record outcome: %w", err)
	}
	defer tx.Rollback()

	var curState string
	var attempts int
	err = tx.QueryRowContext(ctx,
		`SELECT state, attempts FROM queue_items WHERE id = ?`, item.ID.String(),
	).Scan(&curState, &attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("record outcome: item %s not found", item.ID)
	}
	if err != nil {
		return fmt.Errorf("record outcome: %w", err)
	}

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

	if err := writeItem(ctx, tx, item); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *QueueStore) Get(ctx context.Context, id uuid.UUID) (*pipeline.Item, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM queue_items WHERE id = ?`, id.String())
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
		`SELECT `+itemColumns+` FROM queue_items WHERE state = ?
		 ORDER BY created_at DESC LIMIT ?`,
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

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func writeItem(ctx context.Context, db execer, item *pipeline.Item) error {
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
		   state = ?, message = ?, understanding = ?, lookup = ?,
		   proposal = ?, decision = ?, execution = ?, delivery_error = ?,
		   attempts = ?, errors = ?, dead_letter_reason = ?,
		   claimed_at = ?, claim_owner = ?, next_attempt_at = ?,
		   started_at = ?, updated_at = ?, completed_at = ?
		 WHERE id = ?`,
		string(item.State), string(msgJSON),
		marshalOrNil(item.Understanding), rawOrNil(item.Lookup),
		marshalOrNil(item.Proposal), marshalOrNil(item.Decision),
		marshalOrNil(item.Execution), item.DeliveryError,
		item.Attempts, string(errsJSON), item.DeadLetterReason,
		item.ClaimedAt, item.ClaimOwner, item.NextAttemptAt,
		item.StartedAt, item.UpdatedAt, item.CompletedAt,
		item.ID.String(),
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
		id, state, msgJSON, errsJSON       string
		understanding, lookup, proposal    sql.NullString
		decision, execution                sql.NullString
		claimedAt, nextAt, started, compAt sql.NullTime
	)
	err := row.Scan(
		&id, &item.Channel, &item.ProviderMessageID, &state, &msgJSON,
		&understanding, &lookup, &proposal, &decision, &execution,
		&item.DeliveryError, &item.Attempts, &errsJSON, &item.DeadLetterReason,
		&claimedAt, &item.ClaimOwner, &nextAt,
		&item.CreatedAt, &started, &item.UpdatedAt, &compAt,
	)
	if err != nil {
		return nil, err
	}

	item.ID, err = uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parse item id: %w", err)
	}
	item.State = pipeline.State(state)
	if err := json.Unmarshal([]byte(msgJSON), &item.Message); err != nil {
		return nil, fmt.Errorf("unmarshal message: %w", err)
	}
	if errsJSON != "" {
		if err := json.Unmarshal([]byte(errsJSON), &item.Errors); err != nil {
			return nil, fmt.Errorf("unmarshal errors: %w", err)
		}
	}
	if understanding.Valid && understanding.String != "" {
		item.Understanding = &pipeline.Understanding{}
		if err := json.Unmarshal([]byte(understanding.String), item.Understanding); err != nil {
			return nil, fmt.Errorf("unmarshal understanding: %w", err)
		}
	}
	if lookup.Valid && lookup.String != "" {
		item.Lookup = json.RawMessage(lookup.String)
	}
	if proposal.Valid && proposal.String != "" {
		item.Proposal = &pipeline.Proposal{}
		if err := json.Unmarshal([]byte(proposal.String), item.Proposal); err != nil {
			return nil, fmt.Errorf("unmarshal proposal: %w", err)
		}
	}
	if decision.Valid && decision.String != "" {
		item.Decision = &pipeline.Decision{}
		if err := json.Unmarshal([]byte(decision.String), item.Decision); err != nil {
			return nil, fmt.Errorf("unmarshal decision: %w", err)
		}
	}
	if execution.Valid && execution.String != "" {
		item.Execution = &pipeline.Execution{}
		if err := json.Unmarshal([]byte(execution.String), item.Execution); err != nil {
			return nil, fmt.Errorf("unmarshal execution: %w", err)
		}
	}
	if claimedAt.Valid {
		t := claimedAt.Time
		item.ClaimedAt = &t
	}
	if nextAt.Valid {
		t := nextAt.Time
		item.NextAttemptAt = &t
	}
	if started.Valid {
		t := started.Time
		item.StartedAt = &t
	}
	if compAt.Valid {
		t := compAt.Time
		item.CompletedAt = &t
	}
	return &item, nil
}

func marshalOrNil[T any](v *T) any {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return string(b)
}

func rawOrNil(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
