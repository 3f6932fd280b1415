package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/backlinehq/backline/internal/store"
)

// AuditLog implements store.AuditLog on SQLite. Append-only.
type AuditLog struct {
	db *sql.DB

	Now func() time.Time
}

func NewAuditLog(db *sql.DB) *AuditLog {
	return &AuditLog{db: db, Now: time.Now}
}

func (l *AuditLog) Append(ctx context.Context, e *store.AuditEntry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.Must(uuid.NewV7())
	}
	if e.At.IsZero() {
		e.At = l.Now().UTC()
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO audit_log (id, actor, action, target_kind, target_id, prev_value, new_value, reason, at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID.String(), e.Actor, e.Action, e.TargetKind, e.TargetID,
		rawOrNil(e.PrevValue), rawOrNil(e.NewValue), e.Reason, e.At,
	)
	if err != nil {
		return fmt.Errorf("audit append: %w", err)
	}
	return nil
}

func (l *AuditLog) ListByTarget(ctx context.Context, targetID string, limit int) ([]*store.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, actor, action, target_kind, target_id, prev_value, new_value, reason, at
		 FROM audit_log WHERE target_id = ? ORDER BY at LIMIT ?`,
		targetID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("audit list: %w", err)
	}
	defer rows.Close()

	var entries []*store.AuditEntry
	for rows.Next() {
		var e store.AuditEntry
		var id string
		var prev, next sql.NullString
		if err := rows.Scan(&id, &e.Actor, &e.Action, &e.TargetKind, &e.TargetID, &prev, &next, &e.Reason, &e.At); err != nil {
			return nil, err
		}
		e.ID, err = uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("parse audit id: %w", err)
		}
		if prev.Valid {
			e.PrevValue = []byte(prev.String)
		}
		if next.Valid {
			e.NewValue = []byte(next.String)
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
