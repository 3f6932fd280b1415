package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/backlinehq/backline/internal/store"
)

// IdentityStore implements store.IdentityStore on Postgres.
type IdentityStore struct {
	db *sql.DB
}

func NewIdentityStore(db *sql.DB) *IdentityStore {
	return &IdentityStore{db: db}
}

func (s *IdentityStore) ListOperators(ctx context.Context) ([]*store.Operator, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, display, channels, active, updated_at FROM operators ORDER BY display`)
	if err != nil {
		return nil, fmt.Errorf("list operators: %w", err)
	}
	defer rows.Close()

	var ops []*store.Operator
	for rows.Next() {
		var op store.Operator
		var channels []byte
		if err := rows.Scan(&op.ID, &op.Display, &channels, &op.Active, &op.UpdatedAt); err != nil {
			return nil, err
		}
		if len(channels) > 0 {
			if err := json.Unmarshal(channels, &op.Channels); err != nil {
				return nil, fmt.Errorf("unmarshal operator channels: %w", err)
			}
		}
		ops = append(ops, &op)
	}
	return ops, rows.Err()
}

func (s *IdentityStore) UpsertOperator(ctx context.Context, op *store.Operator) error {
	if op.ID == uuid.Nil {
		op.ID = uuid.Must(uuid.NewV7())
	}
	op.UpdatedAt = time.Now().UTC()
	channels, err := json.Marshal(op.Channels)
	if err != nil {
		return fmt.Errorf("marshal operator channels: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO operators (id, display, channels, active, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET
		   display = EXCLUDED.display, channels = EXCLUDED.channels,
		   active = EXCLUDED.active, updated_at = EXCLUDED.updated_at`,
		op.ID, op.Display, channels, op.Active, op.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert operator: %w", err)
	}
	return nil
}
