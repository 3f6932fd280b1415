package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/backlinehq/backline/internal/store"
)

// ChatHistoryStore implements store.ChatHistoryStore on SQLite, trimming on
// append like the Postgres backend.
type ChatHistoryStore struct {
	db  *sql.DB
	cfg store.ChatConfig
}

func NewChatHistoryStore(db *sql.DB, cfg store.ChatConfig) *ChatHistoryStore {
	return &ChatHistoryStore{db: db, cfg: cfg}
}

func (s *ChatHistoryStore) History(ctx context.Context, key string) ([]store.ChatTurn, error) {
	cutoff := time.Now().UTC().Add(-s.cfg.TTL)
	rows, err := s.db.QueryContext(ctx,
		`SELECT role, content, at FROM chat_history
		 WHERE chat_key = ? AND at >= ?
		 ORDER BY at DESC LIMIT ?`,
		key, cutoff, s.cfg.MaxTurns,
	)
	if err != nil {
		return nil, fmt.Errorf("chat history: %w", err)
	}
	defer rows.Close()

	var turns []store.ChatTurn
	for rows.Next() {
		var t store.ChatTurn
		if err := rows.Scan(&t.Role, &t.Content, &t.At); err != nil {
			return nil, err
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

func (s *ChatHistoryStore) Append(ctx context.Context, key string, turns ...store.ChatTurn) error {
	for _, t := range turns {
		at := t.At
		if at.IsZero() {
			at = time.Now().UTC()
		}
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO chat_history (id, chat_key, role, content, at)
			 VALUES (?, ?, ?, ?, ?)`,
			uuid.Must(uuid.NewV7()).String(), key, t.Role, t.Content, at,
		)
		if err != nil {
			return fmt.Errorf("chat append: %w", err)
		}
	}
	return s.trim(ctx, key)
}

func (s *ChatHistoryStore) trim(ctx context.Context, key string) error {
	cutoff := time.Now().UTC().Add(-s.cfg.TTL)
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM chat_history
		 WHERE chat_key = ? AND (at < ? OR id NOT IN (
		   SELECT id FROM chat_history WHERE chat_key = ?
		   ORDER BY at DESC LIMIT ?
		 ))`,
		key, cutoff, key, s.cfg.MaxTurns,
	)
	if err != nil {
		return fmt.Errorf("chat trim: %w", err)
	}
	return nil
}
