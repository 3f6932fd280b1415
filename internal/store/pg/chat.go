package pg

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/backlinehq/backline/internal/store"
)

// ChatHistoryStore implements store.ChatHistoryStore on Postgres. Trimming
// happens on append: rows past the count cap or TTL are deleted so the
// table stays bounded without a background sweeper.
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
		 WHERE chat_key = $1 AND at >= $2
		 ORDER BY at DESC LIMIT $3`,
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

	// Reverse to oldest-first for the conversation.
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
			 VALUES ($1, $2, $3, $4, $5)`,
			uuid.Must(uuid.NewV7()), key, t.Role, t.Content, at,
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
		 WHERE chat_key = $1 AND (at < $2 OR id NOT IN (
		   SELECT id FROM chat_history WHERE chat_key = $1
		   ORDER BY at DESC LIMIT $3
		 ))`,
		key, cutoff, s.cfg.MaxTurns,
	)
	if err != nil {
		return fmt.Errorf("chat trim: %w", err)
	}
	return nil
}
