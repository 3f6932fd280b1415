// Package pg implements the store interfaces on Postgres (managed mode).
package pg

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/backlinehq/backline/internal/store"
)

// OpenDB opens a pooled Postgres handle via the pgx stdlib driver.
func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

// NewStores creates all stores backed by Postgres.
func NewStores(cfg store.Config) (*store.Stores, error) {
	db, err := OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, err
	}

	queueCfg := cfg.Queue
	if queueCfg.MaxRetries == 0 {
		queueCfg = store.DefaultQueueConfig()
	}
	chatCfg := cfg.Chat
	if chatCfg.MaxTurns == 0 {
		chatCfg = store.DefaultChatConfig()
	}

	return &store.Stores{
		Queue:    NewQueueStore(db, queueCfg),
		Audit:    NewAuditLog(db),
		Identity: NewIdentityStore(db),
		Chat:     NewChatHistoryStore(db, chatCfg),
		Records:  NewRecordStore(db),
		Close:    db.Close,
	}, nil
}
