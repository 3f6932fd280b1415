// Package sqlite implements the store interfaces on a local SQLite file
// (standalone mode). The schema is created on open; there is no external
// migration step to run.
package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/backlinehq/backline/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS queue_items (
	id TEXT PRIMARY KEY,
	channel TEXT NOT NULL,
	provider_message_id TEXT NOT NULL,
	state TEXT NOT NULL,
	message TEXT NOT NULL,
	understanding TEXT,
	lookup TEXT,
	proposal TEXT,
	decision TEXT,
	execution TEXT,
	delivery_error TEXT NOT NULL DEFAULT '',
	attempts INTEGER NOT NULL DEFAULT 0,
	errors TEXT NOT NULL DEFAULT '[]',
	dead_letter_reason TEXT NOT NULL DEFAULT '',
	claimed_at TIMESTAMP,
	claim_owner TEXT NOT NULL DEFAULT '',
	next_attempt_at TIMESTAMP,
	created_at TIMESTAMP NOT NULL,
	started_at TIMESTAMP,
	updated_at TIMESTAMP NOT NULL,
	completed_at TIMESTAMP,
	UNIQUE (channel, provider_message_id)
);
CREATE INDEX IF NOT EXISTS idx_queue_items_state ON queue_items (state, next_attempt_at, created_at);

CREATE TABLE IF NOT EXISTS audit_log (
	id TEXT PRIMARY KEY,
	actor TEXT NOT NULL,
	action TEXT NOT NULL,
	target_kind TEXT NOT NULL,
	target_id TEXT NOT NULL,
	prev_value TEXT,
	new_value TEXT,
	reason TEXT NOT NULL DEFAULT '',
	at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_log_target ON audit_log (target_id, at);

CREATE TABLE IF NOT EXISTS operators (
	id TEXT PRIMARY KEY,
	display TEXT NOT NULL,
	channels TEXT NOT NULL DEFAULT '{}',
	active INTEGER NOT NULL DEFAULT 1,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS chat_history (
	id TEXT PRIMARY KEY,
	chat_key TEXT NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chat_history_key ON chat_history (chat_key, at);

CREATE TABLE IF NOT EXISTS records (
	id TEXT PRIMARY KEY,
	tenant TEXT NOT NULL,
	kind TEXT NOT NULL,
	natural_key TEXT,
	fields TEXT NOT NULL DEFAULT '{}',
	tags TEXT NOT NULL DEFAULT '[]',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	UNIQUE (tenant, kind, natural_key)
);
CREATE INDEX IF NOT EXISTS idx_records_tenant_kind ON records (tenant, kind);
`

// Open opens (creating if needed) the standalone database in WAL mode with
// a busy timeout, so the worker and the HTTP surface can share it.
func Open(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer at a time keeps claim semantics simple.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return db, nil
}

// NewStores creates all stores backed by one SQLite file.
func NewStores(cfg store.Config) (*store.Stores, error) {
	path := cfg.SQLitePath
	if path == "" {
		path = "backline.db"
	}
	db, err := Open(path)
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
