package store

// Stores is the top-level container for all storage backends. Both modes
// (standalone sqlite, managed postgres) populate every field; there are no
// mode-conditional stores.
type Stores struct {
	Queue    QueueStore
	Audit    AuditLog
	Identity IdentityStore
	Chat     ChatHistoryStore
	Records  RecordStore

	// Close releases the underlying database handle.
	Close func() error
}

// Config selects and tunes a backend.
type Config struct {
	// Mode is "standalone" (sqlite file) or "managed" (postgres).
	Mode string

	// PostgresDSN comes from the environment only, never from config.json.
	PostgresDSN string

	// SQLitePath is the standalone database file path.
	SQLitePath string

	Queue QueueConfig
	Chat  ChatConfig
}
