package store

import (
	"context"
	"time"
)

// ChatTurn is one role/content pair in a conversation buffer.
type ChatTurn struct {
	Role    string    `json:"role"` // "user" or "assistant"
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// ChatHistoryStore is the bounded per-identity conversation buffer that
// gives the agent loop short-term memory. Not an audit surface: entries
// age out by count and TTL.
type ChatHistoryStore interface {
	// History returns the turns for a chat key, oldest first, already
	// trimmed to the configured count cap and TTL.
	History(ctx context.Context, key string) ([]ChatTurn, error)

	// Append adds turns to a chat key's buffer and trims it.
	Append(ctx context.Context, key string, turns ...ChatTurn) error
}

// ChatConfig bounds the history buffer.
type ChatConfig struct {
	MaxTurns int
	TTL      time.Duration
}

// DefaultChatConfig keeps the buffer small: enough for conversational
// continuity, useless as a data store.
func DefaultChatConfig() ChatConfig {
	return ChatConfig{MaxTurns: 20, TTL: 6 * time.Hour}
}
