package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Operator is a trusted identity allowed to issue admin commands and use
// write tools. Channels maps a channel name to the handles that identify
// the operator there (e.g. "telegram" -> ["12345678"], "email" ->
// ["ops@example.com"]).
type Operator struct {
	ID        uuid.UUID           `json:"id"`
	Display   string              `json:"display"`
	Channels  map[string][]string `json:"channels"`
	Active    bool                `json:"active"`
	UpdatedAt time.Time           `json:"updated_at"`
}

// IdentityStore persists the operator roster. The identity resolver caches
// ListOperators results with a TTL; writes happen rarely (onboarding, roster
// edits).
type IdentityStore interface {
	ListOperators(ctx context.Context) ([]*Operator, error)
	UpsertOperator(ctx context.Context, op *Operator) error
}
