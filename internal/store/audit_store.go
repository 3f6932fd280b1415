package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Audit action kinds. Free-form strings are allowed; these cover the
// transitions and tool calls the pipeline itself records.
const (
	AuditStateTransition = "state_transition"
	AuditDecision        = "approval_decision"
	AuditExecution       = "execution"
	AuditToolWrite       = "tool_write"
	AuditDelivery        = "delivery"
)

// AuditEntry is one immutable audit record. There is no update or delete
// operation anywhere in the interface: the log is append-only.
type AuditEntry struct {
	ID         uuid.UUID       `json:"id"`
	Actor      string          `json:"actor"`
	Action     string          `json:"action"`
	TargetKind string          `json:"target_kind"`
	TargetID   string          `json:"target_id"`
	PrevValue  json.RawMessage `json:"prev_value,omitempty"`
	NewValue   json.RawMessage `json:"new_value,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	At         time.Time       `json:"at"`
}

// AuditLog is the append-only audit trail.
type AuditLog interface {
	Append(ctx context.Context, e *AuditEntry) error
	ListByTarget(ctx context.Context, targetID string, limit int) ([]*AuditEntry, error)
}
