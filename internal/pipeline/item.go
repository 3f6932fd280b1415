package pipeline

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/backlinehq/backline/internal/intake"
)

// maxStoredErrors bounds the per-item error history so a flapping item
// cannot grow its row without limit.
const maxStoredErrors = 8

// Verdict is a reviewer's (or the auto-approver's) decision on a proposal.
type Verdict string

const (
	VerdictApproved Verdict = "approved"
	VerdictRejected Verdict = "rejected"
	VerdictModified Verdict = "modified"
)

// Understanding is the classifier's reading of the message.
type Understanding struct {
	Intent     string            `json:"intent"`
	Entities   map[string]string `json:"entities,omitempty"`
	Confidence float64           `json:"confidence"`
}

// Proposal is the action a module (or the agent loop) wants to take,
// described for a human and encoded for the executor.
type Proposal struct {
	ModuleID       string          `json:"module_id"`
	Summary        string          `json:"summary"`
	Action         json.RawMessage `json:"action,omitempty"`
	AutoApprovable bool            `json:"auto_approvable"`
	Quarantined    bool            `json:"quarantined,omitempty"` // low-confidence flag for reviewers
}

// Decision records who approved/rejected/modified a proposal and why.
// For modified verdicts, Action carries the reviewer's replacement payload.
type Decision struct {
	Verdict   Verdict         `json:"verdict"`
	DecidedBy string          `json:"decided_by"`
	Reason    string          `json:"reason,omitempty"`
	Action    json.RawMessage `json:"action,omitempty"`

	// ViaReview marks decisions made on the review surface. Only those may
	// carry a Reason written for the customer; automatic approvals put a
	// machine rationale there instead.
	ViaReview bool `json:"via_review,omitempty"`

	At time.Time `json:"at"`
}

// Execution records the outcome of the side effect.
type Execution struct {
	OK     bool      `json:"ok"`
	Refs   []string  `json:"refs,omitempty"` // references to created/updated records
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

// StepError is one entry in the bounded error history.
type StepError struct {
	Step    string    `json:"step"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Item is the queue record and processing context for one inbound message.
// Mutated only by the orchestrator while the item is claimed.
type Item struct {
	ID                uuid.UUID      `json:"id"`
	Channel           string         `json:"channel"`
	ProviderMessageID string         `json:"provider_message_id"`
	State             State          `json:"state"`
	Message           intake.Message `json:"message"`

	Understanding *Understanding  `json:"understanding,omitempty"`
	Lookup        json.RawMessage `json:"lookup,omitempty"`
	Proposal      *Proposal       `json:"proposal,omitempty"`
	Decision      *Decision       `json:"decision,omitempty"`
	Execution     *Execution      `json:"execution,omitempty"`

	// DeliveryError surfaces an acknowledgment send failure. Informational:
	// it never rolls back an already-committed execution.
	DeliveryError string `json:"delivery_error,omitempty"`

	Attempts         int         `json:"attempts"`
	Errors           []StepError `json:"errors,omitempty"`
	DeadLetterReason string      `json:"dead_letter_reason,omitempty"`

	ClaimedAt     *time.Time `json:"claimed_at,omitempty"`
	ClaimOwner    string     `json:"claim_owner,omitempty"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NewItem builds a fresh RECEIVED item from a normalized message.
func NewItem(msg intake.Message) *Item {
	now := time.Now().UTC()
	return &Item{
		ID:                uuid.Must(uuid.NewV7()),
		Channel:           msg.Channel,
		ProviderMessageID: msg.ProviderMessageID,
		State:             StateReceived,
		Message:           msg,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// DedupKey returns the `(channel, providerMessageId)` uniqueness key.
func (it *Item) DedupKey() string {
	return it.Channel + "/" + it.ProviderMessageID
}

// RecordError appends to the bounded error history, evicting the oldest
// entry once full.
func (it *Item) RecordError(step string, err error) {
	e := StepError{Step: step, Message: err.Error(), At: time.Now().UTC()}
	if len(it.Errors) >= maxStoredErrors {
		it.Errors = append(it.Errors[1:], e)
		return
	}
	it.Errors = append(it.Errors, e)
}

// LastError returns the most recent step error, or nil.
func (it *Item) LastError() *StepError {
	if len(it.Errors) == 0 {
		return nil
	}
	return &it.Errors[len(it.Errors)-1]
}

// Confidence returns the classifier confidence, or 0 when the item has not
// been understood yet.
func (it *Item) Confidence() float64 {
	if it.Understanding == nil {
		return 0
	}
	return it.Understanding.Confidence
}

// Entities returns the extracted entities, never nil.
func (it *Item) Entities() map[string]string {
	if it.Understanding == nil || it.Understanding.Entities == nil {
		return map[string]string{}
	}
	return it.Understanding.Entities
}

// EffectiveAction returns the action EXECUTE should perform: the reviewer's
// replacement payload when the verdict is modified, otherwise the proposal's.
func (it *Item) EffectiveAction() json.RawMessage {
	if it.Decision != nil && it.Decision.Verdict == VerdictModified && len(it.Decision.Action) > 0 {
		return it.Decision.Action
	}
	if it.Proposal == nil {
		return nil
	}
	return it.Proposal.Action
}
