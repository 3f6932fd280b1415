package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/backlinehq/backline/internal/intake"
)

// TestCanTransition verifies the state graph: no skipping, no
// self-loops, FAILED reachable from any non-terminal state, and only
// FAILED reaching DEAD_LETTER or back to RECEIVED.
func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateReceived, StateAcked, true},
		{StateAcked, StateUnderstood, true},
		{StateUnderstood, StateProposed, true},
		{StateProposed, StateApproved, true},
		{StateProposed, StateRejected, true},
		{StateProposed, StateModified, true},
		{StateApproved, StateExecuted, true},
		{StateModified, StateExecuted, true},
		{StateExecuted, StateAudited, true},
		{StateFailed, StateReceived, true},
		{StateFailed, StateDeadLetter, true},

		// Intermediate states cannot be skipped.
		{StateReceived, StateUnderstood, false},
		{StateReceived, StateAudited, false},
		{StateAcked, StateProposed, false},
		{StateUnderstood, StateApproved, false},
		{StateProposed, StateExecuted, false},
		{StateApproved, StateAudited, false},

		// Self-loops are never transitions.
		{StateReceived, StateReceived, false},
		{StateFailed, StateFailed, false},

		// Only FAILED dead-letters or re-enters.
		{StateProposed, StateDeadLetter, false},
		{StateExecuted, StateReceived, false},

		// No backward edges outside the FAILED re-entry.
		{StateAudited, StateReceived, false},
		{StateRejected, StateProposed, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s->%s", tt.from, tt.to), func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Fatalf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

// TestCanTransition_Failed verifies FAILED is an edge from every
// non-terminal state and from none of the terminal ones.
func TestCanTransition_Failed(t *testing.T) {
	for _, s := range AllStates {
		want := !s.Terminal() && s != StateFailed
		if s == StateFailed {
			// Covered by the self-loop case above.
			continue
		}
		if got := CanTransition(s, StateFailed); got != want {
			t.Errorf("CanTransition(%s, FAILED) = %v, want %v", s, got, want)
		}
	}
}

// TestTerminal verifies exactly AUDITED, REJECTED, and DEAD_LETTER end
// processing.
func TestTerminal(t *testing.T) {
	terminal := map[State]bool{
		StateAudited:    true,
		StateRejected:   true,
		StateDeadLetter: true,
	}
	for _, s := range AllStates {
		if got := s.Terminal(); got != terminal[s] {
			t.Errorf("%s.Terminal() = %v, want %v", s, got, terminal[s])
		}
	}
}

// TestParseState verifies round-tripping through storage and the error
// on unknown values.
func TestParseState(t *testing.T) {
	for _, s := range AllStates {
		got, err := ParseState(string(s))
		if err != nil || got != s {
			t.Errorf("ParseState(%q) = %v, %v", s, got, err)
		}
	}
	if _, err := ParseState("SHIPPED"); err == nil {
		t.Error("ParseState accepted an unknown state")
	}
	if _, err := ParseState("received"); err == nil {
		t.Error("ParseState accepted a lowercase state")
	}
}

// TestRetryDelay verifies schedule selection and clamping at both ends.
func TestRetryDelay(t *testing.T) {
	sched := []time.Duration{time.Second, 4 * time.Second, 16 * time.Second}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second}, // clamped up
		{1, time.Second},
		{2, 4 * time.Second},
		{3, 16 * time.Second},
		{4, 16 * time.Second}, // beyond the schedule reuses the last entry
		{99, 16 * time.Second},
	}
	for _, tt := range tests {
		if got := RetryDelay(sched, tt.attempt); got != tt.want {
			t.Errorf("RetryDelay(attempt=%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
	if got := RetryDelay(nil, 2); got != DefaultRetrySchedule[1] {
		t.Errorf("RetryDelay(nil, 2) = %v, want default schedule entry %v", got, DefaultRetrySchedule[1])
	}
}

// TestIsRetryable verifies the failure classification: validation and
// security rejections are final, infrastructure trouble is not.
func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"validation", Validationf("empty text"), false},
		{"wrapped validation", fmt.Errorf("step: %w", Validationf("bad")), false},
		{"tool not allowed", ErrToolNotAllowed, false},
		{"wrapped write forbidden", fmt.Errorf("exec: %w", ErrWriteForbidden), false},
		{"transient", Transient("provider chat", errors.New("timeout")), true},
		{"plain error", errors.New("connection reset"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Fatalf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

// TestNewItem verifies the intake fields carry over and the item starts
// at RECEIVED.
func TestNewItem(t *testing.T) {
	msg := intake.Message{
		Channel:           "telegram",
		ProviderMessageID: "42",
		Sender:            intake.Sender{ID: "u1"},
		Text:              "hi",
	}
	it := NewItem(msg)

	if it.State != StateReceived {
		t.Errorf("state = %s, want %s", it.State, StateReceived)
	}
	if it.Channel != "telegram" || it.ProviderMessageID != "42" {
		t.Errorf("dedup fields = %s/%s, want telegram/42", it.Channel, it.ProviderMessageID)
	}
	if it.DedupKey() != "telegram/42" {
		t.Errorf("DedupKey = %q, want telegram/42", it.DedupKey())
	}
	if it.ID.String() == "" || it.CreatedAt.IsZero() {
		t.Error("identity fields not initialized")
	}
}

// TestRecordError_Bounded verifies the error history evicts the oldest
// entry once full.
func TestRecordError_Bounded(t *testing.T) {
	it := &Item{}
	for i := 0; i < maxStoredErrors+3; i++ {
		it.RecordError("step", fmt.Errorf("err %d", i))
	}
	if len(it.Errors) != maxStoredErrors {
		t.Fatalf("errors kept = %d, want %d", len(it.Errors), maxStoredErrors)
	}
	if it.Errors[0].Message != "err 3" {
		t.Errorf("oldest kept = %q, want err 3", it.Errors[0].Message)
	}
	if last := it.LastError(); last == nil || last.Message != fmt.Sprintf("err %d", maxStoredErrors+2) {
		t.Errorf("LastError = %+v, want the newest entry", last)
	}
}

// TestEffectiveAction verifies the reviewer's replacement payload wins
// over the proposal only for modified verdicts.
func TestEffectiveAction(t *testing.T) {
	proposal := json.RawMessage(`{"kind":"original"}`)
	replacement := json.RawMessage(`{"kind":"replacement"}`)

	tests := []struct {
		name     string
		proposal *Proposal
		decision *Decision
		want     string
	}{
		{"no proposal", nil, nil, ""},
		{"proposal only", &Proposal{Action: proposal}, nil, `{"kind":"original"}`},
		{
			"approved keeps proposal",
			&Proposal{Action: proposal},
			&Decision{Verdict: VerdictApproved},
			`{"kind":"original"}`,
		},
		{
			"modified with action",
			&Proposal{Action: proposal},
			&Decision{Verdict: VerdictModified, Action: replacement},
			`{"kind":"replacement"}`,
		},
		{
			"modified without action falls back",
			&Proposal{Action: proposal},
			&Decision{Verdict: VerdictModified},
			`{"kind":"original"}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			it := &Item{Proposal: tt.proposal, Decision: tt.decision}
			if got := string(it.EffectiveAction()); got != tt.want {
				t.Fatalf("EffectiveAction = %q, want %q", got, tt.want)
			}
		})
	}
}
