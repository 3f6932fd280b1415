package bus

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/backlinehq/backline/internal/store"
	"github.com/backlinehq/backline/pkg/protocol"
)

type captureLog struct {
	mu      sync.Mutex
	entries []*store.AuditEntry
	err     error
}

func (l *captureLog) Append(ctx context.Context, e *store.AuditEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	l.entries = append(l.entries, e)
	return nil
}

func (l *captureLog) ListByTarget(ctx context.Context, targetID string, limit int) ([]*store.AuditEntry, error) {
	return nil, nil
}

// TestBus_SubscribeBroadcast verifies every subscriber sees every event and
// unsubscribed handlers stop receiving.
func TestBus_SubscribeBroadcast(t *testing.T) {
	b := New()

	var got1, got2 []string
	b.Subscribe("c1", func(ev Event) { got1 = append(got1, ev.Name) })
	b.Subscribe("c2", func(ev Event) { got2 = append(got2, ev.Name) })

	b.Broadcast(Event{Name: "item.state"})
	b.Unsubscribe("c2")
	b.Broadcast(Event{Name: "item.decision"})

	if len(got1) != 2 {
		t.Errorf("c1 received %d events, want 2", len(got1))
	}
	if len(got2) != 1 {
		t.Errorf("c2 received %d events, want 1 (unsubscribed)", len(got2))
	}
}

// TestBus_StampsTime verifies broadcast fills a missing timestamp.
func TestBus_StampsTime(t *testing.T) {
	b := New()
	var got Event
	b.Subscribe("c1", func(ev Event) { got = ev })

	b.Broadcast(Event{Name: "item.state"})
	if got.At.IsZero() {
		t.Fatal("broadcast event has no timestamp")
	}
}

// TestTee_MirrorsAppends verifies an audit append lands in the log and on
// the bus with the mapped event name.
func TestTee_MirrorsAppends(t *testing.T) {
	log := &captureLog{}
	b := New()
	var events []Event
	b.Subscribe("c1", func(ev Event) { events = append(events, ev) })

	tee := NewTee(log, b)
	entry := &store.AuditEntry{Action: store.AuditStateTransition, TargetID: "item-1"}
	if err := tee.Append(context.Background(), entry); err != nil {
		t.Fatalf("Append: %v", err)
	}

	if len(log.entries) != 1 {
		t.Fatalf("log has %d entries, want 1", len(log.entries))
	}
	if len(events) != 1 || events[0].Name != protocol.EventItemState {
		t.Fatalf("events = %+v, want one %s", events, protocol.EventItemState)
	}

	// Unknown actions still stream, under the catch-all name.
	if err := tee.Append(context.Background(), &store.AuditEntry{Action: "custom"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if len(events) != 2 || events[1].Name != protocol.EventAudit {
		t.Fatalf("events = %+v, want %s for unknown action", events, protocol.EventAudit)
	}
}

// TestTee_NoBroadcastOnAppendFailure verifies a failed append never reaches
// the stream.
func TestTee_NoBroadcastOnAppendFailure(t *testing.T) {
	log := &captureLog{err: errors.New("db down")}
	b := New()
	var events []Event
	b.Subscribe("c1", func(ev Event) { events = append(events, ev) })

	tee := NewTee(log, b)
	if err := tee.Append(context.Background(), &store.AuditEntry{Action: store.AuditDecision}); err == nil {
		t.Fatal("expected append error")
	}
	if len(events) != 0 {
		t.Fatalf("events = %d, want 0", len(events))
	}
}
