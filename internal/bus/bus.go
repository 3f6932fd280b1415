// Package bus fans item lifecycle events out to in-process subscribers.
// The review surface's websocket stream is the main consumer; anything
// else that wants to watch the pipeline subscribes the same way.
package bus

import (
	"context"
	"sync"
	"time"

	"github.com/backlinehq/backline/internal/store"
	"github.com/backlinehq/backline/pkg/protocol"
)

// Event is one broadcast frame. Its shape matches protocol.StreamEvent, so
// the stream handler can forward events without copying.
type Event struct {
	Name    string    `json:"name"`
	Payload any       `json:"payload,omitempty"`
	At      time.Time `json:"at"`
}

// Handler receives broadcast events. Handlers run on the broadcaster's
// goroutine and must not block.
type Handler func(Event)

// Publisher abstracts event broadcast + subscription so consumers do not
// depend on the concrete Bus.
type Publisher interface {
	Subscribe(id string, h Handler)
	Unsubscribe(id string)
	Broadcast(ev Event)
}

// Bus is the in-process Publisher.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]Handler
}

func New() *Bus {
	return &Bus{subs: make(map[string]Handler)}
}

// Subscribe registers a handler under id. A second Subscribe with the same
// id replaces the first.
func (b *Bus) Subscribe(id string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[id] = h
}

func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// Broadcast delivers the event to every subscriber.
func (b *Bus) Broadcast(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, h := range b.subs {
		h(ev)
	}
}

// eventNames maps audit actions onto stream event names.
var eventNames = map[string]string{
	store.AuditStateTransition: protocol.EventItemState,
	store.AuditDecision:        protocol.EventItemDecision,
	store.AuditExecution:       protocol.EventItemExec,
	store.AuditDelivery:        protocol.EventItemDelivery,
	store.AuditToolWrite:       protocol.EventItemWrite,
}

// Tee wraps an audit log so every append is also broadcast. The audit log
// is the one place every pipeline transition lands, which makes it the
// natural tap for the review stream: wiring the tee in front of the
// orchestrator gives the stream full coverage without touching the
// pipeline code.
type Tee struct {
	store.AuditLog
	bus Publisher
}

// NewTee wraps log so appends are mirrored onto b.
func NewTee(log store.AuditLog, b Publisher) *Tee {
	return &Tee{AuditLog: log, bus: b}
}

// Append writes the entry and, on success, broadcasts it. A broadcast has
// no failure mode; the append's error is the only one that matters.
func (t *Tee) Append(ctx context.Context, e *store.AuditEntry) error {
	if err := t.AuditLog.Append(ctx, e); err != nil {
		return err
	}
	name, ok := eventNames[e.Action]
	if !ok {
		name = protocol.EventAudit
	}
	t.bus.Broadcast(Event{Name: name, Payload: e, At: e.At})
	return nil
}
