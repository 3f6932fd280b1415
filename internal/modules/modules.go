// Package modules defines the handler contract the orchestrator dispatches
// to once a message is understood. A module owns one slice of business
// behavior (scheduling, knowledge-base answers) and exposes it as four
// steps over a shared Exchange: Lookup gathers data, Propose describes the
// action for approval, Execute performs it, Acknowledge replies.
//
// Modules register by intent at process start and the table is read-only
// afterwards. Anything no module claims falls back to ManualReview or, for
// operators and general chatter, the agent loop.
package modules

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"
)

// Descriptor is a module's static registration entry.
type Descriptor struct {
	ID      string
	Label   string
	Intents []string

	// AutoApprovable marks modules whose proposals may skip human review
	// when classifier confidence clears the threshold. Individual proposals
	// can still opt out (and must, whenever they carry a side effect the
	// module did not fully verify).
	AutoApprovable bool
}

// Module is the four-step handler contract. Each step mutates the Exchange
// it is handed; the orchestrator persists the item between steps, so a step
// must leave the item consistent before returning.
type Module interface {
	Descriptor() Descriptor
	Lookup(ctx context.Context, ex *Exchange) error
	Propose(ctx context.Context, ex *Exchange) error
	Execute(ctx context.Context, ex *Exchange) error
	Acknowledge(ctx context.Context, ex *Exchange) error
}

// Registry maps intent strings to modules. Populated during boot, then only
// read; the mutex exists for the boot/serve boundary, not for churn.
type Registry struct {
	mu       sync.RWMutex
	byIntent map[string]Module
	order    []Module
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byIntent: make(map[string]Module)}
}

// Register adds a module under every intent its descriptor names. A second
// module claiming an already-registered intent is a wiring bug, reported at
// boot rather than silently shadowed.
func (r *Registry) Register(m Module) error {
	d := m.Descriptor()
	if d.ID == "" {
		return fmt.Errorf("modules: module with empty id")
	}
	if len(d.Intents) == 0 {
		return fmt.Errorf("modules: module %q registers no intents", d.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, intent := range d.Intents {
		key := normalizeIntent(intent)
		if key == "" {
			return fmt.Errorf("modules: module %q registers an empty intent", d.ID)
		}
		if prev, ok := r.byIntent[key]; ok {
			return fmt.Errorf("modules: intent %q already registered by %q", key, prev.Descriptor().ID)
		}
		r.byIntent[key] = m
	}
	r.order = append(r.order, m)
	return nil
}

// Match returns the module registered for intent, if any.
func (r *Registry) Match(intent string) (Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.byIntent[normalizeIntent(intent)]
	return m, ok
}

// ByID finds a module by its descriptor ID, for re-resolving the handler
// a persisted proposal names.
func (r *Registry) ByID(id string) (Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.order {
		if m.Descriptor().ID == id {
			return m, true
		}
	}
	return nil, false
}

// Descriptors returns every registered module's descriptor in registration
// order.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.order))
	for _, m := range r.order {
		out = append(out, m.Descriptor())
	}
	return out
}

// Intents returns every registered intent, sorted. The classifier prompt
// builds its known-intent list from this.
func (r *Registry) Intents() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byIntent))
	for intent := range r.byIntent {
		out = append(out, intent)
	}
	sort.Strings(out)
	return out
}

func normalizeIntent(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Snippet shortens s for summaries and log lines, cutting on a rune
// boundary.
func Snippet(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
