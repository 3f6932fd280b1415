package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Manager owns the registered channel adapters: lifecycle for the
// connection-mode ones, webhook enumeration for the HTTP ones, and the
// outbound Send fan-out the pipeline and tools deliver replies through.
type Manager struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	order    []string
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{adapters: make(map[string]Adapter)}
}

// Register adds an adapter under its name. Registering the same name twice
// replaces the earlier adapter.
func (m *Manager) Register(a Adapter) {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := a.Name()
	if _, exists := m.adapters[name]; exists {
		slog.Warn("channel adapter replaced", "channel", name)
	} else {
		m.order = append(m.order, name)
	}
	m.adapters[name] = a
}

// Get returns the adapter registered under name.
func (m *Manager) Get(name string) (Adapter, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.adapters[name]
	return a, ok
}

// Names returns the registered channel names in registration order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

// Send routes one outbound reply to the adapter for the channel.
func (m *Manager) Send(ctx context.Context, channel, recipient, text string) error {
	a, ok := m.Get(channel)
	if !ok {
		return fmt.Errorf("channels: no adapter for %q", channel)
	}
	return a.Send(ctx, recipient, text)
}

// StartAll starts every Listener adapter. A start failure is logged and the
// remaining channels still come up; one misconfigured token should not take
// the whole intake surface down.
func (m *Manager) StartAll(ctx context.Context) {
	for _, a := range m.listeners() {
		if err := a.Start(ctx); err != nil {
			slog.Error("channel failed to start", "channel", a.Name(), "error", err)
			continue
		}
		slog.Info("channel started", "channel", a.Name())
	}
}

// StopAll stops every Listener adapter in reverse registration order.
func (m *Manager) StopAll(ctx context.Context) {
	ls := m.listeners()
	for i := len(ls) - 1; i >= 0; i-- {
		if err := ls[i].Stop(ctx); err != nil {
			slog.Warn("channel stop failed", "channel", ls[i].Name(), "error", err)
		}
	}
}

// Webhooks returns the adapters currently exposing an HTTP intake path, in
// registration order.
func (m *Manager) Webhooks() []Webhook {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Webhook
	for _, name := range m.order {
		if wh, ok := m.adapters[name].(Webhook); ok && wh.Path() != "" {
			out = append(out, wh)
		}
	}
	return out
}

// AdapterStatus is one row of the health report.
type AdapterStatus struct {
	Name    string `json:"name"`
	Kind    string `json:"kind"` // "listener" or "webhook"
	Running bool   `json:"running"`
}

// Status reports each adapter's kind and liveness, in registration order.
// Webhook-only adapters are considered running once registered.
func (m *Manager) Status() []AdapterStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]AdapterStatus, 0, len(m.order))
	for _, name := range m.order {
		st := AdapterStatus{Name: name, Kind: "webhook", Running: true}
		if l, ok := m.adapters[name].(Listener); ok {
			st.Kind = "listener"
			st.Running = l.Running()
		}
		out = append(out, st)
	}
	return out
}

func (m *Manager) listeners() []Listener {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Listener
	for _, name := range m.order {
		if l, ok := m.adapters[name].(Listener); ok {
			out = append(out, l)
		}
	}
	return out
}
