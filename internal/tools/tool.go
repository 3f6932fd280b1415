// Package tools implements the bounded tool surface the agent loop can
// call: read/query tools over the tenant's records, one restricted write
// tool, outbound messaging, schema introspection, and text search. Every
// call goes through the Executor, which enforces the whitelist, injects the
// tenant scope, gates writes behind the operator identity, redacts and
// truncates output, and audits writes.
package tools

import (
	"context"
	"sort"
	"sync"

	"github.com/backlinehq/backline/internal/providers"
)

// Tool is one callable unit exposed to the model. Implementations must be
// safe for concurrent Execute calls; per-call scope (tenant, actor,
// operator flag) travels in ctx, never on the instance.
type Tool interface {
	// Name is the stable identifier the model calls the tool by.
	Name() string

	// Description tells the model what the tool does and when to use it.
	Description() string

	// Parameters returns the JSON schema for the tool's arguments.
	Parameters() map[string]interface{}

	// Writes reports whether executing the tool has side effects. Write
	// tools are gated behind the operator check and audited per call.
	Writes() bool

	// Execute runs the tool. Failures surface on the Result rather than as
	// a second return value, so the model always gets something to read.
	Execute(ctx context.Context, args map[string]interface{}) *Result
}

// Registry holds the tool set exposed to an agent run.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry(ts ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool, len(ts))}
	for _, t := range ts {
		r.Register(t)
	}
	return r
}

// Register adds a tool, replacing any existing tool with the same name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Get looks up a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns all registered tool names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns provider-format definitions for every registered
// tool, in List order.
func (r *Registry) Definitions() []providers.ToolDefinition {
	names := r.List()
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]providers.ToolDefinition, 0, len(names))
	for _, name := range names {
		defs = append(defs, ToProviderDef(r.tools[name]))
	}
	return defs
}

// ToProviderDef converts a Tool to the provider wire format.
func ToProviderDef(t Tool) providers.ToolDefinition {
	return providers.ToolDefinition{
		Type: "function",
		Function: providers.ToolFunctionSchema{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		},
	}
}
