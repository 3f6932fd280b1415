package tools

import (
	"sort"
	"strings"

	"github.com/backlinehq/backline/internal/config"
)

// Default caps for tool output fed back to the model.
const (
	defaultMaxResults     = 25
	defaultMaxResultBytes = 8 * 1024
)

// Built-in kind whitelists. Writes are the stricter subset: the model can
// look up slots, customers and FAQ entries, but only book and annotate.
var (
	defaultReadKinds  = []string{"booking", "slot", "faq", "customer", "note"}
	defaultWriteKinds = []string{"booking", "note"}
)

// Policy is the static whitelist the executor enforces around every tool
// call: which record kinds may be read, the stricter set that may be
// written, and how much result data a single call may return to the model.
// The whitelist is closed; a kind not listed is denied, not defaulted.
type Policy struct {
	readKinds  map[string]bool
	writeKinds map[string]bool

	MaxResults     int // per-query row cap
	MaxResultBytes int // serialized result cap per call
}

// NewPolicy builds a policy from explicit whitelists. Empty lists and
// non-positive caps fall back to the built-in defaults.
func NewPolicy(readKinds, writeKinds []string, maxResults, maxResultBytes int) *Policy {
	if len(readKinds) == 0 {
		readKinds = defaultReadKinds
	}
	if len(writeKinds) == 0 {
		writeKinds = defaultWriteKinds
	}
	if maxResults <= 0 {
		maxResults = defaultMaxResults
	}
	if maxResultBytes <= 0 {
		maxResultBytes = defaultMaxResultBytes
	}
	return &Policy{
		readKinds:      kindSet(readKinds),
		writeKinds:     kindSet(writeKinds),
		MaxResults:     maxResults,
		MaxResultBytes: maxResultBytes,
	}
}

// DefaultPolicy returns the built-in whitelists and caps.
func DefaultPolicy() *Policy {
	return NewPolicy(nil, nil, 0, 0)
}

// PolicyFromConfig builds the policy from the tools config section.
func PolicyFromConfig(cfg config.ToolsConfig) *Policy {
	return NewPolicy(cfg.ReadKinds, cfg.WriteKinds, cfg.MaxResults, cfg.MaxResultBytes)
}

// ReadAllowed reports whether kind is a permitted read target.
func (p *Policy) ReadAllowed(kind string) bool {
	return p.readKinds[normalizeKind(kind)]
}

// WriteAllowed reports whether kind is a permitted write target.
func (p *Policy) WriteAllowed(kind string) bool {
	return p.writeKinds[normalizeKind(kind)]
}

// ReadKinds returns the sorted read whitelist.
func (p *Policy) ReadKinds() []string { return sortedKinds(p.readKinds) }

// WriteKinds returns the sorted write whitelist.
func (p *Policy) WriteKinds() []string { return sortedKinds(p.writeKinds) }

func normalizeKind(kind string) string {
	return strings.ToLower(strings.TrimSpace(kind))
}

func kindSet(kinds []string) map[string]bool {
	set := make(map[string]bool, len(kinds))
	for _, k := range kinds {
		if k = normalizeKind(k); k != "" {
			set[k] = true
		}
	}
	return set
}

func sortedKinds(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
