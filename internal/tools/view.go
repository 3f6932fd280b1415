package tools

import (
	"time"

	"github.com/backlinehq/backline/internal/store"
)

// recordView is what tools show the model: the record minus the tenant
// column, which is implicit in every call and must not look overridable.
type recordView struct {
	ID        string         `json:"id"`
	Kind      string         `json:"kind"`
	Fields    map[string]any `json:"fields"`
	Tags      []string       `json:"tags,omitempty"`
	UpdatedAt string         `json:"updated_at"`
}

func viewOf(r *store.Record) recordView {
	return recordView{
		ID:        r.ID.String(),
		Kind:      r.Kind,
		Fields:    r.Fields,
		Tags:      r.Tags,
		UpdatedAt: r.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func viewsOf(rs []*store.Record) []recordView {
	out := make([]recordView, 0, len(rs))
	for _, r := range rs {
		out = append(out, viewOf(r))
	}
	return out
}
