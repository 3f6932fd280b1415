package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/backlinehq/backline/internal/store"
)

// SearchTextTool free-text searches across all records in the tenant.
// Because the search spans kinds, hits on kinds outside the read whitelist
// are dropped from the results rather than failing the whole call.
type SearchTextTool struct {
	records store.RecordStore
}

func NewSearchTextTool(records store.RecordStore) *SearchTextTool {
	return &SearchTextTool{records: records}
}

func (t *SearchTextTool) Name() string { return "search_text" }

func (t *SearchTextTool) Description() string {
	return "Free-text search across all business records. Matches anywhere in the " +
		"record fields. Prefer records_query when you know the kind and fields."
}

func (t *SearchTextTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "Text to search for",
			},
			"limit": map[string]interface{}{
				"type":        "number",
				"description": "Maximum records to return",
			},
		},
		"required": []string{"query"},
	}
}

func (t *SearchTextTool) Writes() bool { return false }

func (t *SearchTextTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	query := stringArg(args, "query")
	if query == "" {
		return ErrorResult("search_text requires a query")
	}

	policy := PolicyFromCtx(ctx)
	limit := intArg(args, "limit", policy.MaxResults)
	if limit <= 0 || limit > policy.MaxResults {
		limit = policy.MaxResults
	}

	recs, err := t.records.SearchText(ctx, TenantFromCtx(ctx), query, limit)
	if err != nil {
		slog.Warn("text search failed", "error", err)
		return ErrorResult(fmt.Sprintf("search failed: %v", err)).WithError(err)
	}

	var visible []*store.Record
	for _, rec := range recs {
		if policy.ReadAllowed(rec.Kind) {
			visible = append(visible, rec)
		}
	}
	if len(visible) == 0 {
		return NewResult("no records matched")
	}

	out, err := json.Marshal(viewsOf(visible))
	if err != nil {
		return ErrorResult(fmt.Sprintf("encode results: %v", err)).WithError(err)
	}
	return NewResult(string(out))
}
