package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/backlinehq/backline/internal/store"
)

// RecordsQueryTool lists records of one kind with optional exact-match
// field filters and a tag filter. Results are scoped to the executor-
// injected tenant.
type RecordsQueryTool struct {
	records store.RecordStore
}

func NewRecordsQueryTool(records store.RecordStore) *RecordsQueryTool {
	return &RecordsQueryTool{records: records}
}

func (t *RecordsQueryTool) Name() string { return "records_query" }

func (t *RecordsQueryTool) Description() string {
	return "List business records of a given kind. Supports exact-match field filters " +
		"and a tag filter. Use schema_describe first if you are unsure which kinds " +
		"and fields exist."
}

func (t *RecordsQueryTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"kind": map[string]interface{}{
				"type":        "string",
				"description": "Record kind to query, e.g. booking, slot, faq",
			},
			"filters": map[string]interface{}{
				"type":        "object",
				"description": "Exact-match filters on record fields, e.g. {\"date\": \"2026-09-01\"}",
			},
			"tag": map[string]interface{}{
				"type":        "string",
				"description": "Only return records carrying this tag",
			},
			"limit": map[string]interface{}{
				"type":        "number",
				"description": "Maximum records to return",
			},
		},
		"required": []string{"kind"},
	}
}

func (t *RecordsQueryTool) Writes() bool { return false }

func (t *RecordsQueryTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	kind := stringArg(args, "kind")
	if kind == "" {
		return ErrorResult("records_query requires a kind")
	}

	policy := PolicyFromCtx(ctx)
	limit := intArg(args, "limit", policy.MaxResults)
	if limit <= 0 || limit > policy.MaxResults {
		limit = policy.MaxResults
	}

	filter := store.RecordFilter{Tag: stringArg(args, "tag")}
	if raw := mapArg(args, "filters"); len(raw) > 0 {
		filter.Fields = make(map[string]string, len(raw))
		for k, v := range raw {
			filter.Fields[k] = fmt.Sprint(v)
		}
	}

	recs, err := t.records.Query(ctx, TenantFromCtx(ctx), kind, filter, limit)
	if err != nil {
		slog.Warn("records query failed", "kind", kind, "error", err)
		return ErrorResult(fmt.Sprintf("query failed: %v", err)).WithError(err)
	}
	if len(recs) == 0 {
		return NewResult(fmt.Sprintf("no %s records matched", kind))
	}

	out, err := json.Marshal(viewsOf(recs))
	if err != nil {
		return ErrorResult(fmt.Sprintf("encode results: %v", err)).WithError(err)
	}
	return NewResult(string(out))
}
