package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/backlinehq/backline/internal/pipeline"
	"github.com/backlinehq/backline/internal/store"
)

// RecordsGetTool fetches one record by id. The fetched record's kind must
// still be on the read whitelist; a bare id is not a way around it.
type RecordsGetTool struct {
	records store.RecordStore
}

func NewRecordsGetTool(records store.RecordStore) *RecordsGetTool {
	return &RecordsGetTool{records: records}
}

func (t *RecordsGetTool) Name() string { return "records_get" }

func (t *RecordsGetTool) Description() string {
	return "Fetch a single business record by its id."
}

func (t *RecordsGetTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"id": map[string]interface{}{
				"type":        "string",
				"description": "Record id (UUID)",
			},
		},
		"required": []string{"id"},
	}
}

func (t *RecordsGetTool) Writes() bool { return false }

func (t *RecordsGetTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	idStr := stringArg(args, "id")
	if idStr == "" {
		return ErrorResult("records_get requires an id")
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return ErrorResult(fmt.Sprintf("invalid record id %q", idStr))
	}

	rec, err := t.records.Get(ctx, TenantFromCtx(ctx), id)
	if err != nil {
		return ErrorResult(fmt.Sprintf("lookup failed: %v", err)).WithError(err)
	}
	if rec == nil {
		return NewResult(fmt.Sprintf("no record with id %s", id))
	}
	if !PolicyFromCtx(ctx).ReadAllowed(rec.Kind) {
		return ErrorResult(fmt.Sprintf("kind %q is not an allowed target", rec.Kind)).
			WithError(pipeline.ErrToolNotAllowed)
	}

	out, err := json.Marshal(viewOf(rec))
	if err != nil {
		return ErrorResult(fmt.Sprintf("encode record: %v", err)).WithError(err)
	}
	return NewResult(string(out))
}
