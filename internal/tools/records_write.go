package tools

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/backlinehq/backline/internal/pipeline"
	"github.com/backlinehq/backline/internal/store"
)

// RecordsWriteTool creates or updates one record. It is the only mutation
// path exposed to the model; the executor gates it behind the write
// whitelist and the operator check, and audits every call.
type RecordsWriteTool struct {
	records store.RecordStore
}

func NewRecordsWriteTool(records store.RecordStore) *RecordsWriteTool {
	return &RecordsWriteTool{records: records}
}

func (t *RecordsWriteTool) Name() string { return "records_write" }

func (t *RecordsWriteTool) Description() string {
	return "Create a business record, or update one by passing its id. Updates merge " +
		"the given fields into the existing record. Pass natural_key on create to " +
		"make the write idempotent."
}

func (t *RecordsWriteTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"kind": map[string]interface{}{
				"type":        "string",
				"description": "Record kind to write, e.g. booking, note",
			},
			"id": map[string]interface{}{
				"type":        "string",
				"description": "Existing record id (UUID) to update; omit to create",
			},
			"fields": map[string]interface{}{
				"type":        "object",
				"description": "Field values to set",
			},
			"tags": map[string]interface{}{
				"type":        "array",
				"items":       map[string]interface{}{"type": "string"},
				"description": "Tags to set, replacing existing tags",
			},
			"natural_key": map[string]interface{}{
				"type":        "string",
				"description": "Uniqueness key per kind; a repeat create returns the existing record",
			},
		},
		"required": []string{"kind"},
	}
}

func (t *RecordsWriteTool) Writes() bool { return true }

func (t *RecordsWriteTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	kind := stringArg(args, "kind")
	if kind == "" {
		return ErrorResult("records_write requires a kind")
	}
	fields := mapArg(args, "fields")
	tenant := TenantFromCtx(ctx)

	if idStr := stringArg(args, "id"); idStr != "" {
		id, err := uuid.Parse(idStr)
		if err != nil {
			return ErrorResult(fmt.Sprintf("invalid record id %q", idStr))
		}
		rec, err := t.records.Get(ctx, tenant, id)
		if err != nil {
			return ErrorResult(fmt.Sprintf("lookup failed: %v", err)).WithError(err)
		}
		if rec == nil {
			return ErrorResult(fmt.Sprintf("no record with id %s", id))
		}
		// The stored kind is what counts: passing a whitelisted kind with
		// the id of a record of another kind must not slip through.
		if !PolicyFromCtx(ctx).WriteAllowed(rec.Kind) {
			return ErrorResult(fmt.Sprintf("kind %q is not an allowed write target", rec.Kind)).
				WithError(pipeline.ErrToolNotAllowed)
		}
		if rec.Fields == nil {
			rec.Fields = make(map[string]any, len(fields))
		}
		for k, v := range fields {
			rec.Fields[k] = v
		}
		if _, ok := args["tags"]; ok {
			rec.Tags = stringSliceArg(args, "tags")
		}
		if err := t.records.Update(ctx, rec); err != nil {
			return ErrorResult(fmt.Sprintf("update failed: %v", err)).WithError(err)
		}
		return NewResult(fmt.Sprintf("updated %s/%s", rec.Kind, rec.ID))
	}

	if len(fields) == 0 {
		return ErrorResult("records_write requires fields when creating a record")
	}
	rec := &store.Record{
		Tenant: tenant,
		Kind:   normalizeKind(kind),
		Fields: fields,
		Tags:   stringSliceArg(args, "tags"),
	}
	id, err := t.records.Insert(ctx, rec, stringArg(args, "natural_key"))
	if err != nil {
		return ErrorResult(fmt.Sprintf("create failed: %v", err)).WithError(err)
	}
	return NewResult(fmt.Sprintf("saved %s/%s", rec.Kind, id))
}
