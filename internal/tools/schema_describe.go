package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/backlinehq/backline/internal/store"
)

// SchemaDescribeTool lists the record kinds visible to the model with row
// counts and observed field names, so it can form queries without
// guessing. Kinds outside the read whitelist are omitted entirely.
type SchemaDescribeTool struct {
	records store.RecordStore
}

func NewSchemaDescribeTool(records store.RecordStore) *SchemaDescribeTool {
	return &SchemaDescribeTool{records: records}
}

func (t *SchemaDescribeTool) Name() string { return "schema_describe" }

func (t *SchemaDescribeTool) Description() string {
	return "Describe the available record kinds: row counts, field names, and " +
		"which kinds are writable. Call this before querying unfamiliar data."
}

func (t *SchemaDescribeTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"kind": map[string]interface{}{
				"type":        "string",
				"description": "Limit the description to one kind",
			},
		},
	}
}

func (t *SchemaDescribeTool) Writes() bool { return false }

type schemaView struct {
	Kinds    []store.KindInfo `json:"kinds"`
	Writable []string         `json:"writable"`
}

func (t *SchemaDescribeTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	policy := PolicyFromCtx(ctx)
	only := normalizeKind(stringArg(args, "kind"))

	infos, err := t.records.Kinds(ctx, TenantFromCtx(ctx))
	if err != nil {
		return ErrorResult(fmt.Sprintf("describe failed: %v", err)).WithError(err)
	}

	view := schemaView{Writable: policy.WriteKinds()}
	for _, info := range infos {
		if !policy.ReadAllowed(info.Kind) {
			continue
		}
		if only != "" && normalizeKind(info.Kind) != only {
			continue
		}
		view.Kinds = append(view.Kinds, info)
	}
	if len(view.Kinds) == 0 {
		if only != "" {
			return NewResult(fmt.Sprintf("no records of kind %q", only))
		}
		return NewResult("no records yet")
	}

	out, err := json.Marshal(view)
	if err != nil {
		return ErrorResult(fmt.Sprintf("encode schema: %v", err)).WithError(err)
	}
	return NewResult(string(out))
}
