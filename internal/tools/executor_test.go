package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/backlinehq/backline/internal/pipeline"
	"github.com/backlinehq/backline/internal/providers"
	"github.com/backlinehq/backline/internal/store"
)

// --- fakes shared by the tools tests ---

// echoTool records how it was executed, for boundary tests.
type echoTool struct {
	name      string
	writes    bool
	result    *Result
	called    int
	gotArgs   map[string]interface{}
	gotTenant string
	gotAdmin  bool
}

func (t *echoTool) Name() string        { return t.name }
func (t *echoTool) Description() string { return "test tool" }
func (t *echoTool) Writes() bool        { return t.writes }

func (t *echoTool) Parameters() map[string]interface{} {
	return map[string]interface{}{"type": "object"}
}

func (t *echoTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	t.called++
	t.gotArgs = args
	t.gotTenant = TenantFromCtx(ctx)
	t.gotAdmin = AdminFromCtx(ctx)
	if t.result != nil {
		return t.result
	}
	return NewResult("ok")
}

// fakeAudit collects appended entries in memory.
type fakeAudit struct {
	entries []*store.AuditEntry
	err     error
}

func (f *fakeAudit) Append(ctx context.Context, e *store.AuditEntry) error {
	if f.err != nil {
		return f.err
	}
	f.entries = append(f.entries, e)
	return nil
}

func (f *fakeAudit) ListByTarget(ctx context.Context, targetID string, limit int) ([]*store.AuditEntry, error) {
	var out []*store.AuditEntry
	for _, e := range f.entries {
		if e.TargetID == targetID {
			out = append(out, e)
		}
	}
	return out, nil
}

// fakeRecordStore is an in-memory RecordStore.
type fakeRecordStore struct {
	all      []*store.Record
	byKey    map[string]uuid.UUID // tenant/kind/naturalKey -> id
	inserted []*store.Record
	updated  []*store.Record
	lastKey  string // naturalKey of the last Insert
	err      error
}

func newFakeRecordStore(recs ...*store.Record) *fakeRecordStore {
	f := &fakeRecordStore{byKey: make(map[string]uuid.UUID)}
	f.all = append(f.all, recs...)
	return f
}

func (f *fakeRecordStore) Query(ctx context.Context, tenant, kind string, filter store.RecordFilter, limit int) ([]*store.Record, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []*store.Record
	for _, r := range f.all {
		if r.Tenant != tenant || r.Kind != kind {
			continue
		}
		if filter.Tag != "" && !hasTag(r, filter.Tag) {
			continue
		}
		if !fieldsMatch(r, filter.Fields) {
			continue
		}
		out = append(out, r)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *fakeRecordStore) Get(ctx context.Context, tenant string, id uuid.UUID) (*store.Record, error) {
	if f.err != nil {
		return nil, f.err
	}
	for _, r := range f.all {
		if r.Tenant == tenant && r.ID == id {
			return r, nil
		}
	}
	return nil, nil
}

func (f *fakeRecordStore) Insert(ctx context.Context, rec *store.Record, naturalKey string) (uuid.UUID, error) {
	if f.err != nil {
		return uuid.Nil, f.err
	}
	f.lastKey = naturalKey
	if naturalKey != "" {
		key := rec.Tenant + "/" + rec.Kind + "/" + naturalKey
		if existing, ok := f.byKey[key]; ok {
			return existing, nil
		}
		defer func() { f.byKey[key] = rec.ID }()
	}
	if rec.ID == uuid.Nil {
		rec.ID = uuid.Must(uuid.NewV7())
	}
	f.all = append(f.all, rec)
	f.inserted = append(f.inserted, rec)
	return rec.ID, nil
}

func (f *fakeRecordStore) Update(ctx context.Context, rec *store.Record) error {
	if f.err != nil {
		return f.err
	}
	for i, r := range f.all {
		if r.Tenant == rec.Tenant && r.ID == rec.ID {
			f.all[i] = rec
			f.updated = append(f.updated, rec)
			return nil
		}
	}
	return fmt.Errorf("update record: %s not found", rec.ID)
}

func (f *fakeRecordStore) SearchText(ctx context.Context, tenant, query string, limit int) ([]*store.Record, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []*store.Record
	for _, r := range f.all {
		if r.Tenant != tenant {
			continue
		}
		if !strings.Contains(strings.ToLower(fmt.Sprint(r.Fields)), strings.ToLower(query)) {
			continue
		}
		out = append(out, r)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *fakeRecordStore) Kinds(ctx context.Context, tenant string) ([]store.KindInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	counts := make(map[string]int)
	fields := make(map[string]map[string]bool)
	for _, r := range f.all {
		if r.Tenant != tenant {
			continue
		}
		counts[r.Kind]++
		if fields[r.Kind] == nil {
			fields[r.Kind] = make(map[string]bool)
		}
		for k := range r.Fields {
			fields[r.Kind][k] = true
		}
	}
	var out []store.KindInfo
	for kind, n := range counts {
		info := store.KindInfo{Kind: kind, Count: n}
		for k := range fields[kind] {
			info.Fields = append(info.Fields, k)
		}
		out = append(out, info)
	}
	return out, nil
}

func hasTag(r *store.Record, tag string) bool {
	for _, t := range r.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

func fieldsMatch(r *store.Record, want map[string]string) bool {
	for k, v := range want {
		if fmt.Sprint(r.Fields[k]) != v {
			return false
		}
	}
	return true
}

// toolCtx builds the context the executor would hand to a tool directly.
func toolCtx(tenant string) context.Context {
	return WithTenant(context.Background(), tenant)
}

// --- executor tests ---

// TestExecutor_RejectsUnknownTool verifies calls to unregistered tools fail
// closed with the whitelist sentinel.
func TestExecutor_RejectsUnknownTool(t *testing.T) {
	ex := NewExecutor(NewRegistry(), nil, nil)
	res := ex.Execute(toolCtx("acme"), providers.ToolCall{Name: "shell"})
	if !res.IsError {
		t.Fatal("expected error result for unknown tool")
	}
	if !errors.Is(res.Err, pipeline.ErrToolNotAllowed) {
		t.Errorf("Err = %v, want ErrToolNotAllowed", res.Err)
	}
}

// TestExecutor_RequiresTenantScope verifies a call without an injected
// tenant is rejected before the tool runs.
func TestExecutor_RequiresTenantScope(t *testing.T) {
	tool := &echoTool{name: "probe"}
	ex := NewExecutor(NewRegistry(tool), nil, nil)
	res := ex.Execute(context.Background(), providers.ToolCall{Name: "probe"})
	if !res.IsError || !errors.Is(res.Err, pipeline.ErrToolNotAllowed) {
		t.Fatalf("expected ToolNotAllowed, got IsError=%v Err=%v", res.IsError, res.Err)
	}
	if tool.called != 0 {
		t.Errorf("tool ran %d times, want 0", tool.called)
	}
}

// TestExecutor_KindWhitelist verifies the kind argument is checked against
// the read whitelist, and against the stricter write whitelist for write
// tools.
func TestExecutor_KindWhitelist(t *testing.T) {
	tests := []struct {
		name     string
		writes   bool
		kind     string
		wantDeny bool
	}{
		{"read allowed kind", false, "booking", false},
		{"read unknown kind", false, "invoice", true},
		{"write allowed kind", true, "booking", false},
		{"write read-only kind", true, "faq", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tool := &echoTool{name: "probe", writes: tt.writes}
			ex := NewExecutor(NewRegistry(tool), &fakeAudit{}, nil)
			ctx := WithAdmin(toolCtx("acme"), true)
			res := ex.Execute(ctx, providers.ToolCall{
				Name:      "probe",
				Arguments: map[string]interface{}{"kind": tt.kind},
			})
			denied := errors.Is(res.Err, pipeline.ErrToolNotAllowed)
			if denied != tt.wantDeny {
				t.Errorf("denied = %v, want %v (err %v)", denied, tt.wantDeny, res.Err)
			}
			if tt.wantDeny && tool.called != 0 {
				t.Errorf("tool ran despite deny")
			}
		})
	}
}

// TestExecutor_InjectedTenantWins verifies a model-supplied tenant argument
// is discarded and the tool sees only the context tenant.
func TestExecutor_InjectedTenantWins(t *testing.T) {
	tool := &echoTool{name: "probe"}
	ex := NewExecutor(NewRegistry(tool), nil, nil)
	res := ex.Execute(toolCtx("acme"), providers.ToolCall{
		Name:      "probe",
		Arguments: map[string]interface{}{"tenant": "other-corp", "kind": "booking"},
	})
	if res.IsError {
		t.Fatalf("unexpected error: %s", res.ForLLM)
	}
	if _, ok := tool.gotArgs["tenant"]; ok {
		t.Error("tenant argument leaked through to the tool")
	}
	if tool.gotTenant != "acme" {
		t.Errorf("tool saw tenant %q, want %q", tool.gotTenant, "acme")
	}
}

// TestExecutor_WriteRequiresOperator verifies write tools never run for
// non-operator senders.
func TestExecutor_WriteRequiresOperator(t *testing.T) {
	tool := &echoTool{name: "mutate", writes: true}
	audit := &fakeAudit{}
	ex := NewExecutor(NewRegistry(tool), audit, nil)

	res := ex.Execute(toolCtx("acme"), providers.ToolCall{Name: "mutate"})
	if !errors.Is(res.Err, pipeline.ErrWriteForbidden) {
		t.Fatalf("Err = %v, want ErrWriteForbidden", res.Err)
	}
	if tool.called != 0 {
		t.Errorf("write tool ran for non-operator")
	}
	if len(audit.entries) != 0 {
		t.Errorf("audit entry written for a refused call")
	}

	ctx := WithAdmin(toolCtx("acme"), true)
	if res := ex.Execute(ctx, providers.ToolCall{Name: "mutate"}); res.IsError {
		t.Fatalf("operator write failed: %s", res.ForLLM)
	}
	if tool.called != 1 {
		t.Errorf("tool ran %d times, want 1", tool.called)
	}
	if len(audit.entries) != 1 {
		t.Errorf("audit entries = %d, want 1", len(audit.entries))
	}
}

// TestExecutor_AuditsWrites verifies the audit entry records actor, tool
// name and arguments, with the tenant argument already stripped.
func TestExecutor_AuditsWrites(t *testing.T) {
	tool := &echoTool{name: "mutate", writes: true}
	audit := &fakeAudit{}
	ex := NewExecutor(NewRegistry(tool), audit, nil)

	ctx := WithItemID(WithActor(WithAdmin(toolCtx("acme"), true), "ops-ann"), "item-123")
	res := ex.Execute(ctx, providers.ToolCall{
		Name:      "mutate",
		Arguments: map[string]interface{}{"kind": "booking", "tenant": "evil"},
	})
	if res.IsError {
		t.Fatalf("unexpected error: %s", res.ForLLM)
	}
	if len(audit.entries) != 1 {
		t.Fatalf("audit entries = %d, want 1", len(audit.entries))
	}

	e := audit.entries[0]
	if e.Actor != "ops-ann" {
		t.Errorf("Actor = %q, want %q", e.Actor, "ops-ann")
	}
	if e.Action != store.AuditToolWrite {
		t.Errorf("Action = %q, want %q", e.Action, store.AuditToolWrite)
	}
	if e.TargetID != "mutate" {
		t.Errorf("TargetID = %q, want %q", e.TargetID, "mutate")
	}

	var payload toolWritePayload
	if err := json.Unmarshal(e.NewValue, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.ItemID != "item-123" {
		t.Errorf("ItemID = %q, want %q", payload.ItemID, "item-123")
	}
	if payload.Arguments["kind"] != "booking" {
		t.Errorf("arguments missing kind: %v", payload.Arguments)
	}
	if _, ok := payload.Arguments["tenant"]; ok {
		t.Error("audited arguments still carry a tenant")
	}
}

// TestExecutor_AuditFailureDoesNotFailCall verifies a broken audit store
// is logged but does not turn a completed write into an error.
func TestExecutor_AuditFailureDoesNotFailCall(t *testing.T) {
	tool := &echoTool{name: "mutate", writes: true}
	ex := NewExecutor(NewRegistry(tool), &fakeAudit{err: errors.New("db down")}, nil)
	ctx := WithAdmin(toolCtx("acme"), true)
	if res := ex.Execute(ctx, providers.ToolCall{Name: "mutate"}); res.IsError {
		t.Fatalf("call failed on audit error: %s", res.ForLLM)
	}
}

// TestExecutor_RedactsAndTruncates verifies credential-looking fields are
// masked and oversized output is cut before it reaches the model.
func TestExecutor_RedactsAndTruncates(t *testing.T) {
	long := strings.Repeat("x", 200)
	tool := &echoTool{
		name:   "probe",
		result: NewResult(`{"api_key": "sk-live-123", "notes": "` + long + `"}`),
	}
	policy := NewPolicy(nil, nil, 0, 64)
	ex := NewExecutor(NewRegistry(tool), nil, policy)

	res := ex.Execute(toolCtx("acme"), providers.ToolCall{Name: "probe"})
	if strings.Contains(res.ForLLM, "sk-live-123") {
		t.Error("credential value reached the model")
	}
	if !strings.Contains(res.ForLLM, "[redacted]") {
		t.Errorf("no redaction marker in %q", res.ForLLM)
	}
	if !strings.HasSuffix(res.ForLLM, truncatedMarker) {
		t.Errorf("no truncation marker in %q", res.ForLLM)
	}
	if len(res.ForLLM) > 64+len(truncatedMarker) {
		t.Errorf("result length %d exceeds cap", len(res.ForLLM))
	}
}

// TestExecutor_NilResult verifies a tool returning nil is normalized to an
// error result instead of panicking the loop.
func TestExecutor_NilResult(t *testing.T) {
	ex := NewExecutor(NewRegistry(nilResultTool{}), nil, nil)
	res := ex.Execute(toolCtx("acme"), providers.ToolCall{Name: "nil_tool"})
	if res == nil {
		t.Fatal("executor returned nil result")
	}
	if !res.IsError {
		t.Error("nil tool result should surface as an error")
	}
}

type nilResultTool struct{}

func (nilResultTool) Name() string                       { return "nil_tool" }
func (nilResultTool) Description() string                { return "returns nil" }
func (nilResultTool) Parameters() map[string]interface{} { return map[string]interface{}{} }
func (nilResultTool) Writes() bool                       { return false }
func (nilResultTool) Execute(context.Context, map[string]interface{}) *Result {
	return nil
}
