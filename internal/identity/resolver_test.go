package identity

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/backlinehq/backline/internal/store"
)

// fakeIdentityStore implements store.IdentityStore in memory.
type fakeIdentityStore struct {
	ops   []*store.Operator
	err   error
	calls int
}

func (f *fakeIdentityStore) ListOperators(ctx context.Context) ([]*store.Operator, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.ops, nil
}

func (f *fakeIdentityStore) UpsertOperator(ctx context.Context, op *store.Operator) error {
	f.ops = append(f.ops, op)
	return nil
}

func opWith(display string, channels map[string][]string) *store.Operator {
	return &store.Operator{
		ID:       uuid.Must(uuid.NewV7()),
		Display:  display,
		Channels: channels,
		Active:   true,
	}
}

func TestResolve_MatchAndMiss(t *testing.T) {
	st := &fakeIdentityStore{ops: []*store.Operator{
		opWith("Ann", map[string][]string{"telegram": {"42"}, "email": {"Ann@Acme.Test"}}),
	}}
	r := New(st, Config{})

	meta, ok := r.Resolve(context.Background(), "telegram", "42")
	if !ok {
		t.Fatal("expected operator match")
	}
	if meta.MatchedChannel != "telegram" || meta.MatchedValue != "42" {
		t.Errorf("meta = %+v", meta)
	}
	if meta.OperatorID == "" {
		t.Error("operator id is empty")
	}

	if _, ok := r.Resolve(context.Background(), "telegram", "99"); ok {
		t.Error("unexpected match for unknown sender")
	}
	if _, ok := r.Resolve(context.Background(), "discord", "42"); ok {
		t.Error("channel must be part of the key")
	}
}

func TestResolve_CaseInsensitive(t *testing.T) {
	st := &fakeIdentityStore{ops: []*store.Operator{
		opWith("Ann", map[string][]string{"email": {"Ann@Acme.Test"}}),
	}}
	r := New(st, Config{})

	if _, ok := r.Resolve(context.Background(), "email", "ann@acme.test"); !ok {
		t.Error("email match should be case-insensitive")
	}
}

func TestResolve_InactiveOperatorSkipped(t *testing.T) {
	op := opWith("Gone", map[string][]string{"telegram": {"7"}})
	op.Active = false
	st := &fakeIdentityStore{ops: []*store.Operator{op}}
	r := New(st, Config{})

	if _, ok := r.Resolve(context.Background(), "telegram", "7"); ok {
		t.Error("inactive operator must not resolve")
	}
}

func TestResolve_SnapshotTTL(t *testing.T) {
	clock := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	st := &fakeIdentityStore{ops: []*store.Operator{
		opWith("Ann", map[string][]string{"telegram": {"42"}}),
	}}
	r := New(st, Config{TTL: 5 * time.Minute, Now: func() time.Time { return clock }})

	r.Resolve(context.Background(), "telegram", "42")
	r.Resolve(context.Background(), "telegram", "42")
	if st.calls != 1 {
		t.Fatalf("store calls = %d, want 1 (snapshot cached)", st.calls)
	}

	clock = clock.Add(6 * time.Minute)
	r.Resolve(context.Background(), "telegram", "42")
	if st.calls != 2 {
		t.Errorf("store calls = %d, want 2 after TTL expiry", st.calls)
	}
}

func TestResolve_ServesStaleOnRefreshError(t *testing.T) {
	clock := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	st := &fakeIdentityStore{ops: []*store.Operator{
		opWith("Ann", map[string][]string{"telegram": {"42"}}),
	}}
	r := New(st, Config{TTL: time.Minute, Now: func() time.Time { return clock }})

	if _, ok := r.Resolve(context.Background(), "telegram", "42"); !ok {
		t.Fatal("initial resolve failed")
	}

	st.err = errors.New("db down")
	clock = clock.Add(2 * time.Minute)

	if _, ok := r.Resolve(context.Background(), "telegram", "42"); !ok {
		t.Error("stale snapshot should still serve lookups when refresh fails")
	}
}

func TestRefresh_RosterFileMergesAndWins(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "roster.json")
	body := `{"operators": [
		{"id": "ann-file", "display": "Ann", "channels": {"telegram": ["42"], "sms": ["+15550100"]}}
	]}`
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}

	st := &fakeIdentityStore{ops: []*store.Operator{
		opWith("AnnDB", map[string][]string{"telegram": {"42"}}),
	}}
	r := New(st, Config{RosterPath: path})

	meta, ok := r.Resolve(context.Background(), "telegram", "42")
	if !ok {
		t.Fatal("expected match")
	}
	if meta.OperatorID != "ann-file" {
		t.Errorf("operator id = %q, want file entry to win", meta.OperatorID)
	}
	if _, ok := r.Resolve(context.Background(), "sms", "+15550100"); !ok {
		t.Error("file-only channel should resolve")
	}
}

func TestRefresh_BadRosterKeepsSnapshot(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "roster.json")
	if err := os.WriteFile(path, []byte(`{"operators":[{"id":"ann","channels":{"telegram":["42"]}}]}`), 0600); err != nil {
		t.Fatal(err)
	}

	r := New(&fakeIdentityStore{}, Config{RosterPath: path})
	if _, ok := r.Resolve(context.Background(), "telegram", "42"); !ok {
		t.Fatal("initial load failed")
	}

	if err := os.WriteFile(path, []byte(`{not json`), 0600); err != nil {
		t.Fatal(err)
	}
	r.Invalidate()

	if _, ok := r.Resolve(context.Background(), "telegram", "42"); !ok {
		t.Error("corrupt roster must not wipe the working snapshot")
	}
}

func TestLoadRosterFile_Validation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "roster.json")
	if err := os.WriteFile(path, []byte(`{"operators":[{"display":"NoID","channels":{}}]}`), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := loadRosterFile(path); err == nil {
		t.Error("expected error for operator without id")
	}
}
