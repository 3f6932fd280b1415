package faq

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/backlinehq/backline/internal/intake"
	"github.com/backlinehq/backline/internal/modules"
	"github.com/backlinehq/backline/internal/pipeline"
	"github.com/backlinehq/backline/internal/store"
)

// --- fakes ---

type fakeRecords struct {
	found     []*store.Record
	gotQuery  string
	searchErr error
}

func (f *fakeRecords) SearchText(_ context.Context, tenant, query string, limit int) ([]*store.Record, error) {
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	f.gotQuery = query
	if limit < len(f.found) {
		return f.found[:limit], nil
	}
	return f.found, nil
}

func (f *fakeRecords) Query(context.Context, string, string, store.RecordFilter, int) ([]*store.Record, error) {
	return nil, nil
}

func (f *fakeRecords) Get(context.Context, string, uuid.UUID) (*store.Record, error) {
	return nil, nil
}

func (f *fakeRecords) Insert(context.Context, *store.Record, string) (uuid.UUID, error) {
	return uuid.Nil, errors.New("faq never inserts")
}

func (f *fakeRecords) Update(context.Context, *store.Record) error {
	return errors.New("faq never updates")
}

func (f *fakeRecords) Kinds(context.Context, string) ([]store.KindInfo, error) {
	return nil, nil
}

type fakeSender struct {
	sends []string
}

func (f *fakeSender) Send(_ context.Context, _, _, text string) error {
	f.sends = append(f.sends, text)
	return nil
}

func faqRecord(question, answer string) *store.Record {
	return &store.Record{
		ID:     uuid.Must(uuid.NewV7()),
		Tenant: "acme",
		Kind:   "faq",
		Fields: map[string]any{"question": question, "answer": answer},
	}
}

func newExchange(recs *fakeRecords, sender *fakeSender, text string, entities map[string]string) *modules.Exchange {
	item := pipeline.NewItem(intake.Message{
		Channel:           "email",
		Sender:            intake.Sender{ID: "c@example.com"},
		Text:              text,
		ProviderMessageID: "m1",
		ReceivedAt:        time.Now().UTC(),
	})
	item.Understanding = &pipeline.Understanding{Intent: "faq", Entities: entities, Confidence: 0.9}

	ex := &modules.Exchange{Item: item, Tenant: "acme", Records: recs}
	if sender != nil {
		ex.Sender = sender
	}
	return ex
}

// --- tests ---

// TestLookup_MatchesFaqKindOnly verifies other kinds in the search results
// never reach the proposal.
func TestLookup_MatchesFaqKindOnly(t *testing.T) {
	booking := &store.Record{ID: uuid.Must(uuid.NewV7()), Tenant: "acme", Kind: "booking", Fields: map[string]any{"note": "opening hours meeting"}}
	recs := &fakeRecords{found: []*store.Record{
		booking,
		faqRecord("What are your opening hours?", "We are open 9-17 Mon-Fri."),
	}}
	m := New(recs)

	ex := newExchange(recs, nil, "when are you open?", map[string]string{"topic": "opening hours"})
	if err := m.Lookup(context.Background(), ex); err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}

	if recs.gotQuery != "opening hours" {
		t.Errorf("search query = %q, want the topic entity", recs.gotQuery)
	}

	var lk lookupResult
	if err := json.Unmarshal(ex.Item.Lookup, &lk); err != nil {
		t.Fatalf("decode lookup: %v", err)
	}
	if len(lk.Entries) != 1 {
		t.Fatalf("entries = %d, want only the faq record", len(lk.Entries))
	}
	if lk.Entries[0].Answer != "We are open 9-17 Mon-Fri." {
		t.Errorf("answer = %q", lk.Entries[0].Answer)
	}
}

// TestLookup_FallsBackToMessageText verifies the raw message is the query
// when no topic was extracted.
func TestLookup_FallsBackToMessageText(t *testing.T) {
	recs := &fakeRecords{}
	m := New(recs)

	ex := newExchange(recs, nil, "do you deliver to Oslo?", nil)
	if err := m.Lookup(context.Background(), ex); err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if recs.gotQuery != "do you deliver to Oslo?" {
		t.Errorf("search query = %q, want the message text", recs.gotQuery)
	}
}

// TestLookup_SearchErrorIsRetryable verifies store trouble is transient.
func TestLookup_SearchErrorIsRetryable(t *testing.T) {
	recs := &fakeRecords{searchErr: errors.New("index offline")}
	m := New(recs)

	err := m.Lookup(context.Background(), newExchange(recs, nil, "hours?", nil))
	if err == nil {
		t.Fatal("Lookup() error = nil, want transient")
	}
	if !pipeline.IsRetryable(err) {
		t.Errorf("IsRetryable(%v) = false, want true", err)
	}
}

// TestPropose_MatchAutoApproves verifies a knowledge-base hit skips review.
func TestPropose_MatchAutoApproves(t *testing.T) {
	recs := &fakeRecords{found: []*store.Record{faqRecord("Opening hours?", "9-17.")}}
	m := New(recs)

	ex := newExchange(recs, nil, "hours?", nil)
	if err := m.Lookup(context.Background(), ex); err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if err := m.Propose(context.Background(), ex); err != nil {
		t.Fatalf("Propose() error = %v", err)
	}

	p := ex.Item.Proposal
	if !p.AutoApprovable {
		t.Error("a read-only answer should auto-approve")
	}
	if !strings.Contains(p.Summary, "Opening hours?") {
		t.Errorf("Summary = %q, want the matched question", p.Summary)
	}
}

// TestPropose_MissNeedsHuman verifies an unanswered question parks on the
// review surface.
func TestPropose_MissNeedsHuman(t *testing.T) {
	recs := &fakeRecords{}
	m := New(recs)

	ex := newExchange(recs, nil, "do you ship to the moon?", nil)
	if err := m.Lookup(context.Background(), ex); err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if err := m.Propose(context.Background(), ex); err != nil {
		t.Fatalf("Propose() error = %v", err)
	}

	p := ex.Item.Proposal
	if p.AutoApprovable {
		t.Error("a miss needs a human answer, not auto-approval")
	}
	if !strings.Contains(p.Summary, "ship to the moon") {
		t.Errorf("Summary = %q, want the question quoted", p.Summary)
	}
}

// TestExecute_RecordsMatchedRef verifies the read-only execution points at
// the entry it answered from.
func TestExecute_RecordsMatchedRef(t *testing.T) {
	hit := faqRecord("Hours?", "9-17.")
	recs := &fakeRecords{found: []*store.Record{hit}}
	m := New(recs)

	ex := newExchange(recs, nil, "hours?", nil)
	if err := m.Lookup(context.Background(), ex); err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if err := m.Propose(context.Background(), ex); err != nil {
		t.Fatalf("Propose() error = %v", err)
	}
	if err := m.Execute(context.Background(), ex); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	exec := ex.Item.Execution
	if exec == nil || !exec.OK {
		t.Fatal("Execution not recorded as OK")
	}
	if len(exec.Refs) != 1 || exec.Refs[0] != hit.ID.String() {
		t.Errorf("Refs = %v, want the matched entry id", exec.Refs)
	}
}

// TestAcknowledge_SendsAnswer verifies the matched answer is the reply.
func TestAcknowledge_SendsAnswer(t *testing.T) {
	recs := &fakeRecords{found: []*store.Record{faqRecord("Hours?", "We are open 9-17.")}}
	sender := &fakeSender{}
	m := New(recs)

	ex := newExchange(recs, sender, "hours?", nil)
	if err := m.Lookup(context.Background(), ex); err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if err := m.Acknowledge(context.Background(), ex); err != nil {
		t.Fatalf("Acknowledge() error = %v", err)
	}

	if len(sender.sends) != 1 || sender.sends[0] != "We are open 9-17." {
		t.Errorf("sends = %v, want the stored answer", sender.sends)
	}
	if ex.Reply != "We are open 9-17." {
		t.Errorf("Exchange.Reply = %q, want the sent text", ex.Reply)
	}
}

// TestAcknowledge_ReviewerAnswersMiss verifies the reviewer's reason is the
// reply when the knowledge base had nothing.
func TestAcknowledge_ReviewerAnswersMiss(t *testing.T) {
	recs := &fakeRecords{}
	sender := &fakeSender{}
	m := New(recs)

	ex := newExchange(recs, sender, "do you ship abroad?", nil)
	if err := m.Lookup(context.Background(), ex); err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	ex.Item.Decision = &pipeline.Decision{
		Verdict:   pipeline.VerdictApproved,
		DecidedBy: "ops-ann",
		Reason:    "Yes, we ship to all of Europe.",
		ViaReview: true,
		At:        time.Now().UTC(),
	}

	if err := m.Acknowledge(context.Background(), ex); err != nil {
		t.Fatalf("Acknowledge() error = %v", err)
	}
	if len(sender.sends) != 1 || sender.sends[0] != "Yes, we ship to all of Europe." {
		t.Errorf("sends = %v, want the reviewer's answer", sender.sends)
	}

	sender.sends = nil
	ex.Item.Decision = nil
	if err := m.Acknowledge(context.Background(), ex); err != nil {
		t.Fatalf("Acknowledge() error = %v", err)
	}
	if len(sender.sends) != 1 || !strings.Contains(sender.sends[0], "teammate") {
		t.Errorf("sends = %v, want the holding note", sender.sends)
	}
}
