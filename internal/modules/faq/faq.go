// Package faq answers questions from the knowledge base. Matches are
// read-only, so they auto-approve; questions with no match park on the
// review surface where a teammate writes the answer.
package faq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/backlinehq/backline/internal/modules"
	"github.com/backlinehq/backline/internal/pipeline"
	"github.com/backlinehq/backline/internal/store"
)

const (
	faqKind = "faq"
	maxHits = 5
)

// Module answers from records of kind "faq" (fields: question, answer).
type Module struct {
	records store.RecordStore
}

// New returns the knowledge-base handler.
func New(records store.RecordStore) *Module {
	return &Module{records: records}
}

func (m *Module) Descriptor() modules.Descriptor {
	return modules.Descriptor{
		ID:             "faq",
		Label:          "Knowledge-base answers",
		Intents:        []string{"faq", "question", "info"},
		AutoApprovable: true,
	}
}

type lookupResult struct {
	Query   string  `json:"query"`
	Entries []entry `json:"entries"`
}

type entry struct {
	ID       string `json:"id"`
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// Lookup text-searches the knowledge base with the extracted topic, or the
// raw message when the classifier produced none.
func (m *Module) Lookup(ctx context.Context, ex *modules.Exchange) error {
	query := ex.Item.Entities()["topic"]
	if query == "" {
		query = ex.Item.Message.Text
	}

	recs, err := m.records.SearchText(ctx, ex.Tenant, query, maxHits*4)
	if err != nil {
		return pipeline.Transient("faq search", err)
	}

	out := lookupResult{Query: query}
	for _, rec := range recs {
		if rec.Kind != faqKind {
			continue
		}
		out.Entries = append(out.Entries, entry{
			ID:       rec.ID.String(),
			Question: fieldString(rec, "question"),
			Answer:   fieldString(rec, "answer"),
		})
		if len(out.Entries) == maxHits {
			break
		}
	}

	raw, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("encode faq lookup: %w", err)
	}
	ex.Item.Lookup = raw
	return nil
}

// Propose auto-approves when the knowledge base had an answer; a miss needs
// a human to write one.
func (m *Module) Propose(ctx context.Context, ex *modules.Exchange) error {
	var lk lookupResult
	if len(ex.Item.Lookup) > 0 {
		if err := json.Unmarshal(ex.Item.Lookup, &lk); err != nil {
			return pipeline.Validationf("corrupt faq lookup: %v", err)
		}
	}

	if len(lk.Entries) > 0 {
		ex.Item.Proposal = &pipeline.Proposal{
			ModuleID:       "faq",
			Summary:        fmt.Sprintf("Answer %q from the knowledge base", lk.Entries[0].Question),
			AutoApprovable: true,
		}
		return nil
	}

	ex.Item.Proposal = &pipeline.Proposal{
		ModuleID: "faq",
		Summary:  fmt.Sprintf("No knowledge-base match for %q; needs a human answer", modules.Snippet(lk.Query, 120)),
	}
	return nil
}

// Execute records the read-only outcome. Nothing is written either way.
func (m *Module) Execute(ctx context.Context, ex *modules.Exchange) error {
	exec := &pipeline.Execution{OK: true, Detail: "read only", At: time.Now().UTC()}

	var lk lookupResult
	if json.Unmarshal(ex.Item.Lookup, &lk) == nil && len(lk.Entries) > 0 {
		exec.Refs = []string{lk.Entries[0].ID}
	}
	ex.Item.Execution = exec
	return nil
}

// Acknowledge replies with the matched answer, the reviewer's answer, or a
// holding note when neither exists.
func (m *Module) Acknowledge(ctx context.Context, ex *modules.Exchange) error {
	var lk lookupResult
	if json.Unmarshal(ex.Item.Lookup, &lk) == nil && len(lk.Entries) > 0 && lk.Entries[0].Answer != "" {
		return ex.SendReply(ctx, lk.Entries[0].Answer)
	}
	if text := ex.ReviewerReply(); text != "" {
		return ex.SendReply(ctx, text)
	}
	return ex.SendReply(ctx, "We could not find an answer for that. A teammate will reply shortly.")
}

func fieldString(rec *store.Record, key string) string {
	if rec.Fields == nil {
		return ""
	}
	v, ok := rec.Fields[key]
	if !ok || v == nil {
		return ""
	}
	return fmt.Sprint(v)
}
