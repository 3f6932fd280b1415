package modules

import (
	"context"
	"fmt"
	"time"

	"github.com/backlinehq/backline/internal/pipeline"
)

// ManualReview is the safety net for messages nothing else handles: it
// proposes no action and parks the item on the review surface. It registers
// no intents; the orchestrator falls back to it explicitly when the
// registry has no match and the agent loop is not applicable.
type ManualReview struct{}

// NewManualReview returns the fallback handler.
func NewManualReview() *ManualReview { return &ManualReview{} }

func (m *ManualReview) Descriptor() Descriptor {
	return Descriptor{ID: "manual_review", Label: "Manual review"}
}

// Lookup has nothing to gather; the reviewer sees the raw message.
func (m *ManualReview) Lookup(ctx context.Context, ex *Exchange) error { return nil }

func (m *ManualReview) Propose(ctx context.Context, ex *Exchange) error {
	intent := "unknown"
	if u := ex.Item.Understanding; u != nil && u.Intent != "" {
		intent = u.Intent
	}
	ex.Item.Proposal = &pipeline.Proposal{
		ModuleID: "manual_review",
		Summary:  fmt.Sprintf("No handler for intent %q: %s", intent, Snippet(ex.Item.Message.Text, 140)),
	}
	return nil
}

func (m *ManualReview) Execute(ctx context.Context, ex *Exchange) error {
	ex.Item.Execution = &pipeline.Execution{
		OK:     true,
		Detail: "no side effect",
		At:     time.Now().UTC(),
	}
	return nil
}

// Acknowledge sends the reviewer's reply when one was written with the
// approval, else a generic notice.
func (m *ManualReview) Acknowledge(ctx context.Context, ex *Exchange) error {
	text := ex.ReviewerReply()
	if text == "" {
		text = "Thanks for your message. A teammate has reviewed it and will follow up shortly."
	}
	return ex.SendReply(ctx, text)
}
