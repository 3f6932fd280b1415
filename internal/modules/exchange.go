package modules

import (
	"context"

	"github.com/backlinehq/backline/internal/pipeline"
	"github.com/backlinehq/backline/internal/store"
)

// Sender delivers the acknowledgment on the item's originating channel.
// The channel manager satisfies this.
type Sender interface {
	Send(ctx context.Context, channel, recipient, text string) error
}

// Exchange is the shared context a module's four steps operate on. The
// orchestrator builds one per claimed item; because the item is persisted
// after every step, a step finds whatever the previous steps recorded even
// after a crash and re-claim.
type Exchange struct {
	Item    *pipeline.Item
	Tenant  string
	Records store.RecordStore
	Sender  Sender

	// Reply is the acknowledgment text the module sent (or tried to send),
	// kept for the audit entry.
	Reply string
}

// ReviewerReply returns the reviewer's free-text reason when one was left
// with a review-surface decision. Modules whose proposals need a human
// answer use it as the reply body. Automatic approvals carry a machine
// rationale in Reason, which must never reach a customer, so those return
// empty.
func (ex *Exchange) ReviewerReply() string {
	d := ex.Item.Decision
	if d == nil || !d.ViaReview {
		return ""
	}
	return d.Reason
}

// SendReply records text as the exchange's reply and delivers it to the
// item's sender on the originating channel.
func (ex *Exchange) SendReply(ctx context.Context, text string) error {
	ex.Reply = text
	msg := ex.Item.Message
	return ex.Sender.Send(ctx, msg.Channel, msg.Sender.ID, text)
}
