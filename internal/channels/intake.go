package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/backlinehq/backline/internal/intake"
	"github.com/backlinehq/backline/internal/pipeline"
	"github.com/backlinehq/backline/internal/store"
)

// Sink receives normalized messages from adapters. Intake is the production
// implementation.
type Sink interface {
	Submit(ctx context.Context, msg *intake.Message) (*pipeline.Item, error)
}

// Resolver answers whether a platform identity belongs to a trusted
// operator. identity.Resolver satisfies this.
type Resolver interface {
	Resolve(ctx context.Context, channel, value string) (*intake.AdminMeta, bool)
}

// Kicker pokes the worker so a fresh enqueue is picked up before the next
// scheduled tick. worker.Worker satisfies this.
type Kicker interface {
	Kick()
}

// Intake is the hand-off from channel adapters into the pipeline: operator
// identity is resolved once, the message becomes a durable queue item, and
// duplicate deliveries collapse on the dedup key.
type Intake struct {
	queue    store.QueueStore
	resolver Resolver
	kicker   Kicker
}

// NewIntake wires the sink. resolver and kicker may be nil; admin
// annotation and the worker nudge are then skipped.
func NewIntake(queue store.QueueStore, resolver Resolver, kicker Kicker) *Intake {
	return &Intake{queue: queue, resolver: resolver, kicker: kicker}
}

// Submit annotates, validates and enqueues one normalized message. A
// duplicate delivery returns pipeline.ErrDuplicateIntake with a nil item;
// webhook handlers treat that as success.
func (in *Intake) Submit(ctx context.Context, msg *intake.Message) (*pipeline.Item, error) {
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now().UTC()
	}
	if len(msg.Attachments) > 0 {
		msg.Attachments = intake.NormalizeAttachments(msg.Attachments)
	}
	in.annotateAdmin(ctx, msg)

	if err := msg.Validate(); err != nil {
		return nil, err
	}

	item := pipeline.NewItem(*msg)
	if err := in.queue.Enqueue(ctx, item); err != nil {
		if errors.Is(err, pipeline.ErrDuplicateIntake) {
			slog.Debug("duplicate delivery dropped",
				"channel", msg.Channel,
				"provider_message_id", msg.ProviderMessageID)
			return nil, err
		}
		return nil, fmt.Errorf("enqueue %s: %w", msg.DedupKey(), err)
	}

	slog.Info("message accepted",
		"item", item.ID,
		"channel", msg.Channel,
		"sender", msg.Sender.ID,
		"admin", msg.IsAdmin())

	if in.kicker != nil {
		in.kicker.Kick()
	}
	return item, nil
}

// annotateAdmin checks the sender against the operator roster. Group-style
// channels put the authoring user behind the conversation address, so the
// metadata identities are tried as well.
func (in *Intake) annotateAdmin(ctx context.Context, msg *intake.Message) {
	if in.resolver == nil || msg.Admin != nil {
		return
	}
	candidates := []string{msg.Sender.ID, msg.Metadata["user_id"], msg.Metadata["username"]}
	for _, c := range candidates {
		if c == "" {
			continue
		}
		if meta, ok := in.resolver.Resolve(ctx, msg.Channel, c); ok {
			msg.Admin = meta
			return
		}
	}
}
