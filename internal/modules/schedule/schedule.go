// Package schedule handles appointment requests: look up open slots,
// propose a booking for review, insert the booking guarded by a natural
// key, and confirm to the sender.
package schedule

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/backlinehq/backline/internal/modules"
	"github.com/backlinehq/backline/internal/pipeline"
	"github.com/backlinehq/backline/internal/store"
)

const (
	slotKind    = "slot"
	bookingKind = "booking"
	maxSlots    = 12
)

// Module books appointments against slot records.
type Module struct {
	records store.RecordStore
}

// New returns the scheduling handler.
func New(records store.RecordStore) *Module {
	return &Module{records: records}
}

func (m *Module) Descriptor() modules.Descriptor {
	return modules.Descriptor{
		ID:      "schedule",
		Label:   "Appointment scheduling",
		Intents: []string{"schedule", "booking", "appointment"},
	}
}

// lookupResult is what LOOKUP records on the item for the later steps.
type lookupResult struct {
	Date  string     `json:"date,omitempty"`
	Slots []slotInfo `json:"slots"`
}

type slotInfo struct {
	ID   string `json:"id"`
	Date string `json:"date"`
	Time string `json:"time"`
}

// bookingAction is the proposal payload EXECUTE performs. Reviewers see it
// verbatim on the review surface and may replace it wholesale.
type bookingAction struct {
	SlotID  string `json:"slot_id,omitempty"`
	Date    string `json:"date"`
	Time    string `json:"time"`
	Name    string `json:"name,omitempty"`
	Contact string `json:"contact,omitempty"`
	Note    string `json:"note,omitempty"`
}

// Lookup loads the open slots, narrowed to the requested date when the
// classifier extracted one.
func (m *Module) Lookup(ctx context.Context, ex *modules.Exchange) error {
	date := ex.Item.Entities()["date"]

	filter := store.RecordFilter{Fields: map[string]string{"status": "open"}}
	if date != "" {
		filter.Fields["date"] = date
	}

	recs, err := m.records.Query(ctx, ex.Tenant, slotKind, filter, maxSlots)
	if err != nil {
		return pipeline.Transient("slot lookup", err)
	}

	out := lookupResult{Date: date, Slots: make([]slotInfo, 0, len(recs))}
	for _, rec := range recs {
		out.Slots = append(out.Slots, slotInfo{
			ID:   rec.ID.String(),
			Date: fieldString(rec, "date"),
			Time: fieldString(rec, "time"),
		})
	}

	raw, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("encode slot lookup: %w", err)
	}
	ex.Item.Lookup = raw
	return nil
}

// Propose turns the lookup into either a booking action (when the request
// names an open slot) or a reply-only suggestion listing what is open. The
// suggestion carries no action, so it is safe to auto-approve; the booking
// writes a record and always goes through review.
func (m *Module) Propose(ctx context.Context, ex *modules.Exchange) error {
	var lk lookupResult
	if len(ex.Item.Lookup) > 0 {
		if err := json.Unmarshal(ex.Item.Lookup, &lk); err != nil {
			return pipeline.Validationf("corrupt slot lookup: %v", err)
		}
	}

	ents := ex.Item.Entities()
	date, at := ents["date"], ents["time"]

	if slot := matchSlot(lk.Slots, date, at); slot != nil {
		act := bookingAction{
			SlotID:  slot.ID,
			Date:    slot.Date,
			Time:    slot.Time,
			Name:    ents["name"],
			Contact: ents["contact"],
			Note:    ents["note"],
		}
		raw, err := json.Marshal(act)
		if err != nil {
			return fmt.Errorf("encode booking action: %w", err)
		}

		who := act.Name
		if who == "" {
			who = ex.Item.Message.Sender.ID
		}
		ex.Item.Proposal = &pipeline.Proposal{
			ModuleID: "schedule",
			Summary:  fmt.Sprintf("Book %s %s for %s", slot.Date, slot.Time, who),
			Action:   raw,
		}
		return nil
	}

	summary := "Reply with the open slots (request did not name a bookable time)"
	if date != "" && at != "" {
		summary = fmt.Sprintf("Reply with alternatives (%s %s is not open)", date, at)
	}
	ex.Item.Proposal = &pipeline.Proposal{
		ModuleID:       "schedule",
		Summary:        summary,
		AutoApprovable: true,
	}
	return nil
}

// Execute inserts the booking. The natural key makes a retried EXECUTE a
// no-op instead of a double booking.
func (m *Module) Execute(ctx context.Context, ex *modules.Exchange) error {
	now := time.Now().UTC()

	raw := ex.Item.EffectiveAction()
	if len(raw) == 0 {
		ex.Item.Execution = &pipeline.Execution{OK: true, Detail: "reply only, no side effect", At: now}
		return nil
	}

	var act bookingAction
	if err := json.Unmarshal(raw, &act); err != nil {
		return pipeline.Validationf("booking action: %v", err)
	}
	if act.Date == "" || act.Time == "" {
		return pipeline.Validationf("booking action missing date or time")
	}

	rec := &store.Record{
		Tenant: ex.Tenant,
		Kind:   bookingKind,
		Fields: map[string]any{
			"date":    act.Date,
			"time":    act.Time,
			"name":    act.Name,
			"contact": act.Contact,
			"channel": ex.Item.Channel,
			"sender":  ex.Item.Message.Sender.ID,
		},
		Tags: []string{"pipeline"},
	}
	if act.Note != "" {
		rec.Fields["note"] = act.Note
	}

	id, err := m.records.Insert(ctx, rec, act.Date+"/"+act.Time)
	if err != nil {
		return pipeline.Transient("booking insert", err)
	}
	refs := []string{id.String()}

	// Close the slot so the next lookup stops offering it. Setting the same
	// status twice is the same write, so a retry stays safe.
	if slotID, perr := uuid.Parse(act.SlotID); perr == nil {
		if slot, gerr := m.records.Get(ctx, ex.Tenant, slotID); gerr == nil && slot != nil {
			slot.Fields["status"] = "booked"
			if uerr := m.records.Update(ctx, slot); uerr != nil {
				slog.Warn("slot status update failed", "slot", act.SlotID, "error", uerr)
			} else {
				refs = append(refs, slot.ID.String())
			}
		}
	}

	ex.Item.Execution = &pipeline.Execution{
		OK:     true,
		Refs:   refs,
		Detail: fmt.Sprintf("booked %s %s", act.Date, act.Time),
		At:     now,
	}
	return nil
}

// Acknowledge confirms the booking, or lists the open slots when the
// proposal was reply-only.
func (m *Module) Acknowledge(ctx context.Context, ex *modules.Exchange) error {
	return ex.SendReply(ctx, m.replyText(ex))
}

func (m *Module) replyText(ex *modules.Exchange) string {
	raw := ex.Item.EffectiveAction()
	if len(raw) > 0 {
		var act bookingAction
		if json.Unmarshal(raw, &act) == nil && act.Date != "" {
			return fmt.Sprintf("You are booked for %s at %s. Reply here if you need to change it.", act.Date, act.Time)
		}
	}

	var lk lookupResult
	_ = json.Unmarshal(ex.Item.Lookup, &lk)

	if len(lk.Slots) == 0 {
		if lk.Date != "" {
			return fmt.Sprintf("We have no open slots on %s. Tell us another day that works and we will check.", lk.Date)
		}
		return "We have no open slots right now. Tell us a day that works and we will check."
	}

	var b strings.Builder
	b.WriteString("Here is what is open")
	if lk.Date != "" {
		fmt.Fprintf(&b, " on %s", lk.Date)
	}
	b.WriteString(":\n")
	for _, s := range lk.Slots {
		fmt.Fprintf(&b, "- %s %s\n", s.Date, s.Time)
	}
	b.WriteString("Reply with the one you want.")
	return b.String()
}

// matchSlot finds the open slot for an exact date+time request. Both parts
// are required: booking "10:00" with several days open would be a guess.
func matchSlot(slots []slotInfo, date, at string) *slotInfo {
	if date == "" || at == "" {
		return nil
	}
	for i := range slots {
		if slots[i].Date == date && slots[i].Time == at {
			return &slots[i]
		}
	}
	return nil
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
