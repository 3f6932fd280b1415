// Package bootstrap seeds a fresh tenant with sample records so the faq and
// schedule modules have something to answer from on first run.
package bootstrap

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/backlinehq/backline/internal/store"
)

//go:embed seed/faq.json
var seedFS embed.FS

// seedTag marks seeded records. Its presence on any faq record means the
// tenant was already seeded and the whole run is skipped.
const seedTag = "seed"

type faqSeed struct {
	Key      string `json:"key"`
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// SeedRecords inserts the sample knowledge base and a few open appointment
// slots for the tenant. Idempotent: a tenant that already carries seeded
// records is left untouched. Returns a label per created record.
func SeedRecords(ctx context.Context, records store.RecordStore, tenant string, now time.Time) ([]string, error) {
	existing, err := records.Query(ctx, tenant, "faq", store.RecordFilter{Tag: seedTag}, 1)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: check existing seed: %w", err)
	}
	if len(existing) > 0 {
		return nil, nil
	}

	var created []string

	faqs, err := loadFAQSeeds()
	if err != nil {
		return nil, err
	}
	for _, f := range faqs {
		rec := &store.Record{
			Tenant: tenant,
			Kind:   "faq",
			Fields: map[string]any{"question": f.Question, "answer": f.Answer},
			Tags:   []string{seedTag},
		}
		if _, err := records.Insert(ctx, rec, "seed:faq:"+f.Key); err != nil {
			slog.Warn("bootstrap: faq seed failed", "key", f.Key, "error", err)
			continue
		}
		created = append(created, "faq: "+f.Question)
	}

	for _, slot := range sampleSlots(now) {
		rec := &store.Record{
			Tenant: tenant,
			Kind:   "slot",
			Fields: map[string]any{"date": slot.date, "time": slot.time, "status": "open"},
			Tags:   []string{seedTag},
		}
		key := fmt.Sprintf("seed:slot:%s:%s", slot.date, slot.time)
		if _, err := records.Insert(ctx, rec, key); err != nil {
			slog.Warn("bootstrap: slot seed failed", "date", slot.date, "error", err)
			continue
		}
		created = append(created, fmt.Sprintf("slot: %s %s", slot.date, slot.time))
	}

	return created, nil
}

func loadFAQSeeds() ([]faqSeed, error) {
	data, err := seedFS.ReadFile("seed/faq.json")
	if err != nil {
		return nil, fmt.Errorf("bootstrap: read faq seed: %w", err)
	}
	var faqs []faqSeed
	if err := json.Unmarshal(data, &faqs); err != nil {
		return nil, fmt.Errorf("bootstrap: parse faq seed: %w", err)
	}
	return faqs, nil
}

type slotSeed struct {
	date string
	time string
}

// sampleSlots returns morning and afternoon openings on the next three
// weekdays, so seeded data is bookable no matter when onboarding runs.
func sampleSlots(now time.Time) []slotSeed {
	var slots []slotSeed
	day := now
	for len(slots) < 6 {
		day = day.AddDate(0, 0, 1)
		if wd := day.Weekday(); wd == time.Saturday || wd == time.Sunday {
			continue
		}
		date := day.Format("2006-01-02")
		slots = append(slots,
			slotSeed{date: date, time: "10:00"},
			slotSeed{date: date, time: "14:00"},
		)
	}
	return slots
}
