package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Record is one row in the tenant-scoped system of record that modules and
// the read/write tools operate on. Fields is schemaless per kind; Tags
// support coarse filtering.
type Record struct {
	ID        uuid.UUID      `json:"id"`
	Tenant    string         `json:"tenant"`
	Kind      string         `json:"kind"`
	Fields    map[string]any `json:"fields"`
	Tags      []string       `json:"tags,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// KindInfo describes one record kind for schema introspection.
type KindInfo struct {
	Kind   string   `json:"kind"`
	Count  int      `json:"count"`
	Fields []string `json:"fields"` // union of field names seen in sampled rows
}

// RecordFilter narrows a Query. Field matches are exact on the JSON value's
// string form; Tag matches any record carrying the tag.
type RecordFilter struct {
	Fields map[string]string
	Tag    string
}

// RecordStore is the business data the pipeline reads and writes. Every
// operation is tenant-scoped; the tools executor injects the tenant and
// callers cannot widen it.
type RecordStore interface {
	Query(ctx context.Context, tenant, kind string, filter RecordFilter, limit int) ([]*Record, error)
	Get(ctx context.Context, tenant string, id uuid.UUID) (*Record, error)

	// Insert creates a record. When naturalKey is non-empty it is enforced
	// unique per (tenant, kind): a second insert with the same key returns
	// the existing record's id and inserts nothing, which is what makes a
	// retried EXECUTE safe.
	Insert(ctx context.Context, rec *Record, naturalKey string) (uuid.UUID, error)

	Update(ctx context.Context, rec *Record) error
	SearchText(ctx context.Context, tenant, query string, limit int) ([]*Record, error)
	Kinds(ctx context.Context, tenant string) ([]KindInfo, error)
}
