package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/backlinehq/backline/internal/store"
)

// RecordStore implements store.RecordStore on SQLite. JSON fields use the
// built-in json1 functions; tags are stored as a JSON array.
type RecordStore struct {
	db *sql.DB
}

func NewRecordStore(db *sql.DB) *RecordStore {
	return &RecordStore{db: db}
}

func (s *RecordStore) Query(ctx context.Context, tenant, kind string, filter store.RecordFilter, limit int) ([]*store.Record, error) {
	if limit <= 0 {
		limit = 25
	}

	query := `SELECT id, tenant, kind, fields, tags, created_at, updated_at
	          FROM records WHERE tenant = ? AND kind = ?`
	args := []any{tenant, kind}

	if filter.Tag != "" {
		query += ` AND EXISTS (SELECT 1 FROM json_each(tags) WHERE json_each.value = ?)`
		args = append(args, filter.Tag)
	}
	for field, want := range filter.Fields {
		query += ` AND json_extract(fields, '$.' || ?) = ?`
		args = append(args, field, want)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

func (s *RecordStore) Get(ctx context.Context, tenant string, id uuid.UUID) (*store.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, tenant, kind, fields, tags, created_at, updated_at
		 FROM records WHERE tenant = ? AND id = ?`,
		tenant, id.String(),
	)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

func (s *RecordStore) Insert(ctx context.Context, rec *store.Record, naturalKey string) (uuid.UUID, error) {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.Must(uuid.NewV7())
	}
	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now

	fields, err := json.Marshal(rec.Fields)
	if err != nil {
		return uuid.Nil, fmt.Errorf("marshal record fields: %w", err)
	}
	tags, _ := json.Marshal(rec.Tags)
	if rec.Tags == nil {
		tags = []byte("[]")
	}

	if naturalKey == "" {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO records (id, tenant, kind, natural_key, fields, tags, created_at, updated_at)
			 VALUES (?, ?, ?, NULL, ?, ?, ?, ?)`,
			rec.ID.String(), rec.Tenant, rec.Kind, string(fields), string(tags), now, now,
		)
		if err != nil {
			return uuid.Nil, fmt.Errorf("insert record: %w", err)
		}
		return rec.ID, nil
	}

	var id string
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO records (id, tenant, kind, natural_key, fields, tags, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (tenant, kind, natural_key) DO UPDATE SET updated_at = records.updated_at
		 RETURNING id`,
		rec.ID.String(), rec.Tenant, rec.Kind, naturalKey, string(fields), string(tags), now, now,
	).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("insert record: %w", err)
	}
	return uuid.Parse(id)
}

func (s *RecordStore) Update(ctx context.Context, rec *store.Record) error {
	rec.UpdatedAt = time.Now().UTC()
	fields, err := json.Marshal(rec.Fields)
	if err != nil {
		return fmt.Errorf("marshal record fields: %w", err)
	}
	tags, _ := json.Marshal(rec.Tags)
	if rec.Tags == nil {
		tags = []byte("[]")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE records SET fields = ?, tags = ?, updated_at = ?
		 WHERE tenant = ? AND id = ?`,
		string(fields), string(tags), rec.UpdatedAt, rec.Tenant, rec.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("update record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update record: %s not found in tenant %s", rec.ID, rec.Tenant)
	}
	return nil
}

func (s *RecordStore) SearchText(ctx context.Context, tenant, query string, limit int) ([]*store.Record, error) {
	if limit <= 0 {
		limit = 25
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant, kind, fields, tags, created_at, updated_at
		 FROM records WHERE tenant = ? AND LOWER(fields) LIKE '%' || LOWER(?) || '%'
		 ORDER BY updated_at DESC LIMIT ?`,
		tenant, query, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("search records: %w", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

func (s *RecordStore) Kinds(ctx context.Context, tenant string) ([]store.KindInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, COUNT(*) FROM records WHERE tenant = ? GROUP BY kind ORDER BY kind`,
		tenant,
	)
	if err != nil {
		return nil, fmt.Errorf("record kinds: %w", err)
	}
	defer rows.Close()

	var kinds []store.KindInfo
	for rows.Next() {
		var k store.KindInfo
		if err := rows.Scan(&k.Kind, &k.Count); err != nil {
			return nil, err
		}
		kinds = append(kinds, k)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Field names come from a bounded sample of recent rows per kind.
	for i := range kinds {
		fields, err := s.sampleFields(ctx, tenant, kinds[i].Kind)
		if err != nil {
			return nil, err
		}
		kinds[i].Fields = fields
	}
	return kinds, nil
}

func (s *RecordStore) sampleFields(ctx context.Context, tenant, kind string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT fields FROM records WHERE tenant = ? AND kind = ?
		 ORDER BY updated_at DESC LIMIT 20`,
		tenant, kind,
	)
	if err != nil {
		return nil, fmt.Errorf("sample fields: %w", err)
	}
	defer rows.Close()

	seen := make(map[string]bool)
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var fields map[string]any
		if err := json.Unmarshal([]byte(raw), &fields); err != nil {
			continue
		}
		for name := range fields {
			seen[name] = true
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func collectRecords(rows *sql.Rows) ([]*store.Record, error) {
	var recs []*store.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func scanRecord(row scannable) (*store.Record, error) {
	var rec store.Record
	var id, fields, tags string
	if err := row.Scan(&id, &rec.Tenant, &rec.Kind, &fields, &tags, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	rec.ID, err = uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parse record id: %w", err)
	}
	if fields != "" {
		if err := json.Unmarshal([]byte(fields), &rec.Fields); err != nil {
			return nil, fmt.Errorf("unmarshal record fields: %w", err)
		}
	}
	if tags != "" && tags != "[]" {
		if err := json.Unmarshal([]byte(tags), &rec.Tags); err != nil {
			return nil, fmt.Errorf("unmarshal record tags: %w", err)
		}
	}
	return &rec, nil
}
