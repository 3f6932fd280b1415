package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/backlinehq/backline/internal/store"
)

// RecordStore implements store.RecordStore on Postgres. Tenant scoping is a
// WHERE clause on every statement; there is no unscoped variant.
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
	          FROM records WHERE tenant = $1 AND kind = $2`
	args := []any{tenant, kind}

	if filter.Tag != "" {
		args = append(args, filter.Tag)
		query += fmt.Sprintf(" AND $%d = ANY(tags)", len(args))
	}
	for field, want := range filter.Fields {
		args = append(args, field, want)
		query += fmt.Sprintf(" AND fields->>$%d = $%d", len(args)-1, len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

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
		 FROM records WHERE tenant = $1 AND id = $2`,
		tenant, id,
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

	if naturalKey == "" {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO records (id, tenant, kind, natural_key, fields, tags, created_at, updated_at)
			 VALUES ($1, $2, $3, NULL, $4, $5, $6, $7)`,
			rec.ID, rec.Tenant, rec.Kind, fields, pq.Array(rec.Tags), now, now,
		)
		if err != nil {
			return uuid.Nil, fmt.Errorf("insert record: %w", err)
		}
		return rec.ID, nil
	}

	// Check-then-act against the natural key inside one statement: a
	// retried execute lands on the conflict and gets the existing id back.
	var id uuid.UUID
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO records (id, tenant, kind, natural_key, fields, tags, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (tenant, kind, natural_key) DO UPDATE SET updated_at = records.updated_at
		 RETURNING id`,
		rec.ID, rec.Tenant, rec.Kind, naturalKey, fields, pq.Array(rec.Tags), now, now,
	).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("insert record: %w", err)
	}
	return id, nil
}

func (s *RecordStore) Update(ctx context.Context, rec *store.Record) error {
	rec.UpdatedAt = time.Now().UTC()
	fields, err := json.Marshal(rec.Fields)
	if err != nil {
		return fmt.Errorf("marshal record fields: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE records SET fields = $3, tags = $4, updated_at = $5
		 WHERE tenant = $1 AND id = $2`,
		rec.Tenant, rec.ID, fields, pq.Array(rec.Tags), rec.UpdatedAt,
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
		 FROM records WHERE tenant = $1 AND fields::text ILIKE '%' || $2 || '%'
		 ORDER BY updated_at DESC LIMIT $3`,
		tenant, query, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("search records: %w", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

func (s *RecordStore) Kinds(ctx context.Context, tenant string) ([]store.KindInfo, error) {
	// LEFT JOIN LATERAL so records with no fields still count; the lateral
	// fan-out means the row count needs DISTINCT on the record id.
	rows, err := s.db.QueryContext(ctx,
		`SELECT r.kind, COUNT(DISTINCT r.id),
		        array_remove(array_agg(DISTINCT f.key), NULL) AS field_names
		 FROM records r
		 LEFT JOIN LATERAL jsonb_object_keys(r.fields) AS f(key) ON true
		 WHERE r.tenant = $1
		 GROUP BY r.kind ORDER BY r.kind`,
		tenant,
	)
	if err != nil {
		return nil, fmt.Errorf("record kinds: %w", err)
	}
	defer rows.Close()

	var kinds []store.KindInfo
	for rows.Next() {
		var k store.KindInfo
		if err := rows.Scan(&k.Kind, &k.Count, pq.Array(&k.Fields)); err != nil {
			return nil, err
		}
		kinds = append(kinds, k)
	}
	return kinds, rows.Err()
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
	var fields []byte
	if err := row.Scan(&rec.ID, &rec.Tenant, &rec.Kind, &fields, pq.Array(&rec.Tags), &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	if len(fields) > 0 {
		if err := json.Unmarshal(fields, &rec.Fields); err != nil {
			return nil, fmt.Errorf("unmarshal record fields: %w", err)
		}
	}
	return &rec, nil
}
