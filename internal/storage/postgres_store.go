package storage

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	apperrors "github.com/whale-tracker/internal/errors"
	"github.com/whale-tracker/internal/types"
)

// PostgresStore is the primary EventStore. The schema lives in migrations/postgres.
type PostgresStore struct {
	db *PostgresDB
}

// NewPostgresStore creates an event store on an open Postgres pool
func NewPostgresStore(db *PostgresDB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Upsert implements EventStore. Both paths are single statements, so concurrent
// writers of the same key are serialized by the primary key.
func (s *PostgresStore) Upsert(ctx context.Context, rec Record) (UpsertResult, error) {
	if err := validateRecord(rec); err != nil {
		return UpsertResult{}, err
	}
	raw, normalized, err := encodeFields(rec.Fields)
	if err != nil {
		return UpsertResult{}, err
	}
	rec.Fields = normalized

	if rec.EntityType.IsImmutable() {
		return s.insertIfAbsent(ctx, rec, raw)
	}

	var inserted bool
	err = s.db.Pool().QueryRow(ctx, `
		INSERT INTO events (entity_type, key, ts, fields, written_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (entity_type, key) DO UPDATE SET
			ts = EXCLUDED.ts,
			fields = EXCLUDED.fields,
			written_at = EXCLUDED.written_at
		WHERE events.ts <= EXCLUDED.ts
		RETURNING (xmax = 0) AS inserted`,
		string(rec.EntityType), rec.Key, rec.Timestamp.UnixNano(), raw,
	).Scan(&inserted)
	if errors.Is(err, pgx.ErrNoRows) {
		return UpsertResult{Stale: true}, nil
	}
	if err != nil {
		return UpsertResult{}, apperrors.NewStoreError("postgres upsert", err)
	}
	if inserted {
		return UpsertResult{Created: true}, nil
	}
	return UpsertResult{Updated: true}, nil
}

func (s *PostgresStore) insertIfAbsent(ctx context.Context, rec Record, raw []byte) (UpsertResult, error) {
	tag, err := s.db.Pool().Exec(ctx, `
		INSERT INTO events (entity_type, key, ts, fields, written_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (entity_type, key) DO NOTHING`,
		string(rec.EntityType), rec.Key, rec.Timestamp.UnixNano(), raw)
	if err != nil {
		return UpsertResult{}, apperrors.NewStoreError("postgres insert", err)
	}
	if tag.RowsAffected() == 1 {
		return UpsertResult{Created: true}, nil
	}

	existing, err := s.Get(ctx, rec.EntityType, rec.Key)
	if err != nil {
		return UpsertResult{}, err
	}
	_, res := decideUpsert(existing, rec)
	return res, nil
}

// Get implements EventStore.
func (s *PostgresStore) Get(ctx context.Context, entityType types.EntityType, key string) (*Record, error) {
	row := s.db.Pool().QueryRow(ctx,
		`SELECT entity_type, key, ts, fields, written_at FROM events WHERE entity_type = $1 AND key = $2`,
		string(entityType), key)
	rec, err := scanPgRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, apperrors.NewStoreError("postgres get", err)
	}
	return rec, nil
}

// Query implements EventStore.
func (s *PostgresStore) Query(ctx context.Context, entityType types.EntityType, filter Filter, order Order, limit int) ([]Record, error) {
	var where strings.Builder
	args := []interface{}{string(entityType)}
	where.WriteString("entity_type = $1")
	next := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if !filter.From.IsZero() {
		where.WriteString(" AND ts >= " + next(filter.From.UnixNano()))
	}
	if !filter.To.IsZero() {
		where.WriteString(" AND ts < " + next(filter.To.UnixNano()))
	}
	if !filter.WrittenFrom.IsZero() {
		where.WriteString(" AND written_at >= " + next(filter.WrittenFrom))
	}
	for _, field := range sortedEqualsKeys(filter.Equals) {
		where.WriteString(" AND fields ->> " + next(field) + " = " + next(filter.Equals[field]))
	}

	dir := "ASC"
	if order == OrderDesc {
		dir = "DESC"
	}
	query := fmt.Sprintf(`SELECT entity_type, key, ts, fields, written_at FROM events WHERE %s ORDER BY ts %s, key %s`,
		where.String(), dir, dir)
	if limit > 0 {
		query += " LIMIT " + next(limit)
	}

	rows, err := s.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, apperrors.NewStoreError("postgres query", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanPgRecord(rows)
		if err != nil {
			return nil, apperrors.NewStoreError("postgres query", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewStoreError("postgres query", err)
	}
	return out, nil
}

// Delete implements EventStore.
func (s *PostgresStore) Delete(ctx context.Context, entityType types.EntityType, r TimeRange) (int64, error) {
	if err := validateRange(r); err != nil {
		return 0, err
	}
	from := int64(math.MinInt64)
	if !r.From.IsZero() {
		from = r.From.UnixNano()
	}
	query := `DELETE FROM events WHERE entity_type = $1 AND ts >= $2 AND ts < $3`
	args := []interface{}{string(entityType), from, r.To.UnixNano()}
	if !r.WrittenBefore.IsZero() {
		query += ` AND written_at < $4`
		args = append(args, r.WrittenBefore)
	}
	tag, err := s.db.Pool().Exec(ctx, query, args...)
	if err != nil {
		return 0, apperrors.NewStoreError("postgres delete", err)
	}
	return tag.RowsAffected(), nil
}

// Ping implements EventStore.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close implements EventStore.
func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}

func scanPgRecord(row pgx.Row) (*Record, error) {
	var (
		entityType string
		rec        Record
		ts         int64
		raw        []byte
	)
	if err := row.Scan(&entityType, &rec.Key, &ts, &raw, &rec.WrittenAt); err != nil {
		return nil, err
	}
	fields, err := decodeFields(raw)
	if err != nil {
		return nil, err
	}
	rec.EntityType = types.EntityType(entityType)
	rec.Timestamp = time.Unix(0, ts).UTC()
	rec.Fields = fields
	rec.WrittenAt = rec.WrittenAt.UTC()
	return &rec, nil
}
