package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	apperrors "github.com/whale-tracker/internal/errors"
	"github.com/whale-tracker/internal/types"
)

// ClickHouseStore keeps derived rows in a ReplacingMergeTree table.
// Versions are the record timestamp, so merges keep the newest write.
// ClickHouse has no row locks; a process-local mutex serializes the
// read-decide-insert step, which is enough for the single aggregator writer.
type ClickHouseStore struct {
	db *ClickHouseDB
	mu sync.Mutex
}

// errWriteTimeUnsupported rejects write-time bounds; the derived tier has no ingest clock
var errWriteTimeUnsupported = errors.New("clickhouse store does not track write time")

// NewClickHouseStore creates an event store on an open ClickHouse connection
func NewClickHouseStore(db *ClickHouseDB) *ClickHouseStore {
	return &ClickHouseStore{db: db}
}

// Upsert implements EventStore.
func (s *ClickHouseStore) Upsert(ctx context.Context, rec Record) (UpsertResult, error) {
	if err := validateRecord(rec); err != nil {
		return UpsertResult{}, err
	}
	raw, normalized, err := encodeFields(rec.Fields)
	if err != nil {
		return UpsertResult{}, err
	}
	rec.Fields = normalized

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.Get(ctx, rec.EntityType, rec.Key)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return UpsertResult{}, err
	}
	write, res := decideUpsert(existing, rec)
	if !write {
		return res, nil
	}

	err = s.db.Exec(ctx,
		`INSERT INTO events (entity_type, key, ts, fields, version) VALUES (?, ?, ?, ?, ?)`,
		string(rec.EntityType), rec.Key, rec.Timestamp.UnixNano(), string(raw), version(rec.Timestamp))
	if err != nil {
		return UpsertResult{}, apperrors.NewStoreError("clickhouse insert", err)
	}
	return res, nil
}

// version maps a timestamp onto the unsigned ReplacingMergeTree version column
func version(ts time.Time) uint64 {
	return uint64(ts.UnixNano()) ^ (1 << 63) // #nosec G115 - sign bit flipped to keep ordering
}

// Get implements EventStore.
func (s *ClickHouseStore) Get(ctx context.Context, entityType types.EntityType, key string) (*Record, error) {
	var (
		ts  int64
		raw string
	)
	err := s.db.Conn().QueryRow(ctx,
		`SELECT ts, fields FROM events FINAL WHERE entity_type = ? AND key = ? LIMIT 1`,
		string(entityType), key).Scan(&ts, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, apperrors.NewStoreError("clickhouse get", err)
	}
	fields, err := decodeFields([]byte(raw))
	if err != nil {
		return nil, err
	}
	return &Record{EntityType: entityType, Key: key, Timestamp: time.Unix(0, ts).UTC(), Fields: fields}, nil
}

// Query implements EventStore.
func (s *ClickHouseStore) Query(ctx context.Context, entityType types.EntityType, filter Filter, order Order, limit int) ([]Record, error) {
	if !filter.WrittenFrom.IsZero() {
		return nil, errWriteTimeUnsupported
	}
	var where strings.Builder
	args := []interface{}{string(entityType)}
	where.WriteString("entity_type = ?")
	if !filter.From.IsZero() {
		where.WriteString(" AND ts >= ?")
		args = append(args, filter.From.UnixNano())
	}
	if !filter.To.IsZero() {
		where.WriteString(" AND ts < ?")
		args = append(args, filter.To.UnixNano())
	}
	for _, field := range sortedEqualsKeys(filter.Equals) {
		where.WriteString(" AND JSONExtractString(fields, ?) = ?")
		args = append(args, field, filter.Equals[field])
	}

	dir := "ASC"
	if order == OrderDesc {
		dir = "DESC"
	}
	query := fmt.Sprintf(`SELECT key, ts, fields FROM events FINAL WHERE %s ORDER BY ts %s, key %s`,
		where.String(), dir, dir)
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.Conn().Query(ctx, query, args...)
	if err != nil {
		return nil, apperrors.NewStoreError("clickhouse query", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec Record
			ts  int64
			raw string
		)
		if err := rows.Scan(&rec.Key, &ts, &raw); err != nil {
			return nil, apperrors.NewStoreError("clickhouse query", err)
		}
		fields, err := decodeFields([]byte(raw))
		if err != nil {
			return nil, err
		}
		rec.EntityType = entityType
		rec.Timestamp = time.Unix(0, ts).UTC()
		rec.Fields = fields
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewStoreError("clickhouse query", err)
	}
	return out, nil
}

// Delete implements EventStore. Deletes run as synchronous mutations.
func (s *ClickHouseStore) Delete(ctx context.Context, entityType types.EntityType, r TimeRange) (int64, error) {
	if err := validateRange(r); err != nil {
		return 0, err
	}
	if !r.WrittenBefore.IsZero() {
		return 0, errWriteTimeUnsupported
	}
	from := int64(math.MinInt64)
	if !r.From.IsZero() {
		from = r.From.UnixNano()
	}

	var n uint64
	if err := s.db.Conn().QueryRow(ctx,
		`SELECT count() FROM events FINAL WHERE entity_type = ? AND ts >= ? AND ts < ?`,
		string(entityType), from, r.To.UnixNano()).Scan(&n); err != nil {
		return 0, apperrors.NewStoreError("clickhouse delete", err)
	}
	if n == 0 {
		return 0, nil
	}
	if err := s.db.Exec(ctx,
		`ALTER TABLE events DELETE WHERE entity_type = ? AND ts >= ? AND ts < ?`,
		string(entityType), from, r.To.UnixNano()); err != nil {
		return 0, apperrors.NewStoreError("clickhouse delete", err)
	}
	return int64(n), nil // #nosec G115 - row counts fit in int64
}

// Ping implements EventStore.
func (s *ClickHouseStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close implements EventStore.
func (s *ClickHouseStore) Close() error {
	return s.db.Close()
}
