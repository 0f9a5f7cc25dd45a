package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	apperrors "github.com/whale-tracker/internal/errors"
	"github.com/whale-tracker/internal/types"
)

// SQLiteStore is a single-node durable EventStore
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens or creates the SQLite database at path.
// An empty path defaults to $TMPDIR/whale-tracker/events.db.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		path = filepath.Join(os.TempDir(), "whale-tracker", "events.db")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer; WAL allows concurrent readers
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.createTables(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS events (
			entity_type TEXT    NOT NULL,
			key         TEXT    NOT NULL,
			ts          INTEGER NOT NULL,
			fields      TEXT    NOT NULL,
			written_at  INTEGER NOT NULL,
			PRIMARY KEY (entity_type, key)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_type_ts ON events(entity_type, ts)`,
		`CREATE INDEX IF NOT EXISTS idx_events_type_written ON events(entity_type, written_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Upsert implements EventStore.
func (s *SQLiteStore) Upsert(ctx context.Context, rec Record) (UpsertResult, error) {
	if err := validateRecord(rec); err != nil {
		return UpsertResult{}, err
	}
	raw, normalized, err := encodeFields(rec.Fields)
	if err != nil {
		return UpsertResult{}, err
	}
	rec.Fields = normalized

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return UpsertResult{}, apperrors.NewStoreError("sqlite begin", err)
	}
	defer tx.Rollback() //nolint:errcheck

	existing, err := scanOne(tx.QueryRowContext(ctx,
		`SELECT entity_type, key, ts, fields, written_at FROM events WHERE entity_type = ? AND key = ?`,
		string(rec.EntityType), rec.Key))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return UpsertResult{}, apperrors.NewStoreError("sqlite upsert", err)
	}

	write, res := decideUpsert(existing, rec)
	if !write {
		return res, nil
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO events (entity_type, key, ts, fields, written_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (entity_type, key) DO UPDATE SET
			ts = excluded.ts,
			fields = excluded.fields,
			written_at = excluded.written_at`,
		string(rec.EntityType), rec.Key, rec.Timestamp.UnixNano(), string(raw), time.Now().UnixNano())
	if err != nil {
		return UpsertResult{}, apperrors.NewStoreError("sqlite upsert", err)
	}
	if err := tx.Commit(); err != nil {
		return UpsertResult{}, apperrors.NewStoreError("sqlite commit", err)
	}
	return res, nil
}

// Get implements EventStore.
func (s *SQLiteStore) Get(ctx context.Context, entityType types.EntityType, key string) (*Record, error) {
	rec, err := scanOne(s.db.QueryRowContext(ctx,
		`SELECT entity_type, key, ts, fields, written_at FROM events WHERE entity_type = ? AND key = ?`,
		string(entityType), key))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, apperrors.NewStoreError("sqlite get", err)
	}
	return rec, err
}

// Query implements EventStore.
func (s *SQLiteStore) Query(ctx context.Context, entityType types.EntityType, filter Filter, order Order, limit int) ([]Record, error) {
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
	if !filter.WrittenFrom.IsZero() {
		where.WriteString(" AND written_at >= ?")
		args = append(args, filter.WrittenFrom.UnixNano())
	}
	for _, field := range sortedEqualsKeys(filter.Equals) {
		where.WriteString(" AND json_extract(fields, ?) = ?")
		args = append(args, "$."+field, filter.Equals[field])
	}

	dir := "ASC"
	if order == OrderDesc {
		dir = "DESC"
	}
	query := fmt.Sprintf(`SELECT entity_type, key, ts, fields, written_at FROM events WHERE %s ORDER BY ts %s, key %s`,
		where.String(), dir, dir)
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.NewStoreError("sqlite query", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, apperrors.NewStoreError("sqlite query", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewStoreError("sqlite query", err)
	}
	return out, nil
}

// Delete implements EventStore.
func (s *SQLiteStore) Delete(ctx context.Context, entityType types.EntityType, r TimeRange) (int64, error) {
	if err := validateRange(r); err != nil {
		return 0, err
	}
	from := int64(math.MinInt64)
	if !r.From.IsZero() {
		from = r.From.UnixNano()
	}
	query := `DELETE FROM events WHERE entity_type = ? AND ts >= ? AND ts < ?`
	args := []interface{}{string(entityType), from, r.To.UnixNano()}
	if !r.WrittenBefore.IsZero() {
		query += ` AND written_at < ?`
		args = append(args, r.WrittenBefore.UnixNano())
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, apperrors.NewStoreError("sqlite delete", err)
	}
	return res.RowsAffected()
}

// Ping implements EventStore.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close implements EventStore.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOne(row *sql.Row) (*Record, error) {
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		entityType string
		rec        Record
		ts         int64
		raw        string
		writtenAt  int64
	)
	if err := row.Scan(&entityType, &rec.Key, &ts, &raw, &writtenAt); err != nil {
		return nil, err
	}
	fields, err := decodeFields([]byte(raw))
	if err != nil {
		return nil, err
	}
	rec.EntityType = types.EntityType(entityType)
	rec.Timestamp = time.Unix(0, ts).UTC()
	rec.Fields = fields
	rec.WrittenAt = time.Unix(0, writtenAt).UTC()
	return &rec, nil
}
