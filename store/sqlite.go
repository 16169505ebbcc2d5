package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS records (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	version    INTEGER NOT NULL,
	updated_by TEXT NOT NULL DEFAULT '',
	updated_at TEXT NOT NULL,
	expires_at TEXT NOT NULL DEFAULT ''
);
`

// SQLite is the durable KV backend. Check-and-set runs inside an immediate
// transaction so concurrent writers of one key serialize on the database.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and enforces
// WAL journal mode and a 5-second busy timeout before applying the schema.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	// A single connection serializes check-and-set transactions without
	// SQLITE_BUSY surprises from the pool.
	db.SetMaxOpenConns(1)

	ctx := context.Background()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode on %s: %w", path, err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout on %s: %w", path, err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema on %s: %w", path, err)
	}

	return &SQLite{db: db}, nil
}

func (s *SQLite) Get(ctx context.Context, key string) (Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT key, value, version, updated_by, updated_at, expires_at FROM records WHERE key = ?`, key)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return Record{}, fmt.Errorf("get %s: %w", key, err)
	}

	if rec.Expired(time.Now()) {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return rec, nil
}

func (s *SQLite) Put(ctx context.Context, rec Record, expectedVersion int64) (Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, fmt.Errorf("begin put %s: %w", rec.Key, err)
	}
	defer func() { _ = tx.Rollback() }()

	var currentVersion int64
	var expiresAt string
	exists := true
	err = tx.QueryRowContext(ctx,
		`SELECT version, expires_at FROM records WHERE key = ?`, rec.Key).Scan(&currentVersion, &expiresAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		exists = false
	case err != nil:
		return Record{}, fmt.Errorf("read version of %s: %w", rec.Key, err)
	}

	if exists && expiredString(expiresAt, time.Now()) {
		if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE key = ?`, rec.Key); err != nil {
			return Record{}, fmt.Errorf("purge expired %s: %w", rec.Key, err)
		}
		exists = false
		currentVersion = 0
	}

	switch {
	case expectedVersion == VersionAny:
	case expectedVersion == 0 && exists:
		return Record{}, fmt.Errorf("%w: %s exists with version %d", ErrVersionMismatch, rec.Key, currentVersion)
	case expectedVersion > 0 && !exists:
		return Record{}, fmt.Errorf("%w: %s absent, expected version %d", ErrVersionMismatch, rec.Key, expectedVersion)
	case expectedVersion > 0 && currentVersion != expectedVersion:
		return Record{}, fmt.Errorf("%w: %s at version %d, expected %d", ErrVersionMismatch, rec.Key, currentVersion, expectedVersion)
	}

	stored := rec
	stored.Version = currentVersion + 1
	stored.UpdatedAt = time.Now()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO records (key, value, version, updated_by, updated_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			version = excluded.version,
			updated_by = excluded.updated_by,
			updated_at = excluded.updated_at,
			expires_at = excluded.expires_at`,
		stored.Key, stored.Value, stored.Version, stored.UpdatedBy,
		formatTime(stored.UpdatedAt), formatTime(stored.ExpiresAt))
	if err != nil {
		return Record{}, fmt.Errorf("write %s: %w", rec.Key, err)
	}

	if err := tx.Commit(); err != nil {
		return Record{}, fmt.Errorf("commit put %s: %w", rec.Key, err)
	}
	return stored, nil
}

func (s *SQLite) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (s *SQLite) List(ctx context.Context, prefix string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, value, version, updated_by, updated_at, expires_at
		FROM records
		WHERE substr(key, 1, length(?)) = ?
		ORDER BY key`, prefix, prefix)
	if err != nil {
		return nil, fmt.Errorf("list %q: %w", prefix, err)
	}
	defer rows.Close()

	now := time.Now()
	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		if rec.Expired(now) {
			continue
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list %q: %w", prefix, err)
	}
	return records, nil
}

func (s *SQLite) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM records WHERE expires_at != '' AND expires_at <= ?`, formatTime(now))
	if err != nil {
		return 0, fmt.Errorf("purge expired: %w", err)
	}

	purged, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge expired: %w", err)
	}
	return int(purged), nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (Record, error) {
	var rec Record
	var updatedAt, expiresAt string
	if err := row.Scan(&rec.Key, &rec.Value, &rec.Version, &rec.UpdatedBy, &updatedAt, &expiresAt); err != nil {
		return Record{}, err
	}

	rec.UpdatedAt = parseTime(updatedAt)
	rec.ExpiresAt = parseTime(expiresAt)
	return rec, nil
}

// Timestamps are stored as fixed-width UTC strings so expiry comparisons
// work lexicographically in SQL.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func expiredString(expiresAt string, now time.Time) bool {
	if expiresAt == "" {
		return false
	}
	t := parseTime(expiresAt)
	return !t.IsZero() && now.After(t)
}
