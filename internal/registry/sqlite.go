package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const schema = `
CREATE TABLE IF NOT EXISTS processed_files (
	file_path TEXT PRIMARY KEY,
	file_hash TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	processed_at TEXT NOT NULL,
	file_size INTEGER NOT NULL DEFAULT 0,
	record_count INTEGER NOT NULL DEFAULT 0,
	output_path TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_processed_entity ON processed_files(entity_type);

CREATE TABLE IF NOT EXISTS failed_files (
	file_path TEXT PRIMARY KEY,
	entity_type TEXT NOT NULL,
	error_message TEXT,
	failed_at TEXT NOT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_failed_entity ON failed_files(entity_type);
`

// SQLiteRegistry persists the registry in a local SQLite database in WAL
// mode with synchronous=FULL, so a returned write survives a crash.
type SQLiteRegistry struct {
	db   *sql.DB
	path string
	mu   sync.Mutex // one writer at a time
	now  func() time.Time
}

// OpenSQLite opens (creating if needed) the state store at path and runs an
// integrity check. A store that fails the check yields ErrCorrupt.
func OpenSQLite(ctx context.Context, path string) (*SQLiteRegistry, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir state dir: %w", err)
	}

	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(FULL)")
	q.Add("_pragma", "foreign_keys(ON)")
	q.Set("_txlock", "immediate")
	dsn := "file:" + path + "?" + q.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	var status string
	if err := db.QueryRowContext(ctx, "PRAGMA quick_check").Scan(&status); err != nil {
		_ = db.Close()
		if isCorrupt(err) {
			return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
		}
		return nil, fmt.Errorf("check state store %s: %w", path, err)
	}
	if status != "ok" {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %s: %s", ErrCorrupt, path, status)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteRegistry{db: db, path: path, now: time.Now}, nil
}

func isCorrupt(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		code := se.Code() & 0xff
		return code == sqlite3.SQLITE_CORRUPT || code == sqlite3.SQLITE_NOTADB
	}
	msg := err.Error()
	return strings.Contains(msg, "not a database") || strings.Contains(msg, "malformed")
}

func isBusy(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		code := se.Code() & 0xff
		return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
	}
	return false
}

// Path returns the database file location.
func (r *SQLiteRegistry) Path() string { return r.path }

func (r *SQLiteRegistry) Close() error {
	return r.db.Close()
}

// write runs fn in a transaction, retrying when another connection holds
// the database lock.
func (r *SQLiteRegistry) write(ctx context.Context, fn func(tx *sql.Tx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	op := func() error {
		tx, err := r.db.BeginTx(ctx, nil)
		if err != nil {
			return classify(err)
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return classify(err)
		}
		return classify(tx.Commit())
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 8), ctx)
	return backoff.Retry(op, b)
}

func classify(err error) error {
	if err == nil || isBusy(err) {
		return err
	}
	return backoff.Permanent(err)
}

func stamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func unstamp(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func (r *SQLiteRegistry) Lookup(ctx context.Context, path string) (Processed, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT file_path, file_hash, entity_type, processed_at, file_size, record_count, output_path
		FROM processed_files WHERE file_path = ?`, path)
	p, err := scanProcessed(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Processed{}, ErrNotFound
	}
	if err != nil {
		return Processed{}, fmt.Errorf("lookup %s: %w", path, err)
	}
	return p, nil
}

func (r *SQLiteRegistry) LookupFailed(ctx context.Context, path string) (Failed, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT file_path, entity_type, error_message, failed_at, retry_count
		FROM failed_files WHERE file_path = ?`, path)
	f, err := scanFailed(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Failed{}, ErrNotFound
	}
	if err != nil {
		return Failed{}, fmt.Errorf("lookup failed %s: %w", path, err)
	}
	return f, nil
}

func (r *SQLiteRegistry) RecordSuccess(ctx context.Context, rec Processed) error {
	if rec.ProcessedAt.IsZero() {
		rec.ProcessedAt = r.now()
	}
	return r.write(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO processed_files (file_path, file_hash, entity_type, processed_at, file_size, record_count, output_path)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(file_path) DO UPDATE SET
				file_hash = excluded.file_hash,
				entity_type = excluded.entity_type,
				processed_at = excluded.processed_at,
				file_size = excluded.file_size,
				record_count = excluded.record_count,
				output_path = excluded.output_path`,
			rec.Path, rec.Fingerprint, rec.Entity, stamp(rec.ProcessedAt), rec.FileSize, rec.RecordCount, rec.OutputPath,
		); err != nil {
			return fmt.Errorf("upsert processed %s: %w", rec.Path, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM failed_files WHERE file_path = ?`, rec.Path); err != nil {
			return fmt.Errorf("clear failure %s: %w", rec.Path, err)
		}
		return nil
	})
}

func (r *SQLiteRegistry) RecordFailure(ctx context.Context, path, entity, errText string) (Failed, error) {
	f := Failed{Path: path, Entity: entity, Error: errText, FailedAt: r.now().UTC()}
	err := r.write(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, `
			INSERT INTO failed_files (file_path, entity_type, error_message, failed_at, retry_count)
			VALUES (?, ?, ?, ?, 1)
			ON CONFLICT(file_path) DO UPDATE SET
				entity_type = excluded.entity_type,
				error_message = excluded.error_message,
				failed_at = excluded.failed_at,
				retry_count = failed_files.retry_count + 1
			RETURNING retry_count`,
			path, entity, errText, stamp(f.FailedAt),
		).Scan(&f.RetryCount); err != nil {
			return fmt.Errorf("upsert failure %s: %w", path, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM processed_files WHERE file_path = ?`, path); err != nil {
			return fmt.Errorf("clear processed %s: %w", path, err)
		}
		return nil
	})
	if err != nil {
		return Failed{}, err
	}
	return f, nil
}

func (r *SQLiteRegistry) ListProcessed(ctx context.Context, entity string) ([]Processed, error) {
	q := `SELECT file_path, file_hash, entity_type, processed_at, file_size, record_count, output_path FROM processed_files`
	var args []any
	if entity != "" {
		q += ` WHERE entity_type = ?`
		args = append(args, entity)
	}
	q += ` ORDER BY file_path`

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list processed: %w", err)
	}
	defer func() { _ = rows.Close() }() // safe to ignore

	var out []Processed
	for rows.Next() {
		p, err := scanProcessed(rows)
		if err != nil {
			return nil, fmt.Errorf("scan processed: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *SQLiteRegistry) ListFailed(ctx context.Context, entity string) ([]Failed, error) {
	q := `SELECT file_path, entity_type, error_message, failed_at, retry_count FROM failed_files`
	var args []any
	if entity != "" {
		q += ` WHERE entity_type = ?`
		args = append(args, entity)
	}
	q += ` ORDER BY file_path`

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list failed: %w", err)
	}
	defer func() { _ = rows.Close() }() // safe to ignore

	var out []Failed
	for rows.Next() {
		f, err := scanFailed(rows)
		if err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (r *SQLiteRegistry) Delete(ctx context.Context, path string) error {
	err := r.write(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM processed_files WHERE file_path = ?`, path); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM failed_files WHERE file_path = ?`, path)
		return err
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	return nil
}

func (r *SQLiteRegistry) Clear(ctx context.Context, entity string) (int, error) {
	var n int64
	err := r.write(ctx, func(tx *sql.Tx) error {
		n = 0
		for _, table := range []string{"processed_files", "failed_files"} {
			res, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE entity_type = ?`, entity)
			if err != nil {
				return fmt.Errorf("clear %s: %w", table, err)
			}
			c, _ := res.RowsAffected()
			n += c
		}
		return nil
	})
	return int(n), err
}

func (r *SQLiteRegistry) Stats(ctx context.Context) (Stats, error) {
	st := Stats{Processed: map[string]EntityStats{}, Failed: map[string]int{}}

	rows, err := r.db.QueryContext(ctx, `
		SELECT entity_type, COUNT(*), COALESCE(SUM(record_count), 0), COALESCE(SUM(file_size), 0)
		FROM processed_files GROUP BY entity_type`)
	if err != nil {
		return st, fmt.Errorf("processed stats: %w", err)
	}
	for rows.Next() {
		var entity string
		var e EntityStats
		if err := rows.Scan(&entity, &e.Files, &e.Records, &e.SourceBytes); err != nil {
			_ = rows.Close()
			return st, fmt.Errorf("scan processed stats: %w", err)
		}
		st.Processed[entity] = e
	}
	err = rows.Err()
	_ = rows.Close()
	if err != nil {
		return st, fmt.Errorf("processed stats: %w", err)
	}

	rows, err = r.db.QueryContext(ctx, `SELECT entity_type, COUNT(*) FROM failed_files GROUP BY entity_type`)
	if err != nil {
		return st, fmt.Errorf("failed stats: %w", err)
	}
	defer func() { _ = rows.Close() }() // safe to ignore
	for rows.Next() {
		var entity string
		var n int
		if err := rows.Scan(&entity, &n); err != nil {
			return st, fmt.Errorf("scan failed stats: %w", err)
		}
		st.Failed[entity] = n
	}
	if err := rows.Err(); err != nil {
		return st, fmt.Errorf("failed stats: %w", err)
	}
	return st, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanProcessed(s scanner) (Processed, error) {
	var p Processed
	var at string
	err := s.Scan(&p.Path, &p.Fingerprint, &p.Entity, &at, &p.FileSize, &p.RecordCount, &p.OutputPath)
	p.ProcessedAt = unstamp(at)
	return p, err
}

func scanFailed(s scanner) (Failed, error) {
	var f Failed
	var at string
	var msg sql.NullString
	err := s.Scan(&f.Path, &f.Entity, &msg, &at, &f.RetryCount)
	f.Error = strings.TrimSpace(msg.String)
	f.FailedAt = unstamp(at)
	return f, err
}
