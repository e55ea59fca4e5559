// Package history keeps an audit log of signing requests in SQLite.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

var ErrDatabase = errors.New("history database error")

// Result of a signing request.
type Result string

const (
	ResultSuccess Result = "success"
	ResultDenied  Result = "denied"
	ResultError   Result = "error"
	ResultTimeout Result = "timeout"
	ResultAborted Result = "aborted"
)

// Entry is one logged request.
type Entry struct {
	ID             string
	Timestamp      time.Time
	EventID        string
	EventKind      int
	ClientApp      string
	Identity       string
	Method         string
	Result         Result
	ContentPreview string
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	Identity  string
	ClientApp string
	Result    Result
	Since     time.Time
	// Limit defaults to 100.
	Limit int
}

const schema = `
CREATE TABLE IF NOT EXISTS requests (
	id              TEXT PRIMARY KEY,
	ts              INTEGER NOT NULL,
	event_id        TEXT NOT NULL DEFAULT '',
	event_kind      INTEGER NOT NULL DEFAULT 0,
	client_app      TEXT NOT NULL DEFAULT '',
	identity        TEXT NOT NULL DEFAULT '',
	method          TEXT NOT NULL DEFAULT '',
	result          TEXT NOT NULL,
	content_preview TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_requests_ts ON requests(ts);
CREATE INDEX IF NOT EXISTS idx_requests_identity ON requests(identity);
`

// Log is the request history database.
type Log struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens or creates the database at path. Use ":memory:" for tests.
func Open(path string) (*Log, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create history directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open: %v", ErrDatabase, err)
	}
	// one writer; also keeps ":memory:" on a single connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("%w: failed to set pragma: %v", ErrDatabase, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: failed to initialize schema: %v", ErrDatabase, err)
	}
	return &Log{db: db, now: time.Now}, nil
}

// Record appends e. Empty ID and zero Timestamp are filled in.
func (l *Log) Record(ctx context.Context, e Entry) (Entry, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now()
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO requests (id, ts, event_id, event_kind, client_app, identity, method, result, content_preview)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Timestamp.UnixMilli(), e.EventID, e.EventKind, e.ClientApp, e.Identity, e.Method, string(e.Result), e.ContentPreview)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: failed to insert: %v", ErrDatabase, err)
	}
	return e, nil
}

// List returns matching entries, newest first.
func (l *Log) List(ctx context.Context, f Filter) ([]Entry, error) {
	var (
		where []string
		args  []any
	)
	if f.Identity != "" {
		where = append(where, "identity = ?")
		args = append(args, f.Identity)
	}
	if f.ClientApp != "" {
		where = append(where, "client_app = ?")
		args = append(args, f.ClientApp)
	}
	if f.Result != "" {
		where = append(where, "result = ?")
		args = append(args, string(f.Result))
	}
	if !f.Since.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, f.Since.UnixMilli())
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	q := `SELECT id, ts, event_id, event_kind, client_app, identity, method, result, content_preview FROM requests`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY ts DESC, rowid DESC LIMIT ?"
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query: %v", ErrDatabase, err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e      Entry
			ts     int64
			result string
		)
		if err := rows.Scan(&e.ID, &ts, &e.EventID, &e.EventKind, &e.ClientApp, &e.Identity, &e.Method, &result, &e.ContentPreview); err != nil {
			return nil, fmt.Errorf("%w: failed to scan: %v", ErrDatabase, err)
		}
		e.Timestamp = time.UnixMilli(ts)
		e.Result = Result(result)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDatabase, err)
	}
	return out, nil
}

// Prune deletes entries older than cutoff and returns how many were removed.
func (l *Log) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := l.db.ExecContext(ctx, `DELETE FROM requests WHERE ts < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("%w: failed to prune: %v", ErrDatabase, err)
	}
	return res.RowsAffected()
}

// Close closes the database.
func (l *Log) Close() error {
	return l.db.Close()
}
