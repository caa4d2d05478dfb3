package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"voicerig/internal/journal"
)

// DB implements journal.Store for SQLite (modernc.org/sqlite driver,
// CGO-free). DSN is a filesystem path; use ":memory:" for in-memory.
type DB struct {
	db *sql.DB
}

// New opens a SQLite database at path.
func New(path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// one writer at a time keeps modernc/sqlite happy under concurrency
	d.SetMaxOpenConns(1)
	// busy timeout helps with short concurrent locks
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	return &DB{db: d}, nil
}

func (s *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS service_journal(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id TEXT NOT NULL UNIQUE,
			run_id TEXT NOT NULL,
			service TEXT NOT NULL,
			kind TEXT NOT NULL,
			pid INTEGER NOT NULL,
			detail TEXT NULL,
			occurred_at TIMESTAMP NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_service_journal_service ON service_journal(service);`,
		`CREATE INDEX IF NOT EXISTS idx_service_journal_run ON service_journal(run_id);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *DB) Close() error { return s.db.Close() }

func (s *DB) Append(ctx context.Context, e journal.Event) error {
	var detail any
	if e.Detail != "" {
		detail = e.Detail
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO service_journal(event_id, run_id, service, kind, pid, detail, occurred_at)
		VALUES(?, ?, ?, ?, ?, ?, ?);`,
		e.ID, e.RunID, e.Service, string(e.Kind), e.PID, detail, e.OccurredAt.UTC())
	return err
}

func (s *DB) GetByService(ctx context.Context, service string, limit int) ([]journal.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, run_id, service, kind, pid, detail, occurred_at
		FROM service_journal
		WHERE service=?
		ORDER BY occurred_at DESC, id DESC
		LIMIT ?;`, service, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanEvents(rows)
}

func (s *DB) Recent(ctx context.Context, limit int) ([]journal.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, run_id, service, kind, pid, detail, occurred_at
		FROM service_journal
		ORDER BY occurred_at DESC, id DESC
		LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanEvents(rows)
}

func (s *DB) PurgeOlderThan(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM service_journal WHERE occurred_at < ?;`, olderThan.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanEvents(rows *sql.Rows) ([]journal.Event, error) {
	out := make([]journal.Event, 0)
	for rows.Next() {
		var (
			e      journal.Event
			kind   string
			detail sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.RunID, &e.Service, &kind, &e.PID, &detail, &e.OccurredAt); err != nil {
			return nil, err
		}
		e.Kind = journal.Kind(kind)
		e.Detail = detail.String
		out = append(out, e)
	}
	return out, rows.Err()
}
