package postgres

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"voicerig/internal/journal"
)

// DB implements journal.Store for PostgreSQL over the pgx stdlib driver.
type DB struct {
	db *sql.DB
}

func New(dsn string) (*DB, error) {
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &DB{db: d}, nil
}

func (p *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS service_journal(
			id BIGSERIAL PRIMARY KEY,
			event_id TEXT NOT NULL UNIQUE,
			run_id TEXT NOT NULL,
			service TEXT NOT NULL,
			kind TEXT NOT NULL,
			pid INTEGER NOT NULL,
			detail TEXT NULL,
			occurred_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_service_journal_service ON service_journal(service);`,
		`CREATE INDEX IF NOT EXISTS idx_service_journal_run ON service_journal(run_id);`,
	}
	for _, q := range stmts {
		if _, err := p.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (p *DB) Close() error { return p.db.Close() }

func (p *DB) Append(ctx context.Context, e journal.Event) error {
	var detail any
	if e.Detail != "" {
		detail = e.Detail
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO service_journal(event_id, run_id, service, kind, pid, detail, occurred_at)
		VALUES($1, $2, $3, $4, $5, $6, $7);`,
		e.ID, e.RunID, e.Service, string(e.Kind), e.PID, detail, e.OccurredAt.UTC())
	return err
}

func (p *DB) GetByService(ctx context.Context, service string, limit int) ([]journal.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT event_id, run_id, service, kind, pid, detail, occurred_at
		FROM service_journal
		WHERE service=$1
		ORDER BY occurred_at DESC, id DESC
		LIMIT $2;`, service, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanEvents(rows)
}

func (p *DB) Recent(ctx context.Context, limit int) ([]journal.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT event_id, run_id, service, kind, pid, detail, occurred_at
		FROM service_journal
		ORDER BY occurred_at DESC, id DESC
		LIMIT $1;`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanEvents(rows)
}

func (p *DB) PurgeOlderThan(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM service_journal WHERE occurred_at < $1;`, olderThan.UTC())
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
