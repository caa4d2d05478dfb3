package clickhouse

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"voicerig/internal/journal"
)

// Sink exports journal events to ClickHouse using the official Go client.
type Sink struct {
	conn  driver.Conn
	table string
}

func New(addr, database, username, password, table string) (*Sink, error) {
	if database == "" {
		database = "default"
	}
	if username == "" {
		username = "default"
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: database,
			Username: username,
			Password: password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("connect to clickhouse: %w", err)
	}
	if err := conn.Ping(context.Background()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}
	return &Sink{conn: conn, table: table}, nil
}

// EnsureSchema creates the journal table when it does not exist.
func (s *Sink) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		event_id String,
		run_id String,
		service String,
		kind String,
		pid Int32,
		detail String,
		occurred_at DateTime64(6)
	) ENGINE = MergeTree() ORDER BY (service, occurred_at)`, s.table)
	if err := s.conn.Exec(ctx, q); err != nil {
		return fmt.Errorf("create clickhouse table %s: %w", s.table, err)
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e journal.Event) error {
	q := fmt.Sprintf(`INSERT INTO %s (event_id, run_id, service, kind, pid, detail, occurred_at) VALUES (?, ?, ?, ?, ?, ?, ?)`, s.table)
	err := s.conn.Exec(ctx, q,
		e.ID,
		e.RunID,
		e.Service,
		string(e.Kind),
		int32(e.PID),
		e.Detail,
		e.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("insert event into clickhouse: %w", err)
	}
	return nil
}

func (s *Sink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
