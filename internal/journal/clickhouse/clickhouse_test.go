package clickhouse

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/testcontainers/testcontainers-go"
	chmodule "github.com/testcontainers/testcontainers-go/modules/clickhouse"
	"github.com/testcontainers/testcontainers-go/wait"

	"voicerig/internal/journal"
)

// startClickHouseContainer starts a ClickHouse container for tests and
// returns the native-protocol address. It skips the test if Docker is
// unavailable.
func startClickHouseContainer(t *testing.T) (addr string, terminate func()) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)

	container, err := chmodule.Run(ctx,
		"clickhouse/clickhouse-server:24.3.2.23",
		chmodule.WithUsername("default"),
		chmodule.WithPassword(""),
		chmodule.WithDatabase("default"),
		testcontainers.WithWaitStrategy(
			wait.ForHTTP("/ping").
				WithPort("8123/tcp").
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		cancel()
		t.Skipf("Failed to start ClickHouse container: %v", err)
		return "", nil
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		cancel()
		t.Skipf("Failed to get container host: %v", err)
		return "", nil
	}
	port, err := container.MappedPort(ctx, "9000")
	if err != nil {
		_ = container.Terminate(ctx)
		cancel()
		t.Skipf("Failed to get mapped port: %v", err)
		return "", nil
	}

	terminate = func() {
		_ = container.Terminate(ctx)
		cancel()
	}
	return host + ":" + port.Port(), terminate
}

func TestClickHouseSinkSend(t *testing.T) {
	addr, terminate := startClickHouseContainer(t)
	defer func() {
		if terminate != nil {
			terminate()
		}
	}()

	sink, err := New(addr, "default", "default", "", "service_journal_test")
	if err != nil {
		t.Skipf("Failed to create sink: %v", err)
	}
	t.Cleanup(func() { _ = sink.Close() })
	ctx := context.Background()

	if err := sink.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}

	e := journal.Event{
		ID:         uuid.NewString(),
		RunID:      "run-ch",
		Service:    "agent",
		Kind:       journal.KindRestart,
		PID:        777,
		Detail:     "memory ceiling exceeded",
		OccurredAt: time.Now().UTC(),
	}
	if err := sink.Send(ctx, e); err != nil {
		t.Fatalf("send: %v", err)
	}

	var count uint64
	row := sink.conn.QueryRow(ctx, "SELECT count() FROM service_journal_test WHERE event_id = ?", e.ID)
	if err := row.Scan(&count); err != nil {
		t.Fatalf("scan count: %v", err)
	}
	if count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}
}
