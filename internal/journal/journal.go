package journal

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Kind is the kind of lifecycle event.
type Kind string

const (
	KindStart     Kind = "start"
	KindStop      Kind = "stop"
	KindRestart   Kind = "restart"
	KindUnhealthy Kind = "unhealthy"
	KindCleanup   Kind = "cleanup"
	KindGiveUp    Kind = "give_up"
)

// Event is one lifecycle event of a managed service or worker. RunID groups
// all events emitted by a single manager run.
type Event struct {
	ID         string    `json:"id"`
	RunID      string    `json:"run_id"`
	Service    string    `json:"service"`
	Kind       Kind      `json:"kind"`
	PID        int       `json:"pid,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Store persists events durably and reads them back.
type Store interface {
	EnsureSchema(ctx context.Context) error
	Append(ctx context.Context, e Event) error
	GetByService(ctx context.Context, service string, limit int) ([]Event, error)
	Recent(ctx context.Context, limit int) ([]Event, error)
	PurgeOlderThan(ctx context.Context, olderThan time.Time) (int64, error)
	Close() error
}

// Sink is a destination for journal events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Recorder stamps events and fans them out to an optional store and any
// number of sinks. Journal failures are logged and swallowed; bookkeeping
// must never disturb supervision.
type Recorder struct {
	runID   string
	store   Store
	sinks   []Sink
	timeout time.Duration
}

// NewRecorder creates a recorder with a fresh run ID. store may be nil.
func NewRecorder(store Store, sinks ...Sink) *Recorder {
	return &Recorder{
		runID:   uuid.NewString(),
		store:   store,
		sinks:   sinks,
		timeout: 5 * time.Second,
	}
}

// RunID returns the identifier shared by all events of this run.
func (r *Recorder) RunID() string {
	if r == nil {
		return ""
	}
	return r.runID
}

// Record emits one event. Safe to call on a nil recorder.
func (r *Recorder) Record(ctx context.Context, service string, kind Kind, pid int, detail string) {
	if r == nil {
		return
	}
	e := Event{
		ID:         uuid.NewString(),
		RunID:      r.runID,
		Service:    service,
		Kind:       kind,
		PID:        pid,
		Detail:     detail,
		OccurredAt: time.Now().UTC(),
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if r.store != nil {
		if err := r.store.Append(ctx, e); err != nil {
			slog.Warn("Failed to append journal event", "service", service, "kind", kind, "error", err)
		}
	}
	for _, s := range r.sinks {
		if err := s.Send(ctx, e); err != nil {
			slog.Warn("Failed to send journal event to sink", "service", service, "kind", kind, "error", err)
		}
	}
}

// GetByService reads back events for one service, newest first.
func (r *Recorder) GetByService(ctx context.Context, service string, limit int) ([]Event, error) {
	if r == nil || r.store == nil {
		return nil, nil
	}
	return r.store.GetByService(ctx, service, limit)
}

// Recent reads back the newest events across all services.
func (r *Recorder) Recent(ctx context.Context, limit int) ([]Event, error) {
	if r == nil || r.store == nil {
		return nil, nil
	}
	return r.store.Recent(ctx, limit)
}

// Close releases the store and any closable sinks.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	var first error
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			first = err
		}
	}
	for _, s := range r.sinks {
		if c, ok := s.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}
