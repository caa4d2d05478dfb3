package registry

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"voicerig/internal/metrics"
)

// Lifecycle status of a session identity.
type Status string

const (
	StatusCreated          Status = "created"
	StatusConnected        Status = "connected"
	StatusDisconnected     Status = "disconnected"
	StatusEmergencyCleaned Status = "emergency_cleaned"
)

const (
	DefaultHistoryLimit = 100
	DefaultPrefix       = "agent"
	DefaultStaleAge     = 5 * time.Minute

	randSuffixLen = 8
	randAlphabet  = "abcdefghijklmnopqrstuvwxyz0123456789"
)

// Handle tears down the transport behind a session. Sessions registered
// over the HTTP boundary use NopHandle.
type Handle interface {
	Disconnect(ctx context.Context) error
}

// NopHandle is a Handle with nothing to tear down.
type NopHandle struct{}

func (NopHandle) Disconnect(context.Context) error { return nil }

// HistoryEntry records one identity's lifecycle.
type HistoryEntry struct {
	Identity       string     `json:"identity"`
	CreatedAt      time.Time  `json:"created_at"`
	Status         Status     `json:"status"`
	DisconnectedAt *time.Time `json:"disconnected_at,omitempty"`
	CleanedAt      *time.Time `json:"cleaned_at,omitempty"`
}

// Snapshot is a point-in-time view for status surfaces and tests.
type Snapshot struct {
	Active        int            `json:"active_connections"`
	HistoryLen    int            `json:"connection_history_count"`
	Identities    []string       `json:"active_identities"`
	RecentHistory []HistoryEntry `json:"recent_history"`
}

type connection struct {
	handle      Handle
	connectedAt time.Time
}

// Options tunes a Registry. Zero values pick the defaults above.
type Options struct {
	HistoryLimit int
	Prefix       string
}

// Registry tracks transport sessions by unique identity so a restarted
// worker never collides with a participant left behind by its
// predecessor. Purely in-memory; construct one and hand it to whoever
// needs it.
type Registry struct {
	mu      sync.Mutex
	active  map[string]connection
	history []HistoryEntry
	limit   int
	prefix  string
}

func New(opts Options) *Registry {
	limit := opts.HistoryLimit
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Registry{
		active: make(map[string]connection),
		limit:  limit,
		prefix: prefix,
	}
}

// GenerateIdentity mints a collision-free participant identity of the form
// <prefix>-<unix nanos>-<pid>-<random suffix> and records it as created.
// An empty prefix uses the registry default.
func (r *Registry) GenerateIdentity(prefix string) string {
	if prefix == "" {
		prefix = r.prefix
	}
	identity := fmt.Sprintf("%s-%d-%d-%s", prefix, time.Now().UnixNano(), os.Getpid(), randSuffix())

	r.mu.Lock()
	r.appendHistoryLocked(HistoryEntry{
		Identity:  identity,
		CreatedAt: time.Now(),
		Status:    StatusCreated,
	})
	r.mu.Unlock()

	metrics.IncIdentityMinted()
	slog.Debug("Generated session identity", "identity", identity)
	return identity
}

// Register marks an identity as an active session. Registering the same
// identity again replaces the previous handle.
func (r *Registry) Register(identity string, h Handle) {
	if h == nil {
		h = NopHandle{}
	}
	r.mu.Lock()
	r.active[identity] = connection{handle: h, connectedAt: time.Now()}
	r.setHistoryStatusLocked(identity, StatusConnected, nil)
	n := len(r.active)
	r.mu.Unlock()

	metrics.SetActiveConnections(n)
	slog.Info("Registered session", "identity", identity)
}

// Unregister removes an active session. Unknown identities are ignored.
func (r *Registry) Unregister(identity string) {
	r.mu.Lock()
	_, ok := r.active[identity]
	if ok {
		delete(r.active, identity)
		now := time.Now()
		r.setHistoryStatusLocked(identity, StatusDisconnected, &now)
	}
	n := len(r.active)
	r.mu.Unlock()

	if ok {
		metrics.SetActiveConnections(n)
		slog.Info("Unregistered session", "identity", identity)
	}
}

// ForceDisconnect tears down a session's transport and unregisters it.
// A failing handle is logged and the identity is unregistered anyway.
func (r *Registry) ForceDisconnect(ctx context.Context, identity string) {
	r.mu.Lock()
	conn, ok := r.active[identity]
	r.mu.Unlock()
	if !ok {
		return
	}
	if err := conn.handle.Disconnect(ctx); err != nil {
		slog.Error("Force disconnect failed", "identity", identity, "error", err)
	}
	r.Unregister(identity)
}

// CleanupStale force-disconnects sessions connected longer than maxAge.
// maxAge <= 0 uses DefaultStaleAge. Returns how many were cleaned.
func (r *Registry) CleanupStale(ctx context.Context, maxAge time.Duration) int {
	if maxAge <= 0 {
		maxAge = DefaultStaleAge
	}
	cutoff := time.Now().Add(-maxAge)

	r.mu.Lock()
	var stale []string
	for identity, conn := range r.active {
		if conn.connectedAt.Before(cutoff) {
			stale = append(stale, identity)
		}
	}
	r.mu.Unlock()

	for _, identity := range stale {
		slog.Warn("Cleaning up stale session", "identity", identity)
		r.ForceDisconnect(ctx, identity)
	}
	return len(stale)
}

// EmergencyCleanup force-disconnects every active session, clears the
// active set, and marks every history entry still in created or connected
// state as emergency_cleaned. Used before worker restarts so a fresh worker
// starts from a clean slate. Returns the number of sessions that were
// disconnected.
func (r *Registry) EmergencyCleanup(ctx context.Context) int {
	slog.Warn("Performing emergency cleanup of all sessions")

	r.mu.Lock()
	conns := make(map[string]connection, len(r.active))
	for identity, conn := range r.active {
		conns[identity] = conn
	}
	r.mu.Unlock()

	// Disconnect outside the lock; the handles may block on network teardown.
	for identity, conn := range conns {
		if err := conn.handle.Disconnect(ctx); err != nil {
			slog.Error("Force disconnect failed", "identity", identity, "error", err)
		}
	}

	now := time.Now()
	r.mu.Lock()
	clear(r.active)
	for i := range r.history {
		if r.history[i].Status == StatusCreated || r.history[i].Status == StatusConnected {
			r.history[i].Status = StatusEmergencyCleaned
			r.history[i].CleanedAt = &now
		}
	}
	r.mu.Unlock()

	metrics.SetActiveConnections(0)
	slog.Info("Emergency cleanup completed", "sessions", len(conns))
	return len(conns)
}

// ActiveCount returns the number of active sessions.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// HistoryLen returns the number of retained history entries.
func (r *Registry) HistoryLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.history)
}

// Snapshot returns a copy of the registry state with the last 10 history
// entries.
func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	identities := make([]string, 0, len(r.active))
	for identity := range r.active {
		identities = append(identities, identity)
	}
	recent := r.history
	if len(recent) > 10 {
		recent = recent[len(recent)-10:]
	}
	recentCopy := make([]HistoryEntry, len(recent))
	copy(recentCopy, recent)

	return Snapshot{
		Active:        len(r.active),
		HistoryLen:    len(r.history),
		Identities:    identities,
		RecentHistory: recentCopy,
	}
}

func (r *Registry) appendHistoryLocked(e HistoryEntry) {
	r.history = append(r.history, e)
	if len(r.history) > r.limit {
		r.history = r.history[len(r.history)-r.limit:]
	}
}

func (r *Registry) setHistoryStatusLocked(identity string, st Status, at *time.Time) {
	for i := range r.history {
		if r.history[i].Identity == identity {
			r.history[i].Status = st
			if st == StatusDisconnected {
				r.history[i].DisconnectedAt = at
			}
			return
		}
	}
}

func randSuffix() string {
	b := make([]byte, randSuffixLen)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand failure leaves the nanosecond timestamp and pid to
		// carry uniqueness.
		return "00000000"
	}
	for i := range b {
		b[i] = randAlphabet[int(b[i])%len(randAlphabet)]
	}
	return string(b)
}
