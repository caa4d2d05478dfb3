package voicerig

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"voicerig/internal/compose"
	cfg "voicerig/internal/config"
	"voicerig/internal/journal"
	"voicerig/internal/journal/factory"
	"voicerig/internal/metrics"
	"voicerig/internal/orchestrator"
	"voicerig/internal/registry"
	iapi "voicerig/internal/server"
	"voicerig/internal/supervisor"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = cfg.Config

type ServiceConfig = cfg.ServiceConfig

type LogConfig = cfg.LogConfig

type JournalConfig = cfg.JournalConfig

type Descriptor = orchestrator.Descriptor

type ServiceStatus = orchestrator.ServiceStatus

type WorkerStatus = supervisor.Status

type Event = journal.Event

type EventKind = journal.Kind

type Recorder = journal.Recorder

type Sink = journal.Sink

// Lifecycle event kinds accepted by Recorder.Record.
const (
	EventStart     = journal.KindStart
	EventStop      = journal.KindStop
	EventRestart   = journal.KindRestart
	EventUnhealthy = journal.KindUnhealthy
	EventCleanup   = journal.KindCleanup
	EventGiveUp    = journal.KindGiveUp
)

type SessionHandle = registry.Handle

type NopSessionHandle = registry.NopHandle

type RegistrySnapshot = registry.Snapshot

type WorkerSamplerConfig = metrics.WorkerSamplerConfig

type WorkerSampler = metrics.WorkerSampler

// Stack is a thin facade over internal/orchestrator.Orchestrator.
// It provides a stable public API for embedding.

type Stack struct {
	inner    *orchestrator.Orchestrator
	runtime  *compose.Runtime
	recorder *Recorder
}

// NewStack assembles the container runtime, the journal recorder and the
// orchestrator described by c.
func NewStack(c *Config) (*Stack, error) {
	descriptors, err := c.Descriptors()
	if err != nil {
		return nil, err
	}
	runtime, err := compose.New(c.Compose)
	if err != nil {
		return nil, fmt.Errorf("container runtime: %w", err)
	}
	rec, err := NewRecorder(c.Journal)
	if err != nil {
		_ = runtime.Close()
		return nil, err
	}
	orch, err := orchestrator.New(orchestrator.Options{
		Services:      descriptors,
		Runtime:       runtime,
		Env:           c.BuildEnv(),
		Recorder:      rec,
		Log:           c.Logger(),
		EnvFiles:      c.EnvFiles,
		RequiredEnv:   c.RequiredEnv,
		Settle:        c.Orchestrator.Settle,
		CheckInterval: c.Orchestrator.CheckInterval,
		ErrorPause:    c.Orchestrator.ErrorPause,
		StopGrace:     c.Orchestrator.StopGrace,
	})
	if err != nil {
		_ = rec.Close()
		_ = runtime.Close()
		return nil, err
	}
	return &Stack{inner: orch, runtime: runtime, recorder: rec}, nil
}

func (s *Stack) StartAll(ctx context.Context) error    { return s.inner.StartAll(ctx) }
func (s *Stack) StopAll(ctx context.Context) error     { return s.inner.StopAll(ctx) }
func (s *Stack) MonitorLoop(ctx context.Context) error { return s.inner.MonitorLoop(ctx) }
func (s *Stack) StartOrder() []string                  { return s.inner.StartOrder() }
func (s *Stack) StartService(ctx context.Context, name string) error {
	return s.inner.StartService(ctx, name)
}
func (s *Stack) StopService(ctx context.Context, name string) error {
	return s.inner.StopService(ctx, name)
}
func (s *Stack) RestartService(ctx context.Context, name string) error {
	return s.inner.RestartService(ctx, name)
}
func (s *Stack) CheckService(ctx context.Context, name string) error {
	return s.inner.CheckService(ctx, name)
}
func (s *Stack) Status(ctx context.Context) []ServiceStatus { return s.inner.Status(ctx) }
func (s *Stack) StatusOf(ctx context.Context, name string) (ServiceStatus, error) {
	return s.inner.StatusOf(ctx, name)
}

// Close releases the journal and the container runtime client. It does
// not stop running services; call StopAll first.
func (s *Stack) Close() {
	if s.recorder != nil {
		_ = s.recorder.Close()
	}
	_ = s.runtime.Close()
}

// Registry facade
type Registry struct{ inner *registry.Registry }

func NewRegistry(c *Config) *Registry {
	return &Registry{inner: registry.New(c.RegistryOptions())}
}

func (r *Registry) GenerateIdentity(prefix string) string { return r.inner.GenerateIdentity(prefix) }
func (r *Registry) Register(identity string, h SessionHandle) {
	r.inner.Register(identity, h)
}
func (r *Registry) Unregister(identity string) { r.inner.Unregister(identity) }
func (r *Registry) ForceDisconnect(ctx context.Context, identity string) {
	r.inner.ForceDisconnect(ctx, identity)
}
func (r *Registry) CleanupStale(ctx context.Context, maxAge time.Duration) int {
	return r.inner.CleanupStale(ctx, maxAge)
}
func (r *Registry) EmergencyCleanup(ctx context.Context) int { return r.inner.EmergencyCleanup(ctx) }
func (r *Registry) ActiveCount() int                         { return r.inner.ActiveCount() }
func (r *Registry) Snapshot() RegistrySnapshot               { return r.inner.Snapshot() }

// Supervisor facade
type Supervisor struct{ inner *supervisor.Supervisor }

// NewSupervisor builds the worker supervisor described by c. The registry
// and recorder are optional; pass nil to run without session tracking or
// journaling.
func NewSupervisor(c *Config, reg *Registry, rec *Recorder) (*Supervisor, error) {
	opts, err := c.SupervisorOptions()
	if err != nil {
		return nil, err
	}
	if reg != nil {
		opts.Registry = reg.inner
	}
	opts.Recorder = rec
	sup, err := supervisor.New(opts)
	if err != nil {
		return nil, err
	}
	return &Supervisor{inner: sup}, nil
}

func (s *Supervisor) Run(ctx context.Context) error     { return s.inner.Run(ctx) }
func (s *Supervisor) Start(ctx context.Context) error   { return s.inner.Start(ctx) }
func (s *Supervisor) Restart(ctx context.Context) error { return s.inner.Restart(ctx) }
func (s *Supervisor) Stop() error                       { return s.inner.Stop() }
func (s *Supervisor) Status() WorkerStatus              { return s.inner.Status() }
func (s *Supervisor) Healthy() (bool, string)           { return s.inner.Healthy() }
func (s *Supervisor) Restarts() int                     { return s.inner.Restarts() }

func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

// DefaultConfig returns the built-in four service stack.
func DefaultConfig() *Config { return cfg.Default() }

// NewRecorder builds the journal recorder described by jc. An empty DSN
// with no sinks yields a nil recorder, which disables journaling; a nil
// *Recorder is safe to use.
func NewRecorder(jc JournalConfig) (*Recorder, error) {
	var store journal.Store
	if jc.DSN != "" {
		ensureStoreDir(jc.DSN)
		st, err := factory.NewStoreFromDSN(jc.DSN)
		if err != nil {
			return nil, fmt.Errorf("journal store: %w", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = st.EnsureSchema(ctx)
		cancel()
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("journal schema: %w", err)
		}
		store = st
	}
	var sinks []journal.Sink
	for _, dsn := range jc.Sinks {
		sink, err := factory.NewSinkFromDSN(dsn)
		if err != nil {
			if store != nil {
				_ = store.Close()
			}
			return nil, fmt.Errorf("journal sink: %w", err)
		}
		sinks = append(sinks, sink)
	}
	if store == nil && len(sinks) == 0 {
		return nil, nil
	}
	return journal.NewRecorder(store, sinks...), nil
}

// ensureStoreDir creates the parent directory of file-backed DSNs so the
// sqlite driver can create the database file.
func ensureStoreDir(dsn string) {
	p := strings.TrimPrefix(strings.TrimSpace(dsn), "sqlite://")
	if p == "" || p == ":memory:" || strings.Contains(p, "://") {
		return
	}
	if dir := filepath.Dir(p); dir != "." {
		_ = os.MkdirAll(dir, 0o750)
	}
}

// NewHTTPServer starts an HTTP server exposing the orchestrator API for
// the given stack. withMetrics also mounts /metrics on the same listener.
func NewHTTPServer(addr, basePath string, s *Stack, withMetrics bool) (*http.Server, error) {
	return iapi.NewServer(addr, basePath, s.inner, s.recorder, withMetrics)
}

// NewSupervisorHTTPServer starts an HTTP server exposing the supervisor
// API using the given supervisor and registry.
func NewSupervisorHTTPServer(addr, basePath string, s *Supervisor, r *Registry) (*http.Server, error) {
	return iapi.NewSupervisorServer(addr, basePath, s.inner, r.inner)
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

func NewWorkerSampler(c WorkerSamplerConfig) *WorkerSampler { return metrics.NewWorkerSampler(c) }

// RegisterWorkerMetricsDefault registers the sampler gauges on the default
// registry. A disabled sampler registers nothing.
func RegisterWorkerMetricsDefault(s *WorkerSampler) error {
	return s.RegisterMetrics(prometheus.DefaultRegisterer)
}

// ServeMetrics starts an HTTP server on addr exposing /metrics using the default registry.
// It returns any immediate listen error; otherwise it runs the server in the caller goroutine.
func ServeMetrics(addr string) error {
	http.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           nil,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}
