package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"voicerig/internal/env"
	"voicerig/internal/journal"
	"voicerig/internal/metrics"
	"voicerig/internal/proc"
	"voicerig/internal/registry"
)

// Default supervision parameters.
const (
	DefaultMaxRestarts   = 10
	DefaultBackoffBase   = time.Second
	DefaultBackoffMax    = 60 * time.Second
	DefaultCheckInterval = 30 * time.Second
	DefaultErrorPause    = 5 * time.Second
	DefaultStopGrace     = 10 * time.Second
	DefaultSweepGrace    = 5 * time.Second
	DefaultMemoryLimitMB = 500
	DefaultLogSilence    = 120 * time.Second
)

// ErrRestartBudget is returned when the lifetime restart budget is spent.
var ErrRestartBudget = errors.New("restart budget exhausted")

// Phase is the supervisor lifecycle phase.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseStarting   Phase = "starting"
	PhaseHealthy    Phase = "healthy"
	PhaseUnhealthy  Phase = "unhealthy"
	PhaseRestarting Phase = "restarting"
	PhaseStopped    Phase = "stopped"
	PhaseGivenUp    Phase = "given_up"
)

// Options configures a worker supervisor.
type Options struct {
	// Worker describes the supervised process. Stderr is folded into the
	// stdout log so one file's mtime reflects all worker activity.
	Worker proc.Spec

	MaxRestarts   int           // lifetime restart budget, default 10
	BackoffBase   time.Duration // first restart delay, default 1s
	BackoffMax    time.Duration // delay ceiling, default 60s
	CheckInterval time.Duration // health check cadence, default 30s
	ErrorPause    time.Duration // pause after a loop error, default 5s
	StopGrace     time.Duration // SIGTERM grace before SIGKILL, default 10s
	SweepGrace    time.Duration // per-process wait during stray sweeps
	MemoryLimitMB int           // RSS ceiling, default 500
	LogSilence    time.Duration // max quiet time of the worker log, default 2m

	// WorkerLogPath is the file whose mtime indicates worker liveness.
	// Defaults to the worker's stdout log file.
	WorkerLogPath string

	// KillSignature identifies stray workers by command line substring.
	// Empty disables the sweep.
	KillSignature string

	// EnvFiles are .env files loaded before each worker launch. Missing
	// files log a warning and are skipped.
	EnvFiles []string

	Registry *registry.Registry
	Recorder *journal.Recorder
}

// Supervisor keeps one worker process running: it watches health on a fixed
// cadence and restarts the worker with exponential backoff until a lifetime
// budget is spent.
type Supervisor struct {
	opts    Options
	environ *env.Env
	back    *backoff.ExponentialBackOff

	mu        sync.Mutex
	child     *proc.Child
	phase     Phase
	restarts  int
	stopping  bool
	lastDelay time.Duration
	lastCheck time.Time
	startedAt time.Time

	rssFn func(pid int) (uint64, error)
}

// Status is a point-in-time view of the supervisor.
type Status struct {
	Name        string             `json:"name"`
	Phase       Phase              `json:"phase"`
	PID         int                `json:"pid,omitempty"`
	Restarts    int                `json:"restarts"`
	MaxRestarts int                `json:"max_restarts"`
	LastDelay   string             `json:"last_delay,omitempty"`
	StartedAt   time.Time          `json:"started_at"`
	LastCheck   time.Time          `json:"last_check"`
	Registry    *registry.Snapshot `json:"registry,omitempty"`
}

func New(opts Options) (*Supervisor, error) {
	if opts.Worker.Command == "" {
		return nil, errors.New("supervisor: worker command is required")
	}
	if opts.Worker.Name == "" {
		opts.Worker.Name = "worker"
	}
	opts.Worker.CombineOutput = true
	if opts.MaxRestarts <= 0 {
		opts.MaxRestarts = DefaultMaxRestarts
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = DefaultBackoffBase
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = DefaultBackoffMax
	}
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = DefaultCheckInterval
	}
	if opts.ErrorPause <= 0 {
		opts.ErrorPause = DefaultErrorPause
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = DefaultStopGrace
	}
	if opts.SweepGrace <= 0 {
		opts.SweepGrace = DefaultSweepGrace
	}
	if opts.MemoryLimitMB <= 0 {
		opts.MemoryLimitMB = DefaultMemoryLimitMB
	}
	if opts.LogSilence <= 0 {
		opts.LogSilence = DefaultLogSilence
	}
	if opts.WorkerLogPath == "" {
		opts.WorkerLogPath = opts.Worker.Log.File.StdoutFile(opts.Worker.Name)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = opts.BackoffBase
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = opts.BackoffMax
	b.MaxElapsedTime = 0
	b.Reset()

	e := env.New()
	e.FromOS()

	return &Supervisor{
		opts:    opts,
		environ: e,
		back:    b,
		phase:   PhaseIdle,
		rssFn:   proc.RSSBytes,
	}, nil
}

// Start launches a fresh worker: reloads env files, sweeps strays, spawns
// the process. The caller treats a failed initial start as fatal.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return errors.New("supervisor is shutting down")
	}
	s.setPhaseLocked(PhaseStarting)
	s.mu.Unlock()

	s.loadEnvFiles()
	if n := proc.Sweep(s.opts.KillSignature, s.opts.SweepGrace); n > 0 {
		slog.Info("Swept stray worker processes", "count", n)
	}

	child := proc.New(s.opts.Worker)
	if err := child.Start(s.environ.Merge(nil)); err != nil {
		s.mu.Lock()
		s.setPhaseLocked(PhaseUnhealthy)
		s.mu.Unlock()
		slog.Error("Failed to start worker", "name", s.opts.Worker.Name, "error", err)
		return err
	}

	s.mu.Lock()
	s.child = child
	s.startedAt = time.Now()
	s.setPhaseLocked(PhaseHealthy)
	s.mu.Unlock()

	pid := child.PID()
	slog.Info("Worker started", "name", s.opts.Worker.Name, "pid", pid)
	s.opts.Recorder.Record(ctx, s.opts.Worker.Name, journal.KindStart, pid, "")
	return nil
}

func (s *Supervisor) loadEnvFiles() {
	for _, f := range s.opts.EnvFiles {
		if _, err := os.Stat(f); err != nil {
			slog.Warn("Environment file not found", "path", f)
			continue
		}
		if err := s.environ.LoadFiles(f); err != nil {
			slog.Warn("Failed to load environment file", "path", f, "error", err)
		}
	}
}

// Healthy checks the worker: alive, RSS under the ceiling, and the worker
// log written to recently. A missing log file does not count against the
// worker; a log that exists but has gone quiet does.
func (s *Supervisor) Healthy() (bool, string) {
	s.mu.Lock()
	child := s.child
	s.lastCheck = time.Now()
	s.mu.Unlock()

	if child == nil || !child.Alive() {
		return false, "worker process not running"
	}
	pid := child.PID()

	rss, err := s.rssFn(pid)
	if err != nil {
		return false, fmt.Sprintf("cannot read worker memory: %v", err)
	}
	mb := float64(rss) / 1024 / 1024
	if mb > float64(s.opts.MemoryLimitMB) {
		return false, fmt.Sprintf("memory usage too high: %.1fMB > %dMB", mb, s.opts.MemoryLimitMB)
	}

	if s.opts.WorkerLogPath != "" {
		if fi, err := os.Stat(s.opts.WorkerLogPath); err == nil {
			if age := time.Since(fi.ModTime()); age > s.opts.LogSilence {
				return false, fmt.Sprintf("worker log inactive for %s", age.Round(time.Second))
			}
		}
	}

	slog.Debug("Worker healthy", "name", s.opts.Worker.Name, "pid", pid, "memory_mb", fmt.Sprintf("%.1f", mb))
	return true, ""
}

// Restart replaces the worker. The restart counter is incremented before
// the budget check, so with a budget of N the N+1th restart is refused and
// the supervisor gives up. Active sessions are emergency-cleaned before the
// old worker is stopped, then the supervisor sleeps the current backoff
// delay and launches a fresh worker. A successful launch resets the delay.
func (s *Supervisor) Restart(ctx context.Context) error {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return errors.New("supervisor is shutting down")
	}
	s.restarts++
	n := s.restarts
	if n > s.opts.MaxRestarts {
		s.setPhaseLocked(PhaseGivenUp)
		s.mu.Unlock()
		slog.Error("Maximum restarts reached, giving up", "max", s.opts.MaxRestarts)
		s.opts.Recorder.Record(ctx, s.opts.Worker.Name, journal.KindGiveUp, 0,
			fmt.Sprintf("restart %d refused, budget is %d", n, s.opts.MaxRestarts))
		return ErrRestartBudget
	}
	s.setPhaseLocked(PhaseRestarting)
	child := s.child
	s.mu.Unlock()

	metrics.IncWorkerRestart()
	s.opts.Recorder.Record(ctx, s.opts.Worker.Name, journal.KindRestart, 0,
		fmt.Sprintf("restart %d/%d", n, s.opts.MaxRestarts))

	if s.opts.Registry != nil {
		cleaned := s.opts.Registry.EmergencyCleanup(ctx)
		metrics.IncEmergencyCleanup()
		s.opts.Recorder.Record(ctx, s.opts.Worker.Name, journal.KindCleanup, 0,
			fmt.Sprintf("%d sessions cleaned", cleaned))
	}

	if child != nil {
		if err := child.Stop(s.opts.StopGrace); err != nil {
			slog.Warn("Error stopping worker", "name", s.opts.Worker.Name, "error", err)
		}
	}

	delay := s.back.NextBackOff()
	s.mu.Lock()
	s.lastDelay = delay
	s.mu.Unlock()
	metrics.SetWorkerBackoff(delay.Seconds())
	slog.Info("Waiting before restart", "delay", delay, "restart", n, "max", s.opts.MaxRestarts)
	if err := sleepCtx(ctx, delay); err != nil {
		return err
	}

	if err := s.Start(ctx); err != nil {
		slog.Error("Worker restart failed", "restart", n, "error", err)
		return err
	}
	s.back.Reset()
	metrics.SetWorkerBackoff(0)
	slog.Info("Worker restarted", "name", s.opts.Worker.Name, "restart", n)
	return nil
}

// Run starts the worker and monitors it until ctx is canceled, the restart
// budget is exhausted, or the initial start fails.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return fmt.Errorf("initial worker start: %w", err)
	}
	slog.Info("Supervisor monitoring worker",
		"name", s.opts.Worker.Name, "interval", s.opts.CheckInterval, "max_restarts", s.opts.MaxRestarts)

	for {
		if err := sleepCtx(ctx, s.opts.CheckInterval); err != nil {
			return nil
		}

		healthy, reason := s.Healthy()
		if healthy {
			s.mu.Lock()
			s.setPhaseLocked(PhaseHealthy)
			s.mu.Unlock()
			continue
		}

		slog.Warn("Worker unhealthy, restarting", "name", s.opts.Worker.Name, "reason", reason)
		s.mu.Lock()
		s.setPhaseLocked(PhaseUnhealthy)
		pid := 0
		if s.child != nil {
			pid = s.child.PID()
		}
		s.mu.Unlock()
		metrics.IncProbeFailure(s.opts.Worker.Name)
		s.opts.Recorder.Record(ctx, s.opts.Worker.Name, journal.KindUnhealthy, pid, reason)

		switch err := s.Restart(ctx); {
		case err == nil:
		case errors.Is(err, ErrRestartBudget):
			return err
		case ctx.Err() != nil:
			return nil
		default:
			slog.Error("Monitor loop error", "error", err)
			_ = sleepCtx(ctx, s.opts.ErrorPause)
		}
	}
}

// Stop shuts the worker down gracefully. Idempotent.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	child := s.child
	s.setPhaseLocked(PhaseStopped)
	s.mu.Unlock()

	if child == nil {
		return nil
	}
	slog.Info("Stopping worker", "name", s.opts.Worker.Name, "pid", child.PID())
	err := child.Stop(s.opts.StopGrace)
	s.opts.Recorder.Record(context.Background(), s.opts.Worker.Name, journal.KindStop, child.PID(), "")
	return err
}

// Restarts returns the lifetime restart count.
func (s *Supervisor) Restarts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restarts
}

// CurrentPhase returns the current lifecycle phase.
func (s *Supervisor) CurrentPhase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Status reports the supervisor state, including a registry snapshot when
// a registry is attached.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	st := Status{
		Name:        s.opts.Worker.Name,
		Phase:       s.phase,
		Restarts:    s.restarts,
		MaxRestarts: s.opts.MaxRestarts,
		StartedAt:   s.startedAt,
		LastCheck:   s.lastCheck,
	}
	if s.lastDelay > 0 {
		st.LastDelay = s.lastDelay.String()
	}
	if s.child != nil && s.child.Alive() {
		st.PID = s.child.PID()
	}
	s.mu.Unlock()

	if s.opts.Registry != nil {
		snap := s.opts.Registry.Snapshot()
		st.Registry = &snap
	}
	return st
}

// setPhaseLocked transitions the phase and keeps the phase gauge in step.
// Callers hold s.mu.
func (s *Supervisor) setPhaseLocked(p Phase) {
	if s.phase == p {
		return
	}
	metrics.SetWorkerPhase(string(s.phase), false)
	s.phase = p
	metrics.SetWorkerPhase(string(p), true)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
