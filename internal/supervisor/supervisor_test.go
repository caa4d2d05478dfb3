//go:build !windows

package supervisor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"voicerig/internal/proc"
	"voicerig/internal/registry"
)

func newTestSupervisor(t *testing.T, opts Options) *Supervisor {
	t.Helper()
	if opts.Worker.Command == "" {
		opts.Worker.Command = "sleep 30"
	}
	if opts.Worker.Name == "" {
		opts.Worker.Name = "testworker"
	}
	if opts.BackoffBase == 0 {
		opts.BackoffBase = 5 * time.Millisecond
	}
	if opts.BackoffMax == 0 {
		opts.BackoffMax = 40 * time.Millisecond
	}
	if opts.CheckInterval == 0 {
		opts.CheckInterval = 30 * time.Millisecond
	}
	if opts.ErrorPause == 0 {
		opts.ErrorPause = 10 * time.Millisecond
	}
	if opts.StopGrace == 0 {
		opts.StopGrace = 2 * time.Second
	}
	s, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Stop() })
	return s
}

func TestNewRequiresCommand(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatal("New accepted empty worker command")
	}
}

func TestStartAndHealthy(t *testing.T) {
	s := newTestSupervisor(t, Options{})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if ok, reason := s.Healthy(); !ok {
		t.Fatalf("Healthy = false: %s", reason)
	}
	if got := s.CurrentPhase(); got != PhaseHealthy {
		t.Fatalf("phase = %s, want %s", got, PhaseHealthy)
	}
	st := s.Status()
	if st.PID == 0 || st.Restarts != 0 || st.MaxRestarts != DefaultMaxRestarts {
		t.Fatalf("status = %+v", st)
	}
}

func TestHealthyFalseWhenDead(t *testing.T) {
	s := newTestSupervisor(t, Options{Worker: proc.Spec{Name: "short", Command: "true"}})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitCond(t, 3*time.Second, func() bool {
		ok, _ := s.Healthy()
		return !ok
	}, "worker reported dead")
}

func TestHealthyMemoryCeilingOnNthCheck(t *testing.T) {
	s := newTestSupervisor(t, Options{MemoryLimitMB: 500})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	var calls atomic.Int32
	s.rssFn = func(int) (uint64, error) {
		if calls.Add(1) < 10 {
			return 100 << 20, nil
		}
		return 600 << 20, nil
	}
	for i := 1; i <= 9; i++ {
		if ok, reason := s.Healthy(); !ok {
			t.Fatalf("check %d unhealthy: %s", i, reason)
		}
	}
	ok, reason := s.Healthy()
	if ok {
		t.Fatal("10th check passed despite memory ceiling")
	}
	if want := "memory usage too high"; reason == "" || reason[:len(want)] != want {
		t.Fatalf("reason = %q", reason)
	}
}

func TestHealthyMemoryReadFailure(t *testing.T) {
	s := newTestSupervisor(t, Options{})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.rssFn = func(int) (uint64, error) { return 0, errors.New("process vanished") }
	if ok, _ := s.Healthy(); ok {
		t.Fatal("Healthy with unreadable memory")
	}
}

func TestHealthyLogFreshness(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "worker.stdout.log")
	s := newTestSupervisor(t, Options{
		WorkerLogPath: logPath,
		LogSilence:    time.Minute,
	})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// no log file yet: healthy
	if ok, reason := s.Healthy(); !ok {
		t.Fatalf("missing log counted as unhealthy: %s", reason)
	}

	if err := os.WriteFile(logPath, []byte("alive\n"), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}
	if ok, reason := s.Healthy(); !ok {
		t.Fatalf("fresh log unhealthy: %s", reason)
	}

	stale := time.Now().Add(-2 * time.Minute)
	if err := os.Chtimes(logPath, stale, stale); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	if ok, _ := s.Healthy(); ok {
		t.Fatal("stale log counted as healthy")
	}
}

func TestRestartBudgetIncrementThenCheck(t *testing.T) {
	s := newTestSupervisor(t, Options{MaxRestarts: 3})
	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for i := 1; i <= 3; i++ {
		if err := s.Restart(ctx); err != nil {
			t.Fatalf("restart %d: %v", i, err)
		}
	}
	err := s.Restart(ctx)
	if !errors.Is(err, ErrRestartBudget) {
		t.Fatalf("4th restart error = %v, want ErrRestartBudget", err)
	}
	if got := s.CurrentPhase(); got != PhaseGivenUp {
		t.Fatalf("phase = %s, want %s", got, PhaseGivenUp)
	}
	// the budget never resets, later attempts stay refused
	if err := s.Restart(ctx); !errors.Is(err, ErrRestartBudget) {
		t.Fatalf("5th restart error = %v, want ErrRestartBudget", err)
	}
}

func TestBackoffDoublesOnFailureAndResetsOnSuccess(t *testing.T) {
	s := newTestSupervisor(t, Options{
		MaxRestarts: 20,
		BackoffBase: 10 * time.Millisecond,
		BackoffMax:  40 * time.Millisecond,
	})
	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	goodCommand := s.opts.Worker.Command
	s.opts.Worker.Command = "/nonexistent/worker-binary"

	wantDelays := []time.Duration{10, 20, 40, 40} // milliseconds, capped
	for i, want := range wantDelays {
		if err := s.Restart(ctx); err == nil {
			t.Fatalf("restart %d succeeded with broken command", i+1)
		}
		if got := s.lastDelay; got != want*time.Millisecond {
			t.Fatalf("restart %d delay = %v, want %v", i+1, got, want*time.Millisecond)
		}
	}

	// a successful start resets the backoff to base
	s.opts.Worker.Command = goodCommand
	if err := s.Restart(ctx); err != nil {
		t.Fatalf("recovery restart: %v", err)
	}
	s.opts.Worker.Command = "/nonexistent/worker-binary"
	if err := s.Restart(ctx); err == nil {
		t.Fatal("restart succeeded with broken command")
	}
	if got := s.lastDelay; got != 10*time.Millisecond {
		t.Fatalf("post-reset delay = %v, want 10ms", got)
	}
}

type countingHandle struct {
	disconnectedAt atomic.Int64
}

func (h *countingHandle) Disconnect(context.Context) error {
	h.disconnectedAt.Store(time.Now().UnixNano())
	return nil
}

func TestRestartCleansRegistryBeforeStoppingWorker(t *testing.T) {
	reg := registry.New(registry.Options{})
	s := newTestSupervisor(t, Options{Registry: reg, MaxRestarts: 5})
	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	oldChild := s.child

	h := &countingHandle{}
	id := reg.GenerateIdentity("agent")
	reg.Register(id, h)

	if err := s.Restart(ctx); err != nil {
		t.Fatalf("Restart: %v", err)
	}

	disc := h.disconnectedAt.Load()
	if disc == 0 {
		t.Fatal("session not disconnected during restart")
	}
	if reg.ActiveCount() != 0 {
		t.Fatalf("active sessions after restart = %d", reg.ActiveCount())
	}
	stopped := oldChild.Status().StoppedAt
	if stopped.IsZero() {
		t.Fatal("old worker not stopped")
	}
	if stopped.UnixNano() < disc {
		t.Fatal("old worker stopped before emergency cleanup")
	}
	if !s.child.Alive() {
		t.Fatal("replacement worker not running")
	}
}

func TestRunDetectsDeathWithinOneInterval(t *testing.T) {
	s := newTestSupervisor(t, Options{MaxRestarts: 5, CheckInterval: 50 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	waitCond(t, 3*time.Second, func() bool {
		c := currentChild(s)
		return c != nil && c.Alive()
	}, "worker started")
	_ = currentChild(s).Kill()

	waitCond(t, 3*time.Second, func() bool { return s.Restarts() == 1 }, "death detected and restarted")
	waitCond(t, 3*time.Second, func() bool { return s.CurrentPhase() == PhaseHealthy }, "worker healthy again")

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not exit on cancel")
	}
}

func TestRunReturnsErrRestartBudget(t *testing.T) {
	s := newTestSupervisor(t, Options{MaxRestarts: 2, CheckInterval: 20 * time.Millisecond})
	s.rssFn = func(int) (uint64, error) { return 600 << 20, nil } // always over the default ceiling

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := s.Run(ctx)
	if !errors.Is(err, ErrRestartBudget) {
		t.Fatalf("Run = %v, want ErrRestartBudget", err)
	}
	if got := s.Restarts(); got != 3 {
		t.Fatalf("restart attempts = %d, want 3 (two spent, third refused)", got)
	}
	if got := s.CurrentPhase(); got != PhaseGivenUp {
		t.Fatalf("phase = %s, want %s", got, PhaseGivenUp)
	}
}

func TestRunFatalOnInitialStartFailure(t *testing.T) {
	s := newTestSupervisor(t, Options{Worker: proc.Spec{Name: "broken", Command: "/nonexistent/worker-binary"}})
	err := s.Run(context.Background())
	if err == nil {
		t.Fatal("Run succeeded with unstartable worker")
	}
}

func TestStopIdempotent(t *testing.T) {
	s := newTestSupervisor(t, Options{})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	child := s.child
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	waitCond(t, 3*time.Second, func() bool { return !child.Alive() }, "worker stopped")
	if err := s.Start(context.Background()); err == nil {
		t.Fatal("Start accepted after Stop")
	}
}

func TestEnvFilesPassedToWorker(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	out := filepath.Join(dir, "env.out")
	if err := os.WriteFile(envFile, []byte("SUPERVISED_TOKEN=tok-123\n"), 0o644); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	s := newTestSupervisor(t, Options{
		Worker: proc.Spec{
			Name:    "envworker",
			Command: `sh -c 'printf %s "$SUPERVISED_TOKEN" > ` + out + `; sleep 30'`,
		},
		EnvFiles: []string{envFile, filepath.Join(dir, "missing.env")},
	})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitCond(t, 3*time.Second, func() bool {
		data, err := os.ReadFile(out)
		return err == nil && string(data) == "tok-123"
	}, "worker saw env file value")
}

func currentChild(s *Supervisor) *proc.Child {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.child
}

func waitCond(t *testing.T, timeout time.Duration, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
