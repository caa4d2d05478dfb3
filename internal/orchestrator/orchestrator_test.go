//go:build !windows

package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"voicerig/internal/logger"
	"voicerig/internal/proc"
)

// fakeRuntime simulates the container runtime. Containers are keyed by name,
// which the tests keep identical to the compose service name.
type fakeRuntime struct {
	mu      sync.Mutex
	running map[string]bool
	pingErr error
	upErr   map[string]error
	stopErr map[string]error
	downErr error
	upInert map[string]bool // up succeeds but the container never runs
	calls   []string
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		running: make(map[string]bool),
		upErr:   make(map[string]error),
		stopErr: make(map[string]error),
		upInert: make(map[string]bool),
	}
}

func (f *fakeRuntime) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "ping")
	return f.pingErr
}

func (f *fakeRuntime) Up(_ context.Context, services ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "up "+strings.Join(services, " "))
	for _, s := range services {
		if err := f.upErr[s]; err != nil {
			return err
		}
	}
	for _, s := range services {
		if !f.upInert[s] {
			f.running[s] = true
		}
	}
	return nil
}

func (f *fakeRuntime) Stop(_ context.Context, services ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "stop "+strings.Join(services, " "))
	for _, s := range services {
		if err := f.stopErr[s]; err != nil {
			return err
		}
		f.running[s] = false
	}
	return nil
}

func (f *fakeRuntime) Down(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "down")
	for s := range f.running {
		f.running[s] = false
	}
	return f.downErr
}

func (f *fakeRuntime) ContainerRunning(_ context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "inspect "+name)
	return f.running[name], nil
}

func (f *fakeRuntime) setRunning(name string, v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running[name] = v
}

func (f *fakeRuntime) setUpErr(name string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upErr[name] = err
}

func (f *fakeRuntime) count(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func (f *fakeRuntime) callsWithPrefix(prefix string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			out = append(out, c)
		}
	}
	return out
}

func container(name string, deps ...string) Descriptor {
	return Descriptor{
		Name:         name,
		Kind:         KindContainer,
		DependsOn:    deps,
		StartupGrace: time.Millisecond,
	}
}

func process(name, command string, deps ...string) Descriptor {
	return Descriptor{
		Name:         name,
		Kind:         KindProcess,
		Command:      command,
		DependsOn:    deps,
		StartupGrace: time.Millisecond,
		Probe:        ProbeSpec{Type: "process"},
	}
}

func newTestOrch(t *testing.T, rt Runtime, services ...Descriptor) *Orchestrator {
	t.Helper()
	o, err := New(Options{
		Services:      services,
		Runtime:       rt,
		Settle:        time.Millisecond,
		CheckInterval: 25 * time.Millisecond,
		ErrorPause:    time.Millisecond,
		StopGrace:     2 * time.Second,
		Log:           logger.Config{File: logger.FileConfig{Dir: t.TempDir()}},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o
}

func TestStartOrderComputation(t *testing.T) {
	cases := []struct {
		name     string
		services []Descriptor
		want     string
		wantErr  string
	}{
		{
			name:     "declaration order preserved",
			services: []Descriptor{{Name: "a"}, {Name: "b"}, {Name: "c"}},
			want:     "a b c",
		},
		{
			name: "dependencies first",
			services: []Descriptor{
				{Name: "agent", DependsOn: []string{"media", "redis"}},
				{Name: "redis"},
				{Name: "media"},
			},
			want: "redis media agent",
		},
		{
			name: "chain",
			services: []Descriptor{
				{Name: "c", DependsOn: []string{"b"}},
				{Name: "b", DependsOn: []string{"a"}},
				{Name: "a"},
			},
			want: "a b c",
		},
		{
			name: "cycle rejected",
			services: []Descriptor{
				{Name: "a", DependsOn: []string{"b"}},
				{Name: "b", DependsOn: []string{"a"}},
			},
			wantErr: "dependency cycle",
		},
		{
			name:     "unknown dependency rejected",
			services: []Descriptor{{Name: "a", DependsOn: []string{"ghost"}}},
			wantErr:  "unknown service",
		},
		{
			name:     "self dependency rejected",
			services: []Descriptor{{Name: "a", DependsOn: []string{"a"}}},
			wantErr:  "depends on itself",
		},
		{
			name:     "duplicate name rejected",
			services: []Descriptor{{Name: "a"}, {Name: "a"}},
			wantErr:  "duplicate service name",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			order, err := startOrder(tc.services)
			if tc.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
					t.Fatalf("err = %v, want containing %q", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("startOrder: %v", err)
			}
			if got := strings.Join(order, " "); got != tc.want {
				t.Fatalf("order = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestNewValidation(t *testing.T) {
	rt := newFakeRuntime()
	cases := []struct {
		name    string
		opts    Options
		wantErr string
	}{
		{
			name:    "runtime required",
			opts:    Options{Services: []Descriptor{container("a")}},
			wantErr: "container runtime is required",
		},
		{
			name:    "services required",
			opts:    Options{Runtime: rt},
			wantErr: "no services configured",
		},
		{
			name:    "process needs command",
			opts:    Options{Runtime: rt, Services: []Descriptor{{Name: "a", Kind: KindProcess}}},
			wantErr: "require a command",
		},
		{
			name:    "unknown kind",
			opts:    Options{Runtime: rt, Services: []Descriptor{{Name: "a", Kind: "vm"}}},
			wantErr: "unknown kind",
		},
		{
			name: "unknown probe type",
			opts: Options{Runtime: rt, Services: []Descriptor{
				{Name: "a", Kind: KindContainer, Probe: ProbeSpec{Type: "grpc"}},
			}},
			wantErr: "unknown probe type",
		},
		{
			name: "http probe needs url",
			opts: Options{Runtime: rt, Services: []Descriptor{
				{Name: "a", Kind: KindContainer, Probe: ProbeSpec{Type: "http"}},
			}},
			wantErr: "http probe requires url",
		},
		{
			name: "logfile probe needs path",
			opts: Options{Runtime: rt, Services: []Descriptor{
				{Name: "a", Kind: KindContainer, Probe: ProbeSpec{Type: "logfile"}},
			}},
			wantErr: "logfile probe requires path",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(tc.opts); err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("err = %v, want containing %q", err, tc.wantErr)
			}
		})
	}
}

func TestProbeSelection(t *testing.T) {
	rt := newFakeRuntime()
	o := newTestOrch(t, rt,
		Descriptor{Name: "redis", Kind: KindContainer, ContainerName: "demo-redis-1", StartupGrace: time.Millisecond},
		Descriptor{Name: "media", Kind: KindContainer, StartupGrace: time.Millisecond,
			Probe: ProbeSpec{Type: "http", URL: "http://localhost:7880", AcceptNotFound: true}},
		Descriptor{Name: "web", Kind: KindProcess, Command: "sleep 1", StartupGrace: time.Millisecond,
			Probe: ProbeSpec{Type: "tcp", Address: "127.0.0.1:8000"}},
		Descriptor{Name: "agent", Kind: KindProcess, Command: "sleep 1", StartupGrace: time.Millisecond,
			Probe: ProbeSpec{Type: "process", Path: "/tmp/agent.log", MaxAge: 5 * time.Minute}},
		Descriptor{Name: "brk", Kind: KindContainer, StartupGrace: time.Millisecond,
			Probe: ProbeSpec{Type: "command", Command: "true"}},
		Descriptor{Name: "direct", Kind: KindProcess, Command: "sleep 1", StartupGrace: time.Millisecond},
	)
	want := map[string]string{
		"redis":  "container:demo-redis-1",
		"media":  "http:http://localhost:7880",
		"web":    "tcp:127.0.0.1:8000",
		"agent":  "func:agent+logfile:/tmp/agent.log",
		"brk":    "cmd:true",
		"direct": "func:direct",
	}
	for name, desc := range want {
		if got := o.probes[name].Describe(); got != desc {
			t.Errorf("probe for %s = %q, want %q", name, got, desc)
		}
	}
}

func TestStartAllRunsInDependencyOrder(t *testing.T) {
	rt := newFakeRuntime()
	o := newTestOrch(t, rt,
		container("redis"),
		container("media", "redis"),
		container("webclient"),
		container("agent", "media", "redis"),
	)
	if err := o.StartAll(context.Background()); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	ups := rt.callsWithPrefix("up ")
	want := []string{"up redis", "up media", "up webclient", "up agent"}
	if strings.Join(ups, ",") != strings.Join(want, ",") {
		t.Fatalf("up calls = %v, want %v", ups, want)
	}
	if rt.count("ping") != 1 {
		t.Fatalf("ping calls = %d, want 1", rt.count("ping"))
	}
	for _, name := range o.StartOrder() {
		if st := o.state(name); st != StateRunning {
			t.Errorf("state of %s = %s, want running", name, st)
		}
	}
}

func TestStartAllAbortsOnFirstFailure(t *testing.T) {
	rt := newFakeRuntime()
	rt.setUpErr("b", errors.New("compose exploded"))
	o := newTestOrch(t, rt,
		container("a"),
		container("b", "a"),
		container("c", "b"),
	)
	err := o.StartAll(context.Background())
	if err == nil || !strings.Contains(err.Error(), "start b") {
		t.Fatalf("err = %v, want start b failure", err)
	}
	ups := rt.callsWithPrefix("up ")
	if strings.Join(ups, ",") != "up a,up b" {
		t.Fatalf("up calls = %v, want [up a, up b]", ups)
	}
	if st := o.state("b"); st != StateFailed {
		t.Errorf("state of b = %s, want failed", st)
	}
	if st := o.state("c"); st != StateNotStarted {
		t.Errorf("state of c = %s, want not_started", st)
	}
}

func TestDependencyGateBlocksStart(t *testing.T) {
	rt := newFakeRuntime()
	o := newTestOrch(t, rt, container("a"), container("b", "a"))

	err := o.StartService(context.Background(), "b")
	if err == nil || !strings.Contains(err.Error(), "dependency a not healthy") {
		t.Fatalf("err = %v, want dependency gate failure", err)
	}
	if rt.count("up b") != 0 {
		t.Fatalf("b was started despite sick dependency")
	}

	rt.setRunning("a", true)
	if err := o.StartService(context.Background(), "b"); err != nil {
		t.Fatalf("StartService after dependency recovered: %v", err)
	}
	if st := o.state("b"); st != StateRunning {
		t.Fatalf("state of b = %s, want running", st)
	}
}

func TestStartFailsWhenProbeStaysDown(t *testing.T) {
	rt := newFakeRuntime()
	rt.upInert["a"] = true
	o := newTestOrch(t, rt, container("a"))

	err := o.StartService(context.Background(), "a")
	if err == nil || !strings.Contains(err.Error(), "failed health check after start") {
		t.Fatalf("err = %v, want post-start probe failure", err)
	}
	if st := o.state("a"); st != StateFailed {
		t.Fatalf("state of a = %s, want failed", st)
	}
}

func TestStopAllReverseOrderAndTeardown(t *testing.T) {
	rt := newFakeRuntime()
	o := newTestOrch(t, rt,
		container("a"),
		container("b", "a"),
		container("c", "b"),
	)
	if err := o.StartAll(context.Background()); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	if err := o.StopAll(context.Background()); err != nil {
		t.Fatalf("StopAll: %v", err)
	}
	stops := rt.callsWithPrefix("stop ")
	if strings.Join(stops, ",") != "stop c,stop b,stop a" {
		t.Fatalf("stop calls = %v, want reverse start order", stops)
	}
	if rt.count("down") != 1 {
		t.Fatalf("down calls = %d, want 1", rt.count("down"))
	}

	// Second StopAll with nothing running stays clean.
	if err := o.StopAll(context.Background()); err != nil {
		t.Fatalf("second StopAll: %v", err)
	}
	if rt.count("down") != 2 {
		t.Fatalf("down calls = %d, want 2", rt.count("down"))
	}
}

func TestStopAllKeepsFirstError(t *testing.T) {
	stopErr := errors.New("stop refused")
	rt := newFakeRuntime()
	rt.stopErr["b"] = stopErr
	rt.downErr = errors.New("down refused")
	o := newTestOrch(t, rt, container("a"), container("b", "a"))

	err := o.StopAll(context.Background())
	if !errors.Is(err, stopErr) {
		t.Fatalf("err = %v, want the service stop error, not the teardown error", err)
	}
}

func TestStopAllOnFreshOrchestrator(t *testing.T) {
	rt := newFakeRuntime()
	o := newTestOrch(t, rt, container("a"))
	if err := o.StopAll(context.Background()); err != nil {
		t.Fatalf("StopAll on fresh orchestrator: %v", err)
	}
}

func TestProcessServiceLifecycle(t *testing.T) {
	rt := newFakeRuntime()
	o := newTestOrch(t, rt, process("worker", "sleep 30"))

	if err := o.StartService(context.Background(), "worker"); err != nil {
		t.Fatalf("StartService: %v", err)
	}
	child := childOf(o, "worker")
	if child == nil || !child.Alive() {
		t.Fatalf("worker process not alive after start")
	}
	if o.pid("worker") == 0 {
		t.Fatalf("pid not reported for running worker")
	}
	if err := o.CheckService(context.Background(), "worker"); err != nil {
		t.Fatalf("CheckService: %v", err)
	}

	if err := o.StopService(context.Background(), "worker"); err != nil {
		t.Fatalf("StopService: %v", err)
	}
	if childOf(o, "worker") != nil {
		t.Fatalf("child handle kept after stop")
	}
	if err := o.CheckService(context.Background(), "worker"); err == nil {
		t.Fatalf("probe passed for stopped worker")
	}
	if st := o.state("worker"); st != StateStopped {
		t.Fatalf("state = %s, want stopped", st)
	}
}

func TestMonitorRestartsDeadProcess(t *testing.T) {
	rt := newFakeRuntime()
	o := newTestOrch(t, rt, process("worker", "sleep 30"))
	if err := o.StartAll(context.Background()); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	pid1 := o.pid("worker")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.MonitorLoop(ctx) }()

	_ = childOf(o, "worker").Kill()
	waitCond(t, 5*time.Second, func() bool {
		c := childOf(o, "worker")
		return c != nil && c.Alive() && c.PID() != pid1
	}, "monitor to respawn the worker")

	if st := o.state("worker"); st != StateRunning {
		t.Errorf("state = %s, want running after restart", st)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("MonitorLoop returned %v", err)
	}
	_ = o.StopAll(context.Background())
}

func TestMonitorContinuesAfterFailedRestart(t *testing.T) {
	rt := newFakeRuntime()
	o := newTestOrch(t, rt, container("a"), container("b"))
	if err := o.StartAll(context.Background()); err != nil {
		t.Fatalf("StartAll: %v", err)
	}

	// a goes down and refuses to come back; b stays healthy.
	rt.setRunning("a", false)
	rt.setUpErr("a", errors.New("compose exploded"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.MonitorLoop(ctx) }()

	waitCond(t, 5*time.Second, func() bool {
		return rt.count("up a") >= 3 // initial start plus at least two retry attempts
	}, "monitor to keep retrying the failed service")
	inspectsB := rt.count("inspect b")
	waitCond(t, 5*time.Second, func() bool {
		return rt.count("inspect b") > inspectsB
	}, "monitor to keep probing the healthy service")

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("MonitorLoop returned %v", err)
	}
	if st := o.state("b"); st != StateRunning {
		t.Errorf("state of b = %s, want running", st)
	}
}

func TestMonitorStopsWhenStopAllBegins(t *testing.T) {
	rt := newFakeRuntime()
	o := newTestOrch(t, rt, container("a"))
	if err := o.StartAll(context.Background()); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- o.MonitorLoop(context.Background()) }()

	if err := o.StopAll(context.Background()); err != nil {
		t.Fatalf("StopAll: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("MonitorLoop returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("MonitorLoop did not exit after StopAll")
	}
}

func TestStatusReportsWithoutMutating(t *testing.T) {
	rt := newFakeRuntime()
	o := newTestOrch(t, rt, container("a"), container("b"))
	if err := o.StartService(context.Background(), "a"); err != nil {
		t.Fatalf("StartService: %v", err)
	}

	upsBefore, stopsBefore := rt.count("up "), rt.count("stop ")
	rows := o.Status(context.Background())
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	if rows[0].Name != "a" || !rows[0].Healthy || rows[0].State != StateRunning {
		t.Errorf("row a = %+v, want healthy running", rows[0])
	}
	if rows[1].Name != "b" || rows[1].Healthy || rows[1].State != StateNotStarted {
		t.Errorf("row b = %+v, want unhealthy not_started", rows[1])
	}
	if rows[1].Detail == "" {
		t.Errorf("row b carries no failure detail")
	}
	if rt.count("up ") != upsBefore || rt.count("stop ") != stopsBefore || rt.count("down") != 0 {
		t.Fatalf("Status mutated the stack: %v", rt.callsWithPrefix(""))
	}

	if _, err := o.StatusOf(context.Background(), "ghost"); !errors.Is(err, ErrUnknownService) {
		t.Fatalf("StatusOf ghost err = %v, want ErrUnknownService", err)
	}
}

func TestRestartServiceStopsThenStarts(t *testing.T) {
	rt := newFakeRuntime()
	o := newTestOrch(t, rt, container("a"))
	if err := o.StartAll(context.Background()); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	if err := o.RestartService(context.Background(), "a"); err != nil {
		t.Fatalf("RestartService: %v", err)
	}
	order := rt.callsWithPrefix("stop a")
	if len(order) != 1 {
		t.Fatalf("stop calls = %v, want exactly one", order)
	}
	if rt.count("up a") != 2 {
		t.Fatalf("up calls = %d, want 2 (initial + restart)", rt.count("up a"))
	}

	if err := o.RestartService(context.Background(), "ghost"); !errors.Is(err, ErrUnknownService) {
		t.Fatalf("restart ghost err = %v, want ErrUnknownService", err)
	}
}

func TestStartAllPrerequisites(t *testing.T) {
	t.Run("runtime unreachable", func(t *testing.T) {
		rt := newFakeRuntime()
		rt.pingErr = errors.New("no docker")
		o := newTestOrch(t, rt, container("a"))
		err := o.StartAll(context.Background())
		if err == nil || !strings.Contains(err.Error(), "container runtime not available") {
			t.Fatalf("err = %v, want runtime failure", err)
		}
	})

	t.Run("env file missing", func(t *testing.T) {
		rt := newFakeRuntime()
		o, err := New(Options{
			Services: []Descriptor{container("a")},
			Runtime:  rt,
			EnvFiles: []string{filepath.Join(t.TempDir(), "absent.env")},
		})
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		if err := o.StartAll(context.Background()); err == nil || !strings.Contains(err.Error(), "not found") {
			t.Fatalf("err = %v, want env file failure", err)
		}
	})

	t.Run("required key missing", func(t *testing.T) {
		rt := newFakeRuntime()
		o, err := New(Options{
			Services:    []Descriptor{container("a")},
			Runtime:     rt,
			RequiredEnv: []string{"VOICERIG_TEST_KEY_THAT_DOES_NOT_EXIST"},
		})
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		if err := o.StartAll(context.Background()); err == nil || !strings.Contains(err.Error(), "not set") {
			t.Fatalf("err = %v, want required-key failure", err)
		}
	})

	t.Run("placeholder value rejected", func(t *testing.T) {
		dir := t.TempDir()
		envFile := filepath.Join(dir, ".env")
		if err := os.WriteFile(envFile, []byte("OPENAI_API_KEY=your-openai-api-key\n"), 0o644); err != nil {
			t.Fatalf("write env file: %v", err)
		}
		rt := newFakeRuntime()
		o, err := New(Options{
			Services:    []Descriptor{container("a")},
			Runtime:     rt,
			EnvFiles:    []string{envFile},
			RequiredEnv: []string{"OPENAI_API_KEY"},
		})
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		if err := o.StartAll(context.Background()); err == nil || !strings.Contains(err.Error(), "placeholder") {
			t.Fatalf("err = %v, want placeholder failure", err)
		}
	})

	t.Run("satisfied from env file", func(t *testing.T) {
		dir := t.TempDir()
		envFile := filepath.Join(dir, ".env")
		if err := os.WriteFile(envFile, []byte("OPENAI_API_KEY=sk-test-abc123\n"), 0o644); err != nil {
			t.Fatalf("write env file: %v", err)
		}
		rt := newFakeRuntime()
		o, err := New(Options{
			Services:    []Descriptor{container("a")},
			Runtime:     rt,
			EnvFiles:    []string{envFile},
			RequiredEnv: []string{"OPENAI_API_KEY"},
			Settle:      time.Millisecond,
		})
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		if err := o.StartAll(context.Background()); err != nil {
			t.Fatalf("StartAll: %v", err)
		}
	})
}

func childOf(o *Orchestrator, name string) *proc.Child {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.children[name]
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
