// Package orchestrator coordinates the service stack: containers driven
// through a compose runtime and local processes spawned directly. Services
// start in dependency order, are probed on a fixed interval and restarted
// when a probe fails.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"voicerig/internal/env"
	"voicerig/internal/journal"
	"voicerig/internal/logger"
	"voicerig/internal/metrics"
	"voicerig/internal/probe"
	"voicerig/internal/proc"
)

const (
	DefaultStartupGrace  = 2 * time.Second
	DefaultSettle        = 2 * time.Second
	DefaultCheckInterval = 30 * time.Second
	DefaultErrorPause    = 5 * time.Second
	DefaultStopGrace     = 10 * time.Second
)

// ErrUnknownService is returned for operations on a service name that is not
// part of the configured stack.
var ErrUnknownService = errors.New("unknown service")

// State is the tracked lifecycle state of one service.
type State string

const (
	StateNotStarted State = "not_started"
	StateStarting   State = "starting"
	StateRunning    State = "running"
	StateUnhealthy  State = "unhealthy"
	StateStopped    State = "stopped"
	StateFailed     State = "failed"
)

// Kind selects how a service is started and stopped.
type Kind string

const (
	KindContainer Kind = "container"
	KindProcess   Kind = "process"
)

// ProbeSpec selects and parameterizes the health probe of one service.
// An empty Type picks the default for the service kind: container state for
// containers, process liveness for processes.
type ProbeSpec struct {
	Type           string        `json:"type,omitempty"`
	URL            string        `json:"url,omitempty"`
	AcceptNotFound bool          `json:"accept_not_found,omitempty"`
	Address        string        `json:"address,omitempty"`
	Container      string        `json:"container,omitempty"`
	Path           string        `json:"path,omitempty"`
	MaxAge         time.Duration `json:"max_age,omitempty"`
	Command        string        `json:"command,omitempty"`
	Timeout        time.Duration `json:"timeout,omitempty"`
}

// Descriptor declares one managed service.
type Descriptor struct {
	Name string `json:"name"`
	Kind Kind   `json:"kind"`
	// Containers are started through compose and inspected by container name.
	// Both default to Name.
	ComposeService string `json:"compose_service,omitempty"`
	ContainerName  string `json:"container_name,omitempty"`
	// Processes are spawned directly.
	Command string   `json:"command,omitempty"`
	WorkDir string   `json:"workdir,omitempty"`
	Env     []string `json:"env,omitempty"`

	DependsOn    []string      `json:"depends_on,omitempty"`
	StartupGrace time.Duration `json:"startup_grace,omitempty"`
	Port         int           `json:"port,omitempty"`
	Probe        ProbeSpec     `json:"probe,omitempty"`
}

// Runtime is the container runtime surface the orchestrator drives.
// *compose.Runtime implements it.
type Runtime interface {
	Ping(ctx context.Context) error
	Up(ctx context.Context, services ...string) error
	Stop(ctx context.Context, services ...string) error
	Down(ctx context.Context) error
	ContainerRunning(ctx context.Context, name string) (bool, error)
}

// Options configures an Orchestrator.
type Options struct {
	Services []Descriptor
	Runtime  Runtime
	Env      *env.Env
	Recorder *journal.Recorder
	// Log routes spawned process output to rotating files.
	Log logger.Config
	// EnvFiles are loaded before prerequisites run; RequiredEnv keys must
	// then resolve to real values.
	EnvFiles    []string
	RequiredEnv []string

	Settle        time.Duration
	CheckInterval time.Duration
	ErrorPause    time.Duration
	StopGrace     time.Duration
}

// Orchestrator owns the service stack described by its descriptors.
type Orchestrator struct {
	opts        Options
	descriptors map[string]Descriptor
	order       []string
	probes      map[string]probe.Probe
	environ     *env.Env
	runtime     Runtime
	recorder    *journal.Recorder

	// opMu serializes lifecycle mutations; mu guards the maps below.
	opMu     sync.Mutex
	mu       sync.Mutex
	children map[string]*proc.Child
	states   map[string]State
	stopping bool
}

// New validates the descriptors, computes the start order and builds the
// per-service probes.
func New(opts Options) (*Orchestrator, error) {
	if opts.Runtime == nil {
		return nil, errors.New("orchestrator: container runtime is required")
	}
	if len(opts.Services) == 0 {
		return nil, errors.New("orchestrator: no services configured")
	}
	if opts.Settle <= 0 {
		opts.Settle = DefaultSettle
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

	environ := opts.Env
	if environ == nil {
		environ = env.New()
		environ.FromOS()
	}

	descriptors := make(map[string]Descriptor, len(opts.Services))
	for i, d := range opts.Services {
		nd, err := normalize(d)
		if err != nil {
			return nil, err
		}
		opts.Services[i] = nd
		descriptors[nd.Name] = nd
	}
	order, err := startOrder(opts.Services)
	if err != nil {
		return nil, err
	}

	o := &Orchestrator{
		opts:        opts,
		descriptors: descriptors,
		order:       order,
		probes:      make(map[string]probe.Probe, len(order)),
		environ:     environ,
		runtime:     opts.Runtime,
		recorder:    opts.Recorder,
		children:    make(map[string]*proc.Child),
		states:      make(map[string]State, len(order)),
	}
	for _, d := range descriptors {
		p, err := o.buildProbe(d)
		if err != nil {
			return nil, err
		}
		o.probes[d.Name] = p
		o.states[d.Name] = StateNotStarted
	}
	return o, nil
}

func normalize(d Descriptor) (Descriptor, error) {
	if d.Name == "" {
		return d, errors.New("service name is required")
	}
	switch d.Kind {
	case KindContainer:
		if d.ComposeService == "" {
			d.ComposeService = d.Name
		}
		if d.ContainerName == "" {
			d.ContainerName = d.Name
		}
	case KindProcess:
		if strings.TrimSpace(d.Command) == "" {
			return d, fmt.Errorf("service %s: process services require a command", d.Name)
		}
	default:
		return d, fmt.Errorf("service %s: unknown kind %q", d.Name, d.Kind)
	}
	if d.StartupGrace <= 0 {
		d.StartupGrace = DefaultStartupGrace
	}
	return d, nil
}

// startOrder computes a topological ordering of the services over DependsOn.
// Ties resolve to declaration order so runs are reproducible.
func startOrder(list []Descriptor) ([]string, error) {
	pos := make(map[string]int, len(list))
	for i, d := range list {
		if _, dup := pos[d.Name]; dup {
			return nil, fmt.Errorf("duplicate service name %q", d.Name)
		}
		pos[d.Name] = i
	}
	indeg := make(map[string]int, len(list))
	next := make(map[string][]string, len(list))
	for _, d := range list {
		for _, dep := range d.DependsOn {
			if dep == d.Name {
				return nil, fmt.Errorf("service %s depends on itself", d.Name)
			}
			if _, ok := pos[dep]; !ok {
				return nil, fmt.Errorf("service %s depends on unknown service %s", d.Name, dep)
			}
			indeg[d.Name]++
			next[dep] = append(next[dep], d.Name)
		}
	}
	ready := make([]string, 0, len(list))
	for _, d := range list {
		if indeg[d.Name] == 0 {
			ready = append(ready, d.Name)
		}
	}
	order := make([]string, 0, len(list))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return pos[ready[i]] < pos[ready[j]] })
		n := ready[0]
		ready = ready[1:]
		order = append(order, n)
		for _, m := range next[n] {
			indeg[m]--
			if indeg[m] == 0 {
				ready = append(ready, m)
			}
		}
	}
	if len(order) != len(list) {
		var stuck []string
		for name, n := range indeg {
			if n > 0 {
				stuck = append(stuck, name)
			}
		}
		sort.Strings(stuck)
		return nil, fmt.Errorf("dependency cycle among services: %s", strings.Join(stuck, ", "))
	}
	return order, nil
}

func (o *Orchestrator) buildProbe(d Descriptor) (probe.Probe, error) {
	ps := d.Probe
	switch ps.Type {
	case "http":
		if ps.URL == "" {
			return nil, fmt.Errorf("service %s: http probe requires url", d.Name)
		}
		return probe.HTTP{URL: ps.URL, AcceptNotFound: ps.AcceptNotFound, Timeout: ps.Timeout}, nil
	case "tcp":
		if ps.Address == "" {
			return nil, fmt.Errorf("service %s: tcp probe requires address", d.Name)
		}
		return probe.TCP{Address: ps.Address, Timeout: ps.Timeout}, nil
	case "container":
		name := ps.Container
		if name == "" {
			name = d.ContainerName
		}
		if name == "" {
			return nil, fmt.Errorf("service %s: container probe requires a container name", d.Name)
		}
		return probe.Container{Name: name, Inspector: o.runtime}, nil
	case "logfile":
		if ps.Path == "" {
			return nil, fmt.Errorf("service %s: logfile probe requires path", d.Name)
		}
		return probe.LogFile{Path: ps.Path, MaxAge: ps.MaxAge}, nil
	case "command":
		if ps.Command == "" {
			return nil, fmt.Errorf("service %s: command probe requires command", d.Name)
		}
		return probe.Command{Command: ps.Command, Timeout: ps.Timeout}, nil
	case "process":
		alive := o.aliveProbe(d.Name)
		if ps.Path != "" {
			return probe.Multi{alive, probe.LogFile{Path: ps.Path, MaxAge: ps.MaxAge}}, nil
		}
		return alive, nil
	case "":
		if d.Kind == KindContainer {
			return probe.Container{Name: d.ContainerName, Inspector: o.runtime}, nil
		}
		return o.aliveProbe(d.Name), nil
	default:
		return nil, fmt.Errorf("unknown probe type %q for service %s", ps.Type, d.Name)
	}
}

// aliveProbe reports the liveness of the service's spawned process. It reads
// the current child at check time so it stays valid across restarts.
func (o *Orchestrator) aliveProbe(name string) probe.Probe {
	return probe.Func{
		Name: name,
		Fn: func(context.Context) error {
			o.mu.Lock()
			c := o.children[name]
			o.mu.Unlock()
			if c == nil || !c.Alive() {
				return fmt.Errorf("process %s is not running", name)
			}
			return nil
		},
	}
}

// StartOrder returns the service names in start order.
func (o *Orchestrator) StartOrder() []string {
	out := make([]string, len(o.order))
	copy(out, o.order)
	return out
}

// StartAll loads env files, checks prerequisites and starts every service in
// dependency order. The first failure aborts the remaining starts.
func (o *Orchestrator) StartAll(ctx context.Context) error {
	o.opMu.Lock()
	defer o.opMu.Unlock()
	o.mu.Lock()
	o.stopping = false
	o.mu.Unlock()

	slog.Info("Starting service stack", "services", len(o.order))
	o.loadEnv()
	if err := o.checkPrerequisites(ctx); err != nil {
		return err
	}
	for _, name := range o.order {
		if err := o.startService(ctx, name); err != nil {
			return fmt.Errorf("start %s: %w", name, err)
		}
	}
	slog.Info("All services started")
	return nil
}

func (o *Orchestrator) loadEnv() {
	for _, f := range o.opts.EnvFiles {
		if _, err := os.Stat(f); err != nil {
			slog.Warn("Env file not found", "path", f)
			continue
		}
		if err := o.environ.LoadFiles(f); err != nil {
			slog.Warn("Failed to load env file", "path", f, "error", err)
		}
	}
}

func (o *Orchestrator) checkPrerequisites(ctx context.Context) error {
	slog.Info("Checking prerequisites")
	if err := o.runtime.Ping(ctx); err != nil {
		return fmt.Errorf("container runtime not available: %w", err)
	}
	for _, f := range o.opts.EnvFiles {
		if _, err := os.Stat(f); err != nil {
			return fmt.Errorf("env file %s not found", f)
		}
	}
	if err := o.environ.CheckRequired(o.opts.RequiredEnv); err != nil {
		return err
	}
	slog.Info("Prerequisites check passed")
	return nil
}

// StartService starts one service after verifying that every dependency
// passes its probe.
func (o *Orchestrator) StartService(ctx context.Context, name string) error {
	o.opMu.Lock()
	defer o.opMu.Unlock()
	return o.startService(ctx, name)
}

func (o *Orchestrator) startService(ctx context.Context, name string) error {
	if o.isStopping() {
		return fmt.Errorf("not starting %s: orchestrator is stopping", name)
	}
	d, ok := o.descriptors[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownService, name)
	}
	for _, dep := range d.DependsOn {
		if err := o.checkService(ctx, dep); err != nil {
			return fmt.Errorf("dependency %s not healthy: %w", dep, err)
		}
	}

	slog.Info("Starting service", "service", name, "kind", d.Kind)
	o.setState(name, StateStarting)
	var err error
	switch d.Kind {
	case KindContainer:
		err = o.runtime.Up(ctx, d.ComposeService)
	case KindProcess:
		err = o.spawn(d)
	}
	if err != nil {
		o.setState(name, StateFailed)
		return err
	}

	if err := sleepCtx(ctx, d.StartupGrace); err != nil {
		return err
	}
	if err := o.checkService(ctx, name); err != nil {
		o.setState(name, StateFailed)
		metrics.IncProbeFailure(name)
		return fmt.Errorf("failed health check after start: %w", err)
	}

	o.setState(name, StateRunning)
	metrics.IncServiceStart(name)
	metrics.SetServiceUp(name, true)
	o.recorder.Record(ctx, name, journal.KindStart, o.pid(name), "")
	slog.Info("Service started", "service", name)
	return nil
}

// spawn launches the service process unless one is already alive.
func (o *Orchestrator) spawn(d Descriptor) error {
	o.mu.Lock()
	c := o.children[d.Name]
	o.mu.Unlock()
	if c != nil && c.Alive() {
		slog.Debug("Process already running", "service", d.Name, "pid", c.PID())
		return nil
	}

	child := proc.New(proc.Spec{
		Name:          d.Name,
		Command:       d.Command,
		WorkDir:       d.WorkDir,
		Env:           d.Env,
		CombineOutput: true,
		Log:           o.opts.Log,
	})
	if err := child.Start(o.environ.Merge(nil)); err != nil {
		return err
	}
	o.mu.Lock()
	o.children[d.Name] = child
	o.mu.Unlock()
	return nil
}

// StopService stops one service. Stopping an already stopped service is a
// no-op.
func (o *Orchestrator) StopService(ctx context.Context, name string) error {
	o.opMu.Lock()
	defer o.opMu.Unlock()
	return o.stopService(ctx, name)
}

func (o *Orchestrator) stopService(ctx context.Context, name string) error {
	d, ok := o.descriptors[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownService, name)
	}
	slog.Info("Stopping service", "service", name)
	pid := o.pid(name)
	var err error
	switch d.Kind {
	case KindContainer:
		err = o.runtime.Stop(ctx, d.ComposeService)
	case KindProcess:
		o.mu.Lock()
		child := o.children[name]
		delete(o.children, name)
		o.mu.Unlock()
		if child != nil {
			err = child.Stop(o.opts.StopGrace)
		}
	}
	o.setState(name, StateStopped)
	metrics.IncServiceStop(name)
	metrics.SetServiceUp(name, false)
	o.recorder.Record(ctx, name, journal.KindStop, pid, "")
	if err != nil {
		return fmt.Errorf("stop %s: %w", name, err)
	}
	return nil
}

// RestartService stops a service, waits for it to settle and starts it
// again. A stop failure is logged, not fatal; the restart fails only when
// the subsequent start fails.
func (o *Orchestrator) RestartService(ctx context.Context, name string) error {
	o.opMu.Lock()
	defer o.opMu.Unlock()
	return o.restartService(ctx, name)
}

func (o *Orchestrator) restartService(ctx context.Context, name string) error {
	if _, ok := o.descriptors[name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownService, name)
	}
	if o.isStopping() {
		return fmt.Errorf("not restarting %s: orchestrator is stopping", name)
	}
	slog.Info("Restarting service", "service", name)
	metrics.IncServiceRestart(name)
	o.recorder.Record(ctx, name, journal.KindRestart, o.pid(name), "")

	if err := o.stopService(ctx, name); err != nil {
		slog.Warn("Stop before restart failed", "service", name, "error", err)
	}
	if err := sleepCtx(ctx, o.opts.Settle); err != nil {
		return err
	}
	if err := o.startService(ctx, name); err != nil {
		slog.Error("Failed to restart service", "service", name, "error", err)
		return err
	}
	slog.Info("Service restarted", "service", name)
	return nil
}

// CheckService runs the service's probe once. A nil return means healthy.
func (o *Orchestrator) CheckService(ctx context.Context, name string) error {
	return o.checkService(ctx, name)
}

func (o *Orchestrator) checkService(ctx context.Context, name string) error {
	p, ok := o.probes[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownService, name)
	}
	ctx, cancel := context.WithTimeout(ctx, probe.DefaultTimeout)
	defer cancel()
	return p.Check(ctx)
}

// StopAll stops every service in reverse start order, best effort, then
// tears down the compose project. Safe to call when nothing is running.
func (o *Orchestrator) StopAll(ctx context.Context) error {
	o.mu.Lock()
	o.stopping = true
	o.mu.Unlock()
	o.opMu.Lock()
	defer o.opMu.Unlock()

	slog.Info("Stopping all services")
	var firstErr error
	for i := len(o.order) - 1; i >= 0; i-- {
		if err := o.stopService(ctx, o.order[i]); err != nil {
			slog.Warn("Failed to stop service", "service", o.order[i], "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if err := o.runtime.Down(ctx); err != nil {
		slog.Warn("Compose teardown failed", "error", err)
		if firstErr == nil {
			firstErr = err
		}
	}
	slog.Info("All services stopped")
	return firstErr
}

// MonitorLoop probes every service each interval and restarts the unhealthy
// ones. Restart failures are logged and the loop keeps going after a short
// pause. Returns when ctx is cancelled or StopAll begins.
func (o *Orchestrator) MonitorLoop(ctx context.Context) error {
	slog.Info("Starting service monitoring", "interval", o.opts.CheckInterval)
	for {
		for _, name := range o.order {
			if ctx.Err() != nil || o.isStopping() {
				return nil
			}
			err := o.checkService(ctx, name)
			if err == nil {
				o.setState(name, StateRunning)
				metrics.SetServiceUp(name, true)
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			slog.Warn("Service unhealthy, restarting", "service", name, "reason", err)
			o.setState(name, StateUnhealthy)
			metrics.SetServiceUp(name, false)
			metrics.IncProbeFailure(name)
			o.recorder.Record(ctx, name, journal.KindUnhealthy, o.pid(name), err.Error())
			if rerr := o.RestartService(ctx, name); rerr != nil {
				if ctx.Err() != nil {
					return nil
				}
				if sleepCtx(ctx, o.opts.ErrorPause) != nil {
					return nil
				}
			}
		}
		if sleepCtx(ctx, o.opts.CheckInterval) != nil {
			return nil
		}
		if o.isStopping() {
			return nil
		}
	}
}

// ServiceStatus is one row of the status report.
type ServiceStatus struct {
	Name    string `json:"name"`
	Kind    Kind   `json:"kind"`
	State   State  `json:"state"`
	Healthy bool   `json:"healthy"`
	PID     int    `json:"pid,omitempty"`
	Port    int    `json:"port,omitempty"`
	Probe   string `json:"probe"`
	Detail  string `json:"detail,omitempty"`
}

// Status probes every service and reports the outcome alongside the tracked
// state. It never mutates the stack.
func (o *Orchestrator) Status(ctx context.Context) []ServiceStatus {
	out := make([]ServiceStatus, 0, len(o.order))
	for _, name := range o.order {
		st, _ := o.StatusOf(ctx, name)
		out = append(out, st)
	}
	return out
}

// StatusOf reports the status of a single service.
func (o *Orchestrator) StatusOf(ctx context.Context, name string) (ServiceStatus, error) {
	d, ok := o.descriptors[name]
	if !ok {
		return ServiceStatus{}, fmt.Errorf("%w: %s", ErrUnknownService, name)
	}
	st := ServiceStatus{
		Name:  name,
		Kind:  d.Kind,
		State: o.state(name),
		PID:   o.pid(name),
		Port:  d.Port,
		Probe: o.probes[name].Describe(),
	}
	if err := o.checkService(ctx, name); err != nil {
		st.Detail = err.Error()
	} else {
		st.Healthy = true
	}
	return st, nil
}

func (o *Orchestrator) state(name string) State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.states[name]
}

func (o *Orchestrator) setState(name string, s State) {
	o.mu.Lock()
	o.states[name] = s
	o.mu.Unlock()
}

func (o *Orchestrator) isStopping() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stopping
}

func (o *Orchestrator) pid(name string) int {
	o.mu.Lock()
	c := o.children[name]
	o.mu.Unlock()
	if c == nil {
		return 0
	}
	return c.PID()
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
