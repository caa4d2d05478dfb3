package proc

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// killWait is the short grace after SIGKILL before giving up on the reaper.
const killWait = 200 * time.Millisecond

// Child is a single managed OS process. Start launches it in its own
// process group and a reaper goroutine owns cmd.Wait; Stop and Kill signal
// the whole group and wait on the reaper instead of racing it.
type Child struct {
	spec Spec

	mu        sync.Mutex
	cmd       *exec.Cmd
	running   bool
	startedAt time.Time
	stoppedAt time.Time
	exitErr   error
	waitDone  chan struct{}
	outW      io.WriteCloser
	errW      io.WriteCloser
}

// Status is a point-in-time snapshot of a child.
type Status struct {
	Name      string    `json:"name"`
	Running   bool      `json:"running"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	StoppedAt time.Time `json:"stopped_at,omitempty"`
	ExitErr   error     `json:"-"`
}

func New(spec Spec) *Child {
	return &Child{spec: spec}
}

func (c *Child) Spec() Spec { return c.spec }

// Start launches the process. mergedEnv is the full environment for the
// child; Spec.Env entries are appended after it and win on conflict.
func (c *Child) Start(mergedEnv []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return fmt.Errorf("process %s already running with pid %d", c.spec.Name, c.cmd.Process.Pid)
	}

	cmd := c.spec.BuildCommand()
	if c.spec.WorkDir != "" {
		cmd.Dir = c.spec.WorkDir
	}
	env := mergedEnv
	if env == nil {
		env = os.Environ()
	}
	if len(c.spec.Env) > 0 {
		env = append(append([]string{}, env...), c.spec.Env...)
	}
	cmd.Env = env
	configureSysProcAttr(cmd)

	outW, errW, err := c.spec.Log.ProcessWriters(c.spec.Name)
	if err != nil {
		return fmt.Errorf("open log writers for %s: %w", c.spec.Name, err)
	}
	if outW != nil {
		cmd.Stdout = outW
	}
	switch {
	case c.spec.CombineOutput && outW != nil:
		cmd.Stderr = outW
	case errW != nil:
		cmd.Stderr = errW
	}

	if err := cmd.Start(); err != nil {
		closeWriters(outW, errW)
		return fmt.Errorf("start %s: %w", c.spec.Name, err)
	}

	c.cmd = cmd
	c.running = true
	c.startedAt = time.Now()
	c.stoppedAt = time.Time{}
	c.exitErr = nil
	c.outW = outW
	c.errW = errW
	c.waitDone = make(chan struct{})

	if c.spec.PIDFile != "" {
		if werr := writePIDFile(c.spec.PIDFile, cmd.Process.Pid); werr != nil {
			slog.Warn("Failed to write pidfile", "name", c.spec.Name, "path", c.spec.PIDFile, "error", werr)
		}
	}

	go c.reap(cmd, c.waitDone)
	slog.Debug("Process started", "name", c.spec.Name, "pid", cmd.Process.Pid)
	return nil
}

// reap is the single waiter for the child. It records the exit, closes the
// log writers and releases anyone blocked in Stop or Kill.
func (c *Child) reap(cmd *exec.Cmd, done chan struct{}) {
	err := cmd.Wait()

	c.mu.Lock()
	if c.cmd == cmd {
		c.running = false
		c.stoppedAt = time.Now()
		c.exitErr = err
		closeWriters(c.outW, c.errW)
		c.outW, c.errW = nil, nil
		if c.spec.PIDFile != "" {
			_ = os.Remove(c.spec.PIDFile)
		}
	}
	c.mu.Unlock()
	close(done)
}

// PID returns the child pid, or 0 when it never started.
func (c *Child) PID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cmd == nil || c.cmd.Process == nil {
		return 0
	}
	return c.cmd.Process.Pid
}

// Alive reports whether the process currently exists and is not a zombie.
func (c *Child) Alive() bool {
	c.mu.Lock()
	running := c.running
	var pid int
	if c.cmd != nil && c.cmd.Process != nil {
		pid = c.cmd.Process.Pid
	}
	c.mu.Unlock()
	if !running || pid <= 0 {
		return false
	}
	if isZombie(pid) {
		return false
	}
	return processExists(pid)
}

// Status returns a snapshot of the child state.
func (c *Child) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{
		Name:      c.spec.Name,
		Running:   c.running,
		StartedAt: c.startedAt,
		StoppedAt: c.stoppedAt,
		ExitErr:   c.exitErr,
	}
	if c.cmd != nil && c.cmd.Process != nil {
		st.PID = c.cmd.Process.Pid
	}
	return st
}

// Stop terminates the child group with SIGTERM, waits up to grace for the
// reaper, then escalates to SIGKILL. It returns nil when the process is
// gone, including when it already exited.
func (c *Child) Stop(grace time.Duration) error {
	c.mu.Lock()
	if !c.running || c.cmd == nil || c.cmd.Process == nil {
		c.mu.Unlock()
		return nil
	}
	pid := c.cmd.Process.Pid
	done := c.waitDone
	c.mu.Unlock()

	terminateGroup(pid)
	select {
	case <-done:
		return nil
	case <-time.After(grace):
	}

	slog.Warn("Process did not exit after SIGTERM, killing", "name", c.spec.Name, "pid", pid)
	killGroup(pid)
	select {
	case <-done:
		return nil
	case <-time.After(killWait):
		return fmt.Errorf("process %s (pid %d) survived SIGKILL", c.spec.Name, pid)
	}
}

// Kill sends SIGKILL to the child group immediately.
func (c *Child) Kill() error {
	c.mu.Lock()
	if !c.running || c.cmd == nil || c.cmd.Process == nil {
		c.mu.Unlock()
		return nil
	}
	pid := c.cmd.Process.Pid
	done := c.waitDone
	c.mu.Unlock()

	killGroup(pid)
	select {
	case <-done:
		return nil
	case <-time.After(killWait):
		return fmt.Errorf("process %s (pid %d) survived SIGKILL", c.spec.Name, pid)
	}
}

// Wait blocks until the child exits and returns its exit error.
func (c *Child) Wait() error {
	c.mu.Lock()
	done := c.waitDone
	c.mu.Unlock()
	if done == nil {
		return nil
	}
	<-done
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exitErr
}

func closeWriters(ws ...io.WriteCloser) {
	for _, w := range ws {
		if w != nil {
			_ = w.Close()
		}
	}
}

func writePIDFile(path string, pid int) error {
	return os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0o644)
}

// isZombie reports whether pid is in zombie state on Linux. Other platforms
// report false and rely on the signal probe alone.
func isZombie(pid int) bool {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/status", pid))
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "State:") {
			return strings.Contains(line, "Z")
		}
	}
	return false
}
