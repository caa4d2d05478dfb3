package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"
)

const (
	// DefaultTimeout bounds HTTP and command probes.
	DefaultTimeout = 5 * time.Second
	// DefaultDialTimeout bounds TCP connect probes.
	DefaultDialTimeout = 3 * time.Second
)

// Probe is a strategy that determines whether a service is serving.
// Implementations must be safe for concurrent use.
type Probe interface {
	// Check returns nil when the service passes the probe.
	Check(ctx context.Context) error
	// Describe returns a human-readable description of the probe.
	Describe() string
}

// HTTP probes a URL and expects 200 OK. With AcceptNotFound set, 404 also
// passes; some servers have no root route but a 404 still proves they are
// up and serving.
type HTTP struct {
	URL            string
	AcceptNotFound bool
	Timeout        time.Duration
}

func (p HTTP) Check(ctx context.Context) error {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return fmt.Errorf("build request for %s: %w", p.URL, err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", p.URL, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode == http.StatusOK {
		return nil
	}
	if p.AcceptNotFound && resp.StatusCode == http.StatusNotFound {
		return nil
	}
	return fmt.Errorf("%s returned status %d", p.URL, resp.StatusCode)
}

func (p HTTP) Describe() string { return "http:" + p.URL }

// TCP probes a host:port with a plain connect.
type TCP struct {
	Address string
	Timeout time.Duration
}

func (p TCP) Check(ctx context.Context) error {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", p.Address)
	if err != nil {
		return fmt.Errorf("connect %s: %w", p.Address, err)
	}
	return conn.Close()
}

func (p TCP) Describe() string { return "tcp:" + p.Address }

// ContainerInspector reports whether a named container is running.
type ContainerInspector interface {
	ContainerRunning(ctx context.Context, name string) (bool, error)
}

// Container probes a container's state through an inspector.
type Container struct {
	Name      string
	Inspector ContainerInspector
}

func (p Container) Check(ctx context.Context) error {
	running, err := p.Inspector.ContainerRunning(ctx, p.Name)
	if err != nil {
		return fmt.Errorf("inspect container %s: %w", p.Name, err)
	}
	if !running {
		return fmt.Errorf("container %s is not running", p.Name)
	}
	return nil
}

func (p Container) Describe() string { return "container:" + p.Name }

// LogFile probes that a log file exists and was written to recently.
// A missing file fails the probe. MaxAge <= 0 checks existence only.
type LogFile struct {
	Path   string
	MaxAge time.Duration
}

func (p LogFile) Check(_ context.Context) error {
	fi, err := os.Stat(p.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("log file %s not found", p.Path)
		}
		return fmt.Errorf("stat %s: %w", p.Path, err)
	}
	if p.MaxAge > 0 {
		if age := time.Since(fi.ModTime()); age > p.MaxAge {
			return fmt.Errorf("log file %s stale for %s", p.Path, age.Round(time.Second))
		}
	}
	return nil
}

func (p LogFile) Describe() string { return "logfile:" + p.Path }

// Command runs a command that should exit zero when the service is healthy.
type Command struct {
	Command string
	Timeout time.Duration
}

func (p Command) Check(ctx context.Context) error {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := buildCheckCommand(ctx, p.Command)
	cmd.Stdout = nil
	cmd.Stderr = nil
	err := cmd.Run()
	if err == nil {
		return nil
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return fmt.Errorf("check command exited %d", ee.ExitCode())
	}
	return fmt.Errorf("run check command: %w", err)
}

func (p Command) Describe() string { return "cmd:" + p.Command }

// buildCheckCommand constructs the probe command, invoking a shell only when
// metacharacters require one.
func buildCheckCommand(ctx context.Context, cmdStr string) *exec.Cmd {
	cmdStr = strings.TrimSpace(cmdStr)
	if cmdStr == "" {
		return trueCommand(ctx)
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		return shellCommand(ctx, cmdStr)
	}
	parts := strings.Fields(cmdStr)
	name := parts[0]
	var args []string
	if len(parts) > 1 {
		args = parts[1:]
	}
	// #nosec G204
	return exec.CommandContext(ctx, name, args...)
}

// Func adapts a closure into a probe.
type Func struct {
	Name string
	Fn   func(ctx context.Context) error
}

func (p Func) Check(ctx context.Context) error { return p.Fn(ctx) }
func (p Func) Describe() string                { return "func:" + p.Name }

// Multi runs probes in order and fails on the first failure.
type Multi []Probe

func (m Multi) Check(ctx context.Context) error {
	for _, p := range m {
		if err := p.Check(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (m Multi) Describe() string {
	parts := make([]string, 0, len(m))
	for _, p := range m {
		parts = append(parts, p.Describe())
	}
	return strings.Join(parts, "+")
}
