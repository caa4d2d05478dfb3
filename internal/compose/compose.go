package compose

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/docker/docker/client"
)

// Runtime drives a Docker Compose project. Lifecycle actions go through the
// compose CLI so profiles, env files and build settings keep working exactly
// as they do by hand; state queries go through the engine API.
type Runtime struct {
	projectDir string
	file       string
	command    []string
	cli        *client.Client

	runCmd func(ctx context.Context, dir, name string, args ...string) ([]byte, error)
}

// Options configures a Runtime. Zero values select the defaults: the
// "docker compose" v2 subcommand and the compose file discovery that the
// CLI itself performs in ProjectDir.
type Options struct {
	ProjectDir string   `mapstructure:"project_dir"`
	File       string   `mapstructure:"file"`
	Command    []string `mapstructure:"command"`
}

func New(opts Options) (*Runtime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	command := opts.Command
	if len(command) == 0 {
		command = []string{"docker", "compose"}
	}
	return &Runtime{
		projectDir: opts.ProjectDir,
		file:       opts.File,
		command:    command,
		cli:        cli,
		runCmd:     runExec,
	}, nil
}

func runExec(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	// #nosec G204
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	return cmd.CombinedOutput()
}

// Ping verifies the Docker daemon is reachable.
func (r *Runtime) Ping(ctx context.Context) error {
	_, err := r.cli.Ping(ctx)
	if err != nil {
		return fmt.Errorf("ping docker daemon: %w", err)
	}
	return nil
}

// ContainerRunning reports whether the named container exists and is in the
// running state. A missing container is not an error.
func (r *Runtime) ContainerRunning(ctx context.Context, name string) (bool, error) {
	insp, err := r.cli.ContainerInspect(ctx, name)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return insp.State != nil && insp.State.Running, nil
}

// Up starts the named compose services detached, or the whole project when
// none are named.
func (r *Runtime) Up(ctx context.Context, services ...string) error {
	return r.compose(ctx, append([]string{"up", "-d"}, services...)...)
}

// Stop stops the named compose services without removing them.
func (r *Runtime) Stop(ctx context.Context, services ...string) error {
	return r.compose(ctx, append([]string{"stop"}, services...)...)
}

// Down stops and removes the whole compose project.
func (r *Runtime) Down(ctx context.Context) error {
	return r.compose(ctx, "down")
}

func (r *Runtime) compose(ctx context.Context, args ...string) error {
	name, full := r.composeArgs(args...)
	slog.Debug("Running compose command", "command", name, "args", full, "dir", r.projectDir)
	out, err := r.runCmd(ctx, r.projectDir, name, full...)
	if err != nil {
		return fmt.Errorf("%s %s: %w: %s", name, strings.Join(full, " "), err, tail(out, 512))
	}
	return nil
}

// composeArgs assembles the executable and argument list for a compose
// subcommand, inserting the optional -f file before it.
func (r *Runtime) composeArgs(args ...string) (string, []string) {
	full := append([]string{}, r.command[1:]...)
	if r.file != "" {
		full = append(full, "-f", r.file)
	}
	full = append(full, args...)
	return r.command[0], full
}

// Close releases the engine API client.
func (r *Runtime) Close() error {
	return r.cli.Close()
}

func tail(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
