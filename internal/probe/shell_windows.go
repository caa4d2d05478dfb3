//go:build windows

package probe

import (
	"context"
	"os/exec"
)

// shellCommand wraps script in cmd.exe with the probe context.
func shellCommand(ctx context.Context, script string) *exec.Cmd {
	// #nosec G204
	return exec.CommandContext(ctx, "cmd", "/c", script)
}

// trueCommand returns a command that always succeeds.
func trueCommand(ctx context.Context) *exec.Cmd {
	// #nosec G204
	return exec.CommandContext(ctx, "cmd", "/c", "rem")
}
