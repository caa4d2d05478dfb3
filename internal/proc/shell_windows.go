//go:build windows

package proc

import "os/exec"

// shellCommand wraps script in cmd.exe.
func shellCommand(script string) *exec.Cmd {
	// #nosec G204
	return exec.Command("cmd", "/c", script)
}

// trueCommand returns a command that always succeeds.
func trueCommand() *exec.Cmd {
	// #nosec G204
	return exec.Command("cmd", "/c", "rem")
}
