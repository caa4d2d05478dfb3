//go:build !windows

package proc

import "os/exec"

// shellCommand wraps script in /bin/sh. The absolute path keeps PATH
// overrides in the child env from breaking startup.
func shellCommand(script string) *exec.Cmd {
	// #nosec G204
	return exec.Command("/bin/sh", "-c", script)
}

// trueCommand returns a command that always succeeds.
func trueCommand() *exec.Cmd {
	// #nosec G204
	return exec.Command("/bin/true")
}
