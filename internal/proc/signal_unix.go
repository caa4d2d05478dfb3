//go:build !windows

package proc

import (
	"os/exec"
	"syscall"
)

// configureSysProcAttr puts the child in its own process group so signals
// reach the whole tree, shell wrappers included.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// terminateGroup sends SIGTERM to the process group of pid, falling back to
// the single process when the group signal fails.
func terminateGroup(pid int) {
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		_ = syscall.Kill(pid, syscall.SIGTERM)
	}
}

// killGroup sends SIGKILL to the process group of pid.
func killGroup(pid int) {
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
		_ = syscall.Kill(pid, syscall.SIGKILL)
	}
}

// processExists probes pid with signal 0.
func processExists(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}
