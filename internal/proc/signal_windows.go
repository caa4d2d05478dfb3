//go:build windows

package proc

import (
	"os/exec"
	"syscall"
)

var (
	kernel32             = syscall.NewLazyDLL("kernel32.dll")
	procOpenProcess      = kernel32.NewProc("OpenProcess")
	procTerminateProcess = kernel32.NewProc("TerminateProcess")
	procCloseHandle      = kernel32.NewProc("CloseHandle")
)

const (
	PROCESS_TERMINATE         = 0x0001
	PROCESS_QUERY_INFORMATION = 0x0400
	CREATE_NEW_PROCESS_GROUP  = 0x00000200
)

// configureSysProcAttr puts the child in its own process group so the stop
// path can address the whole tree.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: CREATE_NEW_PROCESS_GROUP}
}

// terminateGroup has no SIGTERM equivalent on Windows; terminate directly.
func terminateGroup(pid int) {
	_ = terminate(pid)
}

// killGroup forcefully terminates the process.
func killGroup(pid int) {
	_ = terminate(pid)
}

func terminate(pid int) error {
	if pid <= 0 {
		return nil
	}
	if pid < 0 {
		pid = -pid
	}

	handle, err := openProcess(PROCESS_TERMINATE, uint32(pid))
	if err != nil {
		// The process is already gone.
		return nil
	}
	defer func() { _ = closeHandle(handle) }()

	ret, _, callErr := procTerminateProcess.Call(uintptr(handle), uintptr(1))
	if ret == 0 {
		return callErr
	}
	return nil
}

// processExists probes pid by opening a query handle.
func processExists(pid int) bool {
	if pid <= 0 {
		return false
	}
	handle, err := openProcess(PROCESS_QUERY_INFORMATION, uint32(pid))
	if err != nil {
		return false
	}
	_ = closeHandle(handle)
	return true
}

func openProcess(access uint32, processID uint32) (syscall.Handle, error) {
	ret, _, err := procOpenProcess.Call(uintptr(access), uintptr(0), uintptr(processID))
	if ret == 0 {
		return 0, err
	}
	return syscall.Handle(ret), nil
}

func closeHandle(handle syscall.Handle) error {
	ret, _, err := procCloseHandle.Call(uintptr(handle))
	if ret == 0 {
		return err
	}
	return nil
}
