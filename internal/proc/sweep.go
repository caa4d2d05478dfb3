package proc

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// sweepPoll is how often Sweep rechecks a signalled process.
const sweepPoll = 20 * time.Millisecond

// Sweep kills every process whose command line contains signature, skipping
// the calling process. It waits up to grace per process for the kill to take
// effect and returns the number of processes signalled. An empty signature
// sweeps nothing.
func Sweep(signature string, grace time.Duration) int {
	if signature == "" {
		return 0
	}
	procs, err := gopsproc.Processes()
	if err != nil {
		slog.Warn("Failed to list processes for sweep", "error", err)
		return 0
	}
	self := int32(os.Getpid())
	killed := 0
	for _, p := range procs {
		if p.Pid == self {
			continue
		}
		cmdline, err := p.Cmdline()
		if err != nil || cmdline == "" {
			continue
		}
		if !strings.Contains(cmdline, signature) {
			continue
		}
		slog.Info("Killing stray process", "pid", p.Pid, "cmdline", cmdline)
		if err := p.Kill(); err != nil {
			slog.Warn("Failed to kill stray process", "pid", p.Pid, "error", err)
			continue
		}
		killed++
		deadline := time.Now().Add(grace)
		for time.Now().Before(deadline) {
			running, err := p.IsRunning()
			if err != nil || !running {
				break
			}
			time.Sleep(sweepPoll)
		}
	}
	return killed
}

// RSSBytes returns the resident set size of pid. Reading a vanished or
// forbidden process is an error.
func RSSBytes(pid int) (uint64, error) {
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return 0, err
	}
	mi, err := p.MemoryInfo()
	if err != nil {
		return 0, err
	}
	if mi == nil {
		return 0, fmt.Errorf("no memory info for pid %d", pid)
	}
	return mi.RSS, nil
}
