package proc

import (
	"os/exec"
	"strings"

	"voicerig/internal/logger"
)

// Spec describes a child process to launch and watch.
type Spec struct {
	Name    string   `json:"name"`
	Command string   `json:"command"`  // command line (shell syntax allowed)
	WorkDir string   `json:"work_dir"` // optional working dir
	Env     []string `json:"env"`      // optional extra env (K=V)
	PIDFile string   `json:"pid_file"` // optional pidfile path

	// CombineOutput routes stderr into the stdout log, keeping a single
	// file whose mtime reflects all worker activity.
	CombineOutput bool          `json:"combine_output"`
	Log           logger.Config `json:"log"`
}

// BuildCommand constructs an *exec.Cmd for spec.Command. It avoids a shell
// when none is needed, honors an explicit "sh -c ..." prefix without
// double-wrapping, and falls back to the platform shell when shell
// metacharacters are present.
func (s *Spec) BuildCommand() *exec.Cmd {
	cmdStr := strings.TrimSpace(s.Command)
	if cmdStr == "" {
		return trueCommand()
	}
	if script, ok := parseExplicitShell(cmdStr); ok {
		return shellCommand(script)
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		return shellCommand(cmdStr)
	}
	parts := strings.Fields(cmdStr)
	name := parts[0]
	var args []string
	if len(parts) > 1 {
		args = parts[1:]
	}
	// #nosec G204
	return exec.Command(name, args...)
}

// parseExplicitShell detects "sh -c <ARG>" style prefixes and returns the
// script after -c with one pair of surrounding quotes stripped.
func parseExplicitShell(cmdStr string) (string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	for _, p := range []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "} {
		if strings.HasPrefix(trim, p) {
			after := trim[len(p):]
			if n := len(after); n >= 2 {
				if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
					after = after[1 : n-1]
				}
			}
			return after, true
		}
	}
	return "", false
}
