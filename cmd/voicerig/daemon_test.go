package main

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
)

func TestPidFileRoundTrip(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "voicerig.pid")

	if err := writePidFile(pidFile, os.Getpid()); err != nil {
		t.Fatalf("writePidFile: %v", err)
	}
	b, err := os.ReadFile(pidFile)
	if err != nil {
		t.Fatalf("read pid file: %v", err)
	}
	if got := string(b); got != strconv.Itoa(os.Getpid()) {
		t.Fatalf("unexpected pid file content: %q", got)
	}

	if err := removePidFile(pidFile); err != nil {
		t.Fatalf("removePidFile: %v", err)
	}
	if _, err := os.Stat(pidFile); !os.IsNotExist(err) {
		t.Fatal("pid file was not removed")
	}
}

func TestRemovePidFileEmptyPath(t *testing.T) {
	if err := removePidFile(""); err != nil {
		t.Fatalf("empty path should be a no-op: %v", err)
	}
}
