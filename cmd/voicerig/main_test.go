package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestRootHasSubcommands(t *testing.T) {
	root := buildRoot()
	want := []string{"start", "stop", "restart", "status", "supervise", "fileserver"}
	for _, name := range want {
		found := false
		for _, c := range root.Commands() {
			if c.Name() == name {
				found = true
				break
			}
		}
		if !found {
			t.Fatalf("missing subcommand %s", name)
		}
	}
}

func TestHelpExecutes(t *testing.T) {
	root := buildRoot()
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs([]string{"--help"})
	if err := root.Execute(); err != nil {
		t.Fatalf("help: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"voicerig", "start", "supervise", "fileserver", "--config"} {
		if !strings.Contains(out, want) {
			t.Fatalf("help output missing %q:\n%s", want, out)
		}
	}
}

func TestUnknownCommandErrors(t *testing.T) {
	root := buildRoot()
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs([]string{"bogus"})
	if err := root.Execute(); err == nil {
		t.Fatal("expected error for unknown subcommand")
	}
}
