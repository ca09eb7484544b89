package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestBuildRootCmd(t *testing.T) {
	root := buildRootCmd()
	names := map[string]bool{}
	for _, cmd := range root.Commands() {
		names[cmd.Name()] = true
	}
	for _, want := range []string{"serve", "inspect"} {
		if !names[want] {
			t.Errorf("missing subcommand %q", want)
		}
	}
}

func TestInspectSummary(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.jsonl")
	lines := `{"type":"user","uuid":"u-1","sessionId":"s-1","timestamp":"2026-01-01T00:00:00Z","message":{"role":"user","content":"hi"}}` + "\n" +
		"garbage line\n"
	if err := os.WriteFile(path, []byte(lines), 0o644); err != nil {
		t.Fatal(err)
	}

	root := buildRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"inspect", "--summary", path})
	if err := root.Execute(); err != nil {
		t.Fatal(err)
	}
	got := out.String()
	if !strings.Contains(got, "messages:   2 (1 malformed)") {
		t.Errorf("summary output:\n%s", got)
	}
	if !strings.Contains(got, "turns:      1") {
		t.Errorf("summary output:\n%s", got)
	}
}

func TestInspectMissingFile(t *testing.T) {
	root := buildRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"inspect", "/does/not/exist.jsonl"})
	if err := root.Execute(); err == nil {
		t.Error("expected error for missing transcript")
	}
}
