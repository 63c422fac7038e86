package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"permafrost/internal/freeze"
)

const sessionHeap = `
[[type]]
name = "Node"
fields = [{ name = "left", ref = true }, { name = "right", ref = true }]

[[object]]
name = "session"
type = "Node"
refs = { left = "config", right = "socket" }

[[object]]
name = "config"
type = "Node"
refs = { left = "cache" }

[[object]]
name = "cache"
bound_to = "scratch"
worker = 1

[[object]]
name = "scratch"
type = "Node"

[[object]]
name = "socket"
type = "Node"
pinned = true
`

type fixture struct {
	dir    string
	config string
	heap   string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	dir := t.TempDir()
	fx := fixture{
		dir:    dir,
		config: filepath.Join(dir, "permafrost.toml"),
		heap:   filepath.Join(dir, "session.toml"),
	}
	if err := os.WriteFile(fx.config, []byte("[stress]\nworkers = 2\nobjects = 100\nrounds = 10\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(fx.heap, []byte(sessionHeap), 0o644); err != nil {
		t.Fatal(err)
	}
	return fx
}

func (fx fixture) run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCmd()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(append([]string{"--color", "off", "--config", fx.config}, args...))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestFreezeCommandFrozen(t *testing.T) {
	fx := newFixture(t)
	stdout, _, err := fx.run(t, "freeze", fx.heap, "--root", "config", "--dump")
	if err != nil {
		t.Fatalf("freeze: %v", err)
	}
	if !strings.Contains(stdout, "frozen config (Node@2): 2 objects") {
		t.Fatalf("unexpected output:\n%s", stdout)
	}
	if !strings.Contains(stdout, "WorkerBoundReference") {
		t.Fatalf("dump missing worker-bound reference:\n%s", stdout)
	}
}

func TestFreezeCommandBlocked(t *testing.T) {
	fx := newFixture(t)
	stdout, stderr, err := fx.run(t, "--trace-mode", "ring", "--trace-level", "phase",
		"freeze", fx.heap, "--root", "session")
	var freezeErr *freeze.Error
	if !errors.As(err, &freezeErr) {
		t.Fatalf("expected *freeze.Error, got %v", err)
	}
	if freezeErr.BlockerDesc != "Node@5" {
		t.Fatalf("blocker = %s, want Node@5", freezeErr.BlockerDesc)
	}
	if !strings.Contains(stdout, "first blocker is socket (Node@5)") {
		t.Fatalf("unexpected output:\n%s", stdout)
	}
	if !strings.Contains(stderr, "trace ring:") || !strings.Contains(stderr, "freeze") {
		t.Fatalf("expected trace ring dump on stderr:\n%s", stderr)
	}
}

func TestFreezeTraceNestsUnderCommandSpan(t *testing.T) {
	fx := newFixture(t)
	out := filepath.Join(fx.dir, "trace.ndjson")
	if _, _, err := fx.run(t, "--trace", out, "--trace-mode", "stream", "--trace-level", "phase",
		"freeze", fx.heap, "--root", "config"); err != nil {
		t.Fatalf("freeze: %v", err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	var command, parent uint64
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		var ev struct {
			Kind     string `json:"kind"`
			Name     string `json:"name"`
			SpanID   uint64 `json:"span_id"`
			ParentID uint64 `json:"parent_id"`
		}
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			t.Fatalf("bad trace line %q: %v", line, err)
		}
		if ev.Kind != "begin" {
			continue
		}
		switch ev.Name {
		case "permafrost freeze":
			command = ev.SpanID
		case "freeze":
			parent = ev.ParentID
		}
	}
	if command == 0 || parent != command {
		t.Fatalf("freeze span parent = %d, command span = %d:\n%s", parent, command, data)
	}
}

func TestFreezeSaveThenInspect(t *testing.T) {
	fx := newFixture(t)
	image := filepath.Join(fx.dir, "heap.img")
	if _, _, err := fx.run(t, "--quiet", "freeze", fx.heap, "--root", "config", "--save", image); err != nil {
		t.Fatalf("freeze: %v", err)
	}
	stdout, _, err := fx.run(t, "inspect", image)
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if !strings.Contains(stdout, "frozen") || !strings.Contains(stdout, "pinned") {
		t.Fatalf("image lost flags:\n%s", stdout)
	}
	if !strings.Contains(stdout, "5 objects") {
		t.Fatalf("unexpected summary:\n%s", stdout)
	}
}

func TestFreezeUnknownRoot(t *testing.T) {
	fx := newFixture(t)
	_, _, err := fx.run(t, "freeze", fx.heap, "--root", "nobody")
	if err == nil || !strings.Contains(err.Error(), `unknown object "nobody"`) {
		t.Fatalf("expected unknown object error, got %v", err)
	}
}

func TestInspectDescription(t *testing.T) {
	fx := newFixture(t)
	stdout, _, err := fx.run(t, "inspect", fx.heap)
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	for _, want := range []string{"handle", "Node", "pinned", "5 objects"} {
		if !strings.Contains(stdout, want) {
			t.Fatalf("output missing %q:\n%s", want, stdout)
		}
	}
}

func TestStressCommand(t *testing.T) {
	fx := newFixture(t)
	stdout, _, err := fx.run(t, "stress", "--seed", "3", "--edges", "2")
	if err != nil {
		t.Fatalf("stress: %v", err)
	}
	if !strings.HasPrefix(stdout, "ok ") || !strings.Contains(stdout, "20 attempts") {
		t.Fatalf("unexpected output:\n%s", stdout)
	}
}

func TestVersionJSON(t *testing.T) {
	fx := newFixture(t)
	stdout, _, err := fx.run(t, "version", "--format", "json", "--full")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	var payload versionPayload
	if err := json.Unmarshal([]byte(stdout), &payload); err != nil {
		t.Fatalf("invalid json %q: %v", stdout, err)
	}
	if payload.Tool != "permafrost" || payload.Version == "" || payload.GitCommit == "" {
		t.Fatalf("payload = %+v", payload)
	}
}

func TestInvalidColorFlag(t *testing.T) {
	fx := newFixture(t)
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--color", "sometimes", "--config", fx.config, "version"})
	if err := cmd.Execute(); err == nil || !strings.Contains(err.Error(), "invalid --color") {
		t.Fatalf("expected color error, got %v", err)
	}
}

func TestBadConfigFile(t *testing.T) {
	fx := newFixture(t)
	if err := os.WriteFile(fx.config, []byte("[freeze]\nturbo = true\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, _, err := fx.run(t, "freeze", fx.heap, "--root", "config")
	if err == nil || !strings.Contains(err.Error(), "unknown keys: freeze.turbo") {
		t.Fatalf("expected config error, got %v", err)
	}
}

func TestStressWritesProfiles(t *testing.T) {
	fx := newFixture(t)
	cpu := filepath.Join(fx.dir, "cpu.pprof")
	mem := filepath.Join(fx.dir, "mem.pprof")
	if _, _, err := fx.run(t, "--quiet", "--cpu-profile", cpu, "--mem-profile", mem, "stress", "--ui", "off"); err != nil {
		t.Fatalf("stress: %v", err)
	}
	for _, p := range []string{cpu, mem} {
		if _, err := os.Stat(p); err != nil {
			t.Fatalf("profile %s not written: %v", p, err)
		}
	}
}

func TestUIModeParsing(t *testing.T) {
	for in, want := range map[string]uiMode{"": uiModeAuto, "ON": uiModeOn, " off ": uiModeOff} {
		got, err := readUIMode(in)
		if err != nil || got != want {
			t.Fatalf("readUIMode(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := readUIMode("sometimes"); err == nil {
		t.Fatal("expected error")
	}
}
