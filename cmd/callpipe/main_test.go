package main

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ahmethakanbesel/call-pipeline/internal/job"
)

// run executes callpipe against dbPath and returns what it printed.
func run(t *testing.T, dbPath string, args ...string) (string, error) {
	t.Helper()
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("STALLED_THRESHOLD", "")

	var out, errOut bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(append([]string{"--db", dbPath}, args...))
	err := root.Execute()
	return out.String(), err
}

func decode[T any](t *testing.T, s string) T {
	t.Helper()
	var v T
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		t.Fatalf("decode %q: %v", s, err)
	}
	return v
}

func TestCLI_EnqueueGetList(t *testing.T) {
	db := filepath.Join(t.TempDir(), "q.db")

	out, err := run(t, db, "enqueue", "--call", "C1", "--user", "u1", "--org", "o1",
		"--file-url", "https://files.example.com/C1.mp3", "--file-name", "C1.mp3")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	created := decode[job.Job](t, out)
	if created.ID == "" || created.Status != job.StatusPending || created.Kind != job.KindProcessCall {
		t.Fatalf("unexpected job %+v", created)
	}

	// Same call again returns the outstanding job.
	out, err = run(t, db, "enqueue", "--call", "C1", "--user", "u1",
		"--file-url", "https://files.example.com/C1.mp3")
	if err != nil {
		t.Fatalf("duplicate enqueue: %v", err)
	}
	if dup := decode[job.Job](t, out); dup.ID != created.ID {
		t.Errorf("expected existing job %s, got %s", created.ID, dup.ID)
	}

	out, err = run(t, db, "get", created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got := decode[job.Job](t, out); got.CallID != "C1" {
		t.Errorf("expected C1, got %s", got.CallID)
	}

	out, err = run(t, db, "list", "--status", "pending")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if jobs := decode[[]job.Job](t, out); len(jobs) != 1 {
		t.Errorf("expected 1 pending job, got %d", len(jobs))
	}

	out, err = run(t, db, "stalled", "--older-than", "30m")
	if err != nil {
		t.Fatalf("stalled: %v", err)
	}
	if jobs := decode[[]job.Job](t, out); len(jobs) != 0 {
		t.Errorf("expected no stalled jobs, got %d", len(jobs))
	}
}

func TestCLI_Errors(t *testing.T) {
	db := filepath.Join(t.TempDir(), "q.db")

	if _, err := run(t, db, "enqueue", "--call", "C1"); err == nil {
		t.Error("expected missing required flags to fail")
	}
	if _, err := run(t, db, "get", "missing"); err == nil {
		t.Error("expected unknown job to fail")
	}
	if _, err := run(t, db, "list", "--status", "bogus"); err == nil {
		t.Error("expected invalid status to fail")
	}
	if _, err := run(t, db, "stalled", "--older-than", "1m"); err == nil {
		t.Error("expected age below the stalled threshold to fail")
	}

	out, err := run(t, db, "enqueue", "--call", "C2", "--user", "u1", "--file-url", "https://x.example.com/a.mp3")
	if err != nil {
		t.Fatal(err)
	}
	id := decode[job.Job](t, out).ID
	if _, err := run(t, db, "retry", id); err == nil || !strings.Contains(err.Error(), "not failed") {
		t.Errorf("expected retry of pending job to fail, got %v", err)
	}
	if _, err := run(t, db, "resubmit", id); err == nil {
		t.Error("expected resubmit of pending job to fail")
	}
}

func TestCLI_ServeRefusesOverlappingStallThreshold(t *testing.T) {
	db := filepath.Join(t.TempDir(), "q.db")
	t.Setenv("INVOKE_TIMEOUT", "2m")
	t.Setenv("SHUTDOWN_GRACE", "30s")

	var out, errOut bytes.Buffer
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("STALLED_THRESHOLD", "1m")
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs([]string{"--db", db, "serve", "--port", "0"})

	err := root.Execute()
	if err == nil || !strings.Contains(err.Error(), "STALLED_THRESHOLD") {
		t.Fatalf("expected serve to refuse the configuration, got %v", err)
	}
}

func TestCLI_UnreachableStore(t *testing.T) {
	dir := t.TempDir()
	if _, err := run(t, filepath.Join(dir, "missing", "dir", "q.db"), "list"); err == nil {
		t.Fatal("expected unreachable store to fail")
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"WARN":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
		"loud":  slog.LevelInfo,
	}
	for in, want := range tests {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestNewLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	newLogger(&buf, "info", "json").Info("job enqueued", "job", "j1")
	if !strings.HasPrefix(buf.String(), "{") || !strings.Contains(buf.String(), `"job":"j1"`) {
		t.Errorf("expected JSON log line, got %q", buf.String())
	}
}
