//go:build !windows

package executor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/graphile/worker-sub000/internal/queue"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "task.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestRunPassesPayloadAndJobEnv(t *testing.T) {
	script := writeScript(t, `cat; echo; echo "$GRAPHILE_WORKER_TASK_IDENTIFIER $GRAPHILE_WORKER_JOB_ID $GRAPHILE_WORKER_JOB_ATTEMPTS/$GRAPHILE_WORKER_JOB_MAX_ATTEMPTS $GRAPHILE_WORKER_JOB_KEY $GRAPHILE_WORKER_PAYLOAD_FORMAT"`)
	cmd, err := NewCommand("send_email", script, Options{})
	if err != nil {
		t.Fatalf("NewCommand: %v", err)
	}
	key := "welcome-42"
	job := &queue.Job{ID: 42, Attempts: 2, MaxAttempts: 5, Key: &key, RunAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}

	res, err := cmd.Run(context.Background(), job, json.RawMessage(`{"to":"a@b.c"}`))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(res.Stdout), "\n")
	if len(lines) != 2 {
		t.Fatalf("unexpected output %q", res.Stdout)
	}
	if lines[0] != `{"payload":{"to":"a@b.c"}}` {
		t.Fatalf("stdin = %q", lines[0])
	}
	if lines[1] != "send_email 42 2/5 welcome-42 json" {
		t.Fatalf("env line = %q", lines[1])
	}
	if res.ExitCode != 0 {
		t.Fatalf("ExitCode = %d", res.ExitCode)
	}
}

func TestHandleFailsOnNonZeroExit(t *testing.T) {
	script := writeScript(t, `echo "smtp unavailable" >&2; exit 3`)
	cmd, err := NewCommand("send_email", script, Options{})
	if err != nil {
		t.Fatalf("NewCommand: %v", err)
	}
	err = cmd.Handle(context.Background(), json.RawMessage(`{}`), nil)
	if err == nil || err.Error() != "command exited with code 3: smtp unavailable" {
		t.Fatalf("Handle error = %v", err)
	}
}

func TestRunTerminatesOnCancel(t *testing.T) {
	script := writeScript(t, `sleep 30`)
	cmd, err := NewCommand("slow", script, Options{})
	if err != nil {
		t.Fatalf("NewCommand: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	start := time.Now()
	_, err = cmd.Run(ctx, nil, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run error = %v, want context.Canceled", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("command was not terminated promptly (%v)", elapsed)
	}
}

func TestRunTimeout(t *testing.T) {
	script := writeScript(t, `sleep 30`)
	cmd, err := NewCommand("slow", script, Options{Timeout: 100 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewCommand: %v", err)
	}
	if _, err := cmd.Run(context.Background(), nil, nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run error = %v, want deadline exceeded", err)
	}
}

func TestRunTruncatesOutput(t *testing.T) {
	script := writeScript(t, `i=0; while [ $i -lt 100 ]; do echo 0123456789; i=$((i+1)); done`)
	cmd, err := NewCommand("noisy", script, Options{MaxOutputBytes: 64})
	if err != nil {
		t.Fatalf("NewCommand: %v", err)
	}
	res, err := cmd.Run(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Stdout) != 64 || !res.Truncated {
		t.Fatalf("stdout len = %d, truncated = %v", len(res.Stdout), res.Truncated)
	}
}

func TestLimitedBufferCapsIOCopy(t *testing.T) {
	buf := &limitedBuffer{cap: 8}
	src := struct{ io.Reader }{strings.NewReader(strings.Repeat("x", 100))}
	n, err := io.Copy(buf, src)
	if err != nil {
		t.Fatalf("copy: %v", err)
	}
	if n != 100 {
		t.Fatalf("copied %d bytes, want 100 reported", n)
	}
	if got := buf.String(); got != "xxxxxxxx" || !buf.truncated {
		t.Fatalf("buffer = %q, truncated = %v", got, buf.truncated)
	}
}

func TestTasksValidatesCommands(t *testing.T) {
	script := writeScript(t, `exit 0`)
	allowed := filepath.Dir(script) + "/"

	tasks, err := Tasks(map[string]string{"ok": script}, Options{Validator: NewValidator([]string{allowed})})
	if err != nil {
		t.Fatalf("Tasks: %v", err)
	}
	if _, ok := tasks["ok"]; !ok {
		t.Fatalf("task missing from %v", tasks.Names())
	}

	_, err = Tasks(map[string]string{"bad": "/bin/sh -c true", "empty": "  "}, Options{Validator: NewValidator([]string{allowed})})
	if err == nil || !strings.Contains(err.Error(), `task "bad"`) || !strings.Contains(err.Error(), `task "empty"`) {
		t.Fatalf("expected errors for both tasks, got %v", err)
	}
}
