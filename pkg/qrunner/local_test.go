package qrunner

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func localRequest(job string, command ...string) JobRequest {
	return JobRequest{RunID: "run-1", Job: job, Command: command}
}

func TestLocalRunner_SubmitAwait(t *testing.T) {
	runner := NewLocalRunner(WithBaseDir(t.TempDir()))
	ctx := context.Background()

	h, err := runner.Submit(ctx, localRequest("noc", "echo", "hello", "world"))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if h.ID == "" || h.Backend != "local" || h.Job != "noc" {
		t.Fatalf("unexpected handle %+v", h)
	}

	res, err := runner.Await(ctx, h, 10*time.Second)
	if err != nil {
		t.Fatalf("Await failed: %v", err)
	}
	if res.Status != RunStatusSucceeded {
		t.Errorf("Expected status succeeded, got %s (%s)", res.Status, res.Reason)
	}
	if res.ExitCode == nil || *res.ExitCode != 0 {
		t.Errorf("Expected exit code 0, got %v", res.ExitCode)
	}
	if res.StartedAt == nil || res.FinishedAt == nil {
		t.Errorf("Expected timestamps to be set")
	}

	logs, err := runner.GetLogs(ctx, h)
	if err != nil {
		t.Fatalf("GetLogs failed: %v", err)
	}
	if strings.TrimSpace(logs) != "hello world" {
		t.Errorf("unexpected logs %q", logs)
	}

	if _, err := os.Stat(filepath.Join(h.Metadata["run_dir"], "run.json")); os.IsNotExist(err) {
		t.Error("run.json should exist")
	}

	// A finished dispatch can still be awaited from its record.
	again, err := runner.Await(ctx, h, time.Second)
	if err != nil || again.Status != RunStatusSucceeded {
		t.Errorf("expected recorded result, got %v (%v)", again, err)
	}
}

func TestLocalRunner_FailedCommand(t *testing.T) {
	runner := NewLocalRunner(WithBaseDir(t.TempDir()))
	ctx := context.Background()

	h, err := runner.Submit(ctx, localRequest("fr", "sh", "-c", "exit 3"))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	res, err := runner.Await(ctx, h, 10*time.Second)
	if err != nil {
		t.Fatalf("Await failed: %v", err)
	}
	if res.Status != RunStatusFailed {
		t.Errorf("Expected status failed, got %s", res.Status)
	}
	if res.ExitCode == nil || *res.ExitCode != 3 {
		t.Errorf("Expected exit code 3, got %v", res.ExitCode)
	}
}

func TestLocalRunner_CommandNotFound(t *testing.T) {
	runner := NewLocalRunner(WithBaseDir(t.TempDir()))
	ctx := context.Background()

	h, err := runner.Submit(ctx, localRequest("ie", "definitely-not-a-real-binary-qbatch"))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	res, err := runner.Await(ctx, h, 10*time.Second)
	if err != nil {
		t.Fatalf("Await failed: %v", err)
	}
	if res.Status != RunStatusFailed || res.Reason == "" {
		t.Errorf("expected failure with a reason, got %+v", res)
	}
}

func TestLocalRunner_EmptyCommand(t *testing.T) {
	runner := NewLocalRunner(WithBaseDir(t.TempDir()))
	if _, err := runner.Submit(context.Background(), localRequest("noc")); err == nil {
		t.Fatal("expected error for empty command")
	}
}

func TestLocalRunner_Env(t *testing.T) {
	runner := NewLocalRunner(WithBaseDir(t.TempDir()))
	ctx := context.Background()

	req := localRequest("stop_linker", "sh", "-c", `echo "$TRAVIGO_LOG_FORMAT $QBATCH_JOB $QBATCH_RUN_ID"`)
	req.Env = []EnvVar{{Name: "TRAVIGO_LOG_FORMAT", Value: "JSON"}, {Name: "SECRET", Value: "hunter2"}}

	h, err := runner.Submit(ctx, req)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if _, err := runner.Await(ctx, h, 10*time.Second); err != nil {
		t.Fatalf("Await failed: %v", err)
	}

	logs, _ := runner.GetLogs(ctx, h)
	if strings.TrimSpace(logs) != "JSON stop_linker run-1" {
		t.Errorf("unexpected output %q", logs)
	}

	run, err := runner.GetRun(ctx, h.ID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	data, _ := os.ReadFile(filepath.Join(run.RunDir, "run.json"))
	if strings.Contains(string(data), "hunter2") {
		t.Errorf("run.json must not contain env values")
	}
}

func TestLocalRunner_Timeout(t *testing.T) {
	runner := NewLocalRunner(WithBaseDir(t.TempDir()))
	ctx := context.Background()

	h, err := runner.Submit(ctx, localRequest("noc", "sleep", "10"))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	res, err := runner.Await(ctx, h, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Await failed: %v", err)
	}
	if res.Status != RunStatusTimedOut {
		t.Fatalf("expected timed_out, got %s", res.Status)
	}

	if err := runner.Cancel(ctx, h); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	final, err := runner.Await(ctx, h, 10*time.Second)
	if err != nil {
		t.Fatalf("Await after cancel failed: %v", err)
	}
	if final.Status != RunStatusCancelled {
		t.Errorf("expected cancelled, got %s", final.Status)
	}
}

func TestLocalRunner_ListRuns(t *testing.T) {
	runner := NewLocalRunner(WithBaseDir(t.TempDir()))
	ctx := context.Background()

	for _, cmd := range [][]string{{"true"}, {"false"}} {
		h, err := runner.Submit(ctx, localRequest(cmd[0], cmd...))
		if err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
		if _, err := runner.Await(ctx, h, 10*time.Second); err != nil {
			t.Fatalf("Await failed: %v", err)
		}
	}

	all, err := runner.ListRuns(ctx, nil)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(all))
	}

	failed := RunStatusFailed
	onlyFailed, _ := runner.ListRuns(ctx, &failed)
	if len(onlyFailed) != 1 || onlyFailed[0].Job != "false" {
		t.Errorf("unexpected filtered runs %+v", onlyFailed)
	}
}
