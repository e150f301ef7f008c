package qrunner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/quatton/qbatch/pkg/qart"
)

const localBackend = "local"

// LocalRun is the on-disk record of one local dispatch, stored as run.json.
type LocalRun struct {
	ID         string        `json:"id"`
	RunID      string        `json:"run_id"`
	Job        string        `json:"job"`
	Status     RunStatus     `json:"status"`
	Command    []string      `json:"command"`
	EnvNames   []string      `json:"env_names,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	StartedAt  *time.Time    `json:"started_at,omitempty"`
	FinishedAt *time.Time    `json:"finished_at,omitempty"`
	ExitCode   *int          `json:"exit_code,omitempty"`
	Reason     string        `json:"reason,omitempty"`
	RunDir     string        `json:"run_dir"`
	LogsPath   string        `json:"logs_path"`
	StderrPath string        `json:"stderr_path"`
	Artifacts  []RunArtifact `json:"artifacts,omitempty"`
}

// RunArtifact is a file uploaded to the artifact store after a run.
type RunArtifact struct {
	Key         string `json:"key"`
	Filename    string `json:"filename"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type"`
}

func (r *LocalRun) result() *Result {
	return &Result{
		Status:     r.Status,
		ExitCode:   r.ExitCode,
		Reason:     r.Reason,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
	}
}

// LocalRunner executes jobs as subprocesses of the current process.
type LocalRunner struct {
	baseDir   string     // base directory for .qbatch/runs
	workDir   string     // working directory of the subprocesses
	artifacts qart.Store // artifact storage (optional)
	mu        sync.RWMutex
	procs     map[string]*localProcess // in-memory tracking of active runs
}

// localProcess tracks an active process
type localProcess struct {
	mu        sync.Mutex
	run       *LocalRun
	cancel    context.CancelFunc
	cancelled bool
	done      chan struct{}
}

// LocalRunnerOption configures a LocalRunner
type LocalRunnerOption func(*LocalRunner)

// WithArtifactStore sets the artifact storage for the runner
func WithArtifactStore(store qart.Store) LocalRunnerOption {
	return func(r *LocalRunner) {
		r.artifacts = store
	}
}

// WithBaseDir sets the base directory for runs
func WithBaseDir(baseDir string) LocalRunnerOption {
	return func(r *LocalRunner) {
		r.baseDir = baseDir
	}
}

// WithWorkDir sets the working directory commands run in
func WithWorkDir(dir string) LocalRunnerOption {
	return func(r *LocalRunner) {
		r.workDir = dir
	}
}

func NewLocalRunner(opts ...LocalRunnerOption) *LocalRunner {
	cwd, _ := os.Getwd()
	r := &LocalRunner{
		baseDir: cwd,
		procs:   make(map[string]*localProcess),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// getRunsDir returns the runs directory
func (r *LocalRunner) getRunsDir() string {
	return filepath.Join(r.baseDir, ".qbatch", "runs")
}

func (r *LocalRunner) Submit(ctx context.Context, req JobRequest) (*JobHandle, error) {
	if len(req.Command) == 0 {
		return nil, fmt.Errorf("job %s has no command", req.Job)
	}

	// UUIDv7 keeps run directories sorted by creation time
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate UUID: %w", err)
	}

	runDir := filepath.Join(r.getRunsDir(), id.String())
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create run directory: %w", err)
	}

	run := &LocalRun{
		ID:         id.String(),
		RunID:      req.RunID,
		Job:        req.Job,
		Status:     RunStatusPending,
		Command:    append([]string(nil), req.Command...),
		CreatedAt:  time.Now(),
		RunDir:     runDir,
		LogsPath:   filepath.Join(runDir, "stdout.log"),
		StderrPath: filepath.Join(runDir, "stderr.log"),
	}
	for _, e := range req.Env {
		run.EnvNames = append(run.EnvNames, e.Name)
	}

	if err := r.saveRun(run); err != nil {
		return nil, fmt.Errorf("failed to save run state: %w", err)
	}

	// The process outlives the submitting request; Cancel stops it.
	execCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	proc := &localProcess{run: run, cancel: cancel, done: make(chan struct{})}

	r.mu.Lock()
	r.procs[run.ID] = proc
	r.mu.Unlock()

	go r.execute(execCtx, proc, req)

	return &JobHandle{
		ID:      run.ID,
		Job:     req.Job,
		Backend: localBackend,
		Metadata: map[string]string{
			"run_dir":   runDir,
			"logs_path": run.LogsPath,
		},
	}, nil
}

func (r *LocalRunner) execute(ctx context.Context, proc *localProcess, req JobRequest) {
	defer close(proc.done)
	defer proc.cancel()

	run := proc.run

	now := time.Now()
	proc.mu.Lock()
	run.StartedAt = &now
	run.Status = RunStatusRunning
	proc.mu.Unlock()
	r.saveRun(run)

	cmd := exec.CommandContext(ctx, req.Command[0], req.Command[1:]...)
	if r.workDir != "" {
		cmd.Dir = r.workDir
	}

	cmd.Env = os.Environ()
	for _, e := range req.Env {
		cmd.Env = append(cmd.Env, e.Name+"="+e.Value)
	}
	cmd.Env = append(cmd.Env,
		"QBATCH_RUN_ID="+req.RunID,
		"QBATCH_JOB="+req.Job,
		"QBATCH_RUN_DIR="+run.RunDir,
	)

	logFile, err := os.Create(run.LogsPath)
	if err != nil {
		r.finish(proc, RunStatusFailed, nil, fmt.Sprintf("failed to create log file: %v", err))
		return
	}
	defer logFile.Close()

	stderrFile, err := os.Create(run.StderrPath)
	if err != nil {
		r.finish(proc, RunStatusFailed, nil, fmt.Sprintf("failed to create stderr file: %v", err))
		return
	}
	defer stderrFile.Close()

	cmd.Stdout = logFile
	cmd.Stderr = stderrFile

	err = cmd.Run()

	proc.mu.Lock()
	cancelled := proc.cancelled
	proc.mu.Unlock()

	var exitErr *exec.ExitError
	switch {
	case cancelled:
		r.finish(proc, RunStatusCancelled, nil, "cancelled")
	case err == nil:
		code := 0
		r.finish(proc, RunStatusSucceeded, &code, "")
	case errors.As(err, &exitErr):
		code := exitErr.ExitCode()
		r.finish(proc, RunStatusFailed, &code, "Error")
	default:
		// failed to start
		fmt.Fprintln(stderrFile, err.Error())
		r.finish(proc, RunStatusFailed, nil, err.Error())
	}

	r.uploadArtifacts(context.WithoutCancel(ctx), run)
	r.saveRun(run)

	r.mu.Lock()
	delete(r.procs, run.ID)
	r.mu.Unlock()
}

func (r *LocalRunner) finish(proc *localProcess, status RunStatus, exitCode *int, reason string) {
	now := time.Now()
	proc.mu.Lock()
	defer proc.mu.Unlock()
	proc.run.FinishedAt = &now
	proc.run.Status = status
	proc.run.ExitCode = exitCode
	proc.run.Reason = reason
	r.saveRun(proc.run)
}

// Await waits for the process to exit. A running process is left alone when
// the timeout elapses; the caller decides whether to Cancel it.
func (r *LocalRunner) Await(ctx context.Context, h *JobHandle, timeout time.Duration) (*Result, error) {
	r.mu.RLock()
	proc, active := r.procs[h.ID]
	r.mu.RUnlock()

	if !active {
		run, err := r.GetRun(ctx, h.ID)
		if err != nil {
			return nil, err
		}
		if !run.Status.IsTerminal() {
			return nil, fmt.Errorf("run %s is not tracked by this runner", h.ID)
		}
		return run.result(), nil
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-proc.done:
		return proc.run.result(), nil
	case <-expired:
		return &Result{Status: RunStatusTimedOut, Reason: fmt.Sprintf("exceeded %s", timeout)}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel kills a running process. Finished runs are left untouched.
func (r *LocalRunner) Cancel(ctx context.Context, h *JobHandle) error {
	r.mu.RLock()
	proc, active := r.procs[h.ID]
	r.mu.RUnlock()

	if !active {
		if _, err := r.GetRun(ctx, h.ID); err != nil {
			return err
		}
		return nil
	}

	proc.mu.Lock()
	proc.cancelled = true
	proc.mu.Unlock()
	proc.cancel()
	return nil
}

// GetRun reads the run.json record of a dispatch.
func (r *LocalRunner) GetRun(_ context.Context, id string) (*LocalRun, error) {
	data, err := os.ReadFile(filepath.Join(r.getRunsDir(), id, "run.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("run %s not found", id)
		}
		return nil, fmt.Errorf("failed to read run state: %w", err)
	}

	var run LocalRun
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("failed to parse run state: %w", err)
	}
	return &run, nil
}

// ListRuns returns every recorded dispatch, optionally filtered by status.
func (r *LocalRunner) ListRuns(ctx context.Context, status *RunStatus) ([]*LocalRun, error) {
	entries, err := os.ReadDir(r.getRunsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return []*LocalRun{}, nil
		}
		return nil, fmt.Errorf("failed to read runs directory: %w", err)
	}

	var runs []*LocalRun
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		run, err := r.GetRun(ctx, entry.Name())
		if err != nil {
			continue
		}
		if status != nil && run.Status != *status {
			continue
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// GetLogs returns the captured stdout of a dispatch.
func (r *LocalRunner) GetLogs(ctx context.Context, h *JobHandle) (string, error) {
	run, err := r.GetRun(ctx, h.ID)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(run.LogsPath)
	if err != nil {
		return "", fmt.Errorf("failed to open log file: %w", err)
	}
	return string(data), nil
}

func (r *LocalRunner) saveRun(run *LocalRun) error {
	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal run state: %w", err)
	}
	if err := os.WriteFile(filepath.Join(run.RunDir, "run.json"), data, 0o644); err != nil {
		return fmt.Errorf("failed to write run state: %w", err)
	}
	return nil
}

// uploadArtifacts uploads the logs of a finished dispatch if storage is configured
func (r *LocalRunner) uploadArtifacts(ctx context.Context, run *LocalRun) {
	if r.artifacts == nil {
		return
	}

	for _, path := range []string{run.LogsPath, run.StderrPath} {
		f, err := os.Open(path)
		if err != nil {
			continue
		}
		stat, _ := f.Stat()
		name := filepath.Base(path)
		key := qart.JobArtifactKey(run.RunID, run.Job, name)
		artifact, err := r.artifacts.Upload(ctx, key, f, "text/plain", map[string]string{
			"run_id": run.RunID,
			"job":    run.Job,
		})
		f.Close()
		if err != nil {
			continue
		}
		run.Artifacts = append(run.Artifacts, RunArtifact{
			Key:         artifact.Key,
			Filename:    name,
			Size:        stat.Size(),
			ContentType: "text/plain",
		})
	}
}

var (
	_ JobRunner = (*LocalRunner)(nil)
	_ LogSource = (*LocalRunner)(nil)
)
