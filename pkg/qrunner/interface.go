package qrunner

import (
	"context"
	"time"
)

// RunStatus represents the execution state of a dispatched job
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusTimedOut  RunStatus = "timed_out"
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether the status is final.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusFailed, RunStatusTimedOut, RunStatusCancelled:
		return true
	default:
		return false
	}
}

// EnvVar is a fully resolved environment binding.
type EnvVar struct {
	Name  string `json:"name"`
	Value string `json:"-"` // may carry secret material, never serialized
}

// JobRequest is a fully resolved unit of work handed to a backend.
type JobRequest struct {
	RunID   string            // engine run this dispatch belongs to
	Job     string            // job name inside the pipeline
	Image   string            // container image (docker/k8s backends), empty = backend default
	Command []string          // argv; for container backends these are the container args
	Env     []EnvVar          // ordered environment
	Labels  map[string]string // propagated to backend objects where supported
}

// JobHandle identifies a submitted job on a backend.
type JobHandle struct {
	ID       string            `json:"id"`
	Job      string            `json:"job"`
	Backend  string            `json:"backend"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Result is the terminal outcome reported by a backend.
type Result struct {
	Status     RunStatus  `json:"status"`
	ExitCode   *int       `json:"exit_code,omitempty"`
	Reason     string     `json:"reason,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// JobRunner is the boundary to whatever platform actually executes jobs.
type JobRunner interface {
	// Submit starts a job and returns immediately with its handle
	Submit(ctx context.Context, req JobRequest) (*JobHandle, error)

	// Await blocks until the job is terminal or timeout elapses. A zero timeout
	// waits for as long as ctx allows. Exceeding the timeout yields
	// RunStatusTimedOut rather than an error. A terminal Result returned
	// together with an error means the job finished but cleanup failed.
	Await(ctx context.Context, h *JobHandle, timeout time.Duration) (*Result, error)

	// Cancel stops a job; best effort
	Cancel(ctx context.Context, h *JobHandle) error
}

// LogSource is implemented by backends that can return a job's output.
type LogSource interface {
	GetLogs(ctx context.Context, h *JobHandle) (string, error)
}
