package qengine

import (
	"time"

	"github.com/quatton/qbatch/pkg/qerr"
	"github.com/quatton/qbatch/pkg/qrunner"
)

// JobReport is the terminal record of one job.
type JobReport struct {
	Name       string             `json:"name"`
	State      State              `json:"state"`
	StartedAt  *time.Time         `json:"started_at,omitempty"`
	FinishedAt *time.Time         `json:"finished_at,omitempty"`
	Reason     string             `json:"reason,omitempty"`
	ErrorCode  qerr.Code          `json:"error_code,omitempty"`
	ExitCode   *int               `json:"exit_code,omitempty"`
	Handle     *qrunner.JobHandle `json:"handle,omitempty"`
}

// Duration is zero unless both timestamps are set.
func (j JobReport) Duration() time.Duration {
	if j.StartedAt == nil || j.FinishedAt == nil {
		return 0
	}
	return j.FinishedAt.Sub(*j.StartedAt)
}

// RunReport summarises one execution. It is what alerting and history
// collaborators consume.
type RunReport struct {
	RunID        string      `json:"run_id"`
	Pipeline     string      `json:"pipeline,omitempty"`
	State        State       `json:"state"`
	StartedAt    time.Time   `json:"started_at"`
	FinishedAt   time.Time   `json:"finished_at"`
	Jobs         []JobReport `json:"jobs"`
	Failed       []string    `json:"failed,omitempty"`
	Skipped      []string    `json:"skipped,omitempty"`
	Cancelled    []string    `json:"cancelled,omitempty"`
	Presatisfied []string    `json:"presatisfied,omitempty"`
}

// Job looks up a job's record by name.
func (r *RunReport) Job(name string) (JobReport, bool) {
	for _, j := range r.Jobs {
		if j.Name == name {
			return j, true
		}
	}
	return JobReport{}, false
}

// Succeeded reports whether every job succeeded.
func (r *RunReport) Succeeded() bool {
	return r.State == StateSucceeded
}

// States returns job name -> terminal state.
func (r *RunReport) States() map[string]State {
	out := make(map[string]State, len(r.Jobs))
	for _, j := range r.Jobs {
		out[j.Name] = j.State
	}
	return out
}

// Count returns how many jobs ended in st.
func (r *RunReport) Count(st State) int {
	n := 0
	for _, j := range r.Jobs {
		if j.State == st {
			n++
		}
	}
	return n
}
