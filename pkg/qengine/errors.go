package qengine

import (
	"fmt"
	"time"

	"github.com/quatton/qbatch/pkg/qerr"
)

// DispatchError wraps a failure to hand a job to the runner or to await it.
type DispatchError struct {
	Job string
	Err error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch %s: %v", e.Job, e.Err)
}

func (e *DispatchError) Unwrap() error        { return e.Err }
func (e *DispatchError) ErrorCode() qerr.Code { return qerr.CodeDispatch }

// TimedOutError is recorded when a job exceeds its timeout.
type TimedOutError struct {
	Job     string
	Timeout time.Duration
}

func (e *TimedOutError) Error() string {
	return fmt.Sprintf("job %s timed out after %s", e.Job, e.Timeout)
}

func (e *TimedOutError) ErrorCode() qerr.Code { return qerr.CodeTimedOut }

// JobFailedError is recorded when the runner reports a failed job.
type JobFailedError struct {
	Job      string
	ExitCode *int
	Reason   string
}

func (e *JobFailedError) Error() string {
	msg := fmt.Sprintf("job %s failed", e.Job)
	if e.ExitCode != nil {
		msg += fmt.Sprintf(" with exit code %d", *e.ExitCode)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *JobFailedError) ErrorCode() qerr.Code { return qerr.CodeJobFailed }
