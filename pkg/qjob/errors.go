package qjob

import (
	"fmt"

	"github.com/quatton/qbatch/pkg/qerr"
)

// DuplicateJobError is returned when a name is registered twice.
type DuplicateJobError struct {
	Name string
}

func (e *DuplicateJobError) Error() string {
	return fmt.Sprintf("job %q is already registered", e.Name)
}

func (e *DuplicateJobError) ErrorCode() qerr.Code { return qerr.CodeDuplicateJob }

// NotFoundError is returned when resolving a name that was never registered.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("job %q not found", e.Name)
}

func (e *NotFoundError) ErrorCode() qerr.Code { return qerr.CodeNotFound }

// InvalidSpecError reports a structurally broken JobSpec.
type InvalidSpecError struct {
	Job    string
	Reason string
}

func (e *InvalidSpecError) Error() string {
	if e.Job == "" {
		return "invalid job spec: " + e.Reason
	}
	return fmt.Sprintf("invalid job spec %q: %s", e.Job, e.Reason)
}

func (e *InvalidSpecError) ErrorCode() qerr.Code { return qerr.CodeInvalidSpec }
