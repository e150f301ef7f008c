package qgraph

import (
	"fmt"
	"strings"

	"github.com/quatton/qbatch/pkg/qerr"
)

// UnknownJobError reports an edge or selection that names an unregistered job.
type UnknownJobError struct {
	Job       string // job holding the reference, empty for selections
	Reference string
}

func (e *UnknownJobError) Error() string {
	if e.Job == "" {
		return fmt.Sprintf("unknown job %q", e.Reference)
	}
	return fmt.Sprintf("job %q references unknown job %q", e.Job, e.Reference)
}

func (e *UnknownJobError) ErrorCode() qerr.Code { return qerr.CodeUnknownJob }

// CycleError names one dependency cycle. The first job is repeated at the end.
type CycleError struct {
	Cycle []string
}

func (e *CycleError) Error() string {
	return "dependency cycle: " + strings.Join(e.Cycle, " -> ")
}

func (e *CycleError) ErrorCode() qerr.Code { return qerr.CodeCycle }
