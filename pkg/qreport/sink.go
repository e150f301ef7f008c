// Package qreport publishes RunReports to the collaborators that consume them:
// the KV store for quick lookups and reruns, the artifact store for archival and
// Postgres for run history.
package qreport

import (
	"context"
	"errors"
	"fmt"

	"github.com/quatton/qbatch/pkg/qengine"
)

// ErrNotFound is returned when no report is stored under a key.
var ErrNotFound = errors.New("qreport: report not found")

// Sink receives finished run reports.
type Sink interface {
	Publish(ctx context.Context, report *qengine.RunReport) error
}

// Loader reads reports back.
type Loader interface {
	Load(ctx context.Context, runID string) (*qengine.RunReport, error)
}

// Multi publishes to every sink and joins their errors. A failing sink does
// not stop the others.
type Multi []Sink

func (m Multi) Publish(ctx context.Context, report *qengine.RunReport) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Publish(ctx, report); err != nil {
			errs = append(errs, fmt.Errorf("%T: %w", s, err))
		}
	}
	return errors.Join(errs...)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, report *qengine.RunReport) error

func (f SinkFunc) Publish(ctx context.Context, report *qengine.RunReport) error {
	return f(ctx, report)
}

func pipelineKey(pipeline string) string {
	if pipeline == "" {
		return "default"
	}
	return pipeline
}
