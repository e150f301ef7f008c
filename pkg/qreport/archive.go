package qreport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/quatton/qbatch/pkg/qart"
	"github.com/quatton/qbatch/pkg/qengine"
)

// ArchiveSink uploads reports to reports/<run-id>/report.json in the artifact
// store, next to the job logs the local runner uploads.
type ArchiveSink struct {
	store qart.Store
}

func NewArchiveSink(store qart.Store) *ArchiveSink {
	return &ArchiveSink{store: store}
}

func (s *ArchiveSink) Publish(ctx context.Context, report *qengine.RunReport) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}
	metadata := map[string]string{
		"run-id":   report.RunID,
		"pipeline": pipelineKey(report.Pipeline),
		"state":    string(report.State),
	}
	if _, err := s.store.Upload(ctx, qart.ReportKey(report.RunID), bytes.NewReader(data), "application/json", metadata); err != nil {
		return fmt.Errorf("uploading report %s: %w", report.RunID, err)
	}
	return nil
}

func (s *ArchiveSink) Load(ctx context.Context, runID string) (*qengine.RunReport, error) {
	rc, err := s.store.Download(ctx, qart.ReportKey(runID))
	if errors.Is(err, qart.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", qart.ReportKey(runID), ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var report qengine.RunReport
	if err := json.NewDecoder(rc).Decode(&report); err != nil {
		return nil, fmt.Errorf("decoding report %s: %w", runID, err)
	}
	return &report, nil
}

var (
	_ Sink   = (*ArchiveSink)(nil)
	_ Loader = (*ArchiveSink)(nil)
)
