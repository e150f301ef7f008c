package qreport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/quatton/qbatch/pkg/kv"
	"github.com/quatton/qbatch/pkg/qengine"
)

const DefaultReportTTL = 30 * 24 * time.Hour

// KVSink keeps each report under reports:run:<id> and the newest report of a
// pipeline under reports:latest:<pipeline>.
type KVSink struct {
	store kv.Store
	ttl   time.Duration
}

// NewKVSink stores reports with ttl; zero keeps them forever.
func NewKVSink(store kv.Store, ttl time.Duration) *KVSink {
	return &KVSink{store: store, ttl: ttl}
}

func RunKey(runID string) string {
	return "reports:run:" + runID
}

func LatestKey(pipeline string) string {
	return "reports:latest:" + pipelineKey(pipeline)
}

func (s *KVSink) Publish(ctx context.Context, report *qengine.RunReport) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}
	if err := s.store.Set(ctx, RunKey(report.RunID), data, s.ttl); err != nil {
		return fmt.Errorf("storing report %s: %w", report.RunID, err)
	}
	if err := s.store.Set(ctx, LatestKey(report.Pipeline), data, s.ttl); err != nil {
		return fmt.Errorf("storing latest report of %s: %w", pipelineKey(report.Pipeline), err)
	}
	return nil
}

// Load returns the report of one run.
func (s *KVSink) Load(ctx context.Context, runID string) (*qengine.RunReport, error) {
	return s.get(ctx, RunKey(runID))
}

// Latest returns the newest report of a pipeline.
func (s *KVSink) Latest(ctx context.Context, pipeline string) (*qengine.RunReport, error) {
	return s.get(ctx, LatestKey(pipeline))
}

func (s *KVSink) get(ctx context.Context, key string) (*qengine.RunReport, error) {
	data, err := s.store.Get(ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var report qengine.RunReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", key, err)
	}
	return &report, nil
}

var (
	_ Sink   = (*KVSink)(nil)
	_ Loader = (*KVSink)(nil)
)
