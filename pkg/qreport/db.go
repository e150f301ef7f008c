package qreport

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/quatton/qbatch/pkg/db/models"
	"github.com/quatton/qbatch/pkg/qengine"
	"github.com/uptrace/bun"
)

// DBSink records run history in Postgres. Publishing the same run twice
// replaces its rows.
type DBSink struct {
	db *bun.DB
}

func NewDBSink(db *bun.DB) *DBSink {
	return &DBSink{db: db}
}

func (s *DBSink) Publish(ctx context.Context, report *qengine.RunReport) error {
	run, err := toModels(report)
	if err != nil {
		return err
	}

	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		_, err := tx.NewInsert().
			Model(run).
			On("CONFLICT (id) DO UPDATE").
			Set("state = EXCLUDED.state").
			Set("finished_at = EXCLUDED.finished_at").
			Set("failed = EXCLUDED.failed").
			Set("skipped = EXCLUDED.skipped").
			Set("cancelled = EXCLUDED.cancelled").
			Set("presatisfied = EXCLUDED.presatisfied").
			Set("report = EXCLUDED.report").
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("saving run %s: %w", run.ID, err)
		}

		if _, err := tx.NewDelete().
			Model((*models.JobRun)(nil)).
			Where("run_id = ?", run.ID).
			Exec(ctx); err != nil {
			return fmt.Errorf("clearing jobs of run %s: %w", run.ID, err)
		}

		if len(run.Jobs) == 0 {
			return nil
		}
		if _, err := tx.NewInsert().Model(&run.Jobs).Exec(ctx); err != nil {
			return fmt.Errorf("saving jobs of run %s: %w", run.ID, err)
		}
		return nil
	})
}

func (s *DBSink) Load(ctx context.Context, runID string) (*qengine.RunReport, error) {
	run := new(models.Run)
	err := s.db.NewSelect().Model(run).Where("r.id = ?", runID).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var report qengine.RunReport
	if err := json.Unmarshal(run.Report, &report); err != nil {
		return nil, fmt.Errorf("decoding report %s: %w", runID, err)
	}
	return &report, nil
}

// History lists the newest runs of a pipeline, without job rows.
func (s *DBSink) History(ctx context.Context, pipeline string, limit int) ([]models.Run, error) {
	var runs []models.Run
	err := s.db.NewSelect().
		Model(&runs).
		ExcludeColumn("report").
		Where("pipeline = ?", pipelineKey(pipeline)).
		Order("started_at DESC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return runs, nil
}

func toModels(report *qengine.RunReport) (*models.Run, error) {
	data, err := json.Marshal(report)
	if err != nil {
		return nil, fmt.Errorf("encoding report: %w", err)
	}

	run := &models.Run{
		ID:           report.RunID,
		Pipeline:     pipelineKey(report.Pipeline),
		State:        string(report.State),
		StartedAt:    report.StartedAt,
		FinishedAt:   report.FinishedAt,
		Failed:       report.Failed,
		Skipped:      report.Skipped,
		Cancelled:    report.Cancelled,
		Presatisfied: report.Presatisfied,
		Report:       data,
		Jobs:         make([]*models.JobRun, 0, len(report.Jobs)),
	}
	for _, j := range report.Jobs {
		jr := &models.JobRun{
			RunID:      report.RunID,
			Name:       j.Name,
			State:      string(j.State),
			StartedAt:  j.StartedAt,
			FinishedAt: j.FinishedAt,
			Reason:     j.Reason,
			ErrorCode:  string(j.ErrorCode),
			ExitCode:   j.ExitCode,
		}
		if j.Handle != nil {
			jr.HandleID = j.Handle.ID
			jr.Backend = j.Handle.Backend
		}
		run.Jobs = append(run.Jobs, jr)
	}
	return run, nil
}

var (
	_ Sink   = (*DBSink)(nil)
	_ Loader = (*DBSink)(nil)
)
