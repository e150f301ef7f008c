package batch

import (
	"context"
	"errors"

	"github.com/quatton/qbatch/pkg/db/models"
	"github.com/quatton/qbatch/pkg/qengine"
	"github.com/quatton/qbatch/pkg/qreport"
)

// Load finds a report by run ID. The KV copy expires, so older runs fall
// back to the archive and then the history database.
func (s *Service) Load(ctx context.Context, runID string) (*qengine.RunReport, error) {
	loaders := []qreport.Loader{s.reports}
	if s.artifacts != nil {
		loaders = append(loaders, qreport.NewArchiveSink(s.artifacts))
	}
	if s.database != nil {
		loaders = append(loaders, qreport.NewDBSink(s.database))
	}

	for _, l := range loaders {
		report, err := l.Load(ctx, runID)
		if err == nil {
			return report, nil
		}
		if !errors.Is(err, qreport.ErrNotFound) {
			return nil, err
		}
	}
	return nil, qreport.ErrNotFound
}

// Latest returns the most recent report of pipeline.
func (s *Service) Latest(ctx context.Context, pipeline string) (*qengine.RunReport, error) {
	return s.reports.Latest(ctx, pipeline)
}

// History lists past runs from the database, newest first.
func (s *Service) History(ctx context.Context, limit int) ([]models.Run, error) {
	if s.database == nil {
		return nil, errors.New("run history requires DB_ENABLED=true")
	}
	return qreport.NewDBSink(s.database).History(ctx, s.Pipeline.Name, limit)
}
