// Package runs tracks pipeline runs started through the API so they can be
// listed and cancelled while they execute.
package runs

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/quatton/qbatch/pkg/qengine"
	"github.com/quatton/qbatch/pkg/qlog"
)

var (
	ErrRunActive   = errors.New("a run is already active")
	ErrRunNotFound = errors.New("run not found")
)

type TriggerRequest struct {
	RerunFailed bool
	TriggeredBy string
}

// StartRequest is what the executor receives for one run.
type StartRequest struct {
	RunID       string
	RerunFailed bool
}

// Executor runs the pipeline to completion. It must honour ctx cancellation.
type Executor func(ctx context.Context, req StartRequest) (*qengine.RunReport, error)

type ActiveRun struct {
	RunID       string
	Pipeline    string
	RerunFailed bool
	TriggeredBy string
	StartedAt   time.Time
}

type activeRun struct {
	ActiveRun
	cancel context.CancelFunc
	done   chan struct{}
}

// RunService starts at most one run of its pipeline at a time.
type RunService struct {
	pipeline string
	exec     Executor
	logger   *qlog.Logger

	base   context.Context
	stop   context.CancelFunc
	mu     sync.Mutex
	active map[string]*activeRun
	wg     sync.WaitGroup
}

func NewRunService(pipeline string, exec Executor, logger *qlog.Logger) *RunService {
	if logger == nil {
		logger = qlog.NewDefault()
	}
	base, stop := context.WithCancel(qlog.WithContext(context.Background(), logger))
	return &RunService{
		pipeline: pipeline,
		exec:     exec,
		logger:   logger,
		base:     base,
		stop:     stop,
		active:   make(map[string]*activeRun),
	}
}

func (s *RunService) Pipeline() string {
	return s.pipeline
}

// Trigger starts a run in the background.
func (s *RunService) Trigger(req TriggerRequest) (ActiveRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.base.Err() != nil {
		return ActiveRun{}, errors.New("run service is shutting down")
	}
	if len(s.active) > 0 {
		return ActiveRun{}, ErrRunActive
	}

	id, err := uuid.NewV7()
	if err != nil {
		return ActiveRun{}, err
	}

	ctx, cancel := context.WithCancel(s.base)
	run := &activeRun{
		ActiveRun: ActiveRun{
			RunID:       id.String(),
			Pipeline:    s.pipeline,
			RerunFailed: req.RerunFailed,
			TriggeredBy: req.TriggeredBy,
			StartedAt:   time.Now(),
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.active[run.RunID] = run

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(run.done)
		defer cancel()

		report, err := s.exec(ctx, StartRequest{RunID: run.RunID, RerunFailed: run.RerunFailed})

		s.mu.Lock()
		delete(s.active, run.RunID)
		s.mu.Unlock()

		switch {
		case err != nil:
			s.logger.Error("run failed to execute", "run_id", run.RunID, "error", err)
		case report != nil:
			s.logger.Info("run finished", "run_id", run.RunID, "state", report.State, "triggered_by", run.TriggeredBy)
		}
	}()

	return run.ActiveRun, nil
}

// Cancel stops an active run. The run's report is still produced.
func (s *RunService) Cancel(runID string) error {
	s.mu.Lock()
	run, ok := s.active[runID]
	s.mu.Unlock()
	if !ok {
		return ErrRunNotFound
	}
	s.logger.Warn("cancelling run", "run_id", runID)
	run.cancel()
	return nil
}

// Wait blocks until the run finishes or ctx ends.
func (s *RunService) Wait(ctx context.Context, runID string) error {
	s.mu.Lock()
	run, ok := s.active[runID]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-run.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *RunService) Active() []ActiveRun {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ActiveRun, 0, len(s.active))
	for _, run := range s.active {
		out = append(out, run.ActiveRun)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Shutdown cancels every active run and waits for their reports, or for ctx.
func (s *RunService) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.stop()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
