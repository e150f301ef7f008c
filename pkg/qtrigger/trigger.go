// Package qtrigger starts pipeline runs on a cron cadence. Missed ticks are
// never backfilled, and a lock in the KV store keeps overlapping triggers
// (two replicas, or a manual trigger during a scheduled run) from running the
// pipeline twice.
package qtrigger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/quatton/qbatch/pkg/kv"
	"github.com/quatton/qbatch/pkg/qengine"
	"github.com/quatton/qbatch/pkg/qlog"
	"github.com/robfig/cron/v3"
)

const DefaultLockTTL = 6 * time.Hour

// ErrLocked is returned by Fire when another trigger holds the pipeline lock.
var ErrLocked = errors.New("qtrigger: pipeline is already running")

// RunFunc executes the pipeline once.
type RunFunc func(ctx context.Context) (*qengine.RunReport, error)

type Trigger struct {
	pipeline string
	spec     string
	schedule cron.Schedule
	run      RunFunc
	locks    kv.Store
	lockTTL  time.Duration
	location *time.Location
	logger   *qlog.Logger
	owner    string
}

type Option func(*Trigger)

// WithLocks enables the distributed lock. Without a store Fire never
// contends.
func WithLocks(store kv.Store) Option {
	return func(t *Trigger) { t.locks = store }
}

// WithLockTTL bounds how long a crashed holder blocks the pipeline.
func WithLockTTL(d time.Duration) Option {
	return func(t *Trigger) { t.lockTTL = d }
}

func WithLocation(loc *time.Location) Option {
	return func(t *Trigger) { t.location = loc }
}

func WithLogger(l *qlog.Logger) Option {
	return func(t *Trigger) { t.logger = l }
}

// New parses a standard five-field cron expression (descriptors such as
// @daily are accepted too).
func New(pipeline, spec string, run RunFunc, opts ...Option) (*Trigger, error) {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", spec, err)
	}

	t := &Trigger{
		pipeline: pipeline,
		spec:     spec,
		schedule: schedule,
		run:      run,
		lockTTL:  DefaultLockTTL,
		location: time.UTC,
		logger:   qlog.NewDefault(),
		owner:    lockOwner(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// LockKey is the KV key guarding a pipeline.
func LockKey(pipeline string) string {
	return "trigger:lock:" + pipeline
}

// Next returns the first tick strictly after from.
func (t *Trigger) Next(from time.Time) time.Time {
	return t.schedule.Next(from.In(t.location))
}

// Fire runs the pipeline now if no other trigger holds its lock.
func (t *Trigger) Fire(ctx context.Context) (*qengine.RunReport, error) {
	if t.locks == nil {
		return t.run(ctx)
	}
	return t.Lock().Do(ctx, t.run)
}

// Lock returns the pipeline lock this trigger contends on, so runs started
// elsewhere in the process (the API) exclude scheduled ones. It is nil
// without WithLocks.
func (t *Trigger) Lock() *Lock {
	if t.locks == nil {
		return nil
	}
	return &Lock{store: t.locks, pipeline: t.pipeline, owner: t.owner, ttl: t.lockTTL, logger: t.logger}
}

// Start fires on every tick until ctx is cancelled, then waits for an
// in-flight run to return. A tick that arrives while the previous run is still
// going is dropped.
func (t *Trigger) Start(ctx context.Context) error {
	c := cron.New(
		cron.WithLocation(t.location),
		cron.WithLogger(cronLogger{t.logger}),
		cron.WithChain(cron.Recover(cronLogger{t.logger}), cron.SkipIfStillRunning(cronLogger{t.logger})),
	)
	c.Schedule(t.schedule, cron.FuncJob(func() { t.tick(ctx) }))

	t.logger.Info("schedule started", "pipeline", t.pipeline, "schedule", t.spec, "next", t.Next(time.Now()).Format(time.RFC3339))
	c.Start()

	<-ctx.Done()
	<-c.Stop().Done()
	t.logger.Info("schedule stopped", "pipeline", t.pipeline)
	return nil
}

func (t *Trigger) tick(ctx context.Context) {
	report, err := t.Fire(ctx)
	switch {
	case errors.Is(err, ErrLocked):
		t.logger.Warn("skipping tick, pipeline already running", "pipeline", t.pipeline)
	case err != nil:
		t.logger.Error("scheduled run failed", "pipeline", t.pipeline, "error", err)
	default:
		t.logger.Info("scheduled run finished", "pipeline", t.pipeline, "run_id", report.RunID, "state", report.State)
	}
}

// cronLogger adapts qlog to cron.Logger.
type cronLogger struct {
	l *qlog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error(msg, append(keysAndValues, "error", err)...)
}
