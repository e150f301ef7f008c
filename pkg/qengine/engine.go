// Package qengine executes a dependency graph of jobs against a JobRunner.
//
// A single coordinator goroutine owns the RunState. Dispatched jobs run in
// their own goroutines and report back over a channel, so ready-set
// recomputation and skip propagation only ever happen on the coordinator.
package qengine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/quatton/qbatch/pkg/qerr"
	"github.com/quatton/qbatch/pkg/qgraph"
	"github.com/quatton/qbatch/pkg/qjob"
	"github.com/quatton/qbatch/pkg/qlog"
	"github.com/quatton/qbatch/pkg/qrunner"
	"github.com/quatton/qbatch/pkg/qsecret"
)

const (
	DefaultConcurrency = 4
	DefaultJobTimeout  = time.Hour

	// cancelGrace bounds the best-effort Cancel calls made after the run
	// context is already gone.
	cancelGrace = 30 * time.Second
)

// Event describes one state transition, delivered to an Observer.
type Event struct {
	RunID string
	Job   string
	From  State
	To    State
	At    time.Time
}

// Observer is called on the coordinator goroutine for every transition. It
// must not block.
type Observer func(Event)

// Engine runs graphs. It holds configuration only, so one Engine may run
// many graphs, concurrently or not. Options that describe a single run
// (WithRunID, WithPresatisfied) apply to every Run of the Engine; build one
// Engine per run when setting them.
type Engine struct {
	concurrency  int
	jobTimeout   time.Duration
	resolver     qsecret.Resolver
	logger       *qlog.Logger
	now          func() time.Time
	runID        string
	pipeline     string
	presatisfied []string
	observer     Observer
}

type Option func(*Engine)

// WithConcurrency bounds how many jobs may be Running at once.
func WithConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// WithJobTimeout sets the timeout for jobs whose spec has none.
func WithJobTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.jobTimeout = d
		}
	}
}

func WithResolver(r qsecret.Resolver) Option {
	return func(e *Engine) { e.resolver = r }
}

func WithLogger(l *qlog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithRunID fixes the run identifier instead of generating a UUIDv7 per Run.
func WithRunID(id string) Option {
	return func(e *Engine) { e.runID = id }
}

func WithPipeline(name string) Option {
	return func(e *Engine) { e.pipeline = name }
}

// WithPresatisfied records jobs that succeeded in an earlier run and were
// left out of this graph.
func WithPresatisfied(names []string) Option {
	return func(e *Engine) { e.presatisfied = append([]string(nil), names...) }
}

func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

func New(opts ...Option) *Engine {
	e := &Engine{
		concurrency: DefaultConcurrency,
		jobTimeout:  DefaultJobTimeout,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes every job of g exactly once, in dependency order, and returns
// the report. Job failures are recorded in the report; Run only returns an
// error when it cannot start. Cancelling ctx cancels the run.
func (e *Engine) Run(ctx context.Context, g *qgraph.Graph, runner qrunner.JobRunner) (*RunReport, error) {
	if g == nil {
		return nil, errors.New("qengine: nil graph")
	}
	if runner == nil {
		return nil, errors.New("qengine: nil runner")
	}

	runID := e.runID
	if runID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("generating run id: %w", err)
		}
		runID = id.String()
	}

	logger := e.logger
	if logger == nil {
		logger = qlog.FromContext(ctx)
	}

	r := newRun(e, g, runner, runID, logger.With("run_id", runID))
	return r.execute(ctx), nil
}

// outcome is what a dispatch goroutine sends back to the coordinator.
type outcome struct {
	job        string
	handle     *qrunner.JobHandle
	result     *qrunner.Result
	err        error
	cancelled  bool
	startedAt  time.Time
	finishedAt time.Time
}

type run struct {
	e      *Engine
	g      *qgraph.Graph
	runner qrunner.JobRunner
	id     string
	log    *qlog.Logger

	state     *RunState
	jobs      map[string]*JobReport
	position  map[string]int
	remaining map[string]int
	ready     []string
	startedAt time.Time
}

func newRun(e *Engine, g *qgraph.Graph, runner qrunner.JobRunner, id string, log *qlog.Logger) *run {
	names := g.Names()
	r := &run{
		e:         e,
		g:         g,
		runner:    runner,
		id:        id,
		log:       log,
		state:     NewRunState(names),
		jobs:      make(map[string]*JobReport, len(names)),
		position:  make(map[string]int, len(names)),
		remaining: make(map[string]int, len(names)),
	}
	for i, n := range names {
		r.position[n] = i
		r.remaining[n] = len(g.Dependencies(n))
		r.jobs[n] = &JobReport{Name: n, State: StatePending}
	}
	return r
}

func (r *run) execute(ctx context.Context) *RunReport {
	r.startedAt = r.e.now()
	r.log.Info("run started", "jobs", r.g.Len(), "concurrency", r.e.concurrency)

	for _, n := range r.g.Roots() {
		r.markReady(n)
	}

	dispatchCtx, stop := context.WithCancel(ctx)
	defer stop()

	done := make(chan outcome)
	inflight := 0
	cancelled := false

loop:
	for {
		for inflight < r.e.concurrency && len(r.ready) > 0 && ctx.Err() == nil {
			name := r.ready[0]
			r.ready = r.ready[1:]
			r.transition(name, StateRunning)
			inflight++
			go func() { done <- r.dispatch(dispatchCtx, name) }()
		}

		if inflight == 0 && len(r.ready) == 0 {
			break
		}

		select {
		case o := <-done:
			inflight--
			r.complete(o)
		case <-ctx.Done():
			cancelled = true
			break loop
		}
	}

	// A cancelled dispatch may be reported before ctx.Done is selected.
	if !cancelled && ctx.Err() != nil && !r.state.Done() {
		cancelled = true
	}

	if cancelled {
		r.log.Warn("run cancelled", "running", inflight)
		stop()
		r.cancelRemaining()
		for inflight > 0 {
			o := <-done
			inflight--
			r.record(o)
			r.jobs[o.job].ErrorCode = qerr.CodeCancelled
		}
	}

	return r.report(cancelled)
}

// markReady moves a Pending job to Ready and inserts it into the queue in
// topological position.
func (r *run) markReady(name string) {
	r.transition(name, StateReady)
	pos := r.position[name]
	i := sort.Search(len(r.ready), func(i int) bool { return r.position[r.ready[i]] > pos })
	r.ready = append(r.ready, "")
	copy(r.ready[i+1:], r.ready[i:])
	r.ready[i] = name
}

func (r *run) transition(name string, to State) {
	from := r.state.Get(name)
	if err := r.state.Transition(name, to); err != nil {
		r.log.Error("state transition rejected", "job", name, "error", err)
		return
	}
	r.jobs[name].State = to
	if r.e.observer != nil {
		r.e.observer(Event{RunID: r.id, Job: name, From: from, To: to, At: r.e.now()})
	}
}

// dispatch resolves, submits and awaits one job. It runs on its own goroutine
// and never touches run state.
func (r *run) dispatch(ctx context.Context, name string) outcome {
	o := outcome{job: name, startedAt: r.e.now()}

	spec, _ := r.g.Spec(name)
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = r.e.jobTimeout
	}

	req, err := r.request(ctx, spec)
	if err != nil {
		o.err = err
		o.finishedAt = r.e.now()
		return o
	}

	r.log.Info("dispatching job", "job", name, "timeout", timeout)
	h, err := r.runner.Submit(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			o.cancelled = true
		} else {
			o.err = &DispatchError{Job: name, Err: err}
		}
		o.finishedAt = r.e.now()
		return o
	}
	o.handle = h

	awaitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := r.runner.Await(awaitCtx, h, timeout)
	if err != nil && res != nil && res.Status.IsTerminal() {
		// The job finished; the error came from runner cleanup.
		r.log.Warn("runner cleanup failed", "job", name, "status", res.Status, "error", err)
		err = nil
	}
	switch {
	case ctx.Err() != nil:
		o.cancelled = true
		r.cancelJob(h)
	case err == nil && res != nil && res.Status == qrunner.RunStatusSucceeded:
		o.result = res
	case errors.Is(awaitCtx.Err(), context.DeadlineExceeded),
		err == nil && res != nil && res.Status == qrunner.RunStatusTimedOut:
		o.result = res
		o.err = &TimedOutError{Job: name, Timeout: timeout}
		r.cancelJob(h)
	case err != nil:
		o.err = &DispatchError{Job: name, Err: err}
	case res == nil:
		o.err = &DispatchError{Job: name, Err: errors.New("runner returned no result")}
	default:
		o.result = res
		reason := res.Reason
		if reason == "" {
			reason = string(res.Status)
		}
		o.err = &JobFailedError{Job: name, ExitCode: res.ExitCode, Reason: reason}
	}
	o.finishedAt = r.e.now()
	return o
}

// request resolves a spec into a runner request. Secrets are looked up on
// every dispatch.
func (r *run) request(ctx context.Context, spec qjob.JobSpec) (qrunner.JobRequest, error) {
	env := make([]qrunner.EnvVar, 0, len(spec.Env))
	for _, req := range spec.Env {
		if !req.IsSecret() {
			env = append(env, qrunner.EnvVar{Name: req.Name, Value: req.Value})
			continue
		}
		if r.e.resolver == nil {
			return qrunner.JobRequest{}, fmt.Errorf("env %s: %w", req.Name,
				&qsecret.SecretNotFoundError{Ref: *req.Secret, Source: "no resolver configured"})
		}
		v, err := r.e.resolver.Resolve(ctx, *req.Secret)
		if err != nil {
			return qrunner.JobRequest{}, fmt.Errorf("env %s: %w", req.Name, err)
		}
		env = append(env, qrunner.EnvVar{Name: req.Name, Value: v})
	}

	var labels map[string]string
	if len(spec.Labels) > 0 {
		labels = make(map[string]string, len(spec.Labels))
		for k, v := range spec.Labels {
			labels[k] = v
		}
	}

	return qrunner.JobRequest{
		RunID:   r.id,
		Job:     spec.Name,
		Image:   spec.Image,
		Command: append([]string(nil), spec.Command...),
		Env:     env,
		Labels:  labels,
	}, nil
}

func (r *run) cancelJob(h *qrunner.JobHandle) {
	ctx, cancel := context.WithTimeout(context.Background(), cancelGrace)
	defer cancel()
	if err := r.runner.Cancel(ctx, h); err != nil {
		r.log.Warn("cancel failed", "job", h.Job, "error", err)
	}
}

// record copies timing and runner details of an outcome into the job report.
func (r *run) record(o outcome) {
	jr := r.jobs[o.job]
	started, finished := o.startedAt, o.finishedAt
	jr.StartedAt = &started
	jr.FinishedAt = &finished
	jr.Handle = o.handle
	if o.result != nil {
		jr.ExitCode = o.result.ExitCode
		if o.result.StartedAt != nil {
			jr.StartedAt = o.result.StartedAt
		}
		if o.result.FinishedAt != nil {
			jr.FinishedAt = o.result.FinishedAt
		}
	}
	if o.err != nil {
		jr.Reason = o.err.Error()
		jr.ErrorCode = qerr.CodeOf(o.err)
	}
}

func (r *run) complete(o outcome) {
	r.record(o)

	switch {
	case o.cancelled:
		r.jobs[o.job].ErrorCode = qerr.CodeCancelled
		r.transition(o.job, StateCancelled)
		r.log.Warn("job cancelled", "job", o.job)

	case o.err != nil:
		r.transition(o.job, StateFailed)
		r.log.Error("job failed", "job", o.job, "code", r.jobs[o.job].ErrorCode, "error", o.err)
		r.skipDescendants(o.job)

	default:
		r.transition(o.job, StateSucceeded)
		r.log.Info("job succeeded", "job", o.job, "duration", r.jobs[o.job].Duration())
		for _, d := range r.g.Dependents(o.job) {
			r.remaining[d]--
			if r.remaining[d] == 0 && r.state.Get(d) == StatePending {
				r.markReady(d)
			}
		}
	}
}

// skipDescendants marks every non-terminal transitive dependent of a failed
// job as Skipped, breadth-first, in one pass.
func (r *run) skipDescendants(failed string) {
	queue := r.g.Dependents(failed)
	seen := make(map[string]bool)
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		if seen[name] {
			continue
		}
		seen[name] = true

		st := r.state.Get(name)
		if st == StatePending || st == StateReady {
			if st == StateReady {
				r.dequeue(name)
			}
			r.transition(name, StateSkipped)
			r.jobs[name].Reason = fmt.Sprintf("dependency %s failed", failed)
			r.log.Warn("job skipped", "job", name, "failed_dependency", failed)
		}
		queue = append(queue, r.g.Dependents(name)...)
	}
}

func (r *run) dequeue(name string) {
	for i, n := range r.ready {
		if n == name {
			r.ready = append(r.ready[:i], r.ready[i+1:]...)
			return
		}
	}
}

// cancelRemaining moves every non-terminal job to Cancelled. In-flight
// dispatches see their context cancelled and forward Cancel to the runner.
func (r *run) cancelRemaining() {
	r.ready = nil
	for _, n := range r.g.Names() {
		if !r.state.Get(n).IsTerminal() {
			r.transition(n, StateCancelled)
			r.jobs[n].ErrorCode = qerr.CodeCancelled
			if r.jobs[n].Reason == "" {
				r.jobs[n].Reason = "run cancelled"
			}
		}
	}
}

func (r *run) report(cancelled bool) *RunReport {
	rep := &RunReport{
		RunID:        r.id,
		Pipeline:     r.e.pipeline,
		StartedAt:    r.startedAt,
		FinishedAt:   r.e.now(),
		Jobs:         make([]JobReport, 0, r.g.Len()),
		Failed:       r.state.InState(StateFailed),
		Skipped:      r.state.InState(StateSkipped),
		Cancelled:    r.state.InState(StateCancelled),
		Presatisfied: r.e.presatisfied,
	}
	for _, n := range r.g.Names() {
		rep.Jobs = append(rep.Jobs, *r.jobs[n])
	}

	switch {
	case cancelled || len(rep.Cancelled) > 0:
		rep.State = StateCancelled
	case len(rep.Failed) > 0 || len(rep.Skipped) > 0:
		rep.State = StateFailed
	default:
		rep.State = StateSucceeded
	}

	r.log.Info("run finished", "state", rep.State,
		"succeeded", rep.Count(StateSucceeded), "failed", len(rep.Failed), "skipped", len(rep.Skipped))
	return rep
}
