package qengine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/quatton/qbatch/pkg/qerr"
	"github.com/quatton/qbatch/pkg/qgraph"
	"github.com/quatton/qbatch/pkg/qjob"
	"github.com/quatton/qbatch/pkg/qlog"
	"github.com/quatton/qbatch/pkg/qrunner"
	"github.com/quatton/qbatch/pkg/qsecret"
)

// fakeRunner scripts job outcomes by name. Jobs succeed unless told otherwise.
type fakeRunner struct {
	mu         sync.Mutex
	status     map[string]qrunner.RunStatus
	delay      map[string]time.Duration
	block      map[string]bool
	submitErr  map[string]error
	cleanupErr map[string]error // returned by Await next to the result
	onAwait    map[string]func()
	submitted  []string
	requests   map[string]qrunner.JobRequest
	cancelled  []string
	running    int
	maxRunning int
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		status:    map[string]qrunner.RunStatus{},
		delay:     map[string]time.Duration{},
		block:     map[string]bool{},
		submitErr:  map[string]error{},
		cleanupErr: map[string]error{},
		onAwait:    map[string]func(){},
		requests:   map[string]qrunner.JobRequest{},
	}
}

func (f *fakeRunner) Submit(_ context.Context, req qrunner.JobRequest) (*qrunner.JobHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.submitErr[req.Job]; err != nil {
		return nil, err
	}
	f.submitted = append(f.submitted, req.Job)
	f.requests[req.Job] = req
	return &qrunner.JobHandle{ID: req.RunID + "/" + req.Job, Job: req.Job, Backend: "fake"}, nil
}

func (f *fakeRunner) Await(ctx context.Context, h *qrunner.JobHandle, _ time.Duration) (*qrunner.Result, error) {
	f.mu.Lock()
	f.running++
	if f.running > f.maxRunning {
		f.maxRunning = f.running
	}
	hook := f.onAwait[h.Job]
	delay := f.delay[h.Job]
	block := f.block[h.Job]
	status, ok := f.status[h.Job]
	cleanupErr := f.cleanupErr[h.Job]
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.running--
		f.mu.Unlock()
	}()

	if hook != nil {
		hook()
	}
	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if !ok {
		status = qrunner.RunStatusSucceeded
	}
	res := &qrunner.Result{Status: status}
	if status == qrunner.RunStatusFailed {
		code := 1
		res.ExitCode = &code
		res.Reason = "Error"
	}
	return res, cleanupErr
}

func (f *fakeRunner) Cancel(_ context.Context, h *qrunner.JobHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, h.Job)
	return nil
}

func (f *fakeRunner) submittedJobs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.submitted...)
}

func dataJob(name string) qjob.JobSpec {
	return qjob.JobSpec{
		Name:    name,
		Image:   "ghcr.io/travigo/travigo:main",
		Command: []string{"data-importer", "dataset", "--id", name},
	}
}

// importGraph mirrors the nightly batch: noc -> {ie, fr} -> stop_linker.
func importGraph(t *testing.T, mutate ...func(*qjob.JobSpec)) *qgraph.Graph {
	t.Helper()
	specs := []qjob.JobSpec{dataJob("noc"), dataJob("ie"), dataJob("fr"), dataJob("stop_linker")}
	for i := range specs {
		for _, m := range mutate {
			m(&specs[i])
		}
	}
	g, err := qgraph.Build(specs, []qgraph.Edge{
		{From: "noc", To: "ie"},
		{From: "noc", To: "fr"},
		{From: "ie", To: "stop_linker"},
		{From: "fr", To: "stop_linker"},
	})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	return g
}

func newTestEngine(opts ...Option) *Engine {
	base := []Option{WithLogger(qlog.NewDiscard()), WithRunID("run-1"), WithPipeline("batch-data-import")}
	return New(append(base, opts...)...)
}

func mustRun(t *testing.T, e *Engine, g *qgraph.Graph, r qrunner.JobRunner) *RunReport {
	t.Helper()
	rep, err := e.Run(context.Background(), g, r)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	return rep
}

func assertStates(t *testing.T, rep *RunReport, want map[string]State) {
	t.Helper()
	got := rep.States()
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected job states:\n got  %v\n want %v", got, want)
	}
}

func TestRun_AllSucceed(t *testing.T) {
	runner := newFakeRunner()
	rep := mustRun(t, newTestEngine(WithConcurrency(1)), importGraph(t), runner)

	if rep.State != StateSucceeded || !rep.Succeeded() {
		t.Fatalf("expected succeeded run, got %s", rep.State)
	}
	assertStates(t, rep, map[string]State{
		"noc": StateSucceeded, "ie": StateSucceeded, "fr": StateSucceeded, "stop_linker": StateSucceeded,
	})

	want := []string{"noc", "fr", "ie", "stop_linker"}
	if got := runner.submittedJobs(); !reflect.DeepEqual(got, want) {
		t.Errorf("dispatch order with concurrency 1: got %v want %v", got, want)
	}
	if rep.RunID != "run-1" || rep.Pipeline != "batch-data-import" {
		t.Errorf("unexpected run identity: %s %s", rep.RunID, rep.Pipeline)
	}
	for _, j := range rep.Jobs {
		if j.StartedAt == nil || j.FinishedAt == nil || j.Handle == nil {
			t.Errorf("job %s missing timestamps or handle: %+v", j.Name, j)
		}
	}
	if rep.FinishedAt.Before(rep.StartedAt) {
		t.Errorf("finished before started")
	}
}

func TestRun_RootFailureSkipsDescendants(t *testing.T) {
	runner := newFakeRunner()
	runner.status["noc"] = qrunner.RunStatusFailed

	rep := mustRun(t, newTestEngine(), importGraph(t), runner)

	assertStates(t, rep, map[string]State{
		"noc": StateFailed, "ie": StateSkipped, "fr": StateSkipped, "stop_linker": StateSkipped,
	})
	if rep.State != StateFailed {
		t.Fatalf("expected failed run, got %s", rep.State)
	}
	if !reflect.DeepEqual(rep.Failed, []string{"noc"}) {
		t.Errorf("unexpected failed list %v", rep.Failed)
	}
	if !reflect.DeepEqual(rep.Skipped, []string{"fr", "ie", "stop_linker"}) {
		t.Errorf("unexpected skipped list %v", rep.Skipped)
	}
	if got := runner.submittedJobs(); !reflect.DeepEqual(got, []string{"noc"}) {
		t.Errorf("skipped jobs must never be dispatched, submitted %v", got)
	}

	noc, _ := rep.Job("noc")
	if noc.ErrorCode != qerr.CodeJobFailed || noc.ExitCode == nil || *noc.ExitCode != 1 {
		t.Errorf("unexpected noc record: %+v", noc)
	}
	ie, _ := rep.Job("ie")
	if ie.Reason != "dependency noc failed" {
		t.Errorf("unexpected skip reason %q", ie.Reason)
	}
}

func TestRun_LeafFailure(t *testing.T) {
	runner := newFakeRunner()
	runner.status["stop_linker"] = qrunner.RunStatusFailed

	rep := mustRun(t, newTestEngine(), importGraph(t), runner)

	assertStates(t, rep, map[string]State{
		"noc": StateSucceeded, "ie": StateSucceeded, "fr": StateSucceeded, "stop_linker": StateFailed,
	})
	if rep.State != StateFailed {
		t.Fatalf("expected failed run, got %s", rep.State)
	}
	if len(rep.Skipped) != 0 {
		t.Errorf("nothing should be skipped, got %v", rep.Skipped)
	}
}

func TestRun_DependentsWaitForDependencies(t *testing.T) {
	var mu sync.Mutex
	var events []Event
	observer := func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev)
	}

	runner := newFakeRunner()
	runner.delay["noc"] = 20 * time.Millisecond
	mustRun(t, newTestEngine(WithObserver(observer)), importGraph(t), runner)

	index := func(job string, to State) int {
		for i, ev := range events {
			if ev.Job == job && ev.To == to {
				return i
			}
		}
		t.Fatalf("no %s event for %s", to, job)
		return -1
	}

	nocDone := index("noc", StateSucceeded)
	for _, job := range []string{"ie", "fr"} {
		if index(job, StateRunning) < nocDone {
			t.Errorf("%s dispatched before noc succeeded", job)
		}
	}
	linker := index("stop_linker", StateRunning)
	if linker < index("ie", StateSucceeded) || linker < index("fr", StateSucceeded) {
		t.Errorf("stop_linker dispatched before both parents succeeded")
	}
}

func TestRun_IndependentJobsRunSimultaneously(t *testing.T) {
	g, err := qgraph.Build([]qjob.JobSpec{dataJob("a"), dataJob("b")}, nil)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	aStarted := make(chan struct{})
	bStarted := make(chan struct{})
	overlap := make(chan bool, 2)
	wait := func(self, other chan struct{}) func() {
		return func() {
			close(self)
			select {
			case <-other:
				overlap <- true
			case <-time.After(2 * time.Second):
				overlap <- false
			}
		}
	}

	runner := newFakeRunner()
	runner.onAwait["a"] = wait(aStarted, bStarted)
	runner.onAwait["b"] = wait(bStarted, aStarted)

	rep := mustRun(t, newTestEngine(WithConcurrency(2)), g, runner)
	if !rep.Succeeded() {
		t.Fatalf("expected success, got %s", rep.State)
	}
	if !<-overlap || !<-overlap {
		t.Fatalf("independent jobs were not running at the same time")
	}
}

func TestRun_FailureDoesNotAbortIndependentBranch(t *testing.T) {
	specs := []qjob.JobSpec{dataJob("a"), dataJob("b"), dataJob("c"), dataJob("d")}
	g, err := qgraph.Build(specs, []qgraph.Edge{{From: "a", To: "b"}, {From: "c", To: "d"}})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	runner := newFakeRunner()
	runner.status["a"] = qrunner.RunStatusFailed
	runner.delay["c"] = 30 * time.Millisecond

	rep := mustRun(t, newTestEngine(), g, runner)
	assertStates(t, rep, map[string]State{
		"a": StateFailed, "b": StateSkipped, "c": StateSucceeded, "d": StateSucceeded,
	})
}

func TestRun_ConcurrencyBound(t *testing.T) {
	var specs []qjob.JobSpec
	for i := 0; i < 8; i++ {
		specs = append(specs, dataJob(fmt.Sprintf("job-%d", i)))
	}
	g, err := qgraph.Build(specs, nil)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	runner := newFakeRunner()
	for _, s := range specs {
		runner.delay[s.Name] = 10 * time.Millisecond
	}

	rep := mustRun(t, newTestEngine(WithConcurrency(2)), g, runner)
	if !rep.Succeeded() {
		t.Fatalf("expected success, got %s", rep.State)
	}
	if runner.maxRunning > 2 {
		t.Fatalf("concurrency limit exceeded: %d jobs running at once", runner.maxRunning)
	}
}

func TestRun_Timeout(t *testing.T) {
	runner := newFakeRunner()
	runner.block["noc"] = true

	g := importGraph(t, func(s *qjob.JobSpec) {
		if s.Name == "noc" {
			s.Timeout = 20 * time.Millisecond
		}
	})
	rep := mustRun(t, newTestEngine(), g, runner)

	noc, _ := rep.Job("noc")
	if noc.State != StateFailed || noc.ErrorCode != qerr.CodeTimedOut {
		t.Fatalf("expected timed out failure, got %+v", noc)
	}
	if rep.Count(StateSkipped) != 3 {
		t.Errorf("expected descendants skipped, got %v", rep.States())
	}
	if !reflect.DeepEqual(runner.cancelled, []string{"noc"}) {
		t.Errorf("expected timed out job to be cancelled on the runner, got %v", runner.cancelled)
	}
}

func TestRun_EngineDefaultTimeout(t *testing.T) {
	runner := newFakeRunner()
	runner.block["stop_linker"] = true

	rep := mustRun(t, newTestEngine(WithJobTimeout(20*time.Millisecond)), importGraph(t), runner)
	linker, _ := rep.Job("stop_linker")
	if linker.ErrorCode != qerr.CodeTimedOut {
		t.Fatalf("expected timed_out, got %+v", linker)
	}
}

func TestRun_RunnerReportsTimedOut(t *testing.T) {
	runner := newFakeRunner()
	runner.status["fr"] = qrunner.RunStatusTimedOut

	rep := mustRun(t, newTestEngine(), importGraph(t), runner)
	assertStates(t, rep, map[string]State{
		"noc": StateSucceeded, "ie": StateSucceeded, "fr": StateFailed, "stop_linker": StateSkipped,
	})
	fr, _ := rep.Job("fr")
	if fr.ErrorCode != qerr.CodeTimedOut {
		t.Errorf("expected timed_out code, got %s", fr.ErrorCode)
	}
}

func TestRun_SubmitErrorIsDispatchFailure(t *testing.T) {
	runner := newFakeRunner()
	runner.submitErr["ie"] = errors.New("quota exceeded")

	rep := mustRun(t, newTestEngine(), importGraph(t), runner)
	ie, _ := rep.Job("ie")
	if ie.State != StateFailed || ie.ErrorCode != qerr.CodeDispatch {
		t.Fatalf("expected dispatch failure, got %+v", ie)
	}
	if st := rep.States()["stop_linker"]; st != StateSkipped {
		t.Errorf("expected stop_linker skipped, got %s", st)
	}
}

func TestRun_ResolvesSecretsPerDispatch(t *testing.T) {
	withEnv := func(s *qjob.JobSpec) {
		s.Env = []qjob.EnvRequirement{
			{Name: "TRAVIGO_LOG_FORMAT", Value: "JSON"},
			{Name: "TRAVIGO_REDIS_PASSWORD", Secret: &qjob.SecretRef{Name: "redis-password", Key: "password"}},
		}
	}
	runner := newFakeRunner()
	resolver := qsecret.StaticResolver{"redis-password/password": "hunter2"}

	rep := mustRun(t, newTestEngine(WithResolver(resolver)), importGraph(t, withEnv), runner)
	if !rep.Succeeded() {
		t.Fatalf("expected success, got %v", rep.States())
	}

	req := runner.requests["ie"]
	want := []qrunner.EnvVar{
		{Name: "TRAVIGO_LOG_FORMAT", Value: "JSON"},
		{Name: "TRAVIGO_REDIS_PASSWORD", Value: "hunter2"},
	}
	if !reflect.DeepEqual(req.Env, want) {
		t.Errorf("unexpected env %v", req.Env)
	}
	if req.RunID != "run-1" || req.Job != "ie" || req.Image != "ghcr.io/travigo/travigo:main" {
		t.Errorf("unexpected request %+v", req)
	}
}

func TestRun_MissingSecretFailsJob(t *testing.T) {
	runner := newFakeRunner()
	g := importGraph(t, func(s *qjob.JobSpec) {
		if s.Name == "fr" {
			s.Env = []qjob.EnvRequirement{{Name: "TOKEN", Secret: &qjob.SecretRef{Name: "missing", Key: "token"}}}
		}
	})

	rep := mustRun(t, newTestEngine(WithResolver(qsecret.StaticResolver{})), g, runner)
	assertStates(t, rep, map[string]State{
		"noc": StateSucceeded, "ie": StateSucceeded, "fr": StateFailed, "stop_linker": StateSkipped,
	})
	fr, _ := rep.Job("fr")
	if fr.ErrorCode != qerr.CodeSecretNotFound {
		t.Errorf("expected secret_not_found, got %s", fr.ErrorCode)
	}
	for _, job := range runner.submittedJobs() {
		if job == "fr" {
			t.Errorf("fr must not be submitted without its secrets")
		}
	}
}

func TestRun_Cancel(t *testing.T) {
	runner := newFakeRunner()
	runner.block["noc"] = true

	ctx, cancel := context.WithCancel(context.Background())
	runner.onAwait["noc"] = cancel

	rep, err := newTestEngine().Run(ctx, importGraph(t), runner)
	if err != nil {
		t.Fatalf("cancellation must not be an error: %v", err)
	}
	if rep.State != StateCancelled {
		t.Fatalf("expected cancelled run, got %s", rep.State)
	}
	assertStates(t, rep, map[string]State{
		"noc": StateCancelled, "ie": StateCancelled, "fr": StateCancelled, "stop_linker": StateCancelled,
	})
	if !reflect.DeepEqual(runner.cancelled, []string{"noc"}) {
		t.Errorf("expected cancel forwarded for the running job, got %v", runner.cancelled)
	}
	if len(rep.Failed) != 0 || len(rep.Skipped) != 0 {
		t.Errorf("cancellation must not count as failure: failed=%v skipped=%v", rep.Failed, rep.Skipped)
	}
}

func TestRun_AlreadyCancelledContext(t *testing.T) {
	runner := newFakeRunner()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rep, err := newTestEngine().Run(ctx, importGraph(t), runner)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if rep.State != StateCancelled || rep.Count(StateCancelled) != 4 {
		t.Fatalf("expected every job cancelled, got %v", rep.States())
	}
	if len(runner.submittedJobs()) != 0 {
		t.Errorf("nothing should be dispatched")
	}
}

func TestRun_CompletionOrderDoesNotMatter(t *testing.T) {
	run := func(ieDelay, frDelay time.Duration) map[string]State {
		runner := newFakeRunner()
		runner.status["ie"] = qrunner.RunStatusFailed
		runner.delay["ie"] = ieDelay
		runner.delay["fr"] = frDelay
		return mustRun(t, newTestEngine(), importGraph(t), runner).States()
	}

	first := run(5*time.Millisecond, 30*time.Millisecond)
	second := run(30*time.Millisecond, 5*time.Millisecond)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("completion order changed the outcome:\n%v\n%v", first, second)
	}
}

func TestRun_NilArguments(t *testing.T) {
	e := newTestEngine()
	if _, err := e.Run(context.Background(), nil, newFakeRunner()); err == nil {
		t.Errorf("expected error for nil graph")
	}
	if _, err := e.Run(context.Background(), importGraph(t), nil); err == nil {
		t.Errorf("expected error for nil runner")
	}
}

func TestRun_GeneratesRunID(t *testing.T) {
	rep, err := New(WithLogger(qlog.NewDiscard())).Run(context.Background(), importGraph(t), newFakeRunner())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(rep.RunID) != 36 {
		t.Errorf("expected a UUID run id, got %q", rep.RunID)
	}
}

func TestRun_EmptyGraph(t *testing.T) {
	g, err := qgraph.Build(nil, nil)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	rep := mustRun(t, newTestEngine(), g, newFakeRunner())
	if !rep.Succeeded() || len(rep.Jobs) != 0 {
		t.Fatalf("expected empty successful report, got %+v", rep)
	}
}

// TestRun_RandomGraphs checks termination and skip propagation on random DAGs:
// every job ends terminal, and a job is skipped exactly when one of its
// ancestors failed.
func TestRun_RandomGraphs(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for iter := 0; iter < 40; iter++ {
		n := 2 + rng.Intn(10)
		var specs []qjob.JobSpec
		for i := 0; i < n; i++ {
			specs = append(specs, dataJob(fmt.Sprintf("j%02d", i)))
		}
		var edges []qgraph.Edge
		for i := 0; i < n; i++ {
			for j := i + 1; j < n; j++ {
				if rng.Intn(4) == 0 {
					edges = append(edges, qgraph.Edge{From: specs[i].Name, To: specs[j].Name})
				}
			}
		}
		g, err := qgraph.Build(specs, edges)
		if err != nil {
			t.Fatalf("iteration %d: Build failed: %v", iter, err)
		}

		runner := newFakeRunner()
		failing := map[string]bool{}
		for _, s := range specs {
			if rng.Intn(5) == 0 {
				failing[s.Name] = true
				runner.status[s.Name] = qrunner.RunStatusFailed
			}
			runner.delay[s.Name] = time.Duration(rng.Intn(3)) * time.Millisecond
		}

		rep := mustRun(t, newTestEngine(WithConcurrency(1+rng.Intn(4))), g, runner)
		states := rep.States()
		if len(states) != n {
			t.Fatalf("iteration %d: expected %d jobs in report, got %d", iter, n, len(states))
		}

		for _, name := range g.Names() {
			st := states[name]
			if !st.IsTerminal() {
				t.Fatalf("iteration %d: %s not terminal (%s)", iter, name, st)
			}
			ancestorFailed := false
			for _, a := range g.Ancestors(name) {
				if states[a] == StateFailed {
					ancestorFailed = true
				}
			}
			switch {
			case ancestorFailed && st != StateSkipped:
				t.Fatalf("iteration %d: %s has a failed ancestor but is %s", iter, name, st)
			case !ancestorFailed && st == StateSkipped:
				t.Fatalf("iteration %d: %s skipped without a failed ancestor", iter, name)
			case st == StateFailed && !failing[name]:
				t.Fatalf("iteration %d: %s failed unexpectedly", iter, name)
			case st == StateSucceeded && failing[name]:
				t.Fatalf("iteration %d: %s should have failed", iter, name)
			}
		}
	}
}

func TestRun_CleanupErrorKeepsOutcome(t *testing.T) {
	g := importGraph(t)
	runner := newFakeRunner()
	runner.cleanupErr["noc"] = errors.New("deleting finished job: apiserver unavailable")
	runner.status["ie"] = qrunner.RunStatusFailed
	runner.cleanupErr["ie"] = errors.New("removing container: conflict")

	rep := mustRun(t, newTestEngine(), g, runner)
	assertStates(t, rep, map[string]State{
		"noc":         StateSucceeded,
		"fr":          StateSucceeded,
		"ie":          StateFailed,
		"stop_linker": StateSkipped,
	})
	if ie, _ := rep.Job("ie"); ie.ErrorCode != qerr.CodeJobFailed {
		t.Errorf("ie should fail on its exit status, got code %s (%s)", ie.ErrorCode, ie.Reason)
	}
}

func TestRun_SharedEngineGeneratesIDPerRun(t *testing.T) {
	e := New(WithLogger(qlog.NewDiscard()))
	g := importGraph(t)

	const runs = 4
	ids := make(chan string, runs)
	var wg sync.WaitGroup
	for i := 0; i < runs; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rep, err := e.Run(context.Background(), g, newFakeRunner())
			if err != nil {
				t.Errorf("Run failed: %v", err)
				return
			}
			ids <- rep.RunID
		}()
	}
	wg.Wait()
	close(ids)

	seen := map[string]bool{}
	for id := range ids {
		if seen[id] {
			t.Errorf("run ID %s reused across runs", id)
		}
		seen[id] = true
	}
	if len(seen) != runs {
		t.Errorf("expected %d distinct run IDs, got %d", runs, len(seen))
	}
}
