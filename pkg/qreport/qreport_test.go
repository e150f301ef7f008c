package qreport

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/quatton/qbatch/pkg/kv"
	"github.com/quatton/qbatch/pkg/qart"
	"github.com/quatton/qbatch/pkg/qengine"
	"github.com/quatton/qbatch/pkg/qerr"
	"github.com/quatton/qbatch/pkg/qrunner"
)

func failedReport() *qengine.RunReport {
	start := time.Date(2026, 10, 19, 7, 0, 0, 0, time.UTC)
	end := start.Add(90 * time.Second)
	exit := 1
	zero := 0
	return &qengine.RunReport{
		RunID:      "0190c2a4-7a3b-7cc0-8000-000000000001",
		Pipeline:   "batch-data-import",
		State:      qengine.StateFailed,
		StartedAt:  start,
		FinishedAt: end,
		Jobs: []qengine.JobReport{
			{Name: "noc", State: qengine.StateSucceeded, StartedAt: &start, FinishedAt: &end, ExitCode: &zero,
				Handle: &qrunner.JobHandle{ID: "qbatch-noc-1234abcd", Job: "noc", Backend: "k8s"}},
			{Name: "fr", State: qengine.StateFailed, StartedAt: &start, FinishedAt: &end, ExitCode: &exit,
				Reason: "container exited with code 1", ErrorCode: qerr.CodeJobFailed},
			{Name: "ie", State: qengine.StateSucceeded},
			{Name: "stop_linker", State: qengine.StateSkipped, Reason: "dependency fr failed"},
		},
		Failed:  []string{"fr"},
		Skipped: []string{"stop_linker"},
	}
}

func TestKVSink_PublishLoadLatest(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()
	sink := NewKVSink(store, time.Hour)

	report := failedReport()
	if err := sink.Publish(ctx, report); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	loaded, err := sink.Load(ctx, report.RunID)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.State != qengine.StateFailed || len(loaded.Jobs) != 4 {
		t.Errorf("unexpected report %+v", loaded)
	}
	if j, _ := loaded.Job("noc"); j.Handle == nil || j.Handle.ID != "qbatch-noc-1234abcd" {
		t.Errorf("handle not preserved: %+v", j)
	}

	latest, err := sink.Latest(ctx, "batch-data-import")
	if err != nil {
		t.Fatalf("Latest failed: %v", err)
	}
	if latest.RunID != report.RunID {
		t.Errorf("expected latest %s, got %s", report.RunID, latest.RunID)
	}

	next := failedReport()
	next.RunID = "second"
	next.State = qengine.StateSucceeded
	if err := sink.Publish(ctx, next); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	latest, _ = sink.Latest(ctx, "batch-data-import")
	if latest.RunID != "second" {
		t.Errorf("latest should move to the newest run, got %s", latest.RunID)
	}
}

func TestKVSink_NotFound(t *testing.T) {
	sink := NewKVSink(kv.NewMemoryStore(), 0)
	if _, err := sink.Load(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := sink.Latest(context.Background(), ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestArchiveSink(t *testing.T) {
	ctx := context.Background()
	store := qart.NewMemoryStore()
	sink := NewArchiveSink(store)

	report := failedReport()
	if err := sink.Publish(ctx, report); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	arts, err := store.List(ctx, "reports/")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(arts) != 1 || arts[0].Key != qart.ReportKey(report.RunID) {
		t.Fatalf("unexpected artifacts %+v", arts)
	}
	if arts[0].Metadata["state"] != "failed" {
		t.Errorf("unexpected metadata %v", arts[0].Metadata)
	}

	loaded, err := sink.Load(ctx, report.RunID)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if strings.Join(loaded.Skipped, ",") != "stop_linker" {
		t.Errorf("unexpected skipped %v", loaded.Skipped)
	}

	if _, err := sink.Load(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMulti_JoinsErrors(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()
	boom := errors.New("bucket unreachable")

	var calls int
	multi := Multi{
		SinkFunc(func(context.Context, *qengine.RunReport) error { calls++; return boom }),
		nil,
		NewKVSink(store, 0),
	}

	err := multi.Publish(ctx, failedReport())
	if !errors.Is(err, boom) {
		t.Fatalf("expected joined error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected failing sink to be called once, got %d", calls)
	}
	if _, err := store.Get(ctx, RunKey(failedReport().RunID)); err != nil {
		t.Errorf("later sinks should still publish: %v", err)
	}
}

func TestToModels(t *testing.T) {
	run, err := toModels(failedReport())
	if err != nil {
		t.Fatalf("toModels failed: %v", err)
	}
	if run.ID != "0190c2a4-7a3b-7cc0-8000-000000000001" || run.State != "failed" || run.Pipeline != "batch-data-import" {
		t.Errorf("unexpected run %+v", run)
	}
	if len(run.Jobs) != 4 {
		t.Fatalf("expected 4 job rows, got %d", len(run.Jobs))
	}
	noc := run.Jobs[0]
	if noc.HandleID != "qbatch-noc-1234abcd" || noc.Backend != "k8s" || noc.RunID != run.ID {
		t.Errorf("unexpected job row %+v", noc)
	}
	if fr := run.Jobs[1]; fr.ErrorCode != "job_failed" || fr.ExitCode == nil || *fr.ExitCode != 1 {
		t.Errorf("unexpected job row %+v", fr)
	}
	if len(run.Report) == 0 {
		t.Error("expected report json")
	}

	empty, _ := toModels(&qengine.RunReport{RunID: "x"})
	if empty.Pipeline != "default" {
		t.Errorf("expected default pipeline, got %s", empty.Pipeline)
	}
}

func TestRender(t *testing.T) {
	var buf bytes.Buffer
	if err := Render(&buf, failedReport()); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	out := buf.String()

	for _, want := range []string{
		"batch-data-import run 0190c2a4-7a3b-7cc0-8000-000000000001 failed (2/4 succeeded, failed: fr, skipped: stop_linker)",
		"JOB",
		"stop_linker",
		"dependency fr failed",
		"1m30s",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}
