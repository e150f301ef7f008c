package qnotify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/quatton/qbatch/pkg/qengine"
)

func report(state qengine.State) *qengine.RunReport {
	r := &qengine.RunReport{
		RunID:    "run-7",
		Pipeline: "batch-data-import",
		State:    state,
		Jobs: []qengine.JobReport{
			{Name: "noc", State: qengine.StateSucceeded},
		},
	}
	if state == qengine.StateFailed {
		r.Jobs = append(r.Jobs,
			qengine.JobReport{Name: "ie", State: qengine.StateFailed, Reason: "timed out after 1h0m0s"},
			qengine.JobReport{Name: "stop_linker", State: qengine.StateSkipped},
		)
		r.Failed = []string{"ie"}
		r.Skipped = []string{"stop_linker"}
	}
	return r
}

func TestWebhookNotifier_PostsFailures(t *testing.T) {
	var got Message
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("unexpected request %s %s", r.Method, r.Header.Get("Content-Type"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decoding body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, WithHTTPClient(srv.Client()))
	if err := n.Notify(context.Background(), report(qengine.StateFailed)); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}

	if !strings.HasPrefix(got.Text, ":red_circle: batch-data-import run run-7 failed") {
		t.Errorf("unexpected text %q", got.Text)
	}
	if !strings.Contains(got.Text, "• ie: timed out after 1h0m0s") {
		t.Errorf("expected failure reason in %q", got.Text)
	}
}

func TestWebhookNotifier_SkipsSuccessByDefault(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	quiet := NewWebhookNotifier(srv.URL)
	if err := quiet.Publish(context.Background(), report(qengine.StateSucceeded)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if hits.Load() != 0 {
		t.Fatalf("successful run should not be announced")
	}

	loud := NewWebhookNotifier(srv.URL, WithAlways(true))
	if err := loud.Publish(context.Background(), report(qengine.StateSucceeded)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if hits.Load() != 1 {
		t.Errorf("expected one post, got %d", hits.Load())
	}
}

func TestWebhookNotifier_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid_token", http.StatusForbidden)
	}))
	defer srv.Close()

	err := NewWebhookNotifier(srv.URL).Notify(context.Background(), report(qengine.StateCancelled))
	if err == nil || !strings.Contains(err.Error(), "403") || !strings.Contains(err.Error(), "invalid_token") {
		t.Errorf("expected status error, got %v", err)
	}
}

func TestFormat_Cancelled(t *testing.T) {
	msg := Format(report(qengine.StateCancelled))
	if !strings.HasPrefix(msg.Text, ":octagonal_sign:") {
		t.Errorf("unexpected text %q", msg.Text)
	}
}
