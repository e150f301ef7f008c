// Package qnotify sends run outcomes to a chat webhook.
package qnotify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/quatton/qbatch/pkg/qengine"
	"github.com/quatton/qbatch/pkg/qreport"
)

// Message is the Slack-compatible incoming webhook payload.
type Message struct {
	Text string `json:"text"`
}

// WebhookNotifier posts a message for finished runs. By default only runs
// that did not succeed are announced.
type WebhookNotifier struct {
	url    string
	client *http.Client
	always bool
}

type Option func(*WebhookNotifier)

func WithHTTPClient(c *http.Client) Option {
	return func(n *WebhookNotifier) { n.client = c }
}

// WithAlways also announces successful runs.
func WithAlways(always bool) Option {
	return func(n *WebhookNotifier) { n.always = always }
}

func NewWebhookNotifier(url string, opts ...Option) *WebhookNotifier {
	n := &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Publish lets the notifier sit in a qreport.Multi.
func (n *WebhookNotifier) Publish(ctx context.Context, report *qengine.RunReport) error {
	return n.Notify(ctx, report)
}

func (n *WebhookNotifier) Notify(ctx context.Context, report *qengine.RunReport) error {
	if report.Succeeded() && !n.always {
		return nil
	}

	body, err := json.Marshal(Format(report))
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return nil
}

// Format builds the message for a report: the summary line followed by the
// reason of every failed job.
func Format(report *qengine.RunReport) Message {
	icon := ":white_check_mark:"
	switch report.State {
	case qengine.StateFailed:
		icon = ":red_circle:"
	case qengine.StateCancelled:
		icon = ":octagonal_sign:"
	}

	var b strings.Builder
	b.WriteString(icon + " " + qreport.Summary(report))
	for _, name := range report.Failed {
		j, ok := report.Job(name)
		if !ok || j.Reason == "" {
			continue
		}
		fmt.Fprintf(&b, "\n• %s: %s", name, j.Reason)
	}
	return Message{Text: b.String()}
}

var _ qreport.Sink = (*WebhookNotifier)(nil)
