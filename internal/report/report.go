// Package report delivers unexpected errors to operators. Reporting is best
// effort: a reporter never fails its caller.
package report

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/clusters/internal/cluster"
)

// Reporter receives errors together with the context they happened in.
type Reporter interface {
	Report(ctx context.Context, err error, scope string, event any, extra map[string]any)
}

// Nop discards every report.
type Nop struct{}

// Report does nothing.
func (Nop) Report(context.Context, error, string, any, map[string]any) {}

// LogReporter writes reports as structured error entries.
type LogReporter struct {
	logger *zap.Logger
}

// NewLogReporter creates a reporter logging to logger.
func NewLogReporter(logger *zap.Logger) *LogReporter {
	return &LogReporter{logger: logger.Named("report")}
}

// Report logs err.
func (r *LogReporter) Report(_ context.Context, err error, scope string, event any, extra map[string]any) {
	fields := []zap.Field{zap.String("scope", scope), zap.Error(err)}
	if event != nil {
		fields = append(fields, zap.Any("event", event))
	}
	if len(extra) > 0 {
		fields = append(fields, zap.Any("extra", extra))
	}
	r.logger.Error("reported error", fields...)
}

// WebhookReporter posts reports as JSON to a webhook (Slack compatible).
type WebhookReporter struct {
	url    string
	client *http.Client
	logger *zap.Logger
	name   string
}

// NewWebhookReporter creates a reporter posting to url. name identifies the
// service in the message text.
func NewWebhookReporter(url, name string, logger *zap.Logger) *WebhookReporter {
	return &WebhookReporter{
		url:    url,
		client: &http.Client{Timeout: 5 * time.Second},
		logger: logger.Named("report"),
		name:   name,
	}
}

// Attachment is one block of a webhook message.
type Attachment struct {
	Title  string         `json:"title"`
	Text   string         `json:"text,omitempty"`
	Fields map[string]any `json:"fields,omitempty"`
}

// Payload is the JSON body posted to the webhook.
type Payload struct {
	Text        string       `json:"text"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Report posts err. Delivery failures are only logged.
func (r *WebhookReporter) Report(ctx context.Context, err error, scope string, event any, extra map[string]any) {
	payload := Payload{
		Text:        "[" + r.name + "] " + scope + ": " + err.Error(),
		Attachments: []Attachment{{Title: "error", Text: err.Error(), Fields: extra}},
	}
	if event != nil {
		payload.Attachments = append(payload.Attachments, Attachment{Title: "event", Fields: map[string]any{"event": event}})
	}
	if perr := cluster.DoJSON(context.WithoutCancel(ctx), r.client, http.MethodPost, r.url, payload, nil); perr != nil {
		r.logger.Warn("webhook report failed", zap.String("scope", scope), zap.Error(perr))
	}
}

// Multi fans a report out to several reporters.
type Multi []Reporter

// Report forwards to every reporter.
func (m Multi) Report(ctx context.Context, err error, scope string, event any, extra map[string]any) {
	for _, r := range m {
		r.Report(ctx, err, scope, event, extra)
	}
}
