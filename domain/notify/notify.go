// Package notify delivers job completion summaries. Every completed
// run is logged; when Mailgun is configured the summary also goes out
// by email. Delivery failures are logged and dropped, never surfaced
// into job status.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"text/template"

	"github.com/avesa-io/avesa/domain/pipeline"
	"github.com/avesa-io/avesa/internal/config"
	"github.com/avesa-io/avesa/pkg/logger"
)

// summaryText renders the operator-facing run summary. Template map
// iteration is key-sorted, so the rendering is deterministic.
const summaryText = `Ingestion run {{.JobID}} finished with status {{.Status}}.

Run kind: {{.RunKind}}
{{- range $tenantID, $tenant := .Tenants}}

Tenant {{$tenantID}}: {{$tenant.Status}}
{{- if $tenant.Error}}
  error: {{$tenant.Error}}
{{- end}}
{{- range $table, $report := $tenant.Tables}}
  {{$table}}: {{$report.Status}}, {{$report.RecordsWritten}} records in {{$report.ChunksSucceeded}}/{{$report.ChunksTotal}} chunks
{{- if $report.Error}}
    error: {{$report.Error}}
{{- end}}
{{- end}}
{{- end}}
`

var summaryTemplate = template.Must(template.New("summary").Parse(summaryText))

// JobNotifier is the production pipeline.Notifier: structured log
// always, email when a sender is configured.
type JobNotifier struct {
	sender Sender
	to     string
	log    *slog.Logger
}

var _ pipeline.Notifier = (*JobNotifier)(nil)

// NewNotifier builds the completion notifier. Without Mailgun settings
// it degrades to log-only.
func NewNotifier(cfg *config.Config, log *slog.Logger) pipeline.Notifier {
	n := &JobNotifier{
		to:  cfg.Notify.ToEmail,
		log: log.With(logger.Scope("notify")),
	}
	if sender := NewMailgunSender(&cfg.Notify, log); sender != nil {
		n.sender = sender
		n.log.Info("job notifications go out by email",
			slog.String("domain", cfg.Notify.MailgunDomain),
			slog.String("to", cfg.Notify.ToEmail))
	}
	return n
}

// NotifyJobCompleted logs the run outcome and mails the summary.
func (n *JobNotifier) NotifyJobCompleted(ctx context.Context, report *pipeline.Report) {
	n.log.Info("job completed",
		slog.String("job_id", report.JobID),
		slog.String("run_kind", string(report.RunKind)),
		slog.String("status", string(report.Status)),
		slog.Int("tenants", len(report.Tenants)))

	if n.sender == nil {
		return
	}

	body, err := RenderSummary(report)
	if err != nil {
		n.log.Error("failed to render job summary",
			slog.String("job_id", report.JobID), logger.Error(err))
		return
	}

	subject := fmt.Sprintf("avesa %s run %s", report.RunKind, report.Status)
	if err := n.sender.Send(ctx, n.to, subject, body); err != nil {
		n.log.Error("failed to send job summary",
			slog.String("job_id", report.JobID), logger.Error(err))
	}
}

// RenderSummary produces the plain-text body of the completion email.
func RenderSummary(report *pipeline.Report) (string, error) {
	var b strings.Builder
	if err := summaryTemplate.Execute(&b, report); err != nil {
		return "", err
	}
	return b.String(), nil
}
