package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/avesa-io/avesa/domain/pipeline"
	"github.com/avesa-io/avesa/domain/state"
)

func newStatusCommand() *cobra.Command {
	var (
		jobID string
		limit int
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show job status",
		Long: `Show job status. With --job, prints the job header, its persisted
summary, and a per-chunk table. Without it, lists recent jobs.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tb, err := openToolbox(cmd.Context())
			if err != nil {
				return err
			}
			defer tb.Close()

			out := cmd.OutOrStdout()
			if jobID == "" {
				return renderRecentJobs(cmd, tb, out, limit)
			}
			return renderJob(cmd, tb, out, jobID)
		},
	}

	cmd.Flags().StringVar(&jobID, "job", "", "job identifier")
	cmd.Flags().IntVar(&limit, "limit", 10, "how many recent jobs to list")
	return cmd
}

func renderRecentJobs(cmd *cobra.Command, tb *toolbox, out io.Writer, limit int) error {
	if limit < 1 {
		return usageErrorf("--limit wants a positive integer")
	}

	jobs, err := tb.state.ListRecentJobs(cmd.Context(), limit)
	if err != nil {
		return err
	}

	tbl := table.NewWriter()
	tbl.SetOutputMirror(out)
	tbl.SetStyle(table.StyleLight)
	tbl.AppendHeader(table.Row{"JOB", "KIND", "STATUS", "CREATED", "DURATION", "FILTERS"})
	for _, j := range jobs {
		tbl.AppendRow(table.Row{
			j.ID,
			j.RunKind,
			j.Status,
			j.CreatedAt.Format(time.RFC3339),
			jobDuration(j),
			jobFilters(j),
		})
	}
	tbl.Render()
	return nil
}

func renderJob(cmd *cobra.Command, tb *toolbox, out io.Writer, jobID string) error {
	job, err := tb.state.GetJob(cmd.Context(), jobID)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "job:     %s\n", job.ID)
	fmt.Fprintf(out, "kind:    %s\n", job.RunKind)
	fmt.Fprintf(out, "status:  %s\n", job.Status)
	if filters := jobFilters(job); filters != "" {
		fmt.Fprintf(out, "filters: %s\n", filters)
	}
	fmt.Fprintf(out, "created: %s\n", job.CreatedAt.Format(time.RFC3339))
	if job.StartedAt != nil {
		fmt.Fprintf(out, "started: %s\n", job.StartedAt.Format(time.RFC3339))
	}
	if job.CompletedAt != nil {
		fmt.Fprintf(out, "done:    %s (%s)\n", job.CompletedAt.Format(time.RFC3339), jobDuration(job))
	}

	renderSummary(out, job.Summary)

	chunks, err := tb.state.ListChunks(cmd.Context(), jobID)
	if err != nil {
		return err
	}
	if len(chunks) == 0 {
		return nil
	}

	fmt.Fprintln(out)
	tbl := table.NewWriter()
	tbl.SetOutputMirror(out)
	tbl.SetStyle(table.StyleLight)
	tbl.AppendHeader(table.Row{"CHUNK", "TENANT", "TABLE", "WINDOW", "STATUS", "ATTEMPTS", "RECORDS", "ERROR"})
	for _, c := range chunks {
		tbl.AppendRow(table.Row{
			c.ChunkID,
			c.TenantID,
			c.Service + "/" + c.TableName,
			fmt.Sprintf("%s .. %s",
				c.WindowStart.UTC().Format("2006-01-02T15:04"),
				c.WindowEnd.UTC().Format("2006-01-02T15:04")),
			c.Status,
			c.AttemptCount,
			c.RecordsWritten,
			c.LastError,
		})
	}
	tbl.Render()
	return nil
}

// renderSummary prints the persisted per-tenant rollup. Jobs that
// failed before planning carry an error document instead; print it as
// is.
func renderSummary(out io.Writer, summary []byte) {
	if len(summary) == 0 {
		return
	}

	var report pipeline.Report
	if err := json.Unmarshal(summary, &report); err != nil || len(report.Tenants) == 0 {
		fmt.Fprintf(out, "summary: %s\n", summary)
		return
	}

	fmt.Fprintln(out)
	renderReportTable(out, &report)
}

func jobDuration(j *state.Job) string {
	if j.StartedAt == nil || j.CompletedAt == nil {
		return ""
	}
	return j.CompletedAt.Sub(*j.StartedAt).Round(time.Second).String()
}

func jobFilters(j *state.Job) string {
	switch {
	case j.TenantFilter != "" && j.TableFilter != "":
		return "tenant=" + j.TenantFilter + " table=" + j.TableFilter
	case j.TenantFilter != "":
		return "tenant=" + j.TenantFilter
	case j.TableFilter != "":
		return "table=" + j.TableFilter
	default:
		return ""
	}
}
