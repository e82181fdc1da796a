package cli

import (
	"fmt"
	"io"
	"sort"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/avesa-io/avesa/domain/pipeline"
	"github.com/avesa-io/avesa/domain/state"
)

// renderReport prints the per-table outcome of a finished run.
func renderReport(w io.Writer, r *pipeline.Report) {
	fmt.Fprintf(w, "job %s (%s): %s\n", r.JobID, r.RunKind, r.Status)
	renderReportTable(w, r)
}

// renderReportTable prints just the per-table rows, shared with the
// status command which prints its own header.
func renderReportTable(w io.Writer, r *pipeline.Report) {
	tbl := table.NewWriter()
	tbl.SetOutputMirror(w)
	tbl.SetStyle(table.StyleLight)
	tbl.AppendHeader(table.Row{"TENANT", "TABLE", "STATUS", "CHUNKS", "RECORDS", "ERROR"})

	var total int64
	for _, tenantID := range sortedKeys(r.Tenants) {
		tr := r.Tenants[tenantID]
		if tr.Error != "" && len(tr.Tables) == 0 {
			tbl.AppendRow(table.Row{tenantID, "", tr.Status, "", "", tr.Error})
			continue
		}
		for _, key := range sortedKeys(tr.Tables) {
			t := tr.Tables[key]
			tbl.AppendRow(table.Row{
				tenantID,
				key,
				t.Status,
				fmt.Sprintf("%d/%d", t.ChunksSucceeded, t.ChunksTotal),
				t.RecordsWritten,
				t.Error,
			})
			total += t.RecordsWritten
		}
	}
	tbl.AppendFooter(table.Row{"", "", "", "", total, ""})
	tbl.Render()
}

// reportOutcome maps the report status onto the exit code contract.
// Success returns nil so the command exits zero.
func reportOutcome(r *pipeline.Report) error {
	switch r.Status {
	case state.JobStatusSucceeded:
		return nil
	case state.JobStatusPartial:
		return exitWith(ExitPartial, "job %s finished partial", r.JobID)
	case state.JobStatusCancelled:
		return exitWith(ExitFailed, "job %s was cancelled", r.JobID)
	default:
		return exitWith(ExitFailed, "job %s failed", r.JobID)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
