package pipeline

import (
	"time"

	"github.com/avesa-io/avesa/domain/state"
	"github.com/avesa-io/avesa/domain/transform"
)

// TableStatus is the per-endpoint outcome within one run.
type TableStatus string

const (
	TableSucceeded TableStatus = "succeeded"
	TablePartial   TableStatus = "partial"
	TableFailed    TableStatus = "failed"
)

// TableReport summarizes one endpoint's chunks for one tenant.
type TableReport struct {
	Service         string      `json:"service"`
	Path            string      `json:"path"`
	CanonicalTable  string      `json:"canonical_table"`
	Status          TableStatus `json:"status"`
	ChunksTotal     int         `json:"chunks_total"`
	ChunksSucceeded int         `json:"chunks_succeeded"`
	RecordsWritten  int64       `json:"records_written"`
	Watermark       *time.Time  `json:"watermark,omitempty"`
	Error           string      `json:"error,omitempty"`

	// Blobs feeds the transform stage and never serializes into the
	// persisted job summary.
	Blobs []transform.BlobRef `json:"-"`
}

// TenantReport aggregates one tenant's tables, keyed "service/path".
type TenantReport struct {
	Status state.JobStatus         `json:"status"`
	Tables map[string]*TableReport `json:"per_table"`
	Error  string                  `json:"error,omitempty"`
}

// Report is the job summary persisted on completion and returned to
// the CLI. Its JSON form is what `avesa status` renders.
type Report struct {
	JobID   string                   `json:"job_id"`
	RunKind state.RunKind            `json:"run_kind"`
	Status  state.JobStatus          `json:"status"`
	Tenants map[string]*TenantReport `json:"per_tenant"`
}

// aggregate folds the tenant statuses into the job status: all
// succeeded, all failed, or a mix.
func (r *Report) aggregate() {
	r.Status = foldStatus(len(r.Tenants), func(yield func(state.JobStatus)) {
		for _, tr := range r.Tenants {
			yield(tr.Status)
		}
	})
}

// aggregate folds table statuses into the tenant status.
func (tr *TenantReport) aggregate() {
	tr.Status = foldStatus(len(tr.Tables), func(yield func(state.JobStatus)) {
		for _, t := range tr.Tables {
			switch t.Status {
			case TableSucceeded:
				yield(state.JobStatusSucceeded)
			case TablePartial:
				yield(state.JobStatusPartial)
			default:
				yield(state.JobStatusFailed)
			}
		}
	})
}

// foldStatus reduces child statuses: everything succeeded means
// succeeded, everything failed means failed, anything else is partial.
// No children counts as success (a tenant with no enabled endpoints is
// not an error).
func foldStatus(n int, each func(yield func(state.JobStatus))) state.JobStatus {
	if n == 0 {
		return state.JobStatusSucceeded
	}
	succeeded, failed := 0, 0
	each(func(s state.JobStatus) {
		switch s {
		case state.JobStatusSucceeded:
			succeeded++
		case state.JobStatusFailed:
			failed++
		}
	})
	switch {
	case succeeded == n:
		return state.JobStatusSucceeded
	case failed == n:
		return state.JobStatusFailed
	default:
		return state.JobStatusPartial
	}
}

// ExitCode maps the job status onto the process exit code contract:
// 0 full success, 1 partial, 2 failed or cancelled.
func (r *Report) ExitCode() int {
	switch r.Status {
	case state.JobStatusSucceeded:
		return 0
	case state.JobStatusPartial:
		return 1
	default:
		return 2
	}
}
