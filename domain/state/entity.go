package state

import (
	"time"

	"github.com/uptrace/bun"
)

// ------------------------------------------------------------------
// Status and Kind Enums
// ------------------------------------------------------------------

// JobStatus represents the lifecycle state of an orchestrated run
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusPartial   JobStatus = "partial"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusSucceeded, JobStatusPartial, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// RunKind distinguishes how a job was triggered
type RunKind string

const (
	RunKindScheduled RunKind = "scheduled"
	RunKindManual    RunKind = "manual"
	RunKindBackfill  RunKind = "backfill"
)

// ChunkStatus represents the processing state of one window chunk
type ChunkStatus string

const (
	ChunkStatusPending    ChunkStatus = "pending"
	ChunkStatusInProgress ChunkStatus = "in_progress"
	ChunkStatusSucceeded  ChunkStatus = "succeeded"
	ChunkStatusFailed     ChunkStatus = "failed"
	// ChunkStatusTimedOut marks a chunk whose wall-clock budget expired.
	// Unlike failed it may transition back to in_progress exactly once,
	// resuming from the persisted cursor.
	ChunkStatusTimedOut ChunkStatus = "timed_out"
)

// Terminal reports whether the chunk admits no further transitions.
// timed_out is deliberately not terminal.
func (s ChunkStatus) Terminal() bool {
	return s == ChunkStatusSucceeded || s == ChunkStatusFailed
}

// ------------------------------------------------------------------
// Job - one orchestrated run across tenants
// ------------------------------------------------------------------

// Job represents a pipeline run in the jobs table.
type Job struct {
	bun.BaseModel `bun:"table:jobs,alias:j"`

	ID           string     `bun:"job_id,pk,type:uuid"`
	RunKind      RunKind    `bun:"run_kind,notnull"`
	TenantFilter string     `bun:"tenant_filter,notnull,default:''"`
	TableFilter  string     `bun:"table_filter,notnull,default:''"`
	Status       JobStatus  `bun:"status,notnull,default:'pending'"`
	Summary      []byte     `bun:"summary,type:jsonb"`
	CreatedAt    time.Time  `bun:"created_at,notnull,default:now()"`
	StartedAt    *time.Time `bun:"started_at"`
	CompletedAt  *time.Time `bun:"completed_at"`
}

// ------------------------------------------------------------------
// ChunkProgress - one window of one table for one tenant
// ------------------------------------------------------------------

// ChunkProgress tracks a chunk through claim, retries, and completion.
// The chunk ID is deterministic from (tenant, table, window) so a
// replanned window always addresses the same row within a job.
type ChunkProgress struct {
	bun.BaseModel `bun:"table:chunk_progress,alias:cp"`

	JobID             string      `bun:"job_id,pk,type:uuid"`
	ChunkID           string      `bun:"chunk_id,pk"`
	TenantID          string      `bun:"tenant_id,notnull"`
	Service           string      `bun:"service,notnull"`
	TableName         string      `bun:"table_name,notnull"`
	WindowStart       time.Time   `bun:"window_start,notnull"`
	WindowEnd         time.Time   `bun:"window_end,notnull"`
	Status            ChunkStatus `bun:"status,notnull,default:'pending'"`
	AttemptCount      int         `bun:"attempt_count,notnull,default:0"`
	RecordsWritten    int64       `bun:"records_written,notnull,default:0"`
	RawLastUpdatedMax *time.Time  `bun:"raw_last_updated_max"`
	ResumeCursor      string      `bun:"resume_cursor,notnull,default:''"`
	BlobKey           string      `bun:"blob_key,notnull,default:''"`
	LastError         string      `bun:"last_error,notnull,default:''"`
	CreatedAt         time.Time   `bun:"created_at,notnull,default:now()"`
	UpdatedAt         time.Time   `bun:"updated_at,notnull,default:now()"`
}

// ------------------------------------------------------------------
// Watermark - incremental sync position per (tenant, table)
// ------------------------------------------------------------------

// Watermark records the highest last_updated timestamp durably ingested.
// Raw watermarks key by endpoint path ("company/companies"); canonical
// watermarks key by canonical table name ("companies").
type Watermark struct {
	bun.BaseModel `bun:"table:watermarks,alias:wm"`

	TenantID            string    `bun:"tenant_id,pk"`
	TableName           string    `bun:"table_name,pk"`
	LastUpdatedTS       time.Time `bun:"last_updated_ts,notnull"`
	LastSuccessfulJobID string    `bun:"last_successful_job_id,type:uuid,nullzero"`
	UpdatedAt           time.Time `bun:"updated_at,notnull,default:now()"`
}
