// Package state persists the pipeline's execution bookkeeping: jobs,
// chunk progress, and per-table watermarks.
//
// Every write that more than one worker could race on is conditional.
// Watermarks never move backwards, terminal chunks never mutate, and
// claiming a chunk is an atomic ownership transition. Callers branch on
// apperror kinds (Conflict, AlreadyTerminal, NotFound) rather than
// inspecting rows themselves.
package state

import (
	"context"
	"time"
)

// Store is the transactional state layer behind the execution engine.
// SQL is the production implementation; Memory backs the engine tests.
type Store interface {
	// GetWatermark returns the stored watermark for (tenant, table).
	// A missing row reads as the zero time with no error.
	GetWatermark(ctx context.Context, tenantID, tableName string) (time.Time, error)

	// SetWatermark advances the watermark, refusing to move it backwards.
	// A stored value newer than ts returns Conflict and leaves the row
	// untouched.
	SetWatermark(ctx context.Context, tenantID, tableName string, ts time.Time, jobID string) error

	// CreateJob inserts a new job row in pending state.
	CreateJob(ctx context.Context, job *Job) error

	// GetJob returns a job by ID, NotFound when absent.
	GetJob(ctx context.Context, jobID string) (*Job, error)

	// MarkJobRunning transitions pending to running and stamps started_at.
	MarkJobRunning(ctx context.Context, jobID string) error

	// CompleteJob records the terminal status, summary document, and
	// completed_at.
	CompleteJob(ctx context.Context, jobID string, status JobStatus, summary []byte) error

	// ListRecentJobs returns the newest jobs first.
	ListRecentJobs(ctx context.Context, limit int) ([]*Job, error)

	// UpsertChunk creates the chunk row if absent and otherwise leaves the
	// existing row (and its resume state) alone. Upserting over a
	// succeeded chunk returns AlreadyTerminal.
	UpsertChunk(ctx context.Context, chunk *ChunkProgress) error

	// ClaimChunk atomically transitions pending or timed_out to
	// in_progress and increments attempt_count. A chunk owned by another
	// worker returns Conflict; a terminal chunk returns AlreadyTerminal.
	ClaimChunk(ctx context.Context, jobID, chunkID string) (*ChunkProgress, error)

	// MarkChunkSucceeded records the terminal success outcome.
	MarkChunkSucceeded(ctx context.Context, jobID, chunkID string, recordsWritten int64, rawLastUpdatedMax time.Time, blobKey string) error

	// MarkChunkFailed records the terminal failure outcome.
	MarkChunkFailed(ctx context.Context, jobID, chunkID string, lastError string) error

	// MarkChunkTimedOut parks the chunk for one resumption, persisting the
	// cursor to resume from.
	MarkChunkTimedOut(ctx context.Context, jobID, chunkID, resumeCursor string) error

	// ListChunks returns every chunk of a job ordered by window_start.
	ListChunks(ctx context.Context, jobID string) ([]*ChunkProgress, error)

	// ListTableChunks returns a job's chunks for one (tenant, table)
	// ordered by window_start.
	ListTableChunks(ctx context.Context, jobID, tenantID, tableName string) ([]*ChunkProgress, error)

	// RecoverStaleChunks flips in_progress chunks whose updated_at is
	// older than the cutoff to timed_out, reclaiming work abandoned by
	// dead workers. Returns the number of chunks recovered.
	RecoverStaleChunks(ctx context.Context, olderThan time.Duration) (int, error)
}
