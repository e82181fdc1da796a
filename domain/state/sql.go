package state

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/uptrace/bun"

	"github.com/avesa-io/avesa/pkg/apperror"
	"github.com/avesa-io/avesa/pkg/logger"
)

// SQL is the Postgres-backed Store.
type SQL struct {
	db  *bun.DB
	log *slog.Logger
}

var _ Store = (*SQL)(nil)

// NewSQL creates the Postgres state store.
func NewSQL(db *bun.DB, log *slog.Logger) *SQL {
	return &SQL{
		db:  db,
		log: log.With(logger.Scope("state")),
	}
}

// ------------------------------------------------------------------
// Watermarks
// ------------------------------------------------------------------

func (s *SQL) GetWatermark(ctx context.Context, tenantID, tableName string) (time.Time, error) {
	wm := &Watermark{}
	err := s.db.NewSelect().
		Model(wm).
		Where("tenant_id = ?", tenantID).
		Where("table_name = ?", tableName).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, nil
		}
		return time.Time{}, err
	}
	return wm.LastUpdatedTS, nil
}

func (s *SQL) SetWatermark(ctx context.Context, tenantID, tableName string, ts time.Time, jobID string) error {
	wm := &Watermark{
		TenantID:            tenantID,
		TableName:           tableName,
		LastUpdatedTS:       ts,
		LastSuccessfulJobID: jobID,
		UpdatedAt:           time.Now(),
	}

	// The WHERE guard on the conflict update makes the advance
	// conditional: a concurrent higher watermark wins and we see zero
	// rows affected.
	res, err := s.db.NewInsert().
		Model(wm).
		On("CONFLICT (tenant_id, table_name) DO UPDATE").
		Set("last_updated_ts = EXCLUDED.last_updated_ts").
		Set("last_successful_job_id = EXCLUDED.last_successful_job_id").
		Set("updated_at = EXCLUDED.updated_at").
		Where("wm.last_updated_ts <= EXCLUDED.last_updated_ts").
		Exec(ctx)
	if err != nil {
		return err
	}

	rowsAffected, _ := res.RowsAffected()
	if rowsAffected == 0 {
		return apperror.Newf(apperror.KindConflict,
			"watermark for %s/%s already ahead of %s", tenantID, tableName, ts.UTC().Format(time.RFC3339))
	}
	return nil
}

// ------------------------------------------------------------------
// Jobs
// ------------------------------------------------------------------

func (s *SQL) CreateJob(ctx context.Context, job *Job) error {
	if job.Status == "" {
		job.Status = JobStatusPending
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	_, err := s.db.NewInsert().Model(job).Exec(ctx)
	if err != nil {
		return err
	}
	s.log.Debug("created job",
		slog.String("job_id", job.ID),
		slog.String("run_kind", string(job.RunKind)))
	return nil
}

func (s *SQL) GetJob(ctx context.Context, jobID string) (*Job, error) {
	job := &Job{}
	err := s.db.NewSelect().
		Model(job).
		Where("job_id = ?", jobID).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NewNotFound("job", jobID)
		}
		return nil, err
	}
	return job, nil
}

func (s *SQL) MarkJobRunning(ctx context.Context, jobID string) error {
	now := time.Now()
	_, err := s.db.NewUpdate().
		Model((*Job)(nil)).
		Set("status = ?", JobStatusRunning).
		Set("started_at = COALESCE(started_at, ?)", now).
		Where("job_id = ?", jobID).
		Exec(ctx)
	return err
}

func (s *SQL) CompleteJob(ctx context.Context, jobID string, status JobStatus, summary []byte) error {
	now := time.Now()
	_, err := s.db.NewUpdate().
		Model((*Job)(nil)).
		Set("status = ?", status).
		Set("summary = ?", summary).
		Set("completed_at = ?", now).
		Where("job_id = ?", jobID).
		Exec(ctx)
	if err != nil {
		return err
	}

	s.log.Info("job completed",
		slog.String("job_id", jobID),
		slog.String("status", string(status)))
	return nil
}

func (s *SQL) ListRecentJobs(ctx context.Context, limit int) ([]*Job, error) {
	var jobs []*Job
	err := s.db.NewSelect().
		Model(&jobs).
		OrderExpr("created_at DESC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

// ------------------------------------------------------------------
// Chunks
// ------------------------------------------------------------------

func (s *SQL) UpsertChunk(ctx context.Context, chunk *ChunkProgress) error {
	now := time.Now()
	if chunk.Status == "" {
		chunk.Status = ChunkStatusPending
	}
	if chunk.CreatedAt.IsZero() {
		chunk.CreatedAt = now
	}
	chunk.UpdatedAt = now

	// DO NOTHING keeps the existing row's attempt and resume state;
	// replanning a window must never reset progress.
	res, err := s.db.NewInsert().
		Model(chunk).
		On("CONFLICT (job_id, chunk_id) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return err
	}

	rowsAffected, _ := res.RowsAffected()
	if rowsAffected > 0 {
		return nil
	}

	existing := &ChunkProgress{}
	err = s.db.NewSelect().
		Model(existing).
		Where("job_id = ?", chunk.JobID).
		Where("chunk_id = ?", chunk.ChunkID).
		Scan(ctx)
	if err != nil {
		return err
	}
	if existing.Status == ChunkStatusSucceeded {
		return apperror.ErrAlreadyTerminal.WithDetails(map[string]any{
			"job_id":   chunk.JobID,
			"chunk_id": chunk.ChunkID,
		})
	}
	return nil
}

func (s *SQL) ClaimChunk(ctx context.Context, jobID, chunkID string) (*ChunkProgress, error) {
	chunk := &ChunkProgress{}

	err := s.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		err := tx.NewSelect().
			Model(chunk).
			Where("job_id = ?", jobID).
			Where("chunk_id = ?", chunkID).
			For("UPDATE SKIP LOCKED").
			Scan(ctx)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				// Either the row is locked by another claimer or it was
				// never planned; both mean this worker must not run it.
				return apperror.Newf(apperror.KindConflict, "chunk %s unavailable for claim", chunkID)
			}
			return err
		}

		switch chunk.Status {
		case ChunkStatusSucceeded, ChunkStatusFailed:
			return apperror.ErrAlreadyTerminal.WithDetails(map[string]any{
				"chunk_id": chunkID,
				"status":   string(chunk.Status),
			})
		case ChunkStatusInProgress:
			return apperror.Newf(apperror.KindConflict, "chunk %s already in progress", chunkID)
		}

		now := time.Now()
		chunk.Status = ChunkStatusInProgress
		chunk.AttemptCount++
		chunk.UpdatedAt = now

		_, err = tx.NewUpdate().
			Model((*ChunkProgress)(nil)).
			Set("status = ?", ChunkStatusInProgress).
			Set("attempt_count = ?", chunk.AttemptCount).
			Set("updated_at = ?", now).
			Where("job_id = ?", jobID).
			Where("chunk_id = ?", chunkID).
			Exec(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	return chunk, nil
}

func (s *SQL) MarkChunkSucceeded(ctx context.Context, jobID, chunkID string, recordsWritten int64, rawLastUpdatedMax time.Time, blobKey string) error {
	now := time.Now()
	res, err := s.db.NewUpdate().
		Model((*ChunkProgress)(nil)).
		Set("status = ?", ChunkStatusSucceeded).
		Set("records_written = ?", recordsWritten).
		Set("raw_last_updated_max = ?", rawLastUpdatedMax).
		Set("blob_key = ?", blobKey).
		Set("last_error = ''").
		Set("updated_at = ?", now).
		Where("job_id = ?", jobID).
		Where("chunk_id = ?", chunkID).
		Where("status = ?", ChunkStatusInProgress).
		Exec(ctx)
	if err != nil {
		return err
	}

	rowsAffected, _ := res.RowsAffected()
	if rowsAffected == 0 {
		return apperror.Newf(apperror.KindConflict, "chunk %s not in progress", chunkID)
	}
	return nil
}

func (s *SQL) MarkChunkFailed(ctx context.Context, jobID, chunkID string, lastError string) error {
	now := time.Now()
	res, err := s.db.NewUpdate().
		Model((*ChunkProgress)(nil)).
		Set("status = ?", ChunkStatusFailed).
		Set("last_error = ?", truncateError(lastError)).
		Set("updated_at = ?", now).
		Where("job_id = ?", jobID).
		Where("chunk_id = ?", chunkID).
		Where("status = ?", ChunkStatusInProgress).
		Exec(ctx)
	if err != nil {
		return err
	}

	rowsAffected, _ := res.RowsAffected()
	if rowsAffected == 0 {
		return apperror.Newf(apperror.KindConflict, "chunk %s not in progress", chunkID)
	}

	s.log.Warn("chunk failed",
		slog.String("job_id", jobID),
		slog.String("chunk_id", chunkID),
		slog.String("error", truncateError(lastError)))
	return nil
}

func (s *SQL) MarkChunkTimedOut(ctx context.Context, jobID, chunkID, resumeCursor string) error {
	now := time.Now()
	res, err := s.db.NewUpdate().
		Model((*ChunkProgress)(nil)).
		Set("status = ?", ChunkStatusTimedOut).
		Set("resume_cursor = ?", resumeCursor).
		Set("updated_at = ?", now).
		Where("job_id = ?", jobID).
		Where("chunk_id = ?", chunkID).
		Where("status = ?", ChunkStatusInProgress).
		Exec(ctx)
	if err != nil {
		return err
	}

	rowsAffected, _ := res.RowsAffected()
	if rowsAffected == 0 {
		return apperror.Newf(apperror.KindConflict, "chunk %s not in progress", chunkID)
	}

	s.log.Warn("chunk timed out",
		slog.String("job_id", jobID),
		slog.String("chunk_id", chunkID),
		slog.Bool("has_resume_cursor", resumeCursor != ""))
	return nil
}

func (s *SQL) ListChunks(ctx context.Context, jobID string) ([]*ChunkProgress, error) {
	var chunks []*ChunkProgress
	err := s.db.NewSelect().
		Model(&chunks).
		Where("job_id = ?", jobID).
		OrderExpr("window_start ASC, chunk_id ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return chunks, nil
}

func (s *SQL) ListTableChunks(ctx context.Context, jobID, tenantID, tableName string) ([]*ChunkProgress, error) {
	var chunks []*ChunkProgress
	err := s.db.NewSelect().
		Model(&chunks).
		Where("job_id = ?", jobID).
		Where("tenant_id = ?", tenantID).
		Where("table_name = ?", tableName).
		OrderExpr("window_start ASC, chunk_id ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return chunks, nil
}

func (s *SQL) RecoverStaleChunks(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)

	res, err := s.db.NewUpdate().
		Model((*ChunkProgress)(nil)).
		Set("status = ?", ChunkStatusTimedOut).
		Set("updated_at = ?", time.Now()).
		Where("status = ?", ChunkStatusInProgress).
		Where("updated_at < ?", cutoff).
		Exec(ctx)
	if err != nil {
		return 0, err
	}

	rowsAffected, _ := res.RowsAffected()
	if rowsAffected > 0 {
		s.log.Info("recovered stale chunks", slog.Int64("count", rowsAffected))
	}
	return int(rowsAffected), nil
}

// truncateError truncates error messages to a reasonable length
func truncateError(msg string) string {
	const maxLen = 1000
	if len(msg) <= maxLen {
		return msg
	}
	return msg[:maxLen]
}
