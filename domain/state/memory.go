package state

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/avesa-io/avesa/pkg/apperror"
)

// Memory is a mutex-guarded Store used by the engine tests. It mirrors
// the conditional-write semantics of the SQL implementation, including
// the error kinds each transition produces.
type Memory struct {
	mu         sync.Mutex
	jobs       map[string]*Job
	chunks     map[string]map[string]*ChunkProgress // jobID -> chunkID
	watermarks map[string]map[string]*Watermark     // tenantID -> tableName
	now        func() time.Time
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		jobs:       make(map[string]*Job),
		chunks:     make(map[string]map[string]*ChunkProgress),
		watermarks: make(map[string]map[string]*Watermark),
		now:        time.Now,
	}
}

// SetClock replaces the store's clock. Tests use it to age chunk rows
// for stale recovery.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Memory) GetWatermark(_ context.Context, tenantID, tableName string) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	byTable, ok := m.watermarks[tenantID]
	if !ok {
		return time.Time{}, nil
	}
	wm, ok := byTable[tableName]
	if !ok {
		return time.Time{}, nil
	}
	return wm.LastUpdatedTS, nil
}

func (m *Memory) SetWatermark(_ context.Context, tenantID, tableName string, ts time.Time, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	byTable, ok := m.watermarks[tenantID]
	if !ok {
		byTable = make(map[string]*Watermark)
		m.watermarks[tenantID] = byTable
	}
	if existing, ok := byTable[tableName]; ok && existing.LastUpdatedTS.After(ts) {
		return apperror.Newf(apperror.KindConflict, "watermark for %s/%s is already at %s", tenantID, tableName, existing.LastUpdatedTS.Format(time.RFC3339))
	}
	byTable[tableName] = &Watermark{
		TenantID:            tenantID,
		TableName:           tableName,
		LastUpdatedTS:       ts,
		LastSuccessfulJobID: jobID,
		UpdatedAt:           m.now(),
	}
	return nil
}

func (m *Memory) CreateJob(_ context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[job.ID]; ok {
		return apperror.Newf(apperror.KindConflict, "job %s already exists", job.ID)
	}
	cp := *job
	if cp.Status == "" {
		cp.Status = JobStatusPending
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = m.now()
	}
	m.jobs[job.ID] = &cp
	m.chunks[job.ID] = make(map[string]*ChunkProgress)
	return nil
}

func (m *Memory) GetJob(_ context.Context, jobID string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return nil, apperror.NewNotFound("job", jobID)
	}
	cp := *job
	return &cp, nil
}

func (m *Memory) MarkJobRunning(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return apperror.NewNotFound("job", jobID)
	}
	if job.Status != JobStatusPending {
		return apperror.Newf(apperror.KindConflict, "job %s is %s, not pending", jobID, job.Status)
	}
	now := m.now()
	job.Status = JobStatusRunning
	job.StartedAt = &now
	return nil
}

func (m *Memory) CompleteJob(_ context.Context, jobID string, status JobStatus, summary []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return apperror.NewNotFound("job", jobID)
	}
	if job.Status.Terminal() {
		return apperror.Newf(apperror.KindAlreadyTerminal, "job %s is already %s", jobID, job.Status)
	}
	now := m.now()
	job.Status = status
	job.Summary = summary
	job.CompletedAt = &now
	return nil
}

func (m *Memory) ListRecentJobs(_ context.Context, limit int) ([]*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	jobs := make([]*Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		cp := *job
		jobs = append(jobs, &cp)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.After(jobs[j].CreatedAt) })
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (m *Memory) UpsertChunk(_ context.Context, chunk *ChunkProgress) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	byID, ok := m.chunks[chunk.JobID]
	if !ok {
		byID = make(map[string]*ChunkProgress)
		m.chunks[chunk.JobID] = byID
	}
	if existing, ok := byID[chunk.ChunkID]; ok {
		if existing.Status == ChunkStatusSucceeded {
			return apperror.Newf(apperror.KindAlreadyTerminal, "chunk %s already succeeded", chunk.ChunkID)
		}
		return nil
	}
	cp := *chunk
	if cp.Status == "" {
		cp.Status = ChunkStatusPending
	}
	now := m.now()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	byID[chunk.ChunkID] = &cp
	return nil
}

func (m *Memory) ClaimChunk(_ context.Context, jobID, chunkID string) (*ChunkProgress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	chunk, ok := m.chunks[jobID][chunkID]
	if !ok {
		return nil, apperror.NewNotFound("chunk", chunkID)
	}
	switch chunk.Status {
	case ChunkStatusPending, ChunkStatusTimedOut:
		chunk.Status = ChunkStatusInProgress
		chunk.AttemptCount++
		chunk.UpdatedAt = m.now()
		cp := *chunk
		return &cp, nil
	case ChunkStatusInProgress:
		return nil, apperror.Newf(apperror.KindConflict, "chunk %s is owned by another worker", chunkID)
	default:
		return nil, apperror.Newf(apperror.KindAlreadyTerminal, "chunk %s is already %s", chunkID, chunk.Status)
	}
}

func (m *Memory) MarkChunkSucceeded(_ context.Context, jobID, chunkID string, recordsWritten int64, rawLastUpdatedMax time.Time, blobKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	chunk, err := m.ownedChunk(jobID, chunkID)
	if err != nil {
		return err
	}
	chunk.Status = ChunkStatusSucceeded
	chunk.RecordsWritten = recordsWritten
	chunk.RawLastUpdatedMax = &rawLastUpdatedMax
	chunk.BlobKey = blobKey
	chunk.LastError = ""
	chunk.UpdatedAt = m.now()
	return nil
}

func (m *Memory) MarkChunkFailed(_ context.Context, jobID, chunkID string, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	chunk, err := m.ownedChunk(jobID, chunkID)
	if err != nil {
		return err
	}
	chunk.Status = ChunkStatusFailed
	chunk.LastError = truncateError(lastError)
	chunk.UpdatedAt = m.now()
	return nil
}

func (m *Memory) MarkChunkTimedOut(_ context.Context, jobID, chunkID, resumeCursor string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	chunk, err := m.ownedChunk(jobID, chunkID)
	if err != nil {
		return err
	}
	chunk.Status = ChunkStatusTimedOut
	chunk.ResumeCursor = resumeCursor
	chunk.UpdatedAt = m.now()
	return nil
}

// ownedChunk returns the chunk if it is in_progress, mirroring the SQL
// guard that terminal outcomes only apply to owned chunks.
func (m *Memory) ownedChunk(jobID, chunkID string) (*ChunkProgress, error) {
	chunk, ok := m.chunks[jobID][chunkID]
	if !ok {
		return nil, apperror.NewNotFound("chunk", chunkID)
	}
	if chunk.Status != ChunkStatusInProgress {
		return nil, apperror.Newf(apperror.KindConflict, "chunk %s is %s, not in_progress", chunkID, chunk.Status)
	}
	return chunk, nil
}

func (m *Memory) ListChunks(_ context.Context, jobID string) ([]*ChunkProgress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listChunksLocked(jobID, func(*ChunkProgress) bool { return true }), nil
}

func (m *Memory) ListTableChunks(_ context.Context, jobID, tenantID, tableName string) ([]*ChunkProgress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listChunksLocked(jobID, func(c *ChunkProgress) bool {
		return c.TenantID == tenantID && c.TableName == tableName
	}), nil
}

func (m *Memory) listChunksLocked(jobID string, keep func(*ChunkProgress) bool) []*ChunkProgress {
	var chunks []*ChunkProgress
	for _, chunk := range m.chunks[jobID] {
		if keep(chunk) {
			cp := *chunk
			chunks = append(chunks, &cp)
		}
	}
	sort.Slice(chunks, func(i, j int) bool {
		if !chunks[i].WindowStart.Equal(chunks[j].WindowStart) {
			return chunks[i].WindowStart.Before(chunks[j].WindowStart)
		}
		return chunks[i].ChunkID < chunks[j].ChunkID
	})
	return chunks
}

func (m *Memory) RecoverStaleChunks(_ context.Context, olderThan time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-olderThan)
	recovered := 0
	for _, byID := range m.chunks {
		for _, chunk := range byID {
			if chunk.Status == ChunkStatusInProgress && chunk.UpdatedAt.Before(cutoff) {
				chunk.Status = ChunkStatusTimedOut
				chunk.UpdatedAt = m.now()
				recovered++
			}
		}
	}
	return recovered, nil
}
