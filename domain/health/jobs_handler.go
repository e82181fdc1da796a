package health

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/avesa-io/avesa/domain/state"
)

const (
	defaultJobsLimit = 20
	maxJobsLimit     = 100
)

// JobsHandler serves read-only introspection over ingestion jobs and
// their chunk progress.
type JobsHandler struct {
	store state.Store
}

// NewJobsHandler creates a new jobs handler
func NewJobsHandler(store state.Store) *JobsHandler {
	return &JobsHandler{store: store}
}

// JobView is the API projection of a job row. Summary is populated only
// on the detail endpoint.
type JobView struct {
	ID           string          `json:"job_id"`
	RunKind      state.RunKind   `json:"run_kind"`
	Status       state.JobStatus `json:"status"`
	TenantFilter string          `json:"tenant_filter,omitempty"`
	TableFilter  string          `json:"table_filter,omitempty"`
	Summary      json.RawMessage `json:"summary,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

// ChunkView is the API projection of one chunk's progress.
type ChunkView struct {
	ChunkID        string    `json:"chunk_id"`
	TenantID       string    `json:"tenant_id"`
	Service        string    `json:"service"`
	TableName      string    `json:"table_name"`
	WindowStart    time.Time `json:"window_start"`
	WindowEnd      time.Time `json:"window_end"`
	Status         string    `json:"status"`
	AttemptCount   int       `json:"attempt_count"`
	RecordsWritten int64     `json:"records_written"`
	BlobKey        string    `json:"blob_key,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
}

// ChunkRollup aggregates a job's chunks for the detail endpoint.
type ChunkRollup struct {
	Total          int            `json:"total"`
	ByStatus       map[string]int `json:"by_status"`
	RecordsWritten int64          `json:"records_written"`
	Items          []ChunkView    `json:"items"`
}

// ListJobsResponse is the collection payload for GET /api/jobs.
type ListJobsResponse struct {
	Jobs  []JobView `json:"jobs"`
	Count int       `json:"count"`
}

// JobDetailResponse is the payload for GET /api/jobs/:id.
type JobDetailResponse struct {
	Job    JobView     `json:"job"`
	Chunks ChunkRollup `json:"chunks"`
}

// ListJobs returns the most recent jobs, newest first.
// The limit query parameter defaults to 20 and caps at 100.
func (h *JobsHandler) ListJobs(c echo.Context) error {
	limit := defaultJobsLimit
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = n
	}
	if limit > maxJobsLimit {
		limit = maxJobsLimit
	}

	jobs, err := h.store.ListRecentJobs(c.Request().Context(), limit)
	if err != nil {
		return err
	}

	views := make([]JobView, 0, len(jobs))
	for _, job := range jobs {
		views = append(views, jobView(job))
	}

	return c.JSON(http.StatusOK, ListJobsResponse{
		Jobs:  views,
		Count: len(views),
	})
}

// GetJob returns one job with its full summary and a chunk rollup.
func (h *JobsHandler) GetJob(c echo.Context) error {
	ctx := c.Request().Context()
	jobID := c.Param("id")

	job, err := h.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	chunks, err := h.store.ListChunks(ctx, jobID)
	if err != nil {
		return err
	}

	rollup := ChunkRollup{
		ByStatus: make(map[string]int),
		Items:    make([]ChunkView, 0, len(chunks)),
	}
	for _, chunk := range chunks {
		rollup.Total++
		rollup.ByStatus[string(chunk.Status)]++
		rollup.RecordsWritten += chunk.RecordsWritten
		rollup.Items = append(rollup.Items, ChunkView{
			ChunkID:        chunk.ChunkID,
			TenantID:       chunk.TenantID,
			Service:        chunk.Service,
			TableName:      chunk.TableName,
			WindowStart:    chunk.WindowStart,
			WindowEnd:      chunk.WindowEnd,
			Status:         string(chunk.Status),
			AttemptCount:   chunk.AttemptCount,
			RecordsWritten: chunk.RecordsWritten,
			BlobKey:        chunk.BlobKey,
			LastError:      chunk.LastError,
		})
	}

	view := jobView(job)
	view.Summary = json.RawMessage(job.Summary)

	return c.JSON(http.StatusOK, JobDetailResponse{
		Job:    view,
		Chunks: rollup,
	})
}

func jobView(job *state.Job) JobView {
	return JobView{
		ID:           job.ID,
		RunKind:      job.RunKind,
		Status:       job.Status,
		TenantFilter: job.TenantFilter,
		TableFilter:  job.TableFilter,
		CreatedAt:    job.CreatedAt,
		StartedAt:    job.StartedAt,
		CompletedAt:  job.CompletedAt,
	}
}
