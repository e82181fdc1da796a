package state

import (
	"context"
	"testing"
	"time"

	"github.com/avesa-io/avesa/pkg/apperror"
)

func TestWatermark_MissingReadsAsZero(t *testing.T) {
	m := NewMemory()
	ts, err := m.GetWatermark(context.Background(), "t1", "company/companies")
	if err != nil {
		t.Fatalf("GetWatermark: %v", err)
	}
	if !ts.IsZero() {
		t.Errorf("expected zero time for missing watermark, got %v", ts)
	}
}

func TestWatermark_MonotonicAdvance(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	base := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

	if err := m.SetWatermark(ctx, "t1", "company/companies", base, "job-1"); err != nil {
		t.Fatalf("initial SetWatermark: %v", err)
	}

	// Equal timestamp is allowed, backwards is not.
	if err := m.SetWatermark(ctx, "t1", "company/companies", base, "job-2"); err != nil {
		t.Errorf("equal timestamp should be accepted: %v", err)
	}
	err := m.SetWatermark(ctx, "t1", "company/companies", base.Add(-time.Hour), "job-3")
	if apperror.KindOf(err) != apperror.KindConflict {
		t.Errorf("backwards SetWatermark kind = %v, want Conflict", apperror.KindOf(err))
	}

	ts, err := m.GetWatermark(ctx, "t1", "company/companies")
	if err != nil {
		t.Fatalf("GetWatermark: %v", err)
	}
	if !ts.Equal(base) {
		t.Errorf("watermark = %v, want %v", ts, base)
	}
}

func TestWatermark_IsolatedPerTenantAndTable(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	ts := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	if err := m.SetWatermark(ctx, "t1", "company/companies", ts, "job-1"); err != nil {
		t.Fatalf("SetWatermark: %v", err)
	}
	got, _ := m.GetWatermark(ctx, "t2", "company/companies")
	if !got.IsZero() {
		t.Errorf("tenant t2 watermark = %v, want zero", got)
	}
	got, _ = m.GetWatermark(ctx, "t1", "service/tickets")
	if !got.IsZero() {
		t.Errorf("other table watermark = %v, want zero", got)
	}
}

func TestJob_Lifecycle(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	job := &Job{ID: "6f1d8b1a-0000-0000-0000-000000000001", RunKind: RunKindManual}
	if err := m.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := m.CreateJob(ctx, job); apperror.KindOf(err) != apperror.KindConflict {
		t.Errorf("duplicate CreateJob kind = %v, want Conflict", apperror.KindOf(err))
	}

	if err := m.MarkJobRunning(ctx, job.ID); err != nil {
		t.Fatalf("MarkJobRunning: %v", err)
	}
	if err := m.MarkJobRunning(ctx, job.ID); apperror.KindOf(err) != apperror.KindConflict {
		t.Errorf("second MarkJobRunning kind = %v, want Conflict", apperror.KindOf(err))
	}

	if err := m.CompleteJob(ctx, job.ID, JobStatusPartial, []byte(`{"tenants":{}}`)); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}
	err := m.CompleteJob(ctx, job.ID, JobStatusFailed, nil)
	if apperror.KindOf(err) != apperror.KindAlreadyTerminal {
		t.Errorf("CompleteJob on terminal job kind = %v, want AlreadyTerminal", apperror.KindOf(err))
	}

	got, err := m.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != JobStatusPartial {
		t.Errorf("status = %s, want partial", got.Status)
	}
	if got.StartedAt == nil || got.CompletedAt == nil {
		t.Error("expected started_at and completed_at to be stamped")
	}
}

func TestJob_GetMissing(t *testing.T) {
	m := NewMemory()
	_, err := m.GetJob(context.Background(), "6f1d8b1a-0000-0000-0000-00000000dead")
	if apperror.KindOf(err) != apperror.KindNotFound {
		t.Errorf("kind = %v, want NotFound", apperror.KindOf(err))
	}
}

func newTestChunk(jobID, chunkID string, start time.Time) *ChunkProgress {
	return &ChunkProgress{
		JobID:       jobID,
		ChunkID:     chunkID,
		TenantID:    "t1",
		Service:     "connectwise",
		TableName:   "company/companies",
		WindowStart: start,
		WindowEnd:   start.Add(24 * time.Hour),
	}
}

func TestChunk_UpsertKeepsExistingRow(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	if err := m.UpsertChunk(ctx, newTestChunk("job-1", "c1", start)); err != nil {
		t.Fatalf("UpsertChunk: %v", err)
	}
	claimed, err := m.ClaimChunk(ctx, "job-1", "c1")
	if err != nil {
		t.Fatalf("ClaimChunk: %v", err)
	}
	if claimed.AttemptCount != 1 {
		t.Errorf("attempt_count = %d, want 1", claimed.AttemptCount)
	}
	if err := m.MarkChunkTimedOut(ctx, "job-1", "c1", "page=3"); err != nil {
		t.Fatalf("MarkChunkTimedOut: %v", err)
	}

	// Re-upserting must not reset attempt count or resume cursor.
	if err := m.UpsertChunk(ctx, newTestChunk("job-1", "c1", start)); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	chunks, _ := m.ListChunks(ctx, "job-1")
	if len(chunks) != 1 {
		t.Fatalf("len(chunks) = %d, want 1", len(chunks))
	}
	if chunks[0].AttemptCount != 1 || chunks[0].ResumeCursor != "page=3" {
		t.Errorf("upsert clobbered resume state: attempts=%d cursor=%q", chunks[0].AttemptCount, chunks[0].ResumeCursor)
	}
}

func TestChunk_UpsertOverSucceededIsAlreadyTerminal(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	if err := m.UpsertChunk(ctx, newTestChunk("job-1", "c1", start)); err != nil {
		t.Fatalf("UpsertChunk: %v", err)
	}
	if _, err := m.ClaimChunk(ctx, "job-1", "c1"); err != nil {
		t.Fatalf("ClaimChunk: %v", err)
	}
	if err := m.MarkChunkSucceeded(ctx, "job-1", "c1", 10, start.Add(time.Hour), "t1/raw/x.parquet"); err != nil {
		t.Fatalf("MarkChunkSucceeded: %v", err)
	}

	err := m.UpsertChunk(ctx, newTestChunk("job-1", "c1", start))
	if apperror.KindOf(err) != apperror.KindAlreadyTerminal {
		t.Errorf("kind = %v, want AlreadyTerminal", apperror.KindOf(err))
	}
}

func TestChunk_ClaimTransitions(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	if err := m.UpsertChunk(ctx, newTestChunk("job-1", "c1", start)); err != nil {
		t.Fatalf("UpsertChunk: %v", err)
	}

	// pending -> in_progress
	claimed, err := m.ClaimChunk(ctx, "job-1", "c1")
	if err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if claimed.Status != ChunkStatusInProgress || claimed.AttemptCount != 1 {
		t.Errorf("claim = %s attempts=%d, want in_progress attempts=1", claimed.Status, claimed.AttemptCount)
	}

	// Concurrent claim on an owned chunk conflicts.
	if _, err := m.ClaimChunk(ctx, "job-1", "c1"); apperror.KindOf(err) != apperror.KindConflict {
		t.Errorf("claim of in_progress kind = %v, want Conflict", apperror.KindOf(err))
	}

	// timed_out -> in_progress keeps counting attempts.
	if err := m.MarkChunkTimedOut(ctx, "job-1", "c1", "offset=200"); err != nil {
		t.Fatalf("MarkChunkTimedOut: %v", err)
	}
	claimed, err = m.ClaimChunk(ctx, "job-1", "c1")
	if err != nil {
		t.Fatalf("claim after timeout: %v", err)
	}
	if claimed.AttemptCount != 2 || claimed.ResumeCursor != "offset=200" {
		t.Errorf("resumed claim attempts=%d cursor=%q, want 2 and offset=200", claimed.AttemptCount, claimed.ResumeCursor)
	}

	// Terminal chunks cannot be claimed again.
	if err := m.MarkChunkFailed(ctx, "job-1", "c1", "boom"); err != nil {
		t.Fatalf("MarkChunkFailed: %v", err)
	}
	if _, err := m.ClaimChunk(ctx, "job-1", "c1"); apperror.KindOf(err) != apperror.KindAlreadyTerminal {
		t.Errorf("claim of failed chunk kind = %v, want AlreadyTerminal", apperror.KindOf(err))
	}
}

func TestChunk_MarkRequiresOwnership(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	if err := m.UpsertChunk(ctx, newTestChunk("job-1", "c1", start)); err != nil {
		t.Fatalf("UpsertChunk: %v", err)
	}
	err := m.MarkChunkSucceeded(ctx, "job-1", "c1", 5, start, "key")
	if apperror.KindOf(err) != apperror.KindConflict {
		t.Errorf("mark on pending chunk kind = %v, want Conflict", apperror.KindOf(err))
	}
}

func TestChunk_ListTableChunksOrdersByWindow(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	day := 24 * time.Hour
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	offsets := map[string]int{"c-a": 0, "c-b": 1, "c-c": 2}
	for _, id := range []string{"c-b", "c-a", "c-c"} {
		chunk := newTestChunk("job-1", id, start.Add(time.Duration(offsets[id])*day))
		if err := m.UpsertChunk(ctx, chunk); err != nil {
			t.Fatalf("UpsertChunk(%s): %v", id, err)
		}
	}
	other := newTestChunk("job-1", "c-other", start)
	other.TableName = "service/tickets"
	if err := m.UpsertChunk(ctx, other); err != nil {
		t.Fatalf("UpsertChunk(other): %v", err)
	}

	chunks, err := m.ListTableChunks(ctx, "job-1", "t1", "company/companies")
	if err != nil {
		t.Fatalf("ListTableChunks: %v", err)
	}
	if len(chunks) != 3 {
		t.Fatalf("len = %d, want 3", len(chunks))
	}
	for i, want := range []string{"c-a", "c-b", "c-c"} {
		if chunks[i].ChunkID != want {
			t.Errorf("chunks[%d] = %s, want %s", i, chunks[i].ChunkID, want)
		}
	}
}

func TestRecoverStaleChunks(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	clock := start
	m.SetClock(func() time.Time { return clock })

	if err := m.UpsertChunk(ctx, newTestChunk("job-1", "stale", start)); err != nil {
		t.Fatalf("UpsertChunk: %v", err)
	}
	if err := m.UpsertChunk(ctx, newTestChunk("job-1", "fresh", start.Add(24*time.Hour))); err != nil {
		t.Fatalf("UpsertChunk: %v", err)
	}
	if _, err := m.ClaimChunk(ctx, "job-1", "stale"); err != nil {
		t.Fatalf("claim stale: %v", err)
	}

	clock = clock.Add(45 * time.Minute)
	if _, err := m.ClaimChunk(ctx, "job-1", "fresh"); err != nil {
		t.Fatalf("claim fresh: %v", err)
	}

	recovered, err := m.RecoverStaleChunks(ctx, 30*time.Minute)
	if err != nil {
		t.Fatalf("RecoverStaleChunks: %v", err)
	}
	if recovered != 1 {
		t.Errorf("recovered = %d, want 1", recovered)
	}

	chunks, _ := m.ListChunks(ctx, "job-1")
	byID := map[string]ChunkStatus{}
	for _, c := range chunks {
		byID[c.ChunkID] = c.Status
	}
	if byID["stale"] != ChunkStatusTimedOut {
		t.Errorf("stale chunk = %s, want timed_out", byID["stale"])
	}
	if byID["fresh"] != ChunkStatusInProgress {
		t.Errorf("fresh chunk = %s, want in_progress", byID["fresh"])
	}
}

func TestChunkStatus_Terminal(t *testing.T) {
	cases := []struct {
		status ChunkStatus
		want   bool
	}{
		{ChunkStatusPending, false},
		{ChunkStatusInProgress, false},
		{ChunkStatusTimedOut, false},
		{ChunkStatusSucceeded, true},
		{ChunkStatusFailed, true},
	}
	for _, tc := range cases {
		if got := tc.status.Terminal(); got != tc.want {
			t.Errorf("%s.Terminal() = %v, want %v", tc.status, got, tc.want)
		}
	}
}
