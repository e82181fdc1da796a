package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avesa-io/avesa/domain/blob"
	"github.com/avesa-io/avesa/domain/catalog"
	"github.com/avesa-io/avesa/domain/connector"
	"github.com/avesa-io/avesa/domain/secrets"
	"github.com/avesa-io/avesa/domain/state"
	"github.com/avesa-io/avesa/domain/tenant"
	"github.com/avesa-io/avesa/domain/transform"
	"github.com/avesa-io/avesa/internal/config"
	"github.com/avesa-io/avesa/pkg/apperror"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// captureSubmitter records merge batches instead of transforming them,
// so engine tests can assert exactly which blobs were handed over.
type captureSubmitter struct {
	mu   sync.Mutex
	err  error
	reqs []transform.Request
}

func (s *captureSubmitter) Submit(_ context.Context, req transform.Request) (*transform.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.reqs = append(s.reqs, req)
	return &transform.Result{}, nil
}

func (s *captureSubmitter) requests() []transform.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]transform.Request(nil), s.reqs...)
}

type engineHarness struct {
	state     *state.Memory
	blobs     *blob.Memory
	directory *tenant.Memory
	stub      *connector.Stub
	submitter *captureSubmitter
	cfg       *config.Config
	orch      *Orchestrator
}

func newEngineHarness(t *testing.T) *engineHarness {
	t.Helper()

	cat, err := catalog.Load()
	require.NoError(t, err)

	h := &engineHarness{
		state:     state.NewMemory(),
		blobs:     blob.NewMemory(),
		directory: tenant.NewMemory(),
		stub:      connector.NewStub("connectwise", true),
		submitter: &captureSubmitter{},
		cfg: &config.Config{Pipeline: config.PipelineConfig{
			TenantConcurrency: 2,
			TableConcurrency:  2,
			ChunkConcurrency:  2,
			ChunkDuration:     24 * time.Hour,
			ChunkTimeout:      5 * time.Second,
			JobTimeout:        time.Minute,
			ChunkMaxAttempts:  3,
			RetryBaseDelay:    time.Millisecond,
			RetryMaxDelay:     5 * time.Millisecond,
			PageSize:          1000,
			MaxPagesInMemory:  5,
			RejectRatioMax:    0.05,
			WatermarkLag:      30 * time.Second,
		}},
	}

	registry := connector.NewRegistry()
	registry.Register(h.stub)

	secretsStore := secrets.NewStatic(map[string]secrets.Credentials{
		"cw-acme": {Kind: "basic", Username: "acme+api", Password: "s3cret"},
	})

	log := testLogger()
	chunks := NewChunkProcessor(h.state, h.blobs, h.cfg, log)
	tables := NewTableProcessor(chunks, h.state, h.cfg, log)
	tenants := NewTenantProcessor(tables, h.directory, secretsStore, registry, cat, h.state, h.submitter, h.cfg, log)
	h.orch = NewOrchestrator(tenants, h.directory, registry, cat, h.state, nil, h.cfg, log)
	return h
}

func (h *engineHarness) seedTenant(t *testing.T, id, credsRef string, overrides map[string]tenant.EndpointOverride) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.directory.CreateTenant(ctx, &tenant.Tenant{ID: id, Name: id, Enabled: true}))
	require.NoError(t, h.directory.UpsertServiceConfig(ctx, &tenant.ServiceConfig{
		TenantID:          id,
		Service:           "connectwise",
		Enabled:           true,
		CredentialsRef:    credsRef,
		EndpointOverrides: overrides,
	}))
}

// cwCompany is a raw ConnectWise company record; updated must be
// RFC3339 so the stub's window filter can place it.
func cwCompany(id int, updated string) map[string]any {
	return map[string]any{
		"id":         float64(id),
		"name":       fmt.Sprintf("Company %d", id),
		"identifier": fmt.Sprintf("C%03d", id),
		"_info":      map[string]any{"lastUpdated": updated},
	}
}

const companiesKey = "connectwise/company/companies"

func companiesTable(t *testing.T, report *Report, tenantID string) *TableReport {
	t.Helper()
	tr, ok := report.Tenants[tenantID]
	require.True(t, ok, "tenant %s missing from report", tenantID)
	table, ok := tr.Tables[companiesKey]
	require.True(t, ok, "companies table missing from tenant report")
	return table
}

func TestRun_IncrementalHappyPath(t *testing.T) {
	ctx := context.Background()
	h := newEngineHarness(t)
	h.seedTenant(t, "acme", "cw-acme", nil)
	h.stub.SetRecords([]map[string]any{
		cwCompany(1, "2024-01-15T10:00:00Z"),
		cwCompany(2, "2024-01-16T10:00:00Z"),
		cwCompany(3, "2024-01-14T10:00:00Z"),
	})

	report, err := h.orch.Run(ctx, RunOptions{TableFilter: "company/companies"})
	require.NoError(t, err)
	assert.Equal(t, state.JobStatusSucceeded, report.Status)
	assert.Equal(t, 0, report.ExitCode())
	assert.Equal(t, state.RunKindManual, report.RunKind, "run kind defaults to manual")

	table := companiesTable(t, report, "acme")
	assert.Equal(t, TableSucceeded, table.Status)
	assert.Equal(t, 1, table.ChunksTotal)
	assert.Equal(t, 1, table.ChunksSucceeded)
	assert.Equal(t, int64(3), table.RecordsWritten)

	chunks, err := h.state.ListChunks(ctx, report.JobID)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, state.ChunkStatusSucceeded, chunks[0].Status)
	assert.Equal(t, 1, chunks[0].AttemptCount)
	require.NotEmpty(t, chunks[0].BlobKey)

	data, err := h.blobs.Get(ctx, chunks[0].BlobKey)
	require.NoError(t, err)
	records, err := blob.ReadParquet(data)
	require.NoError(t, err)
	assert.Len(t, records, 3)

	// The raw watermark lands on the newest record, not the window end.
	wm, err := h.state.GetWatermark(ctx, "acme", companiesKey)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 16, 10, 0, 0, 0, time.UTC), wm)

	reqs := h.submitter.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, report.JobID, reqs[0].JobID)
	assert.Equal(t, "acme", reqs[0].TenantID)
	assert.Equal(t, "companies", reqs[0].CanonicalTable)
	require.Len(t, reqs[0].Blobs, 1)
	assert.Equal(t, chunks[0].BlobKey, reqs[0].Blobs[0].Key)

	job, err := h.state.GetJob(ctx, report.JobID)
	require.NoError(t, err)
	assert.Equal(t, state.JobStatusSucceeded, job.Status)
	assert.NotNil(t, job.StartedAt)
	assert.NotNil(t, job.CompletedAt)
	assert.Contains(t, string(job.Summary), `"per_tenant"`)
}

func TestRun_EmptyWindowSucceeds(t *testing.T) {
	ctx := context.Background()
	h := newEngineHarness(t)
	h.seedTenant(t, "acme", "cw-acme", nil)

	report, err := h.orch.Run(ctx, RunOptions{TableFilter: "company/companies"})
	require.NoError(t, err)
	assert.Equal(t, state.JobStatusSucceeded, report.Status)

	table := companiesTable(t, report, "acme")
	assert.Equal(t, TableSucceeded, table.Status)
	assert.Zero(t, table.RecordsWritten)

	chunks, err := h.state.ListChunks(ctx, report.JobID)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, state.ChunkStatusSucceeded, chunks[0].Status)
	assert.Empty(t, chunks[0].BlobKey, "an empty window lands no object")
	assert.Zero(t, h.blobs.Len())

	// Covered-but-empty still moves the bookmark to the window start.
	wm, err := h.state.GetWatermark(ctx, "acme", companiesKey)
	require.NoError(t, err)
	assert.True(t, wm.Equal(time.Unix(0, 0)))

	assert.Empty(t, h.submitter.requests(), "nothing landed, nothing to transform")
}

func TestRun_TenantFilterMissIsNotFound(t *testing.T) {
	ctx := context.Background()
	h := newEngineHarness(t)
	h.seedTenant(t, "acme", "cw-acme", nil)

	report, err := h.orch.Run(ctx, RunOptions{TenantFilter: "ghost"})
	assert.Nil(t, report)
	assert.Equal(t, apperror.KindNotFound, apperror.KindOf(err))

	jobs, err := h.state.ListRecentJobs(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, jobs, "a run that cannot select tenants records no job")
}

func TestRun_UnknownServiceFailsBeforeFetching(t *testing.T) {
	ctx := context.Background()
	h := newEngineHarness(t)
	h.seedTenant(t, "acme", "cw-acme", nil)
	require.NoError(t, h.directory.UpsertServiceConfig(ctx, &tenant.ServiceConfig{
		TenantID:       "acme",
		Service:        "servicenow",
		Enabled:        true,
		CredentialsRef: "snow-acme",
	}))

	report, err := h.orch.Run(ctx, RunOptions{})
	assert.Nil(t, report)
	assert.Equal(t, apperror.KindUnknownService, apperror.KindOf(err))

	jobs, err := h.state.ListRecentJobs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, state.JobStatusFailed, jobs[0].Status)
	assert.Contains(t, string(jobs[0].Summary), "no connector registered")

	chunks, err := h.state.ListChunks(ctx, jobs[0].ID)
	require.NoError(t, err)
	assert.Empty(t, chunks)
	assert.Zero(t, h.stub.Calls())
}

func TestRun_CredentialFailureContainsToService(t *testing.T) {
	ctx := context.Background()
	h := newEngineHarness(t)
	h.seedTenant(t, "acme", "missing-ref", nil)
	h.stub.SetRecords([]map[string]any{cwCompany(1, "2024-01-15T10:00:00Z")})

	report, err := h.orch.Run(ctx, RunOptions{TableFilter: "company/companies"})
	require.NoError(t, err, "credential failures are a run outcome, not a run error")
	assert.Equal(t, state.JobStatusFailed, report.Status)
	assert.Equal(t, 2, report.ExitCode())

	table := companiesTable(t, report, "acme")
	assert.Equal(t, TableFailed, table.Status)
	assert.Contains(t, table.Error, "credentials:")

	chunks, err := h.state.ListChunks(ctx, report.JobID)
	require.NoError(t, err)
	assert.Empty(t, chunks, "no chunk is planned without credentials")
	assert.Zero(t, h.stub.Calls())
}

func TestRun_RateLimitedPageRetries(t *testing.T) {
	ctx := context.Background()
	h := newEngineHarness(t)
	h.seedTenant(t, "acme", "cw-acme", nil)
	h.stub.SetRecords([]map[string]any{
		cwCompany(1, "2024-01-15T10:00:00Z"),
		cwCompany(2, "2024-01-16T10:00:00Z"),
	})
	h.stub.BeforePage = func(call int, _ connector.FetchRequest) error {
		if call == 1 {
			return apperror.New(apperror.KindRateLimited, "429").WithRetryAfter(5 * time.Millisecond)
		}
		return nil
	}

	report, err := h.orch.Run(ctx, RunOptions{TableFilter: "company/companies"})
	require.NoError(t, err)
	assert.Equal(t, state.JobStatusSucceeded, report.Status)
	assert.Equal(t, 2, h.stub.Calls(), "the throttled page is retried, not failed")
	assert.Equal(t, int64(2), companiesTable(t, report, "acme").RecordsWritten)
}

func TestRun_ExhaustedRetriesFailTheChunk(t *testing.T) {
	ctx := context.Background()
	h := newEngineHarness(t)
	h.seedTenant(t, "acme", "cw-acme", nil)
	h.stub.SetRecords([]map[string]any{cwCompany(1, "2024-01-15T10:00:00Z")})
	h.stub.BeforePage = func(int, connector.FetchRequest) error {
		return apperror.New(apperror.KindTransient, "upstream 503")
	}

	report, err := h.orch.Run(ctx, RunOptions{TableFilter: "company/companies"})
	require.NoError(t, err)
	assert.Equal(t, state.JobStatusFailed, report.Status)
	assert.Equal(t, 3, h.stub.Calls(), "one call per attempt in the budget")

	table := companiesTable(t, report, "acme")
	assert.Equal(t, TableFailed, table.Status)
	assert.Contains(t, table.Error, "upstream 503")

	wm, err := h.state.GetWatermark(ctx, "acme", companiesKey)
	require.NoError(t, err)
	assert.True(t, wm.IsZero(), "a failed window leaves the bookmark alone")
	assert.Empty(t, h.submitter.requests())
}

func TestRun_ScheduledDebounceSkipsFreshEndpoints(t *testing.T) {
	ctx := context.Background()
	h := newEngineHarness(t)
	h.seedTenant(t, "acme", "cw-acme", nil)
	h.stub.SetRecords([]map[string]any{cwCompany(1, "2024-01-15T10:00:00Z")})

	// companies syncs hourly; a bookmark ten minutes old is fresh.
	recent := time.Now().UTC().Add(-10 * time.Minute)
	require.NoError(t, h.state.SetWatermark(ctx, "acme", companiesKey, recent, "seed"))

	report, err := h.orch.Run(ctx, RunOptions{
		RunKind:     state.RunKindScheduled,
		TableFilter: "company/companies",
	})
	require.NoError(t, err)
	assert.Equal(t, state.JobStatusSucceeded, report.Status)
	assert.Empty(t, report.Tenants["acme"].Tables, "a fresh endpoint is skipped, not reported")
	assert.Zero(t, h.stub.Calls())

	// Manual runs ignore the cadence.
	report, err = h.orch.Run(ctx, RunOptions{TableFilter: "company/companies"})
	require.NoError(t, err)
	assert.Equal(t, state.JobStatusSucceeded, report.Status)
	assert.Equal(t, 1, h.stub.Calls())
}

func TestRun_FullSyncIgnoresWatermark(t *testing.T) {
	ctx := context.Background()
	h := newEngineHarness(t)
	h.seedTenant(t, "acme", "cw-acme", nil)
	h.stub.SetRecords([]map[string]any{
		cwCompany(1, "2024-01-15T10:00:00Z"),
		cwCompany(2, "2024-01-16T10:00:00Z"),
	})

	ahead := time.Now().UTC().Add(-time.Second)
	require.NoError(t, h.state.SetWatermark(ctx, "acme", companiesKey, ahead, "seed"))

	// Incrementally there is nothing to do: the window would be empty.
	report, err := h.orch.Run(ctx, RunOptions{TableFilter: "company/companies"})
	require.NoError(t, err)
	assert.Empty(t, report.Tenants["acme"].Tables)
	assert.Zero(t, h.stub.Calls())

	report, err = h.orch.Run(ctx, RunOptions{TableFilter: "company/companies", FullSync: true})
	require.NoError(t, err)
	assert.Equal(t, state.JobStatusSucceeded, report.Status)

	table := companiesTable(t, report, "acme")
	assert.Equal(t, int64(2), table.RecordsWritten, "full sync refetches from the epoch")
	assert.Nil(t, table.Watermark, "older data never drags the bookmark backwards")

	wm, err := h.state.GetWatermark(ctx, "acme", companiesKey)
	require.NoError(t, err)
	assert.Equal(t, ahead, wm)
}

func TestRun_SecondIncrementalStartsAtWatermark(t *testing.T) {
	ctx := context.Background()
	h := newEngineHarness(t)
	h.seedTenant(t, "acme", "cw-acme", nil)
	h.stub.SetRecords([]map[string]any{
		cwCompany(1, "2024-01-15T10:00:00Z"),
		cwCompany(2, "2024-01-16T10:00:00Z"),
	})

	report, err := h.orch.Run(ctx, RunOptions{TableFilter: "company/companies"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), companiesTable(t, report, "acme").RecordsWritten)

	h.stub.AddRecords(cwCompany(3, "2024-02-01T09:00:00Z"))

	// The next window opens at the bookmark, so the record sitting
	// exactly on it is fetched again; the canonical merge dedups it.
	report, err = h.orch.Run(ctx, RunOptions{TableFilter: "company/companies"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), companiesTable(t, report, "acme").RecordsWritten)

	wm, err := h.state.GetWatermark(ctx, "acme", companiesKey)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 2, 1, 9, 0, 0, 0, time.UTC), wm)
}

func TestRun_EndpointOverrideDisables(t *testing.T) {
	ctx := context.Background()
	h := newEngineHarness(t)
	off := false
	h.seedTenant(t, "acme", "cw-acme", map[string]tenant.EndpointOverride{
		"company/companies": {Enabled: &off},
	})
	h.stub.SetRecords([]map[string]any{cwCompany(1, "2024-01-15T10:00:00Z")})

	report, err := h.orch.Run(ctx, RunOptions{TableFilter: "company/companies"})
	require.NoError(t, err)
	assert.Equal(t, state.JobStatusSucceeded, report.Status)
	assert.Empty(t, report.Tenants["acme"].Tables)
	assert.Zero(t, h.stub.Calls())
}

func TestRun_TableFilterMatchesCanonicalName(t *testing.T) {
	ctx := context.Background()
	h := newEngineHarness(t)
	h.seedTenant(t, "acme", "cw-acme", nil)
	h.stub.SetRecords([]map[string]any{cwCompany(1, "2024-01-15T10:00:00Z")})

	report, err := h.orch.Run(ctx, RunOptions{TableFilter: "companies"})
	require.NoError(t, err)
	require.Len(t, report.Tenants["acme"].Tables, 1)
	assert.Contains(t, report.Tenants["acme"].Tables, companiesKey)
}

func TestRun_TransformFailureDoesNotFailJob(t *testing.T) {
	ctx := context.Background()
	h := newEngineHarness(t)
	h.seedTenant(t, "acme", "cw-acme", nil)
	h.stub.SetRecords([]map[string]any{cwCompany(1, "2024-01-15T10:00:00Z")})
	h.submitter.err = apperror.New(apperror.KindMappingError, "schema drift")

	report, err := h.orch.Run(ctx, RunOptions{TableFilter: "company/companies"})
	require.NoError(t, err)
	assert.Equal(t, state.JobStatusSucceeded, report.Status,
		"raw data is durable; the merge replays on the next run")
}

func TestRun_NoEnabledTenants(t *testing.T) {
	ctx := context.Background()
	h := newEngineHarness(t)

	report, err := h.orch.Run(ctx, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, state.JobStatusSucceeded, report.Status)
	assert.Empty(t, report.Tenants)

	job, err := h.state.GetJob(ctx, report.JobID)
	require.NoError(t, err)
	assert.Equal(t, state.JobStatusSucceeded, job.Status)
}

func TestRun_CancellationMarksJobCancelled(t *testing.T) {
	h := newEngineHarness(t)
	h.seedTenant(t, "acme", "cw-acme", nil)
	h.stub.SetRecords([]map[string]any{cwCompany(1, "2024-01-15T10:00:00Z")})

	ctx, cancel := context.WithCancel(context.Background())
	h.stub.BeforePage = func(int, connector.FetchRequest) error {
		cancel()
		return nil
	}

	report, err := h.orch.Run(ctx, RunOptions{TableFilter: "company/companies"})
	require.NoError(t, err)
	assert.Equal(t, state.JobStatusCancelled, report.Status)
	assert.Equal(t, 2, report.ExitCode())

	// The terminal mark lands even though the run context is dead.
	job, err := h.state.GetJob(context.Background(), report.JobID)
	require.NoError(t, err)
	assert.Equal(t, state.JobStatusCancelled, job.Status)
	assert.NotNil(t, job.CompletedAt)
}

func TestBackfill_PartialAdvancesContiguousPrefixOnly(t *testing.T) {
	ctx := context.Background()
	h := newEngineHarness(t)
	h.seedTenant(t, "acme", "cw-acme", nil)
	h.stub.SetRecords([]map[string]any{
		cwCompany(1, "2024-01-01T10:00:00Z"),
		cwCompany(2, "2024-01-02T10:00:00Z"),
		cwCompany(3, "2024-01-03T10:00:00Z"),
	})
	h.stub.BeforePage = func(_ int, req connector.FetchRequest) error {
		if req.Since.Equal(day(2)) {
			return apperror.New(apperror.KindFatal, "source rejected the query")
		}
		return nil
	}

	report, err := h.orch.Backfill(ctx, BackfillRequest{
		TenantID: "acme",
		Table:    "company/companies",
		Start:    day(1),
		End:      day(4),
	})
	require.NoError(t, err)
	assert.Equal(t, state.JobStatusPartial, report.Status)
	assert.Equal(t, 1, report.ExitCode())
	assert.Equal(t, state.RunKindBackfill, report.RunKind)

	table := companiesTable(t, report, "acme")
	assert.Equal(t, TablePartial, table.Status)
	assert.Equal(t, 3, table.ChunksTotal)
	assert.Equal(t, 2, table.ChunksSucceeded)
	assert.Contains(t, table.Error, "source rejected the query")

	// Day three succeeded, but the bookmark stops at the failed gap so
	// nothing is ever skipped.
	wm, err := h.state.GetWatermark(ctx, "acme", companiesKey)
	require.NoError(t, err)
	assert.Equal(t, day(2), wm)

	reqs := h.submitter.requests()
	require.Len(t, reqs, 1)
	require.Len(t, reqs[0].Blobs, 1, "blobs beyond the gap wait for the gap to fill")

	// Replaying the same range fills the gap and releases everything.
	h.stub.BeforePage = nil
	report, err = h.orch.Backfill(ctx, BackfillRequest{
		TenantID: "acme",
		Table:    "company/companies",
		Start:    day(1),
		End:      day(4),
	})
	require.NoError(t, err)
	assert.Equal(t, state.JobStatusSucceeded, report.Status)

	wm, err = h.state.GetWatermark(ctx, "acme", companiesKey)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 3, 10, 0, 0, 0, time.UTC), wm,
		"a clean replay advances to the newest record")

	reqs = h.submitter.requests()
	require.Len(t, reqs, 2)
	assert.Len(t, reqs[1].Blobs, 3)
}

func TestBackfill_RequestValidation(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	_, err := BackfillRequest{Table: "companies", Start: day(1)}.window(now, time.Minute)
	assert.Equal(t, apperror.KindFatal, apperror.KindOf(err), "tenant is required")

	_, err = BackfillRequest{TenantID: "acme"}.window(now, time.Minute)
	assert.Equal(t, apperror.KindFatal, apperror.KindOf(err), "start is required")

	_, err = BackfillRequest{TenantID: "acme", Start: now}.window(now, time.Minute)
	assert.Equal(t, apperror.KindFatal, apperror.KindOf(err), "window ahead of the lag horizon is empty")

	w, err := BackfillRequest{TenantID: "acme", Start: day(1)}.window(now, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, day(1), w.Start)
	assert.Equal(t, now.Add(-time.Minute), w.End, "open end clamps to now minus lag")

	w, err = BackfillRequest{TenantID: "acme", Start: day(1), End: day(3)}.window(now, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, day(3), w.End)
}

func TestRun_ChunkTimeoutResumesFromCursor(t *testing.T) {
	ctx := context.Background()
	h := newEngineHarness(t)
	h.cfg.Pipeline.ChunkTimeout = 100 * time.Millisecond

	pageSize := 1
	h.seedTenant(t, "acme", "cw-acme", map[string]tenant.EndpointOverride{
		"company/companies": {PageSize: &pageSize},
	})
	h.stub.SetRecords([]map[string]any{
		cwCompany(1, "2024-01-15T10:00:00Z"),
		cwCompany(2, "2024-01-16T10:00:00Z"),
		cwCompany(3, "2024-01-17T10:00:00Z"),
	})
	h.stub.BeforePage = func(call int, _ connector.FetchRequest) error {
		if call == 2 {
			time.Sleep(400 * time.Millisecond)
		}
		return nil
	}

	report, err := h.orch.Run(ctx, RunOptions{TableFilter: "company/companies"})
	require.NoError(t, err)
	assert.Equal(t, state.JobStatusSucceeded, report.Status)

	table := companiesTable(t, report, "acme")
	assert.Equal(t, 1, table.ChunksTotal)
	assert.Equal(t, int64(3), table.RecordsWritten)

	chunks, err := h.state.ListChunks(ctx, report.JobID)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, state.ChunkStatusSucceeded, chunks[0].Status)
	assert.Equal(t, 2, chunks[0].AttemptCount, "one timeout, one resumption")

	// Page one was fetched once, timed out on page two, then the
	// resumed attempt picked up at the persisted cursor.
	assert.Equal(t, 4, h.stub.Calls())

	data, err := h.blobs.Get(ctx, chunks[0].BlobKey)
	require.NoError(t, err)
	records, err := blob.ReadParquet(data)
	require.NoError(t, err)
	assert.Len(t, records, 3, "the final object holds the whole window, no duplicates")

	wm, err := h.state.GetWatermark(ctx, "acme", companiesKey)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 17, 10, 0, 0, 0, time.UTC), wm)
}

func TestRun_SecondTimeoutFailsChunk(t *testing.T) {
	ctx := context.Background()
	h := newEngineHarness(t)
	h.cfg.Pipeline.ChunkTimeout = 100 * time.Millisecond

	pageSize := 1
	h.seedTenant(t, "acme", "cw-acme", map[string]tenant.EndpointOverride{
		"company/companies": {PageSize: &pageSize},
	})
	h.stub.SetRecords([]map[string]any{
		cwCompany(1, "2024-01-15T10:00:00Z"),
		cwCompany(2, "2024-01-16T10:00:00Z"),
	})
	h.stub.BeforePage = func(call int, _ connector.FetchRequest) error {
		if call >= 2 {
			time.Sleep(400 * time.Millisecond)
		}
		return nil
	}

	report, err := h.orch.Run(ctx, RunOptions{TableFilter: "company/companies"})
	require.NoError(t, err)
	assert.Equal(t, state.JobStatusFailed, report.Status)

	chunks, err := h.state.ListChunks(ctx, report.JobID)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, state.ChunkStatusFailed, chunks[0].Status)
	assert.Equal(t, 2, chunks[0].AttemptCount, "resumption is granted exactly once")
	assert.Contains(t, chunks[0].LastError, "timed out after resumption")
}
