package e2e

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/avesa-io/avesa/domain/blob"
	"github.com/avesa-io/avesa/domain/catalog"
	"github.com/avesa-io/avesa/domain/columnstore"
	"github.com/avesa-io/avesa/domain/connector"
	"github.com/avesa-io/avesa/domain/mapping"
	"github.com/avesa-io/avesa/domain/pipeline"
	"github.com/avesa-io/avesa/domain/secrets"
	"github.com/avesa-io/avesa/domain/state"
	"github.com/avesa-io/avesa/domain/tenant"
	"github.com/avesa-io/avesa/domain/transform"
	"github.com/avesa-io/avesa/internal/config"
)

// engine wires the complete ingestion stack over in-memory substrates:
// a scripted connectwise connector, parquet landing in a memory blob
// store, the real mapping and merge layers, and durable bookkeeping in
// a memory state store. Only the edges are fake; every byte still
// travels connector -> parquet -> projection -> canonical merge.
type engine struct {
	t         *testing.T
	state     *state.Memory
	blobs     *blob.Memory
	canonical *columnstore.Memory
	directory *tenant.Memory
	stub      *connector.Stub
	cfg       *config.Config
	orch      *pipeline.Orchestrator
}

func newEngine(t *testing.T) *engine {
	t.Helper()

	cat, err := catalog.Load()
	require.NoError(t, err)
	mappings, err := mapping.Load()
	require.NoError(t, err)

	e := &engine{
		t:         t,
		state:     state.NewMemory(),
		blobs:     blob.NewMemory(),
		canonical: columnstore.NewMemory(),
		directory: tenant.NewMemory(),
		stub:      connector.NewStub("connectwise", true),
		cfg: &config.Config{Pipeline: config.PipelineConfig{
			TenantConcurrency: 2,
			TableConcurrency:  2,
			ChunkConcurrency:  2,
			ChunkDuration:     24 * time.Hour,
			ChunkTimeout:      5 * time.Second,
			JobTimeout:        time.Minute,
			ChunkMaxAttempts:  2,
			RetryBaseDelay:    time.Millisecond,
			RetryMaxDelay:     5 * time.Millisecond,
			PageSize:          1000,
			MaxPagesInMemory:  5,
			RejectRatioMax:    0.05,
			WatermarkLag:      30 * time.Second,
		}},
	}

	registry := connector.NewRegistry()
	registry.Register(e.stub)

	creds := secrets.NewStatic(map[string]secrets.Credentials{
		"cw-acme": {Kind: "basic", Username: "acme+api", Password: "s3cret"},
	})

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	applier := transform.NewApplier(e.canonical, log)
	transformer, err := transform.NewTransformer(mappings, e.blobs, applier, e.state, e.cfg, log)
	require.NoError(t, err)

	chunks := pipeline.NewChunkProcessor(e.state, e.blobs, e.cfg, log)
	tables := pipeline.NewTableProcessor(chunks, e.state, e.cfg, log)
	tenants := pipeline.NewTenantProcessor(tables, e.directory, creds, registry, cat, e.state, transformer, e.cfg, log)
	e.orch = pipeline.NewOrchestrator(tenants, e.directory, registry, cat, e.state, nil, e.cfg, log)
	return e
}

// seedTenant connects a tenant to connectwise under the "cw-<id>"
// credentials ref; only cw-acme actually resolves.
func (e *engine) seedTenant(id string, overrides map[string]tenant.EndpointOverride) {
	ctx := context.Background()
	require.NoError(e.t, e.directory.CreateTenant(ctx, &tenant.Tenant{ID: id, Name: id, Enabled: true}))
	require.NoError(e.t, e.directory.UpsertServiceConfig(ctx, &tenant.ServiceConfig{
		TenantID:          id,
		Service:           "connectwise",
		Enabled:           true,
		CredentialsRef:    "cw-" + id,
		EndpointOverrides: overrides,
	}))
}

// runCompanies syncs the companies endpoint for one tenant, or for
// every enabled tenant when tenantID is empty.
func (e *engine) runCompanies(tenantID string) *pipeline.Report {
	report, err := e.orch.Run(context.Background(), pipeline.RunOptions{
		RunKind:      state.RunKindManual,
		TenantFilter: tenantID,
		TableFilter:  "company/companies",
	})
	require.NoError(e.t, err)
	return report
}

func (e *engine) companiesTable(report *pipeline.Report, tenantID string) *pipeline.TableReport {
	tr, ok := report.Tenants[tenantID]
	require.True(e.t, ok, "tenant %s missing from report", tenantID)
	table, ok := tr.Tables["connectwise/company/companies"]
	require.True(e.t, ok, "companies table missing for tenant %s", tenantID)
	return table
}

func (e *engine) rawWatermark(tenantID string) time.Time {
	wm, err := e.state.GetWatermark(context.Background(), tenantID, "connectwise/company/companies")
	require.NoError(e.t, err)
	return wm
}

func (e *engine) canonicalWatermark(tenantID string) time.Time {
	wm, err := e.state.GetWatermark(context.Background(), tenantID, "companies")
	require.NoError(e.t, err)
	return wm
}

func (e *engine) currentCompany(tenantID, id string) *columnstore.Row {
	row, err := e.canonical.GetCurrent(context.Background(), "companies", tenantID, id)
	require.NoError(e.t, err)
	return row
}

// companyVersions returns the full history for one key, oldest first.
func (e *engine) companyVersions(tenantID, id string) []*columnstore.Row {
	rows, err := e.canonical.ListVersions(context.Background(), "companies", tenantID, id)
	require.NoError(e.t, err)
	return rows
}

func (e *engine) currentCompanies(tenantID string) int64 {
	n, err := e.canonical.CountCurrent(context.Background(), "companies", tenantID)
	require.NoError(e.t, err)
	return n
}

// rawBlobs lists the landed parquet objects for one tenant.
func (e *engine) rawBlobs(tenantID string) []string {
	keys, err := e.blobs.List(context.Background(), tenantID+"/raw/")
	require.NoError(e.t, err)
	return keys
}

// company builds a connectwise company record the way the REST API
// shapes them: flat business fields plus the _info audit envelope.
func company(id, name, updated string) map[string]any {
	return map[string]any{
		"id":   id,
		"name": name,
		"_info": map[string]any{
			"lastUpdated": updated,
		},
	}
}

func day(year int, month time.Month, d int) time.Time {
	return time.Date(year, month, d, 0, 0, 0, 0, time.UTC)
}
