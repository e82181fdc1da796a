package pipeline

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/avesa-io/avesa/domain/catalog"
	"github.com/avesa-io/avesa/domain/connector"
	"github.com/avesa-io/avesa/domain/secrets"
	"github.com/avesa-io/avesa/domain/state"
	"github.com/avesa-io/avesa/domain/tenant"
	"github.com/avesa-io/avesa/domain/transform"
	"github.com/avesa-io/avesa/internal/config"
	"github.com/avesa-io/avesa/pkg/logger"
	"github.com/avesa-io/avesa/pkg/tracing"
)

// TenantProcessor plans and runs everything a job does for one tenant:
// resolve credentials per connected service, turn catalog endpoints
// into table runs, fan the runs out, then hand landed blobs to the
// canonical transform grouped by target table.
type TenantProcessor struct {
	tables     *TableProcessor
	directory  tenant.Store
	secrets    secrets.Store
	connectors *connector.Registry
	catalog    *catalog.Registry
	state      state.Store
	transform  transform.Submitter
	cfg        *config.Config
	log        *slog.Logger
}

// NewTenantProcessor builds the tenant execution tier.
func NewTenantProcessor(
	tables *TableProcessor,
	directory tenant.Store,
	secretsStore secrets.Store,
	connectors *connector.Registry,
	cat *catalog.Registry,
	st state.Store,
	submitter transform.Submitter,
	cfg *config.Config,
	log *slog.Logger,
) *TenantProcessor {
	return &TenantProcessor{
		tables:     tables,
		directory:  directory,
		secrets:    secretsStore,
		connectors: connectors,
		catalog:    cat,
		state:      st,
		transform:  submitter,
		cfg:        cfg,
		log:        log.With(logger.Scope("pipeline.tenant")),
	}
}

// Run processes one tenant within a job. Failures are contained: a bad
// credential fails that service's tables, not the tenant's other
// services, and never the job.
func (p *TenantProcessor) Run(ctx context.Context, jobID string, t *tenant.Tenant, opts RunOptions) *TenantReport {
	ctx, span := tracing.Start(ctx, "pipeline.tenant",
		attribute.String("avesa.job.id", jobID),
		attribute.String("avesa.tenant.id", t.ID))
	defer span.End()

	report := &TenantReport{Tables: make(map[string]*TableReport)}

	configs, err := p.directory.ListServiceConfigs(ctx, t.ID)
	if err != nil {
		report.Status = state.JobStatusFailed
		report.Error = "failed to list service connections: " + err.Error()
		return report
	}

	var runs []TableRun
	for _, sc := range configs {
		if !sc.Enabled {
			continue
		}
		p.planService(ctx, t.ID, sc, opts, report, &runs)
	}

	results := make([]*TableReport, len(runs))
	runBounded(ctx, p.cfg.Pipeline.TableConcurrency, runs, func(i int, tr TableRun) {
		results[i] = p.tables.Run(ctx, jobID, tr)
	})
	for i, rep := range results {
		if rep == nil {
			ep := runs[i].Endpoint
			rep = &TableReport{
				Service:        ep.Service,
				Path:           ep.Path,
				CanonicalTable: ep.CanonicalTable,
				Status:         TableFailed,
				Error:          "run cancelled before dispatch",
			}
		}
		report.Tables[rep.Service+"/"+rep.Path] = rep
	}

	p.submitTransforms(ctx, jobID, t.ID, report)

	report.aggregate()
	p.log.Info("tenant processed",
		slog.String("job_id", jobID),
		slog.String("tenant_id", t.ID),
		slog.String("status", string(report.Status)),
		slog.Int("tables", len(report.Tables)))
	return report
}

// planService expands one service connection into table runs. Endpoints
// that cannot run report why; endpoints with nothing to do are skipped
// without a report.
func (p *TenantProcessor) planService(ctx context.Context, tenantID string, sc *tenant.ServiceConfig, opts RunOptions, report *TenantReport, runs *[]TableRun) {
	conn, err := p.connectors.Get(sc.Service)
	if err != nil {
		report.Tables[sc.Service] = &TableReport{
			Service: sc.Service, Status: TableFailed, Error: err.Error(),
		}
		return
	}
	endpoints, err := p.catalog.Endpoints(sc.Service)
	if err != nil {
		report.Tables[sc.Service] = &TableReport{
			Service: sc.Service, Status: TableFailed, Error: err.Error(),
		}
		return
	}

	// One credential resolution covers every endpoint of the service.
	creds, credsErr := p.secrets.Get(ctx, sc.CredentialsRef)

	until := time.Now().UTC().Add(-p.cfg.Pipeline.WatermarkLag)

	for _, ep := range endpoints {
		if !endpointEnabled(ep, sc) || !matchesTableFilter(ep, opts.TableFilter) {
			continue
		}
		key := ep.Service + "/" + ep.Path

		if credsErr != nil {
			report.Tables[key] = &TableReport{
				Service:        ep.Service,
				Path:           ep.Path,
				CanonicalTable: ep.CanonicalTable,
				Status:         TableFailed,
				Error:          "credentials: " + credsErr.Error(),
			}
			continue
		}

		windows, skip, err := p.planWindows(ctx, tenantID, ep, opts, until)
		if err != nil {
			report.Tables[key] = &TableReport{
				Service:        ep.Service,
				Path:           ep.Path,
				CanonicalTable: ep.CanonicalTable,
				Status:         TableFailed,
				Error:          "watermark lookup failed: " + err.Error(),
			}
			continue
		}
		if skip {
			p.log.Debug("endpoint up to date, skipping",
				slog.String("tenant_id", tenantID), slog.String("table", key))
			continue
		}

		*runs = append(*runs, TableRun{
			TenantID:    tenantID,
			Endpoint:    ep,
			Connector:   conn,
			Credentials: creds,
			Windows:     windows,
			PageSize:    pageSize(ep, sc, p.cfg),
		})
	}
}

// planWindows decides what slice of source time an endpoint fetches.
// Backfills replay an explicit range split into chunk-sized windows;
// everything else is a single window from the watermark (or from the
// epoch when there is none or the sync is forced full) up to now minus
// the configured lag.
func (p *TenantProcessor) planWindows(ctx context.Context, tenantID string, ep catalog.Endpoint, opts RunOptions, until time.Time) ([]Window, bool, error) {
	if opts.Backfill != nil {
		return SplitWindow(opts.Backfill.Start, opts.Backfill.End, p.cfg.Pipeline.ChunkDuration), false, nil
	}

	var since time.Time
	if !opts.FullSync {
		wm, err := p.state.GetWatermark(ctx, tenantID, rawWatermarkKey(ep))
		if err != nil {
			return nil, false, err
		}
		since = wm

		// Scheduled runs honor the endpoint's sync cadence. Only tables
		// with data advance their watermark, so an always-empty endpoint
		// is refetched every cycle; that fetch is a single empty page.
		if opts.RunKind == state.RunKindScheduled && !wm.IsZero() && ep.SyncFrequency != "" {
			if freq, err := time.ParseDuration(ep.SyncFrequency); err == nil && time.Since(wm) < freq {
				return nil, true, nil
			}
		}
	}
	if since.IsZero() {
		since = time.Unix(0, 0).UTC()
	}
	if !since.Before(until) {
		return nil, true, nil
	}
	return []Window{{Start: since, End: until}}, false, nil
}

// submitTransforms groups landed blobs by canonical table across the
// tenant's services and submits one merge batch per table. Transform
// failures are logged, not fatal: raw data is already durable and the
// batch replays on the next run.
func (p *TenantProcessor) submitTransforms(ctx context.Context, jobID, tenantID string, report *TenantReport) {
	byTable := make(map[string][]transform.BlobRef)
	for _, tr := range report.Tables {
		if tr.Status == TableFailed || len(tr.Blobs) == 0 {
			continue
		}
		byTable[tr.CanonicalTable] = append(byTable[tr.CanonicalTable], tr.Blobs...)
	}
	if len(byTable) == 0 {
		return
	}

	tables := make([]string, 0, len(byTable))
	for table := range byTable {
		tables = append(tables, table)
	}
	sort.Strings(tables)

	for _, table := range tables {
		_, err := p.transform.Submit(ctx, transform.Request{
			JobID:          jobID,
			TenantID:       tenantID,
			CanonicalTable: table,
			Blobs:          byTable[table],
		})
		if err != nil {
			p.log.Warn("canonical transform failed",
				slog.String("job_id", jobID),
				slog.String("tenant_id", tenantID),
				slog.String("table", table),
				logger.Error(err))
		}
	}
}

// endpointEnabled applies the tenant override to the catalog default.
// Overrides can disable an endpoint but never enable one the catalog
// ships disabled.
func endpointEnabled(ep catalog.Endpoint, sc *tenant.ServiceConfig) bool {
	if !ep.Enabled {
		return false
	}
	if o, ok := sc.Override(ep.Path); ok && o.Enabled != nil {
		return *o.Enabled
	}
	return true
}

// matchesTableFilter accepts either the endpoint path or the canonical
// table name, so `--table tickets` narrows every service feeding
// tickets while `--table service/tickets` narrows one endpoint.
func matchesTableFilter(ep catalog.Endpoint, filter string) bool {
	return filter == "" || filter == ep.Path || filter == ep.CanonicalTable
}

// pageSize resolves the page size: tenant override, then catalog
// endpoint, then the engine default.
func pageSize(ep catalog.Endpoint, sc *tenant.ServiceConfig, cfg *config.Config) int {
	if o, ok := sc.Override(ep.Path); ok && o.PageSize != nil && *o.PageSize > 0 {
		return *o.PageSize
	}
	if ep.PageSize > 0 {
		return ep.PageSize
	}
	return cfg.Pipeline.PageSize
}
