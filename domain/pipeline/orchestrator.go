// Package pipeline is the ingestion execution engine. A run fans out
// over three bounded tiers (tenants, tables, window chunks), lands raw
// records in blob storage, and feeds what landed to the canonical
// transform. All progress lives in the state store, so a run can die
// anywhere and the next one picks up from durable bookkeeping.
package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/avesa-io/avesa/domain/catalog"
	"github.com/avesa-io/avesa/domain/connector"
	"github.com/avesa-io/avesa/domain/state"
	"github.com/avesa-io/avesa/domain/tenant"
	"github.com/avesa-io/avesa/internal/config"
	"github.com/avesa-io/avesa/pkg/apperror"
	"github.com/avesa-io/avesa/pkg/logger"
	"github.com/avesa-io/avesa/pkg/metrics"
	"github.com/avesa-io/avesa/pkg/tracing"
)

// RunOptions select what one orchestrated run covers.
type RunOptions struct {
	RunKind state.RunKind

	// TenantFilter narrows the run to one tenant ID.
	TenantFilter string

	// TableFilter narrows every tenant to one endpoint path or
	// canonical table.
	TableFilter string

	// FullSync ignores raw watermarks and refetches from the epoch.
	FullSync bool

	// Backfill replays an explicit window instead of syncing forward.
	Backfill *Window
}

// Notifier observes completed runs. Notification failures never affect
// job status; implementations log their own errors.
type Notifier interface {
	NotifyJobCompleted(ctx context.Context, report *Report)
}

// Orchestrator owns whole ingestion runs: job bookkeeping, tenant
// fan-out, aggregation, and completion side effects.
type Orchestrator struct {
	tenants    *TenantProcessor
	directory  tenant.Store
	connectors *connector.Registry
	catalog    *catalog.Registry
	state      state.Store
	notifier   Notifier
	cfg        *config.Config
	log        *slog.Logger
}

// NewOrchestrator builds the run orchestrator.
func NewOrchestrator(
	tenants *TenantProcessor,
	directory tenant.Store,
	connectors *connector.Registry,
	cat *catalog.Registry,
	st state.Store,
	notifier Notifier,
	cfg *config.Config,
	log *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		tenants:    tenants,
		directory:  directory,
		connectors: connectors,
		catalog:    cat,
		state:      st,
		notifier:   notifier,
		cfg:        cfg,
		log:        log.With(logger.Scope("pipeline.orchestrator")),
	}
}

// Run executes one orchestrated ingestion run to completion and
// returns its report. The returned error is non-nil only when the run
// could not be attempted at all: an unknown tenant, a service nobody
// can fetch from, or unreachable bookkeeping. Fetch and transform
// failures land in the report instead.
func (o *Orchestrator) Run(ctx context.Context, opts RunOptions) (*Report, error) {
	if opts.RunKind == "" {
		opts.RunKind = state.RunKindManual
	}

	tenants, err := o.selectTenants(ctx, opts)
	if err != nil {
		return nil, err
	}

	jobID := uuid.NewString()
	ctx, span := tracing.Start(ctx, "pipeline.run",
		attribute.String("avesa.job.id", jobID),
		attribute.String("avesa.run.kind", string(opts.RunKind)))
	defer span.End()

	err = o.state.CreateJob(ctx, &state.Job{
		ID:           jobID,
		RunKind:      opts.RunKind,
		TenantFilter: opts.TenantFilter,
		TableFilter:  opts.TableFilter,
	})
	if err != nil {
		return nil, err
	}

	// A service nobody can fetch from fails the whole run before any
	// chunk row exists; a half-planned run would be harder to reason
	// about than no run.
	if err := o.validateServices(ctx, tenants); err != nil {
		o.failJob(ctx, jobID, opts.RunKind, err)
		return nil, err
	}

	if err := o.state.MarkJobRunning(ctx, jobID); err != nil {
		return nil, err
	}

	log := o.log.With(slog.String("job_id", jobID), slog.String("run_kind", string(opts.RunKind)))
	log.Info("ingestion run started",
		slog.Int("tenants", len(tenants)),
		slog.String("tenant_filter", opts.TenantFilter),
		slog.String("table_filter", opts.TableFilter),
		slog.Bool("full_sync", opts.FullSync))
	started := time.Now()

	runCtx, cancel := context.WithTimeout(ctx, o.cfg.Pipeline.JobTimeout)
	defer cancel()

	results := make([]*TenantReport, len(tenants))
	runBounded(runCtx, o.cfg.Pipeline.TenantConcurrency, tenants, func(i int, t *tenant.Tenant) {
		results[i] = o.tenants.Run(runCtx, jobID, t, opts)
	})

	report := &Report{
		JobID:   jobID,
		RunKind: opts.RunKind,
		Tenants: make(map[string]*TenantReport, len(tenants)),
	}
	for i, t := range tenants {
		tr := results[i]
		if tr == nil {
			tr = &TenantReport{
				Status: state.JobStatusFailed,
				Error:  "run cancelled before dispatch",
				Tables: map[string]*TableReport{},
			}
		}
		report.Tenants[t.ID] = tr
	}
	report.aggregate()
	if ctx.Err() != nil {
		report.Status = state.JobStatusCancelled
	}

	o.complete(ctx, report, started)
	return report, nil
}

func (o *Orchestrator) selectTenants(ctx context.Context, opts RunOptions) ([]*tenant.Tenant, error) {
	tenants, err := o.directory.ListTenants(ctx, true)
	if err != nil {
		return nil, err
	}
	if opts.TenantFilter == "" {
		return tenants, nil
	}
	for _, t := range tenants {
		if t.ID == opts.TenantFilter {
			return []*tenant.Tenant{t}, nil
		}
	}
	return nil, apperror.NewNotFound("enabled tenant", opts.TenantFilter)
}

// validateServices checks that every service the selected tenants
// connect to has a connector and a catalog entry.
func (o *Orchestrator) validateServices(ctx context.Context, tenants []*tenant.Tenant) error {
	checked := make(map[string]bool)
	for _, t := range tenants {
		configs, err := o.directory.ListServiceConfigs(ctx, t.ID)
		if err != nil {
			return apperror.Wrap(apperror.KindFatal, "failed to list service connections for "+t.ID, err)
		}
		for _, sc := range configs {
			if !sc.Enabled || checked[sc.Service] {
				continue
			}
			checked[sc.Service] = true
			if _, err := o.connectors.Get(sc.Service); err != nil {
				return err
			}
			if _, err := o.catalog.ServiceSpec(sc.Service); err != nil {
				return err
			}
		}
	}
	return nil
}

// complete persists the terminal status and fires completion side
// effects, detached from cancellation: a cancelled run still records
// how far it got.
func (o *Orchestrator) complete(ctx context.Context, report *Report, started time.Time) {
	detached := context.WithoutCancel(ctx)

	summary, _ := json.Marshal(report)
	if err := o.state.CompleteJob(detached, report.JobID, report.Status, summary); err != nil {
		o.log.Error("failed to record job completion",
			slog.String("job_id", report.JobID), logger.Error(err))
	}

	metrics.JobsCompleted.WithLabelValues(string(report.RunKind), string(report.Status)).Inc()
	metrics.JobDuration.WithLabelValues(string(report.RunKind)).Observe(time.Since(started).Seconds())

	o.log.Info("ingestion run completed",
		slog.String("job_id", report.JobID),
		slog.String("status", string(report.Status)),
		slog.Duration("duration", time.Since(started).Round(time.Millisecond)),
		slog.Int("tenants", len(report.Tenants)))

	if o.notifier != nil {
		o.notifier.NotifyJobCompleted(detached, report)
	}
}

func (o *Orchestrator) failJob(ctx context.Context, jobID string, kind state.RunKind, cause error) {
	summary, _ := json.Marshal(map[string]string{"error": cause.Error()})
	if err := o.state.CompleteJob(context.WithoutCancel(ctx), jobID, state.JobStatusFailed, summary); err != nil {
		o.log.Error("failed to record job failure",
			slog.String("job_id", jobID), logger.Error(err))
	}
	metrics.JobsCompleted.WithLabelValues(string(kind), string(state.JobStatusFailed)).Inc()
}
