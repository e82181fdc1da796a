package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/avesa-io/avesa/domain/pipeline"
	"github.com/avesa-io/avesa/domain/state"
	"github.com/avesa-io/avesa/pkg/logger"
)

// ingestRunner is the slice of the orchestrator the scheduled task needs.
type ingestRunner interface {
	Run(ctx context.Context, opts pipeline.RunOptions) (*pipeline.Report, error)
}

// ScheduledIngestTask kicks off an incremental ingestion run across all
// enabled tenants. Per-endpoint sync frequencies are honored inside the
// run, so firing more often than the fastest endpoint is safe.
type ScheduledIngestTask struct {
	runner ingestRunner
	log    *slog.Logger
}

// NewScheduledIngestTask creates a new scheduled ingest task
func NewScheduledIngestTask(runner ingestRunner, log *slog.Logger) *ScheduledIngestTask {
	return &ScheduledIngestTask{
		runner: runner,
		log:    log.With(logger.Scope("scheduler.ingest")),
	}
}

// Run executes one scheduled ingestion run
func (t *ScheduledIngestTask) Run(ctx context.Context) error {
	start := time.Now()
	t.log.Info("starting scheduled ingestion run")

	report, err := t.runner.Run(ctx, pipeline.RunOptions{RunKind: state.RunKindScheduled})
	if err != nil {
		t.log.Error("scheduled ingestion could not start", logger.Error(err))
		return err
	}

	t.log.Info("scheduled ingestion run finished",
		slog.String("job_id", report.JobID),
		slog.String("status", string(report.Status)),
		slog.Int("tenants", len(report.Tenants)),
		slog.Duration("duration", time.Since(start)))

	return nil
}

// StaleChunkRecoveryTask reclaims chunks abandoned by dead workers,
// parking them as timed_out so the next run resumes or restarts them.
type StaleChunkRecoveryTask struct {
	store     state.Store
	olderThan time.Duration
	log       *slog.Logger
}

// NewStaleChunkRecoveryTask creates a new stale chunk recovery task
func NewStaleChunkRecoveryTask(store state.Store, olderThan time.Duration, log *slog.Logger) *StaleChunkRecoveryTask {
	if olderThan <= 0 {
		olderThan = 30 * time.Minute
	}
	return &StaleChunkRecoveryTask{
		store:     store,
		olderThan: olderThan,
		log:       log.With(logger.Scope("scheduler.stale_chunks")),
	}
}

// Run executes one recovery sweep
func (t *StaleChunkRecoveryTask) Run(ctx context.Context) error {
	recovered, err := t.store.RecoverStaleChunks(ctx, t.olderThan)
	if err != nil {
		t.log.Error("stale chunk recovery failed", logger.Error(err))
		return err
	}

	if recovered > 0 {
		t.log.Info("recovered stale chunks",
			slog.Int("count", recovered),
			slog.Duration("older_than", t.olderThan))
	} else {
		t.log.Debug("no stale chunks to recover")
	}

	return nil
}
