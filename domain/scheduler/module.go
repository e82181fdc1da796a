package scheduler

import (
	"context"
	"log/slog"
	"time"

	"go.uber.org/fx"

	"github.com/avesa-io/avesa/domain/pipeline"
	"github.com/avesa-io/avesa/domain/state"
	"github.com/avesa-io/avesa/internal/config"
)

// Module provides scheduled ingestion and chunk recovery
var Module = fx.Module("scheduler",
	fx.Provide(
		NewScheduler,
	),
	fx.Invoke(
		RegisterTasks,
		RegisterSchedulerLifecycle,
	),
)

// TaskParams contains dependencies for creating scheduled tasks
type TaskParams struct {
	fx.In
	Scheduler    *Scheduler
	Orchestrator *pipeline.Orchestrator
	Store        state.Store
	Log          *slog.Logger
	Cfg          *config.Config
}

// RegisterTasks registers all scheduled tasks
func RegisterTasks(p TaskParams) error {
	sc := p.Cfg.Scheduler
	if !sc.Enabled {
		p.Log.Info("scheduler disabled, skipping task registration")
		return nil
	}

	// A scheduled run must outlive the job timeout the orchestrator
	// applies internally.
	p.Scheduler.SetTaskTimeout(p.Cfg.Pipeline.JobTimeout + time.Minute)

	ingestTask := NewScheduledIngestTask(p.Orchestrator, p.Log)
	if err := addScheduledTask(p.Scheduler, p.Log, "scheduled_ingest",
		sc.IngestSchedule, sc.IngestInterval, ingestTask.Run); err != nil {
		p.Log.Error("failed to register scheduled ingest task",
			slog.String("error", err.Error()))
	}

	recoveryTask := NewStaleChunkRecoveryTask(p.Store, sc.StaleChunkAfter, p.Log)
	if err := addScheduledTask(p.Scheduler, p.Log, "stale_chunk_recovery",
		sc.StaleRecoverySchedule, sc.StaleRecoveryInterval, recoveryTask.Run); err != nil {
		p.Log.Error("failed to register stale chunk recovery task",
			slog.String("error", err.Error()))
	}

	p.Log.Info("registered scheduled tasks",
		slog.Any("tasks", p.Scheduler.ListTasks()))

	return nil
}

// addScheduledTask registers the task under a cron expression when one
// is configured, falling back to the fixed interval.
func addScheduledTask(s *Scheduler, log *slog.Logger, name, schedule string, interval time.Duration, task TaskFunc) error {
	if schedule != "" {
		log.Debug("using cron schedule override",
			slog.String("task", name),
			slog.String("schedule", schedule))
		return s.AddCronTask(name, schedule, task)
	}
	return s.AddIntervalTask(name, interval, task)
}

// RegisterSchedulerLifecycle registers the scheduler with fx lifecycle
func RegisterSchedulerLifecycle(lc fx.Lifecycle, scheduler *Scheduler, cfg *config.Config) {
	if !cfg.Scheduler.Enabled {
		return
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return scheduler.Start(ctx)
		},
		OnStop: func(ctx context.Context) error {
			return scheduler.Stop(ctx)
		},
	})
}
