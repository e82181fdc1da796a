package cli

import (
	"log/slog"

	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/avesa-io/avesa/domain/blob"
	"github.com/avesa-io/avesa/domain/catalog"
	"github.com/avesa-io/avesa/domain/columnstore"
	"github.com/avesa-io/avesa/domain/connector"
	"github.com/avesa-io/avesa/domain/health"
	"github.com/avesa-io/avesa/domain/mapping"
	"github.com/avesa-io/avesa/domain/notify"
	"github.com/avesa-io/avesa/domain/pipeline"
	"github.com/avesa-io/avesa/domain/scheduler"
	"github.com/avesa-io/avesa/domain/secrets"
	"github.com/avesa-io/avesa/domain/state"
	"github.com/avesa-io/avesa/domain/tenant"
	"github.com/avesa-io/avesa/domain/tracing"
	"github.com/avesa-io/avesa/domain/transform"
	"github.com/avesa-io/avesa/internal/config"
	"github.com/avesa-io/avesa/internal/database"
	"github.com/avesa-io/avesa/internal/server"
	"github.com/avesa-io/avesa/pkg/logger"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the pipeline server",
		Long: `Run the pipeline server: the scheduler triggers ingestion runs and
stale chunk recovery, and the HTTP API exposes health probes, metrics,
and job introspection. Blocks until interrupted.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			newApp().Run()
			return nil
		},
	}
}

// newApp assembles the server's dependency graph.
func newApp() *fx.App {
	return fx.New(
		fx.WithLogger(func(log *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: log}
		}),

		// Infrastructure
		logger.Module,
		config.Module,
		database.Module,
		tracing.Module,
		server.Module,

		// Stores and registries
		state.Module,
		tenant.Module,
		blob.Module,
		columnstore.Module,
		secrets.Module,
		catalog.Module,
		mapping.Module,
		connector.Module,

		// Execution engine
		transform.Module,
		pipeline.Module,
		notify.Module,

		// Operations
		health.Module,
		scheduler.Module,
	)
}
