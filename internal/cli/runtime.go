package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"

	"github.com/avesa-io/avesa/domain/blob"
	"github.com/avesa-io/avesa/domain/catalog"
	"github.com/avesa-io/avesa/domain/columnstore"
	"github.com/avesa-io/avesa/domain/connector"
	"github.com/avesa-io/avesa/domain/mapping"
	"github.com/avesa-io/avesa/domain/notify"
	"github.com/avesa-io/avesa/domain/pipeline"
	"github.com/avesa-io/avesa/domain/secrets"
	"github.com/avesa-io/avesa/domain/state"
	"github.com/avesa-io/avesa/domain/tenant"
	"github.com/avesa-io/avesa/domain/transform"
	"github.com/avesa-io/avesa/internal/config"
	"github.com/avesa-io/avesa/pkg/logger"
)

// errStateStoreUnreachable marks connection failures against the
// bookkeeping database so Execute can map them to exit code 4.
var errStateStoreUnreachable = errors.New("state store unreachable")

const connectTimeout = 10 * time.Second

// toolbox holds the dependencies one-shot commands construct directly.
// The long-running server assembles the same graph through fx instead;
// see newServeCommand.
type toolbox struct {
	cfg  *config.Config
	log  *slog.Logger
	pool *pgxpool.Pool
	db   *bun.DB

	state     state.Store
	directory tenant.Store
}

// openToolbox loads configuration from the environment and connects to
// the state store.
func openToolbox(ctx context.Context) (*toolbox, error) {
	log := logger.NewLogger()
	cfg, err := config.NewConfig(log)
	if err != nil {
		return nil, err
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.Database.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.Database.MaxOpenConns)

	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errStateStoreUnreachable, err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: %v", errStateStoreUnreachable, err)
	}

	db := bun.NewDB(stdlib.OpenDBFromPool(pool), pgdialect.New())

	return &toolbox{
		cfg:       cfg,
		log:       log,
		pool:      pool,
		db:        db,
		state:     state.NewSQL(db, log),
		directory: tenant.NewSQL(db, log),
	}, nil
}

func (t *toolbox) Close() {
	if t.db != nil {
		_ = t.db.Close()
	}
	if t.pool != nil {
		t.pool.Close()
	}
}

// engine assembles the full ingestion graph for in-process runs.
func (t *toolbox) engine() (*pipeline.Orchestrator, error) {
	cat, err := catalog.Load()
	if err != nil {
		return nil, err
	}
	mappings, err := mapping.Load()
	if err != nil {
		return nil, err
	}

	limiter := connector.NewLimiter(t.cfg.Pipeline.RateLimitWaitMax)
	connectors, err := connector.BuildRegistry(cat, limiter, t.log)
	if err != nil {
		return nil, err
	}

	blobs, err := blob.NewS3(t.cfg, t.log)
	if err != nil {
		return nil, err
	}
	secretsStore, err := secrets.NewStore(t.cfg, t.db, t.log)
	if err != nil {
		return nil, err
	}

	canonical := columnstore.NewSQL(t.db, t.log)
	applier := transform.NewApplier(canonical, t.log)
	transformer, err := transform.NewTransformer(mappings, blobs, applier, t.state, t.cfg, t.log)
	if err != nil {
		return nil, err
	}

	chunks := pipeline.NewChunkProcessor(t.state, blobs, t.cfg, t.log)
	tables := pipeline.NewTableProcessor(chunks, t.state, t.cfg, t.log)
	tenants := pipeline.NewTenantProcessor(tables, t.directory, secretsStore, connectors, cat, t.state, transformer, t.cfg, t.log)
	notifier := notify.NewNotifier(t.cfg, t.log)

	return pipeline.NewOrchestrator(tenants, t.directory, connectors, cat, t.state, notifier, t.cfg, t.log), nil
}
