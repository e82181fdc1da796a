package tenant

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/uptrace/bun"

	"github.com/avesa-io/avesa/pkg/apperror"
	"github.com/avesa-io/avesa/pkg/logger"
)

// SQL is the Postgres-backed Store.
type SQL struct {
	db  bun.IDB
	log *slog.Logger
}

var _ Store = (*SQL)(nil)

// NewSQL creates the Postgres tenant store.
func NewSQL(db *bun.DB, log *slog.Logger) *SQL {
	return &SQL{
		db:  db,
		log: log.With(logger.Scope("tenant")),
	}
}

func (s *SQL) CreateTenant(ctx context.Context, t *Tenant) error {
	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	_, err := s.db.NewInsert().Model(t).Exec(ctx)
	if err != nil {
		if isUniqueViolation(err) {
			return apperror.Newf(apperror.KindConflict, "tenant %s already exists", t.ID)
		}
		s.log.Error("failed to create tenant", logger.Error(err), slog.String("tenant_id", t.ID))
		return err
	}

	s.log.Info("tenant created", slog.String("tenant_id", t.ID), slog.String("name", t.Name))
	return nil
}

func (s *SQL) GetTenant(ctx context.Context, tenantID string) (*Tenant, error) {
	t := &Tenant{}
	err := s.db.NewSelect().
		Model(t).
		Where("tenant_id = ?", tenantID).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NewNotFound("tenant", tenantID)
		}
		return nil, err
	}
	return t, nil
}

func (s *SQL) ListTenants(ctx context.Context, enabledOnly bool) ([]*Tenant, error) {
	var tenants []*Tenant
	q := s.db.NewSelect().
		Model(&tenants).
		OrderExpr("tenant_id ASC")
	if enabledOnly {
		q = q.Where("enabled")
	}
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	return tenants, nil
}

func (s *SQL) UpsertServiceConfig(ctx context.Context, cfg *ServiceConfig) error {
	now := time.Now()
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = now
	}
	cfg.UpdatedAt = now

	_, err := s.db.NewInsert().
		Model(cfg).
		On("CONFLICT (tenant_id, service) DO UPDATE").
		Set("enabled = EXCLUDED.enabled").
		Set("credentials_ref = EXCLUDED.credentials_ref").
		Set("endpoint_overrides = EXCLUDED.endpoint_overrides").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		if isForeignKeyViolation(err) {
			return apperror.NewNotFound("tenant", cfg.TenantID)
		}
		s.log.Error("failed to upsert service config", logger.Error(err),
			slog.String("tenant_id", cfg.TenantID),
			slog.String("service", cfg.Service))
		return err
	}

	s.log.Info("service config saved",
		slog.String("tenant_id", cfg.TenantID),
		slog.String("service", cfg.Service),
		slog.Bool("enabled", cfg.Enabled))
	return nil
}

func (s *SQL) GetServiceConfig(ctx context.Context, tenantID, service string) (*ServiceConfig, error) {
	cfg := &ServiceConfig{}
	err := s.db.NewSelect().
		Model(cfg).
		Where("tenant_id = ?", tenantID).
		Where("service = ?", service).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NewNotFound("service config", tenantID+"/"+service)
		}
		return nil, err
	}
	return cfg, nil
}

func (s *SQL) ListServiceConfigs(ctx context.Context, tenantID string) ([]*ServiceConfig, error) {
	var configs []*ServiceConfig
	err := s.db.NewSelect().
		Model(&configs).
		Where("tenant_id = ?", tenantID).
		OrderExpr("service ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return configs, nil
}

// pgx wraps constraint errors; match on the SQLSTATE in the message.
func isUniqueViolation(err error) bool {
	return containsErrorCode(err, "23505")
}

func isForeignKeyViolation(err error) bool {
	return containsErrorCode(err, "23503")
}

func containsErrorCode(err error, code string) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), code)
}
