package tenant

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/avesa-io/avesa/pkg/apperror"
)

// Memory is a mutex-guarded Store for tests.
type Memory struct {
	mu      sync.Mutex
	tenants map[string]*Tenant
	configs map[string]map[string]*ServiceConfig // tenantID -> service
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		tenants: make(map[string]*Tenant),
		configs: make(map[string]map[string]*ServiceConfig),
	}
}

func (m *Memory) CreateTenant(_ context.Context, t *Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tenants[t.ID]; ok {
		return apperror.Newf(apperror.KindConflict, "tenant %s already exists", t.ID)
	}
	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	cp := *t
	m.tenants[t.ID] = &cp
	return nil
}

func (m *Memory) GetTenant(_ context.Context, tenantID string) (*Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tenants[tenantID]
	if !ok {
		return nil, apperror.NewNotFound("tenant", tenantID)
	}
	cp := *t
	return &cp, nil
}

func (m *Memory) ListTenants(_ context.Context, enabledOnly bool) ([]*Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Tenant
	for _, t := range m.tenants {
		if enabledOnly && !t.Enabled {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) UpsertServiceConfig(_ context.Context, cfg *ServiceConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tenants[cfg.TenantID]; !ok {
		return apperror.NewNotFound("tenant", cfg.TenantID)
	}
	byService, ok := m.configs[cfg.TenantID]
	if !ok {
		byService = make(map[string]*ServiceConfig)
		m.configs[cfg.TenantID] = byService
	}
	now := time.Now()
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = now
	}
	cfg.UpdatedAt = now
	cp := *cfg
	byService[cfg.Service] = &cp
	return nil
}

func (m *Memory) GetServiceConfig(_ context.Context, tenantID, service string) (*ServiceConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg, ok := m.configs[tenantID][service]
	if !ok {
		return nil, apperror.NewNotFound("service config", tenantID+"/"+service)
	}
	cp := *cfg
	return &cp, nil
}

func (m *Memory) ListServiceConfigs(_ context.Context, tenantID string) ([]*ServiceConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*ServiceConfig
	for _, cfg := range m.configs[tenantID] {
		cp := *cfg
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out, nil
}
