// Package tenant is the directory of customers and their source-service
// connections. The orchestrator reads it to decide what a run covers.
package tenant

import "context"

// Store persists tenants and service configs.
type Store interface {
	// CreateTenant inserts a tenant, Conflict when the ID is taken.
	CreateTenant(ctx context.Context, t *Tenant) error

	// GetTenant returns a tenant by ID, NotFound when absent.
	GetTenant(ctx context.Context, tenantID string) (*Tenant, error)

	// ListTenants returns tenants ordered by ID. With enabledOnly set,
	// disabled tenants are filtered out.
	ListTenants(ctx context.Context, enabledOnly bool) ([]*Tenant, error)

	// UpsertServiceConfig creates or replaces the (tenant, service) row.
	// The tenant must exist.
	UpsertServiceConfig(ctx context.Context, cfg *ServiceConfig) error

	// GetServiceConfig returns one service config, NotFound when absent.
	GetServiceConfig(ctx context.Context, tenantID, service string) (*ServiceConfig, error)

	// ListServiceConfigs returns every service config of a tenant,
	// enabled or not, ordered by service name.
	ListServiceConfigs(ctx context.Context, tenantID string) ([]*ServiceConfig, error)
}
