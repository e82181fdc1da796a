package tenant

import (
	"time"

	"github.com/uptrace/bun"
)

// Tenant represents one customer whose source systems the pipeline
// ingests. Disabled tenants are skipped by scheduled and manual runs.
type Tenant struct {
	bun.BaseModel `bun:"table:tenants,alias:t"`

	ID        string    `bun:"tenant_id,pk" json:"tenantId"`
	Name      string    `bun:"name,notnull" json:"name"`
	Enabled   bool      `bun:"enabled,notnull,default:true" json:"enabled"`
	CreatedAt time.Time `bun:"created_at,notnull,default:now()" json:"createdAt"`
	UpdatedAt time.Time `bun:"updated_at,notnull,default:now()" json:"updatedAt"`
}

// EndpointOverride adjusts one catalog endpoint for a single tenant.
// Nil fields inherit the catalog value.
type EndpointOverride struct {
	Enabled  *bool `json:"enabled,omitempty"`
	PageSize *int  `json:"page_size,omitempty"`
}

// ServiceConfig connects a tenant to one source service. Credentials
// are never stored here; CredentialsRef is resolved through the
// secrets provider at fetch time.
type ServiceConfig struct {
	bun.BaseModel `bun:"table:service_configs,alias:sc"`

	TenantID       string `bun:"tenant_id,pk" json:"tenantId"`
	Service        string `bun:"service,pk" json:"service"`
	Enabled        bool   `bun:"enabled,notnull,default:true" json:"enabled"`
	CredentialsRef string `bun:"credentials_ref,notnull" json:"credentialsRef"`

	// EndpointOverrides keys by catalog endpoint path, e.g.
	// "service/tickets".
	EndpointOverrides map[string]EndpointOverride `bun:"endpoint_overrides,type:jsonb" json:"endpointOverrides,omitempty"`

	CreatedAt time.Time `bun:"created_at,notnull,default:now()" json:"createdAt"`
	UpdatedAt time.Time `bun:"updated_at,notnull,default:now()" json:"updatedAt"`
}

// Override returns the override for an endpoint path, if any.
func (c *ServiceConfig) Override(path string) (EndpointOverride, bool) {
	o, ok := c.EndpointOverrides[path]
	return o, ok
}
