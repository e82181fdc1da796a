package tenant

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avesa-io/avesa/pkg/apperror"
)

func TestMemory_CreateTenant(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	err := store.CreateTenant(ctx, &Tenant{ID: "acme", Name: "Acme Corp", Enabled: true})
	require.NoError(t, err)

	got, err := store.GetTenant(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, "Acme Corp", got.Name)
	assert.True(t, got.Enabled)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestMemory_CreateTenant_Duplicate(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	require.NoError(t, store.CreateTenant(ctx, &Tenant{ID: "acme", Name: "Acme", Enabled: true}))

	err := store.CreateTenant(ctx, &Tenant{ID: "acme", Name: "Other", Enabled: true})
	assert.Equal(t, apperror.KindConflict, apperror.KindOf(err))
}

func TestMemory_GetTenant_NotFound(t *testing.T) {
	store := NewMemory()

	_, err := store.GetTenant(context.Background(), "ghost")
	assert.Equal(t, apperror.KindNotFound, apperror.KindOf(err))
}

func TestMemory_ListTenants_EnabledOnly(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	require.NoError(t, store.CreateTenant(ctx, &Tenant{ID: "beta", Name: "Beta", Enabled: false}))
	require.NoError(t, store.CreateTenant(ctx, &Tenant{ID: "acme", Name: "Acme", Enabled: true}))

	all, err := store.ListTenants(ctx, false)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "acme", all[0].ID, "ordered by ID")

	enabled, err := store.ListTenants(ctx, true)
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	assert.Equal(t, "acme", enabled[0].ID)
}

func TestMemory_UpsertServiceConfig(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	require.NoError(t, store.CreateTenant(ctx, &Tenant{ID: "acme", Name: "Acme", Enabled: true}))

	cfg := &ServiceConfig{
		TenantID:       "acme",
		Service:        "connectwise",
		Enabled:        true,
		CredentialsRef: "acme/connectwise",
	}
	require.NoError(t, store.UpsertServiceConfig(ctx, cfg))

	// Upsert replaces in place.
	disabled := false
	cfg2 := &ServiceConfig{
		TenantID:       "acme",
		Service:        "connectwise",
		Enabled:        true,
		CredentialsRef: "acme/connectwise-v2",
		EndpointOverrides: map[string]EndpointOverride{
			"time/entries": {Enabled: &disabled},
		},
	}
	require.NoError(t, store.UpsertServiceConfig(ctx, cfg2))

	got, err := store.GetServiceConfig(ctx, "acme", "connectwise")
	require.NoError(t, err)
	assert.Equal(t, "acme/connectwise-v2", got.CredentialsRef)

	o, ok := got.Override("time/entries")
	require.True(t, ok)
	require.NotNil(t, o.Enabled)
	assert.False(t, *o.Enabled)
}

func TestMemory_UpsertServiceConfig_UnknownTenant(t *testing.T) {
	store := NewMemory()

	err := store.UpsertServiceConfig(context.Background(), &ServiceConfig{
		TenantID:       "ghost",
		Service:        "connectwise",
		CredentialsRef: "x",
	})
	assert.Equal(t, apperror.KindNotFound, apperror.KindOf(err))
}

func TestMemory_ListServiceConfigs_Ordered(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	require.NoError(t, store.CreateTenant(ctx, &Tenant{ID: "acme", Name: "Acme", Enabled: true}))

	for _, svc := range []string{"servicenow", "connectwise", "salesforce"} {
		require.NoError(t, store.UpsertServiceConfig(ctx, &ServiceConfig{
			TenantID:       "acme",
			Service:        svc,
			Enabled:        true,
			CredentialsRef: "acme/" + svc,
		}))
	}

	configs, err := store.ListServiceConfigs(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, configs, 3)
	assert.Equal(t, "connectwise", configs[0].Service)
	assert.Equal(t, "salesforce", configs[1].Service)
	assert.Equal(t, "servicenow", configs[2].Service)
}
