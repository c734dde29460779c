package tenant_test

import (
	"path/filepath"
	"testing"

	"github.com/openclaw/vcevidence/internal/tenant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndGet(t *testing.T) {
	r, err := tenant.Open(filepath.Join(t.TempDir(), "vc_tenants.json"))
	require.NoError(t, err)

	err = r.Register(tenant.Tenant{
		StartupID:   "acme",
		DisplayName: "Acme Inc",
		GatewayURL:  "http://127.0.0.1:9000",
		Active:      true,
	})
	require.NoError(t, err)

	got, err := r.Get("acme")
	require.NoError(t, err)
	assert.Equal(t, "desktop_common", got.FolderAlias)
	assert.Equal(t, []string{"desktop_common/"}, got.Policy.AllowPrefixes)
	assert.Equal(t, 365, got.Policy.RetentionDays)
}

func TestInvalidStartupID(t *testing.T) {
	r, err := tenant.Open(filepath.Join(t.TempDir(), "vc_tenants.json"))
	require.NoError(t, err)

	err = r.Register(tenant.Tenant{StartupID: "Acme!"})
	assert.ErrorIs(t, err, tenant.ErrInvalidID)
}

func TestGetActiveRejectsInactive(t *testing.T) {
	r, err := tenant.Open(filepath.Join(t.TempDir(), "vc_tenants.json"))
	require.NoError(t, err)

	require.NoError(t, r.Register(tenant.Tenant{StartupID: "acme", Active: false}))

	_, err = r.GetActive("acme")
	assert.Error(t, err)
}

func TestAllowPrefixesRootedUnderAlias(t *testing.T) {
	r, err := tenant.Open(filepath.Join(t.TempDir(), "vc_tenants.json"))
	require.NoError(t, err)

	require.NoError(t, r.Register(tenant.Tenant{
		StartupID:   "acme",
		FolderAlias: "shared_drive",
		Active:      true,
		Policy: tenant.ScopePolicy{
			AllowPrefixes: []string{"shared_drive/docs", "other_root/evil"},
		},
	}))

	got, err := r.Get("acme")
	require.NoError(t, err)
	for _, p := range got.Policy.AllowPrefixes {
		assert.Contains(t, p, "shared_drive/")
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vc_tenants.json")
	r1, err := tenant.Open(path)
	require.NoError(t, err)
	require.NoError(t, r1.Register(tenant.Tenant{StartupID: "acme", Active: true}))

	r2, err := tenant.Open(path)
	require.NoError(t, err)

	got, err := r2.Get("acme")
	require.NoError(t, err)
	assert.Equal(t, "acme", got.StartupID)
}
