package tenants

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func registryServer(t *testing.T, records []map[string]interface{}) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":  "success",
			"message": "Tenants retrieved.",
			"result":  records,
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func devRecords() []map[string]interface{} {
	return []map[string]interface{}{
		{
			"tenant_id":            "dev",
			"site_id":              "tacc",
			"site_admin_tenant_id": "admin",
			"base_url":             "https://dev.develop.tapis.io",
			"status":               "ACTIVE",
			"public_key":           "dev-pub",
		},
		{
			"tenant_id":            "admin",
			"site_id":              "tacc",
			"site_admin_tenant_id": "admin",
			"base_url":             "https://admin.develop.tapis.io",
			"status":               "ACTIVE",
			"public_key":           "admin-pub",
		},
		{
			"tenant_id":            "other",
			"site_id":              "assoc",
			"site_admin_tenant_id": "assocadmin",
			"base_url":             "https://other.tapis.io",
			"status":               "ACTIVE",
			"public_key":           "other-pub",
		},
	}
}

func TestCacheLoad(t *testing.T) {
	srv := registryServer(t, devRecords())
	client := NewClient(srv.URL, 5*time.Second, nil)
	cache := NewCache(client, []string{"dev"}, 14400, 31536000, nil)

	require.NoError(t, cache.Load(context.Background()))

	dev, err := cache.Get("dev")
	require.NoError(t, err)
	assert.Equal(t, "tacc", dev.SiteID)
	assert.Equal(t, "https://dev.develop.tapis.io/v3/tokens", dev.Issuer)
	assert.Equal(t, int64(14400), dev.AccessTokenTTL, "defaults applied when the record carries none")
	assert.Equal(t, int64(31536000), dev.RefreshTokenTTL)

	// the referenced site-admin tenant is retained even though unserved
	_, err = cache.Get("admin")
	assert.NoError(t, err)

	// unreferenced tenants are not
	_, err = cache.Get("other")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.True(t, cache.Serves("dev"))
	assert.False(t, cache.Serves("admin"))
	assert.Equal(t, []string{"admin"}, cache.SiteAdminTenants())
}

func TestCacheLoadMissingConfiguredTenant(t *testing.T) {
	srv := registryServer(t, devRecords())
	client := NewClient(srv.URL, 5*time.Second, nil)
	cache := NewCache(client, []string{"nosuch"}, 14400, 31536000, nil)

	err := cache.Load(context.Background())
	assert.Error(t, err)
}

func TestCacheReloadPreservesSigningKeys(t *testing.T) {
	srv := registryServer(t, devRecords())
	client := NewClient(srv.URL, 5*time.Second, nil)
	cache := NewCache(client, []string{"dev"}, 14400, 31536000, nil)
	ctx := context.Background()

	require.NoError(t, cache.Load(ctx))
	require.NoError(t, cache.SetSigningKey("dev", "private-pem"))

	require.NoError(t, cache.Reload(ctx))

	dev, err := cache.Get("dev")
	require.NoError(t, err)
	assert.Equal(t, "private-pem", dev.PrivateKey, "reload keeps loaded signing material")
}

func TestCacheSetters(t *testing.T) {
	srv := registryServer(t, devRecords())
	client := NewClient(srv.URL, 5*time.Second, nil)
	cache := NewCache(client, []string{"dev"}, 14400, 31536000, nil)
	require.NoError(t, cache.Load(context.Background()))

	require.NoError(t, cache.SetSigningKey("dev", "k1"))
	require.NoError(t, cache.SetPublicKey("dev", "p1"))
	require.NoError(t, cache.SetTokenDefaults("dev", 600, 1200))

	dev, err := cache.Get("dev")
	require.NoError(t, err)
	assert.Equal(t, "k1", dev.PrivateKey)
	assert.Equal(t, "p1", dev.PublicKey)
	assert.Equal(t, int64(600), dev.AccessTokenTTL)
	assert.Equal(t, int64(1200), dev.RefreshTokenTTL)

	assert.True(t, errors.Is(cache.SetSigningKey("nosuch", "k"), ErrNotFound))
}

func TestCacheReadiness(t *testing.T) {
	srv := registryServer(t, devRecords())
	client := NewClient(srv.URL, 5*time.Second, nil)
	cache := NewCache(client, []string{"dev"}, 14400, 31536000, nil)

	assert.False(t, cache.Ready())
	cache.MarkReady()
	assert.True(t, cache.Ready())
}
