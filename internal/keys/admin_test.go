package keys

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tapis-project/tokens-api/internal/bootstrap"
	"github.com/tapis-project/tokens-api/internal/config"
)

// adminUpstream fakes the registry and SK for the key-bootstrap flows.
type adminUpstream struct {
	mu      sync.Mutex
	baseURL string
	pubPEM  string
	hasRole bool
	pushes  map[string]string
	writes  int
}

func (u *adminUpstream) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Path == "/v3/tenants" && r.Method == http.MethodGet:
			json.NewEncoder(w).Encode(map[string]interface{}{"status": "success", "result": u.records()})
		case strings.HasPrefix(r.URL.Path, "/v3/tenants/") && r.Method == http.MethodPut:
			id := strings.TrimPrefix(r.URL.Path, "/v3/tenants/")
			var body map[string]string
			json.NewDecoder(r.Body).Decode(&body)
			u.mu.Lock()
			u.pushes[id] = body["public_key"]
			u.mu.Unlock()
			w.WriteHeader(http.StatusOK)
		case strings.Contains(r.URL.Path, "/hasRole"):
			json.NewEncoder(w).Encode(map[string]interface{}{
				"status": "success",
				"result": map[string]bool{"isAuthorized": u.hasRole},
			})
		case strings.HasPrefix(r.URL.Path, "/v3/security/vault/secret/jwtsigning/keys") && r.Method == http.MethodPost:
			u.mu.Lock()
			u.writes++
			u.mu.Unlock()
			json.NewEncoder(w).Encode(map[string]interface{}{"status": "success", "result": nil})
		case strings.HasPrefix(r.URL.Path, "/v3/security/vault/secret/jwtsigning/keys") && r.Method == http.MethodGet:
			json.NewEncoder(w).Encode(map[string]interface{}{
				"status": "success",
				"result": map[string]interface{}{
					"secretMap": map[string]string{
						"privateKey": "generated-priv",
						"publicKey":  "generated-pub",
					},
				},
			})
		default:
			http.NotFound(w, r)
		}
	}
}

func (u *adminUpstream) records() []map[string]interface{} {
	return []map[string]interface{}{
		{
			"tenant_id":            "dev",
			"site_id":              "tacc",
			"site_admin_tenant_id": "admin",
			"base_url":             "https://dev.develop.tapis.io",
			"status":               "ACTIVE",
			"public_key":           u.pubPEM,
		},
		{
			"tenant_id":            "admin",
			"site_id":              "tacc",
			"site_admin_tenant_id": "admin",
			"base_url":             u.baseURL,
			"status":               "ACTIVE",
			"public_key":           u.pubPEM,
		},
	}
}

func newAdminHarness(t *testing.T) (*bootstrap.Services, *adminUpstream) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	privPEM := string(pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}))
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)

	up := &adminUpstream{
		pubPEM:  string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})),
		hasRole: true,
		pushes:  make(map[string]string),
	}
	srv := httptest.NewServer(up.handler())
	t.Cleanup(srv.Close)
	up.baseURL = srv.URL

	cfg := &config.Config{
		ServiceName:             "tokens",
		ServiceTenantID:         "admin",
		ServiceSiteID:           "tacc",
		Tenants:                 []string{"dev"},
		TenantsBaseURL:          srv.URL,
		PrimarySiteAdminBaseURL: "https://admin.develop.tapis.io",
		UseSK:                   false,
		SiteAdminPrivateKey:     privPEM,
		DefaultAccessTokenTTL:   14400,
		DefaultRefreshTokenTTL:  31536000,
		UpstreamTimeout:         5 * time.Second,
		RunningAtPrimarySite:    true,
	}
	svcs, err := bootstrap.Init(context.Background(), cfg, nil)
	require.NoError(t, err)
	return svcs, up
}

func TestAdminValidateConfig(t *testing.T) {
	ctx := context.Background()

	t.Run("valid", func(t *testing.T) {
		svcs, _ := newAdminHarness(t)
		admin := NewAdmin(svcs, t.TempDir(), true, nil)
		assert.NoError(t, admin.ValidateConfig(ctx))
	})

	t.Run("wrong service name", func(t *testing.T) {
		svcs, _ := newAdminHarness(t)
		svcs.Config.ServiceName = "files"
		admin := NewAdmin(svcs, t.TempDir(), true, nil)
		assert.Error(t, admin.ValidateConfig(ctx))
	})

	t.Run("use_sk must be off", func(t *testing.T) {
		svcs, _ := newAdminHarness(t)
		svcs.Config.UseSK = true
		admin := NewAdmin(svcs, t.TempDir(), true, nil)
		assert.Error(t, admin.ValidateConfig(ctx))
	})

	t.Run("tenant owned by another site", func(t *testing.T) {
		svcs, _ := newAdminHarness(t)
		svcs.Config.ServiceSiteID = "othersite"
		admin := NewAdmin(svcs, t.TempDir(), true, nil)
		assert.Error(t, admin.ValidateConfig(ctx))
	})

	t.Run("missing updater role", func(t *testing.T) {
		svcs, up := newAdminHarness(t)
		up.hasRole = false
		admin := NewAdmin(svcs, t.TempDir(), true, nil)
		assert.Error(t, admin.ValidateConfig(ctx))
	})

	t.Run("associate update without pub key files", func(t *testing.T) {
		svcs, _ := newAdminHarness(t)
		svcs.Config.UpdateAssociateSite = true
		svcs.Config.AssociateSiteID = "assoc"
		admin := NewAdmin(svcs, t.TempDir(), true, nil)
		assert.Error(t, admin.ValidateConfig(ctx))
	})
}

func TestAdminDryRunMakesNoChanges(t *testing.T) {
	svcs, up := newAdminHarness(t)
	admin := NewAdmin(svcs, t.TempDir(), true, nil)

	require.NoError(t, admin.Run(context.Background()))
	assert.Zero(t, up.writes, "dry run must not touch SK")
	assert.Empty(t, up.pushes, "dry run must not touch the registry")
}

func TestAdminPrimarySiteFlow(t *testing.T) {
	svcs, up := newAdminHarness(t)
	admin := NewAdmin(svcs, t.TempDir(), false, nil)

	require.NoError(t, admin.Run(context.Background()))
	assert.Equal(t, 1, up.writes)
	assert.Equal(t, "generated-pub", up.pushes["dev"], "public key published for each tenant")
}

func TestAdminAssociateSiteFlow(t *testing.T) {
	svcs, up := newAdminHarness(t)
	svcs.Config.RunningAtPrimarySite = false
	dataDir := t.TempDir()
	admin := NewAdmin(svcs, dataDir, false, nil)

	require.NoError(t, admin.Run(context.Background()))

	raw, err := os.ReadFile(filepath.Join(dataDir, "dev", "pub.key"))
	require.NoError(t, err)
	assert.Equal(t, "generated-pub", string(raw), "public key written to the data directory")
	assert.Empty(t, up.pushes, "associate site does not push to the registry")
}

func TestAdminUpdateAssociateSitePubKeys(t *testing.T) {
	svcs, up := newAdminHarness(t)
	svcs.Config.UpdateAssociateSite = true
	svcs.Config.AssociateSiteID = "assoc"

	dataDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dataDir, "dev"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "dev", "pub.key"), []byte("assoc-pub"), 0o644))

	admin := NewAdmin(svcs, dataDir, false, nil)
	require.NoError(t, admin.Run(context.Background()))
	assert.Equal(t, "assoc-pub", up.pushes["dev"])
	assert.Zero(t, up.writes, "no new keys generated when publishing existing files")
}
