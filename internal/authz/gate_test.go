package authz

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tapis-project/tokens-api/internal/apierr"
	"github.com/tapis-project/tokens-api/internal/config"
	"github.com/tapis-project/tokens-api/internal/sk"
	"github.com/tapis-project/tokens-api/internal/tenants"
	"github.com/tapis-project/tokens-api/internal/token"
)

type gateHarness struct {
	gate    *Gate
	cache   *tenants.Cache
	privPEM string
}

// newHarness stands up a fake registry and SK and builds a gate around them.
// skHandler may be nil when the scenario never reaches SK.
func newHarness(t *testing.T, useSK bool, skHandler http.HandlerFunc) *gateHarness {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	privPEM := string(pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}))
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	pubPEM := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}))

	if skHandler == nil {
		skHandler = func(w http.ResponseWriter, r *http.Request) { http.NotFound(w, r) }
	}
	skSrv := httptest.NewServer(skHandler)
	t.Cleanup(skSrv.Close)

	records := []map[string]interface{}{
		{
			"tenant_id":            "dev",
			"site_id":              "tacc",
			"site_admin_tenant_id": "admin",
			"base_url":             "https://dev.develop.tapis.io",
			"status":               "ACTIVE",
			"public_key":           pubPEM,
		},
		{
			"tenant_id":            "admin",
			"site_id":              "tacc",
			"site_admin_tenant_id": "admin",
			"base_url":             skSrv.URL,
			"status":               "ACTIVE",
			"public_key":           pubPEM,
		},
		{
			"tenant_id":            "assoc",
			"site_id":              "assocsite",
			"site_admin_tenant_id": "admin",
			"base_url":             "https://assoc.tapis.io",
			"status":               "ACTIVE",
			"public_key":           pubPEM,
		},
	}
	registry := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Path == "/v3/tenants" {
			json.NewEncoder(w).Encode(map[string]interface{}{"status": "success", "result": records})
			return
		}
		id := strings.TrimPrefix(r.URL.Path, "/v3/tenants/")
		for _, rec := range records {
			if rec["tenant_id"] == id {
				json.NewEncoder(w).Encode(map[string]interface{}{"status": "success", "result": rec})
				return
			}
		}
		http.NotFound(w, r)
	}))
	t.Cleanup(registry.Close)

	regClient := tenants.NewClient(registry.URL, 5*time.Second, nil)
	cache := tenants.NewCache(regClient, []string{"dev", "admin", "assoc"}, 14400, 31536000, nil)
	require.NoError(t, cache.Load(context.Background()))

	cfg := &config.Config{
		ServiceName:             "tokens",
		ServiceTenantID:         "admin",
		ServiceSiteID:           "tacc",
		Tenants:                 []string{"dev", "admin", "assoc"},
		PrimarySiteAdminBaseURL: "https://admin.develop.tapis.io",
		UseSK:                   useSK,
	}

	skClient := sk.New(cache, regClient, map[string]string{"admin": "svc-token"}, "tokens", 5*time.Second, nil)
	validator := token.NewValidator(cache, nil, nil)

	return &gateHarness{
		gate:    New(cfg, cache, skClient, regClient, validator, nil),
		cache:   cache,
		privPEM: privPEM,
	}
}

func (h *gateHarness) bearerFor(t *testing.T, username, tenantID, accountType string) string {
	t.Helper()
	tn, err := h.cache.Get(tenantID)
	require.NoError(t, err)
	req := &token.NewTokenRequest{
		TokenTenantID: tenantID,
		TokenUsername: username,
		AccountType:   accountType,
	}
	if accountType == token.AccountTypeService {
		req.TargetSiteID = tn.SiteID
	}
	at, err := token.DeriveAccessToken(req, tn)
	require.NoError(t, err)
	raw, err := at.Sign(h.privPEM)
	require.NoError(t, err)
	return raw
}

func createRequest(t *testing.T) *http.Request {
	t.Helper()
	return httptest.NewRequest(http.MethodPost, "/v3/tokens", nil)
}

func TestExtractRejectsMixedCredentials(t *testing.T) {
	h := newHarness(t, false, nil)
	r := createRequest(t)
	r.SetBasicAuth("files", "secret")
	r.Header.Set(HeaderTapisToken, "some-token")

	_, err := h.gate.AuthorizeCreate(context.Background(), r, &token.NewTokenRequest{
		TokenTenantID: "dev", TokenUsername: "files", AccountType: token.AccountTypeService, TargetSiteID: "tacc",
	})
	require.Error(t, err)
	assert.Equal(t, apierr.KindInvalidRequest, apierr.KindOf(err))
}

func TestAuthorizeCreateRequiresCredentials(t *testing.T) {
	h := newHarness(t, false, nil)
	_, err := h.gate.AuthorizeCreate(context.Background(), createRequest(t), &token.NewTokenRequest{
		TokenTenantID: "dev", TokenUsername: "u", AccountType: token.AccountTypeUser,
	})
	require.Error(t, err)
	assert.Equal(t, apierr.KindAuthentication, apierr.KindOf(err))
}

func TestAuthorizeBasic(t *testing.T) {
	t.Run("username mismatch rejected", func(t *testing.T) {
		h := newHarness(t, false, nil)
		r := createRequest(t)
		r.SetBasicAuth("files", "secret")

		_, err := h.gate.AuthorizeCreate(context.Background(), r, &token.NewTokenRequest{
			TokenTenantID: "dev", TokenUsername: "apps", AccountType: token.AccountTypeService, TargetSiteID: "tacc",
		})
		require.Error(t, err)
		assert.Equal(t, apierr.KindAuthentication, apierr.KindOf(err))
	})

	t.Run("development mode accepts any password", func(t *testing.T) {
		h := newHarness(t, false, nil)
		r := createRequest(t)
		r.SetBasicAuth("files", "anything")

		caller, err := h.gate.AuthorizeCreate(context.Background(), r, &token.NewTokenRequest{
			TokenTenantID: "dev", TokenUsername: "files", AccountType: token.AccountTypeService, TargetSiteID: "tacc",
		})
		require.NoError(t, err)
		assert.Equal(t, "files", caller.Username)
	})

	t.Run("sk validates the password", func(t *testing.T) {
		h := newHarness(t, true, func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]interface{}{
				"status": "success",
				"result": map[string]bool{"isAuthorized": true},
			})
		})
		r := createRequest(t)
		r.SetBasicAuth("files", "right-password")

		_, err := h.gate.AuthorizeCreate(context.Background(), r, &token.NewTokenRequest{
			TokenTenantID: "dev", TokenUsername: "files", AccountType: token.AccountTypeService, TargetSiteID: "tacc",
		})
		assert.NoError(t, err)
	})

	t.Run("sk outage reads as bad credentials", func(t *testing.T) {
		h := newHarness(t, true, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		})
		r := createRequest(t)
		r.SetBasicAuth("files", "right-password")

		_, err := h.gate.AuthorizeCreate(context.Background(), r, &token.NewTokenRequest{
			TokenTenantID: "dev", TokenUsername: "files", AccountType: token.AccountTypeService, TargetSiteID: "tacc",
		})
		require.Error(t, err)
		assert.Equal(t, apierr.KindAuthentication, apierr.KindOf(err))
		assert.Equal(t, "invalid username/password combination.", apierr.Message(err))
	})
}

func TestAllServicesPassword(t *testing.T) {
	h := newHarness(t, true, func(w http.ResponseWriter, r *http.Request) {
		// SK must never be consulted when the shared password matches
		http.Error(w, "should not be called", http.StatusInternalServerError)
	})
	h.gate.cfg.UseAllServicesPassword = true
	h.gate.cfg.AllServicesPassword = "shared-dev-password"

	r := createRequest(t)
	r.SetBasicAuth("files", "shared-dev-password")

	_, err := h.gate.AuthorizeCreate(context.Background(), r, &token.NewTokenRequest{
		TokenTenantID: "dev", TokenUsername: "files", AccountType: token.AccountTypeService, TargetSiteID: "tacc",
	})
	assert.NoError(t, err)

	t.Run("disabled outside development", func(t *testing.T) {
		h.gate.cfg.PrimarySiteAdminBaseURL = "https://admin.tapis.io"
		r := createRequest(t)
		r.SetBasicAuth("files", "shared-dev-password")

		_, err := h.gate.AuthorizeCreate(context.Background(), r, &token.NewTokenRequest{
			TokenTenantID: "dev", TokenUsername: "files", AccountType: token.AccountTypeService, TargetSiteID: "tacc",
		})
		assert.Error(t, err)
	})
}

func TestAuthorizeBearer(t *testing.T) {
	t.Run("self issue always allowed", func(t *testing.T) {
		h := newHarness(t, true, nil)
		r := createRequest(t)
		r.Header.Set(HeaderTapisToken, h.bearerFor(t, "testuser1", "dev", token.AccountTypeUser))

		caller, err := h.gate.AuthorizeCreate(context.Background(), r, &token.NewTokenRequest{
			TokenTenantID: "dev", TokenUsername: "testuser1", AccountType: token.AccountTypeUser,
		})
		require.NoError(t, err)
		assert.Equal(t, "testuser1", caller.Username)
	})

	t.Run("user tokens blocked in the admin tenant", func(t *testing.T) {
		h := newHarness(t, false, nil)
		r := createRequest(t)
		r.Header.Set(HeaderTapisToken, h.bearerFor(t, "svc", "dev", token.AccountTypeService))

		_, err := h.gate.AuthorizeCreate(context.Background(), r, &token.NewTokenRequest{
			TokenTenantID: "admin", TokenUsername: "someuser", AccountType: token.AccountTypeUser,
		})
		require.Error(t, err)
		assert.Equal(t, apierr.KindAuthentication, apierr.KindOf(err))
	})

	t.Run("cross tenant requires the generator role", func(t *testing.T) {
		h := newHarness(t, true, func(w http.ResponseWriter, r *http.Request) {
			if strings.Contains(r.URL.Path, "dev_token_generator") {
				json.NewEncoder(w).Encode(map[string]interface{}{
					"status": "success",
					"result": map[string][]string{"names": {"authorized-svc"}},
				})
				return
			}
			http.NotFound(w, r)
		})
		ctx := context.Background()

		r := createRequest(t)
		r.Header.Set(HeaderTapisToken, h.bearerFor(t, "authorized-svc", "admin", token.AccountTypeService))
		_, err := h.gate.AuthorizeCreate(ctx, r, &token.NewTokenRequest{
			TokenTenantID: "dev", TokenUsername: "other", AccountType: token.AccountTypeService, TargetSiteID: "tacc",
		})
		assert.NoError(t, err)

		r = createRequest(t)
		r.Header.Set(HeaderTapisToken, h.bearerFor(t, "unauthorized-svc", "admin", token.AccountTypeService))
		_, err = h.gate.AuthorizeCreate(ctx, r, &token.NewTokenRequest{
			TokenTenantID: "dev", TokenUsername: "other", AccountType: token.AccountTypeService, TargetSiteID: "tacc",
		})
		require.Error(t, err)
		assert.Equal(t, apierr.KindPermission, apierr.KindOf(err))
	})

	t.Run("refresh token rejected as a bearer credential", func(t *testing.T) {
		h := newHarness(t, false, nil)
		tn, err := h.cache.Get("dev")
		require.NoError(t, err)
		at, err := token.DeriveAccessToken(&token.NewTokenRequest{
			TokenTenantID: "dev", TokenUsername: "u", AccountType: token.AccountTypeUser,
		}, tn)
		require.NoError(t, err)
		rt := token.DeriveRefreshToken(at, 0, tn)
		raw, err := rt.Sign(h.privPEM)
		require.NoError(t, err)

		r := createRequest(t)
		r.Header.Set(HeaderTapisToken, raw)
		_, err = h.gate.AuthorizeCreate(context.Background(), r, &token.NewTokenRequest{
			TokenTenantID: "dev", TokenUsername: "u", AccountType: token.AccountTypeUser,
		})
		require.Error(t, err)
		assert.Equal(t, apierr.KindAuthentication, apierr.KindOf(err))
	})
}

func TestAuthorizeRevoke(t *testing.T) {
	h := newHarness(t, false, nil)
	ctx := context.Background()

	r := httptest.NewRequest(http.MethodPost, "/v3/tokens/revoke", nil)
	_, err := h.gate.AuthorizeRevoke(ctx, r)
	require.Error(t, err)
	assert.Equal(t, apierr.KindAuthentication, apierr.KindOf(err))

	r = httptest.NewRequest(http.MethodPost, "/v3/tokens/revoke", nil)
	r.Header.Set(HeaderTapisToken, h.bearerFor(t, "testuser1", "dev", token.AccountTypeUser))
	caller, err := h.gate.AuthorizeRevoke(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, "testuser1", caller.Username)
}

func TestAuthorizeRotate(t *testing.T) {
	ctx := context.Background()

	t.Run("own tenant allowed in dev mode", func(t *testing.T) {
		h := newHarness(t, false, nil)
		r := httptest.NewRequest(http.MethodPut, "/v3/tokens/keys", nil)
		r.Header.Set(HeaderTapisToken, h.bearerFor(t, "tokens", "dev", token.AccountTypeService))

		_, err := h.gate.AuthorizeRotate(ctx, r, "dev")
		assert.NoError(t, err)
	})

	t.Run("foreign site rejected", func(t *testing.T) {
		h := newHarness(t, false, nil)
		r := httptest.NewRequest(http.MethodPut, "/v3/tokens/keys", nil)
		r.Header.Set(HeaderTapisToken, h.bearerFor(t, "tokens", "assoc", token.AccountTypeService))

		_, err := h.gate.AuthorizeRotate(ctx, r, "assoc")
		require.Error(t, err)
		assert.Equal(t, apierr.KindPermission, apierr.KindOf(err))
	})

	t.Run("service account may rotate same-site tenants", func(t *testing.T) {
		h := newHarness(t, false, nil)
		r := httptest.NewRequest(http.MethodPut, "/v3/tokens/keys", nil)
		r.Header.Set(HeaderTapisToken, h.bearerFor(t, "tokens", "admin", token.AccountTypeService))

		_, err := h.gate.AuthorizeRotate(ctx, r, "dev")
		assert.NoError(t, err)
	})

	t.Run("cross-tenant user rejected", func(t *testing.T) {
		h := newHarness(t, false, nil)
		r := httptest.NewRequest(http.MethodPut, "/v3/tokens/keys", nil)
		r.Header.Set(HeaderTapisToken, h.bearerFor(t, "someuser", "admin", token.AccountTypeUser))

		_, err := h.gate.AuthorizeRotate(ctx, r, "dev")
		require.Error(t, err)
		assert.Equal(t, apierr.KindPermission, apierr.KindOf(err))
	})

	t.Run("updater role required when sk is in use", func(t *testing.T) {
		h := newHarness(t, true, func(w http.ResponseWriter, r *http.Request) {
			if strings.Contains(r.URL.Path, "tenant_definition_updater") {
				json.NewEncoder(w).Encode(map[string]interface{}{
					"status": "success",
					"result": map[string][]string{"names": {}},
				})
				return
			}
			http.NotFound(w, r)
		})
		r := httptest.NewRequest(http.MethodPut, "/v3/tokens/keys", nil)
		r.Header.Set(HeaderTapisToken, h.bearerFor(t, "tokens", "dev", token.AccountTypeService))

		_, err := h.gate.AuthorizeRotate(ctx, r, "dev")
		require.Error(t, err)
		assert.Equal(t, apierr.KindPermission, apierr.KindOf(err))
	})
}
