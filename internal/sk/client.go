// Package sk is the client for the Security Kernel: secret read/write, role
// queries, and service-password validation. Every call targets the SK
// instance at the site-admin tenant of the call's target tenant, and
// authenticates with the service token minted for that site-admin tenant at
// bootstrap.
package sk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tapis-project/tokens-api/internal/apierr"
	"github.com/tapis-project/tokens-api/internal/tenants"
)

// Secret types and names consumed by the Tokens API.
const (
	SecretTypeJWTSigning = "jwtsigning"
	SecretTypeService    = "service"
	SecretNameKeys       = "keys"
	SecretNamePassword   = "password"

	// GenerateSecretSentinel instructs SK to generate the key pair
	// server-side; no key material crosses the wire on write.
	GenerateSecretSentinel = "<generate-secret>"
)

// KeyPair is the material returned by a jwtsigning secret read.
type KeyPair struct {
	PrivateKey string `json:"privateKey"`
	PublicKey  string `json:"publicKey"`
}

// Client talks to the Security Kernel.
type Client struct {
	cache    *tenants.Cache
	registry *tenants.Client
	// serviceTokens maps site-admin tenant id to the self-signed service
	// token minted at bootstrap. Read-only after bootstrap.
	serviceTokens map[string]string
	serviceName   string
	http          *http.Client
	logger        *zap.Logger
}

// New creates an SK client.
func New(cache *tenants.Cache, registry *tenants.Client, serviceTokens map[string]string, serviceName string, timeout time.Duration, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cache:         cache,
		registry:      registry,
		serviceTokens: serviceTokens,
		serviceName:   serviceName,
		http:          &http.Client{Timeout: timeout},
		logger:        logger,
	}
}

// ReadSecret fetches a secret; for jwtsigning secrets the result carries the
// PEM key pair.
func (c *Client) ReadSecret(ctx context.Context, secretType, secretName, tenant, user string) (*KeyPair, error) {
	u, tok, err := c.endpoint(ctx, tenant, fmt.Sprintf("/v3/security/vault/secret/%s/%s?tenant=%s&user=%s",
		url.PathEscape(secretType), url.PathEscape(secretName), url.QueryEscape(tenant), url.QueryEscape(user)))
	if err != nil {
		return nil, err
	}
	var result struct {
		SecretMap KeyPair `json:"secretMap"`
	}
	if err := c.call(ctx, http.MethodGet, u, tok, nil, &result); err != nil {
		return nil, fmt.Errorf("readSecret %s/%s for tenant %s: %w", secretType, secretName, tenant, err)
	}
	return &result.SecretMap, nil
}

// WriteSecret writes (or, with the generate sentinel, generates) a secret.
func (c *Client) WriteSecret(ctx context.Context, secretType, secretName, tenant, user string, data map[string]string) error {
	u, tok, err := c.endpoint(ctx, tenant, fmt.Sprintf("/v3/security/vault/secret/%s/%s",
		url.PathEscape(secretType), url.PathEscape(secretName)))
	if err != nil {
		return err
	}
	body := map[string]interface{}{
		"tenant": tenant,
		"user":   user,
		"data":   data,
	}
	if err := c.call(ctx, http.MethodPost, u, tok, body, nil); err != nil {
		return fmt.Errorf("writeSecret %s/%s for tenant %s: %w", secretType, secretName, tenant, err)
	}
	return nil
}

// ValidateServicePassword asks SK whether the service password is correct.
func (c *Client) ValidateServicePassword(ctx context.Context, secretType, secretName, tenant, user, password string) (bool, error) {
	u, tok, err := c.endpoint(ctx, tenant, fmt.Sprintf("/v3/security/vault/secret/%s/%s/validate",
		url.PathEscape(secretType), url.PathEscape(secretName)))
	if err != nil {
		return false, err
	}
	body := map[string]interface{}{
		"tenant":   tenant,
		"user":     user,
		"password": password,
	}
	var result struct {
		IsAuthorized bool `json:"isAuthorized"`
	}
	if err := c.call(ctx, http.MethodPost, u, tok, body, &result); err != nil {
		return false, fmt.Errorf("validateServicePassword for %s@%s: %w", user, tenant, err)
	}
	return result.IsAuthorized, nil
}

// HasRole asks SK whether the user holds a role in a tenant.
func (c *Client) HasRole(ctx context.Context, roleName, user, tenant string) (bool, error) {
	u, tok, err := c.endpoint(ctx, tenant, fmt.Sprintf("/v3/security/role/%s/hasRole?user=%s&tenant=%s",
		url.PathEscape(roleName), url.QueryEscape(user), url.QueryEscape(tenant)))
	if err != nil {
		return false, err
	}
	var result struct {
		IsAuthorized bool `json:"isAuthorized"`
	}
	if err := c.call(ctx, http.MethodGet, u, tok, nil, &result); err != nil {
		return false, fmt.Errorf("hasRole %s for %s@%s: %w", roleName, user, tenant, err)
	}
	return result.IsAuthorized, nil
}

// GetUsersWithRole lists the users holding a role in a tenant.
func (c *Client) GetUsersWithRole(ctx context.Context, roleName, tenant string) ([]string, error) {
	u, tok, err := c.endpoint(ctx, tenant, fmt.Sprintf("/v3/security/role/%s/users?tenant=%s",
		url.PathEscape(roleName), url.QueryEscape(tenant)))
	if err != nil {
		return nil, err
	}
	var result struct {
		Names []string `json:"names"`
	}
	if err := c.call(ctx, http.MethodGet, u, tok, nil, &result); err != nil {
		return nil, fmt.Errorf("getUsersWithRole %s in %s: %w", roleName, tenant, err)
	}
	return result.Names, nil
}

// Healthcheck verifies SK reachability at the service's own site.
func (c *Client) Healthcheck(ctx context.Context, serviceTenantID string) error {
	u, tok, err := c.endpoint(ctx, serviceTenantID, "/v3/security/healthcheck")
	if err != nil {
		return err
	}
	return c.call(ctx, http.MethodGet, u, tok, nil, nil)
}

// endpoint resolves the SK base URL and service token for a target tenant.
// Tenants this instance does not serve are resolved through the registry:
// key rotation must reach SK for DRAFT tenants that are never cached. Their
// site-admin tenant still has to be cached.
func (c *Client) endpoint(ctx context.Context, tenant, path string) (string, string, error) {
	var adminID string
	if t, err := c.cache.Get(tenant); err == nil {
		adminID = t.SiteAdminTenantID
		if adminID == "" {
			adminID = t.TenantID
		}
	} else {
		rt, rerr := c.registry.GetTenant(ctx, tenant)
		if rerr != nil {
			if apierr.KindOf(rerr) == apierr.KindInvalidRequest {
				return "", "", apierr.Newf(apierr.KindInvalidRequest, "tenant %s is not known to this instance.", tenant)
			}
			return "", "", rerr
		}
		adminID = rt.SiteAdminTenantID
		if adminID == "" {
			adminID = rt.TenantID
		}
	}
	admin, err := c.cache.Get(adminID)
	if err != nil {
		return "", "", apierr.Newf(apierr.KindInternal, "site-admin tenant %s for tenant %s is not cached.", adminID, tenant)
	}
	tok, ok := c.serviceTokens[adminID]
	if !ok {
		return "", "", apierr.Newf(apierr.KindInternal, "no service token for site-admin tenant %s.", adminID)
	}
	return strings.TrimRight(admin.BaseURL, "/") + path, tok, nil
}

type skEnvelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

func (c *Client) call(ctx context.Context, method, u, token string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal SK request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("build SK request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Tapis-Token", token)
	req.Header.Set("X-Tapis-User", c.serviceName)

	resp, err := c.http.Do(req)
	if err != nil {
		return apierr.Wrap(apierr.KindUpstream, "Security Kernel unavailable.", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return apierr.Wrap(apierr.KindUpstream, "error reading Security Kernel response.", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return apierr.Newf(apierr.KindUpstream, "Security Kernel returned status %d.", resp.StatusCode)
	}
	if out == nil {
		return nil
	}

	var env skEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return apierr.Wrap(apierr.KindUpstream, "malformed Security Kernel response.", err)
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return apierr.Wrap(apierr.KindUpstream, "malformed Security Kernel result.", err)
	}
	return nil
}
