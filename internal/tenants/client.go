// Package tenants holds the per-process tenant signing cache and the client
// for the external Tenants registry.
package tenants

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
)

// Tenant statuses as published by the registry.
const (
	StatusActive   = "ACTIVE"
	StatusDraft    = "DRAFT"
	StatusInactive = "INACTIVE"
)

// Tenant is a registry record enriched with the signing material this
// service caches. Callers receive snapshots and must not mutate them.
type Tenant struct {
	TenantID          string `json:"tenant_id"`
	SiteID            string `json:"site_id"`
	SiteAdminTenantID string `json:"site_admin_tenant_id"`
	BaseURL           string `json:"base_url"`
	Status            string `json:"status"`
	PublicKey         string `json:"public_key"`

	// Issuer is the iss claim for tokens of this tenant, derived from the
	// registry base URL.
	Issuer string `json:"-"`

	// Signing material and token defaults, populated at bootstrap.
	PrivateKey      string `json:"-"`
	AccessTokenTTL  int64  `json:"-"`
	RefreshTokenTTL int64  `json:"-"`
}

// Client talks to the Tenants registry.
type Client struct {
	baseURL string
	http    *http.Client
	// serviceToken authenticates registry writes; reads are public.
	serviceToken func() string
	logger       *zap.Logger
}

// ClientOption customizes a registry client.
type ClientOption func(*Client)

// WithServiceToken supplies the bearer token used for update_tenant calls.
func WithServiceToken(fn func() string) ClientOption {
	return func(c *Client) { c.serviceToken = fn }
}

// NewClient creates a Tenants registry client.
func NewClient(baseURL string, timeout time.Duration, logger *zap.Logger, opts ...ClientOption) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type registryEnvelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

// GetTenant fetches a single tenant record. DRAFT and INACTIVE tenants are
// returned as well; key rotation must work for tenants not yet live.
func (c *Client) GetTenant(ctx context.Context, tenantID string) (*Tenant, error) {
	u := fmt.Sprintf("%s/v3/tenants/%s?show_draft=true", c.baseURL, url.PathEscape(tenantID))
	var t Tenant
	if err := c.get(ctx, u, &t); err != nil {
		return nil, err
	}
	t.Issuer = issuerFor(&t)
	return &t, nil
}

// ListTenants fetches every tenant record the registry publishes.
func (c *Client) ListTenants(ctx context.Context) ([]Tenant, error) {
	u := fmt.Sprintf("%s/v3/tenants?show_draft=true", c.baseURL)
	var ts []Tenant
	if err := c.get(ctx, u, &ts); err != nil {
		return nil, err
	}
	for i := range ts {
		ts[i].Issuer = issuerFor(&ts[i])
	}
	return ts, nil
}

// UpdateTenant publishes a new public key for the tenant.
func (c *Client) UpdateTenant(ctx context.Context, tenantID, publicKeyPEM string) error {
	u := fmt.Sprintf("%s/v3/tenants/%s", c.baseURL, url.PathEscape(tenantID))
	body, err := json.Marshal(map[string]string{"public_key": publicKeyPEM})
	if err != nil {
		return fmt.Errorf("marshal update_tenant body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build update_tenant request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.serviceToken != nil {
		req.Header.Set("X-Tapis-Token", c.serviceToken())
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return apierr.Wrap(apierr.KindUpstream, "Tenants registry unavailable.", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return apierr.Newf(apierr.KindUpstream, "Tenants registry returned status %d for update_tenant.", resp.StatusCode)
	}
	return nil
}

func (c *Client) get(ctx context.Context, u string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("build registry request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return apierr.Wrap(apierr.KindUpstream, "Tenants registry unavailable.", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return apierr.Wrap(apierr.KindUpstream, "error reading Tenants registry response.", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return apierr.New(apierr.KindInvalidRequest, "tenant not found in the Tenants registry.")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return apierr.Newf(apierr.KindUpstream, "Tenants registry returned status %d.", resp.StatusCode)
	}

	var env registryEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return apierr.Wrap(apierr.KindUpstream, "malformed Tenants registry response.", err)
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return apierr.Wrap(apierr.KindUpstream, "malformed Tenants registry result.", err)
	}
	return nil
}

// issuerFor derives the iss claim URL from the tenant base URL.
func issuerFor(t *Tenant) string {
	return strings.TrimRight(t.BaseURL, "/") + "/v3/tokens"
}
