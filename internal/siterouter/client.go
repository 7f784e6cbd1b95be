// Package siterouter is the client for the site-local revocation registry.
package siterouter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tapis-project/tokens-api/internal/apierr"
)

// Client calls the site-router colocated with the Tenants registry.
type Client struct {
	baseURL string
	// identity headers carried on every call: the service's own token and
	// principal, never the end user's
	serviceToken  func() string
	serviceTenant string
	serviceUser   string
	http          *http.Client
	logger        *zap.Logger
}

// New creates a site-router client.
func New(baseURL string, serviceToken func() string, serviceTenant, serviceUser string, timeout time.Duration, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:       strings.TrimRight(baseURL, "/"),
		serviceToken:  serviceToken,
		serviceTenant: serviceTenant,
		serviceUser:   serviceUser,
		http:          &http.Client{Timeout: timeout},
		logger:        logger,
	}
}

// Revoke marks the raw token's jti as revoked in the site-local registry.
func (c *Client) Revoke(ctx context.Context, rawToken string) error {
	body, err := json.Marshal(map[string]string{"token": rawToken})
	if err != nil {
		return fmt.Errorf("marshal revoke body: %w", err)
	}

	u := c.baseURL + "/v3/site-router/tokens/revoke"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build revoke request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tapis-Token", c.serviceToken())
	req.Header.Set("X-Tapis-Tenant", c.serviceTenant)
	req.Header.Set("X-Tapis-User", c.serviceUser)

	resp, err := c.http.Do(req)
	if err != nil {
		return apierr.Wrap(apierr.KindUpstream, "Error contacting Tapis to revoke token.", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return apierr.Newf(apierr.KindUpstream, "Error contacting Tapis to revoke token; site-router returned status %d.", resp.StatusCode)
	}
	return nil
}

// Check reports whether a jti is still live (not revoked).
func (c *Client) Check(ctx context.Context, jti string) (bool, error) {
	u := fmt.Sprintf("%s/v3/site-router/tokens/check?jti=%s", c.baseURL, url.QueryEscape(jti))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return false, fmt.Errorf("build check request: %w", err)
	}
	req.Header.Set("X-Tapis-Token", c.serviceToken())
	req.Header.Set("X-Tapis-Tenant", c.serviceTenant)
	req.Header.Set("X-Tapis-User", c.serviceUser)

	resp, err := c.http.Do(req)
	if err != nil {
		return false, apierr.Wrap(apierr.KindUpstream, "Error contacting the site-router.", err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		return true, nil
	case resp.StatusCode == http.StatusBadRequest:
		return false, nil
	default:
		return false, apierr.Newf(apierr.KindUpstream, "site-router returned status %d for token check.", resp.StatusCode)
	}
}
