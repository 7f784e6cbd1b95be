package tenants

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/tapis-project/tokens-api/internal/apierr"
)

// ErrNotFound is returned by Get for tenants this instance does not hold.
var ErrNotFound = apierr.New(apierr.KindInvalidRequest, "tenant is not known to this Tokens API instance.")

// Cache holds the tenant records this instance serves, including signing
// keys. Read-mostly; writers are bootstrap (before the listener starts),
// Reload, and key rotation's SetSigningKey.
type Cache struct {
	registry *Client
	served   []string
	logger   *zap.Logger

	// defaults applied when a record carries no TTLs of its own
	defaultAccessTTL  int64
	defaultRefreshTTL int64

	mu      sync.RWMutex
	entries map[string]Tenant
	ready   bool
}

// NewCache creates an unloaded cache for the given allow-list.
func NewCache(registry *Client, served []string, defaultAccessTTL, defaultRefreshTTL int64, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		registry:          registry,
		served:            served,
		defaultAccessTTL:  defaultAccessTTL,
		defaultRefreshTTL: defaultRefreshTTL,
		logger:            logger,
		entries:           make(map[string]Tenant),
	}
}

// Load fetches every tenant record from the registry and retains the served
// tenants plus every site-admin tenant they reference. Signing keys are
// populated separately by bootstrap.
func (c *Cache) Load(ctx context.Context) error {
	all, err := c.registry.ListTenants(ctx)
	if err != nil {
		return fmt.Errorf("load tenants from registry: %w", err)
	}

	byID := make(map[string]Tenant, len(all))
	for _, t := range all {
		byID[t.TenantID] = t
	}

	keep := make(map[string]Tenant)
	for _, id := range c.served {
		t, ok := byID[id]
		if !ok {
			return fmt.Errorf("configured tenant %q not found in the Tenants registry", id)
		}
		keep[id] = t
		// site-admin tenants are needed for service-token targeting even
		// when they are not in the allow-list
		if admin, ok := byID[t.SiteAdminTenantID]; ok {
			keep[admin.TenantID] = admin
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for id, t := range keep {
		if existing, ok := c.entries[id]; ok {
			// a reload must not drop signing material already loaded
			t.PrivateKey = existing.PrivateKey
			if t.AccessTokenTTL == 0 {
				t.AccessTokenTTL = existing.AccessTokenTTL
			}
			if t.RefreshTokenTTL == 0 {
				t.RefreshTokenTTL = existing.RefreshTokenTTL
			}
		}
		if t.AccessTokenTTL == 0 {
			t.AccessTokenTTL = c.defaultAccessTTL
		}
		if t.RefreshTokenTTL == 0 {
			t.RefreshTokenTTL = c.defaultRefreshTTL
		}
		c.entries[id] = t
	}
	c.logger.Info("tenant cache loaded", zap.Int("tenants", len(c.entries)))
	return nil
}

// Reload refetches tenant metadata from the registry, preserving signing keys.
func (c *Cache) Reload(ctx context.Context) error {
	return c.Load(ctx)
}

// Get returns a snapshot of the tenant record.
func (c *Cache) Get(tenantID string) (Tenant, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.entries[tenantID]
	if !ok {
		return Tenant{}, ErrNotFound
	}
	return t, nil
}

// Serves reports whether the tenant is in this instance's allow-list.
func (c *Cache) Serves(tenantID string) bool {
	for _, id := range c.served {
		if id == tenantID {
			return true
		}
	}
	return false
}

// SetSigningKey atomically replaces a tenant's private key. This is the only
// write path after bootstrap besides Reload.
func (c *Cache) SetSigningKey(tenantID, privateKeyPEM string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.entries[tenantID]
	if !ok {
		return ErrNotFound
	}
	t.PrivateKey = privateKeyPEM
	c.entries[tenantID] = t
	c.logger.Info("tenant signing key swapped", zap.String("tenant_id", tenantID))
	return nil
}

// SetPublicKey records a freshly published public key so bearer validation
// uses it without waiting for a registry reload.
func (c *Cache) SetPublicKey(tenantID, publicKeyPEM string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.entries[tenantID]
	if !ok {
		return ErrNotFound
	}
	t.PublicKey = publicKeyPEM
	c.entries[tenantID] = t
	return nil
}

// SetTokenDefaults overrides the cached TTL defaults for a tenant.
func (c *Cache) SetTokenDefaults(tenantID string, accessTTL, refreshTTL int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.entries[tenantID]
	if !ok {
		return ErrNotFound
	}
	if accessTTL > 0 {
		t.AccessTokenTTL = accessTTL
	}
	if refreshTTL > 0 {
		t.RefreshTokenTTL = refreshTTL
	}
	c.entries[tenantID] = t
	return nil
}

// SiteAdminTenants returns the sorted, de-duplicated site-admin tenant ids
// this service must authenticate against.
func (c *Cache) SiteAdminTenants() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, t := range c.entries {
		if t.SiteAdminTenantID != "" {
			seen[t.SiteAdminTenantID] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// All returns snapshots of every cached tenant.
func (c *Cache) All() []Tenant {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Tenant, 0, len(c.entries))
	for _, t := range c.entries {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out
}

// MarkReady flips the readiness flag once bootstrap has populated every
// signing key. No operation returns a tenant with an empty private key after
// this point.
func (c *Cache) MarkReady() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ready = true
}

// Ready reports whether bootstrap completed.
func (c *Cache) Ready() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ready
}
