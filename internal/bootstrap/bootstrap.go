// Package bootstrap wires the service at process start: it resolves the
// chicken-and-egg between tokens and keys by minting self-signed service
// tokens from the out-of-band site-admin private key, then uses those tokens
// to fetch every other tenant's signing key from the Security Kernel.
package bootstrap

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/tapis-project/tokens-api/internal/config"
	"github.com/tapis-project/tokens-api/internal/revocation"
	"github.com/tapis-project/tokens-api/internal/siterouter"
	"github.com/tapis-project/tokens-api/internal/sk"
	"github.com/tapis-project/tokens-api/internal/tenants"
	"github.com/tapis-project/tokens-api/internal/token"
)

// ServiceTokenTTL is the lifetime of the self-issued service tokens: 10 years.
const ServiceTokenTTL int64 = 60 * 60 * 24 * 365 * 10

// RoleTenantDefinitionUpdater must be held by the tokens principal; without
// it key rotation cannot publish public keys.
const RoleTenantDefinitionUpdater = "tenant_definition_updater"

// Services is the explicit dependency context threaded through handlers.
type Services struct {
	Config      *config.Config
	Log         *zap.Logger
	Tenants     *tenants.Cache
	Registry    *tenants.Client
	SK          *sk.Client
	SiteRouter  *siterouter.Client
	Validator   *token.Validator
	Revocations *revocation.Cache

	// ServiceTokens maps site-admin tenant id to the self-signed service
	// token used for outbound calls. Written only here; read-only after.
	ServiceTokens map[string]string

	// SiteAdminKeyPEM is the out-of-band signing key for the site-admin
	// tenant. Retained for the keys-admin utility.
	SiteAdminKeyPEM string
}

// Init runs the full bootstrap sequence. Any failure is fatal to the
// process; the HTTP listener must not start on a partially built context.
func Init(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Services, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	adminKeyPEM, err := cfg.SigningKeyPEM()
	if err != nil {
		return nil, err
	}

	// registry writes (update_tenant) authenticate with the service token,
	// which does not exist until later in this function; the closure defers
	// the lookup until the first write
	var svcsRef *Services
	registry := tenants.NewClient(cfg.TenantsBaseURL, cfg.UpstreamTimeout, logger,
		tenants.WithServiceToken(func() string {
			if svcsRef == nil {
				return ""
			}
			return svcsRef.ownServiceToken()
		}))
	cache := tenants.NewCache(registry, cfg.Tenants, cfg.DefaultAccessTokenTTL, cfg.DefaultRefreshTokenTTL, logger)
	if err := cache.Load(ctx); err != nil {
		return nil, err
	}

	svcs := &Services{
		Config:          cfg,
		Log:             logger,
		Tenants:         cache,
		Registry:        registry,
		ServiceTokens:   make(map[string]string),
		SiteAdminKeyPEM: adminKeyPEM,
	}
	svcsRef = svcs

	// one self-issued service token per site-admin tenant this instance
	// must authenticate against
	for _, adminID := range cache.SiteAdminTenants() {
		raw, err := svcs.mintServiceToken(adminID)
		if err != nil {
			return nil, fmt.Errorf("mint service token for site-admin tenant %s: %w", adminID, err)
		}
		svcs.ServiceTokens[adminID] = raw
	}
	if len(svcs.ServiceTokens) == 0 {
		return nil, fmt.Errorf("no site-admin tenants resolved; cannot authenticate to SK")
	}
	logger.Info("service tokens minted", zap.Int("site_admin_tenants", len(svcs.ServiceTokens)))

	svcs.SK = sk.New(cache, registry, svcs.ServiceTokens, cfg.ServiceName, cfg.UpstreamTimeout, logger)
	svcs.SiteRouter = siterouter.New(cfg.TenantsBaseURL, svcs.ownServiceToken, cfg.ServiceTenantID, cfg.ServiceName, cfg.UpstreamTimeout, logger)

	if cfg.RevocationCacheAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RevocationCacheAddr})
		svcs.Revocations = revocation.New(client)
	}
	svcs.Validator = token.NewValidator(cache, checkerOrNil(svcs.Revocations), logger)

	if cfg.UseSK {
		if err := svcs.verifyUpdaterRole(ctx); err != nil {
			return nil, err
		}
		if err := svcs.loadSigningKeys(ctx); err != nil {
			return nil, err
		}
	} else {
		// development mode: every tenant signs with the site-admin key
		for _, t := range cache.All() {
			if err := cache.SetSigningKey(t.TenantID, adminKeyPEM); err != nil {
				return nil, err
			}
		}
		logger.Warn("running without SK; all tenants use the site-admin signing key")
	}

	cache.MarkReady()
	logger.Info("bootstrap complete", zap.String("site_id", cfg.ServiceSiteID),
		zap.Strings("tenants", cfg.Tenants))
	return svcs, nil
}

// mintServiceToken self-issues a 10-year service token for the given
// site-admin tenant, signed with the site-admin private key.
func (s *Services) mintServiceToken(adminTenantID string) (string, error) {
	adminTenant, err := s.Tenants.Get(adminTenantID)
	if err != nil {
		return "", err
	}
	req := &token.NewTokenRequest{
		TokenTenantID:  adminTenantID,
		TokenUsername:  s.Config.ServiceName,
		AccountType:    token.AccountTypeService,
		AccessTokenTTL: ServiceTokenTTL,
		TargetSiteID:   adminTenant.SiteID,
	}
	at, err := token.DeriveAccessToken(req, adminTenant)
	if err != nil {
		return "", err
	}
	return at.Sign(s.SiteAdminKeyPEM)
}

// ownServiceToken returns the service token for this instance's own tenant's
// site-admin tenant; used for site-router and registry writes.
func (s *Services) ownServiceToken() string {
	own, err := s.Tenants.Get(s.Config.ServiceTenantID)
	if err == nil {
		if tok, ok := s.ServiceTokens[own.SiteAdminTenantID]; ok {
			return tok
		}
	}
	if tok, ok := s.ServiceTokens[s.Config.ServiceTenantID]; ok {
		return tok
	}
	return ""
}

// verifyUpdaterRole aborts startup when the tokens principal cannot publish
// rotated public keys.
func (s *Services) verifyUpdaterRole(ctx context.Context) error {
	ok, err := s.SK.HasRole(ctx, RoleTenantDefinitionUpdater, s.Config.ServiceName, s.Config.ServiceTenantID)
	if err != nil {
		return fmt.Errorf("checking %s role: %w", RoleTenantDefinitionUpdater, err)
	}
	if !ok {
		return fmt.Errorf("service principal %q does not hold the %s role in tenant %s",
			s.Config.ServiceName, RoleTenantDefinitionUpdater, s.Config.ServiceTenantID)
	}
	return nil
}

// loadSigningKeys fetches the private key of every tenant owned by this site.
func (s *Services) loadSigningKeys(ctx context.Context) error {
	for _, t := range s.Tenants.All() {
		if t.SiteID != s.Config.ServiceSiteID {
			continue
		}
		pair, err := s.SK.ReadSecret(ctx, sk.SecretTypeJWTSigning, sk.SecretNameKeys, t.TenantID, s.Config.ServiceName)
		if err != nil {
			return fmt.Errorf("load signing key for tenant %s: %w", t.TenantID, err)
		}
		if pair.PrivateKey == "" {
			return fmt.Errorf("SK returned an empty signing key for tenant %s", t.TenantID)
		}
		if err := s.Tenants.SetSigningKey(t.TenantID, pair.PrivateKey); err != nil {
			return err
		}
	}
	return nil
}

// Ready reports whether the instance can serve traffic: the cache is
// populated and, when SK is in use, reachable.
func (s *Services) Ready(ctx context.Context) error {
	if !s.Tenants.Ready() {
		return fmt.Errorf("tenant cache not ready")
	}
	if s.Config.UseSK {
		if err := s.SK.Healthcheck(ctx, s.Config.ServiceTenantID); err != nil {
			return fmt.Errorf("SK unreachable: %w", err)
		}
	}
	return nil
}

func checkerOrNil(c *revocation.Cache) token.RevocationChecker {
	if c == nil {
		return nil
	}
	return c
}
