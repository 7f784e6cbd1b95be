package keys

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/tapis-project/tokens-api/internal/bootstrap"
)

// Admin drives the key-bootstrap utility that provisions initial signing
// keys for the tenants of a new site. It reuses the service's own bootstrap
// context and must therefore run as the tokens principal.
type Admin struct {
	svcs    *bootstrap.Services
	rotator *Rotator
	dataDir string
	// dryRun leaves SK and the Tenants registry untouched; flipped off by
	// the ACTUALLY_RUN_UPDATES environment toggle.
	dryRun bool
	logger *zap.Logger
}

// NewAdmin creates the utility driver.
func NewAdmin(svcs *bootstrap.Services, dataDir string, dryRun bool, logger *zap.Logger) *Admin {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Admin{
		svcs:    svcs,
		rotator: NewRotator(svcs.SK, svcs.Registry, svcs.Tenants, svcs.Config.ServiceName, logger),
		dataDir: dataDir,
		dryRun:  dryRun,
		logger:  logger,
	}
}

// ValidateConfig enforces the preconditions for key bootstrap.
func (a *Admin) ValidateConfig(ctx context.Context) error {
	cfg := a.svcs.Config

	// only the tokens principal can interact with SK for jwtsigning secrets
	if cfg.ServiceName != "tokens" {
		return fmt.Errorf("invalid config: service_name must be 'tokens', not %q; this program must run as the Tokens API", cfg.ServiceName)
	}
	// keys may not exist yet, so the tokens bootstrap must not try to
	// retrieve them from SK at startup
	if cfg.UseSK {
		return fmt.Errorf("invalid config: use_sk must be false when bootstrapping keys")
	}
	if a.svcs.SiteAdminKeyPEM == "" {
		return fmt.Errorf("invalid config: the site-admin tenant private key is required")
	}

	for _, tn := range cfg.Tenants {
		t, err := a.svcs.Tenants.Get(tn)
		if err != nil {
			return fmt.Errorf("invalid tenant %q configured: tenant not found in the registry", tn)
		}
		if t.SiteID != cfg.ServiceSiteID {
			return fmt.Errorf("invalid tenant %q configured: owned by site %s, not by the configured site (%s)",
				tn, t.SiteID, cfg.ServiceSiteID)
		}
	}

	if cfg.RunningAtPrimarySite && cfg.UpdateAssociateSite {
		if cfg.AssociateSiteID == "" {
			return fmt.Errorf("invalid config: associate_site_id required when update_associate_site is true")
		}
		for _, tn := range cfg.Tenants {
			pubPath := a.pubKeyPath(tn)
			if _, err := os.Stat(filepath.Dir(pubPath)); err != nil {
				return fmt.Errorf("no data directory for tenant %s; expected %s", tn, filepath.Dir(pubPath))
			}
			if _, err := os.Stat(pubPath); err != nil {
				return fmt.Errorf("no public key for tenant %s; expected a file at %s", tn, pubPath)
			}
		}
	}

	ok, err := a.svcs.SK.HasRole(ctx, bootstrap.RoleTenantDefinitionUpdater, cfg.ServiceName, cfg.ServiceTenantID)
	if err != nil {
		return fmt.Errorf("checking the %s role: %w", bootstrap.RoleTenantDefinitionUpdater, err)
	}
	if !ok {
		return fmt.Errorf("the %s principal does not hold the %s role", cfg.ServiceName, bootstrap.RoleTenantDefinitionUpdater)
	}
	return nil
}

// Run executes the mode selected by the configuration.
func (a *Admin) Run(ctx context.Context) error {
	if err := a.ValidateConfig(ctx); err != nil {
		return err
	}
	if a.dryRun {
		a.logger.Info("config was valid; ACTUALLY_RUN_UPDATES was not set, exiting without changes")
		return nil
	}

	cfg := a.svcs.Config
	switch {
	case cfg.RunningAtPrimarySite && cfg.UpdateAssociateSite:
		return a.UpdateAssociateSitePubKeys(ctx)
	case cfg.RunningAtPrimarySite:
		return a.CreateKeysForPrimarySite(ctx)
	default:
		return a.CreateKeysForAssociateSite(ctx)
	}
}

// CreateKeysForPrimarySite provisions a key pair per tenant and publishes
// each public key to the Tenants registry.
func (a *Admin) CreateKeysForPrimarySite(ctx context.Context) error {
	for _, tn := range a.svcs.Config.Tenants {
		pub, err := a.createKeysForTenant(ctx, tn)
		if err != nil {
			return err
		}
		if err := a.svcs.Registry.UpdateTenant(ctx, tn, pub); err != nil {
			return fmt.Errorf("publish public key for tenant %s: %w", tn, err)
		}
		a.logger.Info("public key published", zap.String("tenant_id", tn))
	}
	return nil
}

// CreateKeysForAssociateSite provisions key pairs but writes the public keys
// to disk; the primary site pushes them to the registry later.
func (a *Admin) CreateKeysForAssociateSite(ctx context.Context) error {
	for _, tn := range a.svcs.Config.Tenants {
		pub, err := a.createKeysForTenant(ctx, tn)
		if err != nil {
			return err
		}
		pubPath := a.pubKeyPath(tn)
		if err := os.MkdirAll(filepath.Dir(pubPath), 0o755); err != nil {
			return fmt.Errorf("create data directory for tenant %s: %w", tn, err)
		}
		if err := os.WriteFile(pubPath, []byte(pub), 0o644); err != nil {
			return fmt.Errorf("write public key for tenant %s: %w", tn, err)
		}
		a.logger.Info("public key written", zap.String("tenant_id", tn), zap.String("path", pubPath))
	}
	return nil
}

// UpdateAssociateSitePubKeys publishes associate-site public keys, read from
// the data directory, to the Tenants registry. Runs at the primary site only.
func (a *Admin) UpdateAssociateSitePubKeys(ctx context.Context) error {
	for _, tn := range a.svcs.Config.Tenants {
		raw, err := os.ReadFile(a.pubKeyPath(tn))
		if err != nil {
			return fmt.Errorf("read public key for tenant %s: %w", tn, err)
		}
		if err := a.svcs.Registry.UpdateTenant(ctx, tn, string(raw)); err != nil {
			return fmt.Errorf("publish public key for tenant %s: %w", tn, err)
		}
		a.logger.Info("associate-site public key published", zap.String("tenant_id", tn))
	}
	return nil
}

func (a *Admin) createKeysForTenant(ctx context.Context, tenantID string) (string, error) {
	_, pub, err := a.rotator.GenerateInSK(ctx, tenantID)
	if err != nil {
		return "", fmt.Errorf("generate key pair for tenant %s: %w", tenantID, err)
	}
	a.logger.Info("generated new keys for tenant", zap.String("tenant_id", tenantID))
	return pub, nil
}

func (a *Admin) pubKeyPath(tenantID string) string {
	return filepath.Join(a.dataDir, tenantID, "pub.key")
}
