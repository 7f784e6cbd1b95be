// Package config loads and validates the Tokens API service configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Env variable names honored as overrides for secrets and toggles that
// should not live in the config file.
const (
	EnvSiteAdminPrivateKey = "TOKENS_SITE_ADMIN_PRIVATEKEY"
	EnvDataDir             = "DATA_DIR"
	EnvActuallyRunUpdates  = "ACTUALLY_RUN_UPDATES"
)

// Config is the full service configuration.
type Config struct {
	// Identity of this service instance.
	ServiceName     string `yaml:"service_name"`
	ServiceTenantID string `yaml:"service_tenant_id"`
	ServiceSiteID   string `yaml:"service_site_id"`

	// Tenants served by this instance (the allow-list for token_tenant_id).
	Tenants []string `yaml:"tenants"`

	// Base URL of the Tenants registry; the site-router for this site lives
	// under the same base.
	TenantsBaseURL string `yaml:"tenants_base_url"`

	// Base URL of the primary-site admin tenant. Consulted by the
	// development all-services password rule.
	PrimarySiteAdminBaseURL string `yaml:"primary_site_admin_base_url"`

	// Security Kernel integration. When UseSK is false the service runs in
	// development mode: every tenant signs with the site-admin key and no
	// password or role checks are delegated to SK.
	UseSK bool `yaml:"use_sk"`

	// PEM private key for the site-admin tenant, used to self-sign the
	// service tokens at bootstrap. Loaded from the file when the inline
	// value is empty; TOKENS_SITE_ADMIN_PRIVATEKEY overrides both.
	SiteAdminPrivateKey     string `yaml:"site_admin_privatekey"`
	SiteAdminPrivateKeyFile string `yaml:"site_admin_privatekey_file"`

	// Development all-services password.
	UseAllServicesPassword bool   `yaml:"use_allservices_password"`
	AllServicesPassword    string `yaml:"allservices_password"`

	// Default TTLs (seconds) applied when a tenant record carries none and
	// the request does not override them.
	DefaultAccessTokenTTL  int64 `yaml:"default_access_token_ttl"`
	DefaultRefreshTokenTTL int64 `yaml:"default_refresh_token_ttl"`

	// Optional redis address for the local revocation cache. Empty disables
	// the cache; the site-router remains the authoritative revocation list.
	RevocationCacheAddr string `yaml:"revocation_cache_addr"`

	// Key-bootstrap utility (cmd/keys-admin) settings.
	RunningAtPrimarySite bool   `yaml:"running_at_primary_site"`
	UpdateAssociateSite  bool   `yaml:"update_associate_site"`
	AssociateSiteID      string `yaml:"associate_site_id"`
	DataDir              string `yaml:"data_dir"`

	// HTTP server settings.
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`

	// Outbound call deadline for SK, Tenants, and site-router.
	UpstreamTimeout time.Duration `yaml:"upstream_timeout"`

	// Logging.
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	LogFile   string `yaml:"log_file"`
}

// Load reads the YAML config file, applies env overrides and defaults, and
// validates the result.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvSiteAdminPrivateKey); v != "" {
		c.SiteAdminPrivateKey = v
	}
	if v := os.Getenv(EnvDataDir); v != "" {
		c.DataDir = v
	}
}

func (c *Config) applyDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "tokens"
	}
	if c.Port == 0 {
		c.Port = 8000
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 15 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 15 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.UpstreamTimeout == 0 || c.UpstreamTimeout > 10*time.Second {
		c.UpstreamTimeout = 10 * time.Second
	}
	if c.DefaultAccessTokenTTL == 0 {
		c.DefaultAccessTokenTTL = 14400
	}
	if c.DefaultRefreshTokenTTL == 0 {
		c.DefaultRefreshTokenTTL = 31536000
	}
	if c.DataDir == "" {
		c.DataDir = "/home/tapis/data"
	}
}

// Validate checks the invariants every run mode depends on.
func (c *Config) Validate() error {
	if c.ServiceTenantID == "" {
		return fmt.Errorf("invalid config: service_tenant_id is required")
	}
	if c.ServiceSiteID == "" {
		return fmt.Errorf("invalid config: service_site_id is required")
	}
	if c.TenantsBaseURL == "" {
		return fmt.Errorf("invalid config: tenants_base_url is required")
	}
	if len(c.Tenants) == 0 {
		return fmt.Errorf("invalid config: at least one tenant must be configured")
	}
	if c.SiteAdminPrivateKey == "" && c.SiteAdminPrivateKeyFile == "" {
		return fmt.Errorf("invalid config: site_admin_privatekey or site_admin_privatekey_file is required")
	}
	return nil
}

// SigningKeyPEM returns the site-admin private key, reading the configured
// file when the inline value is absent.
func (c *Config) SigningKeyPEM() (string, error) {
	if c.SiteAdminPrivateKey != "" {
		return c.SiteAdminPrivateKey, nil
	}
	raw, err := os.ReadFile(c.SiteAdminPrivateKeyFile)
	if err != nil {
		return "", fmt.Errorf("read site admin private key: %w", err)
	}
	return string(raw), nil
}

// ServesTenant reports whether a tenant id is in the allow-list.
func (c *Config) ServesTenant(tenantID string) bool {
	for _, t := range c.Tenants {
		if t == tenantID {
			return true
		}
	}
	return false
}

// ActuallyRunUpdates reports the keys-admin dry-run toggle from the
// environment; anything other than an explicit "true" keeps the dry run.
func ActuallyRunUpdates() bool {
	return os.Getenv(EnvActuallyRunUpdates) == "true"
}
