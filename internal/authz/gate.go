// Package authz implements the per-request policy engine gating every
// endpoint: header discipline, the Basic-Auth service-password path, the
// bearer-token path with its self-issue shortcut and cross-tenant role
// checks, and the key-rotation policy.
package authz

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/tapis-project/tokens-api/internal/apierr"
	"github.com/tapis-project/tokens-api/internal/config"
	"github.com/tapis-project/tokens-api/internal/sk"
	"github.com/tapis-project/tokens-api/internal/tenants"
	"github.com/tapis-project/tokens-api/internal/token"
)

// HeaderTapisToken carries the bearer JWT on Tapis requests.
const HeaderTapisToken = "X-Tapis-Token"

// TokenGeneratorRoleSuffix forms the "<tenant>_token_generator" role name.
const TokenGeneratorRoleSuffix = "_token_generator"

// Caller is the authenticated principal derived during authorization.
type Caller struct {
	Username    string
	TenantID    string
	AccountType string
}

// Gate evaluates the authorization rules for each endpoint.
type Gate struct {
	cfg       *config.Config
	cache     *tenants.Cache
	sk        *sk.Client
	registry  *tenants.Client
	validator *token.Validator
	logger    *zap.Logger
}

// New creates the authorization gate.
func New(cfg *config.Config, cache *tenants.Cache, skClient *sk.Client, registry *tenants.Client, validator *token.Validator, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{cfg: cfg, cache: cache, sk: skClient, registry: registry, validator: validator, logger: logger}
}

type credentials struct {
	hasBasic  bool
	basicUser string
	basicPass string
	bearer    string
}

// extract enforces the header discipline: HTTP Basic and X-Tapis-Token are
// mutually exclusive regardless of any other input.
func extract(r *http.Request) (*credentials, error) {
	c := &credentials{bearer: r.Header.Get(HeaderTapisToken)}
	if user, pass, ok := r.BasicAuth(); ok {
		c.hasBasic = true
		c.basicUser = user
		c.basicPass = pass
	}
	if c.hasBasic && c.bearer != "" {
		return nil, apierr.New(apierr.KindInvalidRequest,
			"provide either HTTP Basic credentials or an X-Tapis-Token header, not both.")
	}
	return c, nil
}

// AuthorizeCreate gates POST /v3/tokens.
func (g *Gate) AuthorizeCreate(ctx context.Context, r *http.Request, body *token.NewTokenRequest) (*Caller, error) {
	creds, err := extract(r)
	if err != nil {
		return nil, err
	}

	if creds.hasBasic {
		return g.authorizeBasic(ctx, creds, body)
	}
	if creds.bearer == "" {
		return nil, apierr.New(apierr.KindAuthentication,
			"authentication required: provide HTTP Basic credentials or an X-Tapis-Token header.")
	}
	return g.authorizeBearer(ctx, creds.bearer, body)
}

// authorizeBasic validates a service password with SK. A caller may only
// mint tokens for its own username.
func (g *Gate) authorizeBasic(ctx context.Context, creds *credentials, body *token.NewTokenRequest) (*Caller, error) {
	if creds.basicUser != body.TokenUsername {
		return nil, apierr.New(apierr.KindAuthentication,
			"the token_username must match the username provided in the Basic authentication credentials.")
	}

	caller := &Caller{
		Username:    creds.basicUser,
		TenantID:    body.TokenTenantID,
		AccountType: token.AccountTypeService,
	}

	if g.allServicesPasswordOK(creds.basicPass) {
		g.logger.Debug("all-services password accepted", zap.String("username", creds.basicUser))
		return caller, nil
	}

	if !g.cfg.UseSK {
		// development mode: no SK to delegate the password check to
		return caller, nil
	}

	ok, err := g.sk.ValidateServicePassword(ctx, sk.SecretTypeService, sk.SecretNamePassword,
		body.TokenTenantID, creds.basicUser, creds.basicPass)
	if err != nil {
		// a transient SK failure must be indistinguishable from a bad
		// password, and is never retried
		g.logger.Error("service password validation failed", zap.Error(err),
			zap.String("username", creds.basicUser), zap.String("tenant_id", body.TokenTenantID))
		return nil, apierr.New(apierr.KindAuthentication, "invalid username/password combination.")
	}
	if !ok {
		return nil, apierr.New(apierr.KindAuthentication, "invalid username/password combination.")
	}
	return caller, nil
}

// allServicesPasswordOK applies the development-only shared password rule.
func (g *Gate) allServicesPasswordOK(password string) bool {
	return strings.Contains(g.cfg.PrimarySiteAdminBaseURL, "develop") &&
		g.cfg.UseAllServicesPassword &&
		g.cfg.AllServicesPassword != "" &&
		password == g.cfg.AllServicesPassword
}

// authorizeBearer validates the presented token and applies the
// create-token policy rules in order.
func (g *Gate) authorizeBearer(ctx context.Context, bearer string, body *token.NewTokenRequest) (*Caller, error) {
	caller, err := g.callerFromBearer(ctx, bearer)
	if err != nil {
		return nil, err
	}

	// self-issue shortcut: a principal may always mint its own token
	if body.TokenUsername == caller.Username && body.TokenTenantID == caller.TenantID {
		return caller, nil
	}

	// user tokens are never minted in the site-admin tenant
	if body.AccountType != token.AccountTypeService && body.TokenTenantID == g.cfg.ServiceTenantID {
		return nil, apierr.Newf(apierr.KindAuthentication,
			"user tokens may not be generated in the %s tenant.", g.cfg.ServiceTenantID)
	}

	if !g.cfg.UseSK {
		return caller, nil
	}

	// cross-tenant mint requires the target tenant's token_generator role
	// in the caller's own tenant
	role := body.TokenTenantID + TokenGeneratorRoleSuffix
	names, err := g.sk.GetUsersWithRole(ctx, role, caller.TenantID)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindUpstream, "unable to check token generator role.", err)
	}
	for _, n := range names {
		if n == caller.Username {
			return caller, nil
		}
	}
	return nil, apierr.Newf(apierr.KindPermission,
		"not authorized to generate tokens for tenant %s.", body.TokenTenantID)
}

// AuthorizeRevoke gates POST /v3/tokens/revoke: possession of some valid
// Tapis token in the header is sufficient.
func (g *Gate) AuthorizeRevoke(ctx context.Context, r *http.Request) (*Caller, error) {
	creds, err := extract(r)
	if err != nil {
		return nil, err
	}
	if creds.bearer == "" {
		return nil, apierr.New(apierr.KindAuthentication, "an X-Tapis-Token header is required.")
	}
	return g.callerFromBearer(ctx, creds.bearer)
}

// AuthorizeRotate gates PUT /v3/tokens/keys.
func (g *Gate) AuthorizeRotate(ctx context.Context, r *http.Request, targetTenantID string) (*Caller, error) {
	creds, err := extract(r)
	if err != nil {
		return nil, err
	}
	if creds.bearer == "" {
		return nil, apierr.New(apierr.KindAuthentication, "an X-Tapis-Token header is required.")
	}
	caller, err := g.callerFromBearer(ctx, creds.bearer)
	if err != nil {
		return nil, err
	}

	if g.cfg.UseSK {
		names, err := g.sk.GetUsersWithRole(ctx, "tenant_definition_updater", caller.TenantID)
		if err != nil {
			return nil, apierr.Wrap(apierr.KindUpstream, "unable to check tenant_definition_updater role.", err)
		}
		found := false
		for _, n := range names {
			if n == caller.Username {
				found = true
				break
			}
		}
		if !found {
			return nil, apierr.New(apierr.KindPermission,
				"caller does not hold the tenant_definition_updater role.")
		}
	}

	// registry lookup succeeds even for DRAFT and INACTIVE tenants; keys
	// are provisioned before a tenant goes live
	target, err := g.registry.GetTenant(ctx, targetTenantID)
	if err != nil {
		return nil, err
	}
	if target.SiteID != g.cfg.ServiceSiteID {
		return nil, apierr.Newf(apierr.KindPermission,
			"tenant %s is owned by site %s, not by this instance's site (%s).",
			targetTenantID, target.SiteID, g.cfg.ServiceSiteID)
	}

	if caller.TenantID == targetTenantID {
		return caller, nil
	}
	if caller.AccountType == token.AccountTypeService {
		callerTenant, err := g.cache.Get(caller.TenantID)
		if err == nil && callerTenant.SiteID == target.SiteID {
			return caller, nil
		}
	}
	return nil, apierr.Newf(apierr.KindPermission,
		"not authorized to rotate signing keys for tenant %s.", targetTenantID)
}

// callerFromBearer validates the bearer token and pins the caller identity
// from its claims. Refresh tokens are rejected.
func (g *Gate) callerFromBearer(ctx context.Context, bearer string) (*Caller, error) {
	claims, err := g.validator.Validate(ctx, bearer)
	if err != nil {
		return nil, err
	}
	if tt, _ := claims[token.ClaimTokenType].(string); tt != token.TypeAccess {
		return nil, apierr.New(apierr.KindAuthentication, "provided token is not an access token.")
	}
	caller := &Caller{
		Username:    stringClaim(claims, token.ClaimUsername),
		TenantID:    stringClaim(claims, token.ClaimTenantID),
		AccountType: stringClaim(claims, token.ClaimAccountType),
	}
	if caller.Username == "" || caller.TenantID == "" {
		return nil, apierr.New(apierr.KindAuthentication, "token is missing identity claims.")
	}
	return caller, nil
}

func stringClaim(claims map[string]interface{}, key string) string {
	v, _ := claims[key].(string)
	return v
}
