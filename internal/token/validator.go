package token

import (
	"context"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/tapis-project/tokens-api/internal/apierr"
	"github.com/tapis-project/tokens-api/internal/tenants"
)

// RevocationChecker answers whether a jti has been revoked through this
// instance. Nil checkers are allowed; the site-router remains authoritative.
type RevocationChecker interface {
	IsRevoked(ctx context.Context, jti string) (bool, error)
}

// Validator verifies Tapis JWTs against the public key of the tenant named
// in the token's own tapis/tenant_id claim.
type Validator struct {
	cache       *tenants.Cache
	revocations RevocationChecker
	logger      *zap.Logger
}

// NewValidator creates a token validator.
func NewValidator(cache *tenants.Cache, revocations RevocationChecker, logger *zap.Logger) *Validator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validator{cache: cache, revocations: revocations, logger: logger}
}

// Validate verifies signature, algorithm, and expiry, then consults the
// local revocation cache when configured. Returns the decoded claims.
func (v *Validator) Validate(ctx context.Context, raw string) (jwt.MapClaims, error) {
	if raw == "" {
		return nil, apierr.New(apierr.KindAuthentication, "no token provided.")
	}

	// first pass: unverified read of tapis/tenant_id to select the key
	unverified := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, unverified); err != nil {
		return nil, apierr.Wrap(apierr.KindAuthentication, "could not parse the token.", err)
	}
	tenantID := claimString(unverified, ClaimTenantID)
	if tenantID == "" {
		return nil, apierr.New(apierr.KindAuthentication, "token is missing the tapis/tenant_id claim.")
	}

	tenant, err := v.cache.Get(tenantID)
	if err != nil {
		return nil, apierr.Newf(apierr.KindAuthentication, "token tenant (%s) is not known to this instance.", tenantID)
	}
	if tenant.PublicKey == "" {
		return nil, apierr.Newf(apierr.KindAuthentication, "no public key published for tenant %s.", tenantID)
	}
	publicKey, err := jwt.ParseRSAPublicKeyFromPEM([]byte(tenant.PublicKey))
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "tenant public key is not parseable.", err)
	}

	claims := jwt.MapClaims{}
	_, err = jwt.NewParser(
		jwt.WithValidMethods([]string{AlgRS256}),
		jwt.WithExpirationRequired(),
	).ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		return publicKey, nil
	})
	if err != nil {
		return nil, apierr.Wrap(apierr.KindAuthentication, "could not validate the token.", err)
	}

	if v.revocations != nil {
		jti := claimString(claims, "jti")
		if jti != "" {
			revoked, err := v.revocations.IsRevoked(ctx, jti)
			if err != nil {
				// revocation cache is advisory; do not fail validation when
				// it is unreachable
				v.logger.Warn("revocation cache check failed", zap.Error(err), zap.String("jti", jti))
			} else if revoked {
				return nil, apierr.New(apierr.KindAuthentication, "token has been revoked.")
			}
		}
	}

	return claims, nil
}
