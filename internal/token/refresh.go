package token

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/tapis-project/tokens-api/internal/apierr"
	"github.com/tapis-project/tokens-api/internal/tenants"
)

// RefreshToken is a derived, signable refresh token. It deliberately carries
// none of the access-only attributes (username, account_type, delegation,
// target_site, extra claims) at the top level so it can never pass for an
// access token.
type RefreshToken struct {
	JTI       string
	Issuer    string
	Subject   string
	TenantID  string
	TTL       int64 // also recorded as tapis/initial_ttl
	ExpiresAt time.Time
	// AccessClaims holds the companion access token's claims minus exp,
	// plus a ttl entry recording the companion's lifetime.
	AccessClaims map[string]interface{}
	Algorithm    string

	raw string
}

// DeriveRefreshToken seeds a refresh token from its companion access token.
// requestedTTL <= 0 falls back to the tenant refresh default.
func DeriveRefreshToken(at *AccessToken, requestedTTL int64, tenant tenants.Tenant) *RefreshToken {
	ttl := requestedTTL
	if ttl <= 0 {
		ttl = tenant.RefreshTokenTTL
	}

	// companion claims travel inside the refresh token so a later refresh
	// can re-materialize an equivalent access token
	nested := map[string]interface{}(at.Claims())
	delete(nested, "exp")
	nested["ttl"] = at.TTL

	return &RefreshToken{
		JTI:          uuid.NewString(),
		Issuer:       at.Issuer,
		Subject:      at.Subject,
		TenantID:     at.TenantID,
		TTL:          ttl,
		ExpiresAt:    computeExp(ttl),
		AccessClaims: nested,
		Algorithm:    AlgRS256,
	}
}

// Claims builds the refresh claim dictionary.
func (t *RefreshToken) Claims() jwt.MapClaims {
	return jwt.MapClaims{
		"jti":            t.JTI,
		"iss":            t.Issuer,
		"sub":            t.Subject,
		ClaimInitialTTL:  t.TTL,
		ClaimTenantID:    t.TenantID,
		ClaimTokenType:   TypeRefresh,
		"exp":            t.ExpiresAt.Unix(),
		ClaimAccessToken: t.AccessClaims,
	}
}

// Sign signs the claims with the tenant private key.
func (t *RefreshToken) Sign(privateKeyPEM string) (string, error) {
	raw, err := signClaims(t.Claims(), t.Algorithm, privateKeyPEM)
	if err != nil {
		return "", err
	}
	t.raw = raw
	return raw, nil
}

// Raw returns the compact JWS produced by Sign.
func (t *RefreshToken) Raw() string {
	return t.raw
}

// Envelope serializes the signed token for the wire. expires_in reports the
// refresh TTL.
func (t *RefreshToken) Envelope() Envelope {
	return Envelope{
		JTI:          t.JTI,
		RefreshToken: t.raw,
		ExpiresIn:    t.TTL,
		ExpiresAt:    t.ExpiresAt.UTC().Format(time.RFC3339),
	}
}

// consumed by RebuildAccessFromRefresh; everything else in the nested
// access_token object is a caller-supplied extra claim
var nestedAccessKeys = map[string]struct{}{
	"jti":              {},
	"iss":              {},
	"sub":              {},
	"ttl":              {},
	"exp":              {},
	ClaimTenantID:      {},
	ClaimTokenType:     {},
	ClaimUsername:      {},
	ClaimAccountType:   {},
	ClaimDelegation:    {},
	ClaimDelegationSub: {},
	ClaimTargetSite:    {},
}

// RebuildAccessFromRefresh re-materializes an access token from decoded
// refresh-token claims: fresh jti, exp = now + the preserved nested ttl, and
// every remaining non-standard nested claim restored as an extra claim.
// It returns the new access token and the refresh token's initial TTL, which
// keeps the refresh TTL invariant across refresh cycles.
func RebuildAccessFromRefresh(claims jwt.MapClaims) (*AccessToken, int64, error) {
	if claimString(claims, ClaimTokenType) != TypeRefresh {
		return nil, 0, apierr.New(apierr.KindInvalidRequest, "provided token is not a refresh token.")
	}

	nested, ok := claims[ClaimAccessToken].(map[string]interface{})
	if !ok {
		return nil, 0, apierr.New(apierr.KindInvalidRequest, "refresh token is missing its access token claims.")
	}
	ttl, ok := claimInt64(nested, "ttl")
	if !ok {
		return nil, 0, apierr.New(apierr.KindInvalidRequest, "refresh token is missing the preserved access token ttl.")
	}
	initialTTL, ok := claimInt64(claims, ClaimInitialTTL)
	if !ok {
		return nil, 0, apierr.New(apierr.KindInvalidRequest, "refresh token is missing the initial_ttl claim.")
	}

	at := &AccessToken{
		JTI:           uuid.NewString(),
		Issuer:        claimString(nested, "iss"),
		Subject:       claimString(nested, "sub"),
		TenantID:      claimString(nested, ClaimTenantID),
		Username:      claimString(nested, ClaimUsername),
		AccountType:   claimString(nested, ClaimAccountType),
		TTL:           ttl,
		ExpiresAt:     computeExp(ttl),
		Delegation:    claimBool(nested, ClaimDelegation),
		DelegationSub: claimString(nested, ClaimDelegationSub),
		TargetSite:    claimString(nested, ClaimTargetSite),
		Algorithm:     AlgRS256,
	}

	extra := make(map[string]interface{})
	for k, v := range nested {
		if _, known := nestedAccessKeys[k]; !known {
			extra[k] = v
		}
	}
	if len(extra) > 0 {
		at.Extra = extra
	}
	return at, initialTTL, nil
}
