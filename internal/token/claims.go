// Package token implements the Tapis access and refresh token models:
// claim shapes, derivation from request payloads, RS256 signing, and the
// response envelope.
package token

import (
	"encoding/json"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tapis-project/tokens-api/internal/apierr"
)

// NamespacePrefix namespaces all non-standard Tapis claims.
const NamespacePrefix = "tapis/"

// Namespaced claim keys.
const (
	ClaimTenantID      = NamespacePrefix + "tenant_id"
	ClaimTokenType     = NamespacePrefix + "token_type"
	ClaimUsername      = NamespacePrefix + "username"
	ClaimAccountType   = NamespacePrefix + "account_type"
	ClaimDelegation    = NamespacePrefix + "delegation"
	ClaimDelegationSub = NamespacePrefix + "delegation_sub"
	ClaimTargetSite    = NamespacePrefix + "target_site"
	ClaimInitialTTL    = NamespacePrefix + "initial_ttl"
	ClaimAccessToken   = NamespacePrefix + "access_token"
)

// Token types.
const (
	TypeAccess  = "access"
	TypeRefresh = "refresh"
)

// Account types.
const (
	AccountTypeUser    = "user"
	AccountTypeService = "service"
)

// AlgRS256 is the only signing algorithm the service accepts.
const AlgRS256 = "RS256"

// reservedClaims is the single source of truth for names that caller-supplied
// extra claims may never use. Consulted by both derivation and validation.
var reservedClaims = map[string]struct{}{
	"jti":          {},
	"iss":          {},
	"sub":          {},
	"tenant":       {},
	"target_site":  {},
	"username":     {},
	"account_type": {},
	"exp":          {},
}

// CheckExtraClaims rejects caller-supplied claims that collide with any
// standard or namespaced Tapis claim.
func CheckExtraClaims(extra map[string]interface{}) error {
	for k := range extra {
		if _, reserved := reservedClaims[k]; reserved {
			return apierr.Newf(apierr.KindInvalidRequest,
				"passing claim %s as an extra claim is not allowed, as it is a standard Tapis claim.", k)
		}
	}
	return nil
}

// ComputeSub builds the sub claim from its parts.
func ComputeSub(username, tenantID string) string {
	return fmt.Sprintf("%s@%s", username, tenantID)
}

// claimString reads a string claim, tolerating absence.
func claimString(claims map[string]interface{}, key string) string {
	if v, ok := claims[key].(string); ok {
		return v
	}
	return ""
}

// claimInt64 reads a numeric claim. JSON decoding yields float64; jwt/v5 may
// also surface json.Number or native ints depending on the path.
func claimInt64(claims map[string]interface{}, key string) (int64, bool) {
	switch v := claims[key].(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return n, true
	case jwt.NumericDate:
		return v.Unix(), true
	default:
		return 0, false
	}
}

// claimBool reads a boolean claim, tolerating absence.
func claimBool(claims map[string]interface{}, key string) bool {
	v, _ := claims[key].(bool)
	return v
}
