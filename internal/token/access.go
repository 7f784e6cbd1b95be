package token

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/tapis-project/tokens-api/internal/apierr"
	"github.com/tapis-project/tokens-api/internal/tenants"
)

// AccessToken is a derived, signable access token.
type AccessToken struct {
	JTI           string
	Issuer        string
	Subject       string
	TenantID      string
	Username      string
	AccountType   string
	TTL           int64 // seconds
	ExpiresAt     time.Time
	Delegation    bool
	DelegationSub string // empty means null
	TargetSite    string // set only for service tokens
	Extra         map[string]interface{}
	Algorithm     string

	// compact JWS, populated by Sign
	raw string
}

// DeriveAccessToken computes an access token from a validated request body
// and the tenant record, applying the tenant TTL default when the request
// carries none (or a non-positive value).
func DeriveAccessToken(req *NewTokenRequest, tenant tenants.Tenant) (*AccessToken, error) {
	ttl := req.AccessTokenTTL
	if ttl <= 0 {
		ttl = tenant.AccessTokenTTL
	}

	at := &AccessToken{
		JTI:         uuid.NewString(),
		Issuer:      tenant.Issuer,
		Subject:     ComputeSub(req.TokenUsername, req.TokenTenantID),
		TenantID:    req.TokenTenantID,
		Username:    req.TokenUsername,
		AccountType: req.AccountType,
		TTL:         ttl,
		ExpiresAt:   computeExp(ttl),
		Delegation:  req.DelegationToken,
		Algorithm:   AlgRS256,
	}
	if req.AccountType == AccountTypeService {
		at.TargetSite = req.TargetSiteID
	}
	if req.DelegationToken {
		at.DelegationSub = ComputeSub(req.DelegationSubUsername, req.DelegationSubTenantID)
	}
	if req.Claims != nil {
		if err := CheckExtraClaims(req.Claims); err != nil {
			return nil, err
		}
		at.Extra = req.Claims
	}
	return at, nil
}

// Claims builds the claim dictionary. Extra claims merge at the top level,
// outside the tapis/ namespace.
func (t *AccessToken) Claims() jwt.MapClaims {
	claims := jwt.MapClaims{
		"jti":            t.JTI,
		"iss":            t.Issuer,
		"sub":            t.Subject,
		ClaimTenantID:    t.TenantID,
		ClaimTokenType:   TypeAccess,
		ClaimDelegation:  t.Delegation,
		ClaimUsername:    t.Username,
		ClaimAccountType: t.AccountType,
		"exp":            t.ExpiresAt.Unix(),
	}
	if t.DelegationSub != "" {
		claims[ClaimDelegationSub] = t.DelegationSub
	} else {
		claims[ClaimDelegationSub] = nil
	}
	if t.AccountType == AccountTypeService {
		claims[ClaimTargetSite] = t.TargetSite
	}
	for k, v := range t.Extra {
		claims[k] = v
	}
	return claims
}

// Sign signs the claims with the tenant private key. RS256 only; any other
// configured algorithm is a hard error.
func (t *AccessToken) Sign(privateKeyPEM string) (string, error) {
	raw, err := signClaims(t.Claims(), t.Algorithm, privateKeyPEM)
	if err != nil {
		return "", err
	}
	t.raw = raw
	return raw, nil
}

// Raw returns the compact JWS produced by Sign.
func (t *AccessToken) Raw() string {
	return t.raw
}

// Envelope serializes the signed token for the wire.
func (t *AccessToken) Envelope() Envelope {
	return Envelope{
		JTI:         t.JTI,
		AccessToken: t.raw,
		ExpiresIn:   t.TTL,
		ExpiresAt:   t.ExpiresAt.UTC().Format(time.RFC3339),
	}
}

// Envelope is the wire shape for one issued token.
type Envelope struct {
	JTI          string `json:"jti"`
	AccessToken  string `json:"access_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int64  `json:"expires_in"`
	ExpiresAt    string `json:"expires_at"`
}

// TokenPair is the result body for mint and refresh operations.
type TokenPair struct {
	AccessToken  *Envelope `json:"access_token,omitempty"`
	RefreshToken *Envelope `json:"refresh_token,omitempty"`
}

func computeExp(ttlSeconds int64) time.Time {
	return time.Now().UTC().Add(time.Duration(ttlSeconds) * time.Second)
}

func signClaims(claims jwt.MapClaims, alg, privateKeyPEM string) (string, error) {
	if alg != AlgRS256 {
		return "", apierr.Newf(apierr.KindInternal, "unsupported signing algorithm %q; only RS256 is allowed.", alg)
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(privateKeyPEM))
	if err != nil {
		return "", apierr.Wrap(apierr.KindInternal, "Unable to sign token. Please contact system administrator.", err)
	}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		return "", apierr.Wrap(apierr.KindInternal, "Unable to sign token. Please contact system administrator.", err)
	}
	return raw, nil
}
