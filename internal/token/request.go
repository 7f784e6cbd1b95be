package token

import (
	"github.com/tapis-project/tokens-api/internal/apierr"
)

// NewTokenRequest is the POST /v3/tokens payload.
type NewTokenRequest struct {
	TokenTenantID         string                 `json:"token_tenant_id"`
	TokenUsername         string                 `json:"token_username"`
	AccountType           string                 `json:"account_type"`
	AccessTokenTTL        int64                  `json:"access_token_ttl,omitempty"`
	GenerateRefreshToken  bool                   `json:"generate_refresh_token,omitempty"`
	RefreshTokenTTL       int64                  `json:"refresh_token_ttl,omitempty"`
	DelegationToken       bool                   `json:"delegation_token,omitempty"`
	DelegationSubTenantID string                 `json:"delegation_sub_tenant_id,omitempty"`
	DelegationSubUsername string                 `json:"delegation_sub_username,omitempty"`
	TargetSiteID          string                 `json:"target_site_id,omitempty"`
	Claims                map[string]interface{} `json:"claims,omitempty"`
}

// Validate checks the payload rules that do not need tenant state.
func (r *NewTokenRequest) Validate() error {
	if r.TokenTenantID == "" {
		return apierr.New(apierr.KindInvalidRequest, "token_tenant_id is required.")
	}
	if r.TokenUsername == "" {
		return apierr.New(apierr.KindInvalidRequest, "token_username is required.")
	}
	switch r.AccountType {
	case AccountTypeUser, AccountTypeService:
	default:
		return apierr.New(apierr.KindInvalidRequest, "account_type must be one of 'user' or 'service'.")
	}
	if r.AccountType == AccountTypeService && r.TargetSiteID == "" {
		return apierr.New(apierr.KindInvalidRequest, "target_site_id required for creating tokens of type 'service'.")
	}
	if r.AccountType != AccountTypeService && r.TargetSiteID != "" {
		return apierr.New(apierr.KindInvalidRequest, "target_site_id may only be set for tokens of type 'service'.")
	}
	if r.DelegationToken && (r.DelegationSubTenantID == "" || r.DelegationSubUsername == "") {
		return apierr.New(apierr.KindInvalidRequest,
			"both delegation_sub_tenant_id and delegation_sub_username are required when generating a delegation token.")
	}
	if r.Claims != nil {
		if err := CheckExtraClaims(r.Claims); err != nil {
			return err
		}
	}
	return nil
}

// RefreshRequest is the PUT /v3/tokens payload.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// RevokeRequest is the POST /v3/tokens/revoke payload.
type RevokeRequest struct {
	Token string `json:"token"`
}

// RotateKeysRequest is the PUT /v3/tokens/keys payload.
type RotateKeysRequest struct {
	TenantID string `json:"tenant_id"`
}
