package rest

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/tapis-project/tokens-api/internal/apierr"
	"github.com/tapis-project/tokens-api/internal/token"
)

// createTokenHandler handles POST /v3/tokens: mint an access token and,
// on request, a companion refresh token.
func (s *Server) createTokenHandler(w http.ResponseWriter, r *http.Request) {
	var req token.NewTokenRequest
	if err := decodeJSON(r, &req); err != nil {
		s.RespondError(w, err)
		return
	}
	if err := req.Validate(); err != nil {
		s.RespondError(w, err)
		return
	}

	caller, err := s.gate.AuthorizeCreate(r.Context(), r, &req)
	if err != nil {
		s.RespondError(w, err)
		return
	}

	if !s.svcs.Tenants.Serves(req.TokenTenantID) {
		s.RespondError(w, apierr.Newf(apierr.KindInvalidRequest,
			"Unable to generate tokens for the %s tenant; this Tokens API serves the following tenants: %s.",
			req.TokenTenantID, strings.Join(s.svcs.Config.Tenants, ", ")))
		return
	}
	tenant, err := s.svcs.Tenants.Get(req.TokenTenantID)
	if err != nil {
		s.RespondError(w, err)
		return
	}

	at, err := token.DeriveAccessToken(&req, tenant)
	if err != nil {
		s.RespondError(w, err)
		return
	}
	if _, err := at.Sign(tenant.PrivateKey); err != nil {
		s.RespondError(w, err)
		return
	}

	access := at.Envelope()
	pair := token.TokenPair{AccessToken: &access}
	if req.GenerateRefreshToken {
		rt := token.DeriveRefreshToken(at, req.RefreshTokenTTL, tenant)
		if _, err := rt.Sign(tenant.PrivateKey); err != nil {
			s.RespondError(w, err)
			return
		}
		refresh := rt.Envelope()
		pair.RefreshToken = &refresh
	}

	s.metrics.TokenIssued(req.AccountType)
	s.logger.Info("token generated",
		zap.String("jti", at.JTI),
		zap.String("tenant_id", req.TokenTenantID),
		zap.String("username", req.TokenUsername),
		zap.String("account_type", req.AccountType),
		zap.String("caller", caller.Username),
	)
	s.RespondOK(w, "Token generation successful.", pair)
}

// refreshTokenHandler handles PUT /v3/tokens: exchange a refresh token for a
// new access/refresh pair. Possession of a valid refresh token is the only
// credential; a token that fails validation is a bad request, not an
// authentication failure.
func (s *Server) refreshTokenHandler(w http.ResponseWriter, r *http.Request) {
	var req token.RefreshRequest
	if err := decodeJSON(r, &req); err != nil {
		s.RespondError(w, err)
		return
	}
	if req.RefreshToken == "" {
		s.RespondError(w, apierr.New(apierr.KindInvalidRequest, "refresh_token is required."))
		return
	}

	claims, err := s.svcs.Validator.Validate(r.Context(), req.RefreshToken)
	if err != nil {
		s.RespondError(w, asInvalidRequest(err))
		return
	}

	at, initialTTL, err := token.RebuildAccessFromRefresh(claims)
	if err != nil {
		s.RespondError(w, err)
		return
	}

	tenant, err := s.svcs.Tenants.Get(at.TenantID)
	if err != nil {
		s.RespondError(w, err)
		return
	}
	if _, err := at.Sign(tenant.PrivateKey); err != nil {
		s.RespondError(w, err)
		return
	}

	// the new refresh token keeps the original refresh TTL, so a chain of
	// refreshes never extends the family's lifetime budget
	rt := token.DeriveRefreshToken(at, initialTTL, tenant)
	if _, err := rt.Sign(tenant.PrivateKey); err != nil {
		s.RespondError(w, err)
		return
	}

	access := at.Envelope()
	refresh := rt.Envelope()
	s.metrics.TokenRefreshed()
	s.logger.Info("token refreshed",
		zap.String("jti", at.JTI),
		zap.String("tenant_id", at.TenantID),
		zap.String("username", at.Username),
	)
	s.RespondOK(w, "Token generation successful.", token.TokenPair{
		AccessToken:  &access,
		RefreshToken: &refresh,
	})
}

// asInvalidRequest downgrades validation failures on caller-supplied tokens
// to a 400 while preserving the client-safe message.
func asInvalidRequest(err error) error {
	return apierr.New(apierr.KindInvalidRequest, apierr.Message(err))
}
