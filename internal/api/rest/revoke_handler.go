package rest

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/tapis-project/tokens-api/internal/apierr"
	"github.com/tapis-project/tokens-api/internal/token"
)

// revokeTokenHandler handles POST /v3/tokens/revoke. The revocation itself is
// delegated to the site-router; the local redis blacklist, when configured,
// mirrors it so this instance's own validation rejects the jti immediately.
func (s *Server) revokeTokenHandler(w http.ResponseWriter, r *http.Request) {
	var req token.RevokeRequest
	if err := decodeJSON(r, &req); err != nil {
		s.RespondError(w, err)
		return
	}
	if req.Token == "" {
		s.RespondError(w, apierr.New(apierr.KindInvalidRequest, "token is required."))
		return
	}

	caller, err := s.gate.AuthorizeRevoke(r.Context(), r)
	if err != nil {
		s.RespondError(w, err)
		return
	}

	// the token being revoked must itself be a valid Tapis token
	claims, err := s.svcs.Validator.Validate(r.Context(), req.Token)
	if err != nil {
		s.RespondError(w, asInvalidRequest(err))
		return
	}
	jti, _ := claims["jti"].(string)
	if jti == "" {
		s.RespondError(w, apierr.New(apierr.KindInvalidRequest, "token is missing the jti claim."))
		return
	}

	if err := s.svcs.SiteRouter.Revoke(r.Context(), req.Token); err != nil {
		s.RespondError(w, err)
		return
	}

	if s.svcs.Revocations != nil {
		exp := expiryFromClaims(claims)
		if err := s.svcs.Revocations.Revoke(r.Context(), jti, exp); err != nil {
			// advisory cache only; the site-router already holds the revocation
			s.logger.Warn("local revocation cache update failed", zap.Error(err), zap.String("jti", jti))
		}
	}

	s.metrics.TokenRevoked()
	s.logger.Info("token revoked",
		zap.String("jti", jti),
		zap.String("caller", caller.Username),
		zap.String("caller_tenant", caller.TenantID),
	)
	s.RespondOK(w, "Token "+jti+" has been revoked.", nil)
}

func expiryFromClaims(claims map[string]interface{}) time.Time {
	if v, ok := claims["exp"].(float64); ok {
		return time.Unix(int64(v), 0)
	}
	return time.Now()
}
