package rest

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/tapis-project/tokens-api/internal/apierr"
	"github.com/tapis-project/tokens-api/internal/token"
)

// rotateKeysHandler handles PUT /v3/tokens/keys: generate a new signing key
// pair for a tenant, publish the public key, and swap the cached key.
func (s *Server) rotateKeysHandler(w http.ResponseWriter, r *http.Request) {
	var req token.RotateKeysRequest
	if err := decodeJSON(r, &req); err != nil {
		s.RespondError(w, err)
		return
	}
	if req.TenantID == "" {
		s.RespondError(w, apierr.New(apierr.KindInvalidRequest, "tenant_id is required."))
		return
	}

	caller, err := s.gate.AuthorizeRotate(r.Context(), r, req.TenantID)
	if err != nil {
		s.RespondError(w, err)
		return
	}

	publicKey, err := s.rotator.Rotate(r.Context(), req.TenantID)
	if err != nil {
		s.RespondError(w, err)
		return
	}

	s.metrics.KeysRotated()
	s.logger.Info("tenant signing keys rotated",
		zap.String("tenant_id", req.TenantID),
		zap.String("caller", caller.Username),
		zap.String("caller_tenant", caller.TenantID),
	)
	s.RespondOK(w, "Tenant signing keys update successful.", map[string]string{
		"public_key": publicKey,
	})
}
