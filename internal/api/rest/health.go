package rest

import (
	"net/http"

	"go.uber.org/zap"
)

// helloHandler is the unauthenticated liveness probe.
func (s *Server) helloHandler(w http.ResponseWriter, r *http.Request) {
	s.RespondOK(w, "Hello from the Tapis Tokens API.", nil)
}

// readyHandler reports readiness: tenant cache populated and, when the
// Security Kernel is in use, reachable.
func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.svcs.Ready(r.Context()); err != nil {
		s.logger.Warn("readiness check failed", zap.Error(err))
		s.writeEnvelope(w, http.StatusServiceUnavailable, Envelope{
			Status:  "error",
			Message: "Service not ready.",
			Version: s.config.Version,
		})
		return
	}
	s.RespondOK(w, "Service ready.", nil)
}
