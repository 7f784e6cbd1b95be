package rest

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/tapis-project/tokens-api/internal/apierr"
)

// Envelope is the uniform Tapis response wrapper.
type Envelope struct {
	Status  string      `json:"status"`
	Message string      `json:"message"`
	Version string      `json:"version"`
	Result  interface{} `json:"result"`
}

// RespondOK writes a success envelope.
func (s *Server) RespondOK(w http.ResponseWriter, message string, result interface{}) {
	s.writeEnvelope(w, http.StatusOK, Envelope{
		Status:  "success",
		Message: message,
		Version: s.config.Version,
		Result:  result,
	})
}

// RespondError maps a typed error to its status code and writes an error
// envelope carrying only the client-safe message.
func (s *Server) RespondError(w http.ResponseWriter, err error) {
	kind := apierr.KindOf(err)
	status := kind.HTTPStatus()
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("kind", kind.String()), zap.Error(err))
	}
	s.writeEnvelope(w, status, Envelope{
		Status:  "error",
		Message: apierr.Message(err),
		Version: s.config.Version,
		Result:  nil,
	})
}

func (s *Server) writeEnvelope(w http.ResponseWriter, status int, env Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		s.logger.Error("write response", zap.Error(err))
	}
}

// decodeJSON parses a request body, mapping malformed JSON to a 400.
func decodeJSON(r *http.Request, dst interface{}) error {
	if r.Body == nil {
		return apierr.New(apierr.KindInvalidRequest, "a JSON request body is required.")
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return apierr.Wrap(apierr.KindInvalidRequest, "could not parse the request body as JSON.", err)
	}
	return nil
}
