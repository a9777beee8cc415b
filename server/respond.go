package server

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/helix-tools/dataroom/apperr"
	"github.com/helix-tools/dataroom/types"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps err to its status and single-line message.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	status := apperr.HTTPStatus(kind)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("kind", string(kind)),
			zap.Error(err))
	}
	writeJSON(w, status, types.ErrorResponse{Error: apperr.Message(err)})
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.Wrap(apperr.BadRequest, err, "Request body is not valid JSON")
	}
	return nil
}
