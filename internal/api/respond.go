package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/magpielab/magpie/internal/storage"
	"github.com/magpielab/magpie/internal/types"
)

// errorBody is the wire shape of every non-2xx response.
type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debug("response encode failed", zap.Error(err))
	}
}

// writeError maps an error onto its HTTP status using the pipeline's
// error taxonomy, with the storage sentinels handled first.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, storage.ErrConflict):
		status = http.StatusConflict
	default:
		switch types.CategoryOf(err) {
		case types.ErrValidation:
			status = http.StatusBadRequest
		case types.ErrTransient:
			status = http.StatusTooManyRequests
		case types.ErrTimeout, types.ErrExternal:
			status = http.StatusBadGateway
		}
	}
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
	s.writeJSON(w, status, errorBody{Error: err.Error(), Code: types.CodeOf(err)})
}

func (s *Server) writeNotFound(w http.ResponseWriter, what string) {
	s.writeJSON(w, http.StatusNotFound, errorBody{Error: what + " not found", Code: "not_found"})
}

func (s *Server) writeUnauthorized(w http.ResponseWriter) {
	s.writeJSON(w, http.StatusUnauthorized, errorBody{Error: "invalid or missing worker token", Code: "unauthorized"})
}

func (s *Server) writeRateLimited(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Retry-After", "1")
	s.writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "request rate limit exceeded", Code: "rate_limited"})
}
