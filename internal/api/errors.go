package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"s6gate/internal/apperr"
)

type ErrorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail"`
}

// statusFor maps an error kind to the HTTP status returned for it.
func statusFor(err error) int {
	switch apperr.Kind(err) {
	case apperr.ErrValidation:
		return http.StatusBadRequest
	case apperr.ErrNotFound:
		return http.StatusNotFound
	case apperr.ErrAgentUnreachable:
		return http.StatusBadGateway
	case apperr.ErrEngineUnavailable:
		return http.StatusServiceUnavailable
	case apperr.ErrUpstream:
		if status := apperr.UpstreamStatus(err); status >= 400 && status < 500 {
			return status
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func errorBody(err error) ErrorResponse {
	kind := apperr.Kind(err)
	if kind == nil {
		return ErrorResponse{Error: "internal error", Detail: err.Error()}
	}
	return ErrorResponse{Error: kind.Error(), Detail: apperr.Detail(err)}
}

func (s *Server) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Warn("request failed", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	writeJSON(w, status, errorBody(err))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

const maxBodyBytes = 1 << 20

// decodeBody reads a JSON request body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return apperr.Validation("request body too large")
		}
		return apperr.Validation("invalid JSON body: %v", err)
	}
	return nil
}
