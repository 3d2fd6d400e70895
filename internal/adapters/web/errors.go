package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"inventory-core/internal/app"
	"inventory-core/internal/core"

	"go.uber.org/zap"
)

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id,omitempty"`
}

// writeError writes a structured JSON error response.
func writeError(w http.ResponseWriter, r *http.Request, message, code string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	resp := errorResponse{
		Error:     message,
		Code:      code,
		RequestID: requestIDFromContext(r.Context()),
	}
	_ = json.NewEncoder(w).Encode(resp)
}

// writeJSON writes a JSON response with status 200.
func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps an error to its HTTP status and wire code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, app.ErrBadRequest):
		return http.StatusBadRequest, "BAD_REQUEST"
	case errors.Is(err, core.ErrNotFound), errors.Is(err, core.ErrUnknownRow):
		return http.StatusNotFound, core.CodeOf(err)
	case errors.Is(err, core.ErrAlreadyTerminal):
		return http.StatusConflict, core.CodeOf(err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "UNAVAILABLE"
	}
	switch core.KindOf(err) {
	case core.KindValidation:
		return http.StatusBadRequest, core.CodeOf(err)
	case core.KindDomain:
		return http.StatusUnprocessableEntity, core.CodeOf(err)
	case core.KindConcurrency:
		return http.StatusConflict, core.CodeOf(err)
	case core.KindIntegration:
		return http.StatusServiceUnavailable, core.CodeOf(err)
	}
	return http.StatusInternalServerError, core.CodeOf(err)
}

// writeServiceError translates an ApplicationService error into a JSON error response.
// Internal and consistency failures are logged and their details withheld.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("request_id", requestIDFromContext(r.Context())),
			zap.String("path", r.URL.Path),
			zap.String("code", code),
			zap.Error(err),
		)
		if status == http.StatusInternalServerError {
			msg = "internal server error"
		}
	}
	writeError(w, r, msg, code, status)
}
