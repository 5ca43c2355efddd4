package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"upgrade-orchestrator/core/apperrors"
	"upgrade-orchestrator/core/logging"
)

// ErrorResponse is the body of every non-validation error
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ValidationResponse is the body of a 400
type ValidationResponse struct {
	Errors  []apperrors.FieldViolation `json:"errors"`
	Message string                     `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// writeError maps err onto its HTTP response. Errors that are not
// *apperrors.Error are treated as internal.
func writeError(w http.ResponseWriter, r *http.Request, fallback *slog.Logger, err error) {
	var appErr *apperrors.Error
	if !errors.As(err, &appErr) {
		appErr = apperrors.Internal("unexpected error", err)
	}

	switch appErr.Kind {
	case apperrors.KindValidation:
		fields := appErr.Fields
		if fields == nil {
			fields = []apperrors.FieldViolation{}
		}
		writeJSON(w, http.StatusBadRequest, ValidationResponse{
			Errors:  fields,
			Message: appErr.Message,
		})
	case apperrors.KindNotFound:
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "not_found", Message: appErr.Message})
	case apperrors.KindRateLimited:
		if appErr.RetryAfter > 0 {
			secs := int(math.Ceil(appErr.RetryAfter.Seconds()))
			w.Header().Set("Retry-After", strconv.Itoa(secs))
		}
		writeJSON(w, http.StatusTooManyRequests, ErrorResponse{Error: "rate_limited", Message: appErr.Message})
	case apperrors.KindConflict:
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: "conflict", Message: appErr.Message})
	case apperrors.KindInternal:
		logging.FromContext(r.Context(), fallback).Error("request failed", "error", appErr)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{
			Error:   "internal_error",
			Message: "Internal server error",
		})
	default:
		logging.FromContext(r.Context(), fallback).Error("unmapped error kind", "kind", appErr.Kind, "error", appErr)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{
			Error:   "internal_error",
			Message: "Internal server error",
		})
	}
}
