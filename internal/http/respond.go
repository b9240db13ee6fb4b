package httpx

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/splax/pulse/internal/apperr"
)

// writeJSON writes JSON response with status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError sends an error message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeAppError maps a service error onto a status code. Only validation,
// lookup and credential failures echo their message to the client.
func writeAppError(w http.ResponseWriter, logger *slog.Logger, err error) {
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		writeError(w, http.StatusBadRequest, messageOf(err, "invalid request"))
	case apperr.KindNotFound:
		writeError(w, http.StatusNotFound, messageOf(err, "not found"))
	case apperr.KindUnauthorized:
		writeError(w, http.StatusUnauthorized, messageOf(err, "unauthorized"))
	case apperr.KindTransient:
		logger.Warn("transient failure serving request", "error", err)
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "temporarily unavailable, retry")
	default:
		logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func messageOf(err error, fallback string) string {
	var target *apperr.Error
	if errors.As(err, &target) && target.Message != "" {
		return target.Message
	}
	return fallback
}
