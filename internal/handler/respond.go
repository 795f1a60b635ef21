package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/dukerupert/goaltrack/internal/backup"
	"github.com/dukerupert/goaltrack/internal/review"
	"github.com/dukerupert/goaltrack/internal/storage"
)

// maxBodyBytes bounds request bodies, imports included.
const maxBodyBytes = 10 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeMessage(w http.ResponseWriter, status int, kind, msg string) {
	writeJSON(w, status, map[string]string{"error": msg, "kind": kind})
}

// errorStatus maps an error to its HTTP status and the kind label sent to
// clients.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, review.ErrNotConfigured):
		return http.StatusBadRequest, "not_configured"
	case errors.Is(err, review.ErrNoGoals):
		return http.StatusUnprocessableEntity, "no_goals"
	case errors.Is(err, backup.ErrDecrypt):
		return http.StatusBadRequest, "decrypt_failed"
	}

	kind := storage.Kind(err)
	switch kind {
	case "not_found":
		return http.StatusNotFound, kind
	case "not_authenticated":
		return http.StatusUnauthorized, kind
	case "duplicate_key", "conflict":
		return http.StatusConflict, kind
	case "invalid", "malformed_payload":
		return http.StatusBadRequest, kind
	case "unavailable":
		return http.StatusServiceUnavailable, kind
	case "timeout":
		return http.StatusGatewayTimeout, kind
	default:
		return http.StatusInternalServerError, kind
	}
}

// writeError reports err to the client. Server-side failures are logged and
// their detail withheld; client errors echo the message.
func writeError(w http.ResponseWriter, logger *slog.Logger, msg string, err error) {
	status, kind := errorStatus(err)
	if status >= http.StatusInternalServerError {
		logger.Error(msg, "kind", kind, "error", err)
		writeMessage(w, status, kind, msg)
		return
	}
	writeMessage(w, status, kind, err.Error())
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeMessage(w, http.StatusBadRequest, "malformed_payload", "invalid JSON")
		return false
	}
	return true
}
