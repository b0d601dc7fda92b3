package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"

	"queue_notifier/internal/domain"
	"queue_notifier/internal/feature/admin"
	"queue_notifier/internal/logging"
)

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return domain.NewValidationError("Invalid JSON body", err.Error())
	}
	return nil
}

// writeFailure maps a service error to its HTTP status. Anything unknown is a
// 500 carrying the operation summary and the error text.
func writeFailure(w http.ResponseWriter, logger *logrus.Entry, op string, err error) {
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		body := map[string]any{"error": verr.Message}
		if len(verr.Details) > 0 {
			body["details"] = verr.Details
		}
		writeJSON(w, http.StatusBadRequest, body)
	case errors.Is(err, domain.ErrDuplicateRegistration), errors.Is(err, domain.ErrDuplicateUsername):
		writeError(w, http.StatusConflict, duplicateMessage(err))
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "Not found")
	case errors.Is(err, admin.ErrTelegramDisabled):
		writeError(w, http.StatusServiceUnavailable, "Telegram bot service is not enabled. Please configure bot token.")
	case errors.Is(err, admin.ErrTelegramNotLinked):
		writeError(w, http.StatusBadRequest, "Telegram chat is not initialized. Send /start to the bot first.")
	default:
		logger.WithFields(logging.Fields{
			"event":     "request_failed",
			"operation": op,
		}).WithError(err).Error("request failed")
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error":   "Failed to " + op,
			"message": err.Error(),
		})
	}
}

func duplicateMessage(err error) string {
	if errors.Is(err, domain.ErrDuplicateRegistration) {
		return "This username is already registered with this email address."
	}
	return "Username already exists. Please choose a different username."
}
