package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/dukerupert/plansync/internal/subscription"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
}

// statusFor maps lifecycle errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, subscription.ErrInvalidArgument), errors.Is(err, subscription.ErrInvalidWebhook):
		return http.StatusBadRequest
	case errors.Is(err, subscription.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, subscription.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, subscription.ErrConflict), errors.Is(err, subscription.ErrNotApplicable):
		return http.StatusConflict
	case errors.Is(err, subscription.ErrInsufficientFunds), errors.Is(err, subscription.ErrPaymentFailed):
		return http.StatusPaymentRequired
	case errors.Is(err, subscription.ErrPaymentGateway):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
		msg = "internal error"
	}
	writeJSON(w, status, errorBody{Error: msg})
}
