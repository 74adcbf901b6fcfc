package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
)

// maxWebhookBody caps what is read from the gateway. Stripe events are far
// smaller; anything over is refused rather than cut short.
const maxWebhookBody = 512 << 10

type WebhookAcceptor interface {
	Accept(ctx context.Context, body []byte, signature string) error
}

type WebhookHandler struct {
	dispatcher WebhookAcceptor
	logger     *slog.Logger
}

func NewWebhookHandler(d WebhookAcceptor, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{dispatcher: d, logger: logger}
}

// HandleStripe acknowledges every verified event. Only a failed signature
// check or an unreadable body is answered with an error status.
func (h *WebhookHandler) HandleStripe(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.logger.Warn("webhook body too large",
				"limit", tooLarge.Limit,
				"content_length", r.ContentLength,
				"remote_addr", r.RemoteAddr,
			)
			writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Error: "body too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "read body"})
		return
	}

	if err := h.dispatcher.Accept(r.Context(), body, r.Header.Get("Stripe-Signature")); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}
