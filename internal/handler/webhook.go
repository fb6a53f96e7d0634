package handler

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/rdsconnect/screen-server/internal/config"
	apperrors "github.com/rdsconnect/screen-server/internal/errors"
	"github.com/rdsconnect/screen-server/internal/httputil"
)

type WebhookProcessor interface {
	Handle(ctx context.Context, payload []byte, signature string) error
}

type WebhookHandler struct {
	processor WebhookProcessor
}

func NewWebhookHandler(processor WebhookProcessor) *WebhookHandler {
	return &WebhookHandler{processor: processor}
}

// POST /webhooks/stripe
// Any non-2xx answer makes Stripe redeliver the event later.
func (h *WebhookHandler) Stripe(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, config.MaxWebhookBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httputil.WriteErrorWithStatus(w, http.StatusRequestEntityTooLarge,
				apperrors.ValidationError("Request body too large"))
			return
		}
		log.Warn().Err(err).Msg("failed to read webhook body")
		httputil.WriteError(w, apperrors.ValidationError("Invalid request body"))
		return
	}

	if err := h.processor.Handle(r.Context(), payload, r.Header.Get("Stripe-Signature")); err != nil {
		httputil.WriteError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}
