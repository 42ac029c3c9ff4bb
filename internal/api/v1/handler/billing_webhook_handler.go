package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"controlplane/internal/api/v1/response"
	"controlplane/internal/billing"
	"controlplane/internal/metrics"

	"github.com/rs/zerolog"
)

const maxWebhookBodyBytes = int64(1 << 20)

// EventVerifier authenticates a raw notification and decodes it.
type EventVerifier interface {
	Verify(payload []byte, sigHeader string) (billing.Event, error)
}

// EventDispatcher applies a verified event.
type EventDispatcher interface {
	Dispatch(ctx context.Context, ev billing.Event) error
}

// BillingWebhookHandler receives billing provider notifications.
type BillingWebhookHandler struct {
	verifier   EventVerifier
	dispatcher EventDispatcher
	metrics    *metrics.Metrics
	logger     zerolog.Logger
}

// NewBillingWebhookHandler creates a new BillingWebhookHandler.
func NewBillingWebhookHandler(v EventVerifier, d EventDispatcher, m *metrics.Metrics, logger zerolog.Logger) *BillingWebhookHandler {
	return &BillingWebhookHandler{
		verifier:   v,
		dispatcher: d,
		metrics:    m,
		logger:     logger.With().Str("handler", "BillingWebhookHandler").Logger(),
	}
}

// RegisterRoutes mounts the notification endpoint. It carries no bearer auth; the
// signature is the credential.
func (h *BillingWebhookHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /billing/webhook", h.handleWebhook)
}

// handleWebhook acknowledges every verified notification with 200, including ones whose
// processing failed, so the provider does not redeliver them.
func (h *BillingWebhookHandler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	eventType := "unknown"
	status := http.StatusOK
	defer func() {
		h.metrics.WebhookRequestsTotal.WithLabelValues(eventType, strconv.Itoa(status)).Inc()
		h.metrics.WebhookDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	}()

	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.Warn().Err(err).Msg("failed to read billing webhook body")
		status = http.StatusBadRequest
		response.JSON(w, status, map[string]string{"error": "failed to read request body"})
		return
	}

	ev, err := h.verifier.Verify(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		status = http.StatusBadRequest
		msg := "invalid event payload"
		if errors.Is(err, billing.ErrMissingSignature) || errors.Is(err, billing.ErrInvalidSignature) {
			msg = "invalid signature"
		}
		h.logger.Warn().Err(err).Msg("billing webhook rejected")
		response.JSON(w, status, map[string]string{"error": msg})
		return
	}

	meta := ev.Meta()
	eventType = meta.Type
	if err := h.dispatcher.Dispatch(r.Context(), ev); err != nil {
		h.logger.Error().
			Err(err).
			Str("event_id", meta.ID).
			Str("event_type", meta.Type).
			Msg("billing event processing failed; acknowledging to avoid redelivery")
	}
	response.JSON(w, status, map[string]bool{"received": true})
}
