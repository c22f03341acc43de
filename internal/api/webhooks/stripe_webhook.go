// Package webhooks handles inbound billing events. Payloads are verified against the
// provider's signature before anything is processed.
package webhooks

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mlplatform/console-backend/internal/payments"
)

// maxPayloadBytes bounds the body read before verification.
const maxPayloadBytes = 64 << 10

// EventVerifier checks a payload signature and decodes the event.
type EventVerifier interface {
	VerifyEvent(payload []byte, signature string) (*payments.Event, error)
}

// EventHandler applies a verified event. services.BillingReconciler satisfies it.
type EventHandler interface {
	HandleEvent(ctx context.Context, ev *payments.Event) (string, error)
}

// StripeWebhookHandler receives billing events.
type StripeWebhookHandler struct {
	verifier EventVerifier
	handler  EventHandler
}

// NewStripeWebhookHandler creates a new webhook handler
func NewStripeWebhookHandler(verifier EventVerifier, handler EventHandler) *StripeWebhookHandler {
	return &StripeWebhookHandler{verifier: verifier, handler: handler}
}

// HandleWebhook verifies and applies one event. Every verified event is
// acknowledged, even when applying it failed, so the provider does not retry work
// that has already been recorded for repair. Only a failure to record the event
// itself answers 500, which makes the provider redeliver it.
// POST /api/webhooks/stripe
func (h *StripeWebhookHandler) HandleWebhook(c *gin.Context) {
	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxPayloadBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read payload"})
		return
	}

	ev, err := h.verifier.VerifyEvent(payload, c.GetHeader("Stripe-Signature"))
	if err != nil {
		if errors.Is(err, payments.ErrSignature) {
			slog.Warn("billing webhook signature rejected", "ip", c.ClientIP())
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid signature"})
			return
		}
		slog.Warn("billing webhook payload rejected", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	outcome, err := h.handler.HandleEvent(c.Request.Context(), ev)
	if err != nil {
		slog.Error("failed to record billing event", "event_id", ev.ID, "type", ev.Type, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to record event"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true, "event_id": ev.ID, "outcome": outcome})
}
