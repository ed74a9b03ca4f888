package payments

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/mbd888/safehold/internal/escrow"
	"github.com/mbd888/safehold/internal/logging"
	"github.com/mbd888/safehold/internal/webhooks"
)

const maxWebhookBody = 64 << 10

// EscrowService is the part of escrow.Service the payment webhooks drive.
type EscrowService interface {
	HandlePaymentSuccess(ctx context.Context, id, reference string) (*escrow.Transaction, error)
	NotifySeller(ctx context.Context, id string) (*escrow.Transaction, error)
}

// WebhookHandler receives payment confirmations from providers.
type WebhookHandler struct {
	service      EscrowService
	secret       string
	stripeSecret string
}

// NewWebhookHandler creates a handler. secret signs the generic webhook;
// stripeSecret is the Stripe endpoint signing secret. An empty secret
// disables the corresponding route.
func NewWebhookHandler(service EscrowService, secret, stripeSecret string) *WebhookHandler {
	return &WebhookHandler{service: service, secret: secret, stripeSecret: stripeSecret}
}

// RegisterRoutes sets up payment webhook routes
func (h *WebhookHandler) RegisterRoutes(r *gin.RouterGroup) {
	if h.secret != "" {
		r.POST("/payments/webhook", h.PaymentWebhook)
	}
	if h.stripeSecret != "" {
		r.POST("/payments/stripe/webhook", h.StripeWebhook)
	}
}

// PaymentWebhook handles POST /v1/payments/webhook. The body is
// {"escrowId", "reference"} signed with HMAC-SHA256 in X-Safehold-Signature.
func (h *WebhookHandler) PaymentWebhook(c *gin.Context) {
	payload, ok := readBody(c)
	if !ok {
		return
	}
	if !webhooks.Verify(payload, h.secret, c.GetHeader(webhooks.SignatureHeader)) {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "invalid_signature",
			"message": "Webhook signature verification failed",
		})
		return
	}

	var req escrow.PaymentSuccessRequest
	if err := json.Unmarshal(payload, &req); err != nil || req.EscrowID == "" || req.Reference == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "escrowId and reference are required",
		})
		return
	}

	h.lockFunds(c, req.EscrowID, req.Reference)
}

// StripeWebhook handles POST /v1/payments/stripe/webhook. Only
// payment_intent.succeeded events carrying metadata.escrow_id are acted on.
func (h *WebhookHandler) StripeWebhook(c *gin.Context) {
	payload, ok := readBody(c)
	if !ok {
		return
	}
	event, err := webhook.ConstructEventWithOptions(payload, c.GetHeader("Stripe-Signature"), h.stripeSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "invalid_signature",
			"message": "Stripe signature verification failed",
		})
		return
	}

	if event.Type != "payment_intent.succeeded" {
		c.JSON(http.StatusOK, gin.H{"status": "ignored", "type": event.Type})
		return
	}

	var pi stripe.PaymentIntent
	if event.Data == nil || json.Unmarshal(event.Data.Raw, &pi) != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Malformed payment_intent payload",
		})
		return
	}
	escrowID := pi.Metadata["escrow_id"]
	if escrowID == "" {
		// Not an escrow payment.
		c.JSON(http.StatusOK, gin.H{"status": "ignored", "type": event.Type})
		return
	}

	h.lockFunds(c, escrowID, pi.ID)
}

// lockFunds records the payment and then tells the seller. A replayed
// webhook for an already notified escrow still succeeds.
func (h *WebhookHandler) lockFunds(c *gin.Context, escrowID, reference string) {
	ctx := c.Request.Context()
	tx, err := h.service.HandlePaymentSuccess(ctx, escrowID, reference)
	if err != nil {
		escrow.RespondError(c, err)
		return
	}

	notified, err := h.service.NotifySeller(ctx, escrowID)
	switch {
	case err == nil:
		tx = notified
	case errors.Is(err, escrow.ErrInvalidTransition):
	default:
		logging.L(ctx).Warn("seller notification after payment failed", "escrow_id", escrowID, "error", err)
	}

	c.JSON(http.StatusOK, gin.H{"escrow": tx})
}

func readBody(c *gin.Context) ([]byte, bool) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody+1))
	if err != nil || len(payload) > maxWebhookBody {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"error":   "invalid_request",
			"message": "Webhook body unreadable or too large",
		})
		return nil, false
	}
	return payload, true
}
