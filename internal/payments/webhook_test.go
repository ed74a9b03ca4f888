package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/mbd888/safehold/internal/escrow"
	"github.com/mbd888/safehold/internal/webhooks"
)

const (
	testWebhookSecret = "whsec_generic" //nolint:gosec // test credential
	testStripeSecret  = "whsec_stripe"  //nolint:gosec // test credential
)

type recordingNotifier struct {
	sent []escrow.Notification
}

func (n *recordingNotifier) Notify(_ context.Context, msg escrow.Notification) error {
	n.sent = append(n.sent, msg)
	return nil
}

type webhookEnv struct {
	router   *gin.Engine
	svc      *escrow.Service
	gw       *MemoryGateway
	notifier *recordingNotifier
}

func setupWebhookEnv(t *testing.T) *webhookEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	gw := NewMemoryGateway()
	notifier := &recordingNotifier{}
	svc := escrow.NewService(escrow.NewMemoryStore(), nil).
		WithGateway(ProviderMemory, gw).
		WithGateway(ProviderStripe, gw).
		WithNotifier(notifier)

	r := gin.New()
	NewWebhookHandler(svc, testWebhookSecret, testStripeSecret).RegisterRoutes(r.Group("/v1"))
	return &webhookEnv{router: r, svc: svc, gw: gw, notifier: notifier}
}

func (e *webhookEnv) initiate(t *testing.T, provider string) *escrow.Transaction {
	t.Helper()
	tx, err := e.svc.Initiate(context.Background(), escrow.InitiateRequest{
		BuyerID: "buyer_b", SellerID: "seller_s", Amount: decimal.NewFromInt(5000), PaymentProvider: provider,
	})
	require.NoError(t, err)
	return tx
}

func (e *webhookEnv) post(path string, body []byte, header, value string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if header != "" {
		req.Header.Set(header, value)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *webhookEnv) sellerTitles() []string {
	var titles []string
	for _, n := range e.notifier.sent {
		if n.UserID == "seller_s" {
			titles = append(titles, n.Title)
		}
	}
	return titles
}

func TestPaymentWebhook_LocksFundsAndNotifiesSellerOnce(t *testing.T) {
	env := setupWebhookEnv(t)
	tx := env.initiate(t, ProviderMemory)
	env.gw.Capture("ref123", decimal.NewFromInt(5000), "NGN")

	body, _ := json.Marshal(escrow.PaymentSuccessRequest{EscrowID: tx.ID, Reference: "ref123"})
	sig := webhooks.Sign(body, testWebhookSecret)

	for i := 0; i < 2; i++ {
		w := env.post("/v1/payments/webhook", body, webhooks.SignatureHeader, sig)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	}

	got, err := env.svc.Get(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusFundsLocked, got.Status)
	assert.True(t, got.SellerNotified())
	assert.Equal(t, []string{"Payment secured"}, env.sellerTitles())
}

func TestPaymentWebhook_RejectsBadSignature(t *testing.T) {
	env := setupWebhookEnv(t)
	tx := env.initiate(t, ProviderMemory)

	body, _ := json.Marshal(escrow.PaymentSuccessRequest{EscrowID: tx.ID, Reference: "ref123"})
	w := env.post("/v1/payments/webhook", body, webhooks.SignatureHeader, webhooks.Sign(body, "wrong"))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.post("/v1/payments/webhook", body, "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestPaymentWebhook_UnverifiedPayment(t *testing.T) {
	env := setupWebhookEnv(t)
	tx := env.initiate(t, ProviderMemory)

	body, _ := json.Marshal(escrow.PaymentSuccessRequest{EscrowID: tx.ID, Reference: "never_paid"})
	w := env.post("/v1/payments/webhook", body, webhooks.SignatureHeader, webhooks.Sign(body, testWebhookSecret))
	assert.Equal(t, http.StatusPaymentRequired, w.Code)

	got, _ := env.svc.Get(context.Background(), tx.ID)
	assert.Equal(t, escrow.StatusInitiated, got.Status)
	assert.Empty(t, env.notifier.sent)
}

func TestPaymentWebhook_MissingFields(t *testing.T) {
	env := setupWebhookEnv(t)
	body := []byte(`{"escrowId":"esc_1"}`)
	w := env.post("/v1/payments/webhook", body, webhooks.SignatureHeader, webhooks.Sign(body, testWebhookSecret))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func stripeEvent(eventType, piID, escrowID string) []byte {
	return []byte(fmt.Sprintf(`{
		"id": "evt_test",
		"object": "event",
		"type": %q,
		"data": {"object": {
			"id": %q,
			"object": "payment_intent",
			"status": "succeeded",
			"amount_received": 500000,
			"currency": "ngn",
			"metadata": {"escrow_id": %q}
		}}
	}`, eventType, piID, escrowID))
}

func signStripe(payload []byte) string {
	return webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    testStripeSecret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	}).Header
}

func TestStripeWebhook_PaymentIntentSucceeded(t *testing.T) {
	env := setupWebhookEnv(t)
	tx := env.initiate(t, ProviderStripe)
	env.gw.Capture("pi_123", decimal.NewFromInt(5000), "NGN")

	payload := stripeEvent("payment_intent.succeeded", "pi_123", tx.ID)
	w := env.post("/v1/payments/stripe/webhook", payload, "Stripe-Signature", signStripe(payload))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	got, err := env.svc.Get(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusFundsLocked, got.Status)
	assert.Equal(t, "pi_123", got.PaymentReference)
	assert.Equal(t, []string{"Payment secured"}, env.sellerTitles())
}

func TestStripeWebhook_IgnoresOtherEvents(t *testing.T) {
	env := setupWebhookEnv(t)
	tx := env.initiate(t, ProviderStripe)

	payload := stripeEvent("payment_intent.created", "pi_123", tx.ID)
	w := env.post("/v1/payments/stripe/webhook", payload, "Stripe-Signature", signStripe(payload))
	require.Equal(t, http.StatusOK, w.Code)

	payload = stripeEvent("payment_intent.succeeded", "pi_123", "")
	w = env.post("/v1/payments/stripe/webhook", payload, "Stripe-Signature", signStripe(payload))
	require.Equal(t, http.StatusOK, w.Code)

	got, _ := env.svc.Get(context.Background(), tx.ID)
	assert.Equal(t, escrow.StatusInitiated, got.Status)
}

func TestStripeWebhook_RejectsBadSignature(t *testing.T) {
	env := setupWebhookEnv(t)
	payload := stripeEvent("payment_intent.succeeded", "pi_123", "esc_1")
	w := env.post("/v1/payments/stripe/webhook", payload, "Stripe-Signature", "t=1,v1=deadbeef")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
