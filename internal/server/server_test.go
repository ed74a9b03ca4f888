package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/safehold/internal/auth"
	"github.com/mbd888/safehold/internal/config"
	"github.com/mbd888/safehold/internal/escrow"
	"github.com/mbd888/safehold/internal/logging"
	"github.com/mbd888/safehold/internal/payments"
	"github.com/mbd888/safehold/internal/webhooks"
)

const (
	testAdminSecret   = "admin-secret"
	testWebhookSecret = "pay-secret"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testConfig() *config.Config {
	return &config.Config{
		Port:                 "0",
		Env:                  "development",
		LogLevel:             "error",
		DefaultCurrency:      "NGN",
		DefaultProvider:      payments.ProviderMemory,
		AutoReleaseAfter:     72 * time.Hour,
		AutoReleaseInterval:  time.Hour,
		GatewayTimeout:       5 * time.Second,
		PaymentWebhookSecret: testWebhookSecret,
		AdminSecret:          testAdminSecret,
		RateLimitRPM:         10000,
	}
}

type testServer struct {
	*Server
	gw *payments.MemoryGateway
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gw := payments.NewMemoryGateway()
	s, err := New(testConfig(),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithGateway(payments.ProviderMemory, gw),
		WithDrainDelay(0),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		s.rateLimiter.Stop()
		s.webhooks.Wait()
	})
	return &testServer{Server: s, gw: gw}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		r = bytes.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

type escrowBody struct {
	Escrow struct {
		ID                string `json:"id"`
		Status            string `json:"status"`
		TransferReference string `json:"transferReference"`
		Finalized         bool   `json:"finalized"`
	} `json:"escrow"`
}

func decodeEscrow(t *testing.T, w *httptest.ResponseRecorder) escrowBody {
	t.Helper()
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var body escrowBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestProbes(t *testing.T) {
	s := newTestServer(t)

	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/health/live", nil).Code)
	assert.Equal(t, http.StatusServiceUnavailable, s.do(t, http.MethodGet, "/health/ready", nil).Code)

	// The scheduler only runs under Run, so the aggregate check is degraded.
	w := s.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "escrow_scheduler")
	assert.Contains(t, w.Body.String(), "scheduler not running")
}

func TestMiddlewareHeaders(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodGet, "/", nil, logging.RequestIDHeader, "trace-77")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "trace-77", w.Header().Get(logging.RequestIDHeader))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	assert.Contains(t, w.Body.String(), `"providers":["memory"]`)
}

func TestEscrowLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/v1/escrows", map[string]string{
		"buyerId":  "buyer_b",
		"sellerId": "seller_s",
		"amount":   "5000",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created escrowBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	id := created.Escrow.ID
	assert.Equal(t, "initiated", created.Escrow.Status)

	s.gw.Capture("pay_1", decimal.NewFromInt(5000), "NGN")
	payload, _ := json.Marshal(map[string]string{"escrowId": id, "reference": "pay_1"})
	w = s.do(t, http.MethodPost, "/v1/payments/webhook", payload,
		webhooks.SignatureHeader, webhooks.Sign(payload, testWebhookSecret))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	assert.Equal(t, "funds_locked", decodeEscrow(t, s.do(t, http.MethodGet, "/v1/escrows/"+id, nil)).Escrow.Status)

	decodeEscrow(t, s.do(t, http.MethodPost, "/v1/escrows/"+id+"/acknowledge", nil))
	decodeEscrow(t, s.do(t, http.MethodPost, "/v1/escrows/"+id+"/confirm", nil))
	released := decodeEscrow(t, s.do(t, http.MethodPost, "/v1/escrows/"+id+"/release", nil))
	assert.Equal(t, "released", released.Escrow.Status)
	assert.True(t, released.Escrow.Finalized)

	// Releasing again is a no-op and moves no more money.
	decodeEscrow(t, s.do(t, http.MethodPost, "/v1/escrows/"+id+"/release", nil))
	transfers := 0
	for _, m := range s.gw.Movements() {
		if m.Kind == escrow.SettlementTransfer {
			transfers++
		}
	}
	assert.Equal(t, 1, transfers)

	w = s.do(t, http.MethodGet, "/v1/users/buyer_b/escrows", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), id)
}

func TestAdminRoutesRequireSecret(t *testing.T) {
	s := newTestServer(t)

	assert.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodGet, "/v1/admin/stats", nil).Code)
	assert.Equal(t, http.StatusForbidden,
		s.do(t, http.MethodPost, "/v1/admin/escrows/esc_x/refund", nil, auth.AdminHeader, "nope").Code)

	w := s.do(t, http.MethodGet, "/v1/admin/stats", nil, auth.AdminHeader, testAdminSecret)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"memory:transfer":"closed"`)

	w = s.do(t, http.MethodPost, "/v1/admin/escrows/esc_missing/refund", nil, auth.AdminHeader, testAdminSecret)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, http.MethodPost, "/v1/admin/scheduler/sweep", nil, auth.AdminHeader, testAdminSecret)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.False(t, s.escrowTimer.LastSweep().IsZero())
}

func TestPaymentWebhookRejectsBadSignature(t *testing.T) {
	s := newTestServer(t)
	payload := []byte(`{"escrowId":"esc_1","reference":"pay_1"}`)
	w := s.do(t, http.MethodPost, "/v1/payments/webhook", payload, webhooks.SignatureHeader, "deadbeef")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestStripeRouteDisabledWithoutSecret(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, http.MethodPost, "/v1/payments/stripe/webhook", []byte(`{}`))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	s.do(t, http.MethodGet, "/health/live", nil)

	w := s.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "safehold_http_requests_total"))
}

func TestNew_UnknownDefaultProvider(t *testing.T) {
	cfg := testConfig()
	cfg.DefaultProvider = payments.ProviderStripe
	_, err := New(cfg, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stripe")
}

func TestRunAndShutdown(t *testing.T) {
	s := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		return s.do(t, http.MethodGet, "/health/ready", nil).Code == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, s.escrowTimer.Running, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, http.StatusServiceUnavailable, s.do(t, http.MethodGet, "/health/ready", nil).Code)
}
