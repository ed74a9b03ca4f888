package escrow_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/safehold/internal/circuitbreaker"
	"github.com/mbd888/safehold/internal/clock"
	"github.com/mbd888/safehold/internal/escrow"
	"github.com/mbd888/safehold/internal/payments"
)

// ---------------------------------------------------------------------------
// Integration tests: escrow service + memory store + real gateway adapters
// ---------------------------------------------------------------------------

type harness struct {
	svc   *escrow.Service
	store *escrow.MemoryStore
	gw    *payments.MemoryGateway
	clk   *clock.Fake
	timer *escrow.Timer
}

func newHarness(t *testing.T, wrap func(escrow.PaymentGateway) escrow.PaymentGateway) *harness {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	store := escrow.NewMemoryStore()
	gw := payments.NewMemoryGateway()

	var provider escrow.PaymentGateway = gw
	if wrap != nil {
		provider = wrap(gw)
	}
	svc := escrow.NewService(store, clk).WithGateway(payments.ProviderMemory, provider)
	return &harness{
		svc:   svc,
		store: store,
		gw:    gw,
		clk:   clk,
		timer: escrow.NewTimer(svc, store, slog.Default()),
	}
}

// lockedEscrow creates an escrow and confirms its payment.
func (h *harness) lockedEscrow(t *testing.T, amount int64, ref string) *escrow.Transaction {
	t.Helper()
	ctx := context.Background()
	tx, err := h.svc.Initiate(ctx, escrow.InitiateRequest{
		BuyerID:  "buyer_b",
		SellerID: "seller_s",
		Amount:   decimal.NewFromInt(amount),
	})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	h.gw.Capture(ref, decimal.NewFromInt(amount), escrow.DefaultCurrency)
	if _, err := h.svc.HandlePaymentSuccess(ctx, tx.ID, ref); err != nil {
		t.Fatalf("payment: %v", err)
	}
	return tx
}

func (h *harness) confirmedEscrow(t *testing.T, amount int64, ref string) *escrow.Transaction {
	t.Helper()
	ctx := context.Background()
	tx := h.lockedEscrow(t, amount, ref)
	if _, err := h.svc.AcknowledgeService(ctx, tx.ID); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	if _, err := h.svc.ConfirmDelivery(ctx, tx.ID); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	return tx
}

func TestIntegration_ReleaseMovesFundsOnce(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	tx := h.confirmedEscrow(t, 5000, "ref123")

	released, err := h.svc.ReleaseFunds(ctx, tx.ID)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if !released.Finalized() || released.Settlement.State != escrow.SettlementSettled {
		t.Fatalf("expected settled release, got %+v", released.Settlement)
	}

	// Retried release is a no-op success.
	if _, err := h.svc.ReleaseFunds(ctx, tx.ID); err != nil {
		t.Fatalf("second release: %v", err)
	}

	moves := h.gw.Movements()
	if len(moves) != 1 {
		t.Fatalf("expected 1 transfer, got %d", len(moves))
	}
	if !moves[0].Amount.Equal(decimal.NewFromInt(5000)) || moves[0].Reference != released.TransferReference {
		t.Errorf("transfer does not match record: %+v vs %s", moves[0], released.TransferReference)
	}
}

func TestIntegration_AmbiguousTransferSettledBySweep(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	tx := h.confirmedEscrow(t, 5000, "ref123")

	h.gw.FailNext(&payments.GatewayError{Provider: "memory", Op: "transfer", Unknown: true, Err: errors.New("timeout")})
	_, err := h.svc.ReleaseFunds(ctx, tx.ID)
	var serr *escrow.SettlementError
	if !errors.As(err, &serr) || !serr.Ambiguous {
		t.Fatalf("expected ambiguous settlement error, got %v", err)
	}

	got, _ := h.svc.Get(ctx, tx.ID)
	if got.Status != escrow.StatusReleased || got.Settlement.State == escrow.SettlementSettled {
		t.Fatalf("expected released but unsettled, got %s / %s", got.Status, got.Settlement.State)
	}

	// Still inside the retry backoff.
	h.timer.Sweep(ctx)
	got, _ = h.svc.Get(ctx, tx.ID)
	if got.Settlement.Attempts != 1 {
		t.Fatalf("sweep retried inside backoff, attempts=%d", got.Settlement.Attempts)
	}

	h.clk.Advance(time.Minute)
	h.timer.Sweep(ctx)

	got, _ = h.svc.Get(ctx, tx.ID)
	if got.Settlement.State != escrow.SettlementSettled {
		t.Fatalf("expected sweep to settle, got %s", got.Settlement.State)
	}
	if n := len(h.gw.Movements()); n != 1 {
		t.Fatalf("expected exactly 1 transfer after ambiguous retry, got %d", n)
	}
}

func TestIntegration_ResilientGatewayAbsorbsTransientFailure(t *testing.T) {
	h := newHarness(t, func(gw escrow.PaymentGateway) escrow.PaymentGateway {
		return payments.NewResilient(payments.ProviderMemory, gw, circuitbreaker.New(5, time.Minute)).
			WithRetry(3, time.Millisecond)
	})
	ctx := context.Background()
	tx := h.confirmedEscrow(t, 7500, "ref456")

	h.gw.FailNext(&payments.GatewayError{Provider: "memory", Op: "transfer", StatusCode: 503, Unknown: true})
	released, err := h.svc.ReleaseFunds(ctx, tx.ID)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if released.Settlement.State != escrow.SettlementSettled {
		t.Fatalf("expected settled, got %s", released.Settlement.State)
	}
	if n := len(h.gw.Movements()); n != 1 {
		t.Fatalf("expected 1 transfer, got %d", n)
	}
}

func TestIntegration_DefinitiveFailureRotatesKey(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	tx := h.confirmedEscrow(t, 5000, "ref123")

	h.gw.FailNext(&payments.GatewayError{Provider: "memory", Op: "transfer", StatusCode: 400, Err: errors.New("account restricted")})
	if _, err := h.svc.ReleaseFunds(ctx, tx.ID); !errors.Is(err, escrow.ErrSettlementFailed) {
		t.Fatalf("expected settlement failure, got %v", err)
	}
	failed, _ := h.svc.Get(ctx, tx.ID)
	firstKey := failed.Settlement.AttemptKey

	retried, err := h.svc.RetrySettlement(ctx, tx.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	moves := h.gw.Movements()
	if len(moves) != 1 {
		t.Fatalf("expected 1 transfer, got %d", len(moves))
	}
	if moves[0].IdempotencyKey == firstKey {
		t.Error("expected a fresh attempt key after a definitive failure")
	}
	if retried.Settlement.Attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", retried.Settlement.Attempts)
	}
}

func TestIntegration_DisputeRefundReturnsFunds(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	tx := h.lockedEscrow(t, 3000, "ref789")

	if _, err := h.svc.OpenDispute(ctx, tx.ID, "service not delivered"); err != nil {
		t.Fatalf("dispute: %v", err)
	}
	if _, err := h.svc.ReleaseFunds(ctx, tx.ID); !errors.Is(err, escrow.ErrInvalidTransition) {
		t.Fatalf("expected release to be blocked, got %v", err)
	}

	refunded, err := h.svc.RefundBuyer(ctx, tx.ID)
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if refunded.Status != escrow.StatusRefunded || refunded.Finalized() {
		t.Fatalf("unexpected refunded record: %s finalized=%v", refunded.Status, refunded.Finalized())
	}

	moves := h.gw.Movements()
	if len(moves) != 1 || moves[0].Kind != escrow.SettlementRefund {
		t.Fatalf("expected a single refund, got %+v", moves)
	}
}

func TestIntegration_AutoReleaseBySweep(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	active := h.lockedEscrow(t, 1000, "ref_a")
	disputed := h.lockedEscrow(t, 2000, "ref_b")
	for _, id := range []string{active.ID, disputed.ID} {
		if _, err := h.svc.AcknowledgeService(ctx, id); err != nil {
			t.Fatalf("acknowledge: %v", err)
		}
	}
	if _, err := h.svc.OpenDispute(ctx, disputed.ID, "quality"); err != nil {
		t.Fatalf("dispute: %v", err)
	}

	h.clk.Advance(escrow.DefaultAutoReleaseAfter + time.Minute)
	h.timer.Sweep(ctx)

	got, _ := h.svc.Get(ctx, active.ID)
	if got.Status != escrow.StatusReleased || !got.AutoReleased() {
		t.Errorf("expected auto-release, got %s auto=%v", got.Status, got.AutoReleased())
	}
	got, _ = h.svc.Get(ctx, disputed.ID)
	if got.Status != escrow.StatusDisputed {
		t.Errorf("disputed escrow must not auto-release, got %s", got.Status)
	}
	if n := len(h.gw.Movements()); n != 1 {
		t.Errorf("expected 1 transfer, got %d", n)
	}
}

func TestIntegration_StalePaymentCancelled(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.timer.WithPaymentTimeout(time.Hour)

	tx, err := h.svc.Initiate(ctx, escrow.InitiateRequest{BuyerID: "buyer_b", SellerID: "seller_s", Amount: decimal.NewFromInt(10)})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	h.clk.Advance(2 * time.Hour)
	h.timer.Sweep(ctx)

	got, _ := h.svc.Get(ctx, tx.ID)
	if got.Status != escrow.StatusCancelled {
		t.Errorf("expected cancelled, got %s", got.Status)
	}
}

func TestIntegration_PaymentAfterStaleCancelIsRefunded(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.timer.WithPaymentTimeout(time.Minute)

	tx, err := h.svc.Initiate(ctx, escrow.InitiateRequest{BuyerID: "buyer_b", SellerID: "seller_s", Amount: decimal.NewFromInt(2500)})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if _, err := h.svc.StartPayment(ctx, tx.ID); err != nil {
		t.Fatalf("start payment: %v", err)
	}
	h.clk.Advance(2 * time.Minute)
	h.timer.Sweep(ctx)

	// The buyer's payment lands after the sweep cancelled the escrow.
	h.gw.Capture("ref9", decimal.NewFromInt(2500), escrow.DefaultCurrency)
	if _, err := h.svc.HandlePaymentSuccess(ctx, tx.ID, "ref9"); !errors.Is(err, escrow.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}

	got, _ := h.svc.Get(ctx, tx.ID)
	if got.Status != escrow.StatusCancelled {
		t.Errorf("expected cancelled, got %s", got.Status)
	}
	moves := h.gw.Movements()
	if len(moves) != 1 || moves[0].Kind != escrow.SettlementRefund || !moves[0].Amount.Equal(decimal.NewFromInt(2500)) {
		t.Fatalf("expected one refund of the orphaned capture, got %+v", moves)
	}
}

func TestIntegration_ConcurrentReleaseAndDispute(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	const n = 20
	ids := make([]string, n)
	for i := range ids {
		ids[i] = h.confirmedEscrow(t, 100, "ref_c"+string(rune('a'+i))).ID
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(2)
		go func(id string) {
			defer wg.Done()
			_, _ = h.svc.ReleaseFunds(ctx, id)
		}(id)
		go func(id string) {
			defer wg.Done()
			_, _ = h.svc.OpenDispute(ctx, id, "changed my mind")
		}(id)
	}
	wg.Wait()

	released := 0
	for _, id := range ids {
		got, err := h.svc.Get(ctx, id)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		switch got.Status {
		case escrow.StatusReleased:
			released++
		case escrow.StatusDisputed:
		default:
			t.Errorf("escrow %s ended in %s", id, got.Status)
		}
	}
	if moves := len(h.gw.Movements()); moves != released {
		t.Errorf("transfers (%d) must equal released escrows (%d)", moves, released)
	}
}
