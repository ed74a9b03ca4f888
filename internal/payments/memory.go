package payments

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/mbd888/safehold/internal/escrow"
	"github.com/mbd888/safehold/internal/idgen"
)

// Movement is a transfer or refund executed by the MemoryGateway.
type Movement struct {
	Kind           escrow.SettlementKind
	EscrowID       string
	Reference      string
	Amount         decimal.Decimal
	Currency       string
	IdempotencyKey string
}

type capture struct {
	amount   decimal.Decimal
	currency string
}

// MemoryGateway is an in-process gateway for demo mode and tests. Payments
// are recorded with Capture; transfers and refunds are deduplicated by
// idempotency key like a real provider.
type MemoryGateway struct {
	mu        sync.Mutex
	captured  map[string]capture
	byKey     map[string]string
	movements []Movement
	failNext  []error
}

// NewMemoryGateway creates an empty in-memory gateway.
func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{
		captured: make(map[string]capture),
		byKey:    make(map[string]string),
	}
}

// Capture records a successful buyer payment under reference.
func (g *MemoryGateway) Capture(reference string, amount decimal.Decimal, currency string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.captured[reference] = capture{amount: amount, currency: currency}
}

// FailNext queues errors returned by the next transfer or refund calls.
func (g *MemoryGateway) FailNext(errs ...error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failNext = append(g.failNext, errs...)
}

// Movements returns the executed transfers and refunds in order.
func (g *MemoryGateway) Movements() []Movement {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Movement(nil), g.movements...)
}

func (g *MemoryGateway) VerifyPayment(ctx context.Context, reference string, amount decimal.Decimal, currency string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.captured[reference]
	if !ok {
		return false, nil
	}
	return c.amount.Equal(amount) && c.currency == currency, nil
}

func (g *MemoryGateway) Transfer(ctx context.Context, req escrow.TransferRequest) (string, error) {
	return g.move(ctx, Movement{
		Kind:           escrow.SettlementTransfer,
		EscrowID:       req.EscrowID,
		Amount:         req.Amount,
		Currency:       req.Currency,
		IdempotencyKey: req.IdempotencyKey,
	})
}

func (g *MemoryGateway) Refund(ctx context.Context, req escrow.RefundRequest) (string, error) {
	return g.move(ctx, Movement{
		Kind:           escrow.SettlementRefund,
		EscrowID:       req.EscrowID,
		Amount:         req.Amount,
		Currency:       req.Currency,
		IdempotencyKey: req.IdempotencyKey,
	})
}

func (g *MemoryGateway) move(ctx context.Context, m Movement) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if m.IdempotencyKey == "" {
		return "", &GatewayError{Provider: ProviderMemory, Op: string(m.Kind), StatusCode: 400, Err: fmt.Errorf("missing idempotency key")}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.failNext) > 0 {
		err := g.failNext[0]
		g.failNext = g.failNext[1:]
		// An ambiguous failure still executes, as a timed-out provider call may.
		if IsAmbiguous(err) {
			g.apply(m)
		}
		return "", err
	}
	if ref, ok := g.byKey[m.IdempotencyKey]; ok {
		return ref, nil
	}
	return g.apply(m), nil
}

func (g *MemoryGateway) apply(m Movement) string {
	if ref, ok := g.byKey[m.IdempotencyKey]; ok {
		return ref
	}
	prefix := "tr_"
	if m.Kind == escrow.SettlementRefund {
		prefix = "re_"
	}
	m.Reference = idgen.WithPrefix(prefix)
	g.byKey[m.IdempotencyKey] = m.Reference
	g.movements = append(g.movements, m)
	return m.Reference
}

var _ escrow.PaymentGateway = (*MemoryGateway)(nil)
