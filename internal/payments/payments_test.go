package payments

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/safehold/internal/circuitbreaker"
	"github.com/mbd888/safehold/internal/escrow"
)

func TestToMinorUnits(t *testing.T) {
	tests := []struct {
		amount   string
		currency string
		want     int64
		wantErr  bool
	}{
		{"5000", "NGN", 500000, false},
		{"12.34", "usd", 1234, false},
		{"1500", "JPY", 1500, false},
		{"0.001", "NGN", 0, true},
		{"1.5", "JPY", 0, true},
		{"0", "NGN", 0, true},
		{"-10", "NGN", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.amount+tt.currency, func(t *testing.T) {
			got, err := ToMinorUnits(decimal.RequireFromString(tt.amount), tt.currency)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidAmount)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.True(t, FromMinorUnits(got, tt.currency).Equal(decimal.RequireFromString(tt.amount)))
		})
	}
}

func TestIsAmbiguous(t *testing.T) {
	assert.False(t, IsAmbiguous(nil))
	assert.True(t, IsAmbiguous(context.DeadlineExceeded))
	assert.True(t, IsAmbiguous(&GatewayError{Unknown: true}))
	assert.False(t, IsAmbiguous(&GatewayError{StatusCode: 400}))
	assert.False(t, IsAmbiguous(errors.New("boom")))
}

func TestMemoryGateway_DedupByKey(t *testing.T) {
	gw := NewMemoryGateway()
	ctx := context.Background()
	req := escrow.TransferRequest{EscrowID: "esc_1", Amount: decimal.NewFromInt(100), Currency: "NGN", IdempotencyKey: "k1"}

	ref1, err := gw.Transfer(ctx, req)
	require.NoError(t, err)
	ref2, err := gw.Transfer(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, ref1, ref2)
	assert.Len(t, gw.Movements(), 1)

	req.IdempotencyKey = "k2"
	_, err = gw.Transfer(ctx, req)
	require.NoError(t, err)
	assert.Len(t, gw.Movements(), 2)
}

func TestMemoryGateway_AmbiguousFailureStillExecutes(t *testing.T) {
	gw := NewMemoryGateway()
	ctx := context.Background()
	gw.FailNext(&GatewayError{Provider: ProviderMemory, Op: "transfer", Unknown: true})

	req := escrow.TransferRequest{EscrowID: "esc_1", Amount: decimal.NewFromInt(100), Currency: "NGN", IdempotencyKey: "k1"}
	_, err := gw.Transfer(ctx, req)
	require.Error(t, err)
	assert.Len(t, gw.Movements(), 1)

	_, err = gw.Transfer(ctx, req)
	require.NoError(t, err)
	assert.Len(t, gw.Movements(), 1, "retry with the same key must not move money twice")
}

func TestMemoryGateway_VerifyPayment(t *testing.T) {
	gw := NewMemoryGateway()
	ctx := context.Background()
	gw.Capture("ref123", decimal.NewFromInt(5000), "NGN")

	ok, err := gw.VerifyPayment(ctx, "ref123", decimal.NewFromInt(5000), "NGN")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = gw.VerifyPayment(ctx, "ref123", decimal.NewFromInt(50), "NGN")
	assert.False(t, ok)
	ok, _ = gw.VerifyPayment(ctx, "unknown", decimal.NewFromInt(5000), "NGN")
	assert.False(t, ok)
}

// scriptedGateway returns queued errors from Transfer, then succeeds.
type scriptedGateway struct {
	MemoryGateway
	errs  []error
	calls atomic.Int32
}

func (s *scriptedGateway) Transfer(ctx context.Context, req escrow.TransferRequest) (string, error) {
	n := int(s.calls.Add(1)) - 1
	if n < len(s.errs) {
		return "", s.errs[n]
	}
	return "tr_ok", nil
}

func newResilient(next escrow.PaymentGateway, threshold int) *Resilient {
	return NewResilient("test", next, circuitbreaker.New(threshold, time.Minute)).WithRetry(3, time.Millisecond)
}

func TestResilient_RetriesTransient(t *testing.T) {
	gw := &scriptedGateway{errs: []error{&GatewayError{StatusCode: 503, Unknown: true}}}
	r := newResilient(gw, 5)

	ref, err := r.Transfer(context.Background(), escrow.TransferRequest{IdempotencyKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, "tr_ok", ref)
	assert.Equal(t, int32(2), gw.calls.Load())
}

func TestResilient_DefinitiveNotRetried(t *testing.T) {
	gw := &scriptedGateway{errs: []error{&GatewayError{StatusCode: 400}}}
	r := newResilient(gw, 5)

	_, err := r.Transfer(context.Background(), escrow.TransferRequest{IdempotencyKey: "k"})
	require.Error(t, err)
	assert.False(t, IsAmbiguous(err))
	assert.Equal(t, int32(1), gw.calls.Load())
}

func TestResilient_UnknownThenDefinitiveStaysAmbiguous(t *testing.T) {
	gw := &scriptedGateway{errs: []error{
		&GatewayError{Unknown: true},
		&GatewayError{StatusCode: 400},
	}}
	r := newResilient(gw, 5)

	_, err := r.Transfer(context.Background(), escrow.TransferRequest{IdempotencyKey: "k"})
	require.Error(t, err)
	assert.True(t, IsAmbiguous(err), "an earlier unknown attempt may have been applied")
}

func TestResilient_OpenCircuitStopsCalls(t *testing.T) {
	gw := &scriptedGateway{errs: []error{
		&GatewayError{StatusCode: 502, Unknown: true},
		&GatewayError{StatusCode: 502, Unknown: true},
		&GatewayError{StatusCode: 502, Unknown: true},
	}}
	r := newResilient(gw, 2)

	_, err := r.Transfer(context.Background(), escrow.TransferRequest{IdempotencyKey: "k"})
	require.Error(t, err)
	assert.True(t, IsAmbiguous(err))
	assert.Equal(t, int32(2), gw.calls.Load())

	_, err = r.Transfer(context.Background(), escrow.TransferRequest{IdempotencyKey: "k2"})
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Equal(t, int32(2), gw.calls.Load())
}
