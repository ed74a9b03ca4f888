package payments

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mbd888/safehold/internal/circuitbreaker"
	"github.com/mbd888/safehold/internal/escrow"
	"github.com/mbd888/safehold/internal/retry"
	"github.com/mbd888/safehold/internal/traces"
)

const (
	defaultGatewayAttempts = 3
	defaultGatewayBackoff  = 200 * time.Millisecond
	maxRetryDelay          = 5 * time.Second
)

// Resilient wraps a gateway with retries for transient failures and a
// per-operation circuit breaker. Retried settlement calls reuse the same
// idempotency key.
type Resilient struct {
	next      escrow.PaymentGateway
	provider  string
	breaker   *circuitbreaker.Breaker
	attempts  int
	baseDelay time.Duration
}

// NewResilient wraps next. The breaker is keyed "<provider>:<op>".
func NewResilient(provider string, next escrow.PaymentGateway, breaker *circuitbreaker.Breaker) *Resilient {
	return &Resilient{
		next:      next,
		provider:  provider,
		breaker:   breaker,
		attempts:  defaultGatewayAttempts,
		baseDelay: defaultGatewayBackoff,
	}
}

// WithRetry sets the attempt budget and initial backoff.
func (r *Resilient) WithRetry(attempts int, baseDelay time.Duration) *Resilient {
	r.attempts = attempts
	r.baseDelay = baseDelay
	return r
}

func (r *Resilient) VerifyPayment(ctx context.Context, reference string, amount decimal.Decimal, currency string) (bool, error) {
	var ok bool
	err := r.call(ctx, "verify", func(ctx context.Context) error {
		var err error
		ok, err = r.next.VerifyPayment(ctx, reference, amount, currency)
		return err
	})
	return ok, err
}

func (r *Resilient) Transfer(ctx context.Context, req escrow.TransferRequest) (string, error) {
	var ref string
	err := r.call(ctx, "transfer", func(ctx context.Context) error {
		var err error
		ref, err = r.next.Transfer(ctx, req)
		return err
	}, traces.EscrowID(req.EscrowID))
	return ref, err
}

func (r *Resilient) Refund(ctx context.Context, req escrow.RefundRequest) (string, error) {
	var ref string
	err := r.call(ctx, "refund", func(ctx context.Context) error {
		var err error
		ref, err = r.next.Refund(ctx, req)
		return err
	}, traces.EscrowID(req.EscrowID))
	return ref, err
}

func (r *Resilient) call(ctx context.Context, op string, fn func(context.Context) error, attrs ...attribute.KeyValue) error {
	ctx, span := traces.StartSpan(ctx, "payments."+op, append(attrs, traces.Provider(r.provider))...)

	key := r.provider + ":" + op
	sawUnknown := false
	policy := retry.Policy{
		MaxAttempts: r.attempts,
		BaseDelay:   r.baseDelay,
		MaxDelay:    maxRetryDelay,
		OnRetry: func(attempt int, err error) {
			span.AddEvent("retry", trace.WithAttributes(
				attribute.Int("attempt", attempt),
				attribute.String("error", err.Error()),
			))
		},
	}
	err := policy.Do(ctx, func() error {
		err := r.breaker.Execute(key, transient, func() error { return fn(ctx) })
		if err == nil {
			return nil
		}
		if IsAmbiguous(err) {
			sawUnknown = true
		}
		if errors.Is(err, circuitbreaker.ErrOpen) || !transient(err) {
			return retry.Permanent(err)
		}
		return err
	})

	// A later definitive answer does not prove an earlier unknown attempt
	// was not applied.
	if err != nil && sawUnknown && !IsAmbiguous(err) {
		err = &GatewayError{Provider: r.provider, Op: op, Unknown: true, Err: err}
	}
	traces.End(span, err)
	return err
}

func transient(err error) bool {
	if IsAmbiguous(err) {
		return true
	}
	var gerr *GatewayError
	return errors.As(err, &gerr) && gerr.Transient()
}

var _ escrow.PaymentGateway = (*Resilient)(nil)
