package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"

	"github.com/mbd888/safehold/internal/escrow"
)

// DestinationResolver maps a seller to the Stripe connected account that
// receives payouts.
type DestinationResolver func(ctx context.Context, sellerID string) (string, error)

// StripeGateway verifies PaymentIntents and settles through Stripe Connect
// transfers and refunds.
type StripeGateway struct {
	sc          *client.API
	destination DestinationResolver
}

// NewStripeGateway creates a gateway using the given secret key. A nil
// backends value uses Stripe's production API.
func NewStripeGateway(secretKey string, backends *stripe.Backends) *StripeGateway {
	return &StripeGateway{
		sc:          client.New(secretKey, backends),
		destination: sellerAccount,
	}
}

// WithDestinationResolver overrides how sellers map to connected accounts.
func (g *StripeGateway) WithDestinationResolver(fn DestinationResolver) *StripeGateway {
	g.destination = fn
	return g
}

// sellerAccount treats the seller id as the connected account id.
func sellerAccount(_ context.Context, sellerID string) (string, error) {
	if !strings.HasPrefix(sellerID, "acct_") {
		return "", fmt.Errorf("seller %s has no connected stripe account", sellerID)
	}
	return sellerID, nil
}

// VerifyPayment reports whether the PaymentIntent named by reference has
// succeeded for exactly amount in currency.
func (g *StripeGateway) VerifyPayment(ctx context.Context, reference string, amount decimal.Decimal, currency string) (bool, error) {
	want, err := ToMinorUnits(amount, currency)
	if err != nil {
		return false, err
	}

	pi, err := g.sc.PaymentIntents.Get(reference, &stripe.PaymentIntentParams{
		Params: stripe.Params{Context: ctx},
	})
	if err != nil {
		var serr *stripe.Error
		if errors.As(err, &serr) && serr.Code == stripe.ErrorCodeResourceMissing {
			return false, nil
		}
		return false, classify("verify", err)
	}

	return pi.Status == stripe.PaymentIntentStatusSucceeded &&
		pi.AmountReceived == want &&
		strings.EqualFold(string(pi.Currency), currency), nil
}

func (g *StripeGateway) Transfer(ctx context.Context, req escrow.TransferRequest) (string, error) {
	minor, err := ToMinorUnits(req.Amount, req.Currency)
	if err != nil {
		return "", &GatewayError{Provider: ProviderStripe, Op: "transfer", Err: err}
	}
	dest, err := g.destination(ctx, req.SellerID)
	if err != nil {
		return "", &GatewayError{Provider: ProviderStripe, Op: "transfer", Err: err}
	}

	params := &stripe.TransferParams{
		Amount:        stripe.Int64(minor),
		Currency:      stripe.String(strings.ToLower(req.Currency)),
		Destination:   stripe.String(dest),
		TransferGroup: stripe.String(req.EscrowID),
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	params.AddMetadata("escrow_id", req.EscrowID)

	tr, err := g.sc.Transfers.New(params)
	if err != nil {
		return "", classify("transfer", err)
	}
	return tr.ID, nil
}

func (g *StripeGateway) Refund(ctx context.Context, req escrow.RefundRequest) (string, error) {
	minor, err := ToMinorUnits(req.Amount, req.Currency)
	if err != nil {
		return "", &GatewayError{Provider: ProviderStripe, Op: "refund", Err: err}
	}

	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(req.PaymentReference),
		Amount:        stripe.Int64(minor),
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	params.AddMetadata("escrow_id", req.EscrowID)

	re, err := g.sc.Refunds.New(params)
	if err != nil {
		return "", classify("refund", err)
	}
	if re.Status == stripe.RefundStatusFailed {
		return "", &GatewayError{Provider: ProviderStripe, Op: "refund", Err: fmt.Errorf("refund %s failed: %s", re.ID, re.FailureReason)}
	}
	return re.ID, nil
}

// classify converts a stripe-go error into a GatewayError. Anything other
// than a definitive API answer leaves the outcome unknown.
func classify(op string, err error) error {
	gerr := &GatewayError{Provider: ProviderStripe, Op: op, Err: err}
	var serr *stripe.Error
	if !errors.As(err, &serr) {
		gerr.Unknown = true
		return gerr
	}
	gerr.StatusCode = serr.HTTPStatusCode
	gerr.Code = string(serr.Code)
	switch {
	case serr.HTTPStatusCode == 0, serr.HTTPStatusCode >= 500:
		gerr.Unknown = true
	case serr.HTTPStatusCode == 409:
		// Concurrent request with the same idempotency key still in flight.
		gerr.Unknown = true
	}
	return gerr
}

var _ escrow.PaymentGateway = (*StripeGateway)(nil)
