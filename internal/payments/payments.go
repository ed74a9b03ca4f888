// Package payments contains the payment gateway adapters used to verify
// buyer payments and to move escrowed funds out again.
package payments

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/shopspring/decimal"
)

// Provider names accepted in InitiateRequest.PaymentProvider.
const (
	ProviderStripe = "stripe"
	ProviderMemory = "memory"
)

// ErrInvalidAmount is returned for non-positive or unrepresentable amounts.
var ErrInvalidAmount = errors.New("payments: invalid amount")

// GatewayError is a failed provider call. Unknown is set when the request
// may have been applied by the provider even though no success was seen.
type GatewayError struct {
	Provider   string
	Op         string
	StatusCode int
	Code       string
	Unknown    bool
	Err        error
}

func (e *GatewayError) Error() string {
	msg := fmt.Sprintf("%s %s failed", e.Provider, e.Op)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d", e.StatusCode)
		if e.Code != "" {
			msg += ", " + e.Code
		}
		msg += ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *GatewayError) Unwrap() error { return e.Err }

// Ambiguous reports whether the outcome is unknown. The escrow service keeps
// the settlement attempt key for ambiguous failures so the provider can
// deduplicate the retry.
func (e *GatewayError) Ambiguous() bool { return e.Unknown }

// Transient reports whether retrying the same request could succeed.
func (e *GatewayError) Transient() bool {
	return e.Unknown || e.StatusCode == 429 || e.StatusCode >= 500
}

// IsAmbiguous reports whether err leaves the provider-side outcome unknown.
func IsAmbiguous(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var a interface{ Ambiguous() bool }
	if errors.As(err, &a) {
		return a.Ambiguous()
	}
	var nerr net.Error
	return errors.As(err, &nerr)
}

var zeroDecimal = map[string]bool{
	"BIF": true, "CLP": true, "DJF": true, "GNF": true, "JPY": true, "KMF": true,
	"KRW": true, "MGA": true, "PYG": true, "RWF": true, "UGX": true, "VND": true,
	"VUV": true, "XAF": true, "XOF": true, "XPF": true,
}

// ToMinorUnits converts amount to the provider's smallest currency unit
// (kobo for NGN, cents for USD). Fractions below one minor unit are rejected.
func ToMinorUnits(amount decimal.Decimal, currency string) (int64, error) {
	if !amount.IsPositive() {
		return 0, fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	scaled := amount
	if !zeroDecimal[strings.ToUpper(currency)] {
		scaled = amount.Shift(2)
	}
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, fmt.Errorf("%w: %s %s has sub-unit precision", ErrInvalidAmount, amount, currency)
	}
	if scaled.GreaterThan(decimal.NewFromInt(1 << 53)) {
		return 0, fmt.Errorf("%w: %s out of range", ErrInvalidAmount, amount)
	}
	return scaled.IntPart(), nil
}

// FromMinorUnits is the inverse of ToMinorUnits.
func FromMinorUnits(minor int64, currency string) decimal.Decimal {
	d := decimal.NewFromInt(minor)
	if zeroDecimal[strings.ToUpper(currency)] {
		return d
	}
	return d.Shift(-2)
}
