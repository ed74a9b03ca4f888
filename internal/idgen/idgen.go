// Package idgen generates identifiers for escrows, settlement attempts,
// events and webhook subscriptions.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// Identifier prefixes. The prefix makes an ID's kind visible in logs and
// gateway dashboards.
const (
	PrefixEscrow       = "esc_"
	PrefixAttempt      = "stl_"
	PrefixEvent        = "evt_"
	PrefixWebhook      = "wh_"
	PrefixSigningToken = "whsec_"
)

// WithPrefix returns prefix followed by a random version 4 UUID without dashes.
func WithPrefix(prefix string) string {
	return prefix + compact(uuid.New())
}

// Escrow returns a new escrow transaction ID.
func Escrow() string { return WithPrefix(PrefixEscrow) }

// AttemptKey returns a new settlement attempt key. It is passed to payment
// gateways as the idempotency key, so the dashed UUID form is kept for
// readability in provider dashboards.
func AttemptKey() string { return PrefixAttempt + uuid.NewString() }

// Secret returns a webhook signing secret carrying numBytes of entropy.
func Secret(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return PrefixSigningToken + hex.EncodeToString(b)
}

// HasPrefix reports whether id is prefix followed by a well-formed UUID.
func HasPrefix(id, prefix string) bool {
	rest, ok := strings.CutPrefix(id, prefix)
	if !ok {
		return false
	}
	_, err := uuid.Parse(rest)
	return err == nil
}

func compact(u uuid.UUID) string {
	return hex.EncodeToString(u[:])
}
