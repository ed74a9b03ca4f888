// Package escrow provides buyer protection for service payments.
//
// Flow:
//  1. Buyer initiates → record created in "initiated"
//  2. Gateway confirms payment → funds locked, seller notified
//  3. Seller acknowledges → service in progress (optionally marks it complete)
//  4. Buyer confirms delivery → release authorized, gateway transfers to seller
//  5. Either party disputes → funds frozen until refund or release by resolution
//  6. Inactivity timeout → auto-released to seller unless a dispute is open
package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/safehold/internal/pagination"
)

var (
	ErrEscrowNotFound         = errors.New("escrow not found")
	ErrInvalidTransition      = errors.New("invalid escrow transition")
	ErrConcurrentModification = errors.New("escrow was modified concurrently")
	ErrPaymentNotVerified     = errors.New("payment could not be verified")
	ErrSettlementFailed       = errors.New("settlement failed")
	ErrUnknownProvider        = errors.New("no payment gateway registered for provider")
	ErrPaymentReferenceInUse  = errors.New("payment reference already funds another escrow")
)

// DefaultCurrency is applied when a request omits the currency.
const DefaultCurrency = "NGN"

// DefaultAutoReleaseAfter is the inactivity window before funds auto-release.
const DefaultAutoReleaseAfter = 72 * time.Hour

// Status is the single authoritative position of a record in the protocol.
type Status string

const (
	StatusInitiated         Status = "initiated"
	StatusPaymentPending    Status = "payment_pending"
	StatusFundsLocked       Status = "funds_locked"
	StatusServiceInProgress Status = "service_in_progress"
	StatusDeliveryConfirmed Status = "delivery_confirmed"
	StatusReleased          Status = "released"
	StatusDisputed          Status = "disputed"
	StatusRefunded          Status = "refunded"
	StatusCancelled         Status = "cancelled"
)

// AllStatuses lists every state in protocol order.
var AllStatuses = []Status{
	StatusInitiated,
	StatusPaymentPending,
	StatusFundsLocked,
	StatusServiceInProgress,
	StatusDeliveryConfirmed,
	StatusReleased,
	StatusDisputed,
	StatusRefunded,
	StatusCancelled,
}

// Valid reports whether s is one of the enumerated states.
func (s Status) Valid() bool {
	for _, v := range AllStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// IsTerminal returns true for states that accept no further transitions.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusReleased, StatusRefunded, StatusCancelled:
		return true
	}
	return false
}

// Operation names an inbound engine operation.
type Operation string

const (
	OpInitiate              Operation = "initiate"
	OpStartPayment          Operation = "start_payment"
	OpHandlePaymentSuccess  Operation = "handle_payment_success"
	OpNotifySeller          Operation = "notify_seller"
	OpAcknowledgeService    Operation = "acknowledge_service"
	OpCompleteService       Operation = "complete_service"
	OpConfirmDelivery       Operation = "confirm_delivery"
	OpReleaseFunds          Operation = "release_funds"
	OpOpenDispute           Operation = "open_dispute"
	OpRefundBuyer           Operation = "refund_buyer"
	OpResolveDisputeRelease Operation = "resolve_dispute_release"
	OpAutoReleaseTimeout    Operation = "handle_auto_release_timeout"
	OpCancel                Operation = "cancel"
	OpSettle                Operation = "settle"
)

// ReleaseTrigger records which path authorized a release.
type ReleaseTrigger string

const (
	ReleaseByBuyer             ReleaseTrigger = "buyer"
	ReleaseByDisputeResolution ReleaseTrigger = "dispute_resolution"
	ReleaseByTimeout           ReleaseTrigger = "auto"
)

// SettlementKind distinguishes money leaving escrow toward the seller or back to the buyer.
type SettlementKind string

const (
	SettlementTransfer SettlementKind = "transfer"
	SettlementRefund   SettlementKind = "refund"
)

// SettlementState tracks gateway execution of an authorized release or refund.
type SettlementState string

const (
	SettlementPending SettlementState = "pending" // authorized, not yet confirmed by the gateway
	SettlementSettled SettlementState = "settled" // gateway confirmed
	SettlementFailed  SettlementState = "failed"  // gateway definitively rejected the last attempt
)

// Settlement is record metadata describing gateway execution. It is not
// consulted by the state machine's guards; Status is.
type Settlement struct {
	Kind          SettlementKind  `json:"kind"`
	State         SettlementState `json:"state"`
	AttemptKey    string          `json:"attemptKey"`
	Attempts      int             `json:"attempts"`
	Reference     string          `json:"reference,omitempty"`
	LastError     string          `json:"lastError,omitempty"`
	LastAttemptAt *time.Time      `json:"lastAttemptAt,omitempty"`
	// Unresolved is set once an attempt under AttemptKey had an unknown
	// outcome. It is cleared only by a confirmed settlement, and while set
	// the key is never rotated.
	Unresolved    bool            `json:"unresolved,omitempty"`
}

// Transaction is an escrow record. Status is authoritative; the "has X
// happened" flags are derived from the checkpoint timestamps.
type Transaction struct {
	ID                string          `json:"id"`
	BuyerID           string          `json:"buyerId"`
	SellerID          string          `json:"sellerId"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	Description       string          `json:"description,omitempty"`
	PaymentProvider   string          `json:"paymentProvider"`
	PaymentReference  string          `json:"paymentReference,omitempty"`
	TransferReference string          `json:"transferReference,omitempty"`
	Status            Status          `json:"status"`

	// SellerNotifiedAt is delivery metadata for the "payment secured"
	// notification. It never gates a status change.
	SellerNotifiedAt *time.Time `json:"sellerNotifiedAt,omitempty"`

	LockedAt        *time.Time `json:"lockedAt,omitempty"`
	AcknowledgedAt  *time.Time `json:"acknowledgedAt,omitempty"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
	ConfirmedAt     *time.Time `json:"confirmedAt,omitempty"`
	AuthorizedAt    *time.Time `json:"authorizedAt,omitempty"`
	ReleasedAt      *time.Time `json:"releasedAt,omitempty"`
	ResolvedAt      *time.Time `json:"resolvedAt,omitempty"`
	DisputeOpenedAt *time.Time `json:"disputeOpenedAt,omitempty"`
	CancelledAt     *time.Time `json:"cancelledAt,omitempty"`

	ReleaseTrigger ReleaseTrigger `json:"releaseTrigger,omitempty"`
	DisputeReason  string         `json:"disputeReason,omitempty"`
	CompletionNote string         `json:"completionNote,omitempty"`
	CancelReason   string         `json:"cancelReason,omitempty"`
	Settlement     *Settlement    `json:"settlement,omitempty"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (t *Transaction) SellerNotified() bool     { return t.SellerNotifiedAt != nil }
func (t *Transaction) SellerAcknowledged() bool { return t.AcknowledgedAt != nil }
func (t *Transaction) BuyerConfirmed() bool     { return t.ConfirmedAt != nil }
func (t *Transaction) ReleaseAuthorized() bool  { return t.AuthorizedAt != nil }
func (t *Transaction) Finalized() bool          { return t.ReleasedAt != nil }
func (t *Transaction) AutoReleased() bool       { return t.ReleaseTrigger == ReleaseByTimeout }
func (t *Transaction) HasDispute() bool         { return t.DisputeOpenedAt != nil }

// IsTerminal returns true if the escrow is in a final state.
func (t *Transaction) IsTerminal() bool {
	return t.Status.IsTerminal()
}

// Unsettled reports a terminal money movement the gateway has not confirmed yet.
func (t *Transaction) Unsettled() bool {
	return t.Settlement != nil && t.Settlement.State != SettlementSettled
}

// LastActivityAt is the most recent checkpoint the auto-release window is measured from.
func (t *Transaction) LastActivityAt() time.Time {
	latest := t.CreatedAt
	for _, ts := range []*time.Time{t.LockedAt, t.AcknowledgedAt, t.CompletedAt, t.ConfirmedAt} {
		if ts != nil && ts.After(latest) {
			latest = *ts
		}
	}
	return latest
}

// Clone returns a deep copy safe to mutate independently.
func (t *Transaction) Clone() *Transaction {
	cp := *t
	if t.Settlement != nil {
		s := *t.Settlement
		cp.Settlement = &s
	}
	return &cp
}

// MarshalJSON adds the derived checkpoint flags to the wire form.
func (t Transaction) MarshalJSON() ([]byte, error) {
	type alias Transaction
	return json.Marshal(struct {
		alias
		SellerNotified     bool `json:"sellerNotified"`
		SellerAcknowledged bool `json:"sellerAcknowledged"`
		BuyerConfirmed     bool `json:"buyerConfirmed"`
		ReleaseAuthorized  bool `json:"releaseAuthorized"`
		Finalized          bool `json:"finalized"`
		AutoReleased       bool `json:"autoReleased"`
	}{
		alias:              alias(t),
		SellerNotified:     t.SellerNotified(),
		SellerAcknowledged: t.SellerAcknowledged(),
		BuyerConfirmed:     t.BuyerConfirmed(),
		ReleaseAuthorized:  t.ReleaseAuthorized(),
		Finalized:          t.Finalized(),
		AutoReleased:       t.AutoReleased(),
	})
}

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

// InvalidTransitionError is returned when an operation's precondition does
// not hold for the record's current state.
type InvalidTransitionError struct {
	EscrowID string
	Op       Operation
	Current  Status
	Reason   string
}

func (e *InvalidTransitionError) Error() string {
	msg := fmt.Sprintf("escrow %s: cannot %s while %s", e.EscrowID, e.Op, e.Current)
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	return msg
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// PaymentVerificationError means the gateway did not confirm a payment
// reference. Err is nil when the gateway answered "not paid".
type PaymentVerificationError struct {
	EscrowID  string
	Reference string
	Err       error
}

func (e *PaymentVerificationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("escrow %s: verify payment %s: %v", e.EscrowID, e.Reference, e.Err)
	}
	return fmt.Sprintf("escrow %s: payment %s not confirmed by gateway", e.EscrowID, e.Reference)
}

func (e *PaymentVerificationError) Unwrap() error { return e.Err }

func (e *PaymentVerificationError) Is(target error) bool {
	return target == ErrPaymentNotVerified
}

// SettlementError means a gateway transfer or refund failed or returned an
// ambiguous outcome. The record stays retryable with the same AttemptKey
// when Ambiguous is set.
type SettlementError struct {
	EscrowID   string
	Kind       SettlementKind
	AttemptKey string
	Ambiguous  bool
	Err        error
}

func (e *SettlementError) Error() string {
	outcome := "failed"
	if e.Ambiguous {
		outcome = "outcome unknown"
	}
	return fmt.Sprintf("escrow %s: %s %s (attempt %s): %v", e.EscrowID, e.Kind, outcome, e.AttemptKey, e.Err)
}

func (e *SettlementError) Unwrap() error { return e.Err }

func (e *SettlementError) Is(target error) bool {
	return target == ErrSettlementFailed
}

// NotificationError wraps a failed best-effort notification. It is logged,
// never returned from a transition.
type NotificationError struct {
	EscrowID string
	UserID   string
	Title    string
	Err      error
}

func (e *NotificationError) Error() string {
	return fmt.Sprintf("escrow %s: notify %s (%q): %v", e.EscrowID, e.UserID, e.Title, e.Err)
}

func (e *NotificationError) Unwrap() error { return e.Err }

// -----------------------------------------------------------------------------
// Collaborators
// -----------------------------------------------------------------------------

// Store persists escrow records with per-record optimistic concurrency.
type Store interface {
	Create(ctx context.Context, tx *Transaction) error
	Get(ctx context.Context, id string) (*Transaction, error)
	// Update writes tx only if the stored version equals tx.Version, then
	// increments tx.Version. A mismatch returns ErrConcurrentModification.
	Update(ctx context.Context, tx *Transaction) error
	ListByUser(ctx context.Context, userID string, after *pagination.Cursor, limit int) ([]*Transaction, error)
	// ListAutoReleasable returns undisputed service_in_progress and
	// delivery_confirmed records whose last activity is before inactiveSince.
	ListAutoReleasable(ctx context.Context, inactiveSince time.Time, limit int) ([]*Transaction, error)
	// ListUnsettled returns released or refunded records whose settlement is
	// not confirmed and has fewer than maxAttempts attempts (zero means no
	// cap), least recently attempted first.
	ListUnsettled(ctx context.Context, maxAttempts, limit int) ([]*Transaction, error)
	// ListStale returns initiated and payment_pending records created before the cutoff.
	ListStale(ctx context.Context, createdBefore time.Time, limit int) ([]*Transaction, error)
}

// TransferRequest moves escrowed funds to the seller's payout destination.
type TransferRequest struct {
	EscrowID       string
	SellerID       string
	Amount         decimal.Decimal
	Currency       string
	IdempotencyKey string
}

// RefundRequest returns escrowed funds to the buyer's payment method.
type RefundRequest struct {
	EscrowID         string
	PaymentReference string
	Amount           decimal.Decimal
	Currency         string
	IdempotencyKey   string
}

// PaymentGateway abstracts the payment provider so escrow doesn't import it.
type PaymentGateway interface {
	VerifyPayment(ctx context.Context, reference string, amount decimal.Decimal, currency string) (bool, error)
	Transfer(ctx context.Context, req TransferRequest) (string, error)
	Refund(ctx context.Context, req RefundRequest) (string, error)
}

// ambiguous is implemented by gateway errors whose outcome is unknown
// (e.g. a timeout after the request was sent).
type ambiguous interface {
	Ambiguous() bool
}

func isAmbiguous(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var a ambiguous
	if errors.As(err, &a) {
		return a.Ambiguous()
	}
	// A raw network failure may have reached the provider.
	var ne net.Error
	return errors.As(err, &ne)
}

// Notification is an out-of-band message to a single user.
type Notification struct {
	UserID   string            `json:"userId"`
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Notifier delivers notifications. Failures are non-fatal.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Event describes a committed state change for downstream consumers.
type Event struct {
	Type       string       `json:"type"`
	EscrowID   string       `json:"escrowId"`
	Operation  Operation    `json:"operation"`
	From       Status       `json:"from"`
	To         Status       `json:"to"`
	OccurredAt time.Time    `json:"occurredAt"`
	Escrow     *Transaction `json:"escrow"`
}

// EventPublisher ships committed events to other systems. Failures are non-fatal.
type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}

// -----------------------------------------------------------------------------
// Requests
// -----------------------------------------------------------------------------

// InitiateRequest contains the parameters for creating an escrow.
type InitiateRequest struct {
	BuyerID         string          `json:"buyerId" binding:"required"`
	SellerID        string          `json:"sellerId" binding:"required"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	Description     string          `json:"description"`
	PaymentProvider string          `json:"paymentProvider"`
}

// DisputeRequest contains the parameters for disputing an escrow.
type DisputeRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// CompleteRequest carries the seller's optional completion note.
type CompleteRequest struct {
	Note string `json:"note"`
}

// CancelRequest carries an optional cancellation reason.
type CancelRequest struct {
	Reason string `json:"reason"`
}

// PaymentSuccessRequest is the payload of a verified payment webhook.
type PaymentSuccessRequest struct {
	EscrowID  string `json:"escrowId" binding:"required"`
	Reference string `json:"reference" binding:"required"`
}
