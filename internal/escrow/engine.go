package escrow

import (
	"strings"
	"time"

	"github.com/mbd888/safehold/internal/clock"
	"github.com/mbd888/safehold/internal/idgen"
	"github.com/mbd888/safehold/internal/validation"
)

// EffectKind identifies a side effect the engine asks its caller to run.
type EffectKind string

const (
	EffectNotify EffectKind = "notify"
	EffectSettle EffectKind = "settle"
)

// Effect is a side-effect request emitted by a transition. Effects run after
// the transition is persisted and never roll it back.
type Effect struct {
	Kind         EffectKind
	Notification Notification   // EffectNotify
	Settlement   SettlementKind // EffectSettle
}

// Result is the outcome of a transition. Changed is false when the operation
// was an idempotent replay and nothing needs to be persisted.
type Result struct {
	Tx      *Transaction
	Effects []Effect
	Changed bool
}

// Engine holds the pure transition rules. It never performs I/O: every
// method validates the record's state, returns a mutated copy plus the side
// effects to run, and leaves its input untouched on error.
type Engine struct {
	clock            clock.Clock
	autoReleaseAfter time.Duration
	defaultCurrency  string
	newAttemptKey    func() string
}

// NewEngine creates an engine reading time from c.
func NewEngine(c clock.Clock, autoReleaseAfter time.Duration) *Engine {
	if autoReleaseAfter <= 0 {
		autoReleaseAfter = DefaultAutoReleaseAfter
	}
	return &Engine{
		clock:            c,
		autoReleaseAfter: autoReleaseAfter,
		defaultCurrency:  DefaultCurrency,
		newAttemptKey:    idgen.AttemptKey,
	}
}

// AutoReleaseAfter returns the configured inactivity window.
func (e *Engine) AutoReleaseAfter() time.Duration {
	return e.autoReleaseAfter
}

func (e *Engine) now() *time.Time {
	t := e.clock.Now()
	return &t
}

func invalid(tx *Transaction, op Operation, reason string) error {
	return &InvalidTransitionError{EscrowID: tx.ID, Op: op, Current: tx.Status, Reason: reason}
}

func (e *Engine) changed(next *Transaction, effects ...Effect) *Result {
	next.UpdatedAt = e.clock.Now()
	return &Result{Tx: next, Effects: effects, Changed: true}
}

func unchanged(tx *Transaction, effects ...Effect) *Result {
	return &Result{Tx: tx.Clone(), Effects: effects}
}

func notify(userID, title, body string, tx *Transaction) Effect {
	return Effect{
		Kind: EffectNotify,
		Notification: Notification{
			UserID: userID,
			Title:  title,
			Body:   body,
			Metadata: map[string]string{
				"escrowId": tx.ID,
				"status":   string(tx.Status),
				"amount":   tx.Amount.String(),
				"currency": tx.Currency,
			},
		},
	}
}

func settle(kind SettlementKind) Effect {
	return Effect{Kind: EffectSettle, Settlement: kind}
}

// Initiate validates req and builds a new record in the initiated state.
func (e *Engine) Initiate(id string, req InitiateRequest) (*Transaction, error) {
	req.BuyerID = strings.TrimSpace(req.BuyerID)
	req.SellerID = strings.TrimSpace(req.SellerID)
	req.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))
	if req.Currency == "" {
		req.Currency = e.defaultCurrency
	}
	req.Description = validation.SanitizeString(req.Description, validation.MaxStringLength)

	if errs := validation.Validate(
		validation.Required("buyerId", req.BuyerID),
		validation.Required("sellerId", req.SellerID),
		validation.ValidIdentifier("buyerId", req.BuyerID),
		validation.ValidIdentifier("sellerId", req.SellerID),
		validation.Distinct("sellerId", req.BuyerID, req.SellerID),
		validation.PositiveAmount("amount", req.Amount),
		validation.ValidCurrency("currency", req.Currency),
		validation.Required("paymentProvider", req.PaymentProvider),
	); len(errs) > 0 {
		return nil, errs
	}

	now := e.clock.Now()
	return &Transaction{
		ID:              id,
		BuyerID:         req.BuyerID,
		SellerID:        req.SellerID,
		Amount:          req.Amount,
		Currency:        req.Currency,
		Description:     req.Description,
		PaymentProvider: req.PaymentProvider,
		Status:          StatusInitiated,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

// StartPayment moves an initiated record to payment_pending once checkout begins.
func (e *Engine) StartPayment(tx *Transaction) (*Result, error) {
	if tx.Status != StatusInitiated {
		return nil, invalid(tx, OpStartPayment, "")
	}
	next := tx.Clone()
	next.Status = StatusPaymentPending
	return e.changed(next), nil
}

// CheckPaymentSuccess reports whether HandlePaymentSuccess would be a replay
// (true), a fresh lock (false), or is not allowed (error). It lets callers
// skip gateway verification for duplicate webhooks.
func (e *Engine) CheckPaymentSuccess(tx *Transaction, reference string) (bool, error) {
	if strings.TrimSpace(reference) == "" {
		return false, validation.ValidationErrors{{Field: "reference", Message: "is required"}}
	}
	switch tx.Status {
	case StatusInitiated, StatusPaymentPending:
		return false, nil
	}
	if tx.LockedAt != nil && tx.PaymentReference == reference && !tx.Status.IsTerminal() {
		return true, nil
	}
	if tx.PaymentReference != "" && tx.PaymentReference != reference {
		return false, invalid(tx, OpHandlePaymentSuccess, "payment already recorded under a different reference")
	}
	return false, invalid(tx, OpHandlePaymentSuccess, "")
}

// HandlePaymentSuccess locks funds against a verified payment reference. A
// replay with the same reference after the lock is a no-op.
func (e *Engine) HandlePaymentSuccess(tx *Transaction, reference string) (*Result, error) {
	replay, err := e.CheckPaymentSuccess(tx, reference)
	if err != nil {
		return nil, err
	}
	if replay {
		return unchanged(tx), nil
	}
	next := tx.Clone()
	next.PaymentReference = reference
	next.Status = StatusFundsLocked
	next.LockedAt = e.now()
	return e.changed(next), nil
}

// NotifySeller marks the "payment secured" notification as sent and emits it.
func (e *Engine) NotifySeller(tx *Transaction) (*Result, error) {
	if tx.LockedAt == nil {
		return nil, invalid(tx, OpNotifySeller, "funds are not locked")
	}
	if tx.Status.IsTerminal() {
		return nil, invalid(tx, OpNotifySeller, "")
	}
	if tx.SellerNotified() {
		return nil, invalid(tx, OpNotifySeller, "seller already notified")
	}
	next := tx.Clone()
	next.SellerNotifiedAt = e.now()
	return e.changed(next, notify(next.SellerID, "Payment secured",
		"The buyer's payment of "+next.Amount.String()+" "+next.Currency+" is held in escrow. You can start the service.", next)), nil
}

// AcknowledgeService records the seller starting work.
func (e *Engine) AcknowledgeService(tx *Transaction) (*Result, error) {
	if tx.Status != StatusFundsLocked {
		return nil, invalid(tx, OpAcknowledgeService, "")
	}
	next := tx.Clone()
	next.AcknowledgedAt = e.now()
	next.Status = StatusServiceInProgress
	return e.changed(next), nil
}

// CompleteService records the seller's completion note without changing status.
func (e *Engine) CompleteService(tx *Transaction, note string) (*Result, error) {
	if tx.Status != StatusServiceInProgress {
		return nil, invalid(tx, OpCompleteService, "")
	}
	if tx.CompletedAt != nil {
		return nil, invalid(tx, OpCompleteService, "service already marked complete")
	}
	next := tx.Clone()
	next.CompletionNote = validation.SanitizeString(note, validation.MaxStringLength)
	next.CompletedAt = e.now()
	return e.changed(next, notify(next.BuyerID, "Service completed",
		"The seller marked your order as complete. Confirm delivery to release payment.", next)), nil
}

// ConfirmDelivery records the buyer's confirmation.
func (e *Engine) ConfirmDelivery(tx *Transaction) (*Result, error) {
	if tx.Status != StatusServiceInProgress {
		return nil, invalid(tx, OpConfirmDelivery, "")
	}
	next := tx.Clone()
	next.ConfirmedAt = e.now()
	next.Status = StatusDeliveryConfirmed
	return e.changed(next), nil
}

// Release authorizes a release to the seller and requests settlement. On a
// record that is already released it only re-requests settlement when the
// gateway has not confirmed it yet.
func (e *Engine) Release(tx *Transaction, trigger ReleaseTrigger) (*Result, error) {
	op := releaseOp(trigger)

	if tx.Status == StatusReleased {
		if tx.Finalized() {
			return unchanged(tx), nil
		}
		return unchanged(tx, settle(SettlementTransfer)), nil
	}

	switch trigger {
	case ReleaseByBuyer:
		if tx.Status != StatusDeliveryConfirmed {
			return nil, invalid(tx, op, "")
		}
	case ReleaseByDisputeResolution:
		if tx.Status != StatusDisputed {
			return nil, invalid(tx, op, "no open dispute")
		}
	case ReleaseByTimeout:
		if tx.Status != StatusServiceInProgress && tx.Status != StatusDeliveryConfirmed {
			return nil, invalid(tx, op, "")
		}
		if idle := e.clock.Now().Sub(tx.LastActivityAt()); idle < e.autoReleaseAfter {
			return nil, invalid(tx, op, "auto-release window has not elapsed")
		}
	default:
		return nil, invalid(tx, op, "unknown release trigger")
	}
	// A dispute blocks every release path except its own resolution.
	if tx.HasDispute() && trigger != ReleaseByDisputeResolution {
		return nil, invalid(tx, op, "dispute is open")
	}

	next := tx.Clone()
	next.AuthorizedAt = e.now()
	next.Status = StatusReleased
	next.ReleaseTrigger = trigger
	if trigger == ReleaseByDisputeResolution {
		next.ResolvedAt = next.AuthorizedAt
	}
	next.Settlement = &Settlement{
		Kind:       SettlementTransfer,
		State:      SettlementPending,
		AttemptKey: e.newAttemptKey(),
	}
	return e.changed(next, settle(SettlementTransfer)), nil
}

func releaseOp(trigger ReleaseTrigger) Operation {
	switch trigger {
	case ReleaseByDisputeResolution:
		return OpResolveDisputeRelease
	case ReleaseByTimeout:
		return OpAutoReleaseTimeout
	}
	return OpReleaseFunds
}

// OpenDispute freezes a funded, unresolved escrow.
func (e *Engine) OpenDispute(tx *Transaction, reason string) (*Result, error) {
	reason = validation.SanitizeString(reason, validation.MaxStringLength)
	if reason == "" {
		return nil, validation.ValidationErrors{{Field: "reason", Message: "is required"}}
	}
	switch tx.Status {
	case StatusFundsLocked, StatusServiceInProgress, StatusDeliveryConfirmed:
	default:
		return nil, invalid(tx, OpOpenDispute, "")
	}
	next := tx.Clone()
	next.DisputeReason = reason
	next.DisputeOpenedAt = e.now()
	next.Status = StatusDisputed
	return e.changed(next, notify(next.SellerID, "Dispute opened",
		"The buyer opened a dispute: "+reason, next)), nil
}

// Refund authorizes returning funds to the buyer and requests settlement.
// Like Release, it is re-entrant on an already refunded record.
func (e *Engine) Refund(tx *Transaction) (*Result, error) {
	if tx.Status == StatusRefunded {
		if tx.Settlement != nil && tx.Settlement.State == SettlementSettled {
			return unchanged(tx), nil
		}
		return unchanged(tx, settle(SettlementRefund)), nil
	}
	if tx.Status != StatusDisputed && tx.Status != StatusFundsLocked {
		return nil, invalid(tx, OpRefundBuyer, "")
	}
	next := tx.Clone()
	next.ResolvedAt = e.now()
	next.Status = StatusRefunded
	next.Settlement = &Settlement{
		Kind:       SettlementRefund,
		State:      SettlementPending,
		AttemptKey: e.newAttemptKey(),
	}
	return e.changed(next, settle(SettlementRefund)), nil
}

// Cancel abandons an escrow before any funds were captured.
func (e *Engine) Cancel(tx *Transaction, reason string) (*Result, error) {
	if tx.Status != StatusInitiated && tx.Status != StatusPaymentPending {
		return nil, invalid(tx, OpCancel, "")
	}
	next := tx.Clone()
	next.CancelReason = validation.SanitizeString(reason, validation.MaxStringLength)
	next.CancelledAt = e.now()
	next.Status = StatusCancelled
	return e.changed(next, notify(next.SellerID, "Escrow cancelled",
		"The escrow was cancelled before payment was captured.", next)), nil
}

// BeginSettlement stamps a new gateway attempt. After a definitive failure
// the attempt key rotates; once any attempt was ambiguous it is kept so the
// gateway can deduplicate.
func (e *Engine) BeginSettlement(tx *Transaction, kind SettlementKind) (*Result, error) {
	if err := settlementGuard(tx, kind); err != nil {
		return nil, err
	}
	if tx.Settlement.State == SettlementSettled {
		return unchanged(tx), nil
	}
	next := tx.Clone()
	s := next.Settlement
	if s.AttemptKey == "" || (s.State == SettlementFailed && !s.Unresolved) {
		s.AttemptKey = e.newAttemptKey()
	}
	s.State = SettlementPending
	s.Attempts++
	s.LastAttemptAt = e.now()
	return e.changed(next), nil
}

// RecordSettlement finalizes a confirmed gateway transfer or refund.
func (e *Engine) RecordSettlement(tx *Transaction, kind SettlementKind, reference string) (*Result, error) {
	if err := settlementGuard(tx, kind); err != nil {
		return nil, err
	}
	if tx.Settlement.State == SettlementSettled {
		return unchanged(tx), nil
	}
	next := tx.Clone()
	next.Settlement.State = SettlementSettled
	next.Settlement.Reference = reference
	next.Settlement.LastError = ""
	next.Settlement.Unresolved = false

	if kind == SettlementRefund {
		return e.changed(next, notify(next.BuyerID, "Refund issued",
			"Your payment of "+next.Amount.String()+" "+next.Currency+" has been refunded.", next)), nil
	}
	next.TransferReference = reference
	next.ReleasedAt = e.now()
	return e.changed(next, notify(next.SellerID, "Funds released",
		next.Amount.String()+" "+next.Currency+" has been released to your payout account.", next)), nil
}

// RecordSettlementFailure notes a failed attempt. An ambiguous failure marks
// the key unresolved; a definitive rejection under an unresolved key does not
// prove the earlier attempt failed, so the record stays pending.
func (e *Engine) RecordSettlementFailure(tx *Transaction, kind SettlementKind, cause error, ambiguousOutcome bool) (*Result, error) {
	if err := settlementGuard(tx, kind); err != nil {
		return nil, err
	}
	if tx.Settlement.State == SettlementSettled {
		return unchanged(tx), nil
	}
	next := tx.Clone()
	next.Settlement.LastError = cause.Error()
	if ambiguousOutcome {
		next.Settlement.Unresolved = true
	}
	if next.Settlement.Unresolved {
		next.Settlement.State = SettlementPending
	} else {
		next.Settlement.State = SettlementFailed
	}
	return e.changed(next), nil
}

func settlementGuard(tx *Transaction, kind SettlementKind) error {
	want := StatusReleased
	if kind == SettlementRefund {
		want = StatusRefunded
	}
	if tx.Status != want || tx.Settlement == nil || tx.Settlement.Kind != kind {
		return invalid(tx, OpSettle, "no authorized "+string(kind))
	}
	return nil
}
