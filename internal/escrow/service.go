package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/safehold/internal/clock"
	"github.com/mbd888/safehold/internal/idgen"
	"github.com/mbd888/safehold/internal/metrics"
	"github.com/mbd888/safehold/internal/pagination"
	"github.com/mbd888/safehold/internal/retry"
	"github.com/mbd888/safehold/internal/syncutil"
	"github.com/mbd888/safehold/internal/traces"
)

const (
	// DefaultGatewayTimeout bounds a single gateway call.
	DefaultGatewayTimeout = 15 * time.Second

	maxTransitionAttempts = 5
	transitionBackoff     = 10 * time.Millisecond
)

// Service runs engine transitions against the store and executes their side
// effects. Each transition is a load-validate-mutate-persist unit serialized
// per record; gateway calls run outside the record lock.
type Service struct {
	store           Store
	engine          *Engine
	clock           clock.Clock
	locks           *syncutil.KeyedMutex
	gateways        map[string]PaymentGateway
	defaultProvider string
	notifier        Notifier
	events          EventPublisher
	logger          *slog.Logger
	gatewayTimeout  time.Duration
}

// NewService creates a new escrow service.
func NewService(store Store, clk clock.Clock) *Service {
	if clk == nil {
		clk = clock.System{}
	}
	return &Service{
		store:          store,
		engine:         NewEngine(clk, DefaultAutoReleaseAfter),
		clock:          clk,
		locks:          syncutil.NewKeyedMutex(),
		gateways:       make(map[string]PaymentGateway),
		logger:         slog.Default(),
		gatewayTimeout: DefaultGatewayTimeout,
	}
}

// WithGateway registers the gateway used for records created with provider.
// The first registered provider becomes the default.
func (s *Service) WithGateway(provider string, gw PaymentGateway) *Service {
	s.gateways[provider] = gw
	if s.defaultProvider == "" {
		s.defaultProvider = provider
	}
	return s
}

// WithDefaultProvider sets the provider applied when a request names none.
func (s *Service) WithDefaultProvider(provider string) *Service {
	s.defaultProvider = provider
	return s
}

// WithNotifier adds a notifier for party notifications.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// WithEventPublisher adds a publisher for committed state changes.
func (s *Service) WithEventPublisher(p EventPublisher) *Service {
	s.events = p
	return s
}

// WithLogger sets the service logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// WithAutoReleaseAfter sets the inactivity window for auto-release.
func (s *Service) WithAutoReleaseAfter(d time.Duration) *Service {
	currency := s.engine.defaultCurrency
	s.engine = NewEngine(s.clock, d)
	s.engine.defaultCurrency = currency
	return s
}

// WithDefaultCurrency sets the currency applied when a request omits one.
func (s *Service) WithDefaultCurrency(currency string) *Service {
	if currency = strings.ToUpper(strings.TrimSpace(currency)); currency != "" {
		s.engine.defaultCurrency = currency
	}
	return s
}

// WithGatewayTimeout bounds each gateway call.
func (s *Service) WithGatewayTimeout(d time.Duration) *Service {
	if d > 0 {
		s.gatewayTimeout = d
	}
	return s
}

// AutoReleaseAfter returns the configured inactivity window.
func (s *Service) AutoReleaseAfter() time.Duration {
	return s.engine.AutoReleaseAfter()
}

// Initiate creates a new escrow in the initiated state.
func (s *Service) Initiate(ctx context.Context, req InitiateRequest) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.initiate",
		traces.Operation(string(OpInitiate)), traces.Amount(req.Amount.String()))

	if req.PaymentProvider == "" {
		req.PaymentProvider = s.defaultProvider
	}
	if req.PaymentProvider != "" {
		if _, err := s.gateway(req.PaymentProvider); err != nil {
			s.observe(OpInitiate, nil, err)
			traces.End(span, err)
			return nil, err
		}
	}

	tx, err := s.engine.Initiate(idgen.Escrow(), req)
	if err == nil {
		err = s.store.Create(ctx, tx)
	}
	s.observe(OpInitiate, &Result{Tx: tx, Changed: err == nil}, err)
	if err != nil {
		traces.End(span, err)
		return nil, err
	}

	span.SetAttributes(traces.EscrowID(tx.ID))
	s.logger.Info("escrow initiated", "escrow_id", tx.ID, "buyer", tx.BuyerID, "seller", tx.SellerID,
		"amount", tx.Amount.String(), "currency", tx.Currency, "provider", tx.PaymentProvider)
	s.publish(ctx, OpInitiate, "", tx)
	traces.End(span, nil)
	return tx, nil
}

// StartPayment marks an initiated escrow as awaiting gateway confirmation.
func (s *Service) StartPayment(ctx context.Context, id string) (*Transaction, error) {
	return s.run(ctx, id, OpStartPayment, s.engine.StartPayment)
}

// HandlePaymentSuccess verifies reference with the gateway and locks funds.
// Redelivery of an already applied reference returns the record unchanged
// without calling the gateway again.
func (s *Service) HandlePaymentSuccess(ctx context.Context, id, reference string) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.verify_payment",
		traces.EscrowID(id), traces.Reference(reference))

	tx, err := s.store.Get(ctx, id)
	if err != nil {
		traces.End(span, err)
		return nil, err
	}
	replay, err := s.engine.CheckPaymentSuccess(tx, reference)
	if err != nil {
		s.observe(OpHandlePaymentSuccess, nil, err)
		if tx.Status == StatusCancelled && errors.Is(err, ErrInvalidTransition) {
			if verr := s.verifyPayment(ctx, tx, reference); verr == nil {
				s.refundOrphanedCapture(ctx, tx, reference)
			}
		}
		traces.End(span, err)
		return nil, err
	}
	if replay {
		s.observe(OpHandlePaymentSuccess, &Result{Tx: tx}, nil)
		traces.End(span, nil)
		return tx, nil
	}

	if err := s.verifyPayment(ctx, tx, reference); err != nil {
		s.observe(OpHandlePaymentSuccess, nil, err)
		traces.End(span, err)
		return nil, err
	}
	traces.End(span, nil)

	locked, err := s.run(ctx, id, OpHandlePaymentSuccess, func(tx *Transaction) (*Result, error) {
		return s.engine.HandlePaymentSuccess(tx, reference)
	})
	if errors.Is(err, ErrInvalidTransition) {
		// Cancelled between verification and lock.
		if cur, gerr := s.store.Get(ctx, id); gerr == nil && cur.Status == StatusCancelled {
			s.refundOrphanedCapture(ctx, cur, reference)
		}
	}
	return locked, err
}

// refundOrphanedCapture returns a verified payment that arrived for a
// cancelled escrow. The idempotency key is derived from the reference so
// webhook redelivery cannot refund twice.
func (s *Service) refundOrphanedCapture(ctx context.Context, tx *Transaction, reference string) {
	s.logger.Error("CRITICAL: verified payment received for cancelled escrow",
		"escrow_id", tx.ID, "reference", reference, "amount", tx.Amount.String(), "currency", tx.Currency)

	gw, err := s.gateway(tx.PaymentProvider)
	if err != nil {
		metrics.OrphanedCapturesTotal.WithLabelValues("refund_failed").Inc()
		return
	}
	gctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.gatewayTimeout)
	defer cancel()
	ref, err := gw.Refund(gctx, RefundRequest{
		EscrowID:         tx.ID,
		PaymentReference: reference,
		Amount:           tx.Amount,
		Currency:         tx.Currency,
		IdempotencyKey:   "orphan_" + tx.ID + "_" + reference,
	})
	if err != nil {
		metrics.OrphanedCapturesTotal.WithLabelValues("refund_failed").Inc()
		s.logger.Error("CRITICAL: orphaned capture refund failed, manual refund required",
			"escrow_id", tx.ID, "reference", reference, "error", err)
		return
	}
	metrics.OrphanedCapturesTotal.WithLabelValues("refunded").Inc()
	s.logger.Warn("orphaned capture refunded", "escrow_id", tx.ID, "reference", reference, "refund_reference", ref)
}

func (s *Service) verifyPayment(ctx context.Context, tx *Transaction, reference string) error {
	gw, err := s.gateway(tx.PaymentProvider)
	if err != nil {
		return &PaymentVerificationError{EscrowID: tx.ID, Reference: reference, Err: err}
	}

	gctx, cancel := context.WithTimeout(ctx, s.gatewayTimeout)
	defer cancel()
	ok, err := gw.VerifyPayment(gctx, reference, tx.Amount, tx.Currency)
	switch {
	case err != nil:
		metrics.PaymentVerificationsTotal.WithLabelValues(tx.PaymentProvider, "error").Inc()
		s.logger.Warn("payment verification failed", "escrow_id", tx.ID, "reference", reference, "error", err)
		return &PaymentVerificationError{EscrowID: tx.ID, Reference: reference, Err: err}
	case !ok:
		metrics.PaymentVerificationsTotal.WithLabelValues(tx.PaymentProvider, "rejected").Inc()
		return &PaymentVerificationError{EscrowID: tx.ID, Reference: reference}
	}
	metrics.PaymentVerificationsTotal.WithLabelValues(tx.PaymentProvider, "verified").Inc()
	return nil
}

// NotifySeller sends the "payment secured" notification once funds are locked.
func (s *Service) NotifySeller(ctx context.Context, id string) (*Transaction, error) {
	return s.run(ctx, id, OpNotifySeller, s.engine.NotifySeller)
}

// AcknowledgeService records the seller starting work.
func (s *Service) AcknowledgeService(ctx context.Context, id string) (*Transaction, error) {
	return s.run(ctx, id, OpAcknowledgeService, s.engine.AcknowledgeService)
}

// CompleteService records the seller's completion note and tells the buyer.
func (s *Service) CompleteService(ctx context.Context, id, note string) (*Transaction, error) {
	return s.run(ctx, id, OpCompleteService, func(tx *Transaction) (*Result, error) {
		return s.engine.CompleteService(tx, note)
	})
}

// ConfirmDelivery records the buyer's confirmation.
func (s *Service) ConfirmDelivery(ctx context.Context, id string) (*Transaction, error) {
	return s.run(ctx, id, OpConfirmDelivery, s.engine.ConfirmDelivery)
}

// ReleaseFunds authorizes a buyer-confirmed release and settles it. Calling
// it again on a released record retries an unconfirmed settlement.
func (s *Service) ReleaseFunds(ctx context.Context, id string) (*Transaction, error) {
	return s.run(ctx, id, OpReleaseFunds, func(tx *Transaction) (*Result, error) {
		return s.engine.Release(tx, ReleaseByBuyer)
	})
}

// OpenDispute freezes the escrow pending resolution.
func (s *Service) OpenDispute(ctx context.Context, id, reason string) (*Transaction, error) {
	return s.run(ctx, id, OpOpenDispute, func(tx *Transaction) (*Result, error) {
		return s.engine.OpenDispute(tx, reason)
	})
}

// RefundBuyer resolves in the buyer's favour and refunds through the gateway.
func (s *Service) RefundBuyer(ctx context.Context, id string) (*Transaction, error) {
	return s.run(ctx, id, OpRefundBuyer, s.engine.Refund)
}

// ResolveDisputeRelease resolves in the seller's favour.
func (s *Service) ResolveDisputeRelease(ctx context.Context, id string) (*Transaction, error) {
	return s.run(ctx, id, OpResolveDisputeRelease, func(tx *Transaction) (*Result, error) {
		return s.engine.Release(tx, ReleaseByDisputeResolution)
	})
}

// HandleAutoReleaseTimeout releases an inactive, undisputed escrow to the seller.
func (s *Service) HandleAutoReleaseTimeout(ctx context.Context, id string) (*Transaction, error) {
	tx, err := s.run(ctx, id, OpAutoReleaseTimeout, func(tx *Transaction) (*Result, error) {
		return s.engine.Release(tx, ReleaseByTimeout)
	})
	if err == nil && tx.AutoReleased() {
		metrics.EscrowAutoReleasedTotal.Inc()
	}
	return tx, err
}

// Cancel abandons an escrow whose payment was never captured.
func (s *Service) Cancel(ctx context.Context, id, reason string) (*Transaction, error) {
	return s.run(ctx, id, OpCancel, func(tx *Transaction) (*Result, error) {
		return s.engine.Cancel(tx, reason)
	})
}

// RetrySettlement re-attempts an authorized transfer or refund the gateway has
// not confirmed. Settled or non-terminal records are returned unchanged.
func (s *Service) RetrySettlement(ctx context.Context, id string) (*Transaction, error) {
	tx, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !tx.Unsettled() {
		return tx, nil
	}
	return s.settle(ctx, id, tx.Settlement.Kind)
}

// Get returns an escrow by ID.
func (s *Service) Get(ctx context.Context, id string) (*Transaction, error) {
	return s.store.Get(ctx, id)
}

// ListByUser returns escrows where userID is buyer or seller, newest first.
func (s *Service) ListByUser(ctx context.Context, userID string, after *pagination.Cursor, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByUser(ctx, userID, after, limit)
}

// -----------------------------------------------------------------------------
// Transition plumbing
// -----------------------------------------------------------------------------

func (s *Service) run(ctx context.Context, id string, op Operation, fn func(*Transaction) (*Result, error)) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "escrow."+string(op), traces.EscrowID(id), traces.Operation(string(op)))

	res, from, err := s.transition(ctx, id, fn)
	s.observe(op, res, err)
	if err != nil {
		traces.End(span, err)
		return nil, err
	}
	span.SetAttributes(traces.Status(string(res.Tx.Status)))
	if res.Changed {
		s.logger.Info("escrow transition", "escrow_id", id, "op", op, "from", from, "to", res.Tx.Status)
		s.publish(ctx, op, from, res.Tx)
	}

	tx, err := s.apply(ctx, res)
	traces.End(span, err)
	return tx, err
}

// transition loads the record under its lock, applies fn, and persists the
// result. A version conflict reloads and reapplies; every other error is final.
func (s *Service) transition(ctx context.Context, id string, fn func(*Transaction) (*Result, error)) (*Result, Status, error) {
	var (
		res  *Result
		from Status
	)
	err := retry.Do(ctx, maxTransitionAttempts, transitionBackoff, func() error {
		unlock, err := s.locks.Lock(ctx, id)
		if err != nil {
			return retry.Permanent(err)
		}
		defer unlock()

		current, err := s.store.Get(ctx, id)
		if err != nil {
			return retry.Permanent(err)
		}
		r, err := fn(current)
		if err != nil {
			return retry.Permanent(err)
		}
		if r.Changed {
			if err := s.store.Update(ctx, r.Tx); err != nil {
				if errors.Is(err, ErrConcurrentModification) {
					return err
				}
				return retry.Permanent(fmt.Errorf("failed to update escrow: %w", err))
			}
		}
		res, from = r, current.Status
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	return res, from, nil
}

// apply runs the side effects of a committed transition in order. Notification
// failures are logged; a settlement failure is returned.
func (s *Service) apply(ctx context.Context, res *Result) (*Transaction, error) {
	tx := res.Tx
	for _, eff := range res.Effects {
		switch eff.Kind {
		case EffectNotify:
			s.dispatch(ctx, tx, eff.Notification)
		case EffectSettle:
			settled, err := s.settle(ctx, tx.ID, eff.Settlement)
			if err != nil {
				return nil, err
			}
			tx = settled
		}
	}
	return tx, nil
}

// settle executes an authorized transfer or refund. The attempt is stamped
// before the gateway call so a crash leaves a retryable pending settlement,
// and the outcome is persisted even if the caller's context is gone.
func (s *Service) settle(ctx context.Context, id string, kind SettlementKind) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.settle", traces.EscrowID(id), traces.Operation(string(kind)))

	begun, _, err := s.transition(ctx, id, func(tx *Transaction) (*Result, error) {
		return s.engine.BeginSettlement(tx, kind)
	})
	if err != nil {
		traces.End(span, err)
		return nil, err
	}
	tx := begun.Tx
	if tx.Settlement.State == SettlementSettled {
		traces.End(span, nil)
		return tx, nil
	}

	ref, gerr := s.callGateway(ctx, tx, kind)

	persistCtx := context.WithoutCancel(ctx)
	if gerr == nil {
		res, _, err := s.transition(persistCtx, id, func(tx *Transaction) (*Result, error) {
			return s.engine.RecordSettlement(tx, kind, ref)
		})
		if err != nil {
			s.logger.Error("CRITICAL: settlement confirmed by gateway but not recorded",
				"escrow_id", id, "kind", kind, "reference", ref, "attempt_key", tx.Settlement.AttemptKey, "error", err)
			traces.End(span, err)
			return nil, err
		}
		metrics.SettlementAttemptsTotal.WithLabelValues(string(kind), "settled").Inc()
		if res.Changed {
			metrics.EscrowDuration.Observe(s.clock.Now().Sub(res.Tx.CreatedAt).Seconds())
			s.logger.Info("escrow settled", "escrow_id", id, "kind", kind, "reference", ref)
			s.publish(persistCtx, OpSettle, res.Tx.Status, res.Tx)
		}
		out, err := s.apply(persistCtx, res)
		traces.End(span, err)
		return out, err
	}

	amb := isAmbiguous(gerr)
	result := "failed"
	if amb {
		result = "ambiguous"
	}
	metrics.SettlementAttemptsTotal.WithLabelValues(string(kind), result).Inc()
	s.logger.Warn("settlement attempt failed", "escrow_id", id, "kind", kind,
		"attempt_key", tx.Settlement.AttemptKey, "ambiguous", amb, "error", gerr)

	if _, _, err := s.transition(persistCtx, id, func(tx *Transaction) (*Result, error) {
		return s.engine.RecordSettlementFailure(tx, kind, gerr, amb)
	}); err != nil {
		s.logger.Error("failed to record settlement failure", "escrow_id", id, "kind", kind, "error", err)
	}

	serr := &SettlementError{EscrowID: id, Kind: kind, AttemptKey: tx.Settlement.AttemptKey, Ambiguous: amb, Err: gerr}
	traces.End(span, serr)
	return nil, serr
}

func (s *Service) callGateway(ctx context.Context, tx *Transaction, kind SettlementKind) (string, error) {
	gw, err := s.gateway(tx.PaymentProvider)
	if err != nil {
		return "", err
	}
	gctx, cancel := context.WithTimeout(ctx, s.gatewayTimeout)
	defer cancel()

	if kind == SettlementRefund {
		return gw.Refund(gctx, RefundRequest{
			EscrowID:         tx.ID,
			PaymentReference: tx.PaymentReference,
			Amount:           tx.Amount,
			Currency:         tx.Currency,
			IdempotencyKey:   tx.Settlement.AttemptKey,
		})
	}
	return gw.Transfer(gctx, TransferRequest{
		EscrowID:       tx.ID,
		SellerID:       tx.SellerID,
		Amount:         tx.Amount,
		Currency:       tx.Currency,
		IdempotencyKey: tx.Settlement.AttemptKey,
	})
}

func (s *Service) gateway(provider string) (PaymentGateway, error) {
	gw, ok := s.gateways[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
	}
	return gw, nil
}

func (s *Service) dispatch(ctx context.Context, tx *Transaction, n Notification) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, n); err != nil {
		nerr := &NotificationError{EscrowID: tx.ID, UserID: n.UserID, Title: n.Title, Err: err}
		metrics.NotificationFailuresTotal.WithLabelValues("dispatch").Inc()
		s.logger.Warn("notification failed", "escrow_id", tx.ID, "user_id", n.UserID, "error", nerr)
	}
}

func (s *Service) publish(ctx context.Context, op Operation, from Status, tx *Transaction) {
	if s.events == nil {
		return
	}
	ev := Event{
		Type:       "escrow." + string(op),
		EscrowID:   tx.ID,
		Operation:  op,
		From:       from,
		To:         tx.Status,
		OccurredAt: tx.UpdatedAt,
		Escrow:     tx.Clone(),
	}
	if err := s.events.Publish(ctx, ev); err != nil {
		metrics.EventsPublishedTotal.WithLabelValues("error").Inc()
		s.logger.Warn("failed to publish escrow event", "escrow_id", tx.ID, "op", op, "error", err)
		return
	}
	metrics.EventsPublishedTotal.WithLabelValues("ok").Inc()
}

func (s *Service) observe(op Operation, res *Result, err error) {
	var result string
	switch {
	case err == nil && res != nil && res.Changed:
		result = "ok"
		metrics.EscrowsByStatusTotal.WithLabelValues(string(res.Tx.Status)).Inc()
	case err == nil:
		result = "noop"
	case errors.Is(err, ErrInvalidTransition):
		result = "invalid"
	default:
		result = "error"
	}
	metrics.EscrowTransitionsTotal.WithLabelValues(string(op), result).Inc()
}
