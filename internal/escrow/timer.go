package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/safehold/internal/metrics"
)

const (
	// DefaultTimerInterval is how often the timer sweeps.
	DefaultTimerInterval = 30 * time.Second

	timerBatchSize = 100

	// Automatic settlement retries back off exponentially from
	// settlementRetryBase up to settlementRetryMax and stop after
	// maxSettlementAttempts; the retry endpoint still works past the cap.
	settlementRetryBase   = 30 * time.Second
	settlementRetryMax    = time.Hour
	maxSettlementAttempts = 10
)

// Timer is the auto-release scheduler. Each sweep it releases inactive,
// undisputed escrows, retries unconfirmed settlements, and cancels unpaid
// escrows older than the payment timeout. The engine itself has no timers.
type Timer struct {
	service        *Service
	store          Store
	interval       time.Duration
	paymentTimeout time.Duration
	logger         *slog.Logger
	stop           chan struct{}
	running        atomic.Bool
	lastSweep      atomic.Int64
}

// NewTimer creates a new escrow timer.
func NewTimer(service *Service, store Store, logger *slog.Logger) *Timer {
	return &Timer{
		service:  service,
		store:    store,
		interval: DefaultTimerInterval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// WithInterval overrides the sweep interval.
func (t *Timer) WithInterval(d time.Duration) *Timer {
	if d > 0 {
		t.interval = d
	}
	return t
}

// WithPaymentTimeout enables cancellation of escrows still unpaid after d.
// Zero disables it.
func (t *Timer) WithPaymentTimeout(d time.Duration) *Timer {
	t.paymentTimeout = d
	return t
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// LastSweep returns when the last sweep finished, or the zero time.
func (t *Timer) LastSweep() time.Time {
	ns := t.lastSweep.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Start begins the sweep loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in escrow timer", "panic", fmt.Sprint(r))
		}
	}()
	t.Sweep(ctx)
}

// Sweep runs one pass of every timer duty.
func (t *Timer) Sweep(ctx context.Context) {
	now := t.service.clock.Now()

	t.releaseInactive(ctx, now)
	t.retrySettlements(ctx, now)
	if t.paymentTimeout > 0 {
		t.cancelStale(ctx, now)
	}

	t.lastSweep.Store(now.UnixNano())
	metrics.SchedulerLastRun.Set(float64(now.Unix()))
}

func (t *Timer) releaseInactive(ctx context.Context, now time.Time) {
	eligible, err := t.store.ListAutoReleasable(ctx, now.Add(-t.service.AutoReleaseAfter()), timerBatchSize)
	if err != nil {
		t.logger.Warn("failed to list auto-releasable escrows", "error", err)
		return
	}

	for _, tx := range eligible {
		released, err := t.service.HandleAutoReleaseTimeout(ctx, tx.ID)
		switch {
		case err == nil:
			t.logger.Info("auto-released escrow",
				"escrow_id", released.ID,
				"seller", released.SellerID,
				"amount", released.Amount.String(),
				"currency", released.Currency,
			)
		case errors.Is(err, ErrInvalidTransition):
			// Raced with a dispute or a buyer action since the listing.
			t.logger.Debug("skipping escrow no longer eligible for auto-release", "escrow_id", tx.ID, "error", err)
		default:
			t.logger.Warn("failed to auto-release escrow", "escrow_id", tx.ID, "error", err)
		}
	}
}

func (t *Timer) retrySettlements(ctx context.Context, now time.Time) {
	unsettled, err := t.store.ListUnsettled(ctx, maxSettlementAttempts, timerBatchSize)
	if err != nil {
		t.logger.Warn("failed to list unsettled escrows", "error", err)
		return
	}

	for _, tx := range unsettled {
		if !settlementRetryDue(tx.Settlement, now) {
			continue
		}
		if _, err := t.service.RetrySettlement(ctx, tx.ID); err != nil {
			t.logger.Warn("settlement retry failed",
				"escrow_id", tx.ID,
				"kind", tx.Settlement.Kind,
				"attempts", tx.Settlement.Attempts,
				"error", err,
			)
			if tx.Settlement.Attempts+1 >= maxSettlementAttempts {
				t.logger.Error("automatic settlement retries exhausted, manual retry required",
					"escrow_id", tx.ID, "kind", tx.Settlement.Kind, "attempt_key", tx.Settlement.AttemptKey)
			}
			continue
		}
		t.logger.Info("settlement retried", "escrow_id", tx.ID, "kind", tx.Settlement.Kind)
	}
}

// settlementRetryDue reports whether the backoff since the last attempt has
// elapsed. Never-attempted settlements are always due.
func settlementRetryDue(s *Settlement, now time.Time) bool {
	if s.LastAttemptAt == nil || s.Attempts == 0 {
		return true
	}
	wait := settlementRetryMax
	if shift := s.Attempts - 1; shift < 8 {
		wait = min(settlementRetryBase<<shift, settlementRetryMax)
	}
	return !now.Before(s.LastAttemptAt.Add(wait))
}

func (t *Timer) cancelStale(ctx context.Context, now time.Time) {
	stale, err := t.store.ListStale(ctx, now.Add(-t.paymentTimeout), timerBatchSize)
	if err != nil {
		t.logger.Warn("failed to list stale escrows", "error", err)
		return
	}

	for _, tx := range stale {
		if _, err := t.service.Cancel(ctx, tx.ID, "payment not received in time"); err != nil {
			if !errors.Is(err, ErrInvalidTransition) {
				t.logger.Warn("failed to cancel stale escrow", "escrow_id", tx.ID, "error", err)
			}
			continue
		}
		metrics.EscrowStaleCancelledTotal.Inc()
		t.logger.Info("cancelled unpaid escrow", "escrow_id", tx.ID, "created_at", tx.CreatedAt)
	}
}
