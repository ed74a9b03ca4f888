// Package webhooks delivers escrow notifications and lifecycle events to
// user-registered HTTP endpoints.
//
// Users can register webhook URLs to receive:
// - Party notifications ("Payment secured", "Funds released", ...)
// - Escrow lifecycle events (escrow.release_funds, escrow.settle, ...)
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/safehold/internal/escrow"
	"github.com/mbd888/safehold/internal/idgen"
	"github.com/mbd888/safehold/internal/metrics"
	"github.com/mbd888/safehold/internal/retry"
	"github.com/mbd888/safehold/internal/security"
)

const (
	// SignatureHeader carries the hex HMAC-SHA256 of the request body.
	SignatureHeader = "X-Safehold-Signature"
	EventHeader     = "X-Safehold-Event"
	TimestampHeader = "X-Safehold-Timestamp"

	// Subscriptions are deactivated after this many failed deliveries in a row.
	maxConsecutiveFailures  = 10
	deliveryTimeout         = 10 * time.Second
	deliveryWindow          = 30 * time.Second
	defaultDeliveryAttempts = 3
	defaultDeliveryBackoff  = 500 * time.Millisecond
)

// ErrNotFound is returned when a subscription does not exist.
var ErrNotFound = errors.New("webhook subscription not found")

// EventType represents the type of webhook event
type EventType string

const (
	// EventNotification carries a party notification addressed to the subscriber.
	EventNotification EventType = "notification"

	EventEscrowInitiated       EventType = "escrow.initiate"
	EventEscrowPaymentLocked   EventType = "escrow.handle_payment_success"
	EventEscrowAcknowledged    EventType = "escrow.acknowledge_service"
	EventEscrowCompleted       EventType = "escrow.complete_service"
	EventEscrowConfirmed       EventType = "escrow.confirm_delivery"
	EventEscrowReleased        EventType = "escrow.release_funds"
	EventEscrowAutoReleased    EventType = "escrow.handle_auto_release_timeout"
	EventEscrowDisputed        EventType = "escrow.open_dispute"
	EventEscrowRefunded        EventType = "escrow.refund_buyer"
	EventEscrowDisputeReleased EventType = "escrow.resolve_dispute_release"
	EventEscrowCancelled       EventType = "escrow.cancel"
	EventEscrowSettled         EventType = "escrow.settle"
	EventEscrowPaymentStarted  EventType = "escrow.start_payment"
	EventEscrowSellerNotified  EventType = "escrow.notify_seller"
)

var knownEvents = map[EventType]bool{
	EventNotification:          true,
	EventEscrowInitiated:       true,
	EventEscrowPaymentLocked:   true,
	EventEscrowAcknowledged:    true,
	EventEscrowCompleted:       true,
	EventEscrowConfirmed:       true,
	EventEscrowReleased:        true,
	EventEscrowAutoReleased:    true,
	EventEscrowDisputed:        true,
	EventEscrowRefunded:        true,
	EventEscrowDisputeReleased: true,
	EventEscrowCancelled:       true,
	EventEscrowSettled:         true,
	EventEscrowPaymentStarted:  true,
	EventEscrowSellerNotified:  true,
}

// KnownEvent reports whether t is an event users can subscribe to.
func KnownEvent(t EventType) bool {
	return knownEvents[t]
}

// Event represents a webhook event
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscription represents a webhook subscription
type Subscription struct {
	ID                  string      `json:"id"`
	UserID              string      `json:"userId"`
	URL                 string      `json:"url"`
	Secret              string      `json:"-"` // Used for HMAC signing
	Events              []EventType `json:"events"`
	Active              bool        `json:"active"`
	CreatedAt           time.Time   `json:"createdAt"`
	LastSuccess         *time.Time  `json:"lastSuccess,omitempty"`
	LastError           string      `json:"lastError,omitempty"`
	ConsecutiveFailures int         `json:"consecutiveFailures"`
}

// Wants reports whether the subscription is active and subscribed to t.
func (s *Subscription) Wants(t EventType) bool {
	if !s.Active {
		return false
	}
	for _, et := range s.Events {
		if et == t {
			return true
		}
	}
	return false
}

// Store persists webhook subscriptions
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	ListByUser(ctx context.Context, userID string) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks a signature produced by Sign. A "sha256=" prefix is accepted.
func Verify(payload []byte, secret, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	signature = strings.TrimPrefix(signature, "sha256=")
	return hmac.Equal([]byte(Sign(payload, secret)), []byte(signature))
}

// Dispatcher sends webhook events. Deliveries run in the background and
// outlive the request that triggered them; Wait blocks until they finish.
type Dispatcher struct {
	store        Store
	client       *http.Client
	logger       *slog.Logger
	urlValidator func(string) error
	maxAttempts  int
	baseDelay    time.Duration
	wg           sync.WaitGroup
}

// NewDispatcher creates a new webhook dispatcher
func NewDispatcher(store Store, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:        store,
		client:       &http.Client{Timeout: deliveryTimeout},
		logger:       logger,
		urlValidator: security.ValidateEndpointURL,
		maxAttempts:  defaultDeliveryAttempts,
		baseDelay:    defaultDeliveryBackoff,
	}
}

// WithRetry sets how many times a delivery is attempted and the initial backoff.
func (d *Dispatcher) WithRetry(maxAttempts int, baseDelay time.Duration) *Dispatcher {
	d.maxAttempts = maxAttempts
	d.baseDelay = baseDelay
	return d
}

// Notify delivers a party notification to the recipient's webhooks. It
// satisfies escrow.Notifier.
func (d *Dispatcher) Notify(ctx context.Context, n escrow.Notification) error {
	return d.DispatchToUser(ctx, n.UserID, &Event{
		ID:        idgen.WithPrefix(idgen.PrefixEvent),
		Type:      EventNotification,
		Timestamp: time.Now().UTC(),
		Data: map[string]interface{}{
			"title":    n.Title,
			"body":     n.Body,
			"metadata": n.Metadata,
		},
	})
}

// DispatchToUser sends an event to every active subscription of userID that
// asked for its type.
func (d *Dispatcher) DispatchToUser(ctx context.Context, userID string, event *Event) error {
	subs, err := d.store.ListByUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to get subscriptions: %w", err)
	}

	for _, sub := range subs {
		if !sub.Wants(event.Type) {
			continue
		}
		d.wg.Add(1)
		go func(sub *Subscription) {
			defer d.wg.Done()
			// The triggering request may finish before delivery does.
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deliveryWindow)
			defer cancel()
			d.send(sctx, sub, event)
		}(sub)
	}
	return nil
}

// Wait blocks until in-flight deliveries complete.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) send(ctx context.Context, sub *Subscription, event *Event) {
	if err := d.urlValidator(sub.URL); err != nil {
		d.updateError(ctx, sub, fmt.Sprintf("blocked url: %v", err))
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		d.updateError(ctx, sub, "failed to marshal event")
		return
	}

	err = retry.Do(ctx, d.maxAttempts, d.baseDelay, func() error {
		return d.post(ctx, sub, event, payload)
	})
	if err != nil {
		d.updateError(ctx, sub, err.Error())
		return
	}
	d.updateSuccess(ctx, sub)
}

// post makes one delivery attempt. Client errors other than 429 are not retried.
func (d *Dispatcher) post(ctx context.Context, sub *Subscription, event *Event, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("failed to create request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(EventHeader, string(event.Type))
	req.Header.Set(TimestampHeader, fmt.Sprintf("%d", event.Timestamp.Unix()))
	if sub.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(payload, sub.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	default:
		return fmt.Errorf("status %d", resp.StatusCode)
	}
}

func (d *Dispatcher) updateSuccess(ctx context.Context, sub *Subscription) {
	metrics.WebhookDeliveriesTotal.WithLabelValues("success").Inc()
	now := time.Now().UTC()
	sub.LastSuccess = &now
	sub.LastError = ""
	sub.ConsecutiveFailures = 0
	if err := d.store.Update(ctx, sub); err != nil {
		d.logger.Warn("failed to record webhook success", "webhook_id", sub.ID, "error", err)
	}
}

func (d *Dispatcher) updateError(ctx context.Context, sub *Subscription, errMsg string) {
	metrics.WebhookDeliveriesTotal.WithLabelValues("failure").Inc()
	sub.LastError = errMsg
	sub.ConsecutiveFailures++
	if sub.ConsecutiveFailures >= maxConsecutiveFailures {
		sub.Active = false
		d.logger.Warn("webhook deactivated after repeated failures",
			"webhook_id", sub.ID, "user_id", sub.UserID, "failures", sub.ConsecutiveFailures)
	}
	if err := d.store.Update(ctx, sub); err != nil {
		d.logger.Warn("failed to record webhook failure", "webhook_id", sub.ID, "error", err)
	}
}

// MemoryStore is an in-memory implementation for demo mode and tests
type MemoryStore struct {
	subs map[string]*Subscription
	mu   sync.RWMutex
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs: make(map[string]*Subscription),
	}
}

func clone(sub *Subscription) *Subscription {
	c := *sub
	c.Events = append([]EventType(nil), sub.Events...)
	if sub.LastSuccess != nil {
		t := *sub.LastSuccess
		c.LastSuccess = &t
	}
	return &c
}

func (m *MemoryStore) Create(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = clone(sub)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sub, ok := m.subs[id]; ok {
		return clone(sub), nil
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID string) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Subscription
	for _, sub := range m.subs {
		if sub.UserID == userID {
			result = append(result, clone(sub))
		}
	}
	return result, nil
}

func (m *MemoryStore) Update(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[sub.ID]; !ok {
		return ErrNotFound
	}
	m.subs[sub.ID] = clone(sub)
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return ErrNotFound
	}
	delete(m.subs, id)
	return nil
}

var (
	_ Store           = (*MemoryStore)(nil)
	_ escrow.Notifier = (*Dispatcher)(nil)
)
