package escrow

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/safehold/internal/pagination"
)

// MemoryStore is an in-memory escrow store for demo/development mode.
type MemoryStore struct {
	escrows map[string]*Transaction
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows: make(map[string]*Transaction),
	}
}

func (m *MemoryStore) Create(ctx context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.escrows[tx.ID]; exists {
		return ErrConcurrentModification
	}
	if m.paymentRefTaken(tx) {
		return ErrPaymentReferenceInUse
	}
	tx.Version = 1
	m.escrows[tx.ID] = tx.Clone()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tx, ok := m.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	// Callers mutate what they get back; never hand out the stored pointer.
	return tx.Clone(), nil
}

func (m *MemoryStore) Update(ctx context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.escrows[tx.ID]
	if !ok {
		return ErrEscrowNotFound
	}
	if stored.Version != tx.Version {
		return ErrConcurrentModification
	}
	if m.paymentRefTaken(tx) {
		return ErrPaymentReferenceInUse
	}
	tx.Version++
	m.escrows[tx.ID] = tx.Clone()
	return nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID string, after *pagination.Cursor, limit int) ([]*Transaction, error) {
	return m.list(limit, func(tx *Transaction) bool {
		return (tx.BuyerID == userID || tx.SellerID == userID) && after.Precedes(tx.CreatedAt, tx.ID)
	}), nil
}

func (m *MemoryStore) ListAutoReleasable(ctx context.Context, inactiveSince time.Time, limit int) ([]*Transaction, error) {
	return m.list(limit, func(tx *Transaction) bool {
		if tx.Status != StatusServiceInProgress && tx.Status != StatusDeliveryConfirmed {
			return false
		}
		return !tx.HasDispute() && tx.LastActivityAt().Before(inactiveSince)
	}), nil
}

// ListUnsettled orders by last attempt, never-attempted first, like the SQL store.
func (m *MemoryStore) ListUnsettled(ctx context.Context, maxAttempts, limit int) ([]*Transaction, error) {
	result := m.list(0, func(tx *Transaction) bool {
		return tx.IsTerminal() && tx.Unsettled() && (maxAttempts <= 0 || tx.Settlement.Attempts < maxAttempts)
	})
	sort.SliceStable(result, func(i, j int) bool {
		a, b := result[i].Settlement.LastAttemptAt, result[j].Settlement.LastAttemptAt
		if a == nil || b == nil {
			return a == nil && b != nil
		}
		return a.Before(*b)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListStale(ctx context.Context, createdBefore time.Time, limit int) ([]*Transaction, error) {
	return m.list(limit, func(tx *Transaction) bool {
		return (tx.Status == StatusInitiated || tx.Status == StatusPaymentPending) && tx.CreatedAt.Before(createdBefore)
	}), nil
}

// paymentRefTaken reports whether another record already holds tx's
// (provider, reference) pair. Caller holds m.mu.
func (m *MemoryStore) paymentRefTaken(tx *Transaction) bool {
	if tx.PaymentReference == "" {
		return false
	}
	for id, other := range m.escrows {
		if id != tx.ID && other.PaymentProvider == tx.PaymentProvider && other.PaymentReference == tx.PaymentReference {
			return true
		}
	}
	return false
}

// list returns clones of matching records ordered newest first.
func (m *MemoryStore) list(limit int, match func(*Transaction) bool) []*Transaction {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, tx := range m.escrows {
		if match(tx) {
			result = append(result, tx.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

var _ Store = (*MemoryStore)(nil)
