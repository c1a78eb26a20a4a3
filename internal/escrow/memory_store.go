package escrow

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/babyresell/escrow-engine/internal/pagination"
)

// MemoryStore is an in-memory transaction store for demo/development mode.
type MemoryStore struct {
	txns map[string]*Transaction
	mu   sync.RWMutex
}

// NewMemoryStore creates a new in-memory transaction store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{txns: make(map[string]*Transaction)}
}

// clone deep-copies a transaction so callers never share the stored pointer.
func clone(t *Transaction) *Transaction {
	cp := *t
	if t.Dispute != nil {
		d := *t.Dispute
		cp.Dispute = &d
	}
	return &cp
}

func (m *MemoryStore) Create(ctx context.Context, txn *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.txns[txn.ID] = clone(txn)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	txn, ok := m.txns[id]
	if !ok {
		return nil, ErrTxnNotFound
	}
	return clone(txn), nil
}

func (m *MemoryStore) GetByPaymentIntent(ctx context.Context, intentID string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, txn := range m.txns {
		if txn.PaymentIntentID == intentID {
			return clone(txn), nil
		}
	}
	return nil, ErrTxnNotFound
}

func (m *MemoryStore) Update(ctx context.Context, txn *Transaction, expect []Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.txns[txn.ID]
	if !ok {
		return ErrTxnNotFound
	}

	matched := false
	for _, s := range expect {
		if current.Status == s {
			matched = true
			break
		}
	}
	if !matched {
		return ErrStatusConflict
	}

	m.txns[txn.ID] = clone(txn)
	return nil
}

func (m *MemoryStore) ListByParty(ctx context.Context, userID string, after *pagination.Cursor, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, txn := range m.txns {
		if txn.BuyerID != userID && txn.SellerID != userID {
			continue
		}
		if after != nil && !beforeCursor(txn, after) {
			continue
		}
		result = append(result, clone(txn))
	}

	// Newest first, ID as tiebreak so pagination is stable.
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})

	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// beforeCursor reports whether txn sorts strictly after the cursor position
// in the newest-first ordering.
func beforeCursor(txn *Transaction, c *pagination.Cursor) bool {
	if txn.CreatedAt.Equal(c.CreatedAt) {
		return txn.ID < c.ID
	}
	return txn.CreatedAt.Before(c.CreatedAt)
}

func (m *MemoryStore) ListAutoReleasable(ctx context.Context, before time.Time, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, txn := range m.txns {
		if txn.Status == StatusShipped && txn.EscrowStatus == EscrowHeld &&
			txn.AutoReleaseDate != nil && !txn.AutoReleaseDate.After(before) {
			result = append(result, clone(txn))
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
