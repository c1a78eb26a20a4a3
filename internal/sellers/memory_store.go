package sellers

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory seller store for demo/development mode.
type MemoryStore struct {
	sellers map[string]*Seller
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory seller store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sellers: make(map[string]*Seller)}
}

func (m *MemoryStore) Create(ctx context.Context, seller *Seller) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sellers[seller.ID]; ok {
		return ErrSellerExists
	}
	cp := *seller
	m.sellers[seller.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Seller, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seller, ok := m.sellers[id]
	if !ok {
		return nil, ErrSellerNotFound
	}
	cp := *seller
	return &cp, nil
}

func (m *MemoryStore) GetByAccountID(ctx context.Context, accountID string) (*Seller, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, seller := range m.sellers {
		if seller.AccountID == accountID && accountID != "" {
			cp := *seller
			return &cp, nil
		}
	}
	return nil, ErrSellerNotFound
}

func (m *MemoryStore) Update(ctx context.Context, seller *Seller) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sellers[seller.ID]; !ok {
		return ErrSellerNotFound
	}
	cp := *seller
	m.sellers[seller.ID] = &cp
	return nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
