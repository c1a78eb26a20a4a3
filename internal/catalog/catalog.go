// Package catalog tracks marketplace items and their sale availability.
//
// The escrow engine owns the status flips (active → pending → sold) that
// lock an item while a purchase is in flight; listing content itself is
// managed elsewhere.
package catalog

import (
	"context"
	"errors"
	"time"

	"github.com/babyresell/escrow-engine/internal/money"
)

var (
	ErrItemNotFound    = errors.New("catalog: item not found")
	ErrItemUnavailable = errors.New("catalog: item not available for purchase")
)

// Status is the sale availability of an item.
type Status string

const (
	StatusActive  Status = "active"  // Listed and purchasable
	StatusPending Status = "pending" // Locked by an in-flight transaction
	StatusSold    Status = "sold"    // Sale completed
)

// Item is the engine's view of a listing.
type Item struct {
	ID        string       `json:"id"`
	SellerID  string       `json:"sellerId"`
	Title     string       `json:"title"`
	Price     money.Amount `json:"price"`
	Currency  string       `json:"currency"`
	Status    Status       `json:"status"`
	CreatedAt time.Time    `json:"createdAt"`
	UpdatedAt time.Time    `json:"updatedAt"`
}

// Purchasable reports whether a buyer can start a transaction on the item.
func (i *Item) Purchasable() bool {
	return i.Status == StatusActive
}

// Store persists items. UpdateStatus is conditional: the write only happens
// if the current status is one of from, otherwise ErrItemUnavailable. That
// conditional write is what prevents two buyers locking the same item.
type Store interface {
	Create(ctx context.Context, item *Item) error
	Get(ctx context.Context, id string) (*Item, error)
	UpdateStatus(ctx context.Context, id string, from []Status, to Status) error
}

// Service exposes the catalog operations the escrow engine needs.
type Service struct {
	store Store
}

// NewService creates a catalog service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Create adds a listing to the catalog.
func (s *Service) Create(ctx context.Context, item *Item) error {
	return s.store.Create(ctx, item)
}

// GetForPurchase returns the item if it is still purchasable.
func (s *Service) GetForPurchase(ctx context.Context, id string) (*Item, error) {
	item, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !item.Purchasable() {
		return nil, ErrItemUnavailable
	}
	return item, nil
}

// Get returns the item regardless of status.
func (s *Service) Get(ctx context.Context, id string) (*Item, error) {
	return s.store.Get(ctx, id)
}

// MarkPending locks an active item for an in-flight transaction.
// Fails with ErrItemUnavailable if another transaction got there first.
func (s *Service) MarkPending(ctx context.Context, id string) error {
	return s.store.UpdateStatus(ctx, id, []Status{StatusActive}, StatusPending)
}

// MarkSold finalizes the sale of a locked item.
func (s *Service) MarkSold(ctx context.Context, id string) error {
	return s.store.UpdateStatus(ctx, id, []Status{StatusPending}, StatusSold)
}

// MarkAvailable releases a locked item back to the marketplace after a
// cancelled or refunded transaction.
func (s *Service) MarkAvailable(ctx context.Context, id string) error {
	return s.store.UpdateStatus(ctx, id, []Status{StatusPending, StatusSold}, StatusActive)
}
