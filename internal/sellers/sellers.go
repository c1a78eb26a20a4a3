// Package sellers tracks marketplace sellers, their fee tier, and the
// state of their connected payout accounts at the payment processor.
package sellers

import (
	"context"
	"errors"
	"time"

	"github.com/babyresell/escrow-engine/internal/fees"
)

var (
	ErrSellerNotFound = errors.New("sellers: seller not found")
	ErrSellerExists   = errors.New("sellers: seller already registered")
)

// Seller is a marketplace seller eligible to receive payouts.
type Seller struct {
	ID               string    `json:"id"`
	Tier             fees.Tier `json:"tier"`
	AccountID        string    `json:"accountId"` // Connected account at the processor, empty if not onboarded
	ChargesEnabled   bool      `json:"chargesEnabled"`
	PayoutsEnabled   bool      `json:"payoutsEnabled"`
	DetailsSubmitted bool      `json:"detailsSubmitted"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// PayoutReady reports whether funds can be transferred to the seller's
// connected account right now.
func (s *Seller) PayoutReady() bool {
	return s.AccountID != "" && s.PayoutsEnabled
}

// Store persists sellers.
type Store interface {
	Create(ctx context.Context, seller *Seller) error
	Get(ctx context.Context, id string) (*Seller, error)
	GetByAccountID(ctx context.Context, accountID string) (*Seller, error)
	Update(ctx context.Context, seller *Seller) error
}

// Service exposes the seller directory operations the escrow engine needs.
type Service struct {
	store Store
}

// NewService creates a seller directory service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Register adds a seller to the directory. Unknown tiers fall back to
// standard so a bad row can never zero out platform fees.
func (s *Service) Register(ctx context.Context, id, accountID string, tier fees.Tier) (*Seller, error) {
	if tier != fees.TierPremium {
		tier = fees.TierStandard
	}
	now := time.Now()
	seller := &Seller{
		ID:        id,
		Tier:      tier,
		AccountID: accountID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Create(ctx, seller); err != nil {
		return nil, err
	}
	return seller, nil
}

// Get returns the seller by marketplace ID.
func (s *Service) Get(ctx context.Context, id string) (*Seller, error) {
	return s.store.Get(ctx, id)
}

// GetTier returns the seller's fee tier, defaulting to standard when the
// seller is unknown. Fee computation must never fail over a directory miss.
func (s *Service) GetTier(ctx context.Context, id string) fees.Tier {
	seller, err := s.store.Get(ctx, id)
	if err != nil {
		return fees.TierStandard
	}
	return seller.Tier
}

// UpdateCapabilities applies a processor account.updated notification to
// the seller owning that connected account.
func (s *Service) UpdateCapabilities(ctx context.Context, accountID string, charges, payouts, details bool) error {
	seller, err := s.store.GetByAccountID(ctx, accountID)
	if err != nil {
		return err
	}
	seller.ChargesEnabled = charges
	seller.PayoutsEnabled = payouts
	seller.DetailsSubmitted = details
	seller.UpdatedAt = time.Now()
	return s.store.Update(ctx, seller)
}
