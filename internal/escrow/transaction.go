// Package escrow implements the transaction escrow and payout lifecycle.
//
// Flow:
//  1. Buyer requests a payment intent → manual-capture hold placed at the gateway
//  2. Buyer confirms the hold client-side, then materializes the Transaction
//     (item locked, status payment_held)
//  3. Seller marks shipped → auto-release clock starts
//  4. Buyer confirms delivery OR the auto-release sweep fires → capture + payout
//  5. Dispute by either party freezes the transaction until an admin resolves it
package escrow

import (
	"context"
	"errors"
	"time"

	"github.com/babyresell/escrow-engine/internal/money"
	"github.com/babyresell/escrow-engine/internal/pagination"
)

var (
	ErrTxnNotFound    = errors.New("escrow: transaction not found")
	ErrStatusConflict = errors.New("escrow: transaction not in an allowed status for this operation")
	ErrUnauthorized   = errors.New("escrow: caller is not a party to this operation")
)

// Status is the lifecycle state of a transaction.
type Status string

const (
	StatusPending     Status = "pending"      // Intent created, not yet materialized
	StatusPaymentHeld Status = "payment_held" // Hold verified, item locked
	StatusShipped     Status = "shipped"      // Seller shipped, auto-release clock running
	StatusCompleted   Status = "completed"    // Captured and released to seller
	StatusDisputed    Status = "disputed"     // Frozen pending admin resolution
	StatusCancelled   Status = "cancelled"    // Voided before capture
	StatusRefunded    Status = "refunded"     // Dispute resolved in buyer's favor
	StatusFailed      Status = "failed"       // Gateway reported a permanent payment failure
)

// EscrowStatus tracks where the held funds stand.
type EscrowStatus string

const (
	EscrowHeld         EscrowStatus = "held"
	EscrowReleased     EscrowStatus = "released"
	EscrowAutoReleased EscrowStatus = "auto_released"
)

// PayoutStatus tracks the seller transfer.
type PayoutStatus string

const (
	PayoutNone      PayoutStatus = "none"
	PayoutCompleted PayoutStatus = "completed"
	PayoutFailed    PayoutStatus = "failed"
)

// allowedTransitions encodes the state graph. Every write checks the current
// persisted status against this table; anything else is ErrStatusConflict.
var allowedTransitions = map[Status][]Status{
	StatusPending:     {StatusPaymentHeld, StatusCancelled},
	StatusPaymentHeld: {StatusShipped, StatusDisputed, StatusCancelled, StatusFailed},
	StatusShipped:     {StatusCompleted, StatusDisputed, StatusFailed},
	StatusDisputed:    {StatusCompleted, StatusRefunded, StatusCancelled},
}

// CanTransition reports whether the state graph permits from → to.
func CanTransition(from, to Status) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Dispute is recorded when either party freezes the transaction.
type Dispute struct {
	Reason      string    `json:"reason"`
	Description string    `json:"description,omitempty"`
	OpenedBy    string    `json:"openedBy"`
	OpenedAt    time.Time `json:"openedAt"`
	ExternalID  string    `json:"externalId,omitempty"` // Gateway-side chargeback id, if any
}

// Transaction is the escrow aggregate root. Status, escrow bookkeeping, and
// money fields are mutated only through the Service and the webhook
// reconciler; nothing else writes them.
type Transaction struct {
	ID       string `json:"id"`
	BuyerID  string `json:"buyerId"`
	SellerID string `json:"sellerId"`
	ItemID   string `json:"itemId"`

	Amount             money.Amount `json:"amount"`
	Currency           string       `json:"currency"`
	PlatformFeeBPS     int          `json:"platformFeeBps"`
	PlatformFee        money.Amount `json:"platformFee"`
	GatewayFee         money.Amount `json:"gatewayFee"` // Display estimate, never reconciled
	SellerPayout       money.Amount `json:"sellerPayout"`
	NetPlatformRevenue money.Amount `json:"netPlatformRevenue"`

	PaymentIntentID string       `json:"paymentIntentId"`
	TransferID      string       `json:"transferId,omitempty"`
	PayoutStatus    PayoutStatus `json:"payoutStatus"`
	PayoutFailure   string       `json:"payoutFailure,omitempty"`

	Status            Status       `json:"status"`
	EscrowStatus      EscrowStatus `json:"escrowStatus"`
	EscrowReleaseDate *time.Time   `json:"escrowReleaseDate,omitempty"`
	AutoReleaseDate   *time.Time   `json:"autoReleaseDate,omitempty"`

	ShippingAddress string     `json:"shippingAddress,omitempty"`
	TrackingNumber  string     `json:"trackingNumber,omitempty"`
	Carrier         string     `json:"carrier,omitempty"`
	ShippedAt       *time.Time `json:"shippedAt,omitempty"`

	Dispute       *Dispute `json:"dispute,omitempty"`
	RatingEnabled bool     `json:"ratingEnabled"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// IsTerminal returns true if the transaction is in a final state.
func (t *Transaction) IsTerminal() bool {
	switch t.Status {
	case StatusCompleted, StatusCancelled, StatusRefunded, StatusFailed:
		return true
	}
	return false
}

// IsParty reports whether userID is the buyer or the seller.
func (t *Transaction) IsParty(userID string) bool {
	return userID == t.BuyerID || userID == t.SellerID
}

// Store persists transactions. Update is conditional: the write only happens
// if the persisted status is one of expect, otherwise ErrStatusConflict.
// That status-predicate write is the engine's compare-and-swap; it is what
// keeps confirm-delivery, the auto-release sweep, and webhooks from racing
// each other into a double capture.
type Store interface {
	Create(ctx context.Context, txn *Transaction) error
	Get(ctx context.Context, id string) (*Transaction, error)
	GetByPaymentIntent(ctx context.Context, intentID string) (*Transaction, error)
	Update(ctx context.Context, txn *Transaction, expect []Status) error
	// ListByParty returns the user's transactions newest first, strictly
	// after the cursor position when one is given.
	ListByParty(ctx context.Context, userID string, after *pagination.Cursor, limit int) ([]*Transaction, error)
	ListAutoReleasable(ctx context.Context, before time.Time, limit int) ([]*Transaction, error)
}

// nonTerminalStatuses is the expect-set for webhook-driven transitions that
// apply to any live transaction.
var nonTerminalStatuses = []Status{StatusPending, StatusPaymentHeld, StatusShipped, StatusDisputed}

// IntentRequest contains the parameters for creating a payment hold.
type IntentRequest struct {
	ItemID string `json:"itemId" binding:"required"`
}

// IntentResponse returns the hold reference, the client-side confirmation
// secret, and the fee breakdown the buyer will be charged under.
type IntentResponse struct {
	PaymentIntentID string       `json:"paymentIntentId"`
	ClientSecret    string       `json:"clientSecret"`
	Amount          money.Amount `json:"amount"`
	Currency        string       `json:"currency"`
	PlatformFee     money.Amount `json:"platformFee"`
	GatewayFee      money.Amount `json:"gatewayFee"`
	SellerPayout    money.Amount `json:"sellerPayout"`
}

// CreateRequest contains the parameters for materializing a transaction
// after the buyer confirmed the hold client-side.
type CreateRequest struct {
	ItemID          string `json:"itemId" binding:"required"`
	PaymentIntentID string `json:"paymentIntentId" binding:"required"`
	ShippingAddress string `json:"shippingAddress"`
}

// ShipRequest contains the seller's tracking info.
type ShipRequest struct {
	TrackingNumber string `json:"trackingNumber" binding:"required"`
	Carrier        string `json:"carrier"`
}

// DisputeRequest contains the parameters for opening a dispute.
type DisputeRequest struct {
	Reason      string `json:"reason" binding:"required"`
	Description string `json:"description"`
}

// Resolution outcomes an admin can record on a disputed transaction.
const (
	ResolutionRelease = "release" // Seller wins: capture and pay out
	ResolutionRefund  = "refund"  // Buyer wins: void the hold
	ResolutionCancel  = "cancel"  // Voided without a winner
)

// ResolveRequest contains an admin's dispute resolution.
type ResolveRequest struct {
	Resolution string `json:"resolution" binding:"required"`
	Note       string `json:"note"`
}
