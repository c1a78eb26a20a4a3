package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/babyresell/escrow-engine/internal/catalog"
	"github.com/babyresell/escrow-engine/internal/fees"
	"github.com/babyresell/escrow-engine/internal/gateway"
	"github.com/babyresell/escrow-engine/internal/idgen"
	"github.com/babyresell/escrow-engine/internal/logging"
	"github.com/babyresell/escrow-engine/internal/pagination"
	"github.com/babyresell/escrow-engine/internal/sellers"
	"github.com/babyresell/escrow-engine/internal/traces"
)

// DefaultAutoReleaseWindow is how long after shipping the buyer has to
// confirm or dispute before escrow auto-releases to the seller.
const DefaultAutoReleaseWindow = 72 * time.Hour

var (
	ErrSelfPurchase       = errors.New("escrow: buyer and seller cannot be the same user")
	ErrIntentNotHeld      = errors.New("escrow: payment intent is not in a capturable state")
	ErrAmountMismatch     = errors.New("escrow: payment intent amount does not match item price")
	ErrUnknownResolution  = errors.New("escrow: unknown dispute resolution")
	ErrReleaseNotDue      = errors.New("escrow: auto-release deadline has not passed")
	ErrBadCursor          = errors.New("escrow: malformed pagination cursor")
)

// ItemCatalog is the slice of the catalog the engine drives. Satisfied by
// *catalog.Service.
type ItemCatalog interface {
	GetForPurchase(ctx context.Context, itemID string) (*catalog.Item, error)
	MarkPending(ctx context.Context, itemID string) error
	MarkSold(ctx context.Context, itemID string) error
	MarkAvailable(ctx context.Context, itemID string) error
}

// SellerDirectory supplies fee tiers and connected-account state. Satisfied
// by *sellers.Service.
type SellerDirectory interface {
	Get(ctx context.Context, sellerID string) (*sellers.Seller, error)
	GetTier(ctx context.Context, sellerID string) fees.Tier
}

// Service implements the escrow state machine.
type Service struct {
	store   Store
	gw      gateway.PaymentGateway
	items   ItemCatalog
	dir     SellerDirectory
	payouts *PayoutDispatcher
	window  time.Duration
}

// NewService creates an escrow service. The payout dispatcher is optional;
// without one, completed transactions keep payoutStatus=none.
func NewService(store Store, gw gateway.PaymentGateway, items ItemCatalog, dir SellerDirectory) *Service {
	return &Service{
		store:  store,
		gw:     gw,
		items:  items,
		dir:    dir,
		window: DefaultAutoReleaseWindow,
	}
}

// WithPayouts attaches a payout dispatcher invoked on the release path.
func (s *Service) WithPayouts(d *PayoutDispatcher) *Service {
	s.payouts = d
	return s
}

// WithAutoReleaseWindow overrides the shipping grace window.
func (s *Service) WithAutoReleaseWindow(d time.Duration) *Service {
	if d > 0 {
		s.window = d
	}
	return s
}

// CreateIntent places a manual-capture hold for the item's price and
// returns the client-side confirmation secret plus the fee breakdown.
// Nothing is persisted; the transaction materializes in Create once the
// buyer has confirmed the hold.
func (s *Service) CreateIntent(ctx context.Context, buyerID string, req IntentRequest) (*IntentResponse, error) {
	item, err := s.items.GetForPurchase(ctx, req.ItemID)
	if err != nil {
		return nil, err
	}
	if item.SellerID == buyerID {
		return nil, ErrSelfPurchase
	}

	breakdown, err := fees.Calculate(item.Price, s.dir.GetTier(ctx, item.SellerID))
	if err != nil {
		return nil, err
	}

	intent, err := s.gw.Authorize(ctx, item.Price, item.Currency, map[string]string{
		"item_id":   item.ID,
		"buyer_id":  buyerID,
		"seller_id": item.SellerID,
	})
	if err != nil {
		return nil, fmt.Errorf("authorize hold: %w", err)
	}

	return &IntentResponse{
		PaymentIntentID: intent.ID,
		ClientSecret:    intent.ClientSecret,
		Amount:          item.Price,
		Currency:        item.Currency,
		PlatformFee:     breakdown.PlatformFee,
		GatewayFee:      breakdown.GatewayFee,
		SellerPayout:    breakdown.SellerPayout,
	}, nil
}

// Create materializes a transaction after the buyer confirmed the hold.
// It re-validates that the hold is still capturable and the item still
// purchasable, then locks the item and writes the transaction. If the item
// lock is lost the hold is voided as a compensating action.
func (s *Service) Create(ctx context.Context, buyerID string, req CreateRequest) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Create",
		traces.UserID(buyerID),
		traces.ItemID(req.ItemID),
		traces.PaymentIntentID(req.PaymentIntentID),
	)
	defer span.End()

	intent, err := s.gw.RetrieveIntent(ctx, req.PaymentIntentID)
	if err != nil {
		return nil, fmt.Errorf("retrieve intent: %w", err)
	}
	if !intent.Capturable() {
		return nil, ErrIntentNotHeld
	}

	item, err := s.items.GetForPurchase(ctx, req.ItemID)
	if err != nil {
		if errors.Is(err, catalog.ErrItemUnavailable) {
			s.voidIntent(ctx, req.PaymentIntentID)
		}
		return nil, err
	}
	if item.SellerID == buyerID {
		return nil, ErrSelfPurchase
	}
	if intent.Amount != item.Price {
		return nil, ErrAmountMismatch
	}

	breakdown, err := fees.Calculate(item.Price, s.dir.GetTier(ctx, item.SellerID))
	if err != nil {
		return nil, err
	}

	// Lock the item. Losing this race means another buyer got there first;
	// the hold is useless and must be voided.
	if err := s.items.MarkPending(ctx, item.ID); err != nil {
		if errors.Is(err, catalog.ErrItemUnavailable) {
			s.voidIntent(ctx, req.PaymentIntentID)
		}
		return nil, err
	}

	now := time.Now()
	txn := &Transaction{
		ID:                 idgen.WithPrefix("txn_"),
		BuyerID:            buyerID,
		SellerID:           item.SellerID,
		ItemID:             item.ID,
		Amount:             item.Price,
		Currency:           item.Currency,
		PlatformFeeBPS:     breakdown.PlatformFeeBPS,
		PlatformFee:        breakdown.PlatformFee,
		GatewayFee:         breakdown.GatewayFee,
		SellerPayout:       breakdown.SellerPayout,
		NetPlatformRevenue: breakdown.NetPlatformRevenue,
		PaymentIntentID:    req.PaymentIntentID,
		PayoutStatus:       PayoutNone,
		Status:             StatusPaymentHeld,
		EscrowStatus:       EscrowHeld,
		ShippingAddress:    req.ShippingAddress,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	if err := s.store.Create(ctx, txn); err != nil {
		// Unwind the item lock and the hold so neither side dangles.
		if uerr := s.items.MarkAvailable(ctx, item.ID); uerr != nil {
			logging.L(ctx).Error("failed to unlock item after store failure",
				"itemId", item.ID, "error", uerr)
		}
		s.voidIntent(ctx, req.PaymentIntentID)
		return nil, fmt.Errorf("create transaction record: %w", err)
	}

	transactionsCreated.Inc()
	return txn, nil
}

// MarkShipped records the seller's shipment and starts the auto-release
// clock. Only the seller may call; requires status payment_held.
func (s *Service) MarkShipped(ctx context.Context, id, actorID string, req ShipRequest) (*Transaction, error) {
	txn, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if actorID != txn.SellerID {
		return nil, ErrUnauthorized
	}
	if txn.Status != StatusPaymentHeld {
		return nil, ErrStatusConflict
	}

	now := time.Now()
	autoRelease := now.Add(s.window)
	txn.Status = StatusShipped
	txn.TrackingNumber = req.TrackingNumber
	txn.Carrier = req.Carrier
	txn.ShippedAt = &now
	txn.AutoReleaseDate = &autoRelease
	txn.UpdatedAt = now

	if err := s.store.Update(ctx, txn, []Status{StatusPaymentHeld}); err != nil {
		return nil, err
	}
	return txn, nil
}

// ConfirmDelivery captures the hold and releases escrow to the seller.
// Only the buyer may call; requires status shipped. On a gateway failure
// the transaction is left unchanged so the buyer can retry.
func (s *Service) ConfirmDelivery(ctx context.Context, id, actorID string) (*Transaction, error) {
	txn, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if actorID != txn.BuyerID {
		return nil, ErrUnauthorized
	}
	if txn.Status != StatusShipped {
		return nil, ErrStatusConflict
	}

	if err := s.release(ctx, txn, EscrowReleased); err != nil {
		return nil, err
	}
	return txn, nil
}

// AutoRelease is the sweep path: same capture-and-payout as ConfirmDelivery
// but only once the deadline has passed, and marked auto_released.
func (s *Service) AutoRelease(ctx context.Context, id string) (*Transaction, error) {
	txn, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if txn.Status != StatusShipped || txn.EscrowStatus != EscrowHeld {
		return nil, ErrStatusConflict
	}
	if txn.AutoReleaseDate == nil || time.Now().Before(*txn.AutoReleaseDate) {
		return nil, ErrReleaseNotDue
	}

	if err := s.release(ctx, txn, EscrowAutoReleased); err != nil {
		return nil, err
	}
	return txn, nil
}

// release captures the hold, then advances shipped → completed with a
// conditional write. The capture is idempotent per intent, so losing the
// status race after a successful capture cannot double-charge: whichever
// path won has already recorded the same capture.
func (s *Service) release(ctx context.Context, txn *Transaction, escrowStatus EscrowStatus) error {
	ctx, span := traces.StartSpan(ctx, "escrow.release",
		traces.TransactionID(txn.ID),
		traces.Amount(int64(txn.Amount)),
	)
	defer span.End()

	// Idempotency key is the intent itself: retries and racing paths
	// collapse into one charge.
	if _, err := s.gw.Capture(ctx, txn.PaymentIntentID, txn.PaymentIntentID); err != nil {
		return fmt.Errorf("capture: %w", err)
	}

	now := time.Now()
	txn.Status = StatusCompleted
	txn.EscrowStatus = escrowStatus
	txn.EscrowReleaseDate = &now
	txn.RatingEnabled = true
	txn.UpdatedAt = now

	if err := s.store.Update(ctx, txn, []Status{StatusShipped}); err != nil {
		if errors.Is(err, ErrStatusConflict) {
			// The hold is already captured but the row moved on, most
			// likely a dispute landing between the status check and the
			// capture. Resolution has to account for the charge.
			logging.L(ctx).Error("transaction status changed after capture",
				"transactionId", txn.ID, "intentId", txn.PaymentIntentID)
		}
		return err
	}

	transactionsCompleted.WithLabelValues(string(escrowStatus)).Inc()

	if err := s.items.MarkSold(ctx, txn.ItemID); err != nil {
		// The sale stands either way; the catalog catches up out of band.
		logging.L(ctx).Error("failed to mark item sold after release",
			"transactionId", txn.ID, "itemId", txn.ItemID, "error", err)
	}

	if s.payouts != nil {
		if err := s.payouts.Dispatch(ctx, txn); err != nil {
			// Operational alert, never a buyer-facing error.
			logging.L(ctx).Error("payout dispatch failed",
				"transactionId", txn.ID, "sellerId", txn.SellerID, "error", err)
		}
	}
	return nil
}

// OpenDispute freezes the transaction. Either party may call while the
// transaction is payment_held or shipped.
func (s *Service) OpenDispute(ctx context.Context, id, actorID string, req DisputeRequest) (*Transaction, error) {
	txn, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !txn.IsParty(actorID) {
		return nil, ErrUnauthorized
	}
	if txn.Status != StatusPaymentHeld && txn.Status != StatusShipped {
		return nil, ErrStatusConflict
	}

	now := time.Now()
	expect := []Status{txn.Status}
	txn.Status = StatusDisputed
	txn.Dispute = &Dispute{
		Reason:      req.Reason,
		Description: req.Description,
		OpenedBy:    actorID,
		OpenedAt:    now,
	}
	txn.UpdatedAt = now

	if err := s.store.Update(ctx, txn, expect); err != nil {
		return nil, err
	}
	transactionsDisputed.Inc()
	return txn, nil
}

// ApplyChargeback force-disputes a live transaction in response to a
// gateway chargeback event, recording the external dispute id. A no-op if
// the transaction already carries that dispute id (replayed event).
func (s *Service) ApplyChargeback(ctx context.Context, txn *Transaction, externalID string) error {
	if txn.Dispute != nil && txn.Dispute.ExternalID == externalID {
		return nil
	}
	if txn.IsTerminal() {
		return ErrStatusConflict
	}

	now := time.Now()
	expect := []Status{txn.Status}
	txn.Status = StatusDisputed
	if txn.Dispute == nil {
		txn.Dispute = &Dispute{
			Reason:   "chargeback",
			OpenedBy: txn.BuyerID,
			OpenedAt: now,
		}
	}
	txn.Dispute.ExternalID = externalID
	txn.UpdatedAt = now

	if err := s.store.Update(ctx, txn, expect); err != nil {
		return err
	}
	transactionsDisputed.Inc()
	return nil
}

// MarkFailed transitions a live transaction to failed after the gateway
// reported a permanent payment failure, and puts the item back on sale.
func (s *Service) MarkFailed(ctx context.Context, txn *Transaction, reason string) error {
	if txn.IsTerminal() {
		return ErrStatusConflict
	}

	expect := []Status{txn.Status}
	txn.Status = StatusFailed
	txn.UpdatedAt = time.Now()

	if err := s.store.Update(ctx, txn, expect); err != nil {
		return err
	}
	logging.L(ctx).Warn("transaction failed at gateway",
		"transactionId", txn.ID, "reason", reason)

	if err := s.items.MarkAvailable(ctx, txn.ItemID); err != nil && !errors.Is(err, catalog.ErrItemUnavailable) {
		logging.L(ctx).Error("failed to relist item after payment failure",
			"itemId", txn.ItemID, "error", err)
	}
	return nil
}

// Cancel voids an uncaptured transaction. Administrative only; requires
// status payment_held. The hold is cancelled and the item relisted.
func (s *Service) Cancel(ctx context.Context, id string) (*Transaction, error) {
	txn, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if txn.Status != StatusPaymentHeld {
		return nil, ErrStatusConflict
	}

	txn.Status = StatusCancelled
	txn.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, txn, []Status{StatusPaymentHeld}); err != nil {
		return nil, err
	}

	s.voidIntent(ctx, txn.PaymentIntentID)
	if err := s.items.MarkAvailable(ctx, txn.ItemID); err != nil {
		logging.L(ctx).Error("failed to relist item after cancel",
			"itemId", txn.ItemID, "error", err)
	}
	return txn, nil
}

// ResolveDispute records an admin's dispute outcome. Capture only happens
// on the release path, so a disputed transaction normally still holds an
// uncaptured intent: refund and cancel void it, release captures and pays
// out. A dispute that lands between a release's status check and its
// capture leaves a captured charge behind; release logs that case and the
// resolution must refund at the processor, not just void.
func (s *Service) ResolveDispute(ctx context.Context, id string, req ResolveRequest) (*Transaction, error) {
	txn, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if txn.Status != StatusDisputed {
		return nil, ErrStatusConflict
	}

	now := time.Now()
	switch req.Resolution {
	case ResolutionRelease:
		if _, err := s.gw.Capture(ctx, txn.PaymentIntentID, txn.PaymentIntentID); err != nil {
			return nil, fmt.Errorf("capture: %w", err)
		}
		txn.Status = StatusCompleted
		txn.EscrowStatus = EscrowReleased
		txn.EscrowReleaseDate = &now
		txn.RatingEnabled = true
		txn.UpdatedAt = now
		if err := s.store.Update(ctx, txn, []Status{StatusDisputed}); err != nil {
			return nil, err
		}
		transactionsCompleted.WithLabelValues(string(EscrowReleased)).Inc()
		if err := s.items.MarkSold(ctx, txn.ItemID); err != nil {
			logging.L(ctx).Error("failed to mark item sold after dispute release",
				"itemId", txn.ItemID, "error", err)
		}
		if s.payouts != nil {
			if err := s.payouts.Dispatch(ctx, txn); err != nil {
				logging.L(ctx).Error("payout dispatch failed after dispute release",
					"transactionId", txn.ID, "error", err)
			}
		}

	case ResolutionRefund, ResolutionCancel:
		s.voidIntent(ctx, txn.PaymentIntentID)
		if req.Resolution == ResolutionRefund {
			txn.Status = StatusRefunded
		} else {
			txn.Status = StatusCancelled
		}
		txn.UpdatedAt = now
		if err := s.store.Update(ctx, txn, []Status{StatusDisputed}); err != nil {
			return nil, err
		}
		if err := s.items.MarkAvailable(ctx, txn.ItemID); err != nil {
			logging.L(ctx).Error("failed to relist item after dispute resolution",
				"itemId", txn.ItemID, "error", err)
		}

	default:
		return nil, ErrUnknownResolution
	}

	return txn, nil
}

// Get returns a transaction by ID.
func (s *Service) Get(ctx context.Context, id string) (*Transaction, error) {
	return s.store.Get(ctx, id)
}

// ListByParty returns transactions where the user is buyer or seller,
// newest first. cursor is the opaque position returned by a previous page,
// empty for the first page. The second return value is the next cursor,
// empty when there are no more pages.
func (s *Service) ListByParty(ctx context.Context, userID, cursor string, limit int) ([]*Transaction, string, error) {
	if limit <= 0 {
		limit = 50
	}
	pos, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", ErrBadCursor
	}

	// Fetch one extra row to learn whether another page exists.
	txns, err := s.store.ListByParty(ctx, userID, pos, limit+1)
	if err != nil {
		return nil, "", err
	}

	txns, next, _ := pagination.ComputePage(txns, limit, func(t *Transaction) (time.Time, string) {
		return t.CreatedAt, t.ID
	})
	return txns, next, nil
}

// voidIntent cancels a hold best-effort. An uncancelled hold expires at
// the gateway on its own.
func (s *Service) voidIntent(ctx context.Context, intentID string) {
	if err := s.gw.CancelIntent(ctx, intentID); err != nil {
		logging.L(ctx).Warn("failed to void payment intent", "intentId", intentID, "error", err)
	}
}
