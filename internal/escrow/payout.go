package escrow

import (
	"context"
	"errors"
	"time"

	"github.com/babyresell/escrow-engine/internal/gateway"
	"github.com/babyresell/escrow-engine/internal/logging"
	"github.com/babyresell/escrow-engine/internal/retry"
	"github.com/babyresell/escrow-engine/internal/traces"
)

// PayoutDispatcher moves the seller's share to their connected account
// once a transaction has completed.
type PayoutDispatcher struct {
	gw          gateway.PaymentGateway
	dir         SellerDirectory
	store       Store
	maxAttempts int
	baseDelay   time.Duration
}

// NewPayoutDispatcher creates a payout dispatcher.
func NewPayoutDispatcher(gw gateway.PaymentGateway, dir SellerDirectory, store Store) *PayoutDispatcher {
	return &PayoutDispatcher{
		gw:          gw,
		dir:         dir,
		store:       store,
		maxAttempts: 3,
		baseDelay:   500 * time.Millisecond,
	}
}

// Dispatch transfers the seller payout for a completed transaction.
//
// A seller without a payout-ready connected account is a skip, not an
// error: payoutStatus stays none and the completed purchase stands. A
// gateway failure after retries records payoutStatus=failed and is
// returned for alerting, but never unwinds the purchase.
func (d *PayoutDispatcher) Dispatch(ctx context.Context, txn *Transaction) error {
	ctx, span := traces.StartSpan(ctx, "escrow.payout.Dispatch",
		traces.TransactionID(txn.ID),
		traces.UserID(txn.SellerID),
		traces.Amount(int64(txn.SellerPayout)),
	)
	defer span.End()

	if txn.Status != StatusCompleted {
		return ErrStatusConflict
	}
	if txn.PayoutStatus == PayoutCompleted {
		return nil
	}

	seller, err := d.dir.Get(ctx, txn.SellerID)
	if err != nil || !seller.PayoutReady() {
		logging.L(ctx).Info("payout skipped, seller has no payout-ready account",
			"transactionId", txn.ID, "sellerId", txn.SellerID)
		return nil
	}

	// The dedupe key is derived from the transaction id so a retried call
	// cannot create a second transfer.
	dedupeKey := "payout_txn_" + txn.ID

	var result *gateway.TransferResult
	err = retry.Do(ctx, d.maxAttempts, d.baseDelay, func() error {
		var terr error
		result, terr = d.gw.Transfer(ctx, txn.SellerPayout, txn.Currency, seller.AccountID, dedupeKey, map[string]string{
			"transaction_id": txn.ID,
			"item_id":        txn.ItemID,
		})
		if terr != nil && !gateway.IsTransient(terr) {
			return retry.Permanent(terr)
		}
		return terr
	})

	payoutsAttempted.Inc()

	if err != nil {
		txn.PayoutStatus = PayoutFailed
		txn.PayoutFailure = err.Error()
		txn.UpdatedAt = time.Now()
		if uerr := d.store.Update(ctx, txn, []Status{StatusCompleted}); uerr != nil {
			err = errors.Join(err, uerr)
		}
		payoutsFailed.Inc()
		return err
	}

	txn.TransferID = result.ID
	txn.PayoutStatus = PayoutCompleted
	txn.PayoutFailure = ""
	txn.UpdatedAt = time.Now()
	if err := d.store.Update(ctx, txn, []Status{StatusCompleted}); err != nil {
		// The transfer went through; the record must catch up for audit.
		logging.L(ctx).Error("transfer succeeded but payout record update failed",
			"transactionId", txn.ID, "transferId", result.ID, "error", err)
		return err
	}

	logging.L(ctx).Info("payout dispatched",
		"transactionId", txn.ID, "sellerId", txn.SellerID,
		"transferId", result.ID, "amount", txn.SellerPayout.String())
	return nil
}
