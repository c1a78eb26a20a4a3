// Package webhooks reconciles asynchronous payment-gateway events with the
// escrow engine.
//
// Every inbound event is signature-verified before it is interpreted, then
// recorded in an event log so replayed deliveries short-circuit. Dispatch
// itself is also idempotent: each handler drives a check-then-write
// transition, so even a replay that slips past the log cannot
// double-transition a transaction.
package webhooks

import (
	"context"
	"errors"
	"time"

	"github.com/babyresell/escrow-engine/internal/escrow"
	"github.com/babyresell/escrow-engine/internal/gateway"
	"github.com/babyresell/escrow-engine/internal/logging"
)

// ErrEventSeen indicates the gateway already delivered this event.
var ErrEventSeen = errors.New("webhooks: event already processed")

// EventLog records processed gateway event IDs.
type EventLog interface {
	// Record inserts the event id, returning ErrEventSeen if it was
	// already there.
	Record(ctx context.Context, eventID string, eventType string, receivedAt time.Time) error
}

// SellerUpdater applies connected-account capability changes. Satisfied by
// *sellers.Service.
type SellerUpdater interface {
	UpdateCapabilities(ctx context.Context, accountID string, charges, payouts, details bool) error
}

// Reconciler interprets verified gateway events and keeps transactions
// consistent with what the processor reports out-of-band.
type Reconciler struct {
	verifier gateway.WebhookVerifier
	service  *escrow.Service
	store    escrow.Store
	sellers  SellerUpdater
	log      EventLog
}

// NewReconciler creates a webhook reconciler.
func NewReconciler(verifier gateway.WebhookVerifier, service *escrow.Service, store escrow.Store, sellers SellerUpdater, log EventLog) *Reconciler {
	return &Reconciler{
		verifier: verifier,
		service:  service,
		store:    store,
		sellers:  sellers,
		log:      log,
	}
}

// Process verifies and applies a raw webhook delivery. It returns
// gateway.ErrBadSignature for unverifiable payloads; those must be rejected
// at the HTTP boundary and never interpreted.
func (r *Reconciler) Process(ctx context.Context, payload []byte, sigHeader string) error {
	event, err := r.verifier.VerifyEvent(payload, sigHeader)
	if err != nil {
		return err
	}

	if err := r.log.Record(ctx, event.ID, string(event.Type), time.Now()); err != nil {
		if errors.Is(err, ErrEventSeen) {
			logging.L(ctx).Debug("replayed gateway event ignored", "eventId", event.ID)
			eventsProcessed.WithLabelValues(string(event.Type), "replay").Inc()
			return nil
		}
		return err
	}

	if err := r.apply(ctx, event); err != nil {
		eventsProcessed.WithLabelValues(string(event.Type), "error").Inc()
		return err
	}
	eventsProcessed.WithLabelValues(string(event.Type), "ok").Inc()
	return nil
}

func (r *Reconciler) apply(ctx context.Context, event *gateway.Event) error {
	switch event.Type {
	case gateway.EventPaymentAuthorized, gateway.EventPaymentSucceeded:
		// Informational: transaction state is driven by explicit creation
		// and capture, not by these events.
		logging.L(ctx).Info("gateway payment event",
			"eventId", event.ID, "type", event.Type, "intentId", event.PaymentIntentID)
		return nil

	case gateway.EventPaymentFailed:
		return r.applyPaymentFailed(ctx, event)

	case gateway.EventDisputeCreated:
		return r.applyDispute(ctx, event)

	case gateway.EventAccountUpdated:
		return r.sellers.UpdateCapabilities(ctx, event.AccountID,
			event.ChargesEnabled, event.PayoutsEnabled, event.DetailsSubmitted)

	default:
		logging.L(ctx).Debug("unhandled gateway event acknowledged",
			"eventId", event.ID)
		return nil
	}
}

func (r *Reconciler) applyPaymentFailed(ctx context.Context, event *gateway.Event) error {
	txn, err := r.store.GetByPaymentIntent(ctx, event.PaymentIntentID)
	if err != nil {
		if errors.Is(err, escrow.ErrTxnNotFound) {
			// A hold that never materialized into a transaction.
			logging.L(ctx).Info("payment failure for unknown intent",
				"eventId", event.ID, "intentId", event.PaymentIntentID)
			return nil
		}
		return err
	}
	if txn.IsTerminal() {
		return nil
	}

	if err := r.service.MarkFailed(ctx, txn, event.FailureMessage); err != nil {
		if errors.Is(err, escrow.ErrStatusConflict) {
			// Lost a race with another path; the record already moved on.
			return nil
		}
		return err
	}
	return nil
}

func (r *Reconciler) applyDispute(ctx context.Context, event *gateway.Event) error {
	txn, err := r.store.GetByPaymentIntent(ctx, event.PaymentIntentID)
	if err != nil {
		if errors.Is(err, escrow.ErrTxnNotFound) {
			logging.L(ctx).Warn("chargeback for unknown intent",
				"eventId", event.ID, "intentId", event.PaymentIntentID, "disputeId", event.DisputeID)
			return nil
		}
		return err
	}

	if err := r.service.ApplyChargeback(ctx, txn, event.DisputeID); err != nil {
		if errors.Is(err, escrow.ErrStatusConflict) {
			logging.L(ctx).Warn("chargeback on terminal transaction",
				"transactionId", txn.ID, "disputeId", event.DisputeID)
			return nil
		}
		return err
	}
	return nil
}
