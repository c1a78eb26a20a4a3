// Package gateway abstracts the external payment processor.
//
// The engine only ever places manual-capture authorization holds, captures
// or voids them, and transfers seller payouts to connected accounts. Every
// capture and transfer carries an idempotency key so a retried network call
// cannot double-charge or double-pay.
package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/babyresell/escrow-engine/internal/money"
)

// IntentStatus mirrors the processor's payment-intent lifecycle.
type IntentStatus string

const (
	IntentRequiresPaymentMethod IntentStatus = "requires_payment_method"
	IntentRequiresConfirmation  IntentStatus = "requires_confirmation"
	IntentRequiresCapture       IntentStatus = "requires_capture"
	IntentProcessing            IntentStatus = "processing"
	IntentSucceeded             IntentStatus = "succeeded"
	IntentCanceled              IntentStatus = "canceled"
)

// Intent is an authorization hold on a buyer's payment instrument.
type Intent struct {
	ID           string       `json:"id"`
	ClientSecret string       `json:"clientSecret,omitempty"`
	Amount       money.Amount `json:"amount"`
	Currency     string       `json:"currency"`
	Status       IntentStatus `json:"status"`
}

// Capturable reports whether the hold can still be converted into a charge.
func (i *Intent) Capturable() bool {
	return i.Status == IntentRequiresCapture
}

// TransferResult is a completed payout transfer to a connected account.
type TransferResult struct {
	ID          string       `json:"id"`
	Amount      money.Amount `json:"amount"`
	Destination string       `json:"destination"`
}

// PaymentGateway is the processor contract consumed by the escrow engine.
type PaymentGateway interface {
	// Authorize places a manual-capture hold for amount and returns the
	// intent plus the client-side confirmation secret.
	Authorize(ctx context.Context, amount money.Amount, currency string, metadata map[string]string) (*Intent, error)

	// RetrieveIntent returns the current processor-side state of a hold.
	RetrieveIntent(ctx context.Context, id string) (*Intent, error)

	// Capture converts the hold into a charge. Captures against the same
	// intent with the same idempotency key are at-most-once-effective.
	Capture(ctx context.Context, id, idempotencyKey string) (*Intent, error)

	// CancelIntent voids an uncaptured hold.
	CancelIntent(ctx context.Context, id string) error

	// Transfer moves amount to a connected account. dedupeKey makes retried
	// calls safe against duplicate transfers.
	Transfer(ctx context.Context, amount money.Amount, currency, destination, dedupeKey string, metadata map[string]string) (*TransferResult, error)
}

// WebhookVerifier authenticates and parses inbound processor events.
type WebhookVerifier interface {
	// VerifyEvent checks the event signature against the shared secret and
	// parses the payload. An unverifiable event is rejected outright.
	VerifyEvent(payload []byte, sigHeader string) (*Event, error)
}

// EventType classifies inbound processor events the engine cares about.
type EventType string

const (
	// EventPaymentAuthorized: a hold became capturable. Informational only;
	// transaction state is driven by explicit creation, not this event.
	EventPaymentAuthorized EventType = "payment.authorized"
	// EventPaymentSucceeded: a capture settled. Informational.
	EventPaymentSucceeded EventType = "payment.succeeded"
	// EventPaymentFailed: an authorization or capture failed permanently.
	EventPaymentFailed EventType = "payment.failed"
	// EventDisputeCreated: the cardholder opened a chargeback.
	EventDisputeCreated EventType = "dispute.created"
	// EventAccountUpdated: a connected seller account's capabilities changed.
	EventAccountUpdated EventType = "account.updated"
	// EventUnhandled: anything else; acknowledged and ignored.
	EventUnhandled EventType = "unhandled"
)

// Event is a verified, parsed processor webhook event.
type Event struct {
	ID              string
	Type            EventType
	PaymentIntentID string
	ChargeID        string
	DisputeID       string
	FailureMessage  string

	// account.updated fields
	AccountID        string
	ChargesEnabled   bool
	PayoutsEnabled   bool
	DetailsSubmitted bool
}

// ErrBadSignature indicates the webhook payload failed signature verification.
var ErrBadSignature = errors.New("gateway: webhook signature verification failed")

// Error is a classified processor failure. Transient errors (timeouts,
// processor 5xx) are safe to retry with the same idempotency key; permanent
// errors (declines, invalid accounts) are not.
type Error struct {
	Code      string
	Message   string
	Transient bool
	err       error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("gateway: %s (%s)", e.Message, e.Code)
	}
	return "gateway: " + e.Code
}

func (e *Error) Unwrap() error { return e.err }

// IsTransient reports whether err is a retryable gateway failure.
func IsTransient(err error) bool {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Transient
	}
	return false
}
