package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	stripe "github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/babyresell/escrow-engine/internal/money"
)

// StripeGateway implements PaymentGateway and WebhookVerifier against the
// Stripe API using manual-capture PaymentIntents and Connect transfers.
type StripeGateway struct {
	api           *client.API
	webhookSecret string
}

// NewStripeGateway creates a Stripe-backed gateway.
func NewStripeGateway(secretKey, webhookSecret string) *StripeGateway {
	api := &client.API{}
	api.Init(secretKey, nil)
	return &StripeGateway{api: api, webhookSecret: webhookSecret}
}

func (g *StripeGateway) Authorize(ctx context.Context, amount money.Amount, currency string, metadata map[string]string) (*Intent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(int64(amount)),
		Currency:      stripe.String(strings.ToLower(currency)),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
	}
	params.Context = ctx
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}

	pi, err := g.api.PaymentIntents.New(params)
	if err != nil {
		return nil, classify(err)
	}
	return fromStripeIntent(pi), nil
}

func (g *StripeGateway) RetrieveIntent(ctx context.Context, id string) (*Intent, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx

	pi, err := g.api.PaymentIntents.Get(id, params)
	if err != nil {
		return nil, classify(err)
	}
	return fromStripeIntent(pi), nil
}

func (g *StripeGateway) Capture(ctx context.Context, id, idempotencyKey string) (*Intent, error) {
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	if idempotencyKey != "" {
		params.SetIdempotencyKey(idempotencyKey)
	}

	pi, err := g.api.PaymentIntents.Capture(id, params)
	if err != nil {
		return nil, classify(err)
	}
	return fromStripeIntent(pi), nil
}

func (g *StripeGateway) CancelIntent(ctx context.Context, id string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx

	if _, err := g.api.PaymentIntents.Cancel(id, params); err != nil {
		return classify(err)
	}
	return nil
}

func (g *StripeGateway) Transfer(ctx context.Context, amount money.Amount, currency, destination, dedupeKey string, metadata map[string]string) (*TransferResult, error) {
	params := &stripe.TransferParams{
		Amount:      stripe.Int64(int64(amount)),
		Currency:    stripe.String(strings.ToLower(currency)),
		Destination: stripe.String(destination),
	}
	params.Context = ctx
	if dedupeKey != "" {
		params.SetIdempotencyKey(dedupeKey)
	}
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}

	tr, err := g.api.Transfers.New(params)
	if err != nil {
		return nil, classify(err)
	}
	return &TransferResult{
		ID:          tr.ID,
		Amount:      money.Amount(tr.Amount),
		Destination: destination,
	}, nil
}

// VerifyEvent checks the Stripe-Signature header against the webhook secret
// and parses the event into the engine's neutral shape.
func (g *StripeGateway) VerifyEvent(payload []byte, sigHeader string) (*Event, error) {
	ev, err := webhook.ConstructEvent(payload, sigHeader, g.webhookSecret)
	if err != nil {
		return nil, ErrBadSignature
	}
	return parseStripeEvent(&ev)
}

// parseStripeEvent maps a verified Stripe event onto the neutral Event type.
func parseStripeEvent(ev *stripe.Event) (*Event, error) {
	out := &Event{ID: ev.ID, Type: EventUnhandled}

	switch string(ev.Type) {
	case "payment_intent.amount_capturable_updated":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(ev.Data.Raw, &pi); err != nil {
			return nil, err
		}
		out.Type = EventPaymentAuthorized
		out.PaymentIntentID = pi.ID

	case "payment_intent.succeeded":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(ev.Data.Raw, &pi); err != nil {
			return nil, err
		}
		out.Type = EventPaymentSucceeded
		out.PaymentIntentID = pi.ID

	case "payment_intent.payment_failed":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(ev.Data.Raw, &pi); err != nil {
			return nil, err
		}
		out.Type = EventPaymentFailed
		out.PaymentIntentID = pi.ID
		if pi.LastPaymentError != nil {
			out.FailureMessage = pi.LastPaymentError.Msg
		}

	case "charge.dispute.created":
		var dp stripe.Dispute
		if err := json.Unmarshal(ev.Data.Raw, &dp); err != nil {
			return nil, err
		}
		out.Type = EventDisputeCreated
		out.DisputeID = dp.ID
		if dp.PaymentIntent != nil {
			out.PaymentIntentID = dp.PaymentIntent.ID
		}
		if dp.Charge != nil {
			out.ChargeID = dp.Charge.ID
		}

	case "account.updated":
		var acct stripe.Account
		if err := json.Unmarshal(ev.Data.Raw, &acct); err != nil {
			return nil, err
		}
		out.Type = EventAccountUpdated
		out.AccountID = acct.ID
		out.ChargesEnabled = acct.ChargesEnabled
		out.PayoutsEnabled = acct.PayoutsEnabled
		out.DetailsSubmitted = acct.DetailsSubmitted
	}

	return out, nil
}

func fromStripeIntent(pi *stripe.PaymentIntent) *Intent {
	return &Intent{
		ID:           pi.ID,
		ClientSecret: pi.ClientSecret,
		Amount:       money.Amount(pi.Amount),
		Currency:     strings.ToUpper(string(pi.Currency)),
		Status:       IntentStatus(pi.Status),
	}
}

// classify wraps a Stripe API error with a transient/permanent verdict.
// Processor 5xx and generic API errors may have succeeded server-side and
// are retryable under the same idempotency key; declines and bad requests
// are permanent. Raw network failures (no *stripe.Error at all) are
// transient: the call may never have reached the processor.
func classify(err error) error {
	var se *stripe.Error
	if errors.As(err, &se) {
		transient := se.HTTPStatusCode >= 500 || se.Type == stripe.ErrorTypeAPI
		return &Error{
			Code:      string(se.Code),
			Message:   se.Msg,
			Transient: transient,
			err:       err,
		}
	}
	return &Error{Code: "connection_error", Message: err.Error(), Transient: true, err: err}
}

var (
	_ PaymentGateway  = (*StripeGateway)(nil)
	_ WebhookVerifier = (*StripeGateway)(nil)
)
