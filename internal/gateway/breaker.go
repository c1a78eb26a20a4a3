package gateway

import (
	"context"

	"github.com/babyresell/escrow-engine/internal/circuitbreaker"
	"github.com/babyresell/escrow-engine/internal/money"
)

// ErrCircuitOpen is returned while the breaker is rejecting processor calls.
// It is transient: callers retry with the same idempotency key once the
// circuit recovers.
var ErrCircuitOpen = &Error{Code: "circuit_open", Message: "payment processor circuit open", Transient: true}

// BreakerGateway wraps a PaymentGateway with a per-operation circuit
// breaker. Only transient failures count against the circuit; a card
// decline says nothing about processor health.
type BreakerGateway struct {
	inner   PaymentGateway
	breaker *circuitbreaker.Breaker
}

// WithBreaker wraps gw with the given circuit breaker.
func WithBreaker(gw PaymentGateway, b *circuitbreaker.Breaker) *BreakerGateway {
	return &BreakerGateway{inner: gw, breaker: b}
}

func (g *BreakerGateway) call(key string, fn func() error) error {
	if !g.breaker.Allow(key) {
		return ErrCircuitOpen
	}
	err := fn()
	if err == nil {
		g.breaker.RecordSuccess(key)
		return nil
	}
	if IsTransient(err) {
		g.breaker.RecordFailure(key)
	} else {
		g.breaker.RecordSuccess(key)
	}
	return err
}

func (g *BreakerGateway) Authorize(ctx context.Context, amount money.Amount, currency string, metadata map[string]string) (*Intent, error) {
	var intent *Intent
	err := g.call("authorize", func() error {
		var ierr error
		intent, ierr = g.inner.Authorize(ctx, amount, currency, metadata)
		return ierr
	})
	return intent, err
}

func (g *BreakerGateway) RetrieveIntent(ctx context.Context, id string) (*Intent, error) {
	var intent *Intent
	err := g.call("retrieve", func() error {
		var ierr error
		intent, ierr = g.inner.RetrieveIntent(ctx, id)
		return ierr
	})
	return intent, err
}

func (g *BreakerGateway) Capture(ctx context.Context, id, idempotencyKey string) (*Intent, error) {
	var intent *Intent
	err := g.call("capture", func() error {
		var ierr error
		intent, ierr = g.inner.Capture(ctx, id, idempotencyKey)
		return ierr
	})
	return intent, err
}

func (g *BreakerGateway) CancelIntent(ctx context.Context, id string) error {
	return g.call("cancel", func() error {
		return g.inner.CancelIntent(ctx, id)
	})
}

func (g *BreakerGateway) Transfer(ctx context.Context, amount money.Amount, currency, destination, dedupeKey string, metadata map[string]string) (*TransferResult, error) {
	var result *TransferResult
	err := g.call("transfer", func() error {
		var terr error
		result, terr = g.inner.Transfer(ctx, amount, currency, destination, dedupeKey, metadata)
		return terr
	})
	return result, err
}

var _ PaymentGateway = (*BreakerGateway)(nil)
