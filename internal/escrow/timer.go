package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer periodically sweeps for shipped transactions past their
// auto-release deadline and releases them.
type Timer struct {
	service  *Service
	store    Store
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates an auto-release timer.
func NewTimer(service *Service, store Store, logger *slog.Logger) *Timer {
	return &Timer{
		service:  service,
		store:    store,
		interval: time.Minute,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// WithInterval overrides the sweep interval.
func (t *Timer) WithInterval(d time.Duration) *Timer {
	if d > 0 {
		t.interval = d
	}
	return t
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in auto-release sweep", "panic", fmt.Sprint(r))
		}
	}()
	t.RunOnce(ctx)
}

// RunOnce performs a single sweep and returns how many transactions were
// released and how many attempts failed. Each candidate is handled
// independently; one failure never aborts the rest. Re-running on the same
// candidates is safe: a transaction released by the first pass is no
// longer shipped/held and the second pass rejects it with a conflict.
func (t *Timer) RunOnce(ctx context.Context) (released, failed int) {
	due, err := t.store.ListAutoReleasable(ctx, time.Now(), 100)
	if err != nil {
		t.logger.Warn("failed to list auto-releasable transactions", "error", err)
		return 0, 0
	}

	for _, txn := range due {
		if _, err := t.service.AutoRelease(ctx, txn.ID); err != nil {
			if errors.Is(err, ErrStatusConflict) || errors.Is(err, ErrReleaseNotDue) {
				// Another path got there first between the list and the release.
				continue
			}
			failed++
			t.logger.Warn("failed to auto-release transaction",
				"transactionId", txn.ID, "error", err)
			continue
		}
		released++
		t.logger.Info("auto-released transaction",
			"transactionId", txn.ID,
			"buyerId", txn.BuyerID,
			"sellerId", txn.SellerID,
			"amount", txn.Amount.String(),
		)
	}

	autoReleaseSweeps.Observe(float64(released))
	return released, failed
}
