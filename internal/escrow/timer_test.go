package escrow

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/babyresell/escrow-engine/internal/catalog"
	"github.com/babyresell/escrow-engine/internal/gateway"
	"github.com/babyresell/escrow-engine/internal/money"
)

func backdate(t *testing.T, f *fixture, txn *Transaction) {
	t.Helper()
	stored, err := f.store.Get(context.Background(), txn.ID)
	if err != nil {
		t.Fatalf("get for backdate: %v", err)
	}
	past := time.Now().Add(-time.Minute)
	stored.AutoReleaseDate = &past
	if err := f.store.Update(context.Background(), stored, []Status{StatusShipped}); err != nil {
		t.Fatalf("backdate: %v", err)
	}
}

func TestRunOnce_ReleasesOverdue(t *testing.T) {
	f := newFixture(t)
	txn := f.createHeld(t)
	f.ship(t, txn)
	backdate(t, f, txn)

	timer := NewTimer(f.service, f.store, slog.Default())
	released, failed := timer.RunOnce(context.Background())
	if released != 1 || failed != 0 {
		t.Fatalf("released/failed = %d/%d, want 1/0", released, failed)
	}

	stored, _ := f.store.Get(context.Background(), txn.ID)
	if stored.Status != StatusCompleted || stored.EscrowStatus != EscrowAutoReleased {
		t.Errorf("state = %s/%s, want completed/auto_released", stored.Status, stored.EscrowStatus)
	}
}

func TestRunOnce_Reentrant(t *testing.T) {
	f := newFixture(t)
	txn := f.createHeld(t)
	f.ship(t, txn)
	backdate(t, f, txn)

	timer := NewTimer(f.service, f.store, slog.Default())
	timer.RunOnce(context.Background())

	released, failed := timer.RunOnce(context.Background())
	if released != 0 || failed != 0 {
		t.Errorf("second sweep released/failed = %d/%d, want 0/0", released, failed)
	}
	if len(f.gw.captureKeys) != 1 {
		t.Errorf("captures = %d, want 1", len(f.gw.captureKeys))
	}
}

func TestRunOnce_ContinuesPastFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Two overdue shipped transactions on separate items.
	txn1 := f.createHeld(t)
	f.ship(t, txn1)
	backdate(t, f, txn1)

	seedSecondItem(t, f)
	intent, err := f.service.CreateIntent(ctx, "buyer_2", IntentRequest{ItemID: "item_2"})
	if err != nil {
		t.Fatalf("CreateIntent: %v", err)
	}
	txn2, err := f.service.Create(ctx, "buyer_2", CreateRequest{ItemID: "item_2", PaymentIntentID: intent.PaymentIntentID})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := f.service.MarkShipped(ctx, txn2.ID, "seller_1", ShipRequest{TrackingNumber: "1Z2"}); err != nil {
		t.Fatalf("MarkShipped: %v", err)
	}
	backdate(t, f, txn2)

	// First capture in the sweep fails; the second must still go through.
	f.gw.mu.Lock()
	f.gw.captureErrs = []error{
		&gateway.Error{Code: "api_error", Message: "processor 500", Transient: true},
	}
	f.gw.mu.Unlock()

	timer := NewTimer(f.service, f.store, slog.Default())
	released, failed := timer.RunOnce(ctx)
	if released != 1 || failed != 1 {
		t.Errorf("released/failed = %d/%d, want 1/1", released, failed)
	}
}

func TestTimer_StartStop(t *testing.T) {
	f := newFixture(t)
	timer := NewTimer(f.service, f.store, slog.Default())
	timer.interval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go timer.Start(ctx)
	time.Sleep(30 * time.Millisecond)
	if !timer.Running() {
		t.Fatal("timer should be running")
	}

	timer.Stop()
	time.Sleep(30 * time.Millisecond)
	if timer.Running() {
		t.Error("timer should have stopped")
	}
}

func seedSecondItem(t *testing.T, f *fixture) {
	t.Helper()
	now := time.Now()
	err := f.itemsDB.Create(context.Background(), &catalog.Item{
		ID:        "item_2",
		SellerID:  "seller_1",
		Title:     "Play mat",
		Price:     money.Amount(5000),
		Currency:  "USD",
		Status:    catalog.StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("seed item_2: %v", err)
	}
}
