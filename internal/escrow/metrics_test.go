package escrow

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.Counter.GetValue()
}

func TestMetrics_CompletionByReleaseKind(t *testing.T) {
	transactionsCompleted.Reset()

	f := newFixture(t)
	txn := f.createHeld(t)
	f.ship(t, txn)

	if _, err := f.service.ConfirmDelivery(context.Background(), txn.ID, "buyer_1"); err != nil {
		t.Fatalf("ConfirmDelivery: %v", err)
	}

	released, err := transactionsCompleted.GetMetricWithLabelValues(string(EscrowReleased))
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues: %v", err)
	}
	if got := counterValue(t, released); got != 1.0 {
		t.Errorf("completed{released} = %f, want 1", got)
	}

	auto, err := transactionsCompleted.GetMetricWithLabelValues(string(EscrowAutoReleased))
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues: %v", err)
	}
	if got := counterValue(t, auto); got != 0.0 {
		t.Errorf("completed{auto_released} = %f, want 0", got)
	}
}

func TestMetrics_Registered(t *testing.T) {
	// Vec metrics only gather once a child exists.
	transactionsCompleted.WithLabelValues(string(EscrowReleased))

	names := []string{
		"babyresell_escrow_transactions_created_total",
		"babyresell_escrow_transactions_completed_total",
		"babyresell_escrow_transactions_disputed_total",
		"babyresell_escrow_payouts_attempted_total",
		"babyresell_escrow_payouts_failed_total",
	}

	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	registered := make(map[string]bool, len(families))
	for _, fam := range families {
		registered[fam.GetName()] = true
	}

	for _, name := range names {
		if !registered[name] {
			t.Errorf("metric %s not registered", name)
		}
	}
}
