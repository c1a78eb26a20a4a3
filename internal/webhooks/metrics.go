package webhooks

import (
	"github.com/prometheus/client_golang/prometheus"
)

// eventsProcessed counts inbound gateway events by type and outcome
// (ok, replay, error).
var eventsProcessed = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "babyresell",
		Name:      "webhook_events_processed_total",
		Help:      "Inbound gateway webhook events by type and outcome.",
	},
	[]string{"type", "outcome"},
)

func init() {
	prometheus.MustRegister(eventsProcessed)
}
