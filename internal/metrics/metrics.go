// Package metrics exposes the engine's prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	MessagesPersisted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentstream_messages_persisted_total",
		Help: "Messages durably appended to the store.",
	})
	PersistFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentstream_persist_failures_total",
		Help: "Store writes that failed and were contained by the observer.",
	})
	EventsBroadcast = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentstream_events_broadcast_total",
		Help: "Events published through the fanout.",
	})
	DeliveriesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentstream_deliveries_dropped_total",
		Help: "Per-subscriber deliveries dropped because the subscriber was slow.",
	})
	GapsDetected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentstream_client_gaps_detected_total",
		Help: "Sequence gaps detected by client reconciliation.",
	})
	BackfillsRun = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentstream_client_backfills_total",
		Help: "Backfill fetches run to repair gaps.",
	})
	BackfillFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentstream_client_backfill_failures_total",
		Help: "Backfill fetches that failed.",
	})
	ActiveAgents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentstream_active_agents",
		Help: "Agents with a live process.",
	})
)

func Handler() http.Handler {
	return promhttp.Handler()
}
