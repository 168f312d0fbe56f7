// Package metrics exposes the Prometheus collectors for both binaries.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Connection lifecycle
	ConnectionsCurrent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ratefeed_connections_current",
		Help: "Currently open WebSocket connections",
	})
	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ratefeed_connections_total",
		Help: "Total accepted WebSocket connections",
	})
	ConnectionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ratefeed_connections_rejected_total",
		Help: "Connections rejected at admission",
	}, []string{"reason"})

	// RPC traffic
	CommandsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ratefeed_commands_received_total",
		Help: "Valid RPC commands received, by action",
	}, []string{"action"})
	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ratefeed_messages_sent_total",
		Help: "Frames written to clients",
	})
	PointsStreamed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ratefeed_points_streamed_total",
		Help: "Live point envelopes delivered to clients",
	})

	// Ingestion
	IngestTicks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ratefeed_ingest_ticks_total",
		Help: "Completed ingestion ticks",
	})
	IngestPointsInserted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ratefeed_ingest_points_inserted_total",
		Help: "New points persisted by the ingestion workers",
	})
	UpstreamFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ratefeed_upstream_failures_total",
		Help: "Upstream fetch failures, by kind",
	}, []string{"kind"})
)

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
