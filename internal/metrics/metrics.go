// Package metrics provides Prometheus instrumentation for the chat client:
// credential refresh exchanges, live channel traffic and snapshot fetches.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RefreshExchanges counts refresh token exchanges, labeled by result:
	// "ok" or "failed".
	RefreshExchanges = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatcampus_refresh_exchanges_total",
		Help: "Total number of refresh token exchanges",
	}, []string{"result"})

	// LiveEvents counts inbound live channel events, labeled by outcome:
	// "applied", "ignored" or "dropped" (arrived after teardown).
	LiveEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatcampus_live_events_total",
		Help: "Total number of live channel events received",
	}, []string{"type", "outcome"})

	// LiveReconnects counts reconnect attempts of the live channel.
	LiveReconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatcampus_live_reconnects_total",
		Help: "Total number of live channel reconnect attempts",
	})

	// OpenChannels tracks live channels currently in the open state.
	OpenChannels = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatcampus_live_open_channels",
		Help: "Current number of open live channels",
	})

	// SnapshotFetches counts room snapshot fetches, labeled by result.
	SnapshotFetches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatcampus_snapshot_fetches_total",
		Help: "Total number of room snapshot fetches",
	}, []string{"result"})

	// SnapshotFetchLatency records room snapshot fetch latency in seconds.
	SnapshotFetchLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chatcampus_snapshot_fetch_latency_seconds",
		Help:    "Room snapshot fetch latency in seconds",
		Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	})
)

func init() {
	prometheus.MustRegister(
		RefreshExchanges,
		LiveEvents,
		LiveReconnects,
		OpenChannels,
		SnapshotFetches,
		SnapshotFetchLatency,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
