// Package metrics exposes Prometheus collectors for the presence service.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/dkeye/Presence/internal/domain"
)

var (
	// Engine operations
	Operations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "presence_operations_total",
			Help: "Engine operations by name and outcome",
		},
		[]string{"op", "outcome"}, // outcome: "ok", "noop", "error"
	)

	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "presence_operation_duration_seconds",
			Help:    "Engine operation latency including store and transport calls",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"op"},
	)

	TransportFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "presence_transport_failures_total",
			Help: "Failed group add/discard calls",
		},
		[]string{"call"},
	)

	// Change events
	Events = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "presence_events_total",
			Help: "Membership change events delivered",
		},
		[]string{"kind"}, // "added", "removed", "bulk"
	)

	// Sweeps
	Pruned = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "presence_pruned_total",
			Help: "Rows removed by prune sweeps",
		},
		[]string{"what"}, // "memberships" or "rooms"
	)

	// Connections
	Connections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "presence_ws_connections",
			Help: "Open WebSocket connections",
		},
	)
)

// EventCounter counts delivered change events; register it on the notifier.
type EventCounter struct{}

func (EventCounter) OnChange(_ context.Context, ev domain.ChangeEvent) error {
	Events.WithLabelValues(ev.Kind()).Inc()
	return nil
}
