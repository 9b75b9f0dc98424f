// Package metrics holds the Prometheus collectors of the lifecycle manager.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "risk_lifecycle"

// ExchangeRequestLatency - wall time of a single exchange REST call, including signing.
var ExchangeRequestLatency = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "exchange",
		Name:      "request_latency_ms",
		Help:      "Latency of exchange REST requests in milliseconds",
		Buckets:   []float64{25, 50, 100, 200, 300, 500, 1000, 2000, 5000},
	},
	[]string{"endpoint"},
)

// ExchangeRetries - transport-level retries by error kind.
var ExchangeRetries = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "exchange",
		Name:      "retries_total",
		Help:      "Exchange requests retried by the transport policy",
	},
	[]string{"kind"},
)

// ExchangeRepairs - single-shot parameter repairs (notional round-up, reduceOnly strip, clock resync).
var ExchangeRepairs = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "exchange",
		Name:      "repairs_total",
		Help:      "Order parameter repairs applied before a single resubmission",
	},
	[]string{"repair"},
)

// OrdersPlaced - protective and exit orders by kind and result.
var OrdersPlaced = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "lifecycle",
		Name:      "orders_total",
		Help:      "Orders submitted by the lifecycle manager",
	},
	[]string{"kind", "result"},
)

// Transitions - lifecycle transitions.
var Transitions = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "lifecycle",
		Name:      "transitions_total",
		Help:      "Lifecycle state transitions",
	},
	[]string{"from", "to"},
)

// OpenPositions - positions currently tracked by the store.
var OpenPositions = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "lifecycle",
		Name:      "tracked_positions",
		Help:      "Positions currently tracked in the position store",
	},
)

// DroppedEvents - lifecycle events dropped because the notification buffer was full.
var DroppedEvents = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "notify",
		Name:      "dropped_events_total",
		Help:      "Lifecycle events dropped by the dispatcher",
	},
)
