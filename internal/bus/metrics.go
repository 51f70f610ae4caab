// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Psyche Contributors

package bus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Reasons a message was dropped.
const (
	DropNoCallback        = "no_callback"
	DropTargetUnavailable = "target_unavailable"
	DropStaleOwner        = "stale_owner"
	DropPanic             = "panic"
	DropStopped           = "stopped"
	DropNoHandler         = "no_command_handler"
)

// MessagesTotal counts dispatched messages.
// Use RegisterMetrics to register this with a Prometheus registry.
var MessagesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "psyche_bus_messages_total",
		Help: "Total number of messages dispatched by the bus",
	},
	[]string{"type"},
)

// DroppedTotal counts messages the bus discarded.
// Use RegisterMetrics to register this with a Prometheus registry.
var DroppedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "psyche_bus_dropped_total",
		Help: "Total number of messages dropped by the bus",
	},
	[]string{"reason"},
)

// DispatchDuration observes how long each message took to dispatch.
// Use RegisterMetrics to register this with a Prometheus registry.
var DispatchDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "psyche_bus_dispatch_seconds",
		Help:    "Message dispatch duration in seconds",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"type"},
)

// RegisterMetrics registers bus metrics with the given Prometheus registry.
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(MessagesTotal)
	reg.MustRegister(DroppedTotal)
	reg.MustRegister(DispatchDuration)
}

func recordDispatch(msgType string, d time.Duration) {
	MessagesTotal.WithLabelValues(msgType).Inc()
	DispatchDuration.WithLabelValues(msgType).Observe(d.Seconds())
}

func recordDrop(reason string) {
	DroppedTotal.WithLabelValues(reason).Inc()
}
