// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Psyche Contributors

package wire

import "github.com/prometheus/client_golang/prometheus"

// ConnectionsTotal counts accepted WebSocket connections.
// Use RegisterMetrics to register this with a Prometheus registry.
var ConnectionsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "psyche_wire_connections_total",
		Help: "Total number of accepted wire connections",
	},
)

// ConnectionsActive tracks open WebSocket connections.
var ConnectionsActive = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "psyche_wire_connections_active",
		Help: "Number of open wire connections",
	},
)

// FramesTotal counts frames by direction and kind.
var FramesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "psyche_wire_frames_total",
		Help: "Total number of wire frames by direction and kind",
	},
	[]string{"direction", "kind"},
)

// RegisterMetrics registers wire metrics with the given Prometheus registry.
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(ConnectionsTotal)
	reg.MustRegister(ConnectionsActive)
	reg.MustRegister(FramesTotal)
}

func recordFrame(direction, kind string) {
	FramesTotal.WithLabelValues(direction, kind).Inc()
}
