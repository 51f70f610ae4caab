// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Psyche Contributors

package plugin

import "github.com/prometheus/client_golang/prometheus"

// Registry operation outcomes.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// PluginsLoaded tracks the number of loaded plugins.
// Use RegisterMetrics to register this with a Prometheus registry.
var PluginsLoaded = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "psyche_registry_plugins_loaded",
		Help: "Number of plugins currently loaded",
	},
)

// RegistryOperations counts registry lifecycle operations.
// Use RegisterMetrics to register this with a Prometheus registry.
var RegistryOperations = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "psyche_registry_operations_total",
		Help: "Total number of plugin load and unload operations",
	},
	[]string{"op", "status"},
)

// RegisterMetrics registers registry metrics with the given Prometheus registry.
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(PluginsLoaded)
	reg.MustRegister(RegistryOperations)
}

func recordOperation(op string, err error) {
	status := StatusSuccess
	if err != nil {
		status = StatusError
	}
	RegistryOperations.WithLabelValues(op, status).Inc()
}
