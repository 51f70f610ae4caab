// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Psyche Contributors

package bridge

import "github.com/prometheus/client_golang/prometheus"

// Task modes and outcomes used as metric labels.
const (
	ModeSync     = "sync"
	ModeDeferred = "deferred"

	StatusSuccess = "success"
	StatusError   = "error"
	StatusYield   = "yield"
	StatusDropped = "dropped"
)

// TasksTotal counts tasks executed by the scheduler.
// Use RegisterMetrics to register this with a Prometheus registry.
var TasksTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "psyche_bridge_tasks_total",
		Help: "Total number of tasks run on the scheduler thread",
	},
	[]string{"mode", "status"},
)

// RegisterMetrics registers bridge metrics with the given Prometheus registry.
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(TasksTotal)
}

func recordTask(mode, status string) {
	TasksTotal.WithLabelValues(mode, status).Inc()
}
