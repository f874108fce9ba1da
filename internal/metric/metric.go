// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keywarden Contributors

// Package metric exposes keywarden's Prometheus instrumentation: store
// operation counters and latencies plus record-count gauges, all registered
// on a dedicated registry served at /metrics.
package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	wardenerr "github.com/keywarden-dev/keywarden/pkg/errors"
)

// NewRegistry creates the process registry with the standard Go runtime and
// process collectors attached.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// StoreMetrics instruments vault store activity. It satisfies the store's
// Observer contract.
type StoreMetrics struct {
	ops      *prometheus.CounterVec
	duration *prometheus.HistogramVec
	records  *prometheus.GaugeVec
}

// NewStoreMetrics creates and registers the store collectors.
func NewStoreMetrics(reg prometheus.Registerer) *StoreMetrics {
	m := &StoreMetrics{
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keywarden",
			Subsystem: "store",
			Name:      "operations_total",
			Help:      "Completed store operations by operation and outcome.",
		}, []string{"op", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "keywarden",
			Subsystem: "store",
			Name:      "operation_seconds",
			Help:      "Store operation latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		records: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "keywarden",
			Subsystem: "store",
			Name:      "records",
			Help:      "Number of secret records by state (active or deleted).",
		}, []string{"state"}),
	}
	reg.MustRegister(m.ops, m.duration, m.records)
	return m
}

// ObserveOp records one completed store operation.
func (m *StoreMetrics) ObserveOp(op string, err error, elapsed time.Duration) {
	m.ops.WithLabelValues(op, statusLabel(err)).Inc()
	m.duration.WithLabelValues(op).Observe(elapsed.Seconds())
}

// SetRecordCounts updates the record gauges.
func (m *StoreMetrics) SetRecordCounts(active, deleted int) {
	m.records.WithLabelValues("active").Set(float64(active))
	m.records.WithLabelValues("deleted").Set(float64(deleted))
}

func statusLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case wardenerr.IsNotFound(err):
		return "not_found"
	case wardenerr.IsConflict(err):
		return "conflict"
	case wardenerr.IsDuplicateKey(err):
		return "duplicate_key"
	case wardenerr.IsIllegalState(err):
		return "illegal_state"
	case wardenerr.IsInvalidInput(err):
		return "invalid_input"
	default:
		return "error"
	}
}
