// Package cq — per-queue metrics, grounded on the prometheus usage pattern
// in network/metrics.go of the pack's estuary-flow repo (promauto-style
// constructors with a constant label set), adapted to per-instance
// registration since a process may open more than one named CQ.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package cq

import (
	"github.com/prometheus/client_golang/prometheus"
)

// metrics holds the gauges/counters for one CQ instance, labeled by the
// queue's name so multiple CQs in one process don't collide on collector
// registration.
type metrics struct {
	depth     prometheus.Gauge
	posted    prometheus.Counter
	shutdowns prometheus.Counter
}

func newMetrics(name string) *metrics {
	labels := prometheus.Labels{"queue": name}
	m := &metrics{
		depth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "cq_outstanding_reservations",
			Help:        "number of Reserve calls not yet matched by a Post on this completion queue",
			ConstLabels: labels,
		}),
		posted: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "cq_events_posted_total",
			Help:        "total number of events posted to this completion queue",
			ConstLabels: labels,
		}),
		shutdowns: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "cq_shutdowns_total",
			Help:        "total number of times Shutdown was called on this completion queue (idempotent, expected to be 0 or 1)",
			ConstLabels: labels,
		}),
	}
	// Best-effort registration: two CQs opened with the same name would
	// otherwise panic on the second Register, and queue metrics are
	// diagnostic, not load-bearing, so a duplicate is simply left
	// unregistered rather than failing New.
	for _, c := range []prometheus.Collector{m.depth, m.posted, m.shutdowns} {
		_ = prometheus.Register(c)
	}
	return m
}
