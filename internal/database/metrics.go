// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package database

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	busyTotal        atomic.Uint64
	misuseTotal      atomic.Uint64
	leakedCloseTotal atomic.Uint64
)

func recordBusy() {
	busyTotal.Add(1)
}

func recordMisuse() {
	misuseTotal.Add(1)
}

func recordLeakedClose() {
	leakedCloseTotal.Add(1)
}

type MetricsCollector struct {
	busyDesc        *prometheus.Desc
	misuseDesc      *prometheus.Desc
	leakedCloseDesc *prometheus.Desc
}

func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		busyDesc: prometheus.NewDesc(
			"bengine_db_busy_total",
			"Number of engine calls that failed because the database was busy",
			nil,
			nil,
		),
		misuseDesc: prometheus.NewDesc(
			"bengine_db_misuse_total",
			"Number of engine calls rejected as misuse (indicates a bug)",
			nil,
			nil,
		),
		leakedCloseDesc: prometheus.NewDesc(
			"bengine_db_leaked_close_total",
			"Number of times a database was closed with statements still attached (indicates a bug)",
			nil,
			nil,
		),
	}
}

func (c *MetricsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.busyDesc
	ch <- c.misuseDesc
	ch <- c.leakedCloseDesc
}

func (c *MetricsCollector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.busyDesc, prometheus.CounterValue, float64(busyTotal.Load()))
	ch <- prometheus.MustNewConstMetric(c.misuseDesc, prometheus.CounterValue, float64(misuseTotal.Load()))
	ch <- prometheus.MustNewConstMetric(c.leakedCloseDesc, prometheus.CounterValue, float64(leakedCloseTotal.Load()))
}
