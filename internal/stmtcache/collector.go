// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package stmtcache

import (
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector exports the state of a set of named caches to Prometheus. Each
// series carries a "bed" label with the name the cache was added under.
type Collector struct {
	mu     sync.RWMutex
	caches map[string]*Cache

	sizeDesc            *prometheus.Desc
	heldDesc            *prometheus.Desc
	capacityDesc        *prometheus.Desc
	hitsDesc            *prometheus.Desc
	missesDesc          *prometheus.Desc
	evictionsDesc       *prometheus.Desc
	compileFailuresDesc *prometheus.Desc
}

func NewCollector() *Collector {
	labels := []string{"bed"}
	return &Collector{
		caches: make(map[string]*Cache),
		sizeDesc: prometheus.NewDesc(
			"bengine_stmtcache_size",
			"Number of compiled statements in the cache",
			labels, nil,
		),
		heldDesc: prometheus.NewDesc(
			"bengine_stmtcache_held",
			"Number of cached statements currently held",
			labels, nil,
		),
		capacityDesc: prometheus.NewDesc(
			"bengine_stmtcache_capacity",
			"Configured statement cache capacity",
			labels, nil,
		),
		hitsDesc: prometheus.NewDesc(
			"bengine_stmtcache_hits_total",
			"Holds served by an idle cached statement",
			labels, nil,
		),
		missesDesc: prometheus.NewDesc(
			"bengine_stmtcache_misses_total",
			"Holds that compiled a new statement",
			labels, nil,
		),
		evictionsDesc: prometheus.NewDesc(
			"bengine_stmtcache_evictions_total",
			"Idle statements finalized to stay within capacity",
			labels, nil,
		),
		compileFailuresDesc: prometheus.NewDesc(
			"bengine_stmtcache_compile_failures_total",
			"Holds that failed to compile their query",
			labels, nil,
		),
	}
}

// Add starts exporting c under name, replacing any cache already using it.
func (col *Collector) Add(name string, c *Cache) {
	col.mu.Lock()
	col.caches[name] = c
	col.mu.Unlock()
}

func (col *Collector) Remove(name string) {
	col.mu.Lock()
	delete(col.caches, name)
	col.mu.Unlock()
}

// Names returns the names of the exported caches in order.
func (col *Collector) Names() []string {
	col.mu.RLock()
	defer col.mu.RUnlock()
	names := make([]string, 0, len(col.caches))
	for name := range col.caches {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (col *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- col.sizeDesc
	ch <- col.heldDesc
	ch <- col.capacityDesc
	ch <- col.hitsDesc
	ch <- col.missesDesc
	ch <- col.evictionsDesc
	ch <- col.compileFailuresDesc
}

func (col *Collector) Collect(ch chan<- prometheus.Metric) {
	col.mu.RLock()
	defer col.mu.RUnlock()

	for name, c := range col.caches {
		c.mu.Lock()
		size, held, capacity, stats := c.size, c.heldSize, c.capacity, c.stats
		c.mu.Unlock()

		ch <- prometheus.MustNewConstMetric(col.sizeDesc, prometheus.GaugeValue, float64(size), name)
		ch <- prometheus.MustNewConstMetric(col.heldDesc, prometheus.GaugeValue, float64(held), name)
		ch <- prometheus.MustNewConstMetric(col.capacityDesc, prometheus.GaugeValue, float64(capacity), name)
		ch <- prometheus.MustNewConstMetric(col.hitsDesc, prometheus.CounterValue, float64(stats.Hits), name)
		ch <- prometheus.MustNewConstMetric(col.missesDesc, prometheus.CounterValue, float64(stats.Misses), name)
		ch <- prometheus.MustNewConstMetric(col.evictionsDesc, prometheus.CounterValue, float64(stats.Evictions), name)
		ch <- prometheus.MustNewConstMetric(col.compileFailuresDesc, prometheus.CounterValue, float64(stats.CompileFailures), name)
	}
}
