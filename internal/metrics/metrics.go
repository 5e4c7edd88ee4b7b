// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"

	"github.com/pbjgame/bengine/internal/bed"
	"github.com/pbjgame/bengine/internal/database"
	"github.com/pbjgame/bengine/internal/stmtcache"
)

type MetricsManager struct {
	registry       *prometheus.Registry
	cacheCollector *stmtcache.Collector
}

func NewMetricsManager() *MetricsManager {
	registry := prometheus.NewRegistry()

	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	cacheCollector := stmtcache.NewCollector()
	registry.MustRegister(cacheCollector)
	registry.MustRegister(database.NewMetricsCollector())

	log.Info().Msg("Metrics manager initialized with collectors")

	return &MetricsManager{
		registry:       registry,
		cacheCollector: cacheCollector,
	}
}

func (m *MetricsManager) GetRegistry() *prometheus.Registry {
	return m.registry
}

// TrackBed exports the statement cache of b under its name.
func (m *MetricsManager) TrackBed(b *bed.Bed) {
	m.cacheCollector.Add(b.Name(), b.Cache())
}

func (m *MetricsManager) UntrackBed(b *bed.Bed) {
	m.cacheCollector.Remove(b.Name())
}

// TrackedBeds returns the names of the beds being exported.
func (m *MetricsManager) TrackedBeds() []string {
	return m.cacheCollector.Names()
}
