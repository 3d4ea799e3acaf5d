// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package metrics exposes Prometheus counters and gauges for the governor
// and auto-remove engines.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/qgov/internal/metrics/collector"
)

type Manager struct {
	registry          *prometheus.Registry
	GovernorCollector *collector.GovernorCollector
	RemovalCollector  *collector.RemovalCollector
}

func NewManager() *Manager {
	registry := prometheus.NewRegistry()

	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Manager{
		registry:          registry,
		GovernorCollector: collector.NewGovernorCollector(registry),
		RemovalCollector:  collector.NewRemovalCollector(registry),
	}

	log.Info().Msg("Metrics manager initialized")

	return m
}

func (m *Manager) GetRegistry() *prometheus.Registry {
	return m.registry
}
