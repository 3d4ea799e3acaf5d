// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package collector

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

type GovernorCollector struct {
	OracleQueryTotal   *prometheus.CounterVec
	LimitAppliedTotal  *prometheus.CounterVec
	CycleTotal         *prometheus.CounterVec
	TorrentsControlled *prometheus.GaugeVec
	StatesTracked      prometheus.Gauge
}

func NewGovernorCollector(r *prometheus.Registry) *GovernorCollector {
	m := &GovernorCollector{
		OracleQueryTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "qgov",
			Subsystem: "governor",
			Name:      "oracle_query_total",
			Help:      "Total reannounce countdown lookups by source",
		}, []string{"source"}),
		LimitAppliedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "qgov",
			Subsystem: "governor",
			Name:      "limit_applied_total",
			Help:      "Total upload limit changes sent to qBittorrent",
		}, []string{"instance_id"}),
		CycleTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "qgov",
			Subsystem: "governor",
			Name:      "cycle_total",
			Help:      "Total announce cycles observed per instance",
		}, []string{"instance_id"}),
		TorrentsControlled: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "qgov",
			Subsystem: "governor",
			Name:      "torrents_controlled",
			Help:      "Torrents currently under rate control per instance",
		}, []string{"instance_id"}),
		StatesTracked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "qgov",
			Subsystem: "governor",
			Name:      "states_tracked",
			Help:      "Per-torrent control states held in memory",
		}),
	}

	r.MustRegister(m.OracleQueryTotal)
	r.MustRegister(m.LimitAppliedTotal)
	r.MustRegister(m.CycleTotal)
	r.MustRegister(m.TorrentsControlled)
	r.MustRegister(m.StatesTracked)
	return m
}

func (m *GovernorCollector) GetOracleQueryTotal(source string) prometheus.Counter {
	return m.OracleQueryTotal.With(prometheus.Labels{"source": source})
}

func (m *GovernorCollector) GetLimitAppliedTotal(instanceID int) prometheus.Counter {
	return m.LimitAppliedTotal.With(prometheus.Labels{"instance_id": strconv.Itoa(instanceID)})
}

func (m *GovernorCollector) GetCycleTotal(instanceID int) prometheus.Counter {
	return m.CycleTotal.With(prometheus.Labels{"instance_id": strconv.Itoa(instanceID)})
}

func (m *GovernorCollector) GetTorrentsControlled(instanceID int) prometheus.Gauge {
	return m.TorrentsControlled.With(prometheus.Labels{"instance_id": strconv.Itoa(instanceID)})
}
