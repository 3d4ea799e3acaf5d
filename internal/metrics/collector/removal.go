// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package collector

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

type RemovalCollector struct {
	CheckRunTotal       *prometheus.CounterVec
	TorrentRemovedTotal *prometheus.CounterVec
	BytesFreedTotal     *prometheus.CounterVec
}

func NewRemovalCollector(r *prometheus.Registry) *RemovalCollector {
	m := &RemovalCollector{
		CheckRunTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "qgov",
			Subsystem: "autoremove",
			Name:      "check_run_total",
			Help:      "Total auto-remove check passes per instance",
		}, []string{"instance_id"}),
		TorrentRemovedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "qgov",
			Subsystem: "autoremove",
			Name:      "torrent_removed_total",
			Help:      "Total torrents deleted by rule",
		}, []string{"instance_id", "rule_id", "rule_name"}),
		BytesFreedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "qgov",
			Subsystem: "autoremove",
			Name:      "bytes_freed_total",
			Help:      "Total bytes of torrent content freed by deletions",
		}, []string{"instance_id"}),
	}

	r.MustRegister(m.CheckRunTotal)
	r.MustRegister(m.TorrentRemovedTotal)
	r.MustRegister(m.BytesFreedTotal)
	return m
}

func (m *RemovalCollector) GetCheckRunTotal(instanceID int) prometheus.Counter {
	return m.CheckRunTotal.With(prometheus.Labels{"instance_id": strconv.Itoa(instanceID)})
}

func (m *RemovalCollector) GetTorrentRemovedTotal(instanceID int, ruleID int, ruleName string) prometheus.Counter {
	return m.TorrentRemovedTotal.With(prometheus.Labels{
		"instance_id": strconv.Itoa(instanceID),
		"rule_id":     strconv.Itoa(ruleID),
		"rule_name":   ruleName,
	})
}

func (m *RemovalCollector) GetBytesFreedTotal(instanceID int) prometheus.Counter {
	return m.BytesFreedTotal.With(prometheus.Labels{"instance_id": strconv.Itoa(instanceID)})
}
