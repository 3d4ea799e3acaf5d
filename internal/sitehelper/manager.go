// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package sitehelper talks to private tracker web APIs to resolve torrent ids
// and read the seconds remaining until the next scheduled announce. It is an
// optional oracle: the governor falls back to the qBittorrent API when a site
// has no helper or the helper fails.
package sitehelper

import (
	"context"
	"net/url"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/autobrr/qgov/internal/models"
)

// TorrentRef identifies a torrent on the tracker side.
type TorrentRef struct {
	TID    int64
	SiteID int
}

// Helper answers tracker-side questions for one site.
type Helper interface {
	Enabled() bool
	SearchTIDByHash(ctx context.Context, hash string) (*TorrentRef, error)
	ReannounceTime(ctx context.Context, tid int64) (int64, error)
}

// Manager holds one helper per configured site and matches torrents to
// helpers by tracker URL.
type Manager struct {
	mu      sync.RWMutex
	helpers []*siteEntry
	proxy   string
}

type siteEntry struct {
	site   *models.Site
	host   string
	helper Helper
}

func NewManager() *Manager {
	return &Manager{}
}

// UpdateFromDB rebuilds the helper set from the current site configuration.
// Helpers require both a site URL and a session cookie; sites without either
// are skipped.
func (m *Manager) UpdateFromDB(sites []*models.Site, proxy string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if proxy != m.proxy {
		m.proxy = proxy
		m.helpers = nil
	}

	existing := make(map[int]*siteEntry, len(m.helpers))
	for _, entry := range m.helpers {
		existing[entry.site.ID] = entry
	}

	var rebuilt []*siteEntry
	for _, site := range sites {
		if strings.TrimSpace(site.URL) == "" || strings.TrimSpace(site.Cookie) == "" {
			continue
		}

		if prev, ok := existing[site.ID]; ok && prev.site.URL == site.URL && prev.site.Cookie == site.Cookie {
			rebuilt = append(rebuilt, prev)
			continue
		}

		helper, err := newHTTPHelper(site, proxy)
		if err != nil {
			log.Debug().Err(err).Int("siteID", site.ID).Msg("sitehelper: skipping site")
			continue
		}

		rebuilt = append(rebuilt, &siteEntry{
			site:   site,
			host:   hostOf(site.URL),
			helper: helper,
		})
	}

	m.helpers = rebuilt
}

// HelperByTracker returns the helper whose site matches the tracker URL by
// keyword or host substring, or nil when none matches.
func (m *Manager) HelperByTracker(trackerURL string) Helper {
	if trackerURL == "" {
		return nil
	}
	trackerLower := strings.ToLower(trackerURL)

	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, entry := range m.helpers {
		if keyword := strings.ToLower(entry.site.TrackerKeyword); keyword != "" && strings.Contains(trackerLower, keyword) {
			return entry.helper
		}
		if entry.host != "" && strings.Contains(trackerLower, entry.host) {
			return entry.helper
		}
	}

	return nil
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
