// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package sitehelper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/avast/retry-go"

	"github.com/autobrr/qgov/internal/models"
)

const (
	requestTimeout = 10 * time.Second
	maxAttempts    = 2
)

// httpHelper queries a site's JSON API. The endpoints follow the common
// NexusPHP-style API plugin layout: a hash lookup and a peer status call that
// reports seconds until the client's next scheduled announce.
type httpHelper struct {
	site    *models.Site
	baseURL *url.URL
	client  *http.Client
}

func newHTTPHelper(site *models.Site, proxy string) (*httpHelper, error) {
	base, err := url.Parse(strings.TrimRight(site.URL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid site url %q: %w", site.URL, err)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if proxy != "" {
		proxyURL, err := url.Parse(proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy url %q: %w", proxy, err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	return &httpHelper{
		site:    site,
		baseURL: base,
		client: &http.Client{
			Timeout:   requestTimeout,
			Transport: transport,
		},
	}, nil
}

func (h *httpHelper) Enabled() bool {
	return h.site.Cookie != ""
}

type searchResponse struct {
	TID int64 `json:"tid"`
}

type peerStatusResponse struct {
	NextAnnounce int64 `json:"next_announce"`
}

func (h *httpHelper) SearchTIDByHash(ctx context.Context, hash string) (*TorrentRef, error) {
	var out searchResponse
	endpoint := fmt.Sprintf("%s/api/torrent/search?hash=%s", h.baseURL, url.QueryEscape(strings.ToLower(hash)))

	if err := h.getJSON(ctx, endpoint, &out); err != nil {
		return nil, err
	}
	if out.TID <= 0 {
		return nil, errors.New("torrent not found on site")
	}

	return &TorrentRef{TID: out.TID, SiteID: h.site.ID}, nil
}

func (h *httpHelper) ReannounceTime(ctx context.Context, tid int64) (int64, error) {
	var out peerStatusResponse
	endpoint := fmt.Sprintf("%s/api/torrent/peerstatus?tid=%d", h.baseURL, tid)

	if err := h.getJSON(ctx, endpoint, &out); err != nil {
		return 0, err
	}

	return out.NextAnnounce, nil
}

func (h *httpHelper) getJSON(ctx context.Context, endpoint string, out any) error {
	return retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
			if err != nil {
				return err
			}
			req.Header.Set("Cookie", h.site.Cookie)
			req.Header.Set("Accept", "application/json")

			resp, err := h.client.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("site returned status %d", resp.StatusCode)
			}

			return json.NewDecoder(resp.Body).Decode(out)
		},
		retry.Attempts(maxAttempts),
		retry.Delay(500*time.Millisecond),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	)
}
