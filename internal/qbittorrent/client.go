// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package qbittorrent wraps the go-qbittorrent client with per-instance
// pooling, health tracking and the handful of operations the engines need.
package qbittorrent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	qbt "github.com/autobrr/go-qbittorrent"
	"github.com/rs/zerolog/log"
)

type Client struct {
	*qbt.Client
	instanceID      int
	webAPIVersion   string
	lastHealthCheck time.Time
	isHealthy       bool
	mu              sync.RWMutex
}

func NewClient(instanceID int, instanceHost, username, password string, basicUsername, basicPassword *string) (*Client, error) {
	cfg := qbt.Config{
		Host:     instanceHost,
		Username: username,
		Password: password,
		Timeout:  30,
	}

	if basicUsername != nil && *basicUsername != "" {
		cfg.BasicUser = *basicUsername
		if basicPassword != nil {
			cfg.BasicPass = *basicPassword
		}
	}

	qbtClient := qbt.NewClient(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := qbtClient.LoginCtx(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to qBittorrent instance: %w", err)
	}

	webAPIVersion, err := qbtClient.GetWebAPIVersionCtx(ctx)
	if err != nil {
		webAPIVersion = ""
	}

	client := &Client{
		Client:          qbtClient,
		instanceID:      instanceID,
		webAPIVersion:   webAPIVersion,
		lastHealthCheck: time.Now(),
		isHealthy:       true,
	}

	log.Debug().
		Int("instanceID", instanceID).
		Str("host", instanceHost).
		Str("webAPIVersion", webAPIVersion).
		Msg("qBittorrent client created successfully")

	return client, nil
}

func (c *Client) GetInstanceID() int {
	return c.instanceID
}

func (c *Client) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isHealthy
}

// SupportsWebAPI reports whether the instance WebAPI version satisfies the
// given minimum (for example "2.11.4").
func (c *Client) SupportsWebAPI(minVersion string) bool {
	if c.webAPIVersion == "" {
		return false
	}
	v, err := semver.NewVersion(c.webAPIVersion)
	if err != nil {
		return false
	}
	minimum, err := semver.NewVersion(minVersion)
	if err != nil {
		return false
	}
	return !v.LessThan(minimum)
}

func (c *Client) HealthCheck(ctx context.Context) error {
	if _, err := c.GetWebAPIVersionCtx(ctx); err != nil {
		if loginErr := c.LoginCtx(ctx); loginErr != nil {
			c.setHealthy(false)
			return fmt.Errorf("health check failed: login error: %w", loginErr)
		}
		if _, err = c.GetWebAPIVersionCtx(ctx); err != nil {
			c.setHealthy(false)
			return fmt.Errorf("health check failed: api error: %w", err)
		}
	}

	c.setHealthy(true)
	return nil
}

func (c *Client) setHealthy(healthy bool) {
	c.mu.Lock()
	c.isHealthy = healthy
	c.lastHealthCheck = time.Now()
	c.mu.Unlock()
}

// Torrents returns the full torrent list for the instance.
func (c *Client) Torrents(ctx context.Context) ([]qbt.Torrent, error) {
	return c.GetTorrentsCtx(ctx, qbt.TorrentFilterOptions{})
}

// Properties returns the torrent properties, including the seconds until the
// next tracker announce.
func (c *Client) Properties(ctx context.Context, hash string) (qbt.TorrentProperties, error) {
	return c.GetTorrentPropertiesCtx(ctx, hash)
}

// SetUploadLimit applies an upload rate cap in bytes per second.
// A value of -1 removes the cap.
func (c *Client) SetUploadLimit(ctx context.Context, hash string, bytesPerSecond int64) error {
	return c.SetTorrentUploadLimitCtx(ctx, []string{hash}, bytesPerSecond)
}

// Reannounce forces a tracker announce for the torrent.
func (c *Client) Reannounce(ctx context.Context, hash string) error {
	return c.ReAnnounceTorrentsCtx(ctx, []string{hash})
}

// Delete removes the torrent, optionally with its data.
func (c *Client) Delete(ctx context.Context, hash string, deleteFiles bool) error {
	return c.DeleteTorrentsCtx(ctx, []string{hash}, deleteFiles)
}

// FreeSpace reads the free disk space reported in the maindata server state.
func (c *Client) FreeSpace(ctx context.Context) (int64, error) {
	data, err := c.SyncMainDataCtx(ctx, 0)
	if err != nil {
		return 0, err
	}
	return data.ServerState.FreeSpaceOnDisk, nil
}
