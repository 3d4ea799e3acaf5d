// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package qbittorrent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/autobrr/qgov/internal/models"
)

const (
	healthCheckInterval = 30 * time.Second
	shortBackoff        = 30 * time.Second
	banBackoff          = 5 * time.Minute
)

// ClientPool lazily connects and caches one Client per enabled instance.
// Failed connections back off so a dead or banning endpoint is not hammered
// on every engine tick.
type ClientPool struct {
	instanceStore *models.InstanceStore
	clients       map[int]*Client
	lastFailure   map[int]failureState
	mu            sync.RWMutex
}

type failureState struct {
	at      time.Time
	backoff time.Duration
}

func NewClientPool(instanceStore *models.InstanceStore) *ClientPool {
	return &ClientPool{
		instanceStore: instanceStore,
		clients:       make(map[int]*Client),
		lastFailure:   make(map[int]failureState),
	}
}

// GetClient returns a healthy client for the instance, connecting on demand.
func (p *ClientPool) GetClient(ctx context.Context, instanceID int) (*Client, error) {
	p.mu.RLock()
	client, ok := p.clients[instanceID]
	p.mu.RUnlock()

	if ok {
		if time.Since(client.lastHealthCheck) > healthCheckInterval {
			if err := client.HealthCheck(ctx); err != nil {
				log.Debug().Err(err).Int("instanceID", instanceID).Msg("qbittorrent: health check failed, reconnecting")
				p.removeClient(instanceID)
				return p.connect(ctx, instanceID)
			}
		}
		return client, nil
	}

	return p.connect(ctx, instanceID)
}

// IsConnected reports whether a healthy cached client exists for the instance.
func (p *ClientPool) IsConnected(instanceID int) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	client, ok := p.clients[instanceID]
	return ok && client.IsHealthy()
}

func (p *ClientPool) connect(ctx context.Context, instanceID int) (*Client, error) {
	if p.isInBackoff(instanceID) {
		return nil, fmt.Errorf("instance %d is in connection backoff", instanceID)
	}

	instance, err := p.instanceStore.Get(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("instance %d not found: %w", instanceID, err)
	}
	if !instance.Enabled {
		return nil, errors.New("instance is disabled")
	}

	client, err := NewClient(instance.ID, instance.Host, instance.Username, instance.Password,
		instance.BasicUsername, instance.BasicPassword)
	if err != nil {
		p.recordFailure(instanceID, err)
		return nil, err
	}

	p.mu.Lock()
	p.clients[instanceID] = client
	p.mu.Unlock()
	p.resetFailureTracking(instanceID)

	return client, nil
}

func (p *ClientPool) removeClient(instanceID int) {
	p.mu.Lock()
	delete(p.clients, instanceID)
	p.mu.Unlock()
}

func (p *ClientPool) recordFailure(instanceID int, err error) {
	backoff := shortBackoff
	if isBanError(err) {
		backoff = banBackoff
		log.Warn().Err(err).Int("instanceID", instanceID).Msg("qbittorrent: endpoint is rate limiting, backing off")
	}

	p.mu.Lock()
	p.lastFailure[instanceID] = failureState{at: time.Now(), backoff: backoff}
	p.mu.Unlock()
}

func (p *ClientPool) isInBackoff(instanceID int) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	failure, ok := p.lastFailure[instanceID]
	if !ok {
		return false
	}
	return time.Since(failure.at) < failure.backoff
}

func (p *ClientPool) resetFailureTracking(instanceID int) {
	p.mu.Lock()
	delete(p.lastFailure, instanceID)
	p.mu.Unlock()
}

// isBanError matches login throttling responses that warrant a long backoff.
func isBanError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "banned") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "403")
}

func (p *ClientPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clients = make(map[int]*Client)
	p.lastFailure = make(map[int]failureState)
}
