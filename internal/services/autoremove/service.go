// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package autoremove

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	qbt "github.com/autobrr/go-qbittorrent"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/qgov/internal/metrics/collector"
	"github.com/autobrr/qgov/internal/models"
)

const (
	defaultCheckInterval = 60
	defaultSleepBetween  = 5

	minCheckInterval = 30
	maxCheckInterval = 3600
	minSleepBetween  = 1
	maxSleepBetween  = 60

	maxRecords = 500

	// callTimeout bounds each individual client call. A sweep with many
	// deletions and inter-delete sleeps can legitimately run for a long
	// time, so the sweep itself carries no deadline.
	callTimeout = 30 * time.Second
)

// InstanceClient is the slice of the qBittorrent client the remover uses.
type InstanceClient interface {
	Torrents(ctx context.Context) ([]qbt.Torrent, error)
	Reannounce(ctx context.Context, hash string) error
	Delete(ctx context.Context, hash string, deleteFiles bool) error
	FreeSpace(ctx context.Context) (int64, error)
}

// ClientProvider hands out a connected client for an instance id.
type ClientProvider func(ctx context.Context, instanceID int) (InstanceClient, error)

// RemoveRecord describes one completed deletion.
type RemoveRecord struct {
	Timestamp    time.Time `json:"timestamp"`
	InstanceID   int       `json:"instanceId"`
	InstanceName string    `json:"instanceName"`
	TorrentHash  string    `json:"torrentHash"`
	TorrentName  string    `json:"torrentName"`
	RuleName     string    `json:"ruleName"`
	Reason       string    `json:"reason"`
	Size         int64     `json:"size"`
	Uploaded     int64     `json:"uploaded"`
	Ratio        float64   `json:"ratio"`
}

type engineConfig struct {
	enabled                bool
	checkInterval          int
	sleepBetween           int
	reannounceBeforeDelete bool
	deleteFiles            bool
}

// Status is a point-in-time view of the engine configuration and counters.
type Status struct {
	Running                bool  `json:"running"`
	Enabled                bool  `json:"enabled"`
	CheckInterval          int   `json:"checkInterval"`
	SleepBetween           int   `json:"sleepBetween"`
	ReannounceBeforeDelete bool  `json:"reannounceBeforeDelete"`
	DeleteFiles            bool  `json:"deleteFiles"`
	TotalRemoved           int64 `json:"totalRemoved"`
	TotalFreed             int64 `json:"totalFreed"`
	RecentRecords          int   `json:"recentRecords"`
}

// Notifier receives a message for each deleted torrent. Delivery failures
// are the notifier's problem, not the engine's.
type Notifier interface {
	Send(title, body string)
}

// Service periodically sweeps all enabled instances and deletes torrents
// that match an enabled remove rule. Configuration is re-read from the
// database on every pass so setting changes apply without a restart.
type Service struct {
	instanceStore   *models.InstanceStore
	removeRuleStore *models.RemoveRuleStore
	settingStore    *models.AppSettingStore
	appLogStore     *models.AppLogStore

	clients  ClientProvider
	notifier Notifier
	metrics  *collector.RemovalCollector

	now   func() time.Time
	sleep func(time.Duration)

	mu           sync.RWMutex
	cfg          engineConfig
	records      []RemoveRecord
	totalRemoved int64
	totalFreed   int64
	running      bool

	stop chan struct{}
	done chan struct{}
}

type Options struct {
	InstanceStore   *models.InstanceStore
	RemoveRuleStore *models.RemoveRuleStore
	SettingStore    *models.AppSettingStore
	AppLogStore     *models.AppLogStore
	Clients         ClientProvider
	Notifier        Notifier
	Metrics         *collector.RemovalCollector
	Now             func() time.Time
	Sleep           func(time.Duration)
}

func NewService(opts Options) *Service {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = time.Sleep
	}

	return &Service{
		instanceStore:   opts.InstanceStore,
		removeRuleStore: opts.RemoveRuleStore,
		settingStore:    opts.SettingStore,
		appLogStore:     opts.AppLogStore,
		clients:         opts.Clients,
		notifier:        opts.Notifier,
		metrics:         opts.Metrics,
		now:             opts.Now,
		sleep:           opts.Sleep,
		cfg: engineConfig{
			checkInterval:          defaultCheckInterval,
			sleepBetween:           defaultSleepBetween,
			reannounceBeforeDelete: true,
			deleteFiles:            true,
		},
	}
}

func (s *Service) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.worker()

	s.record("info", "auto-remove engine started")
}

func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stop)
	s.mu.Unlock()

	select {
	case <-s.done:
	case <-time.After(5 * time.Second):
		log.Warn().Msg("autoremove: loop did not stop in time")
	}

	s.record("info", "auto-remove engine stopped")
}

func (s *Service) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Service) worker() {
	defer close(s.done)

	// The parent context only carries cancellation so Stop can abort an
	// in-flight sweep; individual client calls get their own deadlines.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-s.stop
		cancel()
	}()

	for {
		cfg := s.loadConfig(ctx)

		if cfg.enabled {
			if err := s.checkAndRemove(ctx, cfg); err != nil {
				log.Error().Err(err).Msg("autoremove: check failed")
				s.record("error", fmt.Sprintf("check failed: %v", err))
			}
		}

		select {
		case <-s.stop:
			return
		case <-time.After(time.Duration(cfg.checkInterval) * time.Second):
		}
	}
}

// loadConfig reads the engine settings, applying defaults and clamps for
// unset or out-of-range values.
func (s *Service) loadConfig(ctx context.Context) engineConfig {
	cfg := engineConfig{
		checkInterval:          defaultCheckInterval,
		sleepBetween:           defaultSleepBetween,
		reannounceBeforeDelete: true,
		deleteFiles:            true,
	}

	if v, err := s.settingStore.Get(ctx, models.SettingAutoRemoveEnabled, "false"); err == nil {
		cfg.enabled = v == "true"
	}
	if v, err := s.settingStore.Get(ctx, models.SettingAutoRemoveInterval, ""); err == nil && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.checkInterval = clampInt(n, minCheckInterval, maxCheckInterval)
		}
	}
	if v, err := s.settingStore.Get(ctx, models.SettingAutoRemoveSleep, ""); err == nil && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.sleepBetween = clampInt(n, minSleepBetween, maxSleepBetween)
		}
	}
	if v, err := s.settingStore.Get(ctx, models.SettingAutoRemoveReannounce, "true"); err == nil {
		cfg.reannounceBeforeDelete = v != "false"
	}
	if v, err := s.settingStore.Get(ctx, models.SettingAutoRemoveDeleteFiles, "true"); err == nil {
		cfg.deleteFiles = v != "false"
	}

	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()

	return cfg
}

func (s *Service) checkAndRemove(ctx context.Context, cfg engineConfig) error {
	rules, err := s.removeRuleStore.ListEnabled(ctx)
	if err != nil {
		return err
	}
	if len(rules) == 0 {
		return nil
	}

	instances, err := s.instanceStore.List(ctx, true)
	if err != nil {
		return err
	}

	for _, instance := range instances {
		cctx, ccancel := context.WithTimeout(ctx, callTimeout)
		client, err := s.clients(cctx, instance.ID)
		ccancel()
		if err != nil {
			log.Debug().Err(err).Int("instanceID", instance.ID).Msg("autoremove: instance unavailable")
			continue
		}

		fctx, fcancel := context.WithTimeout(ctx, callTimeout)
		freeSpace, err := client.FreeSpace(fctx)
		fcancel()
		if err != nil {
			log.Debug().Err(err).Int("instanceID", instance.ID).Msg("autoremove: failed to read free space")
			freeSpace = 0
		}

		tctx, tcancel := context.WithTimeout(ctx, callTimeout)
		torrents, err := client.Torrents(tctx)
		tcancel()
		if err != nil {
			log.Warn().Err(err).Int("instanceID", instance.ID).Msg("autoremove: failed to list torrents")
			continue
		}

		if s.metrics != nil {
			s.metrics.GetCheckRunTotal(instance.ID).Inc()
		}

		for i := range torrents {
			torrent := &torrents[i]
			rule := matchRules(torrent, rules, freeSpace, s.now())
			if rule == nil {
				continue
			}

			s.removeTorrent(ctx, client, instance, torrent, rule, cfg)

			if cfg.sleepBetween > 0 {
				s.sleep(time.Duration(cfg.sleepBetween) * time.Second)
			}

			if !s.IsRunning() {
				return nil
			}
		}
	}

	return nil
}

func (s *Service) removeTorrent(ctx context.Context, client InstanceClient, instance *models.Instance, torrent *qbt.Torrent, rule *models.RemoveRule, cfg engineConfig) {
	shortName := truncateRunes(torrent.Name, 30)

	if cfg.reannounceBeforeDelete {
		actx, acancel := context.WithTimeout(ctx, callTimeout)
		err := client.Reannounce(actx, torrent.Hash)
		acancel()
		if err != nil {
			log.Warn().Err(err).Str("torrent", shortName).Msg("autoremove: pre-delete announce failed")
		} else {
			log.Info().Str("instance", instance.Name).Str("torrent", shortName).Msg("autoremove: announced before delete")
			s.sleep(2 * time.Second)
		}
	}

	log.Info().
		Str("instance", instance.Name).
		Str("torrent", shortName).
		Bool("deleteFiles", cfg.deleteFiles).
		Msg("autoremove: deleting torrent")

	dctx, dcancel := context.WithTimeout(ctx, callTimeout)
	err := client.Delete(dctx, torrent.Hash, cfg.deleteFiles)
	dcancel()
	if err != nil {
		log.Error().Err(err).Str("instance", instance.Name).Str("torrent", shortName).Msg("autoremove: delete failed")
		s.record("error", fmt.Sprintf("delete failed [%s]: %v", shortName, err))
		return
	}

	record := RemoveRecord{
		Timestamp:    s.now(),
		InstanceID:   instance.ID,
		InstanceName: instance.Name,
		TorrentHash:  torrent.Hash,
		TorrentName:  torrent.Name,
		RuleName:     rule.Name,
		Reason:       rule.Description,
		Size:         torrent.Size,
		Uploaded:     torrent.Uploaded,
		Ratio:        torrent.Ratio,
	}

	s.mu.Lock()
	s.records = append(s.records, record)
	if len(s.records) > maxRecords {
		s.records = s.records[len(s.records)-maxRecords:]
	}
	s.totalRemoved++
	s.totalFreed += torrent.Size
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.GetTorrentRemovedTotal(instance.ID, rule.ID, rule.Name).Inc()
		s.metrics.GetBytesFreedTotal(instance.ID).Add(float64(torrent.Size))
	}

	s.record("info", fmt.Sprintf("removed [%s] rule:%s size:%s", shortName, rule.Name, fmtSize(float64(torrent.Size))))

	if s.notifier != nil {
		s.notifier.Send("🗑️ 自动删种", fmt.Sprintf("📦 %s\n📏 %s\n📊 分享率: %.2f\n📋 规则: %s",
			truncateRunes(torrent.Name, 40), fmtSize(float64(torrent.Size)), torrent.Ratio, rule.Name))
	}
}

// ManualCheck runs one sweep immediately.
func (s *Service) ManualCheck(ctx context.Context) (bool, string) {
	if !s.IsRunning() {
		return false, "engine is not running"
	}

	cfg := s.loadConfig(ctx)
	if err := s.checkAndRemove(ctx, cfg); err != nil {
		return false, err.Error()
	}
	return true, "check complete"
}

// SetConfig updates the persisted engine settings. Nil fields are left
// untouched; interval and sleep are clamped to their valid ranges.
type SetConfigRequest struct {
	Enabled     *bool
	Interval    *int
	Sleep       *int
	Reannounce  *bool
	DeleteFiles *bool
}

func (s *Service) SetConfig(ctx context.Context, req SetConfigRequest) error {
	if req.Interval != nil {
		v := clampInt(*req.Interval, minCheckInterval, maxCheckInterval)
		if err := s.settingStore.Set(ctx, models.SettingAutoRemoveInterval, strconv.Itoa(v)); err != nil {
			return err
		}
	}
	if req.Sleep != nil {
		v := clampInt(*req.Sleep, minSleepBetween, maxSleepBetween)
		if err := s.settingStore.Set(ctx, models.SettingAutoRemoveSleep, strconv.Itoa(v)); err != nil {
			return err
		}
	}
	if req.Reannounce != nil {
		if err := s.settingStore.Set(ctx, models.SettingAutoRemoveReannounce, strconv.FormatBool(*req.Reannounce)); err != nil {
			return err
		}
	}
	if req.Enabled != nil {
		if err := s.settingStore.Set(ctx, models.SettingAutoRemoveEnabled, strconv.FormatBool(*req.Enabled)); err != nil {
			return err
		}
	}
	if req.DeleteFiles != nil {
		if err := s.settingStore.Set(ctx, models.SettingAutoRemoveDeleteFiles, strconv.FormatBool(*req.DeleteFiles)); err != nil {
			return err
		}
	}

	s.loadConfig(ctx)
	return nil
}

func (s *Service) GetStatus() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Status{
		Running:                s.running,
		Enabled:                s.cfg.enabled,
		CheckInterval:          s.cfg.checkInterval,
		SleepBetween:           s.cfg.sleepBetween,
		ReannounceBeforeDelete: s.cfg.reannounceBeforeDelete,
		DeleteFiles:            s.cfg.deleteFiles,
		TotalRemoved:           s.totalRemoved,
		TotalFreed:             s.totalFreed,
		RecentRecords:          len(s.records),
	}
}

// GetRecords returns up to limit of the most recent deletions, newest first.
// Long torrent names are shortened for display.
func (s *Service) GetRecords(limit int) []RemoveRecord {
	if limit <= 0 {
		limit = 100
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	start := len(s.records) - limit
	if start < 0 {
		start = 0
	}
	recent := s.records[start:]

	out := make([]RemoveRecord, 0, len(recent))
	for i := len(recent) - 1; i >= 0; i-- {
		record := recent[i]
		if runes := []rune(record.TorrentName); len(runes) > 50 {
			record.TorrentName = string(runes[:50]) + "..."
		}
		out = append(out, record)
	}
	return out
}

// record logs at the given level and mirrors the line into app_logs.
func (s *Service) record(level, message string) {
	msg := "[AutoRemove] " + message

	switch level {
	case "warning":
		log.Warn().Msg(msg)
	case "error":
		log.Error().Msg(msg)
	default:
		log.Info().Msg(msg)
	}

	if s.appLogStore != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.appLogStore.Add(ctx, strings.ToUpper(level), msg); err != nil {
			log.Debug().Err(err).Msg("autoremove: failed to mirror log line")
		}
	}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

func fmtSize(b float64) string {
	for _, unit := range []string{"B", "KiB", "MiB", "GiB", "TiB"} {
		if b < 1024 && b > -1024 {
			return fmt.Sprintf("%.2f %s", b, unit)
		}
		b /= 1024
	}
	return fmt.Sprintf("%.2f PiB", b)
}
