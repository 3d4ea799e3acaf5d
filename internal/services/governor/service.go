// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package governor

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	qbt "github.com/autobrr/go-qbittorrent"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/qgov/internal/metrics/collector"
	"github.com/autobrr/qgov/internal/models"
	"github.com/autobrr/qgov/internal/sitehelper"
)

const (
	defaultTickInterval = 5 * time.Second
	defaultSaveInterval = 180 * time.Second
	logInterval         = 20

	maxStateNameLen = 30

	// callTimeout bounds each individual client or site helper call. The
	// tick itself has no deadline so a large fleet never starves the tail
	// of the torrent list.
	callTimeout = 15 * time.Second
)

// InstanceClient is the slice of the qBittorrent client the governor uses.
type InstanceClient interface {
	Torrents(ctx context.Context) ([]qbt.Torrent, error)
	Properties(ctx context.Context, hash string) (qbt.TorrentProperties, error)
	SetUploadLimit(ctx context.Context, hash string, bytesPerSecond int64) error
}

// ClientProvider hands out a connected client for an instance id.
type ClientProvider func(ctx context.Context, instanceID int) (InstanceClient, error)

// SiteHelperSource resolves a tracker URL to a site helper.
// *sitehelper.Manager is the production implementation.
type SiteHelperSource interface {
	HelperByTracker(trackerURL string) sitehelper.Helper
	UpdateFromDB(sites []*models.Site, proxy string)
}

type engineStats struct {
	siteSuccess        atomic.Int64
	qbAPISuccess       atomic.Int64
	fallbackCount      atomic.Int64
	torrentsControlled atomic.Int64
}

// Stats is a point-in-time view of the engine counters.
type Stats struct {
	StatesCount        int   `json:"statesCount"`
	Running            bool  `json:"running"`
	SiteSuccess        int64 `json:"siteSuccess"`
	QBAPISuccess       int64 `json:"qbApiSuccess"`
	FallbackCount      int64 `json:"fallbackCount"`
	TorrentsControlled int64 `json:"torrentsControlled"`
}

// Service drives all controlled torrents through their announce cycles. One
// goroutine ticks every five seconds, recomputes each torrent's upload cap
// and pushes changes to qBittorrent.
type Service struct {
	instanceStore   *models.InstanceStore
	siteStore       *models.SiteStore
	speedRuleStore  *models.SpeedRuleStore
	limitStateStore *models.LimitStateStore
	settingStore    *models.AppSettingStore
	appLogStore     *models.AppLogStore

	clients     ClientProvider
	siteHelpers SiteHelperSource
	metrics     *collector.GovernorCollector

	now          func() time.Time
	tickInterval time.Duration
	saveInterval time.Duration

	mu     sync.RWMutex
	states map[string]*torrentState

	stats    engineStats
	lastSave time.Time

	running atomic.Bool
	stop    chan struct{}
	done    chan struct{}
}

type Options struct {
	InstanceStore   *models.InstanceStore
	SiteStore       *models.SiteStore
	SpeedRuleStore  *models.SpeedRuleStore
	LimitStateStore *models.LimitStateStore
	SettingStore    *models.AppSettingStore
	AppLogStore     *models.AppLogStore
	Clients         ClientProvider
	SiteHelpers     SiteHelperSource
	Metrics         *collector.GovernorCollector
	Now             func() time.Time
	TickInterval    time.Duration
	SaveInterval    time.Duration
}

func NewService(opts Options) *Service {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = defaultTickInterval
	}
	if opts.SaveInterval <= 0 {
		opts.SaveInterval = defaultSaveInterval
	}

	s := &Service{
		instanceStore:   opts.InstanceStore,
		siteStore:       opts.SiteStore,
		speedRuleStore:  opts.SpeedRuleStore,
		limitStateStore: opts.LimitStateStore,
		settingStore:    opts.SettingStore,
		appLogStore:     opts.AppLogStore,
		clients:         opts.Clients,
		siteHelpers:     opts.SiteHelpers,
		metrics:         opts.Metrics,
		now:             opts.Now,
		tickInterval:    opts.TickInterval,
		saveInterval:    opts.SaveInterval,
		states:          make(map[string]*torrentState),
	}

	s.restoreStates()

	return s
}

// restoreStates loads persisted snapshots so a restart mid-cycle does not
// reset every torrent's accounting to zero.
func (s *Service) restoreStates() {
	if s.limitStateStore == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	snapshots, err := s.limitStateStore.ListFresh(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("governor: failed to restore persisted states")
		return
	}

	for _, snap := range snapshots {
		s.states[snap.Hash] = stateFromSnapshot(snap)
	}

	if len(snapshots) > 0 {
		s.record("info", fmt.Sprintf("restored %d torrent control states", len(snapshots)))
	}
}

func (s *Service) Start() {
	if !s.running.CompareAndSwap(false, true) {
		return
	}

	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	s.lastSave = s.now()

	go s.run()

	s.record("info", "precision limit engine started")
}

// Stop persists all states and waits up to five seconds for the loop to exit.
func (s *Service) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}

	close(s.stop)

	select {
	case <-s.done:
	case <-time.After(5 * time.Second):
		log.Warn().Msg("governor: loop did not stop in time")
	}

	s.saveStates()
	s.record("info", "precision limit engine stopped")
}

func (s *Service) IsRunning() bool {
	return s.running.Load()
}

func (s *Service) run() {
	defer close(s.done)

	// The parent context only carries cancellation so Stop can abort an
	// in-flight tick; individual calls get their own deadlines.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-s.stop
		cancel()
	}()

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.processAll(ctx)

			if s.now().Sub(s.lastSave) > s.saveInterval {
				s.saveStates()
			}
		}
	}
}

// processAll runs one control tick over every enabled instance.
func (s *Service) processAll(ctx context.Context) {
	now := float64(s.now().UnixNano()) / float64(time.Second)

	s.refreshSiteHelpers(ctx)

	rules, defaultRule, err := s.loadEnabledRules(ctx)
	if err != nil {
		log.Debug().Err(err).Msg("governor: failed to load speed rules")
		return
	}
	if len(rules) == 0 && defaultRule == nil {
		log.Warn().Msg("governor: no enabled speed rules")
		return
	}

	sites, err := s.siteStore.List(ctx)
	if err != nil {
		log.Debug().Err(err).Msg("governor: failed to load sites")
		sites = nil
	}

	instances, err := s.instanceStore.List(ctx, true)
	if err != nil || len(instances) == 0 {
		if err != nil {
			log.Warn().Err(err).Msg("governor: failed to load instances")
		} else {
			log.Warn().Msg("governor: no enabled instances configured")
		}
		return
	}

	var controlled int64

	for _, instance := range instances {
		cctx, ccancel := context.WithTimeout(ctx, callTimeout)
		client, err := s.clients(cctx, instance.ID)
		ccancel()
		if err != nil {
			log.Debug().Err(err).Int("instanceID", instance.ID).Msg("governor: instance unavailable")
			continue
		}

		tctx, tcancel := context.WithTimeout(ctx, callTimeout)
		torrents, err := client.Torrents(tctx)
		tcancel()
		if err != nil {
			log.Warn().Err(err).Int("instanceID", instance.ID).Msg("governor: failed to list torrents")
			continue
		}
		if len(torrents) == 0 {
			continue
		}

		var instanceControlled int64
		for i := range torrents {
			torrent := &torrents[i]
			if !shouldLimit(torrent) {
				continue
			}

			rule := findRule(torrent.Tracker, sites, rules, defaultRule)
			if rule == nil {
				continue
			}

			s.processTorrent(ctx, instance.ID, client, torrent, rule, now)
			instanceControlled++
		}

		if s.metrics != nil {
			s.metrics.GetTorrentsControlled(instance.ID).Set(float64(instanceControlled))
		}
		controlled += instanceControlled
	}

	s.stats.torrentsControlled.Store(controlled)

	if s.metrics != nil {
		s.mu.RLock()
		s.metrics.StatesTracked.Set(float64(len(s.states)))
		s.mu.RUnlock()
	}
}

func (s *Service) refreshSiteHelpers(ctx context.Context) {
	if s.siteHelpers == nil {
		return
	}

	sites, err := s.siteStore.List(ctx)
	if err != nil {
		log.Debug().Err(err).Msg("governor: failed to refresh site helpers")
		return
	}

	proxy := ""
	if s.settingStore != nil {
		proxy, _ = s.settingStore.Get(ctx, models.SettingGlobalProxy, "")
	}

	s.siteHelpers.UpdateFromDB(sites, proxy)
}

// loadEnabledRules splits the enabled speed rules into site-bound rules and
// the optional default rule that matches any tracker.
func (s *Service) loadEnabledRules(ctx context.Context) (map[int]*models.SpeedRule, *models.SpeedRule, error) {
	enabled, err := s.speedRuleStore.ListEnabled(ctx)
	if err != nil {
		return nil, nil, err
	}

	rules := make(map[int]*models.SpeedRule, len(enabled))
	var defaultRule *models.SpeedRule
	for _, rule := range enabled {
		if rule.SiteID == nil {
			defaultRule = rule
			continue
		}
		rules[*rule.SiteID] = rule
	}

	return rules, defaultRule, nil
}

// shouldLimit reports whether the torrent is actively seeding and therefore
// subject to rate control.
func shouldLimit(torrent *qbt.Torrent) bool {
	if torrent.UpSpeed > 0 {
		return true
	}
	state := strings.ToLower(string(torrent.State))
	if state == "" {
		return false
	}
	if strings.Contains(state, "upload") || strings.Contains(state, "seed") {
		return true
	}
	return strings.HasSuffix(state, "up")
}

// findRule matches a torrent's tracker to a site-bound rule by keyword or
// host, falling back to the default rule.
func findRule(trackerURL string, sites []*models.Site, rules map[int]*models.SpeedRule, defaultRule *models.SpeedRule) *models.SpeedRule {
	trackerLower := strings.ToLower(trackerURL)

	for _, site := range sites {
		rule, ok := rules[site.ID]
		if !ok {
			continue
		}
		if keyword := strings.ToLower(site.TrackerKeyword); keyword != "" && strings.Contains(trackerLower, keyword) {
			return rule
		}
		if host := hostOf(site.URL); host != "" && strings.Contains(trackerLower, host) {
			return rule
		}
	}

	return defaultRule
}

func (s *Service) processTorrent(ctx context.Context, instanceID int, client InstanceClient, torrent *qbt.Torrent, rule *models.SpeedRule, now float64) {
	currentUploaded := torrent.Uploaded
	currentSpeed := torrent.UpSpeed

	s.mu.Lock()
	state, ok := s.states[torrent.Hash]
	if !ok {
		state = newTorrentState(torrent.Hash)
		state.name = truncateRunes(torrent.Name, maxStateNameLen)
		state.cycleStart = now
		state.cycleUploadedStart = currentUploaded
		s.states[torrent.Hash] = state
	}

	state.targetSpeed = rule.TargetBytesPerSecond()
	state.tracker = torrent.Tracker
	state.instanceID = instanceID
	state.kalman.update(float64(currentSpeed), now)

	query := oracleQuery{
		hash:           state.hash,
		tracker:        state.tracker,
		tid:            state.tid,
		reannounceTime: state.reannounceTime,
		cachedTimeLeft: state.cachedTimeLeft,
	}
	s.mu.Unlock()

	octx, ocancel := context.WithTimeout(ctx, callTimeout)
	res := s.resolveTimeLeft(octx, client, query, now)
	ocancel()
	timeLeft := res.timeLeft

	var cycleMsg string

	s.mu.Lock()
	state.reannounceSource = res.source
	if res.tid != nil {
		state.tid = res.tid
	}
	if res.siteID != nil {
		state.siteID = res.siteID
	}
	state.reannounceTime = res.reannounceTime

	switch {
	case currentUploaded < state.cycleUploadedStart:
		// The client's uploaded counter went backwards (restart); the old
		// cycle's accounting is meaningless, start a fresh one.
		cycleMsg = fmt.Sprintf("[%s] uploaded counter regressed, starting cycle #%d", state.name, state.cycleIndex+1)
		state.newCycle(now, currentUploaded, timeLeft)
	case state.cycleSynced && timeLeft > state.cachedTimeLeft+30:
		cycleMsg = fmt.Sprintf("[%s] new announce cycle #%d", state.name, state.cycleIndex+1)
		state.newCycle(now, currentUploaded, timeLeft)
	}

	state.cachedTimeLeft = timeLeft

	if !state.cycleSynced && timeLeft > 0 {
		state.cycleSynced = true
	}

	newLimit, reason := computeLimit(state, currentUploaded, now, timeLeft)
	apply := newLimit != state.lastLimit
	s.mu.Unlock()

	if cycleMsg != "" {
		s.record("info", cycleMsg)
		if s.metrics != nil {
			s.metrics.GetCycleTotal(instanceID).Inc()
		}
	}

	if apply {
		lctx, lcancel := context.WithTimeout(ctx, callTimeout)
		err := client.SetUploadLimit(lctx, torrent.Hash, newLimit)
		lcancel()
		if err != nil {
			log.Debug().Err(err).Str("hash", torrent.Hash).Msg("governor: failed to set upload limit")
		} else {
			s.mu.Lock()
			state.lastLimit = newLimit
			state.lastLimitReason = reason
			s.mu.Unlock()
			if s.metrics != nil {
				s.metrics.GetLimitAppliedTotal(instanceID).Inc()
			}
		}
	}

	s.mu.Lock()
	state.lastUploaded = currentUploaded
	state.lastSpeed = currentSpeed
	shouldLog := now-state.lastLogTime > logInterval
	if shouldLog {
		state.lastLogTime = now
	}
	s.mu.Unlock()

	if shouldLog {
		s.logStatus(state, currentUploaded, float64(currentSpeed), timeLeft, newLimit, reason, now)
	}
}

func (s *Service) logStatus(state *torrentState, uploaded int64, speed, timeLeft float64, limit int64, reason string, now float64) {
	phase := state.phase(now)
	cycleUploaded := state.cycleUploaded(uploaded)

	elapsed := now - state.cycleStart
	totalTime := elapsed + timeLeft
	targetTotal := float64(state.targetSpeed) * totalTime
	progress := safeDiv(float64(cycleUploaded), targetTotal, 0) * 100

	limitStr := "MAX"
	if limit != -1 {
		limitStr = fmt.Sprintf("%dK", limit/1024)
	}

	log.Info().
		Str("torrent", truncateRunes(state.name, 12)).
		Str("phase", string(phase)).
		Str("speed", fmtSpeed(speed)).
		Str("progress", fmt.Sprintf("%.0f%%", progress)).
		Str("timeLeft", fmt.Sprintf("%.0fs", timeLeft)).
		Str("limit", limitStr).
		Str("reason", reason).
		Msg("governor: tick")
}

// saveStates snapshots every in-memory state to the database.
func (s *Service) saveStates() {
	if s.limitStateStore == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	nowUnix := s.now().Unix()

	s.mu.RLock()
	snapshots := make([]*models.LimitStateSnapshot, 0, len(s.states))
	for _, state := range s.states {
		snapshots = append(snapshots, state.snapshot(nowUnix))
	}
	s.mu.RUnlock()

	for _, snap := range snapshots {
		if err := s.limitStateStore.Save(ctx, snap); err != nil {
			log.Warn().Err(err).Str("hash", snap.Hash).Msg("governor: failed to persist state")
		}
	}

	s.lastSave = s.now()
}

func (s *Service) GetStats() Stats {
	s.mu.RLock()
	count := len(s.states)
	s.mu.RUnlock()

	return Stats{
		StatesCount:        count,
		Running:            s.running.Load(),
		SiteSuccess:        s.stats.siteSuccess.Load(),
		QBAPISuccess:       s.stats.qbAPISuccess.Load(),
		FallbackCount:      s.stats.fallbackCount.Load(),
		TorrentsControlled: s.stats.torrentsControlled.Load(),
	}
}

// StateView is the detailed per-torrent view for the management surface.
type StateView struct {
	Hash             string  `json:"hash"`
	Name             string  `json:"name"`
	Tracker          string  `json:"tracker"`
	InstanceID       int     `json:"instanceId"`
	Phase            Phase   `json:"phase"`
	CycleIndex       int     `json:"cycleIndex"`
	CycleSynced      bool    `json:"cycleSynced"`
	TimeLeft         float64 `json:"timeLeft"`
	CycleDuration    float64 `json:"cycleDuration"`
	TotalCycleTime   float64 `json:"totalCycleTime"`
	ReannounceSource string  `json:"reannounceSource"`
	TargetSpeed      int64   `json:"targetSpeed"`
	LastLimit        int64   `json:"lastLimit"`
	LastLimitReason  string  `json:"lastLimitReason"`
	CurrentSpeed     int64   `json:"currentSpeed"`
	CycleUploaded    int64   `json:"cycleUploaded"`
	CycleAvgSpeed    float64 `json:"cycleAvgSpeed"`
	TargetUpload     float64 `json:"targetUpload"`
	TargetDistance   float64 `json:"targetDistance"`
	TargetProgress   float64 `json:"targetProgress"`
	SiteID           *int    `json:"siteId,omitempty"`
	TID              *int64  `json:"tid,omitempty"`
	KalmanSpeed      float64 `json:"kalmanSpeed"`
	KalmanPredicted  float64 `json:"kalmanPredicted"`
}

// GetState returns a detailed view of one torrent's control state, or nil
// when the torrent is not tracked.
func (s *Service) GetState(hash string) *StateView {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.states[hash]
	if !ok {
		return nil
	}
	return s.stateView(state)
}

func (s *Service) GetAllStates() []*StateView {
	s.mu.RLock()
	defer s.mu.RUnlock()

	views := make([]*StateView, 0, len(s.states))
	for _, state := range s.states {
		views = append(views, s.stateView(state))
	}
	return views
}

// stateView copies the live fields into a view. Callers hold s.mu.
func (s *Service) stateView(state *torrentState) *StateView {
	now := float64(s.now().UnixNano()) / float64(time.Second)

	timeLeft := state.cachedTimeLeft
	if state.reannounceTime > 0 {
		timeLeft = maxFloat(0, state.reannounceTime-now)
	}

	cycleDuration := 0.0
	if state.cycleStart > 0 {
		cycleDuration = now - state.cycleStart
	}

	cycleUploaded := state.cycleUploaded(state.lastUploaded)

	cycleAvgSpeed := 0.0
	if cycleDuration > 0 {
		cycleAvgSpeed = float64(cycleUploaded) / cycleDuration
	}

	totalCycleTime := state.cachedTimeLeft
	targetUpload := 0.0
	if totalCycleTime > 0 {
		targetUpload = float64(state.targetSpeed) * totalCycleTime
	}
	targetDistance := targetUpload - float64(cycleUploaded)
	targetProgress := 0.0
	if targetUpload > 0 {
		targetProgress = float64(cycleUploaded) / targetUpload * 100
	}

	kalmanPredicted := 0.0
	if timeLeft > 0 {
		kalmanPredicted = state.kalman.predictUpload(timeLeft)
	}

	return &StateView{
		Hash:             state.hash,
		Name:             state.name,
		Tracker:          state.tracker,
		InstanceID:       state.instanceID,
		Phase:            state.phase(now),
		CycleIndex:       state.cycleIndex,
		CycleSynced:      state.cycleSynced,
		TimeLeft:         timeLeft,
		CycleDuration:    cycleDuration,
		TotalCycleTime:   totalCycleTime,
		ReannounceSource: state.reannounceSource,
		TargetSpeed:      state.targetSpeed,
		LastLimit:        state.lastLimit,
		LastLimitReason:  state.lastLimitReason,
		CurrentSpeed:     state.lastSpeed,
		CycleUploaded:    cycleUploaded,
		CycleAvgSpeed:    cycleAvgSpeed,
		TargetUpload:     targetUpload,
		TargetDistance:   targetDistance,
		TargetProgress:   targetProgress,
		SiteID:           state.siteID,
		TID:              state.tid,
		KalmanSpeed:      state.kalman.speed,
		KalmanPredicted:  kalmanPredicted,
	}
}

// record logs at the given level and mirrors the line into app_logs.
func (s *Service) record(level, message string) {
	msg := "[LimitEngine] " + message

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
			log.Debug().Err(err).Msg("governor: failed to mirror log line")
		}
	}
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

func fmtSpeed(b float64) string {
	if b == 0 {
		return "0 B/s"
	}
	for _, unit := range []string{"B/s", "KiB/s", "MiB/s", "GiB/s"} {
		if b < 1024 && b > -1024 {
			return fmt.Sprintf("%.1f %s", b, unit)
		}
		b /= 1024
	}
	return fmt.Sprintf("%.1f TiB/s", b)
}
