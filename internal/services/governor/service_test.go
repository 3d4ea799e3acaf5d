// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package governor

import (
	"context"
	"errors"
	"testing"
	"time"

	qbt "github.com/autobrr/go-qbittorrent"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/qgov/internal/database"
	"github.com/autobrr/qgov/internal/models"
)

func testService(t *testing.T, client InstanceClient) (*Service, *database.DB) {
	t.Helper()

	db, err := database.NewInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	svc := NewService(Options{
		InstanceStore:   models.NewInstanceStore(db),
		SiteStore:       models.NewSiteStore(db),
		SpeedRuleStore:  models.NewSpeedRuleStore(db),
		LimitStateStore: models.NewLimitStateStore(db),
		SettingStore:    models.NewAppSettingStore(db),
		Clients: func(_ context.Context, _ int) (InstanceClient, error) {
			if client == nil {
				return nil, errors.New("no client")
			}
			return client, nil
		},
	})

	return svc, db
}

func fixedNow(sec float64) func() time.Time {
	return func() time.Time {
		return time.Unix(0, int64(sec*float64(time.Second)))
	}
}

func TestShouldLimit(t *testing.T) {
	tests := []struct {
		name     string
		torrent  qbt.Torrent
		expected bool
	}{
		{name: "active upload speed", torrent: qbt.Torrent{State: "downloading", UpSpeed: 100}, expected: true},
		{name: "uploading state", torrent: qbt.Torrent{State: "uploading"}, expected: true},
		{name: "stalled upload", torrent: qbt.Torrent{State: "stalledUP"}, expected: true},
		{name: "seeding via forced", torrent: qbt.Torrent{State: "forcedUP"}, expected: true},
		{name: "queued seed", torrent: qbt.Torrent{State: "queuedUP"}, expected: true},
		{name: "downloading idle", torrent: qbt.Torrent{State: "downloading"}, expected: false},
		{name: "paused download", torrent: qbt.Torrent{State: "pausedDL"}, expected: false},
		{name: "empty state", torrent: qbt.Torrent{}, expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, shouldLimit(&tt.torrent))
		})
	}
}

func TestFindRule(t *testing.T) {
	siteID := 1
	siteRule := &models.SpeedRule{ID: 10, SiteID: &siteID, TargetSpeedKiB: 1000, Enabled: true}
	defaultRule := &models.SpeedRule{ID: 11, TargetSpeedKiB: 500, Enabled: true}

	sites := []*models.Site{
		{ID: 1, Name: "ptsite", URL: "https://pt.example.org", TrackerKeyword: "example"},
		{ID: 2, Name: "other", URL: "https://other.example.net", TrackerKeyword: "otherkey"},
	}
	rules := map[int]*models.SpeedRule{1: siteRule}

	tests := []struct {
		name     string
		tracker  string
		expected *models.SpeedRule
	}{
		{name: "keyword match", tracker: "https://tracker.example.org/announce?pass=x", expected: siteRule},
		{name: "host match", tracker: "https://pt.example.org/announce", expected: siteRule},
		{name: "no site match falls back to default", tracker: "https://unrelated.tld/announce", expected: defaultRule},
		{name: "site without rule falls back", tracker: "https://tracker.otherkey.net/announce", expected: defaultRule},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := findRule(tt.tracker, sites, rules, defaultRule)
			assert.Equal(t, tt.expected, got)
		})
	}

	t.Run("no default rule", func(t *testing.T) {
		got := findRule("https://unrelated.tld/announce", sites, rules, nil)
		assert.Nil(t, got)
	})
}

func TestProcessTorrent_CreatesStateAndTruncatesName(t *testing.T) {
	client := &fakeClient{props: qbt.TorrentProperties{Reannounce: 1700}}
	svc, _ := testService(t, client)

	longName := "a very long torrent name that certainly exceeds the thirty rune cap"
	torrent := &qbt.Torrent{
		Hash:     "deadbeef",
		Name:     longName,
		Tracker:  "https://tracker.example.org/announce",
		State:    "uploading",
		Uploaded: 5000,
	}
	rule := &models.SpeedRule{TargetSpeedKiB: 51200, SafetyMargin: 0.98, Enabled: true}

	svc.processTorrent(context.Background(), 1, client, torrent, rule, testNow)

	state, ok := svc.states["deadbeef"]
	require.True(t, ok)
	assert.Len(t, []rune(state.name), 30)
	assert.Equal(t, int64(5000), state.cycleUploadedStart)
	assert.True(t, state.cycleSynced)
	assert.Equal(t, rule.TargetBytesPerSecond(), state.targetSpeed)
	assert.Equal(t, SourceQBAPI, state.reannounceSource)
}

func TestProcessTorrent_UncappedLimitNeverCallsClient(t *testing.T) {
	// Far behind target: the computed limit is -1, which equals the initial
	// lastLimit, so no RPC should ever go out.
	client := &fakeClient{props: qbt.TorrentProperties{Reannounce: 1700}}
	svc, _ := testService(t, client)

	state := newTorrentState("deadbeef")
	state.cycleSynced = true
	state.cycleStart = testNow - 10000
	state.cachedTimeLeft = 1720
	svc.states["deadbeef"] = state

	torrent := &qbt.Torrent{Hash: "deadbeef", Name: "t", State: "uploading"}
	rule := &models.SpeedRule{TargetSpeedKiB: 1, SafetyMargin: 0.98}

	svc.processTorrent(context.Background(), 1, client, torrent, rule, testNow)
	svc.processTorrent(context.Background(), 1, client, torrent, rule, testNow+5)

	assert.Empty(t, client.setLimits)
	assert.Equal(t, int64(-1), state.lastLimit)
}

func TestProcessTorrent_AppliesChangedLimit(t *testing.T) {
	client := &fakeClient{props: qbt.TorrentProperties{Reannounce: 1700}}
	svc, _ := testService(t, client)

	torrent := &qbt.Torrent{Hash: "cafe", Name: "t", State: "uploading", Uploaded: 0}
	rule := &models.SpeedRule{TargetSpeedKiB: 51200, SafetyMargin: 0.98}

	svc.processTorrent(context.Background(), 1, client, torrent, rule, testNow)

	require.Len(t, client.setLimits, 1)
	state := svc.states["cafe"]
	assert.Equal(t, client.setLimits[0], state.lastLimit)
	assert.NotEmpty(t, state.lastLimitReason)
}

func TestProcessTorrent_FailedApplyKeepsLastLimit(t *testing.T) {
	client := &fakeClient{
		props:  qbt.TorrentProperties{Reannounce: 1700},
		setErr: errors.New("connection reset"),
	}
	svc, _ := testService(t, client)

	torrent := &qbt.Torrent{Hash: "cafe", Name: "t", State: "uploading"}
	rule := &models.SpeedRule{TargetSpeedKiB: 51200, SafetyMargin: 0.98}

	svc.processTorrent(context.Background(), 1, client, torrent, rule, testNow)

	state := svc.states["cafe"]
	assert.Equal(t, int64(-1), state.lastLimit)
	assert.Empty(t, state.lastLimitReason)
}

func TestProcessTorrent_NewCycleDetected(t *testing.T) {
	client := &fakeClient{props: qbt.TorrentProperties{Reannounce: 1700}}
	svc, _ := testService(t, client)

	state := newTorrentState("deadbeef")
	state.cycleSynced = true
	state.cycleStart = testNow - 1790
	state.cycleUploadedStart = 100
	state.cachedTimeLeft = 10
	state.cycleIndex = 3
	state.pid.integral = 0.4
	svc.states["deadbeef"] = state

	torrent := &qbt.Torrent{Hash: "deadbeef", Name: "t", State: "uploading", Uploaded: 90000}
	rule := &models.SpeedRule{TargetSpeedKiB: 51200, SafetyMargin: 0.98}

	svc.processTorrent(context.Background(), 1, client, torrent, rule, testNow)

	assert.Equal(t, 4, state.cycleIndex)
	assert.Equal(t, testNow, state.cycleStart)
	assert.Equal(t, int64(90000), state.cycleUploadedStart)
	assert.Equal(t, 1700.0, state.cachedTimeLeft)
	assert.Zero(t, state.cycleUploaded(90000))
}

func TestProcessTorrent_SmallCountdownDriftIsNotANewCycle(t *testing.T) {
	client := &fakeClient{props: qbt.TorrentProperties{Reannounce: 120}}
	svc, _ := testService(t, client)

	state := newTorrentState("deadbeef")
	state.cycleSynced = true
	state.cycleStart = testNow - 100
	state.cachedTimeLeft = 100
	state.cycleIndex = 3
	svc.states["deadbeef"] = state

	torrent := &qbt.Torrent{Hash: "deadbeef", Name: "t", State: "uploading"}
	rule := &models.SpeedRule{TargetSpeedKiB: 51200, SafetyMargin: 0.98}

	svc.processTorrent(context.Background(), 1, client, torrent, rule, testNow)

	assert.Equal(t, 3, state.cycleIndex)
	assert.Equal(t, 120.0, state.cachedTimeLeft)
}

func TestProcessAll_ControlsMatchingTorrentsOnly(t *testing.T) {
	client := &fakeClient{
		props: qbt.TorrentProperties{Reannounce: 1700},
		torrents: []qbt.Torrent{
			{Hash: "aaaa", Name: "seeding", Tracker: "https://tracker.example.org/a", State: "uploading", UpSpeed: 1000},
			{Hash: "bbbb", Name: "leeching", Tracker: "https://tracker.example.org/a", State: "downloading"},
		},
	}
	svc, db := testService(t, client)
	ctx := context.Background()

	_, err := models.NewInstanceStore(db).Create(ctx, &models.Instance{
		Name: "main", Host: "http://localhost:8080", Username: "admin", Password: "pass", Enabled: true,
	})
	require.NoError(t, err)

	_, err = models.NewSpeedRuleStore(db).Create(ctx, &models.SpeedRule{TargetSpeedKiB: 51200, Enabled: true})
	require.NoError(t, err)

	svc.processAll(ctx)

	assert.Equal(t, int64(1), svc.stats.torrentsControlled.Load())
	assert.Contains(t, svc.states, "aaaa")
	assert.NotContains(t, svc.states, "bbbb")
}

func TestProcessAll_NoEnabledRules(t *testing.T) {
	client := &fakeClient{torrents: []qbt.Torrent{{Hash: "aaaa", State: "uploading"}}}
	svc, db := testService(t, client)
	ctx := context.Background()

	_, err := models.NewInstanceStore(db).Create(ctx, &models.Instance{
		Name: "main", Host: "http://localhost:8080", Username: "admin", Password: "pass", Enabled: true,
	})
	require.NoError(t, err)

	svc.processAll(ctx)

	assert.Empty(t, svc.states)
}

func TestSaveAndRestoreStates(t *testing.T) {
	client := &fakeClient{}
	svc, db := testService(t, client)

	state := newTorrentState("deadbeef")
	state.name = "persisted"
	state.tracker = "https://tracker.example.org/a"
	state.instanceID = 2
	state.cycleSynced = true
	state.cycleIndex = 5
	state.cycleStart = testNow - 500
	state.cycleUploadedStart = 12345
	state.targetSpeed = 1024 * 1024
	state.lastLimit = 8192
	state.reannounceTime = testNow + 300
	state.cachedTimeLeft = 300
	tid := int64(42)
	siteID := 3
	state.tid = &tid
	state.siteID = &siteID
	svc.states["deadbeef"] = state

	svc.saveStates()

	restored := NewService(Options{
		InstanceStore:   models.NewInstanceStore(db),
		SiteStore:       models.NewSiteStore(db),
		SpeedRuleStore:  models.NewSpeedRuleStore(db),
		LimitStateStore: models.NewLimitStateStore(db),
		Clients:         func(_ context.Context, _ int) (InstanceClient, error) { return client, nil },
	})

	got, ok := restored.states["deadbeef"]
	require.True(t, ok)
	assert.Equal(t, "persisted", got.name)
	assert.Equal(t, 5, got.cycleIndex)
	assert.Equal(t, int64(12345), got.cycleUploadedStart)
	assert.True(t, got.cycleSynced)
	assert.Equal(t, int64(8192), got.lastLimit)
	require.NotNil(t, got.tid)
	assert.Equal(t, int64(42), *got.tid)
	// Estimator state starts fresh after a restore.
	assert.Zero(t, got.pid.integral)
	assert.Zero(t, got.kalman.speed)
}

func TestGetStateAndStats(t *testing.T) {
	client := &fakeClient{props: qbt.TorrentProperties{Reannounce: 1700}}
	svc, _ := testService(t, client)
	svc.now = fixedNow(testNow)

	assert.Nil(t, svc.GetState("missing"))

	torrent := &qbt.Torrent{Hash: "cafe", Name: "viewable", State: "uploading", Uploaded: 1000, UpSpeed: 2048}
	rule := &models.SpeedRule{TargetSpeedKiB: 51200, SafetyMargin: 0.98}
	svc.processTorrent(context.Background(), 1, client, torrent, rule, testNow-10)

	view := svc.GetState("cafe")
	require.NotNil(t, view)
	assert.Equal(t, "cafe", view.Hash)
	assert.Equal(t, "viewable", view.Name)
	assert.Equal(t, 1, view.InstanceID)
	assert.Equal(t, int64(2048), view.CurrentSpeed)
	assert.Equal(t, SourceQBAPI, view.ReannounceSource)

	all := svc.GetAllStates()
	require.Len(t, all, 1)

	stats := svc.GetStats()
	assert.Equal(t, 1, stats.StatesCount)
	assert.False(t, stats.Running)
	assert.Equal(t, int64(1), stats.QBAPISuccess)
}

func TestTruncateRunes(t *testing.T) {
	assert.Equal(t, "short", truncateRunes("short", 30))
	assert.Equal(t, "精准限速", truncateRunes("精准限速引擎", 4))
}

func TestFmtSpeed(t *testing.T) {
	assert.Equal(t, "0 B/s", fmtSpeed(0))
	assert.Equal(t, "512.0 B/s", fmtSpeed(512))
	assert.Equal(t, "2.0 KiB/s", fmtSpeed(2048))
	assert.Equal(t, "1.5 MiB/s", fmtSpeed(1.5*1024*1024))
}

func TestProcessTorrent_UploadedRegressionStartsNewCycle(t *testing.T) {
	// A shrinking uploaded counter (client restart) must rebase the cycle
	// exactly like a detected announce, not just the uploaded baseline.
	client := &fakeClient{props: qbt.TorrentProperties{Reannounce: 1700}}
	svc, _ := testService(t, client)

	state := newTorrentState("deadbeef")
	state.cycleSynced = true
	state.cycleStart = testNow - 600
	state.cycleUploadedStart = 5_000_000
	state.cachedTimeLeft = 1700
	state.cycleIndex = 2
	svc.states["deadbeef"] = state

	torrent := &qbt.Torrent{Hash: "deadbeef", Name: "t", State: "uploading", Uploaded: 1000}
	rule := &models.SpeedRule{TargetSpeedKiB: 51200, SafetyMargin: 0.98}

	svc.processTorrent(context.Background(), 1, client, torrent, rule, testNow)

	assert.Equal(t, 3, state.cycleIndex)
	assert.Equal(t, testNow, state.cycleStart)
	assert.Equal(t, int64(1000), state.cycleUploadedStart)
	assert.Zero(t, state.cycleUploaded(1000))
	assert.Equal(t, 1700.0, state.cachedTimeLeft)
}

type deadlineClient struct {
	fakeClient
	propsDeadline bool
	limitDeadline bool
}

func (d *deadlineClient) Properties(ctx context.Context, hash string) (qbt.TorrentProperties, error) {
	_, d.propsDeadline = ctx.Deadline()
	return d.fakeClient.Properties(ctx, hash)
}

func (d *deadlineClient) SetUploadLimit(ctx context.Context, hash string, bytesPerSecond int64) error {
	_, d.limitDeadline = ctx.Deadline()
	return d.fakeClient.SetUploadLimit(ctx, hash, bytesPerSecond)
}

func TestProcessTorrent_BoundsEachClientCall(t *testing.T) {
	client := &deadlineClient{fakeClient: fakeClient{props: qbt.TorrentProperties{Reannounce: 1700}}}
	svc, _ := testService(t, client)

	torrent := &qbt.Torrent{Hash: "cafe", Name: "t", State: "uploading"}
	rule := &models.SpeedRule{TargetSpeedKiB: 51200, SafetyMargin: 0.98}

	// The tick context carries no deadline; every client call must get one.
	svc.processTorrent(context.Background(), 1, client, torrent, rule, testNow)

	require.Len(t, client.setLimits, 1)
	assert.True(t, client.propsDeadline)
	assert.True(t, client.limitDeadline)
}

func TestInspectionConcurrentWithProcessing(t *testing.T) {
	client := &fakeClient{props: qbt.TorrentProperties{Reannounce: 1700}}
	svc, _ := testService(t, client)

	torrent := &qbt.Torrent{Hash: "cafe", Name: "viewable", State: "uploading", UpSpeed: 2048}
	rule := &models.SpeedRule{TargetSpeedKiB: 51200, SafetyMargin: 0.98}
	svc.processTorrent(context.Background(), 1, client, torrent, rule, testNow)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			svc.GetAllStates()
			svc.GetState("cafe")
			svc.GetStats()
		}
	}()

	for i := 0; i < 200; i++ {
		torrent.Uploaded += 1000
		torrent.UpSpeed += 10
		svc.processTorrent(context.Background(), 1, client, torrent, rule, testNow+float64(i+1))
	}
	<-done

	view := svc.GetState("cafe")
	require.NotNil(t, view)
	assert.Equal(t, "cafe", view.Hash)
}
