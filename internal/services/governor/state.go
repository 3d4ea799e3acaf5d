// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package governor

import (
	"github.com/autobrr/qgov/internal/models"
)

const defaultAnnounceInterval = 1800

// torrentState is the in-memory control state for one torrent. The engine
// goroutine owns it; snapshots cross the boundary to the store and the
// management surface.
type torrentState struct {
	hash       string
	name       string
	tracker    string
	instanceID int

	cycleStart         float64
	cycleUploadedStart int64
	cycleIndex         int
	cycleSynced        bool

	reannounceTime   float64
	cachedTimeLeft   float64
	reannounceSource string

	targetSpeed     int64
	lastLimit       int64
	lastLimitReason string

	siteID *int
	tid    *int64

	pid    *pidController
	kalman *kalmanFilter

	lastUploaded int64
	lastSpeed    int64
	lastLogTime  float64
}

func newTorrentState(hash string) *torrentState {
	return &torrentState{
		hash:             hash,
		cachedTimeLeft:   defaultAnnounceInterval,
		reannounceSource: "unknown",
		lastLimit:        -1,
		pid:              newPIDController(),
		kalman:           newKalmanFilter(),
	}
}

func (s *torrentState) phase(now float64) Phase {
	if !s.cycleSynced {
		return PhaseWarmup
	}
	timeLeft := s.cachedTimeLeft
	if s.reannounceTime > 0 {
		timeLeft = maxFloat(0, s.reannounceTime-now)
	}
	return phaseFor(timeLeft, s.cycleSynced)
}

// cycleUploaded returns the bytes uploaded since the cycle started.
func (s *torrentState) cycleUploaded(currentUploaded int64) int64 {
	if currentUploaded < s.cycleUploadedStart {
		return 0
	}
	return currentUploaded - s.cycleUploadedStart
}

// newCycle rebases the accounting onto a fresh announce cycle. Estimator
// history from the finished cycle is discarded.
func (s *torrentState) newCycle(now float64, currentUploaded int64, timeLeft float64) {
	s.cycleStart = now
	s.cycleUploadedStart = currentUploaded
	s.cycleIndex++
	s.pid.reset()
	s.reannounceTime = now + timeLeft
	s.cachedTimeLeft = timeLeft
}

func (s *torrentState) snapshot(now int64) *models.LimitStateSnapshot {
	return &models.LimitStateSnapshot{
		Hash:               s.hash,
		Name:               s.name,
		Tracker:            s.tracker,
		InstanceID:         s.instanceID,
		SiteID:             s.siteID,
		TID:                s.tid,
		CycleIndex:         s.cycleIndex,
		CycleStart:         s.cycleStart,
		CycleUploadedStart: s.cycleUploadedStart,
		CycleSynced:        s.cycleSynced,
		TargetSpeed:        s.targetSpeed,
		LastLimit:          s.lastLimit,
		ReannounceTime:     s.reannounceTime,
		CachedTimeLeft:     s.cachedTimeLeft,
		UpdatedAt:          now,
	}
}

func stateFromSnapshot(snap *models.LimitStateSnapshot) *torrentState {
	state := newTorrentState(snap.Hash)
	state.name = snap.Name
	state.tracker = snap.Tracker
	state.instanceID = snap.InstanceID
	state.siteID = snap.SiteID
	state.tid = snap.TID
	state.cycleIndex = snap.CycleIndex
	state.cycleStart = snap.CycleStart
	state.cycleUploadedStart = snap.CycleUploadedStart
	state.cycleSynced = snap.CycleSynced
	state.targetSpeed = snap.TargetSpeed
	state.lastLimit = snap.LastLimit
	state.reannounceTime = snap.ReannounceTime
	state.cachedTimeLeft = snap.CachedTimeLeft
	return state
}
