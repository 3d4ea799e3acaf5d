// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package autoremove deletes torrents that match configured rule conditions,
// with an optional tracker announce before each deletion so the final
// uploaded totals are reported.
package autoremove

import (
	"time"

	qbt "github.com/autobrr/go-qbittorrent"

	"github.com/autobrr/qgov/internal/models"
)

// matchCondition evaluates the AND of all present predicates against one
// torrent snapshot. An empty condition matches everything.
func matchCondition(torrent *qbt.Torrent, condition *models.RemoveCondition, freeSpace int64, now time.Time) bool {
	if condition.FreeSpaceLT != nil && freeSpace >= *condition.FreeSpaceLT {
		return false
	}

	if condition.UploadSpeedLT != nil && torrent.UpSpeed >= *condition.UploadSpeedLT {
		return false
	}

	if condition.Completed && torrent.Progress < 1.0 {
		return false
	}

	if condition.SeedingTimeGT != nil && torrent.SeedingTime <= *condition.SeedingTimeGT {
		return false
	}

	if condition.RatioGT != nil && torrent.Ratio <= *condition.RatioGT {
		return false
	}

	if condition.SizeGT != nil && torrent.Size <= *condition.SizeGT {
		return false
	}

	if condition.NoPeersTimeGT != nil && torrent.LastActivity > 0 {
		noPeerTime := now.Unix() - torrent.LastActivity
		if noPeerTime <= *condition.NoPeersTimeGT {
			return false
		}
	}

	return true
}

// matchRules returns the first rule whose condition the torrent satisfies.
func matchRules(torrent *qbt.Torrent, rules []*models.RemoveRule, freeSpace int64, now time.Time) *models.RemoveRule {
	for _, rule := range rules {
		if matchCondition(torrent, &rule.Condition, freeSpace, now) {
			return rule
		}
	}
	return nil
}
