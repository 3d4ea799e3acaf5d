// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package governor

import (
	"context"

	"github.com/rs/zerolog/log"
)

// Countdown sources in precedence order. The engine prefers the tracker's own
// answer, then the qBittorrent API, then its own estimate, then whatever it
// last knew.
const (
	SourceSite      = "site"
	SourceQBAPI     = "qb_api"
	SourceEstimated = "estimated"
	SourceCached    = "cached"
)

// oracleQuery is the slice of torrent state the countdown lookup reads.
// It is copied out under the state lock so the network calls here never
// touch live state.
type oracleQuery struct {
	hash           string
	tracker        string
	tid            *int64
	reannounceTime float64
	cachedTimeLeft float64
}

// oracleResult carries the countdown plus anything learned along the way,
// to be applied back to the state under the lock.
type oracleResult struct {
	timeLeft       float64
	source         string
	tid            *int64
	siteID         *int
	reannounceTime float64
}

// resolveTimeLeft determines the seconds until the torrent's next announce.
func (s *Service) resolveTimeLeft(ctx context.Context, client InstanceClient, q oracleQuery, now float64) oracleResult {
	res := oracleResult{tid: q.tid, reannounceTime: q.reannounceTime}

	if s.siteHelpers != nil {
		if helper := s.siteHelpers.HelperByTracker(q.tracker); helper != nil && helper.Enabled() {
			if res.tid == nil {
				ref, err := helper.SearchTIDByHash(ctx, q.hash)
				if err != nil {
					log.Debug().Err(err).Str("hash", q.hash).Msg("governor: site tid lookup failed")
				} else if ref != nil && ref.TID > 0 {
					tid := ref.TID
					siteID := ref.SiteID
					res.tid = &tid
					res.siteID = &siteID
				}
			}

			if res.tid != nil {
				reannounce, err := helper.ReannounceTime(ctx, *res.tid)
				if err != nil {
					log.Debug().Err(err).Str("hash", q.hash).Msg("governor: site countdown lookup failed")
				} else if reannounce > 0 {
					s.stats.siteSuccess.Add(1)
					s.recordOracleHit(SourceSite)
					res.timeLeft = float64(reannounce)
					res.source = SourceSite
					return res
				}
			}
		}
	}

	if props, err := client.Properties(ctx, q.hash); err != nil {
		log.Debug().Err(err).Str("hash", q.hash).Msg("governor: qb api countdown lookup failed")
	} else if reannounce := props.Reannounce; reannounce > 0 && reannounce < 86400 {
		res.reannounceTime = now + float64(reannounce)
		s.stats.qbAPISuccess.Add(1)
		s.recordOracleHit(SourceQBAPI)
		res.timeLeft = float64(reannounce)
		res.source = SourceQBAPI
		return res
	}

	if q.reannounceTime > 0 {
		s.stats.fallbackCount.Add(1)
		s.recordOracleHit(SourceEstimated)
		res.timeLeft = maxFloat(0, q.reannounceTime-now)
		res.source = SourceEstimated
		return res
	}

	s.stats.fallbackCount.Add(1)
	s.recordOracleHit(SourceCached)
	res.timeLeft = q.cachedTimeLeft
	res.source = SourceCached
	return res
}

func (s *Service) recordOracleHit(source string) {
	if s.metrics != nil {
		s.metrics.GetOracleQueryTotal(source).Inc()
	}
}
