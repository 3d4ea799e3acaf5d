// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/autobrr/qgov/internal/dbinterface"
)

// LimitStateSnapshot is the persisted part of a torrent's governor state.
// Estimator internals (PID, Kalman) are intentionally not persisted; they are
// re-created at their initial values on restore.
type LimitStateSnapshot struct {
	Hash               string  `json:"hash"`
	Name               string  `json:"name"`
	Tracker            string  `json:"tracker"`
	InstanceID         int     `json:"instanceId"`
	SiteID             *int    `json:"siteId,omitempty"`
	TID                *int64  `json:"tid,omitempty"`
	CycleIndex         int     `json:"cycleIndex"`
	CycleStart         float64 `json:"cycleStart"`
	CycleUploadedStart int64   `json:"cycleUploadedStart"`
	CycleSynced        bool    `json:"cycleSynced"`
	TargetSpeed        int64   `json:"targetSpeed"`
	LastLimit          int64   `json:"lastLimit"`
	ReannounceTime     float64 `json:"reannounceTime"`
	CachedTimeLeft     float64 `json:"cachedTimeLeft"`
	UpdatedAt          int64   `json:"updatedAt"`
}

type LimitStateStore struct {
	db dbinterface.Querier
}

func NewLimitStateStore(db dbinterface.Querier) *LimitStateStore {
	return &LimitStateStore{db: db}
}

// maxSnapshotAge is how long a persisted snapshot stays usable. Entries older
// than this describe announce cycles that have certainly elapsed.
const maxSnapshotAge = 24 * time.Hour

const limitStateColumns = `hash, name, tracker, instance_id, site_id, tid, cycle_index, cycle_start,
	cycle_uploaded_start, cycle_synced, target_speed, last_limit, reannounce_time, cached_time_left, updated_at`

// Save upserts one snapshot.
func (s *LimitStateStore) Save(ctx context.Context, snapshot *LimitStateSnapshot) error {
	if snapshot == nil {
		return errors.New("snapshot is nil")
	}
	if snapshot.Hash == "" {
		return errors.New("snapshot hash is required")
	}

	updatedAt := snapshot.UpdatedAt
	if updatedAt == 0 {
		updatedAt = time.Now().Unix()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO torrent_limit_state
			(hash, name, tracker, instance_id, site_id, tid, cycle_index, cycle_start,
			 cycle_uploaded_start, cycle_synced, target_speed, last_limit, reannounce_time, cached_time_left, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (hash) DO UPDATE SET
			name = excluded.name,
			tracker = excluded.tracker,
			instance_id = excluded.instance_id,
			site_id = excluded.site_id,
			tid = excluded.tid,
			cycle_index = excluded.cycle_index,
			cycle_start = excluded.cycle_start,
			cycle_uploaded_start = excluded.cycle_uploaded_start,
			cycle_synced = excluded.cycle_synced,
			target_speed = excluded.target_speed,
			last_limit = excluded.last_limit,
			reannounce_time = excluded.reannounce_time,
			cached_time_left = excluded.cached_time_left,
			updated_at = excluded.updated_at
	`, snapshot.Hash, snapshot.Name, snapshot.Tracker, snapshot.InstanceID,
		nullableInt(snapshot.SiteID), nullableInt64(snapshot.TID),
		snapshot.CycleIndex, snapshot.CycleStart, snapshot.CycleUploadedStart,
		boolToInt(snapshot.CycleSynced), snapshot.TargetSpeed, snapshot.LastLimit,
		snapshot.ReannounceTime, snapshot.CachedTimeLeft, updatedAt)

	return err
}

// ListFresh returns snapshots no older than 24 hours and prunes the rest.
func (s *LimitStateStore) ListFresh(ctx context.Context) ([]*LimitStateSnapshot, error) {
	cutoff := time.Now().Add(-maxSnapshotAge).Unix()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM torrent_limit_state WHERE updated_at < ?`, cutoff); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+limitStateColumns+` FROM torrent_limit_state WHERE updated_at >= ?`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snapshots []*LimitStateSnapshot
	for rows.Next() {
		var snap LimitStateSnapshot
		var siteID sql.NullInt64
		var tid sql.NullInt64

		if err := rows.Scan(
			&snap.Hash,
			&snap.Name,
			&snap.Tracker,
			&snap.InstanceID,
			&siteID,
			&tid,
			&snap.CycleIndex,
			&snap.CycleStart,
			&snap.CycleUploadedStart,
			&snap.CycleSynced,
			&snap.TargetSpeed,
			&snap.LastLimit,
			&snap.ReannounceTime,
			&snap.CachedTimeLeft,
			&snap.UpdatedAt,
		); err != nil {
			return nil, err
		}

		if siteID.Valid {
			id := int(siteID.Int64)
			snap.SiteID = &id
		}
		if tid.Valid {
			snap.TID = &tid.Int64
		}

		snapshots = append(snapshots, &snap)
	}

	return snapshots, rows.Err()
}

func (s *LimitStateStore) Delete(ctx context.Context, hash string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM torrent_limit_state WHERE hash = ?`, hash)
	return err
}
