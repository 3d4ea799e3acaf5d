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

// SpeedRule sets the per-announce-cycle upload target for one site.
// A nil SiteID marks the default fallback rule used when no site matches.
type SpeedRule struct {
	ID             int       `json:"id"`
	SiteID         *int      `json:"siteId,omitempty"`
	TargetSpeedKiB int64     `json:"targetSpeedKiB"`
	SafetyMargin   float64   `json:"safetyMargin"`
	Enabled        bool      `json:"enabled"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// TargetBytesPerSecond converts the configured KiB/s target to B/s with the
// safety margin applied.
func (r *SpeedRule) TargetBytesPerSecond() int64 {
	margin := r.SafetyMargin
	if margin <= 0 || margin > 1 {
		margin = 0.98
	}
	return int64(float64(r.TargetSpeedKiB) * 1024 * margin)
}

type SpeedRuleStore struct {
	db dbinterface.Querier
}

func NewSpeedRuleStore(db dbinterface.Querier) *SpeedRuleStore {
	return &SpeedRuleStore{db: db}
}

const speedRuleColumns = `id, site_id, target_speed_kib, safety_margin, enabled, created_at, updated_at`

func scanSpeedRule(scan func(dest ...any) error) (*SpeedRule, error) {
	var rule SpeedRule
	var siteID sql.NullInt64

	if err := scan(
		&rule.ID,
		&siteID,
		&rule.TargetSpeedKiB,
		&rule.SafetyMargin,
		&rule.Enabled,
		&rule.CreatedAt,
		&rule.UpdatedAt,
	); err != nil {
		return nil, err
	}

	if siteID.Valid {
		id := int(siteID.Int64)
		rule.SiteID = &id
	}

	return &rule, nil
}

func (s *SpeedRuleStore) List(ctx context.Context) ([]*SpeedRule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+speedRuleColumns+` FROM speed_rules ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*SpeedRule
	for rows.Next() {
		rule, err := scanSpeedRule(rows.Scan)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}

	return rules, rows.Err()
}

// ListEnabled returns only enabled rules. The default fallback rule, if
// enabled, is included with a nil SiteID.
func (s *SpeedRuleStore) ListEnabled(ctx context.Context) ([]*SpeedRule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+speedRuleColumns+` FROM speed_rules WHERE enabled = 1 ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*SpeedRule
	for rows.Next() {
		rule, err := scanSpeedRule(rows.Scan)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}

	return rules, rows.Err()
}

func (s *SpeedRuleStore) Get(ctx context.Context, id int) (*SpeedRule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+speedRuleColumns+` FROM speed_rules WHERE id = ?`, id)
	return scanSpeedRule(row.Scan)
}

func (s *SpeedRuleStore) Create(ctx context.Context, rule *SpeedRule) (*SpeedRule, error) {
	if rule == nil {
		return nil, errors.New("rule is nil")
	}
	if rule.TargetSpeedKiB <= 0 {
		return nil, errors.New("target speed must be positive")
	}
	if rule.SafetyMargin <= 0 || rule.SafetyMargin > 1 {
		rule.SafetyMargin = 0.98
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO speed_rules (site_id, target_speed_kib, safety_margin, enabled)
		VALUES (?, ?, ?, ?)
	`, nullableInt(rule.SiteID), rule.TargetSpeedKiB, rule.SafetyMargin, boolToInt(rule.Enabled))
	if err != nil {
		return nil, err
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	return s.Get(ctx, int(id))
}

func (s *SpeedRuleStore) Update(ctx context.Context, rule *SpeedRule) (*SpeedRule, error) {
	if rule == nil {
		return nil, errors.New("rule is nil")
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE speed_rules
		SET site_id = ?, target_speed_kib = ?, safety_margin = ?, enabled = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, nullableInt(rule.SiteID), rule.TargetSpeedKiB, rule.SafetyMargin, boolToInt(rule.Enabled), rule.ID)
	if err != nil {
		return nil, err
	}
	if rows, err := res.RowsAffected(); err == nil && rows == 0 {
		return nil, sql.ErrNoRows
	}

	return s.Get(ctx, rule.ID)
}

func (s *SpeedRuleStore) Delete(ctx context.Context, id int) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM speed_rules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if rows, err := res.RowsAffected(); err == nil && rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}
