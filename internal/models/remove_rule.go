// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/autobrr/qgov/internal/dbinterface"
)

// RemoveCondition is the AND of its present predicates. Absent fields are
// "don't care". Unknown keys in stored JSON are ignored on decode.
type RemoveCondition struct {
	FreeSpaceLT   *int64   `json:"free_space_lt,omitempty"`
	UploadSpeedLT *int64   `json:"upload_speed_lt,omitempty"`
	Completed     bool     `json:"completed,omitempty"`
	SeedingTimeGT *int64   `json:"seeding_time_gt,omitempty"`
	RatioGT       *float64 `json:"ratio_gt,omitempty"`
	SizeGT        *int64   `json:"size_gt,omitempty"`
	NoPeersTimeGT *int64   `json:"no_peers_time_gt,omitempty"`
}

// RemoveRule removes torrents whose snapshot satisfies Condition.
// Rules are evaluated in sort order; the first match wins.
type RemoveRule struct {
	ID          int             `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Condition   RemoveCondition `json:"condition"`
	Enabled     bool            `json:"enabled"`
	SortOrder   int             `json:"sortOrder"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

type RemoveRuleStore struct {
	db dbinterface.Querier
}

func NewRemoveRuleStore(db dbinterface.Querier) *RemoveRuleStore {
	return &RemoveRuleStore{db: db}
}

const removeRuleColumns = `id, name, description, condition, enabled, sort_order, created_at, updated_at`

func scanRemoveRule(scan func(dest ...any) error) (*RemoveRule, error) {
	var rule RemoveRule
	var condition string

	if err := scan(
		&rule.ID,
		&rule.Name,
		&rule.Description,
		&condition,
		&rule.Enabled,
		&rule.SortOrder,
		&rule.CreatedAt,
		&rule.UpdatedAt,
	); err != nil {
		return nil, err
	}

	if condition != "" {
		if err := json.Unmarshal([]byte(condition), &rule.Condition); err != nil {
			// Malformed stored conditions must not break rule listing; the
			// rule simply never matches.
			return nil, errMalformedCondition
		}
	}

	return &rule, nil
}

var errMalformedCondition = errors.New("malformed remove rule condition")

func (s *RemoveRuleStore) list(ctx context.Context, query string, args ...any) ([]*RemoveRule, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*RemoveRule
	for rows.Next() {
		rule, err := scanRemoveRule(rows.Scan)
		if err != nil {
			if errors.Is(err, errMalformedCondition) {
				continue
			}
			return nil, err
		}
		rules = append(rules, rule)
	}

	return rules, rows.Err()
}

func (s *RemoveRuleStore) List(ctx context.Context) ([]*RemoveRule, error) {
	return s.list(ctx, `SELECT `+removeRuleColumns+` FROM remove_rules ORDER BY sort_order ASC, id ASC`)
}

func (s *RemoveRuleStore) ListEnabled(ctx context.Context) ([]*RemoveRule, error) {
	return s.list(ctx, `SELECT `+removeRuleColumns+` FROM remove_rules WHERE enabled = 1 ORDER BY sort_order ASC, id ASC`)
}

func (s *RemoveRuleStore) Get(ctx context.Context, id int) (*RemoveRule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+removeRuleColumns+` FROM remove_rules WHERE id = ?`, id)
	return scanRemoveRule(row.Scan)
}

func (s *RemoveRuleStore) Create(ctx context.Context, rule *RemoveRule) (*RemoveRule, error) {
	if rule == nil {
		return nil, errors.New("rule is nil")
	}

	condition, err := json.Marshal(rule.Condition)
	if err != nil {
		return nil, err
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO remove_rules (name, description, condition, enabled, sort_order)
		VALUES (?, ?, ?, ?, ?)
	`, rule.Name, rule.Description, string(condition), boolToInt(rule.Enabled), rule.SortOrder)
	if err != nil {
		return nil, err
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	return s.Get(ctx, int(id))
}

func (s *RemoveRuleStore) Update(ctx context.Context, rule *RemoveRule) (*RemoveRule, error) {
	if rule == nil {
		return nil, errors.New("rule is nil")
	}

	condition, err := json.Marshal(rule.Condition)
	if err != nil {
		return nil, err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE remove_rules
		SET name = ?, description = ?, condition = ?, enabled = ?, sort_order = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, rule.Name, rule.Description, string(condition), boolToInt(rule.Enabled), rule.SortOrder, rule.ID)
	if err != nil {
		return nil, err
	}
	if rows, err := res.RowsAffected(); err == nil && rows == 0 {
		return nil, sql.ErrNoRows
	}

	return s.Get(ctx, rule.ID)
}

func (s *RemoveRuleStore) Delete(ctx context.Context, id int) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM remove_rules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if rows, err := res.RowsAffected(); err == nil && rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}
