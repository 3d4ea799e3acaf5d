// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"time"

	"github.com/autobrr/qgov/internal/dbinterface"
)

type AppLog struct {
	ID        int64     `json:"id"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
}

// AppLogStore mirrors engine log lines into the database so the management
// surface can show them without tailing files.
type AppLogStore struct {
	db dbinterface.Querier
}

func NewAppLogStore(db dbinterface.Querier) *AppLogStore {
	return &AppLogStore{db: db}
}

func (s *AppLogStore) Add(ctx context.Context, level string, message string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO app_logs (level, message) VALUES (?, ?)`, level, message)
	return err
}

func (s *AppLogStore) Recent(ctx context.Context, limit int) ([]*AppLog, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, level, message, created_at
		FROM app_logs
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*AppLog
	for rows.Next() {
		var entry AppLog
		if err := rows.Scan(&entry.ID, &entry.Level, &entry.Message, &entry.CreatedAt); err != nil {
			return nil, err
		}
		logs = append(logs, &entry)
	}

	return logs, rows.Err()
}

// Prune keeps only the newest keep rows.
func (s *AppLogStore) Prune(ctx context.Context, keep int) error {
	if keep <= 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM app_logs
		WHERE id NOT IN (SELECT id FROM app_logs ORDER BY id DESC LIMIT ?)
	`, keep)
	return err
}
