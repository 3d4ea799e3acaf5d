// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"errors"

	"github.com/autobrr/qgov/internal/dbinterface"
)

// Well-known setting keys consumed by the engines.
const (
	SettingAutoRemoveEnabled     = "auto_remove_enabled"
	SettingAutoRemoveInterval    = "auto_remove_interval"
	SettingAutoRemoveSleep       = "auto_remove_sleep"
	SettingAutoRemoveReannounce  = "auto_remove_reannounce"
	SettingAutoRemoveDeleteFiles = "auto_remove_delete_files"
	SettingGlobalProxy           = "global_proxy"
	SettingTelegramBotToken      = "telegram_bot_token"
	SettingTelegramChatID        = "telegram_chat_id"
)

// AppSettingStore is the runtime key/value configuration shared by both
// engines and the management surface.
type AppSettingStore struct {
	db dbinterface.Querier
}

func NewAppSettingStore(db dbinterface.Querier) *AppSettingStore {
	return &AppSettingStore{db: db}
}

// Get returns the stored value, or fallback when the key is absent.
func (s *AppSettingStore) Get(ctx context.Context, key string, fallback string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM app_settings WHERE key = ?`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fallback, nil
		}
		return fallback, err
	}
	return value, nil
}

func (s *AppSettingStore) Set(ctx context.Context, key string, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_settings (key, value)
		VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
	`, key, value)
	return err
}
