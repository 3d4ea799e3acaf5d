// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/qgov/internal/models"
)

func TestAppSettingStore_GetFallback(t *testing.T) {
	db := newTestDB(t)
	store := models.NewAppSettingStore(db)
	ctx := context.Background()

	got, err := store.Get(ctx, models.SettingAutoRemoveEnabled, "false")
	require.NoError(t, err)
	assert.Equal(t, "false", got)
}

func TestAppSettingStore_SetAndOverwrite(t *testing.T) {
	db := newTestDB(t)
	store := models.NewAppSettingStore(db)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, models.SettingGlobalProxy, "http://127.0.0.1:8118"))

	got, err := store.Get(ctx, models.SettingGlobalProxy, "")
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:8118", got)

	require.NoError(t, store.Set(ctx, models.SettingGlobalProxy, ""))

	got, err = store.Get(ctx, models.SettingGlobalProxy, "unset")
	require.NoError(t, err)
	assert.Equal(t, "", got)
}
