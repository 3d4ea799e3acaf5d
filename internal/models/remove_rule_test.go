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

func TestRemoveRuleStore_ConditionRoundtrip(t *testing.T) {
	db := newTestDB(t)
	store := models.NewRemoveRuleStore(db)
	ctx := context.Background()

	ratio := 2.0
	seedingTime := int64(86400)

	created, err := store.Create(ctx, &models.RemoveRule{
		Name:        "served",
		Description: "ratio and time served",
		Condition: models.RemoveCondition{
			Completed:     true,
			RatioGT:       &ratio,
			SeedingTimeGT: &seedingTime,
		},
		Enabled: true,
	})
	require.NoError(t, err)

	got, err := store.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.True(t, got.Condition.Completed)
	require.NotNil(t, got.Condition.RatioGT)
	assert.Equal(t, 2.0, *got.Condition.RatioGT)
	require.NotNil(t, got.Condition.SeedingTimeGT)
	assert.Equal(t, int64(86400), *got.Condition.SeedingTimeGT)
	assert.Nil(t, got.Condition.FreeSpaceLT)
}

func TestRemoveRuleStore_ListOrderedBySortOrder(t *testing.T) {
	db := newTestDB(t)
	store := models.NewRemoveRuleStore(db)
	ctx := context.Background()

	_, err := store.Create(ctx, &models.RemoveRule{Name: "second", SortOrder: 2, Enabled: true})
	require.NoError(t, err)
	_, err = store.Create(ctx, &models.RemoveRule{Name: "first", SortOrder: 1, Enabled: true})
	require.NoError(t, err)
	_, err = store.Create(ctx, &models.RemoveRule{Name: "disabled", SortOrder: 0, Enabled: false})
	require.NoError(t, err)

	all, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "disabled", all[0].Name)

	enabled, err := store.ListEnabled(ctx)
	require.NoError(t, err)
	require.Len(t, enabled, 2)
	assert.Equal(t, "first", enabled[0].Name)
	assert.Equal(t, "second", enabled[1].Name)
}

func TestRemoveRuleStore_MalformedConditionSkipped(t *testing.T) {
	db := newTestDB(t)
	store := models.NewRemoveRuleStore(db)
	ctx := context.Background()

	_, err := store.Create(ctx, &models.RemoveRule{Name: "good", Enabled: true})
	require.NoError(t, err)

	_, err = db.ExecContext(ctx, `
		INSERT INTO remove_rules (name, description, condition, enabled, sort_order)
		VALUES ('broken', '', 'not json', 1, 5)
	`)
	require.NoError(t, err)

	rules, err := store.ListEnabled(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "good", rules[0].Name)
}

func TestRemoveRuleStore_UnknownConditionKeysIgnored(t *testing.T) {
	db := newTestDB(t)
	store := models.NewRemoveRuleStore(db)
	ctx := context.Background()

	_, err := db.ExecContext(ctx, `
		INSERT INTO remove_rules (name, description, condition, enabled, sort_order)
		VALUES ('future', '', '{"ratio_gt": 1.5, "some_future_key": true}', 1, 0)
	`)
	require.NoError(t, err)

	rules, err := store.ListEnabled(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	require.NotNil(t, rules[0].Condition.RatioGT)
	assert.Equal(t, 1.5, *rules[0].Condition.RatioGT)
}
