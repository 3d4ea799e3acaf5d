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

// Instance is one managed qBittorrent endpoint.
type Instance struct {
	ID            int       `json:"id"`
	Name          string    `json:"name"`
	Host          string    `json:"host"`
	Username      string    `json:"username"`
	Password      string    `json:"-"`
	BasicUsername *string   `json:"basicUsername,omitempty"`
	BasicPassword *string   `json:"-"`
	Enabled       bool      `json:"enabled"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

type InstanceStore struct {
	db dbinterface.Querier
}

func NewInstanceStore(db dbinterface.Querier) *InstanceStore {
	return &InstanceStore{db: db}
}

const instanceColumns = `id, name, host, username, password, basic_username, basic_password, enabled, created_at, updated_at`

func scanInstance(scan func(dest ...any) error) (*Instance, error) {
	var instance Instance
	var basicUsername, basicPassword sql.NullString

	if err := scan(
		&instance.ID,
		&instance.Name,
		&instance.Host,
		&instance.Username,
		&instance.Password,
		&basicUsername,
		&basicPassword,
		&instance.Enabled,
		&instance.CreatedAt,
		&instance.UpdatedAt,
	); err != nil {
		return nil, err
	}

	if basicUsername.Valid {
		instance.BasicUsername = &basicUsername.String
	}
	if basicPassword.Valid {
		instance.BasicPassword = &basicPassword.String
	}

	return &instance, nil
}

func (s *InstanceStore) List(ctx context.Context, enabledOnly bool) ([]*Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM instances ORDER BY id ASC`
	if enabledOnly {
		query = `SELECT ` + instanceColumns + ` FROM instances WHERE enabled = 1 ORDER BY id ASC`
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instances []*Instance
	for rows.Next() {
		instance, err := scanInstance(rows.Scan)
		if err != nil {
			return nil, err
		}
		instances = append(instances, instance)
	}

	return instances, rows.Err()
}

func (s *InstanceStore) Get(ctx context.Context, id int) (*Instance, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM instances WHERE id = ?`, id)
	return scanInstance(row.Scan)
}

func (s *InstanceStore) Create(ctx context.Context, instance *Instance) (*Instance, error) {
	if instance == nil {
		return nil, errors.New("instance is nil")
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO instances (name, host, username, password, basic_username, basic_password, enabled)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, instance.Name, instance.Host, instance.Username, instance.Password,
		nullableString(instance.BasicUsername), nullableString(instance.BasicPassword), boolToInt(instance.Enabled))
	if err != nil {
		return nil, err
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	return s.Get(ctx, int(id))
}

func (s *InstanceStore) Update(ctx context.Context, instance *Instance) (*Instance, error) {
	if instance == nil {
		return nil, errors.New("instance is nil")
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE instances
		SET name = ?, host = ?, username = ?, password = ?, basic_username = ?, basic_password = ?,
		    enabled = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, instance.Name, instance.Host, instance.Username, instance.Password,
		nullableString(instance.BasicUsername), nullableString(instance.BasicPassword),
		boolToInt(instance.Enabled), instance.ID)
	if err != nil {
		return nil, err
	}
	if rows, err := res.RowsAffected(); err == nil && rows == 0 {
		return nil, sql.ErrNoRows
	}

	return s.Get(ctx, instance.ID)
}

func (s *InstanceStore) Delete(ctx context.Context, id int) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM instances WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if rows, err := res.RowsAffected(); err == nil && rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}
