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

// Site is a private tracker the governor knows how to match torrents against.
// TrackerKeyword is probed as a case-insensitive substring of a torrent's
// tracker URL; the site URL host is tried as a fallback.
type Site struct {
	ID             int       `json:"id"`
	Name           string    `json:"name"`
	URL            string    `json:"url"`
	TrackerKeyword string    `json:"trackerKeyword"`
	Cookie         string    `json:"-"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

type SiteStore struct {
	db dbinterface.Querier
}

func NewSiteStore(db dbinterface.Querier) *SiteStore {
	return &SiteStore{db: db}
}

const siteColumns = `id, name, url, tracker_keyword, cookie, created_at, updated_at`

func scanSite(scan func(dest ...any) error) (*Site, error) {
	var site Site
	if err := scan(
		&site.ID,
		&site.Name,
		&site.URL,
		&site.TrackerKeyword,
		&site.Cookie,
		&site.CreatedAt,
		&site.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &site, nil
}

func (s *SiteStore) List(ctx context.Context) ([]*Site, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+siteColumns+` FROM sites ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sites []*Site
	for rows.Next() {
		site, err := scanSite(rows.Scan)
		if err != nil {
			return nil, err
		}
		sites = append(sites, site)
	}

	return sites, rows.Err()
}

func (s *SiteStore) Get(ctx context.Context, id int) (*Site, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+siteColumns+` FROM sites WHERE id = ?`, id)
	return scanSite(row.Scan)
}

func (s *SiteStore) Create(ctx context.Context, site *Site) (*Site, error) {
	if site == nil {
		return nil, errors.New("site is nil")
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sites (name, url, tracker_keyword, cookie)
		VALUES (?, ?, ?, ?)
	`, site.Name, site.URL, site.TrackerKeyword, site.Cookie)
	if err != nil {
		return nil, err
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	return s.Get(ctx, int(id))
}

func (s *SiteStore) Update(ctx context.Context, site *Site) (*Site, error) {
	if site == nil {
		return nil, errors.New("site is nil")
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE sites
		SET name = ?, url = ?, tracker_keyword = ?, cookie = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, site.Name, site.URL, site.TrackerKeyword, site.Cookie, site.ID)
	if err != nil {
		return nil, err
	}
	if rows, err := res.RowsAffected(); err == nil && rows == 0 {
		return nil, sql.ErrNoRows
	}

	return s.Get(ctx, site.ID)
}

func (s *SiteStore) Delete(ctx context.Context, id int) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sites WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if rows, err := res.RowsAffected(); err == nil && rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}
