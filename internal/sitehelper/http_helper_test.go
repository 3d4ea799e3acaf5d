// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package sitehelper

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/qgov/internal/models"
)

func newTestHelper(t *testing.T, handler http.Handler) *httpHelper {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	helper, err := newHTTPHelper(&models.Site{
		ID:     7,
		Name:   "testsite",
		URL:    srv.URL,
		Cookie: "session=secret",
	}, "")
	require.NoError(t, err)

	return helper
}

func TestHTTPHelper_SearchTIDByHash(t *testing.T) {
	var gotCookie, gotPath, gotHash string

	helper := newTestHelper(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCookie = r.Header.Get("Cookie")
		gotPath = r.URL.Path
		gotHash = r.URL.Query().Get("hash")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"tid": 4321}`))
	}))

	ref, err := helper.SearchTIDByHash(context.Background(), "ABCDEF1234")
	require.NoError(t, err)

	assert.Equal(t, int64(4321), ref.TID)
	assert.Equal(t, 7, ref.SiteID)
	assert.Equal(t, "session=secret", gotCookie)
	assert.Equal(t, "/api/torrent/search", gotPath)
	assert.Equal(t, "abcdef1234", gotHash)
}

func TestHTTPHelper_SearchTIDByHashNotFound(t *testing.T) {
	helper := newTestHelper(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"tid": 0}`))
	}))

	_, err := helper.SearchTIDByHash(context.Background(), "abcdef")
	assert.Error(t, err)
}

func TestHTTPHelper_ReannounceTime(t *testing.T) {
	helper := newTestHelper(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/torrent/peerstatus", r.URL.Path)
		assert.Equal(t, "4321", r.URL.Query().Get("tid"))
		w.Write([]byte(`{"next_announce": 1234}`))
	}))

	next, err := helper.ReannounceTime(context.Background(), 4321)
	require.NoError(t, err)
	assert.Equal(t, int64(1234), next)
}

func TestHTTPHelper_RetriesOnServerError(t *testing.T) {
	var calls int
	helper := newTestHelper(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"next_announce": 60}`))
	}))

	next, err := helper.ReannounceTime(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(60), next)
	assert.Equal(t, 2, calls)
}

func TestHTTPHelper_FailsAfterRetriesExhausted(t *testing.T) {
	var calls int
	helper := newTestHelper(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusForbidden)
	}))

	_, err := helper.ReannounceTime(context.Background(), 1)
	assert.Error(t, err)
	assert.Equal(t, maxAttempts, calls)
}

func TestHTTPHelper_Enabled(t *testing.T) {
	helper, err := newHTTPHelper(&models.Site{URL: "https://pt.example.org", Cookie: "c=1"}, "")
	require.NoError(t, err)
	assert.True(t, helper.Enabled())

	helper, err = newHTTPHelper(&models.Site{URL: "https://pt.example.org"}, "")
	require.NoError(t, err)
	assert.False(t, helper.Enabled())
}

func TestNewHTTPHelper_InvalidProxy(t *testing.T) {
	_, err := newHTTPHelper(&models.Site{URL: "https://pt.example.org", Cookie: "c=1"}, "://bad-proxy")
	assert.Error(t, err)
}
