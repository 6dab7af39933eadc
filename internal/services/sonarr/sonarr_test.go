// Copyright (c) 2024, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package sonarr

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProbeMarksHealthyOnSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/system/status", r.URL.Path)
		assert.Equal(t, "testkey", r.Header.Get("X-Api-Key"))
		_ = json.NewEncoder(w).Encode(systemStatusResponse{Version: "4.0.0"})
	}))
	defer srv.Close()

	c := New(srv.URL, "testkey")
	require.NoError(t, c.Probe(context.Background()))
	assert.True(t, c.Healthy())
	assert.False(t, c.LastCheck().IsZero())
}

func TestProbeMarksUnhealthyOnFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, "testkey")
	err := c.Probe(context.Background())
	require.Error(t, err)
	assert.False(t, c.Healthy())
}

func TestCallsFailFastWhenUnhealthy(t *testing.T) {
	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, "testkey")
	require.Error(t, c.Probe(context.Background()))
	require.False(t, c.Healthy())

	afterProbe := requests
	_, err := c.GetSeries(context.Background())
	require.ErrorIs(t, err, ErrBackendUnavailable)
	assert.Equal(t, afterProbe, requests, "GetSeries must not issue a request once Probe has marked the backend unhealthy")
}

func TestGetSeriesEpisodesIsCached(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		_ = json.NewEncoder(w).Encode([]SeriesEpisode{{ID: 1, SeriesID: 42, SeasonNumber: 1}})
	}))
	defer srv.Close()

	c := New(srv.URL, "testkey")
	ctx := context.Background()

	eps, err := c.GetSeriesEpisodes(ctx, 42)
	require.NoError(t, err)
	require.Len(t, eps, 1)

	_, err = c.GetSeriesEpisodes(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, 1, calls, "second call should be served from cache")
}

func TestGetWantedMissingPaginates(t *testing.T) {
	page := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page++
		if page == 1 {
			_ = json.NewEncoder(w).Encode(wantedPage{
				Page: 1, TotalRecords: 2,
				Records: []WantedEpisode{{ID: 1}},
			})
			return
		}
		_ = json.NewEncoder(w).Encode(wantedPage{
			Page: 2, TotalRecords: 2,
			Records: []WantedEpisode{{ID: 2}},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "testkey")
	all, err := c.GetWantedMissing(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
