// Copyright (c) 2024, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SavvyMeat/aw-downloader/internal/database"
	"github.com/SavvyMeat/aw-downloader/internal/models"
	"github.com/SavvyMeat/aw-downloader/internal/services/sonarr"
	"github.com/SavvyMeat/aw-downloader/internal/services/sourcesite"
)

func newTestDB(t *testing.T) *database.DB {
	t.Helper()
	dir := t.TempDir()
	db, err := database.InitDB(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newFakeSonarr(t *testing.T) *sonarr.Client {
	t.Helper()
	airDate := time.Now().Add(-24 * time.Hour).UTC().Format(time.RFC3339)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/series/7", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(sonarr.LibrarySeries{ID: 7, Title: "Example Show", Monitored: true})
	})
	mux.HandleFunc("/api/v3/series", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]sonarr.LibrarySeries{
			{ID: 7, Title: "Example Show", Monitored: true},
		})
	})
	mux.HandleFunc("/api/v3/rootfolder", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]sonarr.LibraryRootFolder{
			{ID: 1, Path: "/remote/library", Accessible: true, FreeSpace: 1024, TotalSpace: 2048},
		})
	})
	mux.HandleFunc("/api/v3/episode", func(w http.ResponseWriter, r *http.Request) {
		var eps []sonarr.SeriesEpisode
		for i := 1; i <= 12; i++ {
			eps = append(eps, sonarr.SeriesEpisode{
				ID: int64(i), SeriesID: 7, SeasonNumber: 1, EpisodeNumber: i, AirDateUTC: parseTime(t, airDate),
			})
		}
		json.NewEncoder(w).Encode(eps)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return sonarr.New(srv.URL, "key")
}

func parseTime(t *testing.T, v string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, v)
	require.NoError(t, err)
	return ts
}

func newFakeSourceSite(t *testing.T) *sourcesite.Client {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><head><meta name="csrf-token" content="abc123"></head></html>`)
	})
	mux.HandleFunc("/api/search/v2", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]map[string]interface{}{
			{"id": 1, "name": "Example Show", "identifier": "example-show"},
		})
	})
	mux.HandleFunc("/play/example-show", func(w http.ResponseWriter, r *http.Request) {
		var sb string
		for i := 1; i <= 12; i++ {
			sb += fmt.Sprintf(`<li class="episode"><a data-episode-num="%d" href="/watch/ep-%d"></a></li>`, i, i)
		}
		fmt.Fprintf(w, `<html><body><ul class="episodes">%s</ul></body></html>`, sb)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return sourcesite.New(srv.URL)
}

func TestSyncSeriesResolvesSourceMatchAndDownloadURLs(t *testing.T) {
	db := newTestDB(t)
	s := New(db, newFakeSonarr(t), nil, nil, newFakeSourceSite(t), nil)

	err := s.SyncSeries(context.Background(), 7, false)
	require.NoError(t, err)

	local, err := db.GetSeriesByLibraryID(context.Background(), 7)
	require.NoError(t, err)
	require.NotNil(t, local)
	assert.Equal(t, "Example Show", local.Title)

	season, err := db.GetSeason(context.Background(), local.ID, 1)
	require.NoError(t, err)
	require.NotNil(t, season)
	assert.Equal(t, []string{"example-show"}, []string(season.DownloadURLs))
}

func TestSyncSeriesErrorsWhenSeriesNotInLibrary(t *testing.T) {
	db := newTestDB(t)
	s := New(db, newFakeSonarr(t), nil, nil, newFakeSourceSite(t), nil)

	err := s.SyncSeries(context.Background(), 999, false)
	require.Error(t, err)
}

func TestSoftDeleteRemovedSeasonsMarksMissingSeasonsDeleted(t *testing.T) {
	db := newTestDB(t)
	s := New(db, newFakeSonarr(t), nil, nil, newFakeSourceSite(t), nil)
	require.NoError(t, s.SyncSeries(context.Background(), 7, false))

	local, err := db.GetSeriesByLibraryID(context.Background(), 7)
	require.NoError(t, err)

	require.NoError(t, s.SoftDeleteRemovedSeasons(context.Background(), local.ID, map[int]bool{}))

	season, err := db.GetSeason(context.Background(), local.ID, 1)
	require.NoError(t, err)
	require.NotNil(t, season)
	assert.True(t, season.Deleted)
}

func TestSyncAllPopulatesRootFoldersWithNoOpLocalPathOnFirstSight(t *testing.T) {
	db := newTestDB(t)
	s := New(db, newFakeSonarr(t), nil, nil, newFakeSourceSite(t), nil)

	require.NoError(t, s.SyncAll(context.Background()))

	folders, err := db.ListRootFolders(context.Background())
	require.NoError(t, err)
	require.Len(t, folders, 1)
	assert.Equal(t, "/remote/library", folders[0].LibraryPath)
	assert.Equal(t, "/remote/library", folders[0].LocalPath)
	assert.True(t, folders[0].Accessible)
	assert.Equal(t, int64(1024), folders[0].FreeSpace)
}

func TestSyncAllKeepsOperatorConfiguredLocalPathOnResync(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.UpsertRootFolder(ctx, &models.RootFolder{LibraryPath: "/remote/library", LocalPath: "/data/anime"}))

	s := New(db, newFakeSonarr(t), nil, nil, newFakeSourceSite(t), nil)
	require.NoError(t, s.SyncAll(ctx))

	folders, err := db.ListRootFolders(ctx)
	require.NoError(t, err)
	require.Len(t, folders, 1)
	assert.Equal(t, "/data/anime", folders[0].LocalPath, "resync must not clobber the operator's own mapping")
	assert.True(t, folders[0].Accessible, "accessible/space stats still refresh")
}

func TestMissingEpisodesExcludesUnairedEpisodes(t *testing.T) {
	now := time.Now()
	episodes := []sonarr.SeriesEpisode{
		{SeasonNumber: 1, EpisodeNumber: 1, AirDateUTC: now.Add(-48 * time.Hour), HasFile: true},
		{SeasonNumber: 1, EpisodeNumber: 2, AirDateUTC: now.Add(-24 * time.Hour), HasFile: false},
		{SeasonNumber: 1, EpisodeNumber: 3, AirDateUTC: now.Add(48 * time.Hour), HasFile: false},
	}

	aired := airedCount(episodes, 1)
	assert.Equal(t, 2, aired, "episode 3 hasn't aired yet")
	assert.Equal(t, 1, missingCount(episodes, 1, aired), "only episode 2 is aired and undownloaded")
}
