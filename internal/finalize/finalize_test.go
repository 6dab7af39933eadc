// Copyright (c) 2024, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package finalize

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SavvyMeat/aw-downloader/internal/database"
	"github.com/SavvyMeat/aw-downloader/internal/models"
	"github.com/SavvyMeat/aw-downloader/internal/services/sonarr"
)

func newTestDB(t *testing.T) *database.DB {
	t.Helper()
	dir := t.TempDir()
	db, err := database.InitDB(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func noRename() bool { return false }

func TestFinalizeCopiesFileAndTriggersRescan(t *testing.T) {
	var commandCalls atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/command", func(w http.ResponseWriter, r *http.Request) {
		commandCalls.Add(1)
		w.Write([]byte(`{}`))
	})
	mux.HandleFunc("/api/v3/series/42", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(sonarr.LibrarySeries{ID: 42, Title: "Test Series", Path: "/remote/library/Test Series"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	db := newTestDB(t)
	ctx := context.Background()

	localRoot := t.TempDir()
	require.NoError(t, db.UpsertRootFolder(ctx, &models.RootFolder{LibraryPath: "/remote/library", LocalPath: localRoot}))

	series := &models.Series{LibrarySeriesID: 42, Title: "Test Series", Monitored: true}
	require.NoError(t, db.UpsertSeries(ctx, series))

	season := &models.Season{SeriesID: series.ID, SeasonNumber: 1, EpisodeCount: 12}
	require.NoError(t, db.UpsertSeason(ctx, season))

	srcPath := filepath.Join(t.TempDir(), "downloaded.mkv")
	require.NoError(t, os.WriteFile(srcPath, []byte("video"), 0644))

	client := sonarr.New(srv.URL, "test-key")
	f := New(db, client, noRename)

	item := &models.QueueItem{SeriesID: series.ID, SeasonID: season.ID, EpisodeNumber: 1, DestPath: srcPath}
	err := f.Finalize(ctx, item)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, commandCalls.Load(), int32(1))

	want := filepath.Join(localRoot, "Test Series", "Test Series - S01E01.mkv")
	_, statErr := os.Stat(want)
	assert.NoError(t, statErr)
}

func TestPollForFileIDRetriesUntilFileRegistered(t *testing.T) {
	var calls atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/episode", func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if n < 3 {
			json.NewEncoder(w).Encode([]sonarr.SeriesEpisode{{SeasonNumber: 1, EpisodeNumber: 1, EpisodeFileID: 0}})
			return
		}
		json.NewEncoder(w).Encode([]sonarr.SeriesEpisode{{SeasonNumber: 1, EpisodeNumber: 1, EpisodeFileID: 77}})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := sonarr.New(srv.URL, "test-key")
	f := New(newTestDB(t), client, noRename)

	fileID, err := f.pollForFileID(context.Background(), 42, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(77), fileID)
	assert.Equal(t, int32(3), calls.Load(), "each poll must see a fresh fetch, not a cached empty result")
}

func TestPollForFileIDStopsWhenContextIsCancelled(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/episode", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]sonarr.SeriesEpisode{{SeasonNumber: 1, EpisodeNumber: 1, EpisodeFileID: 0}})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := sonarr.New(srv.URL, "test-key")
	f := New(newTestDB(t), client, noRename)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	fileID, err := f.pollForFileID(ctx, 42, 1, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int64(0), fileID)
}

func TestFinalizeFailsWhenSeasonMissing(t *testing.T) {
	db := newTestDB(t)
	client := sonarr.New("http://example.invalid", "key")
	f := New(db, client, noRename)

	item := &models.QueueItem{SeriesID: 1, SeasonID: 999, EpisodeNumber: 1}
	err := f.Finalize(context.Background(), item)
	require.Error(t, err)
}

func TestResolveDestDirFallsBackToRemotePathWhenNoRootFolderMatches(t *testing.T) {
	db := newTestDB(t)
	client := sonarr.New("http://example.invalid", "key")
	f := New(db, client, noRename)

	dir, err := f.resolveDestDir(context.Background(), "/remote/library/Test Series")
	require.NoError(t, err)
	assert.Equal(t, "/remote/library/Test Series", dir)
}

func TestResolveDestDirUsesLongestMatchingPrefix(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.UpsertRootFolder(ctx, &models.RootFolder{LibraryPath: "/remote", LocalPath: "/local/short"}))
	require.NoError(t, db.UpsertRootFolder(ctx, &models.RootFolder{LibraryPath: "/remote/library", LocalPath: "/local/long"}))

	client := sonarr.New("http://example.invalid", "key")
	f := New(db, client, noRename)

	dir, err := f.resolveDestDir(ctx, "/remote/library/Test Series")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/local/long", "Test Series"), dir)
}
