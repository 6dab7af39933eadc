// Copyright (c) 2024, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package database

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SavvyMeat/aw-downloader/internal/models"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	dir := t.TempDir()
	db, err := InitDB(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestConfigRoundTrip(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	_, ok, err := db.GetConfig(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, db.SetConfig(ctx, "sonarr_url", "http://sonarr:8989"))
	value, ok, err := db.GetConfig(ctx, "sonarr_url")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "http://sonarr:8989", value)

	require.NoError(t, db.SetConfig(ctx, "sonarr_url", "http://sonarr2:8989"))
	value, _, err = db.GetConfig(ctx, "sonarr_url")
	require.NoError(t, err)
	assert.Equal(t, "http://sonarr2:8989", value)
}

func TestUpsertSeriesInsertsThenUpdates(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	s := &models.Series{LibrarySeriesID: 100, Title: "Show A", Monitored: true}
	require.NoError(t, db.UpsertSeries(ctx, s))
	require.NotZero(t, s.ID)

	s2 := &models.Series{LibrarySeriesID: 100, Title: "Show A Renamed", AniListID: 55, Monitored: true}
	require.NoError(t, db.UpsertSeries(ctx, s2))
	assert.Equal(t, s.ID, s2.ID)

	fetched, err := db.GetSeriesByLibraryID(ctx, 100)
	require.NoError(t, err)
	require.NotNil(t, fetched)
	assert.Equal(t, "Show A Renamed", fetched.Title)
	assert.Equal(t, int64(55), fetched.AniListID)
}

func TestUpsertSeasonPersistsDownloadURLs(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	series := &models.Series{LibrarySeriesID: 200, Title: "Show B", Monitored: true}
	require.NoError(t, db.UpsertSeries(ctx, series))

	season := &models.Season{
		SeriesID:     series.ID,
		SeasonNumber: 1,
		EpisodeCount: 3,
		DownloadURLs: models.DownloadURLs{"a", "b", "c"},
	}
	require.NoError(t, db.UpsertSeason(ctx, season))

	fetched, err := db.GetSeason(ctx, series.ID, 1)
	require.NoError(t, err)
	require.NotNil(t, fetched)
	assert.Equal(t, models.DownloadURLs{"a", "b", "c"}, fetched.DownloadURLs)

	byID, err := db.GetSeasonByID(ctx, fetched.ID)
	require.NoError(t, err)
	require.NotNil(t, byID)
	assert.Equal(t, fetched.ID, byID.ID)
}

func TestQueueItemLifecycle(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	item := &models.QueueItem{
		ID: "q1", SeriesID: 1, SeasonID: 1, EpisodeNumber: 1,
		SourceURL: "http://example.invalid/e1", DestPath: "/tmp/e1",
		Status: models.QueuePending,
	}
	require.NoError(t, db.InsertQueueItem(ctx, item))

	items, err := db.ListQueueItems(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, models.QueuePending, items[0].Status)

	item.Status = models.QueueDone
	item.Progress = 100
	require.NoError(t, db.UpdateQueueItem(ctx, item))

	items, err = db.ListQueueItems(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, models.QueueDone, items[0].Status)
	assert.Equal(t, float64(100), items[0].Progress)

	require.NoError(t, db.DeleteQueueItem(ctx, "q1"))
	items, err = db.ListQueueItems(ctx)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestUpsertRootFolderInsertsThenUpdates(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	rf := &models.RootFolder{LibraryPath: "/tv", LocalPath: "/data/tv", MoveAfterFinish: true}
	require.NoError(t, db.UpsertRootFolder(ctx, rf))

	rf2 := &models.RootFolder{LibraryPath: "/tv", LocalPath: "/data/tv2", MoveAfterFinish: false}
	require.NoError(t, db.UpsertRootFolder(ctx, rf2))

	folders, err := db.ListRootFolders(ctx)
	require.NoError(t, err)
	require.Len(t, folders, 1)
	assert.Equal(t, "/data/tv2", folders[0].LocalPath)
}
