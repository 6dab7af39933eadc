// Copyright (c) 2024, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package wanted

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

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

func newFakeSonarr(t *testing.T, records []sonarr.WantedEpisode) *sonarr.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page := struct {
			Page         int                     `json:"page"`
			TotalRecords int                     `json:"totalRecords"`
			Records      []sonarr.WantedEpisode `json:"records"`
		}{Page: 1, TotalRecords: len(records), Records: records}
		json.NewEncoder(w).Encode(page)
	}))
	t.Cleanup(srv.Close)
	return sonarr.New(srv.URL, "key")
}

// newFakeSourceSite serves a single identifier "e1" with one episode (1)
// resolving to a direct download link.
func newFakeSourceSite(t *testing.T) *sourcesite.Client {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><head><meta name="csrf-token" content="abc123"></head></html>`)
	})
	mux.HandleFunc("/play/e1", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body><ul class="episodes"><li class="episode"><a data-episode-num="1" href="/watch/e1"></a></li></ul></body></html>`)
	})
	mux.HandleFunc("/watch/e1", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<div id="download"><center><a download href="https://cdn.example/e1.mkv"></a></center></div>`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return sourcesite.New(srv.URL)
}

func TestIngestSkipsUnmatchedAndUnmonitoredSeries(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	monitored := &models.Series{LibrarySeriesID: 1, Title: "Monitored Show", Monitored: true}
	require.NoError(t, db.UpsertSeries(ctx, monitored))
	require.NoError(t, db.UpsertSeason(ctx, &models.Season{
		SeriesID: monitored.ID, SeasonNumber: 1, EpisodeCount: 5,
		DownloadURLs: models.DownloadURLs{"e1"},
	}))

	unmonitored := &models.Series{LibrarySeriesID: 2, Title: "Unmonitored Show", Monitored: false}
	require.NoError(t, db.UpsertSeries(ctx, unmonitored))
	require.NoError(t, db.UpsertSeason(ctx, &models.Season{
		SeriesID: unmonitored.ID, SeasonNumber: 1, EpisodeCount: 5,
		DownloadURLs: models.DownloadURLs{"x1"},
	}))

	client := newFakeSonarr(t, []sonarr.WantedEpisode{
		{ID: 100, SeriesID: 1, SeasonNumber: 1, EpisodeNumber: 1},
		{ID: 101, SeriesID: 1, SeasonNumber: 1, EpisodeNumber: 5}, // no matching episode on the source, skipped
		{ID: 102, SeriesID: 2, SeasonNumber: 1, EpisodeNumber: 1}, // unmonitored, skipped
		{ID: 103, SeriesID: 3, SeasonNumber: 1, EpisodeNumber: 1}, // unknown series, skipped
	})

	ing := New(db, client, newFakeSourceSite(t), nil, nil)
	candidates, err := ing.Ingest(ctx)
	require.NoError(t, err)

	require.Len(t, candidates, 1)
	assert.Equal(t, monitored.ID, candidates[0].SeriesID)
	assert.Equal(t, 1, candidates[0].EpisodeNumber)
	assert.Equal(t, "https://cdn.example/e1.mkv", candidates[0].SourceURL)
}

// fakeSyncer implements Syncer with a canned Eligible decision, so tests
// can assert that Ingest consults it without needing a full Synchroniser.
type fakeSyncer struct {
	eligible func(seriesType string, tags []int64) bool
}

func (f fakeSyncer) SyncSeries(ctx context.Context, librarySeriesID int64, forceRefresh bool) error {
	return nil
}

func (f fakeSyncer) Eligible(seriesType string, tags []int64) bool {
	return f.eligible(seriesType, tags)
}

func TestIngestSkipsSeriesIneligibleByAnimeOnlyOrTagPolicy(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	series := &models.Series{LibrarySeriesID: 1, Title: "Live Action Show", Monitored: true}
	require.NoError(t, db.UpsertSeries(ctx, series))
	require.NoError(t, db.UpsertSeason(ctx, &models.Season{
		SeriesID: series.ID, SeasonNumber: 1, EpisodeCount: 5,
		DownloadURLs: models.DownloadURLs{"e1"},
	}))

	client := newFakeSonarr(t, []sonarr.WantedEpisode{
		{ID: 200, SeriesID: 1, SeasonNumber: 1, EpisodeNumber: 1, Series: sonarr.WantedSeries{SeriesType: "standard"}},
	})

	sy := fakeSyncer{eligible: func(seriesType string, tags []int64) bool {
		assert.Equal(t, "standard", seriesType)
		return false
	}}

	ing := New(db, client, newFakeSourceSite(t), sy, nil)
	candidates, err := ing.Ingest(ctx)
	require.NoError(t, err)
	assert.Empty(t, candidates)
}

func TestIngestReturnsEmptyWhenNoneWanted(t *testing.T) {
	db := newTestDB(t)
	client := newFakeSonarr(t, nil)

	ing := New(db, client, newFakeSourceSite(t), nil, nil)
	candidates, err := ing.Ingest(context.Background())
	require.NoError(t, err)
	assert.Empty(t, candidates)
}
