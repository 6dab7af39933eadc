// Copyright (c) 2024, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package wanted is the wanted-episode ingester: it turns the library
// manager's wanted/missing list into queue candidates, resolving each
// episode's direct download URL against the season's source-site
// identifiers (handling multi-part renumbering and absolute numbering).
package wanted

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/SavvyMeat/aw-downloader/internal/database"
	"github.com/SavvyMeat/aw-downloader/internal/logging"
	"github.com/SavvyMeat/aw-downloader/internal/models"
	"github.com/SavvyMeat/aw-downloader/internal/services/sonarr"
	"github.com/SavvyMeat/aw-downloader/internal/services/sourcesite"
)

// Candidate is one wanted episode this project can attempt to download,
// paired with the direct download URL the source-site client resolved for
// its (possibly renumbered) episode position.
type Candidate struct {
	SeriesID      int64
	SeasonID      int64
	EpisodeNumber int
	ExternalID    int64
	SourceURL     string
}

// Syncer is the subset of the metadata synchroniser the ingester needs to
// pull in a series it has never seen before, and to apply the same
// anime-only/tag-policy eligibility rule SyncAll enforces (spec §4.7).
type Syncer interface {
	SyncSeries(ctx context.Context, librarySeriesID int64, forceRefresh bool) error
	Eligible(seriesType string, tags []int64) bool
}

// IsQueued reports whether a non-terminal queue item already exists for the
// given external episode id, so the ingester doesn't re-resolve (and
// re-scrape) episodes already in flight.
type IsQueued func(externalEpisodeID int64) bool

type Ingester struct {
	db       *database.DB
	sonarr   *sonarr.Client
	source   *sourcesite.Client
	sync     Syncer
	isQueued IsQueued
	logger   zerolog.Logger
}

func New(db *database.DB, s *sonarr.Client, src *sourcesite.Client, sy Syncer, isQueued IsQueued) *Ingester {
	return &Ingester{db: db, sonarr: s, source: src, sync: sy, isQueued: isQueued, logger: logging.For("wanted")}
}

// Ingest lists the library manager's wanted/missing episodes (already
// sorted air-date ascending by GetWantedMissing) and resolves each against
// the locally-synced season data, syncing in any series never seen before.
func (i *Ingester) Ingest(ctx context.Context) ([]Candidate, error) {
	wantedList, err := i.sonarr.GetWantedMissing(ctx)
	if err != nil {
		return nil, err
	}

	seriesCache := map[int64]*models.Series{}
	seasonCache := map[string]*models.Season{}

	var out []Candidate
	for _, w := range wantedList {
		if i.isQueued != nil && i.isQueued(w.ID) {
			continue
		}
		if i.sync != nil && !i.sync.Eligible(w.Series.SeriesType, w.Series.Tags) {
			continue
		}

		series, ok := seriesCache[w.SeriesID]
		if !ok {
			series, err = i.db.GetSeriesByLibraryID(ctx, w.SeriesID)
			if err != nil {
				return nil, err
			}
			if series == nil && i.sync != nil {
				if err := i.sync.SyncSeries(ctx, w.SeriesID, false); err != nil {
					i.logger.Warn().Err(err).Int64("librarySeriesId", w.SeriesID).Msg("wanted: could not sync new series")
				} else {
					series, err = i.db.GetSeriesByLibraryID(ctx, w.SeriesID)
					if err != nil {
						return nil, err
					}
				}
			}
			seriesCache[w.SeriesID] = series
		}
		if series == nil || !series.Monitored || series.Deleted {
			continue
		}

		seasonNumber := w.SeasonNumber
		if series.Absolute {
			seasonNumber = 1
		}

		key := fmt.Sprintf("%d:%d", series.ID, seasonNumber)
		season, ok := seasonCache[key]
		if !ok {
			season, err = i.db.GetSeason(ctx, series.ID, seasonNumber)
			if err != nil {
				return nil, err
			}
			seasonCache[key] = season
		}
		if season == nil || season.Deleted || len(season.DownloadURLs) == 0 {
			continue
		}

		episodeNumber := w.EpisodeNumber
		if series.Absolute {
			episodeNumber = w.AbsoluteEpisodeNumber
		}
		if episodeNumber <= 0 {
			i.logger.Warn().Int64("seriesId", series.ID).Msg("wanted: no usable episode number, skipping")
			continue
		}

		sourceURL, err := i.source.FindEpisodeDownloadLink(ctx, season.DownloadURLs, episodeNumber)
		if err != nil {
			i.logger.Warn().Err(err).Int64("seriesId", series.ID).Int("episode", episodeNumber).Msg("wanted: resolving download link failed")
			continue
		}
		if sourceURL == "" {
			i.logger.Warn().Int64("seriesId", series.ID).Int("episode", episodeNumber).Msg("wanted: no download link found")
			continue
		}

		out = append(out, Candidate{
			SeriesID:      series.ID,
			SeasonID:      season.ID,
			EpisodeNumber: episodeNumber,
			ExternalID:    w.ID,
			SourceURL:     sourceURL,
		})
	}

	return out, nil
}
