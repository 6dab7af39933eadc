// Copyright (c) 2024, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package sync is the metadata synchroniser: it reconciles the library
// manager's series/season view into the local store and, for each season,
// resolves source-site identifiers via the anime-DB clients and the
// source-site client.
package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/SavvyMeat/aw-downloader/internal/database"
	"github.com/SavvyMeat/aw-downloader/internal/logging"
	"github.com/SavvyMeat/aw-downloader/internal/models"
	"github.com/SavvyMeat/aw-downloader/internal/services/animedb/anilist"
	"github.com/SavvyMeat/aw-downloader/internal/services/animedb/jikan"
	"github.com/SavvyMeat/aw-downloader/internal/services/sonarr"
	"github.com/SavvyMeat/aw-downloader/internal/services/sourcesite"
	"github.com/SavvyMeat/aw-downloader/internal/settings"
)

var ErrMatchNotFound = errors.New("sync: no matching source-site season found")

// Synchroniser reconciles the library manager's series/season view against
// the anime-DB clients and source site.
type Synchroniser struct {
	db       *database.DB
	sonarr   *sonarr.Client
	anilist  *anilist.Client
	jikan    *jikan.Client
	source   *sourcesite.Client
	settings *settings.Store
	logger   zerolog.Logger
}

func New(db *database.DB, s *sonarr.Client, al *anilist.Client, jk *jikan.Client, src *sourcesite.Client, st *settings.Store) *Synchroniser {
	return &Synchroniser{db: db, sonarr: s, anilist: al, jikan: jk, source: src, settings: st, logger: logging.For("sync")}
}

type tagRef struct {
	Value int64  `json:"value"`
	Label string `json:"label"`
}

// tagPolicy reports whether a library series passes the configured
// blacklist/whitelist tag policy.
func (s *Synchroniser) tagPolicy(tags []int64) bool {
	if s.settings == nil {
		return true
	}
	raw := s.settings.GetString("sonarr_tags")
	if raw == "" {
		return true
	}
	var refs []tagRef
	if err := json.Unmarshal([]byte(raw), &refs); err != nil || len(refs) == 0 {
		return true
	}

	wanted := make(map[int64]bool, len(refs))
	for _, r := range refs {
		wanted[r.Value] = true
	}
	hasAny := false
	for _, t := range tags {
		if wanted[t] {
			hasAny = true
			break
		}
	}

	if s.settings.GetString("sonarr_tags_mode") == "whitelist" {
		return hasAny
	}
	return !hasAny
}

// eligible reports whether a library series should be discovered at all,
// per sonarr_filter_anime_only and the tag policy.
func (s *Synchroniser) eligible(ls sonarr.LibrarySeries) bool {
	return s.Eligible(ls.SeriesType, ls.Tags)
}

// Eligible applies sonarr_filter_anime_only and the sonarr_tags/
// sonarr_tags_mode policy to a library series' type and tag set. Exported
// so other components discovering series by a path other than SyncAll's
// full GetSeries listing (the wanted-episode ingester, which only sees
// one series at a time via the wanted/missing DTO) apply the identical
// eligibility rule rather than re-deriving it.
func (s *Synchroniser) Eligible(seriesType string, tags []int64) bool {
	if s.settings != nil && s.settings.GetBool("sonarr_filter_anime_only") && seriesType != "" && seriesType != "anime" {
		return false
	}
	return s.tagPolicy(tags)
}

// SyncAll reconciles every monitored, eligible series and marks any local
// series absent from the library manager as deleted (testable property 7).
func (s *Synchroniser) SyncAll(ctx context.Context) error {
	if err := s.syncRootFolders(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("sync: root folder sync failed, path remapping may be stale")
	}

	libSeries, err := s.sonarr.GetSeries(ctx)
	if err != nil {
		return err
	}

	seen := make(map[int64]bool, len(libSeries))
	var firstErr error
	for _, ls := range libSeries {
		if !ls.Monitored || !s.eligible(ls) {
			continue
		}
		seen[ls.ID] = true
		if err := s.SyncSeries(ctx, ls.ID, false); err != nil {
			if errors.Is(err, sonarr.ErrBackendUnavailable) {
				// BackendUnavailable short-circuits the whole task (spec.md §7)
				// rather than being treated as a per-item failure: every
				// remaining series would fail the same way.
				return err
			}
			if firstErr == nil {
				firstErr = err
			}
			s.logger.Warn().Err(err).Int64("librarySeriesId", ls.ID).Msg("sync: series sync failed")
		}
	}

	local, err := s.db.ListSeries(ctx)
	if err != nil {
		return err
	}
	for _, series := range local {
		wantDeleted := !seen[series.LibrarySeriesID]
		if wantDeleted == series.Deleted {
			continue
		}
		series.Deleted = wantDeleted
		if err := s.db.UpsertSeries(ctx, &series); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// syncRootFolders mirrors the library manager's root folders into the
// local store, the source finalize.resolveDestDir's §4.9 step-2 path
// remapping reads. A folder seen for the first time gets its local path
// defaulted to the library manager's own path (a no-op remap) until an
// operator repoints it via the API; an already-known folder keeps its
// configured local path and only has its accessible/freeSpace/totalSpace
// refreshed.
func (s *Synchroniser) syncRootFolders(ctx context.Context) error {
	remote, err := s.sonarr.GetRootFolders(ctx)
	if err != nil {
		return err
	}
	local, err := s.db.ListRootFolders(ctx)
	if err != nil {
		return err
	}

	byPath := make(map[string]models.RootFolder, len(local))
	for _, rf := range local {
		byPath[rf.LibraryPath] = rf
	}

	for _, rf := range remote {
		rec, ok := byPath[rf.Path]
		if !ok {
			rec = models.RootFolder{LibraryPath: rf.Path, LocalPath: rf.Path}
		}
		rec.Accessible = rf.Accessible
		rec.FreeSpace = rf.FreeSpace
		rec.TotalSpace = rf.TotalSpace
		if err := s.db.UpsertRootFolder(ctx, &rec); err != nil {
			return err
		}
	}
	return nil
}

// SyncSeries reconciles one series by its library-manager ID: upserts the
// local Series record, then resolves source-site identifiers for every
// season whose downloadUrls is empty (or unconditionally when forceRefresh).
func (s *Synchroniser) SyncSeries(ctx context.Context, librarySeriesID int64, forceRefresh bool) error {
	libSeries, err := s.findLibrarySeries(ctx, librarySeriesID)
	if err != nil {
		return err
	}

	local, err := s.db.GetSeriesByLibraryID(ctx, librarySeriesID)
	if err != nil {
		return err
	}
	if local == nil {
		local = &models.Series{LibrarySeriesID: librarySeriesID, Monitored: true, PreferredLanguage: models.LanguageSub}
	}
	local.Title = libSeries.Title
	local.Monitored = libSeries.Monitored
	local.Deleted = false

	if s.settings != nil {
		if pref := models.LanguagePreference(s.settings.GetString("preferred_language")); pref != "" {
			local.PreferredLanguage = pref
		}
	}

	var alternates models.AlternateTitles
	if s.anilist != nil {
		if media, err := s.anilist.Search(ctx, libSeries.Title); err == nil && len(media) > 0 {
			m := media[0]
			local.AniListID = m.ID
			local.Year = m.SeasonYear
			for _, t := range []string{m.Title.Romaji, m.Title.English, m.Title.Native} {
				if t != "" && t != local.Title {
					alternates = append(alternates, models.AlternateTitle{Title: t, SceneSeasonNumber: -1})
				}
			}
		}
	}
	local.AlternateTitles = alternates

	if err := s.db.UpsertSeries(ctx, local); err != nil {
		return err
	}

	episodes, err := s.sonarr.GetSeriesEpisodes(ctx, librarySeriesID)
	if err != nil {
		return err
	}

	if local.Absolute {
		return s.syncAbsoluteSeason(ctx, local, episodes, forceRefresh)
	}
	return s.syncNumberedSeasons(ctx, local, episodes, forceRefresh)
}

func (s *Synchroniser) syncNumberedSeasons(ctx context.Context, series *models.Series, episodes []sonarr.SeriesEpisode, forceRefresh bool) error {
	seasonEpisodeCount := map[int]int{}
	for _, ep := range episodes {
		if ep.SeasonNumber == 0 {
			continue
		}
		seasonEpisodeCount[ep.SeasonNumber]++
	}

	seen := map[int]bool{}
	for seasonNumber, count := range seasonEpisodeCount {
		info, err := s.sonarr.GetSeasonAirDateInfo(ctx, series.LibrarySeriesID, seasonNumber)
		if err != nil {
			return err
		}
		if !info.HasValidAirDate {
			continue
		}
		seen[seasonNumber] = true

		window := models.AirDate{Year: info.StartDate.Year(), Month: int(info.StartDate.Month()), Day: info.StartDate.Day()}
		windowEnd := models.AirDate{Year: info.EndDate.Year(), Month: int(info.EndDate.Month()), Day: info.EndDate.Day()}

		season, err := s.db.GetSeason(ctx, series.ID, seasonNumber)
		if err != nil {
			return err
		}
		if season == nil {
			season = &models.Season{SeriesID: series.ID, SeasonNumber: seasonNumber}
		}
		season.EpisodeCount = count
		season.AirDate = window
		season.MissingEpisodes = missingCount(episodes, seasonNumber, airedCount(episodes, seasonNumber))
		season.Status = seasonStatus(season)

		if len(season.DownloadURLs) == 0 || forceRefresh {
			ids, err := s.matchSeason(ctx, series, seasonNumber, window, windowEnd)
			if err != nil {
				s.logger.Warn().Err(err).Str("series", series.Title).Int("season", seasonNumber).Msg("sync: match not found")
			} else {
				season.DownloadURLs = ids
			}
		}

		if err := s.db.UpsertSeason(ctx, season); err != nil {
			return err
		}
	}

	return s.SoftDeleteRemovedSeasons(ctx, series.ID, seen)
}

func (s *Synchroniser) syncAbsoluteSeason(ctx context.Context, series *models.Series, episodes []sonarr.SeriesEpisode, forceRefresh bool) error {
	var window, windowEnd models.AirDate
	now := time.Now()
	aired := 0
	for _, ep := range episodes {
		if ep.AirDateUTC.IsZero() || ep.AirDateUTC.After(now) {
			continue
		}
		aired++
		d := models.AirDate{Year: ep.AirDateUTC.Year(), Month: int(ep.AirDateUTC.Month()), Day: ep.AirDateUTC.Day()}
		if window.IsZero() || d.Compare(window) < 0 {
			window = d
		}
		if windowEnd.IsZero() || d.Compare(windowEnd) > 0 {
			windowEnd = d
		}
	}

	season, err := s.db.GetSeason(ctx, series.ID, 1)
	if err != nil {
		return err
	}
	if season == nil {
		season = &models.Season{SeriesID: series.ID, SeasonNumber: 1}
	}
	season.EpisodeCount = aired
	season.AirDate = window
	season.MissingEpisodes = missingCount(episodes, 0, aired)

	if len(season.DownloadURLs) == 0 || forceRefresh {
		ids, err := s.matchSeason(ctx, series, 1, window, windowEnd)
		if err != nil {
			s.logger.Warn().Err(err).Str("series", series.Title).Msg("sync: absolute match not found")
		} else {
			season.DownloadURLs = ids
		}
	}

	return s.db.UpsertSeason(ctx, season)
}

// airedCount counts episodes of seasonNumber (0 for "any") whose air date
// has passed, so a season with episodes still scheduled in the future isn't
// reported as missing those too (spec.md §4.5: "aired − downloaded").
func airedCount(episodes []sonarr.SeriesEpisode, seasonNumber int) int {
	now := time.Now()
	n := 0
	for _, ep := range episodes {
		if seasonNumber != 0 && ep.SeasonNumber != seasonNumber {
			continue
		}
		if !ep.AirDateUTC.IsZero() && !ep.AirDateUTC.After(now) {
			n++
		}
	}
	return n
}

func missingCount(episodes []sonarr.SeriesEpisode, seasonNumber, aired int) int {
	downloaded := 0
	for _, ep := range episodes {
		if seasonNumber != 0 && ep.SeasonNumber != seasonNumber {
			continue
		}
		if ep.HasFile {
			downloaded++
		}
	}
	if aired-downloaded < 0 {
		return 0
	}
	return aired - downloaded
}

func seasonStatus(season *models.Season) models.SeasonStatus {
	switch {
	case season.MissingEpisodes == 0:
		return models.SeasonCompleted
	case season.MissingEpisodes < season.EpisodeCount:
		return models.SeasonDownloading
	default:
		return models.SeasonNotStarted
	}
}

func (s *Synchroniser) findLibrarySeries(ctx context.Context, librarySeriesID int64) (*sonarr.LibrarySeries, error) {
	return s.sonarr.GetSeriesByID(ctx, librarySeriesID)
}

// candidateTitles builds the ordered, deduplicated list of titles to search
// for: the series title, alternate titles scoped to this season, then
// titles from a by-name AniList lookup — sanitised of "(YYYY)"/"(TV)" tags.
func (s *Synchroniser) candidateTitles(ctx context.Context, series *models.Series, seasonNumber int) []string {
	var out []string
	seen := map[string]bool{}
	add := func(t string) {
		t = sanitizeCandidateTitle(t)
		if t == "" || seen[t] {
			return
		}
		seen[t] = true
		out = append(out, t)
	}

	add(series.Title)
	for _, alt := range series.AlternateTitles {
		if alt.SceneSeasonNumber < 0 || alt.SceneSeasonNumber == seasonNumber {
			add(alt.Title)
		}
	}

	if s.anilist != nil {
		if media, err := s.anilist.Search(ctx, series.Title); err == nil && len(media) > 0 {
			m := media[0]
			add(m.Title.Romaji)
			add(m.Title.English)
			add(m.Title.Native)
		}
	}

	return out
}

var yearTagRe = strings.NewReplacer("(TV)", "", "(tv)", "")

func sanitizeCandidateTitle(t string) string {
	t = yearTagRe.Replace(t)
	// strip a trailing "(YYYY)" year tag
	if idx := strings.LastIndex(t, "("); idx >= 0 && strings.HasSuffix(strings.TrimSpace(t), ")") {
		inner := strings.TrimSuffix(strings.TrimSpace(t[idx+1:]), ")")
		if _, err := strconv.Atoi(inner); err == nil {
			t = t[:idx]
		}
	}
	return strings.TrimSpace(t)
}

func yearsInRange(start, end models.AirDate) []int {
	if start.IsZero() {
		return nil
	}
	endYear := end.Year
	if endYear == 0 {
		endYear = start.Year
	}
	var years []int
	for y := start.Year; y <= endYear; y++ {
		years = append(years, y)
	}
	return years
}

func dubValuesFor(pref models.LanguagePreference) []bool {
	switch pref {
	case models.LanguageDub:
		return []bool{true}
	case models.LanguageDubFallbackSub:
		return []bool{true, false}
	default:
		return []bool{false}
	}
}

type validatedMatch struct {
	identifier string
	title      string
	dub        bool
	startDate  models.AirDate
}

// matchSeason implements the full metadata-matching procedure: filtered
// search per language, external-DB date validation against the broadened
// air-date window, language policy, then ascending-start-date ordering.
// Falls back to the simple part-guarded matcher when nothing survives.
func (s *Synchroniser) matchSeason(ctx context.Context, series *models.Series, seasonNumber int, windowStart, windowEnd models.AirDate) ([]string, error) {
	titles := s.candidateTitles(ctx, series, seasonNumber)
	years := yearsInRange(windowStart, windowEnd)
	dubValues := dubValuesFor(series.PreferredLanguage)

	resultsByDub := map[bool][]sourcesite.FilteredResult{}
	for _, dub := range dubValues {
		for _, title := range titles {
			filtered, err := s.source.SearchWithFilter(ctx, sourcesite.FilterParams{
				Keyword: title, Type: []string{"Anime", "ONA"}, Dub: dub, SeasonYear: years,
			})
			if err != nil {
				continue
			}
			if len(filtered) > 0 {
				resultsByDub[dub] = filtered
				break
			}
		}
	}

	var validated []validatedMatch
	for dub, results := range resultsByDub {
		for _, r := range results {
			start, end, airing, ok := s.resolveExternalDate(ctx, r)
			if !ok {
				continue
			}
			if !WithinBroadenedWindow(windowStart, windowEnd, start, end, airing) {
				continue
			}
			validated = append(validated, validatedMatch{
				identifier: r.Identifier, title: sourcesite.NormalizeTitle(r.Title), dub: dub, startDate: start,
			})
		}
	}

	validated = applyLanguagePolicy(validated, series.PreferredLanguage)

	if len(validated) == 0 {
		return s.fallbackMatch(ctx, series, seasonNumber)
	}

	sortByStartDate(validated)

	ids := make([]string, len(validated))
	for i, v := range validated {
		ids[i] = v.identifier
	}
	return ids, nil
}

func (s *Synchroniser) resolveExternalDate(ctx context.Context, r sourcesite.FilteredResult) (start, end models.AirDate, airing bool, ok bool) {
	if r.AniListID != 0 && s.anilist != nil {
		media, err := s.anilist.GetMediaByID(ctx, r.AniListID)
		if err == nil {
			return media.StartDate.ToAirDate(), media.EndDate.ToAirDate(), media.Airing(), true
		}
	}
	if r.MalID != 0 && s.jikan != nil {
		anime, err := s.jikan.GetAnimeByMalID(ctx, r.MalID)
		if err == nil {
			return anime.AirDate(), anime.EndAirDate(), anime.Airing, true
		}
	}
	return models.AirDate{}, models.AirDate{}, false, false
}

// applyLanguagePolicy enforces §4.5 step 4: dub keeps dub=1 only, sub keeps
// dub=0 only (both are already single-valued by construction), and
// dub_fallback_sub drops a sub entry whenever a dub entry with the same
// normalised title survived validation.
func applyLanguagePolicy(matches []validatedMatch, pref models.LanguagePreference) []validatedMatch {
	if pref != models.LanguageDubFallbackSub {
		return matches
	}

	dubbedTitles := map[string]bool{}
	for _, m := range matches {
		if m.dub {
			dubbedTitles[m.title] = true
		}
	}

	out := matches[:0]
	for _, m := range matches {
		if !m.dub && dubbedTitles[m.title] {
			continue
		}
		out = append(out, m)
	}
	return out
}

func sortByStartDate(matches []validatedMatch) {
	for i := 1; i < len(matches); i++ {
		for j := i; j > 0 && matches[j].startDate.Compare(matches[j-1].startDate) < 0; j-- {
			matches[j], matches[j-1] = matches[j-1], matches[j]
		}
	}
}

// fallbackMatch is the last-resort matcher: searchAnime(title [+ season])
// and findBestMatchWithParts, with no air-date validation.
func (s *Synchroniser) fallbackMatch(ctx context.Context, series *models.Series, seasonNumber int) ([]string, error) {
	keyword := series.Title
	if seasonNumber > 1 {
		keyword = fmt.Sprintf("%s %d", series.Title, seasonNumber)
	}

	results, err := s.source.SearchAnime(ctx, keyword)
	if err != nil {
		return nil, err
	}

	matches := sourcesite.FindBestMatchWithParts(series.Title, results)
	if len(matches) == 0 {
		return nil, ErrMatchNotFound
	}

	ids := make([]string, len(matches))
	for i, m := range matches {
		ids[i] = m.Identifier
	}
	return ids, nil
}

// SoftDeleteRemovedSeasons marks seasons no longer present in the library
// manager as deleted rather than removing their rows, preserving any queue
// items or history that reference them.
func (s *Synchroniser) SoftDeleteRemovedSeasons(ctx context.Context, seriesID int64, currentSeasonNumbers map[int]bool) error {
	seasons, err := s.db.ListSeasons(ctx, seriesID)
	if err != nil {
		return err
	}
	for _, season := range seasons {
		wantDeleted := !currentSeasonNumbers[season.SeasonNumber]
		if wantDeleted == season.Deleted {
			continue
		}
		season.Deleted = wantDeleted
		if err := s.db.UpsertSeason(ctx, &season); err != nil {
			return err
		}
	}
	return nil
}
