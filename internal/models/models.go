// Copyright (c) 2024, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package models holds the entities shared across every component: the
// library manager's series/season view, the local root-folder mapping,
// runtime configuration, scheduled task records, download queue items and
// the log ring's entries.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// DownloadURLs is an ordered list of source-site identifiers for a season's
// episodes, or of episode-part identifiers for a multi-part season. A nil
// and an empty slice are both valid "nothing known yet" values; callers
// must not depend on the distinction surviving a database round trip.
type DownloadURLs []string

func (d DownloadURLs) Value() (driver.Value, error) {
	if len(d) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal([]string(d))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (d *DownloadURLs) Scan(src interface{}) error {
	if src == nil {
		*d = nil
		return nil
	}

	var raw []byte
	switch v := src.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("models: cannot scan %T into DownloadURLs", src)
	}

	if len(raw) == 0 {
		*d = nil
		return nil
	}

	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return err
	}
	*d = out
	return nil
}

// AirDate is a partially-known release date: AniList and Jikan both allow a
// year with an unknown month/day.
type AirDate struct {
	Year  int
	Month int
	Day   int
}

func (a AirDate) IsZero() bool {
	return a.Year == 0
}

// Compare returns -1, 0 or 1 the way time.Time.Compare does, treating an
// unknown year as later than any known year.
func (a AirDate) Compare(b AirDate) int {
	if a.Year == 0 && b.Year == 0 {
		return 0
	}
	if a.Year == 0 {
		return 1
	}
	if b.Year == 0 {
		return -1
	}
	if a.Year != b.Year {
		return cmpInt(a.Year, b.Year)
	}
	if a.Month == 0 || b.Month == 0 {
		return cmpInt(a.Month, b.Month)
	}
	if a.Month != b.Month {
		return cmpInt(a.Month, b.Month)
	}
	return cmpInt(a.Day, b.Day)
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// AlternateTitle is one of a series' scene/alias titles, optionally scoped
// to a single season number (sceneSeasonNumber<0 means "any season").
type AlternateTitle struct {
	Title             string `json:"title"`
	SceneSeasonNumber int    `json:"sceneSeasonNumber"`
}

// AlternateTitles is the JSON-encoded column type for Series.AlternateTitles.
type AlternateTitles []AlternateTitle

func (a AlternateTitles) Value() (driver.Value, error) {
	if len(a) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal([]AlternateTitle(a))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (a *AlternateTitles) Scan(src interface{}) error {
	raw, err := scanBytes(src)
	if err != nil {
		return err
	}
	if len(raw) == 0 {
		*a = nil
		return nil
	}
	var out []AlternateTitle
	if err := json.Unmarshal(raw, &out); err != nil {
		return err
	}
	*a = out
	return nil
}

// StringList is a generic JSON-array-of-strings column type, used for
// Series.Genres.
type StringList []string

func (s StringList) Value() (driver.Value, error) {
	if len(s) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal([]string(s))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (s *StringList) Scan(src interface{}) error {
	raw, err := scanBytes(src)
	if err != nil {
		return err
	}
	if len(raw) == 0 {
		*s = nil
		return nil
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return err
	}
	*s = out
	return nil
}

func scanBytes(src interface{}) ([]byte, error) {
	if src == nil {
		return nil, nil
	}
	switch v := src.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("models: cannot scan %T", src)
	}
}

// SeriesStatus mirrors the library manager's own series status.
type SeriesStatus string

const (
	SeriesOngoing   SeriesStatus = "ongoing"
	SeriesCompleted SeriesStatus = "completed"
	SeriesCancelled SeriesStatus = "cancelled"
)

// LanguagePreference governs which source-site language variant the
// metadata synchroniser keeps when resolving a season's identifiers.
type LanguagePreference string

const (
	LanguageDub            LanguagePreference = "dub"
	LanguageSub            LanguagePreference = "sub"
	LanguageDubFallbackSub LanguagePreference = "dub_fallback_sub"
)

// Series mirrors one entry the library manager tracks for a show, plus the
// anime-DB identifiers this project has resolved for it.
type Series struct {
	ID                 int64              `json:"id"`
	LibrarySeriesID    int64              `json:"librarySeriesId"`
	Title              string             `json:"title"`
	AlternateTitles    AlternateTitles    `json:"alternateTitles"`
	Description        string             `json:"description,omitempty"`
	Status             SeriesStatus       `json:"status,omitempty"`
	TotalSeasons       int                `json:"totalSeasons"`
	Year               int                `json:"year,omitempty"`
	Network            string             `json:"network,omitempty"`
	Genres             StringList         `json:"genres"`
	PreferredLanguage  LanguagePreference `json:"preferredLanguage"`
	Absolute           bool               `json:"absolute"`
	PosterPath         string             `json:"posterPath,omitempty"`
	PosterDownloadedAt time.Time          `json:"posterDownloadedAt,omitempty"`
	AniListID          int64              `json:"aniListId,omitempty"`
	MalID              int64              `json:"malId,omitempty"`
	RootFolderID       int64              `json:"rootFolderId"`
	Monitored          bool               `json:"monitored"`
	Deleted            bool               `json:"deleted"`
	CreatedAt          time.Time          `json:"createdAt"`
	UpdatedAt          time.Time          `json:"updatedAt"`
}

// SeasonStatus tracks a season's own download progress, independent of the
// per-episode queue item statuses that drive it.
type SeasonStatus string

const (
	SeasonNotStarted SeasonStatus = "not_started"
	SeasonDownloading SeasonStatus = "downloading"
	SeasonCompleted   SeasonStatus = "completed"
)

// Season is one season of a Series, holding the ordered source-site
// identifiers this project resolved for it. Several identifiers are the
// parts of this one season (e.g. a split cour), in order; their episode
// lists are concatenated with sequential renumbering (see
// sourcesite.EpisodesFromMultipleIdentifiers).
type Season struct {
	ID              int64        `json:"id"`
	SeriesID        int64        `json:"seriesId"`
	SeasonNumber    int          `json:"seasonNumber"`
	Title           string       `json:"title,omitempty"`
	EpisodeCount    int          `json:"episodeCount"`
	MissingEpisodes int          `json:"missingEpisodes"`
	Status          SeasonStatus `json:"status,omitempty"`
	AirDate         AirDate      `json:"airDate"`
	DownloadURLs    DownloadURLs `json:"downloadUrls"`
	SourceMatchURL  string       `json:"sourceMatchUrl,omitempty"`
	Deleted         bool         `json:"deleted"`
	UpdatedAt       time.Time    `json:"updatedAt"`
}

// RootFolder maps one of the library manager's root folders to the local
// filesystem path this project writes finished downloads into.
type RootFolder struct {
	ID              int64  `json:"id"`
	LibraryPath     string `json:"libraryPath"`
	LocalPath       string `json:"localPath"`
	MoveAfterFinish bool   `json:"moveAfterFinish"`
	Accessible      bool   `json:"accessible"`
	FreeSpace       int64  `json:"freeSpace"`
	TotalSpace      int64  `json:"totalSpace"`
}

// ConfigEntry is one row of the runtime, mutable settings store.
type ConfigEntry struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TaskStatus is the lifecycle state of a scheduled task run.
type TaskStatus string

const (
	TaskIdle    TaskStatus = "idle"
	TaskRunning TaskStatus = "running"
	TaskSuccess TaskStatus = "success"
	TaskFailed  TaskStatus = "failed"
)

// TaskRecord tracks one scheduled job's last run.
type TaskRecord struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	Description     string     `json:"description,omitempty"`
	IntervalMinutes int        `json:"intervalMinutes"`
	Status          TaskStatus `json:"status"`
	LastRun         time.Time  `json:"lastRun,omitempty"`
	LastError       string     `json:"lastError,omitempty"`
	NextRun         time.Time  `json:"nextRun,omitempty"`
	LastRunTook     string     `json:"lastRunTook,omitempty"`
}

// QueueStatus is the lifecycle state of a download queue item.
type QueueStatus string

const (
	QueuePending    QueueStatus = "pending"
	QueueDownloading QueueStatus = "downloading"
	QueueFinalizing QueueStatus = "finalizing"
	QueueDone       QueueStatus = "done"
	QueueFailed     QueueStatus = "failed"
	QueueCancelled  QueueStatus = "cancelled"
)

// QueueItem is one episode (or episode part) queued for download.
type QueueItem struct {
	ID           string      `json:"id"`
	SeriesID     int64       `json:"seriesId"`
	SeasonID     int64       `json:"seasonId"`
	EpisodeNumber int         `json:"episodeNumber"`
	ExternalID   int64       `json:"externalId"` // library manager's wanted-episode id, for dedup against re-ingestion
	SourceURL    string      `json:"sourceUrl"`
	DestPath     string      `json:"destPath"`
	Status       QueueStatus `json:"status"`
	Progress     float64     `json:"progress"` // percentage in [0, 100], not a fraction
	Error        string      `json:"error,omitempty"`
	QueuedAt     time.Time   `json:"queuedAt"`
	UpdatedAt    time.Time   `json:"updatedAt"`
}

// LogEntry is one record retained by the bounded log ring.
type LogEntry struct {
	ID       string    `json:"id"`
	Time     time.Time `json:"time"`
	Level    string    `json:"level"`
	Category string    `json:"category,omitempty"`
	Message  string    `json:"message"`
	Details  string    `json:"details,omitempty"`
}
