// Copyright (c) 2024, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package sonarr is the library-manager client: a Sonarr-compatible
// REST client with a background health prober, a circuit breaker and
// short-lived response caches.
package sonarr

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/SavvyMeat/aw-downloader/internal/services/httpx"
	"github.com/SavvyMeat/aw-downloader/internal/services/resilience"
)

// ErrSonarr is the typed error returned by every client method, matching
// a typed Op/Err/HttpCode error shape.
type ErrSonarr struct {
	Op       string
	Err      error
	HttpCode int
}

func (e *ErrSonarr) Error() string {
	if e.HttpCode > 0 {
		return fmt.Sprintf("sonarr %s: server returned %s (%d)", e.Op, http.StatusText(e.HttpCode), e.HttpCode)
	}
	if e.Err != nil {
		return fmt.Sprintf("sonarr %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("sonarr %s", e.Op)
}

func (e *ErrSonarr) Unwrap() error { return e.Err }

// ErrBackendUnavailable is returned by every Client method (other than the
// health probe itself) when the health cell is currently false, so a
// library-manager outage fails fast instead of burning a request and a
// retry loop on a connection everyone already knows is down.
var ErrBackendUnavailable = fmt.Errorf("sonarr: backend unavailable")

// Client talks to a single Sonarr-compatible library manager instance.
type Client struct {
	baseURL string
	apiKey  string

	healthy   atomic.Bool
	lastCheck atomic.Value // time.Time

	breaker *resilience.CircuitBreaker
	group   singleflight.Group

	cacheMu sync.RWMutex
	cache   map[string]cacheEntry
}

type cacheEntry struct {
	value   interface{}
	expires time.Time
}

const cacheTTL = 5 * time.Minute

// New constructs a client that is optimistically healthy until the first
// probe (run immediately by StartHealthMonitor) proves otherwise — the
// health gate in doRequest exists to short-circuit calls against a backend
// already known to be down, not to block calls made before the first probe
// has had a chance to run.
func New(baseURL, apiKey string) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		breaker: resilience.NewCircuitBreaker(5, 60*time.Second),
		cache:   make(map[string]cacheEntry),
	}
	c.healthy.Store(true)
	return c
}

// Reconfigure swaps the base URL / API key, used when settings change
// (internal/settings.Store.OnChange).
func (c *Client) Reconfigure(baseURL, apiKey string) {
	c.baseURL = strings.TrimRight(baseURL, "/")
	c.apiKey = apiKey
	c.healthy.Store(false)
}

func (c *Client) Healthy() bool { return c.healthy.Load() }

func (c *Client) LastCheck() time.Time {
	if t, ok := c.lastCheck.Load().(time.Time); ok {
		return t
	}
	return time.Time{}
}

// Probe checks system status once, updating the health cell. The circuit
// breaker itself is consulted and updated inside doRequestSkipHealth, so a
// probe issued while the breaker is open fails the same way any other call
// would rather than needing its own separate check.
func (c *Client) Probe(ctx context.Context) error {
	_, err := c.getSystemStatus(ctx)
	c.lastCheck.Store(time.Now())
	if err != nil {
		c.healthy.Store(false)
		return err
	}
	c.healthy.Store(true)
	return nil
}

// StartHealthMonitor runs Probe every interval until ctx is cancelled.
func (c *Client) StartHealthMonitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		_ = c.Probe(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = c.Probe(ctx)
			}
		}
	}()
}

// doRequest issues one request, retrying a 429 or 5xx response through
// resilience.RetryWithBackoff. A rate-limited response's Retry-After header
// is honored before the retry loop's own exponential backoff kicks in.
func (c *Client) doRequest(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	if !c.healthy.Load() {
		return nil, &ErrSonarr{Op: method + " " + path, Err: ErrBackendUnavailable}
	}
	return c.doRequestSkipHealth(ctx, method, path, body)
}

// doRequestSkipHealth is doRequest without the health gate, used only by
// the probe's own system-status call: Probe is what flips healthy back to
// true, so it can't be blocked by the check it exists to satisfy. It is
// still guarded by the circuit breaker, which the health gate doesn't
// cover: healthy tracks the periodic probe's own verdict, while the
// breaker opens on a run of failures from actual request traffic and
// resets itself after resetTimeout, independent of when the next probe
// happens to land.
func (c *Client) doRequestSkipHealth(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	if c.baseURL == "" {
		return nil, &ErrSonarr{Op: method + " " + path, Err: fmt.Errorf("sonarr_url is not configured")}
	}
	if c.breaker.IsOpen() {
		return nil, &ErrSonarr{Op: method + " " + path, Err: fmt.Errorf("circuit breaker open")}
	}

	var resp *http.Response
	err := resilience.RetryWithBackoff(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
		if err != nil {
			return err
		}
		req.Header.Set("X-Api-Key", c.apiKey)
		req.Header.Set("Accept", "application/json")

		r, err := httpx.Do(ctx, req)
		if err != nil {
			return err
		}

		if r.StatusCode == http.StatusTooManyRequests || r.StatusCode >= http.StatusInternalServerError {
			if wait := httpx.RetryAfter(r); wait > 0 {
				select {
				case <-ctx.Done():
					r.Body.Close()
					return ctx.Err()
				case <-time.After(wait):
				}
			}
			r.Body.Close()
			return fmt.Errorf("sonarr: retryable status %d", r.StatusCode)
		}

		resp = r
		return nil
	})
	if err != nil {
		c.breaker.RecordFailure()
		return nil, &ErrSonarr{Op: path, Err: err}
	}
	c.breaker.RecordSuccess()
	return resp, nil
}

type systemStatusResponse struct {
	Version string `json:"version"`
}

func (c *Client) getSystemStatus(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, httpx.DefaultTimeout)
	defer cancel()

	resp, err := c.doRequestSkipHealth(ctx, http.MethodGet, "/api/v3/system/status", nil)
	if err != nil {
		return "", err
	}
	body, err := httpx.ReadAndClose(resp)
	if err != nil {
		return "", &ErrSonarr{Op: "system_status", Err: err, HttpCode: resp.StatusCode}
	}

	var status systemStatusResponse
	if err := json.Unmarshal(body, &status); err != nil {
		return "", &ErrSonarr{Op: "system_status", Err: err}
	}
	return status.Version, nil
}

// SeriesEpisode is a subset of Sonarr's episode DTO this project needs.
type SeriesEpisode struct {
	ID             int64     `json:"id"`
	SeriesID       int64     `json:"seriesId"`
	SeasonNumber   int       `json:"seasonNumber"`
	EpisodeNumber  int       `json:"episodeNumber"`
	AbsoluteNumber int       `json:"absoluteEpisodeNumber"`
	Title          string    `json:"title"`
	AirDateUTC     time.Time `json:"airDateUtc"`
	HasFile        bool      `json:"hasFile"`
	EpisodeFileID  int64     `json:"episodeFileId"`
	Monitored      bool      `json:"monitored"`
}

// SeasonAirDateInfo is the [start, end] air-date window for one season,
// derived from its episodes' airDateUtc fields.
type SeasonAirDateInfo struct {
	HasValidAirDate bool
	StartDate       time.Time
	EndDate         time.Time
}

// GetSeasonAirDateInfo derives a season's air-date window from its episode
// list: an episode counts as valid if its air date is at or before
// now+2 weeks (unaired episodes past that horizon don't yet bound the
// window). Cached alongside GetSeriesEpisodes since it reads the same data.
func (c *Client) GetSeasonAirDateInfo(ctx context.Context, seriesID int64, seasonNumber int) (SeasonAirDateInfo, error) {
	episodes, err := c.GetSeriesEpisodes(ctx, seriesID)
	if err != nil {
		return SeasonAirDateInfo{}, err
	}

	horizon := time.Now().Add(14 * 24 * time.Hour)
	var info SeasonAirDateInfo
	for _, ep := range episodes {
		if ep.SeasonNumber != seasonNumber || ep.AirDateUTC.IsZero() || ep.AirDateUTC.After(horizon) {
			continue
		}
		info.HasValidAirDate = true
		if info.StartDate.IsZero() || ep.AirDateUTC.Before(info.StartDate) {
			info.StartDate = ep.AirDateUTC
		}
		if ep.AirDateUTC.After(info.EndDate) {
			info.EndDate = ep.AirDateUTC
		}
	}
	return info, nil
}

// GetSeriesEpisodes returns every episode for a series, cached for
// cacheTTL and single-flighted so concurrent callers for the same series
// share one upstream request instead of issuing duplicate calls.
func (c *Client) GetSeriesEpisodes(ctx context.Context, seriesID int64) ([]SeriesEpisode, error) {
	key := fmt.Sprintf("episodes:%d", seriesID)

	if v, ok := c.fromCache(key); ok {
		return v.([]SeriesEpisode), nil
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		resp, err := c.doRequest(ctx, http.MethodGet, fmt.Sprintf("/api/v3/episode?seriesId=%d", seriesID), nil)
		if err != nil {
			return nil, err
		}
		body, err := httpx.ReadAndClose(resp)
		if err != nil {
			return nil, &ErrSonarr{Op: "get_episodes", Err: err, HttpCode: resp.StatusCode}
		}
		var episodes []SeriesEpisode
		if err := json.Unmarshal(body, &episodes); err != nil {
			return nil, &ErrSonarr{Op: "get_episodes", Err: err}
		}
		c.toCache(key, episodes)
		return episodes, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]SeriesEpisode), nil
}

// LibrarySeries is a subset of Sonarr's series DTO.
type LibrarySeries struct {
	ID         int64   `json:"id"`
	Title      string  `json:"title"`
	TvdbID     int64   `json:"tvdbId"`
	RootFolder string  `json:"rootFolderPath"`
	Monitored  bool    `json:"monitored"`
	SeriesType string  `json:"seriesType"`
	Tags       []int64 `json:"tags"`
	Path       string  `json:"path"`
}

// GetSeriesByID fetches a single library series by its library-manager id.
func (c *Client) GetSeriesByID(ctx context.Context, id int64) (*LibrarySeries, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, fmt.Sprintf("/api/v3/series/%d", id), nil)
	if err != nil {
		return nil, err
	}
	body, err := httpx.ReadAndClose(resp)
	if err != nil {
		return nil, &ErrSonarr{Op: "get_series_by_id", Err: err, HttpCode: resp.StatusCode}
	}
	var series LibrarySeries
	if err := json.Unmarshal(body, &series); err != nil {
		return nil, &ErrSonarr{Op: "get_series_by_id", Err: err}
	}
	return &series, nil
}

func (c *Client) GetSeries(ctx context.Context) ([]LibrarySeries, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/api/v3/series", nil)
	if err != nil {
		return nil, err
	}
	body, err := httpx.ReadAndClose(resp)
	if err != nil {
		return nil, &ErrSonarr{Op: "get_series", Err: err, HttpCode: resp.StatusCode}
	}
	var series []LibrarySeries
	if err := json.Unmarshal(body, &series); err != nil {
		return nil, &ErrSonarr{Op: "get_series", Err: err}
	}
	return series, nil
}

// WantedSeries is the series object the wanted/missing endpoint embeds in
// each record when queried with includeSeries=true, carrying just enough
// of LibrarySeries for eligibility filtering without a per-episode
// GetSeriesByID round trip.
type WantedSeries struct {
	SeriesType string  `json:"seriesType"`
	Tags       []int64 `json:"tags"`
}

// WantedEpisode is Sonarr's wanted/missing DTO (subset).
type WantedEpisode struct {
	ID                    int64        `json:"id"`
	SeriesID              int64        `json:"seriesId"`
	SeasonNumber          int          `json:"seasonNumber"`
	EpisodeNumber         int          `json:"episodeNumber"`
	AbsoluteEpisodeNumber int          `json:"absoluteEpisodeNumber"`
	AirDateUTC            time.Time    `json:"airDateUtc"`
	Series                WantedSeries `json:"series"`
}

type wantedPage struct {
	Page         int             `json:"page"`
	TotalRecords int             `json:"totalRecords"`
	Records      []WantedEpisode `json:"records"`
}

// GetWantedMissing paginates Sonarr's wanted/missing endpoint sorted by
// air date ascending, requesting 100 records a page until totalRecords is
// reached or a page comes back empty.
func (c *Client) GetWantedMissing(ctx context.Context) ([]WantedEpisode, error) {
	var all []WantedEpisode
	page := 1
	for {
		path := fmt.Sprintf("/api/v3/wanted/missing?page=%d&pageSize=100&sortKey=airDateUtc&sortDirection=ascending&includeSeries=true&monitored=true", page)
		resp, err := c.doRequest(ctx, http.MethodGet, path, nil)
		if err != nil {
			return nil, err
		}
		body, err := httpx.ReadAndClose(resp)
		if err != nil {
			return nil, &ErrSonarr{Op: "wanted_missing", Err: err, HttpCode: resp.StatusCode}
		}
		var pg wantedPage
		if err := json.Unmarshal(body, &pg); err != nil {
			return nil, &ErrSonarr{Op: "wanted_missing", Err: err}
		}
		all = append(all, pg.Records...)
		if len(all) >= pg.TotalRecords || len(pg.Records) == 0 {
			break
		}
		page++
	}
	return all, nil
}

// LibraryRootFolder is Sonarr's rootfolder DTO.
type LibraryRootFolder struct {
	ID         int64 `json:"id"`
	Path       string `json:"path"`
	Accessible bool  `json:"accessible"`
	FreeSpace  int64 `json:"freeSpace"`
	TotalSpace int64 `json:"totalSpace"`
}

func (c *Client) GetRootFolders(ctx context.Context) ([]LibraryRootFolder, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/api/v3/rootfolder", nil)
	if err != nil {
		return nil, err
	}
	body, err := httpx.ReadAndClose(resp)
	if err != nil {
		return nil, &ErrSonarr{Op: "get_rootfolders", Err: err, HttpCode: resp.StatusCode}
	}
	var folders []LibraryRootFolder
	if err := json.Unmarshal(body, &folders); err != nil {
		return nil, &ErrSonarr{Op: "get_rootfolders", Err: err}
	}
	return folders, nil
}

// Tag is Sonarr's tag DTO.
type Tag struct {
	ID    int64  `json:"id"`
	Label string `json:"label"`
}

func (c *Client) GetTags(ctx context.Context) ([]Tag, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/api/v3/tag", nil)
	if err != nil {
		return nil, err
	}
	body, err := httpx.ReadAndClose(resp)
	if err != nil {
		return nil, &ErrSonarr{Op: "get_tags", Err: err, HttpCode: resp.StatusCode}
	}
	var tags []Tag
	if err := json.Unmarshal(body, &tags); err != nil {
		return nil, &ErrSonarr{Op: "get_tags", Err: err}
	}
	return tags, nil
}

// NotificationConfig is Sonarr's notification DTO. Fields is heterogeneous
// per implementation (webHookUrl, url, method, serverUrl, configurationKey,
// statelessUrls, ...); callers extract what they need by Name.
type NotificationConfig struct {
	ID             int64                  `json:"id"`
	Name           string                 `json:"name"`
	Implementation string                 `json:"implementation"`
	OnDownload     bool                   `json:"onDownload"`
	Fields         []NotificationField    `json:"fields"`
}

type NotificationField struct {
	Name  string      `json:"name"`
	Value interface{} `json:"value"`
}

// FieldString returns the string value of the named field, or "" if absent
// or not a string.
func (n NotificationConfig) FieldString(name string) string {
	for _, f := range n.Fields {
		if f.Name != name {
			continue
		}
		if s, ok := f.Value.(string); ok {
			return s
		}
	}
	return ""
}

func (c *Client) GetNotifications(ctx context.Context) ([]NotificationConfig, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/api/v3/notification", nil)
	if err != nil {
		return nil, err
	}
	body, err := httpx.ReadAndClose(resp)
	if err != nil {
		return nil, &ErrSonarr{Op: "get_notifications", Err: err, HttpCode: resp.StatusCode}
	}
	var notifications []NotificationConfig
	if err := json.Unmarshal(body, &notifications); err != nil {
		return nil, &ErrSonarr{Op: "get_notifications", Err: err}
	}
	return notifications, nil
}

// Command triggers a Sonarr command (RescanSeries, RenameFiles, ...).
func (c *Client) Command(ctx context.Context, name string, params map[string]interface{}) error {
	if params == nil {
		params = map[string]interface{}{}
	}
	params["name"] = name

	body, err := json.Marshal(params)
	if err != nil {
		return &ErrSonarr{Op: "command:" + name, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v3/command", strings.NewReader(string(body)))
	if err != nil {
		return &ErrSonarr{Op: "command:" + name, Err: err}
	}
	req.Header.Set("X-Api-Key", c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpx.Do(ctx, req)
	if err != nil {
		return &ErrSonarr{Op: "command:" + name, Err: err}
	}
	if _, err := httpx.ReadAndClose(resp); err != nil {
		return &ErrSonarr{Op: "command:" + name, Err: err, HttpCode: resp.StatusCode}
	}
	return nil
}

func (c *Client) fromCache(key string) (interface{}, bool) {
	c.cacheMu.RLock()
	defer c.cacheMu.RUnlock()
	e, ok := c.cache[key]
	if !ok || time.Now().After(e.expires) {
		return nil, false
	}
	return e.value, true
}

func (c *Client) toCache(key string, value interface{}) {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	c.cache[key] = cacheEntry{value: value, expires: time.Now().Add(cacheTTL)}
}

// InvalidateSeriesEpisodes drops the cached episode list for seriesID, so
// the next GetSeriesEpisodes call fetches fresh data instead of serving a
// cacheTTL-stale result. The finalizer's post-rescan file-id poll needs
// this: GetSeriesEpisodes's own cache would otherwise keep returning the
// same pre-rescan snapshot across every poll attempt.
func (c *Client) InvalidateSeriesEpisodes(seriesID int64) {
	key := fmt.Sprintf("episodes:%d", seriesID)
	c.cacheMu.Lock()
	delete(c.cache, key)
	c.cacheMu.Unlock()
}
