// Copyright (c) 2024, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package jikan is a plain REST client
// for the MyAnimeList-backed Jikan API. It stacks two rate.Limiters (burst
// and sustained) rather than a Redis-backed sliding window since these
// limits are enforced per-process, not shared across instances.
package jikan

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/SavvyMeat/aw-downloader/internal/models"
	"github.com/SavvyMeat/aw-downloader/internal/services/httpx"
)

var baseURL = "https://api.jikan.moe/v4"

type Client struct {
	burst     *rate.Limiter
	sustained *rate.Limiter
}

func New() *Client {
	return &Client{
		burst:     rate.NewLimiter(rate.Limit(3), 3),
		sustained: rate.NewLimiter(rate.Every(time.Minute/60), 60),
	}
}

type animeEnvelope struct {
	Data AnimeData `json:"data"`
}

type searchEnvelope struct {
	Data []AnimeData `json:"data"`
}

// AnimeData is the subset of Jikan's anime object this project needs.
type AnimeData struct {
	MalID    int64  `json:"mal_id"`
	Title    string `json:"title"`
	Episodes int    `json:"episodes"`
	Airing   bool   `json:"airing"`
	Aired    struct {
		From string `json:"from"`
		To   string `json:"to"`
	} `json:"aired"`
}

func (a AnimeData) AirDate() models.AirDate {
	return parseJikanDate(a.Aired.From)
}

func (a AnimeData) EndAirDate() models.AirDate {
	return parseJikanDate(a.Aired.To)
}

func parseJikanDate(v string) models.AirDate {
	if v == "" {
		return models.AirDate{}
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return models.AirDate{}
	}
	return models.AirDate{Year: t.Year(), Month: int(t.Month()), Day: t.Day()}
}

func (c *Client) wait(ctx context.Context) error {
	if err := c.sustained.Wait(ctx); err != nil {
		return err
	}
	return c.burst.Wait(ctx)
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	return c.getAttempt(ctx, path, out, true)
}

// getAttempt issues one request, retrying a single time on a 429 after
// honoring its Retry-After header (testable property 10: a second 429
// surfaces as an error rather than retrying again).
func (c *Client) getAttempt(ctx context.Context, path string, out interface{}, allowRetry bool) error {
	if err := c.wait(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := httpx.Do(ctx, req)
	if err != nil {
		return err
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		wait := httpx.RetryAfter(resp)
		resp.Body.Close()
		if !allowRetry {
			return fmt.Errorf("jikan: rate limited (429) after one retry")
		}
		if wait == 0 {
			wait = time.Second
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		return c.getAttempt(ctx, path, out, false)
	}

	body, err := httpx.ReadAndClose(resp)
	if err != nil {
		return fmt.Errorf("jikan: %w", err)
	}
	return json.Unmarshal(body, out)
}

func (c *Client) GetAnimeByMalID(ctx context.Context, malID int64) (*AnimeData, error) {
	var env animeEnvelope
	if err := c.get(ctx, fmt.Sprintf("/anime/%d", malID), &env); err != nil {
		return nil, err
	}
	return &env.Data, nil
}

func (c *Client) Search(ctx context.Context, title string) ([]AnimeData, error) {
	var env searchEnvelope
	if err := c.get(ctx, "/anime?q="+url.QueryEscape(title)+"&limit=10", &env); err != nil {
		return nil, err
	}
	return env.Data, nil
}
