// Copyright (c) 2024, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package anilist is one of the two anime-DB clients. It hand-rolls a
// plain net/http JSON POST carrying a literal GraphQL query string,
// keeping requests and responses as plain JSON. Rate limiting is a
// single-slot golang.org/x/time/rate.Limiter with a minimum interval
// between requests.
package anilist

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/SavvyMeat/aw-downloader/internal/models"
	"github.com/SavvyMeat/aw-downloader/internal/services/httpx"
)

var endpoint = "https://graphql.anilist.co"

// minInterval matches AniList's documented courtesy rate (roughly 1.5s
// between requests keeps a single client well under the 90 req/min cap).
const minInterval = 1500 * time.Millisecond

type Client struct {
	limiter *rate.Limiter
}

func New() *Client {
	return &Client{limiter: rate.NewLimiter(rate.Every(minInterval), 1)}
}

type graphQLRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables,omitempty"`
}

type graphQLError struct {
	Message string `json:"message"`
}

type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphQLError  `json:"errors,omitempty"`
}

func (c *Client) do(ctx context.Context, query string, vars map[string]interface{}, out interface{}) error {
	return c.doAttempt(ctx, query, vars, out, true)
}

// doAttempt issues one request, retrying a single time on a 429 after
// honoring its Retry-After header (testable property 10: a second 429
// surfaces as an error rather than retrying again).
func (c *Client) doAttempt(ctx context.Context, query string, vars map[string]interface{}, out interface{}, allowRetry bool) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	body, err := json.Marshal(graphQLRequest{Query: query, Variables: vars})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := httpx.Do(ctx, req)
	if err != nil {
		return err
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		wait := httpx.RetryAfter(resp)
		resp.Body.Close()
		if !allowRetry {
			return fmt.Errorf("anilist: rate limited (429) after one retry")
		}
		if wait == 0 {
			wait = 2 * time.Second
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		return c.doAttempt(ctx, query, vars, out, false)
	}

	raw, err := httpx.ReadAndClose(resp)
	if err != nil {
		return fmt.Errorf("anilist: %w", err)
	}

	var gr graphQLResponse
	if err := json.Unmarshal(raw, &gr); err != nil {
		return fmt.Errorf("anilist: decode response: %w", err)
	}
	if len(gr.Errors) > 0 {
		return fmt.Errorf("anilist: %s", gr.Errors[0].Message)
	}
	return json.Unmarshal(gr.Data, out)
}

// Media is the subset of AniList's Media type this project needs.
type Media struct {
	ID         int64              `json:"id"`
	Title      TitleSet           `json:"title"`
	StartDate  FuzzyDate          `json:"startDate"`
	EndDate    FuzzyDate          `json:"endDate"`
	Episodes   int                `json:"episodes"`
	Format     string             `json:"format"`
	Status     string             `json:"status"`
	SeasonYear int                `json:"seasonYear"`
	Season     string             `json:"season"`
	Relations  RelationConnection `json:"relations"`
}

// Airing reports whether AniList still considers this media currently
// releasing (as opposed to finished, cancelled or not yet aired).
func (m Media) Airing() bool { return m.Status == "RELEASING" }

type TitleSet struct {
	Romaji  string `json:"romaji"`
	English string `json:"english"`
	Native  string `json:"native"`
}

type FuzzyDate struct {
	Year  *int `json:"year"`
	Month *int `json:"month"`
	Day   *int `json:"day"`
}

func (f FuzzyDate) ToAirDate() models.AirDate {
	var d models.AirDate
	if f.Year != nil {
		d.Year = *f.Year
	}
	if f.Month != nil {
		d.Month = *f.Month
	}
	if f.Day != nil {
		d.Day = *f.Day
	}
	return d
}

type RelationConnection struct {
	Edges []RelationEdge `json:"edges"`
}

type RelationEdge struct {
	RelationType string `json:"relationType"`
	Node         Media  `json:"node"`
}

const mediaByIDQuery = `
query ($id: Int) {
  Media(id: $id, type: ANIME) {
    id
    title { romaji english native }
    startDate { year month day }
    endDate { year month day }
    episodes
    format
    status
    seasonYear
    season
    relations {
      edges {
        relationType
        node { id title { romaji english native } startDate { year month day } endDate { year month day } episodes format status }
      }
    }
  }
}`

func (c *Client) GetMediaByID(ctx context.Context, id int64) (*Media, error) {
	var out struct {
		Media Media `json:"Media"`
	}
	if err := c.do(ctx, mediaByIDQuery, map[string]interface{}{"id": id}, &out); err != nil {
		return nil, err
	}
	return &out.Media, nil
}

const searchQuery = `
query ($search: String) {
  Page(page: 1, perPage: 10) {
    media(search: $search, type: ANIME) {
      id
      title { romaji english native }
      startDate { year month day }
      episodes
      format
    }
  }
}`

func (c *Client) Search(ctx context.Context, title string) ([]Media, error) {
	var out struct {
		Page struct {
			Media []Media `json:"media"`
		} `json:"Page"`
	}
	if err := c.do(ctx, searchQuery, map[string]interface{}{"search": title}, &out); err != nil {
		return nil, err
	}
	return out.Page.Media, nil
}
