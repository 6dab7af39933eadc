// Copyright (c) 2024, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package anilist

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetMediaByIDRetriesOnceAfter429ThenSurfacesSecond(t *testing.T) {
	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.Header().Set("Retry-After", "0")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	original := endpoint
	endpoint = srv.URL
	defer func() { endpoint = original }()

	c := New()
	_, err := c.GetMediaByID(context.Background(), 1)
	require.Error(t, err)
	assert.Equal(t, 2, requests)
}

func TestFuzzyDateToAirDate(t *testing.T) {
	year, month := 2021, 4
	f := FuzzyDate{Year: &year, Month: &month}
	d := f.ToAirDate()
	assert.Equal(t, 2021, d.Year)
	assert.Equal(t, 4, d.Month)
	assert.Equal(t, 0, d.Day)
}

func TestFuzzyDateZeroValueIsZeroAirDate(t *testing.T) {
	var f FuzzyDate
	assert.True(t, f.ToAirDate().IsZero())
}
