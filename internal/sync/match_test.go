// Copyright (c) 2024, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package sync

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/SavvyMeat/aw-downloader/internal/models"
	"github.com/SavvyMeat/aw-downloader/internal/services/sourcesite"
)

func TestWithinBroadenedWindow(t *testing.T) {
	windowStart := models.AirDate{Year: 2025, Month: 1, Day: 11}
	windowEnd := models.AirDate{Year: 2025, Month: 4, Day: 5}

	assert.True(t, WithinBroadenedWindow(windowStart, windowEnd, models.AirDate{Year: 2025, Month: 1, Day: 5}, models.AirDate{Year: 2025, Month: 4, Day: 10}, false))
	assert.False(t, WithinBroadenedWindow(windowStart, windowEnd, models.AirDate{Year: 2024, Month: 10, Day: 1}, models.AirDate{Year: 2025, Month: 4, Day: 10}, false))
}

func TestWithinBroadenedWindowRejectsMissingDates(t *testing.T) {
	windowStart := models.AirDate{Year: 2025, Month: 1, Day: 11}
	windowEnd := models.AirDate{Year: 2025, Month: 4, Day: 5}
	assert.False(t, WithinBroadenedWindow(windowStart, windowEnd, models.AirDate{}, models.AirDate{}, false))
	assert.False(t, WithinBroadenedWindow(windowStart, windowEnd, models.AirDate{Year: 2025, Month: 1, Day: 5}, models.AirDate{}, false))
}

func TestWithinBroadenedWindowAllowsStillAiring(t *testing.T) {
	windowStart := models.AirDate{Year: 2025, Month: 1, Day: 11}
	windowEnd := models.AirDate{Year: 2025, Month: 4, Day: 5}
	assert.True(t, WithinBroadenedWindow(windowStart, windowEnd, models.AirDate{Year: 2025, Month: 1, Day: 5}, models.AirDate{}, true))
}

func TestFindBestMatchWithPartsExactTitle(t *testing.T) {
	results := []sourcesite.SearchResult{
		{ID: 1, Name: "Attack on Titan"},
		{ID: 2, Name: "Attack on Titan: Final Season"},
	}
	matches := sourcesite.FindBestMatchWithParts("Attack on Titan", results)
	if assert.Len(t, matches, 1) {
		assert.Equal(t, int64(1), matches[0].ID)
	}
}

func TestFindBestMatchWithPartsRequiresMarkerOnCandidate(t *testing.T) {
	results := []sourcesite.SearchResult{
		{ID: 1, Name: "Demon Slayer"},
		{ID: 2, Name: "Demon Slayer Part 2"},
	}
	matches := sourcesite.FindBestMatchWithParts("Demon Slayer", results)
	if assert.Len(t, matches, 2) {
		assert.Equal(t, int64(1), matches[0].ID)
		assert.Equal(t, int64(2), matches[1].ID)
	}
}

func TestFindBestMatchWithPartsNoCandidates(t *testing.T) {
	assert.Empty(t, sourcesite.FindBestMatchWithParts("Unknown Show", nil))
}
