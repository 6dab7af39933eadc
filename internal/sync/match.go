// Copyright (c) 2024, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package sync

import (
	"time"

	"github.com/SavvyMeat/aw-downloader/internal/models"
)

// windowBroadenMonths/windowBroadenDays widen a season's air-date window by
// 1 month + 10 days on each side before comparing against an external
// anime-DB's start/end dates, matching the tolerance cross-source matching
// needs around premiere-date discrepancies.
const (
	windowBroadenMonths = 1
	windowBroadenDays   = 10
)

// asTime converts a partially-known AirDate to a comparable time.Time,
// treating a missing month/day as the first of the month/year.
func asTime(d models.AirDate) time.Time {
	month := d.Month
	if month == 0 {
		month = 1
	}
	day := d.Day
	if day == 0 {
		day = 1
	}
	return time.Date(d.Year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
}

// WithinBroadenedWindow reports whether a candidate's start/end dates fall
// within [windowStart, windowEnd] broadened by 1 month + 10 days on each
// side (testable property 6). endDate may be zero if the media is still
// airing; airing must be true in that case or the candidate is rejected.
func WithinBroadenedWindow(windowStart, windowEnd, startDate, endDate models.AirDate, airing bool) bool {
	if startDate.IsZero() {
		return false
	}
	if endDate.IsZero() && !airing {
		return false
	}

	lo := asTime(windowStart).AddDate(0, -windowBroadenMonths, -windowBroadenDays)
	hi := asTime(windowEnd).AddDate(0, windowBroadenMonths, windowBroadenDays)

	start := asTime(startDate)
	if start.Before(lo) {
		return false
	}
	if !endDate.IsZero() && asTime(endDate).After(hi) {
		return false
	}
	if endDate.IsZero() && start.After(hi) {
		return false
	}
	return true
}
