// Copyright (c) 2024, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package settings

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SavvyMeat/aw-downloader/internal/database"
)

func newTestDB(t *testing.T) *database.DB {
	t.Helper()
	dir := t.TempDir()
	db, err := database.InitDB(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestLoadFillsMissingKeysWithDefaults(t *testing.T) {
	db := newTestDB(t)
	s := New(db)
	require.NoError(t, s.Load(context.Background()))

	assert.Equal(t, "3", s.GetString("download_max_workers"))
	assert.Equal(t, 3, s.GetInt("download_max_workers"))
	assert.True(t, s.GetBool("sonarr_filter_anime_only"))
}

func TestGetIntClampsBoundedKeysToTheirSpecRange(t *testing.T) {
	db := newTestDB(t)
	s := New(db)
	require.NoError(t, s.Load(context.Background()))

	require.NoError(t, s.Set(context.Background(), "concurrent_downloads", "0"))
	assert.Equal(t, 1, s.GetInt("concurrent_downloads"), "below range clamps to the floor")

	require.NoError(t, s.Set(context.Background(), "concurrent_downloads", "50"))
	assert.Equal(t, 10, s.GetInt("concurrent_downloads"), "above range clamps to the ceiling")

	require.NoError(t, s.Set(context.Background(), "download_max_workers", "-3"))
	assert.Equal(t, 1, s.GetInt("download_max_workers"))

	require.NoError(t, s.Set(context.Background(), "fetchwanted_interval", "999999"))
	assert.Equal(t, 999999, s.GetInt("fetchwanted_interval"), "unbounded keys are returned as parsed")
}

func TestSetPersistsAndUpdatesCache(t *testing.T) {
	db := newTestDB(t)
	s := New(db)
	require.NoError(t, s.Load(context.Background()))

	require.NoError(t, s.Set(context.Background(), "sonarr_url", "http://sonarr.local:8989"))
	assert.Equal(t, "http://sonarr.local:8989", s.GetString("sonarr_url"))

	stored, ok, err := db.GetConfig(context.Background(), "sonarr_url")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "http://sonarr.local:8989", stored)
}

func TestOnChangeFiresAfterSet(t *testing.T) {
	db := newTestDB(t)
	s := New(db)
	require.NoError(t, s.Load(context.Background()))

	var seen string
	s.OnChange("sonarr_token", func(key, value string) { seen = value })

	require.NoError(t, s.Set(context.Background(), "sonarr_token", "secret"))
	assert.Equal(t, "secret", seen)
}

func TestGetStringSliceSplitsAndTrims(t *testing.T) {
	db := newTestDB(t)
	s := New(db)
	require.NoError(t, s.Load(context.Background()))
	require.NoError(t, s.Set(context.Background(), "language_filter", "eng, jpn , "))

	assert.Equal(t, []string{"eng", "jpn"}, s.GetStringSlice("language_filter"))
}
