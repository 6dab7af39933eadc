// Copyright (c) 2024, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package app

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SavvyMeat/aw-downloader/internal/config"
	"github.com/SavvyMeat/aw-downloader/internal/logging"
)

func TestNewWiresEveryComponentAndRegistersJobs(t *testing.T) {
	cfg := &config.Config{
		Database:  config.DatabaseConfig{Type: "sqlite", Path: filepath.Join(t.TempDir(), "test.db")},
		Downloads: config.DownloadsConfig{StagingDir: t.TempDir()},
	}

	a, err := New(context.Background(), cfg, logging.NewRing(10))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Shutdown() })

	assert.NotNil(t, a.DB)
	assert.NotNil(t, a.Settings)
	assert.NotNil(t, a.Sonarr)
	assert.NotNil(t, a.Sync)
	assert.NotNil(t, a.Wanted)
	assert.NotNil(t, a.Queue)
	assert.NotNil(t, a.Finalize)
	assert.NotNil(t, a.Notify)
	assert.NotNil(t, a.HTTP)

	assert.Equal(t, 2, a.Queue.MaxConcurrent())
	assert.Equal(t, 3, a.Queue.MaxWorkers())

	statuses := a.Scheduler.Status()
	require.Len(t, statuses, 2)
}
