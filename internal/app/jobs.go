// Copyright (c) 2024, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package app

import (
	"context"
	"fmt"

	"github.com/SavvyMeat/aw-downloader/internal/logging"
	"github.com/SavvyMeat/aw-downloader/internal/models"
	"github.com/SavvyMeat/aw-downloader/internal/services/notify"
)

const (
	jobUpdateMetadata = "update_metadata"
	jobFetchWanted    = "fetch_wanted"
)

// registerJobs schedules the metadata sync and wanted-episode ingest at
// their configured intervals. Both intervals live in the settings store so
// an operator can retune them without restarting the daemon.
func (a *App) registerJobs() error {
	syncInterval := a.Settings.GetInt("updatemetadata_interval")
	if err := a.Scheduler.Register(jobUpdateMetadata, "Resync every monitored series against the library manager and anime databases.", syncInterval, a.runSync); err != nil {
		return fmt.Errorf("register update_metadata job: %w", err)
	}

	wantedInterval := a.Settings.GetInt("fetchwanted_interval")
	if err := a.Scheduler.Register(jobFetchWanted, "Ingest the library manager's wanted-missing list and enqueue resolved episodes.", wantedInterval, a.runWanted); err != nil {
		return fmt.Errorf("register fetch_wanted job: %w", err)
	}

	return nil
}

// runSync is the sync job's JobFunc: it resyncs every monitored series.
func (a *App) runSync(ctx context.Context) error {
	return a.Sync.SyncAll(ctx)
}

// runWanted ingests the library manager's wanted list and enqueues every
// resolved candidate that isn't already queued. Enqueue's own duplicate
// check is the final gate; a candidate already pending or in flight for
// the same episode is skipped there.
func (a *App) runWanted(ctx context.Context) error {
	candidates, err := a.Wanted.Ingest(ctx)
	if err != nil {
		return err
	}

	stagingDir := a.Config.Downloads.StagingDir
	if stagingDir == "" {
		stagingDir = "."
	}

	log := logging.For("wanted")
	for _, c := range candidates {
		if _, err := a.Queue.Enqueue(ctx, c.SeriesID, c.SeasonID, c.EpisodeNumber, c.ExternalID, c.SourceURL, stagingDir); err != nil {
			log.Warn().Err(err).Int64("seriesId", c.SeriesID).Int("episode", c.EpisodeNumber).Msg("skipping wanted candidate")
		}
	}
	return nil
}

// finalizeAndNotify wraps Finalizer.Finalize so the queue's FinalizeFunc
// also dispatches a completion notification to the library manager's
// onDownload-enabled providers.
func (a *App) finalizeAndNotify(ctx context.Context, item *models.QueueItem) error {
	err := a.Finalize.Finalize(ctx, item)

	series, seriesErr := a.DB.GetSeriesByID(ctx, item.SeriesID)
	seriesTitle := fmt.Sprintf("series #%d", item.SeriesID)
	if seriesErr == nil && series != nil {
		seriesTitle = series.Title
	}

	ev := notify.Event{
		Title: "Download Complete",
		Body:  fmt.Sprintf("%s - episode %d", seriesTitle, item.EpisodeNumber),
	}
	if err != nil {
		ev.Title = "Download Finalization Failed"
		ev.Body = fmt.Sprintf("%s - episode %d: %v", seriesTitle, item.EpisodeNumber, err)
	}
	a.Notify.Dispatch(ctx, ev)

	return err
}

// notifyDownloadError wraps the queue's ErrorFunc hook so a cancelled or
// failed transfer also reaches the library manager's onDownload-enabled
// notification providers, the DownloadError half of C11 that
// finalizeAndNotify's DownloadSuccess path alone doesn't cover.
func (a *App) notifyDownloadError(ctx context.Context, item *models.QueueItem, cancelled bool) {
	series, seriesErr := a.DB.GetSeriesByID(ctx, item.SeriesID)
	seriesTitle := fmt.Sprintf("series #%d", item.SeriesID)
	if seriesErr == nil && series != nil {
		seriesTitle = series.Title
	}

	ev := notify.Event{
		Title: "Download Failed",
		Body:  fmt.Sprintf("%s - episode %d: %s", seriesTitle, item.EpisodeNumber, item.Error),
	}
	if cancelled {
		ev.Title = "Download Cancelled"
	}
	a.Notify.Dispatch(ctx, ev)
}
