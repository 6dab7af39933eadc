// Copyright (c) 2024, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package finalize is the post-download finalizer: it remaps the
// downloaded file onto the library manager's own folder layout, copies it
// into place, triggers a rescan, and (when enabled) asks the library
// manager to rename the resulting episode file to its own convention.
package finalize

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/SavvyMeat/aw-downloader/internal/database"
	"github.com/SavvyMeat/aw-downloader/internal/logging"
	"github.com/SavvyMeat/aw-downloader/internal/models"
	"github.com/SavvyMeat/aw-downloader/internal/services/sonarr"
)

// ErrFinalize is returned when a step of the finalize pipeline fails.
type ErrFinalize struct {
	Op  string
	Err error
}

func (e *ErrFinalize) Error() string { return fmt.Sprintf("finalize %s: %v", e.Op, e.Err) }
func (e *ErrFinalize) Unwrap() error { return e.Err }

// renameWait is how long to wait after every exhausted poll attempt before
// one last check, the fallback spec.md §9 keeps for when the library
// manager still hasn't registered an episode file.
const renameWait = 2 * time.Second

// renamePollAttempts and renamePollInitialWait drive renameEpisodeFile's
// capped exponential backoff, doubling from renamePollInitialWait each
// attempt — the same "wait, then check" shape internal/services/
// resilience.RetryWithBackoff applies to HTTP retries, tuned slower since a
// rescan registering a file can take longer than a single HTTP round trip.
const (
	renamePollAttempts    = 5
	renamePollInitialWait = 500 * time.Millisecond
)

// AutoRenameFunc reports whether the library manager should be asked to
// rename the copied file to its own naming convention (sonarr_auto_rename).
type AutoRenameFunc func() bool

type Finalizer struct {
	db         *database.DB
	sonarr     *sonarr.Client
	autoRename AutoRenameFunc
	logger     zerolog.Logger
}

func New(db *database.DB, s *sonarr.Client, autoRename AutoRenameFunc) *Finalizer {
	return &Finalizer{db: db, sonarr: s, autoRename: autoRename, logger: logging.For("finalize")}
}

// Finalize copies the downloaded episode into the library manager's own
// folder layout, triggers a rescan, and optionally a rename. The transfer
// itself already succeeded by the time Finalize runs, so a failure here is
// logged by the caller rather than reverting the item's completed status.
func (f *Finalizer) Finalize(ctx context.Context, item *models.QueueItem) error {
	series, err := f.seriesByID(ctx, item.SeriesID)
	if err != nil {
		return err
	}
	season, err := f.seasonByID(ctx, item.SeasonID)
	if err != nil {
		return err
	}

	remote, err := f.sonarr.GetSeriesByID(ctx, series.LibrarySeriesID)
	if err != nil {
		return &ErrFinalize{Op: "get_remote_series", Err: err}
	}

	destDir, err := f.resolveDestDir(ctx, remote.Path)
	if err != nil {
		return &ErrFinalize{Op: "resolve_dest_dir", Err: err}
	}
	if err := os.MkdirAll(destDir, 0750); err != nil {
		return &ErrFinalize{Op: "mkdir", Err: err}
	}

	episodeNumber := item.EpisodeNumber
	destPath := filepath.Join(destDir, episodeFileName(series.Title, season.SeasonNumber, episodeNumber, filepath.Ext(item.DestPath)))

	if err := copyFile(item.DestPath, destPath); err != nil {
		return &ErrFinalize{Op: "copy", Err: err}
	}
	_ = os.Remove(item.DestPath)

	if err := f.sonarr.Command(ctx, "RescanSeries", map[string]interface{}{
		"seriesId": series.LibrarySeriesID,
	}); err != nil {
		return &ErrFinalize{Op: "rescan", Err: err}
	}

	if f.autoRename != nil && f.autoRename() {
		f.renameEpisodeFile(ctx, series.LibrarySeriesID, season.SeasonNumber, episodeNumber)
	}

	return nil
}

// resolveDestDir maps remotePath onto its local counterpart via the
// longest matching library-path prefix among the configured root folders.
// When none match, the remote path is used as-is: the deployment likely
// shares a filesystem with the library manager and needs no remapping.
func (f *Finalizer) resolveDestDir(ctx context.Context, remotePath string) (string, error) {
	folders, err := f.db.ListRootFolders(ctx)
	if err != nil {
		return "", err
	}

	var best *models.RootFolder
	for i := range folders {
		rf := &folders[i]
		if rf.LibraryPath == "" || !strings.HasPrefix(remotePath, rf.LibraryPath) {
			continue
		}
		if best == nil || len(rf.LibraryPath) > len(best.LibraryPath) {
			best = rf
		}
	}

	if best == nil {
		f.logger.Warn().Str("remotePath", remotePath).Msg("finalize: no matching root folder, using remote path as-is")
		return remotePath, nil
	}

	rel := strings.TrimPrefix(remotePath, best.LibraryPath)
	return filepath.Join(best.LocalPath, rel), nil
}

func episodeFileName(seriesTitle string, seasonNumber, episodeNumber int, ext string) string {
	if ext == "" {
		ext = ".mkv"
	}
	return fmt.Sprintf("%s - S%02dE%02d%s", seriesTitle, seasonNumber, episodeNumber, ext)
}

func (f *Finalizer) renameEpisodeFile(ctx context.Context, librarySeriesID int64, seasonNumber, episodeNumber int) {
	fileID, err := f.pollForFileID(ctx, librarySeriesID, seasonNumber, episodeNumber)
	if err != nil {
		f.logger.Warn().Err(err).Int64("series", librarySeriesID).Msg("finalize: could not fetch episodes for rename")
		return
	}
	if fileID == 0 {
		f.logger.Warn().Int64("series", librarySeriesID).Int("season", seasonNumber).Int("episode", episodeNumber).Msg("finalize: no episode file registered yet, skipping rename")
		return
	}

	if err := f.sonarr.Command(ctx, "RenameFiles", map[string]interface{}{
		"files": []int64{fileID},
	}); err != nil {
		f.logger.Warn().Err(err).Int64("series", librarySeriesID).Msg("finalize: rename command failed, file is still usable")
	}
}

// pollForFileID looks up the freshly-registered episode file id with a
// capped exponential backoff, then one last attempt after a final
// renameWait if every poll came back empty. Returns fileID 0 with a nil
// error when the file genuinely never shows up within the budget.
func (f *Finalizer) pollForFileID(ctx context.Context, librarySeriesID int64, seasonNumber, episodeNumber int) (int64, error) {
	wait := renamePollInitialWait
	for attempt := 0; attempt < renamePollAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(wait):
		}
		fileID, err := f.lookupFileID(ctx, librarySeriesID, seasonNumber, episodeNumber)
		if err != nil || fileID != 0 {
			return fileID, err
		}
		wait *= 2
	}

	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-time.After(renameWait):
	}
	return f.lookupFileID(ctx, librarySeriesID, seasonNumber, episodeNumber)
}

func (f *Finalizer) lookupFileID(ctx context.Context, librarySeriesID int64, seasonNumber, episodeNumber int) (int64, error) {
	f.sonarr.InvalidateSeriesEpisodes(librarySeriesID)
	episodes, err := f.sonarr.GetSeriesEpisodes(ctx, librarySeriesID)
	if err != nil {
		return 0, err
	}
	for _, ep := range episodes {
		if ep.SeasonNumber == seasonNumber && ep.EpisodeNumber == episodeNumber {
			return ep.EpisodeFileID, nil
		}
	}
	return 0, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

func (f *Finalizer) seasonByID(ctx context.Context, id int64) (*models.Season, error) {
	season, err := f.db.GetSeasonByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if season == nil {
		return nil, fmt.Errorf("finalize: season %d not found", id)
	}
	return season, nil
}

func (f *Finalizer) seriesByID(ctx context.Context, id int64) (*models.Series, error) {
	series, err := f.db.GetSeriesByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if series == nil {
		return nil, fmt.Errorf("finalize: series %d not found", id)
	}
	return series, nil
}
