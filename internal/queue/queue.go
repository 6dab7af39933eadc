// Copyright (c) 2024, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package queue is the download queue and bounded worker pool. It never
// runs more than concurrent_downloads transfers at once, and hands each
// in-flight item a cancellable context so an operator-requested cancel
// actually aborts the transfer instead of only flipping a status flag on
// the next poll.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/SavvyMeat/aw-downloader/internal/database"
	"github.com/SavvyMeat/aw-downloader/internal/download"
	"github.com/SavvyMeat/aw-downloader/internal/logging"
	"github.com/SavvyMeat/aw-downloader/internal/models"
)

var ErrQueue = errors.New("queue: operation failed")

// CancelledMessage is the literal error text recorded on an item whose
// transfer was aborted via Cancel, distinguishing a user-requested abort
// from a genuine transfer failure.
const CancelledMessage = "Download cancelled by user"

const defaultConcurrentDownloads = 2

// FinalizeFunc is invoked after a queue item's bytes are fully downloaded,
// handing off to the post-download finalizer.
type FinalizeFunc func(ctx context.Context, item *models.QueueItem) error

// ErrorFunc is invoked when an item's transfer ends in cancellation or a
// genuine failure, handing off to the notifier's DownloadError path.
type ErrorFunc func(ctx context.Context, item *models.QueueItem, cancelled bool)

// Queue owns the download queue's worker pool. MaxConcurrent and
// MaxWorkers are read on every dispatch and every item start respectively,
// so changes to the concurrent_downloads / download_max_workers settings
// take effect without restarting the process.
type Queue struct {
	db       *database.DB
	finalize FinalizeFunc
	onError  ErrorFunc
	tmpRoot  string
	logger   zerolog.Logger

	MaxConcurrent func() int
	MaxWorkers    func() int

	mu          sync.Mutex
	active      map[string]context.CancelFunc
	dispatching bool
	wake        chan struct{}
}

func New(db *database.DB, tmpRoot string, finalize FinalizeFunc, onError ErrorFunc) *Queue {
	return &Queue{
		db:       db,
		finalize: finalize,
		onError:  onError,
		tmpRoot:  tmpRoot,
		logger:   logging.For("queue"),
		active:   make(map[string]context.CancelFunc),
		wake:     make(chan struct{}, 1),
	}
}

func (q *Queue) limit() int {
	if q.MaxConcurrent != nil {
		if n := q.MaxConcurrent(); n > 0 {
			return n
		}
	}
	return defaultConcurrentDownloads
}

func (q *Queue) workers() int {
	if q.MaxWorkers != nil {
		if n := q.MaxWorkers(); n > 0 {
			return n
		}
	}
	return 3
}

// Enqueue adds one episode to the queue, refusing a duplicate (series,
// season, episode) tuple that is already pending or in flight.
func (q *Queue) Enqueue(ctx context.Context, seriesID, seasonID int64, episodeNumber int, externalID int64, sourceURL, stagingDir string) (*models.QueueItem, error) {
	existing, err := q.db.ListQueueItems(ctx)
	if err != nil {
		return nil, err
	}
	for _, item := range existing {
		if item.SeriesID == seriesID && item.SeasonID == seasonID && item.EpisodeNumber == episodeNumber &&
			(item.Status == models.QueuePending || item.Status == models.QueueDownloading || item.Status == models.QueueFinalizing) {
			return nil, fmt.Errorf("%w: episode already queued", ErrQueue)
		}
	}

	item := &models.QueueItem{
		ID:           uuid.NewString(),
		SeriesID:     seriesID,
		SeasonID:     seasonID,
		EpisodeNumber: episodeNumber,
		ExternalID:   externalID,
		SourceURL:    sourceURL,
		DestPath:     stagingDir,
		Status:       models.QueuePending,
	}
	if err := q.db.InsertQueueItem(ctx, item); err != nil {
		return nil, err
	}

	q.RequestAdvance(context.Background())
	return item, nil
}

// RequestAdvance asks the queue to fill any free worker slots; concurrent
// requests while a dispatch loop is already running coalesce into the
// in-flight run instead of starting a second one.
func (q *Queue) RequestAdvance(ctx context.Context) {
	q.mu.Lock()
	if q.dispatching {
		select {
		case q.wake <- struct{}{}:
		default:
		}
		q.mu.Unlock()
		return
	}
	q.dispatching = true
	q.mu.Unlock()

	go q.dispatch(ctx)
}

// dispatch fills every free worker slot with a pending item, then blocks
// on wake (signalled by a new enqueue or an item finishing) until either
// more work can start or nothing is pending and nothing is in flight.
func (q *Queue) dispatch(ctx context.Context) {
	for {
		launched := q.fillSlots(ctx)

		q.mu.Lock()
		idle := len(q.active) == 0
		q.mu.Unlock()

		if launched {
			continue
		}
		if idle {
			select {
			case <-q.wake:
				continue
			default:
				q.mu.Lock()
				q.dispatching = false
				q.mu.Unlock()
				return
			}
		}
		<-q.wake
	}
}

func (q *Queue) fillSlots(ctx context.Context) bool {
	items, err := q.db.ListQueueItems(ctx)
	if err != nil {
		q.logger.Error().Err(err).Msg("queue: failed to list items")
		return false
	}

	launchedAny := false
	for i := range items {
		if items[i].Status != models.QueuePending {
			continue
		}

		q.mu.Lock()
		if len(q.active) >= q.limit() {
			q.mu.Unlock()
			break
		}

		item := items[i]
		itemCtx, cancel := context.WithCancel(context.Background())
		q.active[item.ID] = cancel
		q.mu.Unlock()

		item.Status = models.QueueDownloading
		if err := q.db.UpdateQueueItem(ctx, &item); err != nil {
			q.logger.Error().Err(err).Str("item", item.ID).Msg("queue: failed to mark item downloading")
			q.mu.Lock()
			delete(q.active, item.ID)
			q.mu.Unlock()
			cancel()
			continue
		}

		launchedAny = true
		go q.runItem(itemCtx, item)
	}
	return launchedAny
}

func (q *Queue) runItem(ctx context.Context, item models.QueueItem) {
	defer func() {
		q.mu.Lock()
		delete(q.active, item.ID)
		q.mu.Unlock()
		select {
		case q.wake <- struct{}{}:
		default:
		}
	}()

	q.processItem(ctx, &item)
}

func (q *Queue) processItem(ctx context.Context, item *models.QueueItem) {
	stagingDir := item.DestPath

	opts := download.Options{
		Workers: q.workers(),
		TmpRoot: q.tmpRoot,
		OnProgress: func(written, total int64, speedBps float64) {
			if total > 0 {
				item.Progress = float64(written) / float64(total) * 100
			}
			_ = q.db.UpdateQueueItem(ctx, item)
		},
	}

	result, err := download.Download(ctx, item.ID, item.SourceURL, stagingDir, opts)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			item.Status = models.QueueFailed
			item.Error = CancelledMessage
			// ctx is the cancelled item context; writing with it would fail.
			_ = q.db.UpdateQueueItem(context.Background(), item)
			q.logger.Info().Str("item", item.ID).Msg("queue: download cancelled by user")
			if q.onError != nil {
				// itemCtx is already cancelled at this point, so the error
				// notification gets its own background context rather than
				// inheriting that cancellation.
				q.onError(context.Background(), item, true)
			}
			return
		}
		item.Status = models.QueueFailed
		item.Error = err.Error()
		_ = q.db.UpdateQueueItem(ctx, item)
		q.logger.Error().Err(err).Str("item", item.ID).Msg("queue: download failed")
		if q.onError != nil {
			q.onError(context.Background(), item, false)
		}
		return
	}

	item.DestPath = result.Path
	item.Status = models.QueueFinalizing
	item.Progress = 100
	_ = q.db.UpdateQueueItem(ctx, item)

	if q.finalize != nil {
		if err := q.finalize(ctx, item); err != nil {
			// FinalizationFailed: the transfer itself succeeded, so the item
			// stays completed rather than reverting to failed.
			q.logger.Error().Err(err).Str("item", item.ID).Msg("queue: finalization failed")
		}
	}

	item.Status = models.QueueDone
	_ = q.db.UpdateQueueItem(ctx, item)
}

// Cancel aborts a queued or in-flight item. A pending item is marked
// failed immediately; an in-flight item's transfer context is cancelled,
// which aborts its streams, removes its tmp chunk directory, and lets
// runItem record the failed status once Download unwinds.
func (q *Queue) Cancel(ctx context.Context, id string) error {
	q.mu.Lock()
	cancel, active := q.active[id]
	q.mu.Unlock()

	if active {
		cancel()
		return nil
	}

	items, err := q.db.ListQueueItems(ctx)
	if err != nil {
		return err
	}
	for i := range items {
		if items[i].ID != id {
			continue
		}
		if items[i].Status == models.QueueDone || items[i].Status == models.QueueFailed {
			return fmt.Errorf("%w: item %s already terminal", ErrQueue, id)
		}
		items[i].Status = models.QueueFailed
		items[i].Error = CancelledMessage
		return q.db.UpdateQueueItem(ctx, &items[i])
	}
	return fmt.Errorf("%w: item %s not found", ErrQueue, id)
}

// Remove deletes a pending item outright. In-flight or terminal items must
// go through Cancel first.
func (q *Queue) Remove(ctx context.Context, id string) error {
	q.mu.Lock()
	_, active := q.active[id]
	q.mu.Unlock()
	if active {
		return fmt.Errorf("%w: item %s is in flight, cancel it first", ErrQueue, id)
	}

	items, err := q.db.ListQueueItems(ctx)
	if err != nil {
		return err
	}
	for i := range items {
		if items[i].ID != id {
			continue
		}
		if items[i].Status != models.QueuePending {
			return fmt.Errorf("%w: item %s is not pending", ErrQueue, id)
		}
		return q.db.DeleteQueueItem(ctx, id)
	}
	return fmt.Errorf("%w: item %s not found", ErrQueue, id)
}

func (q *Queue) Snapshot(ctx context.Context) ([]models.QueueItem, error) {
	return q.db.ListQueueItems(ctx)
}

// IsQueued reports whether a pending, downloading or finalizing item
// already exists for the given library-manager wanted-episode id. Wired
// into the wanted-episode ingester so a scheduled re-run doesn't
// re-resolve (and re-scrape) an episode already in flight.
func (q *Queue) IsQueued(ctx context.Context, externalID int64) bool {
	items, err := q.db.ListQueueItems(ctx)
	if err != nil {
		q.logger.Error().Err(err).Msg("queue: failed to list items for IsQueued check")
		return false
	}
	for _, item := range items {
		if item.ExternalID == externalID &&
			(item.Status == models.QueuePending || item.Status == models.QueueDownloading || item.Status == models.QueueFinalizing) {
			return true
		}
	}
	return false
}
