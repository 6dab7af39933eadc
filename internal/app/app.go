// Copyright (c) 2024, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package app is the composition root. It wires the database, settings
// store, log ring, external service clients, synchroniser, scheduler,
// download queue, finalizer, notifier and operator HTTP surface together,
// before handing them to the operator HTTP surface.
package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/SavvyMeat/aw-downloader/internal/config"
	"github.com/SavvyMeat/aw-downloader/internal/database"
	"github.com/SavvyMeat/aw-downloader/internal/finalize"
	"github.com/SavvyMeat/aw-downloader/internal/httpapi"
	"github.com/SavvyMeat/aw-downloader/internal/logging"
	"github.com/SavvyMeat/aw-downloader/internal/queue"
	"github.com/SavvyMeat/aw-downloader/internal/scheduler"
	"github.com/SavvyMeat/aw-downloader/internal/services/animedb/anilist"
	"github.com/SavvyMeat/aw-downloader/internal/services/animedb/jikan"
	"github.com/SavvyMeat/aw-downloader/internal/services/notify"
	"github.com/SavvyMeat/aw-downloader/internal/services/sonarr"
	"github.com/SavvyMeat/aw-downloader/internal/services/sourcesite"
	"github.com/SavvyMeat/aw-downloader/internal/settings"
	"github.com/SavvyMeat/aw-downloader/internal/sync"
	"github.com/SavvyMeat/aw-downloader/internal/wanted"
)

// sonarrHealthCheckInterval is how often the library-manager client
// re-probes its own reachability.
const sonarrHealthCheckInterval = 60 * time.Second

// App holds every long-lived component this daemon runs, assembled once at
// startup and torn down together on Shutdown.
type App struct {
	Config *config.Config

	DB       *database.DB
	Settings *settings.Store
	Logs     *logging.Ring

	Sonarr     *sonarr.Client
	AniList    *anilist.Client
	Jikan      *jikan.Client
	SourceSite *sourcesite.Client

	Sync     *sync.Synchroniser
	Wanted   *wanted.Ingester
	Queue    *queue.Queue
	Finalize *finalize.Finalizer
	Notify   *notify.Dispatcher

	Scheduler *scheduler.Scheduler
	HTTP      *httpapi.Server
}

// New builds every component and registers the recurring jobs, but does
// not start the scheduler or bind an HTTP listener — callers decide when
// to start those side effects. ring is the log ring logging.Init already
// hooked the global logger to; New reuses it rather than creating a second
// one so every log record ends up in the same tail buffer.
func New(ctx context.Context, cfg *config.Config, ring *logging.Ring) (*App, error) {
	dbConfig := &database.Config{
		Driver:   cfg.Database.Type,
		Host:     cfg.Database.Host,
		Port:     fmt.Sprintf("%d", cfg.Database.Port),
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		DBName:   cfg.Database.Name,
		Path:     cfg.Database.Path,
	}
	if dbConfig.Driver == "" {
		dbConfig.Driver = "sqlite"
	}

	db, err := database.InitDBWithConfig(dbConfig)
	if err != nil {
		return nil, fmt.Errorf("app: init database: %w", err)
	}

	store := settings.New(db)
	if err := store.Load(ctx); err != nil {
		return nil, fmt.Errorf("app: load settings: %w", err)
	}

	stagingDir := cfg.Downloads.StagingDir
	if stagingDir == "" {
		stagingDir = "."
	}
	if err := os.MkdirAll(stagingDir, 0750); err != nil {
		return nil, fmt.Errorf("app: create staging dir: %w", err)
	}

	sonarrClient := sonarr.New(store.GetString("sonarr_url"), store.GetString("sonarr_token"))
	reconfigureSonarr := func(_, _ string) {
		sonarrClient.Reconfigure(store.GetString("sonarr_url"), store.GetString("sonarr_token"))
		go sonarrClient.Probe(context.Background())
	}
	store.OnChange("sonarr_url", reconfigureSonarr)
	store.OnChange("sonarr_token", reconfigureSonarr)

	sourceClient := sourcesite.New(store.GetString("animeworld_base_url"))
	aniListClient := anilist.New()
	jikanClient := jikan.New()

	synchroniser := sync.New(db, sonarrClient, aniListClient, jikanClient, sourceClient, store)

	autoRename := func() bool { return store.GetBool("sonarr_auto_rename") }
	finalizer := finalize.New(db, sonarrClient, autoRename)

	notifier := notify.New(sonarrClient)

	a := &App{
		Config:     cfg,
		DB:         db,
		Settings:   store,
		Logs:       ring,
		Sonarr:     sonarrClient,
		AniList:    aniListClient,
		Jikan:      jikanClient,
		SourceSite: sourceClient,
		Sync:       synchroniser,
		Finalize:   finalizer,
		Notify:     notifier,
		Scheduler:  scheduler.New(),
	}

	a.Queue = queue.New(db, stagingDir, a.finalizeAndNotify, a.notifyDownloadError)
	a.Queue.MaxConcurrent = func() int { return store.GetInt("concurrent_downloads") }
	a.Queue.MaxWorkers = func() int { return store.GetInt("download_max_workers") }

	// isQueued lets the ingester skip an external id already pending or in
	// flight instead of re-resolving and re-scraping it every run.
	isQueued := func(externalID int64) bool { return a.Queue.IsQueued(context.Background(), externalID) }
	a.Wanted = wanted.New(db, sonarrClient, sourceClient, synchroniser, isQueued)

	a.HTTP = &httpapi.Server{
		Scheduler: a.Scheduler,
		Queue:     a.Queue,
		Settings:  a.Settings,
		Logs:      a.Logs,
		Sonarr:    a.Sonarr,
	}

	if err := a.registerJobs(); err != nil {
		return nil, fmt.Errorf("app: register jobs: %w", err)
	}

	return a, nil
}

// Start begins the scheduler and the sonarr client's own background health
// probe. Callers still own the HTTP listener.
func (a *App) Start(ctx context.Context) {
	a.Scheduler.Start()
	a.Sonarr.StartHealthMonitor(ctx, sonarrHealthCheckInterval)
}

// Shutdown stops the scheduler and closes the database connection.
func (a *App) Shutdown() error {
	a.Scheduler.Stop()
	return a.DB.Close()
}
