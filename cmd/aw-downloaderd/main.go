// Copyright (c) 2024, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/SavvyMeat/aw-downloader/internal/app"
	"github.com/SavvyMeat/aw-downloader/internal/config"
	"github.com/SavvyMeat/aw-downloader/internal/logging"
)

var (
	version = "dev"
	commit  = ""
	date    = ""

	configPath string
	logRing    = logging.NewRing(1000)
)

func init() {
	logging.Init(logRing)
}

func main() {
	root := &cobra.Command{
		Use:   "aw-downloaderd",
		Short: "Metadata-driven anime episode downloader daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return startServer(cmd.Context())
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config.toml", "path to config file")

	root.AddCommand(newKeygenCommand())
	root.AddCommand(newRunCommand())

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newKeygenCommand prints a fresh random API key.
func newKeygenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a random API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := generateAPIKey()
			if err != nil {
				return err
			}
			fmt.Println(key)
			return nil
		},
	}
}

func generateAPIKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("keygen: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// newRunCommand groups the one-off operator actions that don't need the
// HTTP server running: triggering a scheduled task immediately, or
// inspecting/cancelling queue items from a shell.
func newRunCommand() *cobra.Command {
	run := &cobra.Command{
		Use:   "run",
		Short: "Run a one-off operator action against the local database",
	}

	taskCmd := &cobra.Command{
		Use:   "task [name]",
		Short: "Trigger a scheduled task immediately",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Shutdown()

			if err := a.Scheduler.Trigger(args[0]); err != nil {
				return err
			}
			fmt.Printf("triggered %q\n", args[0])
			return nil
		},
	}

	queueList := &cobra.Command{
		Use:   "queue-list",
		Short: "Print the current download queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Shutdown()

			items, err := a.Queue.Snapshot(cmd.Context())
			if err != nil {
				return err
			}
			for _, item := range items {
				fmt.Printf("%s\t%s\t%.0f%%\t%s\n", item.ID, item.Status, item.Progress, item.SourceURL)
			}
			return nil
		},
	}

	queueCancel := &cobra.Command{
		Use:   "queue-cancel [id]",
		Short: "Cancel a pending or in-flight queue item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Shutdown()

			if err := a.Queue.Cancel(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("cancelled %q\n", args[0])
			return nil
		},
	}

	run.AddCommand(taskCmd, queueList, queueCancel)
	return run
}

func bootstrap(ctx context.Context) (*app.App, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		cfg = defaultConfig()
	}
	return app.New(ctx, cfg, logRing)
}

func defaultConfig() *config.Config {
	return &config.Config{
		Server:    config.ServerConfig{ListenAddr: ":8091"},
		Database:  config.DatabaseConfig{Type: "sqlite", Path: "./data/aw-downloader.db"},
		Downloads: config.DownloadsConfig{StagingDir: "./data/staging"},
	}
}

func startServer(ctx context.Context) error {
	log.Info().
		Str("version", version).
		Str("commit", commit).
		Str("build_date", date).
		Msg("starting aw-downloaderd")

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Warn().Err(err).Msg("failed to load configuration file, using defaults")
		cfg = defaultConfig()
	}
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8091"
	}

	a, err := app.New(ctx, cfg, logRing)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize application")
	}

	if os.Getenv("GIN_MODE") != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := a.HTTP.NewRouter()

	srv := &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	a.Start(ctx)

	go func() {
		log.Info().Str("address", cfg.Server.ListenAddr).Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal().Err(err).Msg("server forced to shutdown")
	}
	if err := a.Shutdown(); err != nil {
		log.Error().Err(err).Msg("error during app shutdown")
	}

	log.Info().Msg("server exiting")
	return nil
}
