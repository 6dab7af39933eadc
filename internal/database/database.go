// Copyright (c) 2024, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package database owns connection setup and schema for the local store:
// series, seasons, root folders, runtime config and queue items. Supports
// both sqlite and postgres with the same connection pooling; only the
// postgres connection is retried on startup (5 attempts with a linearly
// growing delay), while a sqlite file is opened and pinged once.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/SavvyMeat/aw-downloader/internal/models"
)

// DB represents the database connection.
type DB struct {
	*sql.DB
	driver   string
	path     string
	squirrel sq.StatementBuilderType
}

// Config holds database configuration.
type Config struct {
	Driver   string
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	Path     string // For SQLite
}

// NewConfig creates a new database configuration from environment variables.
func NewConfig() *Config {
	dbType := getEnv("AWDL__DB_TYPE", "sqlite")

	config := &Config{Driver: dbType}

	if dbType == "postgres" {
		config.Host = getEnv("AWDL__DB_HOST", "localhost")
		config.Port = getEnv("AWDL__DB_PORT", "5432")
		config.User = getEnv("AWDL__DB_USER", "awdownloader")
		config.Password = getEnv("AWDL__DB_PASSWORD", "awdownloader")
		config.DBName = getEnv("AWDL__DB_NAME", "awdownloader")
	} else {
		config.Path = getEnv("AWDL__DB_PATH", "./data/aw-downloader.db")
	}

	return config
}

// InitDB initializes the database connection and performs migrations.
func InitDB(dbPath string) (*DB, error) {
	config := NewConfig()
	if config.Driver == "sqlite" && dbPath != "" {
		config.Path = dbPath
	}
	return InitDBWithConfig(config)
}

// InitDBWithConfig initializes the database with the provided configuration.
func InitDBWithConfig(config *Config) (*DB, error) {
	var (
		database *sql.DB
		err      error
	)

	maxRetries := 5
	baseDelay := time.Second

	placeholder := sq.StatementBuilder.PlaceholderFormat(sq.Question)

	if config.Driver == "postgres" {
		dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
			config.Host, config.Port, config.User, config.Password, config.DBName)
		log.Debug().Str("host", config.Host).Str("database", config.DBName).Msg("initializing postgres database")

		for attempt := 1; attempt <= maxRetries; attempt++ {
			database, err = sql.Open("postgres", dsn)
			if err == nil {
				if err = database.Ping(); err == nil {
					break
				}
			}
			if attempt == maxRetries {
				return nil, fmt.Errorf("failed to connect to database after %d attempts: %w", maxRetries, err)
			}
			time.Sleep(time.Duration(attempt) * baseDelay)
		}
		placeholder = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)
	} else {
		dbDir := filepath.Dir(config.Path)
		if err := os.MkdirAll(dbDir, 0750); err != nil {
			return nil, err
		}

		// busy_timeout makes a pooled connection wait for the file lock
		// instead of failing with SQLITE_BUSY on concurrent writes.
		database, err = sql.Open("sqlite", config.Path+"?_pragma=busy_timeout(5000)")
		if err != nil {
			return nil, fmt.Errorf("error opening database: %w", err)
		}
		if err := database.Ping(); err != nil {
			return nil, fmt.Errorf("error creating database file: %w", err)
		}
		log.Debug().Str("path", config.Path).Msg("initializing sqlite database")
	}

	database.SetMaxOpenConns(25)
	database.SetMaxIdleConns(25)
	database.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{
		DB:       database,
		driver:   config.Driver,
		path:     config.Path,
		squirrel: placeholder,
	}

	if err := db.initSchema(); err != nil {
		return nil, fmt.Errorf("error initializing schema: %w", err)
	}

	log.Info().Str("driver", config.Driver).Msg("connected to database")
	return db, nil
}

// Path returns the database file path (for SQLite).
func (db *DB) Path() string { return db.path }

func (db *DB) initSchema() error {
	autoIncrement := "INTEGER"
	if db.driver == "postgres" {
		autoIncrement = "SERIAL"
	}

	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS configs (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS root_folders (
			id %s PRIMARY KEY,
			library_path TEXT UNIQUE NOT NULL,
			local_path TEXT NOT NULL,
			move_after_finish BOOLEAN NOT NULL DEFAULT 0,
			accessible BOOLEAN NOT NULL DEFAULT 1,
			free_space INTEGER NOT NULL DEFAULT 0,
			total_space INTEGER NOT NULL DEFAULT 0
		)`, autoIncrement),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS series (
			id %s PRIMARY KEY,
			library_series_id INTEGER UNIQUE NOT NULL,
			title TEXT NOT NULL,
			alternate_titles TEXT NOT NULL DEFAULT '[]',
			description TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'ongoing',
			total_seasons INTEGER NOT NULL DEFAULT 0,
			year INTEGER NOT NULL DEFAULT 0,
			network TEXT NOT NULL DEFAULT '',
			genres TEXT NOT NULL DEFAULT '[]',
			preferred_language TEXT NOT NULL DEFAULT 'sub',
			absolute BOOLEAN NOT NULL DEFAULT 0,
			poster_path TEXT NOT NULL DEFAULT '',
			poster_downloaded_at TIMESTAMP,
			anilist_id INTEGER NOT NULL DEFAULT 0,
			mal_id INTEGER NOT NULL DEFAULT 0,
			root_folder_id INTEGER NOT NULL DEFAULT 0,
			monitored BOOLEAN NOT NULL DEFAULT 1,
			deleted BOOLEAN NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`, autoIncrement),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS seasons (
			id %s PRIMARY KEY,
			series_id INTEGER NOT NULL,
			season_number INTEGER NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			episode_count INTEGER NOT NULL DEFAULT 0,
			missing_episodes INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'not_started',
			air_year INTEGER NOT NULL DEFAULT 0,
			air_month INTEGER NOT NULL DEFAULT 0,
			air_day INTEGER NOT NULL DEFAULT 0,
			download_urls TEXT NOT NULL DEFAULT '[]',
			source_match_url TEXT NOT NULL DEFAULT '',
			deleted BOOLEAN NOT NULL DEFAULT 0,
			updated_at TIMESTAMP NOT NULL,
			UNIQUE(series_id, season_number)
		)`, autoIncrement),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS queue_items (
			id TEXT PRIMARY KEY,
			series_id INTEGER NOT NULL,
			season_id INTEGER NOT NULL,
			episode_number INTEGER NOT NULL,
			external_id INTEGER NOT NULL DEFAULT 0,
			source_url TEXT NOT NULL,
			dest_path TEXT NOT NULL,
			status TEXT NOT NULL,
			progress REAL NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			queued_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`),
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

// Close closes the database connection.
func (db *DB) Close() error { return db.DB.Close() }

// -- configs --------------------------------------------------------------

func (db *DB) GetConfig(ctx context.Context, key string) (string, bool, error) {
	query, args, err := db.squirrel.Select("value").From("configs").Where(sq.Eq{"key": key}).ToSql()
	if err != nil {
		return "", false, err
	}
	var value string
	err = db.QueryRowContext(ctx, query, args...).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (db *DB) SetConfig(ctx context.Context, key, value string) error {
	now := time.Now()
	_, exists, err := db.GetConfig(ctx, key)
	if err != nil {
		return err
	}
	if !exists {
		query, args, err := db.squirrel.Insert("configs").
			Columns("key", "value", "updated_at").Values(key, value, now).ToSql()
		if err != nil {
			return err
		}
		_, err = db.ExecContext(ctx, query, args...)
		return errors.Wrap(err, "insert config")
	}

	query, args, err := db.squirrel.Update("configs").
		Set("value", value).Set("updated_at", now).Where(sq.Eq{"key": key}).ToSql()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, query, args...)
	return errors.Wrap(err, "update config")
}

func (db *DB) AllConfig(ctx context.Context) (map[string]string, error) {
	query, args, err := db.squirrel.Select("key", "value").From("configs").ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

// -- root_folders -----------------------------------------------------------

var rootFolderColumns = []string{"id", "library_path", "local_path", "move_after_finish", "accessible", "free_space", "total_space"}

func (db *DB) ListRootFolders(ctx context.Context) ([]models.RootFolder, error) {
	query, args, err := db.squirrel.Select(rootFolderColumns...).From("root_folders").ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.RootFolder
	for rows.Next() {
		var rf models.RootFolder
		if err := rows.Scan(&rf.ID, &rf.LibraryPath, &rf.LocalPath, &rf.MoveAfterFinish, &rf.Accessible, &rf.FreeSpace, &rf.TotalSpace); err != nil {
			return nil, err
		}
		out = append(out, rf)
	}
	return out, rows.Err()
}

func (db *DB) UpsertRootFolder(ctx context.Context, rf *models.RootFolder) error {
	query, args, err := db.squirrel.Insert("root_folders").
		Columns("library_path", "local_path", "move_after_finish", "accessible", "free_space", "total_space").
		Values(rf.LibraryPath, rf.LocalPath, rf.MoveAfterFinish, rf.Accessible, rf.FreeSpace, rf.TotalSpace).ToSql()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, query, args...)
	if err != nil {
		// SQLite/Postgres both report unique-violation differently; fall
		// back to an update keyed on library_path.
		uq, ua, uerr := db.squirrel.Update("root_folders").
			Set("local_path", rf.LocalPath).
			Set("move_after_finish", rf.MoveAfterFinish).
			Set("accessible", rf.Accessible).
			Set("free_space", rf.FreeSpace).
			Set("total_space", rf.TotalSpace).
			Where(sq.Eq{"library_path": rf.LibraryPath}).ToSql()
		if uerr != nil {
			return uerr
		}
		_, err = db.ExecContext(ctx, uq, ua...)
	}
	return errors.Wrap(err, "upsert root_folder")
}

// -- series / seasons ---------------------------------------------------

var seriesColumns = []string{
	"id", "library_series_id", "title", "alternate_titles", "description", "status",
	"total_seasons", "year", "network", "genres", "preferred_language", "absolute",
	"poster_path", "poster_downloaded_at", "anilist_id", "mal_id", "root_folder_id",
	"monitored", "deleted", "created_at", "updated_at",
}

func (db *DB) scanSeriesRow(row rowScanner) (*models.Series, error) {
	var s models.Series
	var alt models.AlternateTitles
	var genres models.StringList
	var posterDownloadedAt sql.NullTime
	err := row.Scan(&s.ID, &s.LibrarySeriesID, &s.Title, &alt, &s.Description, &s.Status,
		&s.TotalSeasons, &s.Year, &s.Network, &genres, &s.PreferredLanguage, &s.Absolute,
		&s.PosterPath, &posterDownloadedAt, &s.AniListID, &s.MalID, &s.RootFolderID,
		&s.Monitored, &s.Deleted, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	s.AlternateTitles = alt
	s.Genres = genres
	if posterDownloadedAt.Valid {
		s.PosterDownloadedAt = posterDownloadedAt.Time
	}
	return &s, nil
}

func (db *DB) UpsertSeries(ctx context.Context, s *models.Series) error {
	now := time.Now()
	existing, err := db.GetSeriesByLibraryID(ctx, s.LibrarySeriesID)
	if err != nil {
		return err
	}

	altTitles, err := s.AlternateTitles.Value()
	if err != nil {
		return err
	}
	genres, err := s.Genres.Value()
	if err != nil {
		return err
	}
	var posterDownloadedAt interface{}
	if !s.PosterDownloadedAt.IsZero() {
		posterDownloadedAt = s.PosterDownloadedAt
	}

	if existing == nil {
		s.CreatedAt = now
		s.UpdatedAt = now
		insert := db.squirrel.Insert("series").
			Columns("library_series_id", "title", "alternate_titles", "description", "status",
				"total_seasons", "year", "network", "genres", "preferred_language", "absolute",
				"poster_path", "poster_downloaded_at", "anilist_id", "mal_id", "root_folder_id",
				"monitored", "deleted", "created_at", "updated_at").
			Values(s.LibrarySeriesID, s.Title, altTitles, s.Description, s.Status,
				s.TotalSeasons, s.Year, s.Network, genres, s.PreferredLanguage, s.Absolute,
				s.PosterPath, posterDownloadedAt, s.AniListID, s.MalID, s.RootFolderID,
				s.Monitored, s.Deleted, now, now).
			Suffix("RETURNING id").RunWith(db.DB)
		if err := insert.QueryRowContext(ctx).Scan(&s.ID); err != nil {
			return errors.Wrap(err, "insert series")
		}
		return nil
	}

	s.ID = existing.ID
	s.CreatedAt = existing.CreatedAt
	s.UpdatedAt = now
	query, args, err := db.squirrel.Update("series").
		Set("title", s.Title).
		Set("alternate_titles", altTitles).
		Set("description", s.Description).
		Set("status", s.Status).
		Set("total_seasons", s.TotalSeasons).
		Set("year", s.Year).
		Set("network", s.Network).
		Set("genres", genres).
		Set("preferred_language", s.PreferredLanguage).
		Set("absolute", s.Absolute).
		Set("poster_path", s.PosterPath).
		Set("poster_downloaded_at", posterDownloadedAt).
		Set("anilist_id", s.AniListID).
		Set("mal_id", s.MalID).
		Set("root_folder_id", s.RootFolderID).
		Set("monitored", s.Monitored).
		Set("deleted", s.Deleted).
		Set("updated_at", now).
		Where(sq.Eq{"id": s.ID}).ToSql()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, query, args...)
	return errors.Wrap(err, "update series")
}

func (db *DB) GetSeriesByLibraryID(ctx context.Context, libraryID int64) (*models.Series, error) {
	query, args, err := db.squirrel.Select(seriesColumns...).From("series").Where(sq.Eq{"library_series_id": libraryID}).ToSql()
	if err != nil {
		return nil, err
	}
	s, err := db.scanSeriesRow(db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

func (db *DB) GetSeriesByID(ctx context.Context, id int64) (*models.Series, error) {
	query, args, err := db.squirrel.Select(seriesColumns...).From("series").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, err
	}
	s, err := db.scanSeriesRow(db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

func (db *DB) ListMonitoredSeries(ctx context.Context) ([]models.Series, error) {
	query, args, err := db.squirrel.Select(seriesColumns...).From("series").Where(sq.Eq{"monitored": true, "deleted": false}).ToSql()
	if err != nil {
		return nil, err
	}
	return db.querySeries(ctx, query, args...)
}

// ListSeries returns every locally-known series, including soft-deleted
// ones, so a full sync can diff the current library-manager view against
// everything this store has ever seen.
func (db *DB) ListSeries(ctx context.Context) ([]models.Series, error) {
	query, args, err := db.squirrel.Select(seriesColumns...).From("series").ToSql()
	if err != nil {
		return nil, err
	}
	return db.querySeries(ctx, query, args...)
}

func (db *DB) querySeries(ctx context.Context, query string, args ...interface{}) ([]models.Series, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Series
	for rows.Next() {
		s, err := db.scanSeriesRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

var seasonColumns = []string{
	"id", "series_id", "season_number", "title", "episode_count", "missing_episodes",
	"status", "air_year", "air_month", "air_day", "download_urls", "source_match_url",
	"deleted", "updated_at",
}

func (db *DB) UpsertSeason(ctx context.Context, sn *models.Season) error {
	now := time.Now()
	existing, err := db.GetSeason(ctx, sn.SeriesID, sn.SeasonNumber)
	if err != nil {
		return err
	}

	urls, err := sn.DownloadURLs.Value()
	if err != nil {
		return err
	}

	if existing == nil {
		sn.UpdatedAt = now
		insert := db.squirrel.Insert("seasons").
			Columns("series_id", "season_number", "title", "episode_count", "missing_episodes", "status",
				"air_year", "air_month", "air_day", "download_urls", "source_match_url", "deleted", "updated_at").
			Values(sn.SeriesID, sn.SeasonNumber, sn.Title, sn.EpisodeCount, sn.MissingEpisodes, sn.Status,
				sn.AirDate.Year, sn.AirDate.Month, sn.AirDate.Day, urls, sn.SourceMatchURL, sn.Deleted, now).
			Suffix("RETURNING id").RunWith(db.DB)
		return errors.Wrap(insert.QueryRowContext(ctx).Scan(&sn.ID), "insert season")
	}

	sn.ID = existing.ID
	sn.UpdatedAt = now
	query, args, err := db.squirrel.Update("seasons").
		Set("title", sn.Title).
		Set("episode_count", sn.EpisodeCount).
		Set("missing_episodes", sn.MissingEpisodes).
		Set("status", sn.Status).
		Set("air_year", sn.AirDate.Year).
		Set("air_month", sn.AirDate.Month).
		Set("air_day", sn.AirDate.Day).
		Set("download_urls", urls).
		Set("source_match_url", sn.SourceMatchURL).
		Set("deleted", sn.Deleted).
		Set("updated_at", now).
		Where(sq.Eq{"id": sn.ID}).ToSql()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, query, args...)
	return errors.Wrap(err, "update season")
}

func (db *DB) GetSeason(ctx context.Context, seriesID int64, seasonNumber int) (*models.Season, error) {
	query, args, err := db.squirrel.Select(seasonColumns...).
		From("seasons").Where(sq.Eq{"series_id": seriesID, "season_number": seasonNumber}).ToSql()
	if err != nil {
		return nil, err
	}
	return db.scanSeason(db.QueryRowContext(ctx, query, args...))
}

func (db *DB) GetSeasonByID(ctx context.Context, id int64) (*models.Season, error) {
	query, args, err := db.squirrel.Select(seasonColumns...).From("seasons").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, err
	}
	return db.scanSeason(db.QueryRowContext(ctx, query, args...))
}

func (db *DB) ListSeasons(ctx context.Context, seriesID int64) ([]models.Season, error) {
	query, args, err := db.squirrel.Select(seasonColumns...).
		From("seasons").Where(sq.Eq{"series_id": seriesID}).OrderBy("season_number").ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Season
	for rows.Next() {
		sn, err := db.scanSeasonRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sn)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (db *DB) scanSeason(row rowScanner) (*models.Season, error) {
	sn, err := db.scanSeasonRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return sn, err
}

func (db *DB) scanSeasonRow(row rowScanner) (*models.Season, error) {
	var sn models.Season
	var urls models.DownloadURLs
	if err := row.Scan(&sn.ID, &sn.SeriesID, &sn.SeasonNumber, &sn.Title, &sn.EpisodeCount, &sn.MissingEpisodes,
		&sn.Status, &sn.AirDate.Year, &sn.AirDate.Month, &sn.AirDate.Day, &urls, &sn.SourceMatchURL,
		&sn.Deleted, &sn.UpdatedAt); err != nil {
		return nil, err
	}
	sn.DownloadURLs = urls
	return &sn, nil
}

// -- queue_items ----------------------------------------------------------

func (db *DB) InsertQueueItem(ctx context.Context, q *models.QueueItem) error {
	q.QueuedAt = time.Now()
	q.UpdatedAt = q.QueuedAt
	query, args, err := db.squirrel.Insert("queue_items").
		Columns("id", "series_id", "season_id", "episode_number", "external_id", "source_url", "dest_path", "status", "progress", "error", "queued_at", "updated_at").
		Values(q.ID, q.SeriesID, q.SeasonID, q.EpisodeNumber, q.ExternalID, q.SourceURL, q.DestPath, q.Status, q.Progress, q.Error, q.QueuedAt, q.UpdatedAt).ToSql()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, query, args...)
	return errors.Wrap(err, "insert queue_item")
}

func (db *DB) UpdateQueueItem(ctx context.Context, q *models.QueueItem) error {
	q.UpdatedAt = time.Now()
	query, args, err := db.squirrel.Update("queue_items").
		Set("dest_path", q.DestPath).
		Set("status", q.Status).
		Set("progress", q.Progress).
		Set("error", q.Error).
		Set("updated_at", q.UpdatedAt).
		Where(sq.Eq{"id": q.ID}).ToSql()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, query, args...)
	return errors.Wrap(err, "update queue_item")
}

func (db *DB) ListQueueItems(ctx context.Context) ([]models.QueueItem, error) {
	query, args, err := db.squirrel.Select("id", "series_id", "season_id", "episode_number", "external_id", "source_url", "dest_path", "status", "progress", "error", "queued_at", "updated_at").
		From("queue_items").OrderBy("queued_at").ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.QueueItem
	for rows.Next() {
		var q models.QueueItem
		if err := rows.Scan(&q.ID, &q.SeriesID, &q.SeasonID, &q.EpisodeNumber, &q.ExternalID, &q.SourceURL, &q.DestPath, &q.Status, &q.Progress, &q.Error, &q.QueuedAt, &q.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

func (db *DB) DeleteQueueItem(ctx context.Context, id string) error {
	query, args, err := db.squirrel.Delete("queue_items").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, query, args...)
	return errors.Wrap(err, "delete queue_item")
}
