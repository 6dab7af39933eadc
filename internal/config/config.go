// Copyright (c) 2024, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/pelletier/go-toml/v2"
)

// Config represents the main configuration structure.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Database  DatabaseConfig  `toml:"database"`
	Downloads DownloadsConfig `toml:"downloads"`
}

// ServerConfig holds the operator HTTP surface's listen address.
type ServerConfig struct {
	ListenAddr string `toml:"listen_addr" env:"AWDL__LISTEN_ADDR"`
}

// DatabaseConfig holds database-related configuration.
type DatabaseConfig struct {
	Type     string `toml:"type" env:"AWDL__DB_TYPE"`
	Path     string `toml:"path" env:"AWDL__DB_PATH"`
	Host     string `toml:"host" env:"AWDL__DB_HOST"`
	Port     int    `toml:"port" env:"AWDL__DB_PORT"`
	User     string `toml:"user" env:"AWDL__DB_USER"`
	Password string `toml:"password" env:"AWDL__DB_PASSWORD"`
	Name     string `toml:"name" env:"AWDL__DB_NAME"`
}

// DownloadsConfig holds the local filesystem destination for finished
// downloads, before the finalizer's root-folder mapping takes over.
type DownloadsConfig struct {
	StagingDir string `toml:"staging_dir" env:"AWDL__DOWNLOADS_STAGING_DIR"`
}

// LoadConfig loads the configuration from a TOML file, then applies
// environment variable overrides.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	config := &Config{}
	if err := toml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("error decoding config file: %w", err)
	}

	if err := loadEnvOverrides(config); err != nil {
		return nil, fmt.Errorf("error loading environment variables: %w", err)
	}

	return config, nil
}

// loadEnvOverrides checks for environment variables and overrides config values.
func loadEnvOverrides(config *Config) error {
	if env := os.Getenv("AWDL__LISTEN_ADDR"); env != "" {
		config.Server.ListenAddr = env
	}

	if env := os.Getenv("AWDL__DB_TYPE"); env != "" {
		config.Database.Type = env
	}
	if env := os.Getenv("AWDL__DB_PATH"); env != "" {
		config.Database.Path = env
	}
	if env := os.Getenv("AWDL__DB_HOST"); env != "" {
		config.Database.Host = env
	}
	if env := os.Getenv("AWDL__DB_PORT"); env != "" {
		if port, err := strconv.Atoi(env); err == nil {
			config.Database.Port = port
		}
	}
	if env := os.Getenv("AWDL__DB_USER"); env != "" {
		config.Database.User = env
	}
	if env := os.Getenv("AWDL__DB_PASSWORD"); env != "" {
		config.Database.Password = env
	}
	if env := os.Getenv("AWDL__DB_NAME"); env != "" {
		config.Database.Name = env
	}

	if env := os.Getenv("AWDL__DOWNLOADS_STAGING_DIR"); env != "" {
		config.Downloads.StagingDir = env
	}

	return nil
}
