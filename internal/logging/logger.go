// Copyright (c) 2024, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package logging wires up the global zerolog logger and a bounded, in-
// memory ring of recent log records.
package logging

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ringInstance and baseLogger let For hand out subsystem-scoped loggers
// that share Init's output configuration but tag their own records in the
// ring under a distinct category, without chaining onto the global
// logger's own "app"-tagged hook.
var (
	ringInstance *Ring
	baseLogger   zerolog.Logger
)

// Init sets up the global logger. In production (NODE_ENV=production) it
// writes plain JSON; otherwise it uses a colored console writer. Every record is also fed into ring via a zerolog.Hook.
func Init(ring *Ring) {
	level := zerolog.InfoLevel
	if lv, err := zerolog.ParseLevel(strings.ToLower(os.Getenv("LOG_LEVEL"))); err == nil {
		level = lv
	}
	zerolog.SetGlobalLevel(level)

	if strings.EqualFold(os.Getenv("NODE_ENV"), "production") {
		baseLogger = log.With().Timestamp().Logger()
	} else {
		colors := map[string]string{
			"trace": "\033[36m",
			"debug": "\033[33m",
			"info":  "\033[34m",
			"warn":  "\033[33m",
			"error": "\033[31m",
			"fatal": "\033[35m",
			"panic": "\033[35m",
		}
		output := zerolog.ConsoleWriter{
			Out:     os.Stdout,
			NoColor: false,
			FormatLevel: func(i interface{}) string {
				lvl, ok := i.(string)
				if !ok {
					return "???"
				}
				color := colors[lvl]
				if color == "" {
					color = "\033[37m"
				}
				return color + strings.ToUpper(lvl) + "\033[0m"
			},
		}
		baseLogger = zerolog.New(output).With().Timestamp().Logger()
	}

	ringInstance = ring
	log.Logger = baseLogger
	if ring != nil {
		log.Logger = baseLogger.Hook(ring.Hook("app"))
	}
}

// For returns a logger sharing Init's output configuration, tagging every
// record it emits under category in the log ring. Subsystems that log
// enough to be worth filtering on (queue, sonarr, scheduler, ...) hold one
// of these instead of using the global "app"-tagged logger.
func For(category string) zerolog.Logger {
	if ringInstance == nil {
		return baseLogger
	}
	return baseLogger.Hook(ringInstance.Hook(category))
}
