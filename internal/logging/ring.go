// Copyright (c) 2024, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package logging

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/SavvyMeat/aw-downloader/internal/models"
)

// Ring is a fixed-capacity, thread-safe log buffer. It implements
// zerolog.Hook so every emitted record is captured without the rest of
// the codebase needing to write to it explicitly.
type Ring struct {
	mu       sync.Mutex
	entries  []models.LogEntry
	capacity int
	next     int
	full     bool
}

func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 500
	}
	return &Ring{
		entries:  make([]models.LogEntry, capacity),
		capacity: capacity,
	}
}

// Run implements zerolog.Hook, recording every event under the empty
// (uncategorized) category. Use Hook to bind a subsystem-scoped logger
// that tags its own records instead.
func (r *Ring) Run(e *zerolog.Event, level zerolog.Level, msg string) {
	r.record("", level, msg)
}

// Hook returns a zerolog.Hook that tags every event it sees with category.
// Subsystem loggers each get their own Hook instance so the ring can later
// filter Tail by category without needing to read fields back off the
// zerolog.Event, which exposes no such API.
func (r *Ring) Hook(category string) zerolog.Hook {
	return categoryHook{ring: r, category: category}
}

type categoryHook struct {
	ring     *Ring
	category string
}

func (h categoryHook) Run(e *zerolog.Event, level zerolog.Level, msg string) {
	h.ring.record(h.category, level, msg)
}

func (r *Ring) record(category string, level zerolog.Level, msg string) {
	if level == zerolog.NoLevel {
		return
	}
	r.append(models.LogEntry{
		ID:       uuid.NewString(),
		Time:     time.Now(),
		Level:    level.String(),
		Category: category,
		Message:  msg,
	})
}

func (r *Ring) append(entry models.LogEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries[r.next] = entry
	r.next = (r.next + 1) % r.capacity
	if r.next == 0 {
		r.full = true
	}
}

// Tail returns up to n of the most recent entries, newest last, optionally
// filtered to a single level and/or category (empty string means no
// filter on that dimension).
func (r *Ring) Tail(n int, level, category string) []models.LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ordered []models.LogEntry
	if r.full {
		ordered = append(ordered, r.entries[r.next:]...)
		ordered = append(ordered, r.entries[:r.next]...)
	} else {
		ordered = append(ordered, r.entries[:r.next]...)
	}

	if level != "" || category != "" {
		filtered := ordered[:0:0]
		for _, e := range ordered {
			if level != "" && e.Level != level {
				continue
			}
			if category != "" && e.Category != category {
				continue
			}
			filtered = append(filtered, e)
		}
		ordered = filtered
	}

	if n <= 0 || n >= len(ordered) {
		return ordered
	}
	return ordered[len(ordered)-n:]
}
