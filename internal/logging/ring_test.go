// Copyright (c) 2024, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package logging

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingEvictsOldestOnOverflow(t *testing.T) {
	r := NewRing(3)

	r.Run(nil, zerolog.InfoLevel, "one")
	r.Run(nil, zerolog.InfoLevel, "two")
	r.Run(nil, zerolog.InfoLevel, "three")
	r.Run(nil, zerolog.InfoLevel, "four")

	tail := r.Tail(0, "", "")
	require.Len(t, tail, 3)
	assert.Equal(t, "two", tail[0].Message)
	assert.Equal(t, "three", tail[1].Message)
	assert.Equal(t, "four", tail[2].Message)
}

func TestRingFiltersByLevel(t *testing.T) {
	r := NewRing(10)
	r.Run(nil, zerolog.InfoLevel, "info-msg")
	r.Run(nil, zerolog.ErrorLevel, "error-msg")

	tail := r.Tail(0, "error", "")
	require.Len(t, tail, 1)
	assert.Equal(t, "error-msg", tail[0].Message)
}

func TestRingIgnoresNoLevelEvents(t *testing.T) {
	r := NewRing(10)
	r.Run(nil, zerolog.NoLevel, "should not be recorded")
	assert.Empty(t, r.Tail(0, "", ""))
}

func TestRingFiltersByCategory(t *testing.T) {
	r := NewRing(10)
	r.Hook("queue").Run(nil, zerolog.InfoLevel, "queue-msg")
	r.Hook("sonarr").Run(nil, zerolog.InfoLevel, "sonarr-msg")
	r.Run(nil, zerolog.InfoLevel, "uncategorized-msg")

	tail := r.Tail(0, "", "queue")
	require.Len(t, tail, 1)
	assert.Equal(t, "queue-msg", tail[0].Message)
	assert.Equal(t, "queue", tail[0].Category)

	all := r.Tail(0, "", "")
	require.Len(t, all, 3)
	for _, e := range all {
		assert.NotEmpty(t, e.ID)
	}
}
