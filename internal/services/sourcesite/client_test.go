// Copyright (c) 2024, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package sourcesite

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractCSRFToken(t *testing.T) {
	body := []byte(`<html><head><meta name="csrf-token" content="abc123"></head></html>`)
	assert.Equal(t, "abc123", extractCSRFToken(body))
}

func TestExtractCSRFTokenMissing(t *testing.T) {
	assert.Equal(t, "", extractCSRFToken([]byte(`<html></html>`)))
}

func TestParseSearchResults(t *testing.T) {
	body := []byte(`
		<div class="results">
			<div class="item"><a class="name" href="/play/one">One Piece</a></div>
			<div class="item"><a class="name" href="/play/two">Two Piece</a></div>
		</div>`)

	results, err := parseFilterList(body)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "One Piece", results[0].title)
	assert.Equal(t, "/play/one", results[0].href)
}

func TestNormalizeTitle(t *testing.T) {
	assert.Equal(t, "attack on titan", NormalizeTitle("Attack on Titan!"))
	assert.Equal(t, "one piece", NormalizeTitle("One-Piece"))
}
