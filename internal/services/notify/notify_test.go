// Copyright (c) 2024, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SavvyMeat/aw-downloader/internal/services/sonarr"
)

func newFakeSonarrWithNotifications(t *testing.T, discordURL, webhookURL string) *sonarr.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		configs := []sonarr.NotificationConfig{
			{
				ID: 1, Name: "discord", Implementation: "Discord", OnDownload: true,
				Fields: []sonarr.NotificationField{{Name: "webHookUrl", Value: discordURL}},
			},
			{
				ID: 2, Name: "webhook", Implementation: "Webhook", OnDownload: true,
				Fields: []sonarr.NotificationField{
					{Name: "url", Value: webhookURL},
					{Name: "method", Value: "POST"},
				},
			},
			{
				ID: 3, Name: "disabled", Implementation: "Discord", OnDownload: false,
				Fields: []sonarr.NotificationField{{Name: "webHookUrl", Value: discordURL}},
			},
			{
				ID: 4, Name: "unsupported", Implementation: "Slack", OnDownload: true,
			},
		}
		json.NewEncoder(w).Encode(configs)
	}))
	t.Cleanup(srv.Close)
	return sonarr.New(srv.URL, "key")
}

func TestDispatchFansOutToOnDownloadProviders(t *testing.T) {
	var discordHits, webhookHits atomic.Int32

	discordSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		discordHits.Add(1)
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		content, _ := body["content"].(string)
		assert.Contains(t, content, "New Episode")
	}))
	defer discordSrv.Close()

	webhookSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		webhookHits.Add(1)
		assert.Equal(t, http.MethodPost, r.Method)
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "Download", body["eventType"])
	}))
	defer webhookSrv.Close()

	d := New(newFakeSonarrWithNotifications(t, discordSrv.URL, webhookSrv.URL))
	d.Dispatch(context.Background(), Event{Title: "New Episode", Body: "Example Show S01E01"})

	assert.Equal(t, int32(1), discordHits.Load())
	assert.Equal(t, int32(1), webhookHits.Load())
}

func TestDispatchToleratesOneProviderFailing(t *testing.T) {
	d := New(newFakeSonarrWithNotifications(t, "", ""))
	assert.NotPanics(t, func() {
		d.Dispatch(context.Background(), Event{Title: "t", Body: "b"})
	})
}
