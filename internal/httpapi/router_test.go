// Copyright (c) 2024, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SavvyMeat/aw-downloader/internal/database"
	"github.com/SavvyMeat/aw-downloader/internal/logging"
	"github.com/SavvyMeat/aw-downloader/internal/models"
	"github.com/SavvyMeat/aw-downloader/internal/queue"
	"github.com/SavvyMeat/aw-downloader/internal/scheduler"
	"github.com/SavvyMeat/aw-downloader/internal/services/sonarr"
	"github.com/SavvyMeat/aw-downloader/internal/settings"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dir := t.TempDir()
	db, err := database.InitDB(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store := settings.New(db)
	require.NoError(t, store.Load(context.Background()))

	sched := scheduler.New()
	require.NoError(t, sched.Register("noop", "", 60, func(ctx context.Context) error { return nil }))

	q := queue.New(db, dir, func(ctx context.Context, item *models.QueueItem) error { return nil }, nil)

	return &Server{
		Scheduler: sched,
		Queue:     q,
		Settings:  store,
		Logs:      logging.NewRing(10),
		Sonarr:    sonarr.New("", ""),
	}
}

func TestHealthEndpointReportsOK(t *testing.T) {
	srv := newTestServer(t)
	r := srv.NewRouter()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestTriggerTaskRunsRegisteredJob(t *testing.T) {
	srv := newTestServer(t)
	r := srv.NewRouter()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks/noop/trigger", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusAccepted, w.Code)
}

func TestTriggerTaskUnknownJobReturns404(t *testing.T) {
	srv := newTestServer(t)
	r := srv.NewRouter()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks/does-not-exist/trigger", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListQueueReturnsEmptySnapshot(t *testing.T) {
	srv := newTestServer(t)
	r := srv.NewRouter()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/queue", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `null`, w.Body.String())
}

func TestListSonarrTagsProxiesTheLibraryManagersTagList(t *testing.T) {
	tagSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]sonarr.Tag{{ID: 1, Label: "anime"}})
	}))
	defer tagSrv.Close()

	srv := newTestServer(t)
	srv.Sonarr = sonarr.New(tagSrv.URL, "key")
	r := srv.NewRouter()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/sonarr/tags", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[{"id":1,"label":"anime"}]`, w.Body.String())
}

func TestGetConfigReturnsSettingsSnapshot(t *testing.T) {
	srv := newTestServer(t)
	r := srv.NewRouter()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/config", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "sonarr_url")
}
