// Copyright (c) 2024, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/SavvyMeat/aw-downloader/internal/logging"
	"github.com/SavvyMeat/aw-downloader/internal/queue"
	"github.com/SavvyMeat/aw-downloader/internal/scheduler"
	"github.com/SavvyMeat/aw-downloader/internal/services/sonarr"
	"github.com/SavvyMeat/aw-downloader/internal/settings"
)

// Server holds the components the operator surface reads from and
// mutates. It has no ownership over their lifecycle.
type Server struct {
	Scheduler *scheduler.Scheduler
	Queue     *queue.Queue
	Settings  *settings.Store
	Logs      *logging.Ring
	Sonarr    *sonarr.Client
}

// NewRouter assembles the gin engine: logger, recovery, CORS, then one
// per-client-IP rate limiter on the /api/v1 group (/health is not limited).
func (s *Server) NewRouter() *gin.Engine {
	r := gin.New()
	r.Use(Logger())
	r.Use(gin.Recovery())
	r.Use(SetupCORS())

	limiter := NewRateLimiter(120)

	api := r.Group("/api/v1", limiter.Middleware())
	{
		api.GET("/tasks", s.listTasks)
		api.POST("/tasks/:name/trigger", s.triggerTask)

		api.GET("/queue", s.listQueue)
		api.DELETE("/queue/:id", s.cancelQueueItem)

		api.GET("/logs", s.tailLogs)

		api.GET("/config", s.getConfig)
		api.PUT("/config/:key", s.setConfig)

		api.GET("/sonarr/tags", s.listSonarrTags)
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	return r
}

func (s *Server) listTasks(c *gin.Context) {
	c.JSON(http.StatusOK, s.Scheduler.Status())
}

func (s *Server) triggerTask(c *gin.Context) {
	name := c.Param("name")
	if err := s.Scheduler.Trigger(name); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"triggered": name})
}

func (s *Server) listQueue(c *gin.Context) {
	items, err := s.Queue.Snapshot(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, items)
}

func (s *Server) cancelQueueItem(c *gin.Context) {
	if err := s.Queue.Cancel(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": c.Param("id")})
}

func (s *Server) tailLogs(c *gin.Context) {
	n := 200
	level := c.Query("level")
	category := c.Query("category")
	c.JSON(http.StatusOK, s.Logs.Tail(n, level, category))
}

func (s *Server) getConfig(c *gin.Context) {
	c.JSON(http.StatusOK, s.Settings.All())
}

// listSonarrTags resolves the library manager's tag id→label mapping, so
// the settings UI can render human-readable labels when an operator builds
// the sonarr_tags blacklist/whitelist instead of asking them to type raw
// tag ids.
func (s *Server) listSonarrTags(c *gin.Context) {
	tags, err := s.Sonarr.GetTags(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, tags)
}

func (s *Server) setConfig(c *gin.Context) {
	var body struct {
		Value string `json:"value"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.Settings.Set(c.Request.Context(), c.Param("key"), body.Value); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": c.Param("key"), "value": body.Value})
}
