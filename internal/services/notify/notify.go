// Copyright (c) 2024, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package notify is the notification dispatcher. It does not maintain its
// own provider list: every Dispatch call re-fetches the library manager's
// notification configuration and fans the event out to whichever entries
// have onDownload enabled, concurrently, the same wg.Add/go/wg.Wait shape
// internal/services/arr/health.go uses to run several checks against one
// instance in parallel.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/SavvyMeat/aw-downloader/internal/logging"
	"github.com/SavvyMeat/aw-downloader/internal/services/httpx"
	"github.com/SavvyMeat/aw-downloader/internal/services/sonarr"
)

// Event is one notifiable occurrence, rendered per-implementation by
// Dispatch: a completed download, a finalization failure, or a failed or
// cancelled download.
type Event struct {
	Title string
	Body  string
}

// Dispatcher fans an Event out to every onDownload-enabled notification
// configured on the library manager.
type Dispatcher struct {
	sonarr *sonarr.Client
	logger zerolog.Logger
}

func New(s *sonarr.Client) *Dispatcher {
	return &Dispatcher{sonarr: s, logger: logging.For("notify")}
}

// Dispatch loads the library manager's current notification configs and
// sends ev to each one with onDownload enabled. One provider failing (or
// having an implementation this project doesn't know how to render) never
// blocks delivery to the others.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) {
	configs, err := d.sonarr.GetNotifications(ctx)
	if err != nil {
		d.logger.Warn().Err(err).Msg("notify: failed to load notification configs")
		return
	}

	var wg sync.WaitGroup
	for _, cfg := range configs {
		if !cfg.OnDownload {
			continue
		}
		wg.Add(1)
		go func(cfg sonarr.NotificationConfig) {
			defer wg.Done()
			sendCtx, cancel := context.WithTimeout(ctx, httpx.DefaultTimeout)
			defer cancel()
			if err := d.send(sendCtx, cfg, ev); err != nil {
				d.logger.Warn().Err(err).Str("provider", cfg.Name).Str("implementation", cfg.Implementation).Msg("notify: delivery failed")
			}
		}(cfg)
	}
	wg.Wait()
}

func (d *Dispatcher) send(ctx context.Context, cfg sonarr.NotificationConfig, ev Event) error {
	switch cfg.Implementation {
	case "Discord":
		return sendDiscord(ctx, cfg, ev)
	case "Webhook":
		return sendWebhook(ctx, cfg, ev)
	case "Apprise":
		return sendApprise(ctx, cfg, ev)
	default:
		d.logger.Warn().Str("implementation", cfg.Implementation).Msg("notify: unknown implementation, skipping")
		return nil
	}
}

func sendDiscord(ctx context.Context, cfg sonarr.NotificationConfig, ev Event) error {
	webhookURL := cfg.FieldString("webHookUrl")
	if webhookURL == "" {
		return fmt.Errorf("notify: discord provider %q has no webHookUrl", cfg.Name)
	}
	payload := map[string]interface{}{
		"content": fmt.Sprintf("**%s**\n%s", ev.Title, ev.Body),
	}
	return postJSON(ctx, http.MethodPost, webhookURL, payload)
}

func sendWebhook(ctx context.Context, cfg sonarr.NotificationConfig, ev Event) error {
	url := cfg.FieldString("url")
	if url == "" {
		return fmt.Errorf("notify: webhook provider %q has no url", cfg.Name)
	}
	method := strings.ToUpper(strings.TrimSpace(cfg.FieldString("method")))
	if method == "" {
		method = http.MethodPost
	}
	payload := map[string]interface{}{
		"title":     ev.Title,
		"message":   ev.Body,
		"eventType": "Download",
	}
	return postJSON(ctx, method, url, payload)
}

func sendApprise(ctx context.Context, cfg sonarr.NotificationConfig, ev Event) error {
	serverURL := cfg.FieldString("serverUrl")
	if serverURL == "" {
		return fmt.Errorf("notify: apprise provider %q has no serverUrl", cfg.Name)
	}
	key := cfg.FieldString("configurationKey")

	payload := map[string]interface{}{
		"title": ev.Title,
		"body":  ev.Body,
	}
	if urls := cfg.FieldString("statelessUrls"); urls != "" {
		payload["urls"] = urls
	}

	return postJSON(ctx, http.MethodPost, strings.TrimRight(serverURL, "/")+"/notify/"+key, payload)
}

func postJSON(ctx context.Context, method, url string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpx.Do(ctx, req)
	if err != nil {
		return err
	}
	_, err = httpx.ReadAndClose(resp)
	return err
}
