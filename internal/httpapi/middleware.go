// Copyright (c) 2024, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package httpapi is the thin operator-facing HTTP surface: task
// status/trigger, queue snapshot/cancel, log tail and config get/set. It
// runs a fixed middleware stack (logger, recovery, CORS, a rate limiter)
// adapted to a per-process token-bucket limiter since there is no shared
// cache to key it on.
package httpapi

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/SavvyMeat/aw-downloader/internal/logging"
)

// Logger logs each request's method, redacted path and status after it
// completes, redacting query parameters that look like secrets.
func Logger() gin.HandlerFunc {
	log := logging.For("http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		query := c.Request.URL.RawQuery
		if query != "" {
			if parsed, err := url.ParseQuery(query); err == nil {
				for param := range parsed {
					lower := strings.ToLower(param)
					if strings.Contains(lower, "key") || strings.Contains(lower, "token") || strings.Contains(lower, "secret") || strings.Contains(lower, "password") {
						parsed.Set(param, "[REDACTED]")
					}
				}
				query = parsed.Encode()
			}
		}

		path := c.Request.URL.Path
		if query != "" {
			path += "?" + query
		}

		log.Info().
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("http request")
	}
}

// SetupCORS applies a permissive default CORS configuration.
func SetupCORS() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Authorization", "Content-Type", "Accept"},
		ExposeHeaders: []string{"Content-Length", "Content-Type"},
		MaxAge:        12 * time.Hour,
	})
}

// RateLimiter enforces a per-client-IP token bucket, replacing the
// teacher's Redis-backed sliding window (backend/api/middleware/
// ratelimit.go) with an in-process one since this is a single daemon, not
// a horizontally-scaled API tier.
type RateLimiter struct {
	rps   rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewRateLimiter(perMinute int) *RateLimiter {
	if perMinute <= 0 {
		perMinute = 60
	}
	return &RateLimiter{
		rps:      rate.Limit(float64(perMinute) / 60),
		burst:    perMinute,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (rl *RateLimiter) limiterFor(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	l, ok := rl.limiters[key]
	if !ok {
		l = rate.NewLimiter(rl.rps, rl.burst)
		rl.limiters[key] = l
	}
	return l
}

func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.limiterFor(c.ClientIP()).Allow() {
			c.Header("Retry-After", fmt.Sprintf("%d", int(60/float64(rl.burst))+1))
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			c.Abort()
			return
		}
		c.Next()
	}
}
