// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gateway

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/tombee/tollgate/internal/config"
	"github.com/tombee/tollgate/internal/gateway/httputil"
	"github.com/tombee/tollgate/internal/log"
)

// corsMiddleware sets the fixed CORS headers on every response and answers
// preflight requests directly.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "x-api-key, Content-Type")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, DELETE, OPTIONS")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response status for request logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// loggingMiddleware logs each completed request with a correlation ID.
func loggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := uuid.NewString()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		log.WithRequestID(logger, requestID).Info("request completed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Int64(log.DurationKey, time.Since(start).Milliseconds()),
		)
	})
}

// burstLimiter applies a per-key token bucket on top of the daily cap,
// guarding the gateway against request floods without consuming quota.
type burstLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	cfg      config.RateLimitConfig
}

func newBurstLimiter(cfg config.RateLimitConfig) *burstLimiter {
	return &burstLimiter{
		limiters: make(map[string]*rate.Limiter),
		cfg:      cfg,
	}
}

// Allow reports whether a request for key fits in its bucket.
func (b *burstLimiter) Allow(key string) bool {
	if !b.cfg.Enabled {
		return true
	}
	b.mu.Lock()
	lim, ok := b.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(b.cfg.RequestsPerSecond), b.cfg.BurstSize)
		b.limiters[key] = lim
	}
	b.mu.Unlock()
	return lim.Allow()
}

// authMiddleware validates the x-api-key header, enforces the burst limiter
// and the per-key daily cap, and attaches the caller to the context.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("x-api-key")
		if key == "" {
			httputil.WriteError(w, http.StatusUnauthorized, "Missing x-api-key header")
			return
		}

		cred, ok := s.creds.Lookup(key)
		if !ok {
			httputil.WriteError(w, http.StatusUnauthorized, "Invalid API key")
			return
		}
		if !cred.Active {
			httputil.WriteError(w, http.StatusUnauthorized, "API key has been revoked")
			return
		}

		if !s.bursts.Allow(key) {
			rateLimitedTotal.Inc()
			w.Header().Set("Retry-After", "1")
			httputil.WriteError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		count, allowed := s.creds.Charge(key, cred.DailyLimit)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(cred.DailyLimit))
		if !allowed {
			rateLimitedTotal.Inc()
			w.Header().Set("X-RateLimit-Remaining", "0")
			w.Header().Set("X-RateLimit-Reset", nextMidnightUTC(s.now()).Format(time.RFC3339))
			httputil.WriteError(w, http.StatusTooManyRequests,
				fmt.Sprintf("Daily limit of %d requests exceeded", cred.DailyLimit))
			return
		}
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(cred.DailyLimit-count))

		caller := &Caller{
			Key:    key,
			Name:   cred.Name,
			Tier:   cred.Tier,
			Tunnel: cred.Tunnel,
			Usage:  count,
			Limit:  cred.DailyLimit,
		}
		next.ServeHTTP(w, r.WithContext(ContextWithCaller(r.Context(), caller)))
	})
}

// nextMidnightUTC returns the start of the next UTC day, when daily
// counters reset.
func nextMidnightUTC(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
}
