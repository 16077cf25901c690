/*
 * Copyright 2024 Lakeroad Labs
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package apisuite

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
)

const defaultLimitWindow = time.Minute

// limitDecision is the outcome of one counted request.
type limitDecision struct {
	allowed   bool
	remaining int
	reset     time.Time
}

// limiterBackend counts requests per key within fixed windows. Implemented
// by an in-process map and by a redis client.
type limiterBackend interface {
	take(ctx context.Context, key string, limit int, window time.Duration) (limitDecision, error)
	close() error
}

//------------------------------------------------------------------------------
// in-process backend

type memWindow struct {
	start  time.Time
	window time.Duration
	count  int
}

type memLimiter struct {
	mtx     sync.Mutex
	windows map[string]*memWindow
}

func newMemLimiter() *memLimiter {
	return &memLimiter{windows: make(map[string]*memWindow)}
}

func (m *memLimiter) take(ctx context.Context, key string, limit int,
	window time.Duration) (limitDecision, error) {

	now := time.Now()
	m.mtx.Lock()
	w := m.windows[key]
	if w == nil || now.Sub(w.start) >= w.window {
		w = &memWindow{start: now, window: window}
		m.windows[key] = w
	}
	w.count++
	count, start := w.count, w.start
	m.mtx.Unlock()

	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return limitDecision{
		allowed:   count <= limit,
		remaining: remaining,
		reset:     start.Add(window),
	}, nil
}

// sweep drops expired windows. Runs on the suite cron.
func (m *memLimiter) sweep() {
	now := time.Now()
	m.mtx.Lock()
	for k, w := range m.windows {
		if now.Sub(w.start) >= w.window {
			delete(m.windows, k)
		}
	}
	m.mtx.Unlock()
}

func (m *memLimiter) close() error { return nil }

//------------------------------------------------------------------------------
// redis backend

type redisLimiter struct {
	client *redis.Client
}

func newRedisLimiter(cfg *RateLimitStore) *redisLimiter {
	return &redisLimiter{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
	}
}

func (r *redisLimiter) take(ctx context.Context, key string, limit int,
	window time.Duration) (limitDecision, error) {

	k := "ratelimit:" + key
	count, err := r.client.Incr(ctx, k).Result()
	if err != nil {
		return limitDecision{}, err
	}
	now := time.Now()
	reset := now.Add(window)
	if count == 1 {
		if err := r.client.PExpire(ctx, k, window).Err(); err != nil {
			return limitDecision{}, err
		}
	} else if ttl, err := r.client.PTTL(ctx, k).Result(); err == nil && ttl > 0 {
		reset = now.Add(ttl)
	}
	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return limitDecision{
		allowed:   int(count) <= limit,
		remaining: remaining,
		reset:     reset,
	}, nil
}

func (r *redisLimiter) close() error { return r.client.Close() }

//------------------------------------------------------------------------------
// middleware

type limitRule struct {
	prefix  string
	limit   int
	window  time.Duration
	message string
}

// rateLimiter enforces the per-service RateLimits config. Requests are
// keyed by rule prefix plus client IP; the longest matching prefix wins.
type rateLimiter struct {
	svc     *service
	rules   []limitRule
	backend limiterBackend
}

func newRateLimiter(svc *service) (*rateLimiter, error) {
	rl := &rateLimiter{svc: svc}
	for _, l := range svc.cfg.RateLimits {
		window := defaultLimitWindow
		if l.Window != nil && *l.Window > 0 {
			window = time.Duration(*l.Window * float64(time.Second))
		}
		msg := l.Message
		if len(msg) == 0 {
			msg = "rate limit exceeded"
		}
		rl.rules = append(rl.rules, limitRule{
			prefix:  l.PathPrefix,
			limit:   l.Limit,
			window:  window,
			message: msg,
		})
	}
	// longest prefix first
	sort.Slice(rl.rules, func(i, j int) bool {
		return len(rl.rules[i].prefix) > len(rl.rules[j].prefix)
	})

	store := svc.cfg.RateLimitStore
	if store != nil && store.Type == "redis" {
		rl.backend = newRedisLimiter(store)
	} else {
		m := newMemLimiter()
		rl.backend = m
		if _, err := svc.suite.c.AddFunc("@every 1m", m.sweep); err != nil {
			return nil, fmt.Errorf("failed to schedule limiter sweep: %v", err)
		}
	}
	return rl, nil
}

func (rl *rateLimiter) close() {
	if err := rl.backend.close(); err != nil {
		rl.svc.logger.Warn().Err(err).Msg("failed to close rate limit store")
	}
}

// match returns the longest-prefix rule covering path, or nil.
func (rl *rateLimiter) match(path string) *limitRule {
	for i := range rl.rules {
		p := rl.rules[i].prefix
		if p == "/" || path == p || strings.HasPrefix(path, p+"/") {
			return &rl.rules[i]
		}
	}
	return nil
}

func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(resp http.ResponseWriter, req *http.Request) {
		rule := rl.match(req.URL.Path)
		if rule == nil {
			next.ServeHTTP(resp, req)
			return
		}

		key := rule.prefix + "|" + getRealIP(req)
		dec, err := rl.backend.take(req.Context(), key, rule.limit, rule.window)
		if err != nil {
			// fail open: a broken limiter store must not take the API down
			rl.svc.logger.Error().Err(err).Str("path", req.URL.Path).
				Msg("rate limit store error, allowing request")
			next.ServeHTTP(resp, req)
			return
		}

		h := resp.Header()
		h.Set("X-RateLimit-Limit", strconv.Itoa(rule.limit))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(dec.remaining))
		h.Set("X-RateLimit-Reset", strconv.FormatInt(dec.reset.Unix(), 10))

		if !dec.allowed {
			retry := int(time.Until(dec.reset).Seconds()) + 1
			h.Set("Retry-After", strconv.Itoa(retry))
			rl.svc.suite.reportMetric("ratelimited", 1,
				"service="+rl.svc.cfg.Name, "prefix="+rule.prefix)
			rl.svc.writeError(resp, http.StatusTooManyRequests, rule.message)
			return
		}

		next.ServeHTTP(resp, req)
	})
}

//------------------------------------------------------------------------------
// rate limit demo service

type demoResponse struct {
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

type demoStatus struct {
	Status            string `json:"status"`
	RequestsRemaining *int   `json:"requestsRemaining,omitempty"`
}

func (svc *service) routeRateLimitDemo(r *chi.Mux) {
	index := func(resp http.ResponseWriter, req *http.Request) {
		svc.writeJSON(resp, http.StatusOK, demoResponse{
			Message:   "Rate Limiting Demo - Try /api/limited (5 req/min) or /api/relaxed (100 req/min)",
			Timestamp: time.Now().Unix(),
		})
	}
	limited := func(resp http.ResponseWriter, req *http.Request) {
		svc.writeJSON(resp, http.StatusOK, demoResponse{
			Message:   "This endpoint has strict rate limits",
			Timestamp: time.Now().Unix(),
		})
	}
	relaxed := func(resp http.ResponseWriter, req *http.Request) {
		svc.writeJSON(resp, http.StatusOK, demoResponse{
			Message:   "This endpoint has relaxed rate limits",
			Timestamp: time.Now().Unix(),
		})
	}
	health := func(resp http.ResponseWriter, req *http.Request) {
		st := demoStatus{Status: "healthy"}
		// present only if a rate limit rule covers this endpoint
		if rem := resp.Header().Get("X-RateLimit-Remaining"); len(rem) > 0 {
			if n, err := strconv.Atoi(rem); err == nil {
				st.RequestsRemaining = &n
			}
		}
		svc.writeJSON(resp, http.StatusOK, st)
	}

	r.Get(svc.uri("/"), index)
	r.Get(svc.uri("/api/limited"), limited)
	r.Get(svc.uri("/api/relaxed"), relaxed)
	r.Get(svc.uri("/health"), health)
}
