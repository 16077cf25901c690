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
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
)

const (
	defaultProbeSchedule = "@every 30s"
	defaultProbeTimeout  = 5 * time.Second
	defaultSlowDelay     = 35 * time.Second
)

// probeResult is the outcome of one health check probe.
type probeResult struct {
	Status         string    `json:"status"`
	ResponseTimeMs float64   `json:"responseTimeMs"`
	CheckedAt      time.Time `json:"checkedAt"`
}

// opsState holds the most recent background probe results.
type opsState struct {
	mtx  sync.Mutex
	last map[string]probeResult
}

func (svc *service) routeOps(r *chi.Mux) error {
	svc.ops = &opsState{last: make(map[string]probeResult)}

	cfg := svc.cfg.Ops
	if cfg == nil {
		cfg = &OpsConfig{}
	}

	// schedule the background probes, and run a first round right away so
	// /health/detail has data before the first tick
	if len(cfg.Checks) > 0 {
		schedule := cfg.ProbeSchedule
		if len(schedule) == 0 {
			schedule = defaultProbeSchedule
		}
		if _, err := svc.suite.c.AddFunc(schedule, func() {
			svc.probeAll(svc.suite.bgctx)
		}); err != nil {
			return fmt.Errorf("service %q: failed to schedule probes: %w",
				svc.cfg.Name, err)
		}
		go svc.probeAll(svc.suite.bgctx)
	}

	r.Get(svc.uri("/"), func(resp http.ResponseWriter, req *http.Request) {
		resp.Header().Set("Content-Type", "text/plain; charset=utf-8")
		resp.WriteHeader(http.StatusOK)
		banner := svc.cfg.Banner
		if len(banner) == 0 {
			banner = "service is up"
		}
		_, _ = io.WriteString(resp, banner+"\n")
	})
	r.Get(svc.uri("/health"), svc.health)
	r.Get(svc.uri("/health/detail"), svc.healthDetail)
	r.Get(svc.uri("/slow"), svc.slow)
	return nil
}

// health runs the configured checks inline and reports a compact summary.
func (svc *service) health(resp http.ResponseWriter, req *http.Request) {
	overall := "ok"
	checks := make(map[string]string)
	if svc.cfg.Ops != nil {
		for i := range svc.cfg.Ops.Checks {
			c := &svc.cfg.Ops.Checks[i]
			res := svc.probe(req.Context(), c)
			checks[c.Name] = res.Status
			if res.Status != "ok" {
				overall = "degraded"
			}
		}
	}
	svc.writeJSON(resp, http.StatusOK, map[string]any{
		"status":  overall,
		"version": Version,
		"checks":  checks,
	})
}

// healthDetail reports the most recent background probe results.
func (svc *service) healthDetail(resp http.ResponseWriter, req *http.Request) {
	svc.ops.mtx.Lock()
	overall := "ok"
	checks := make(map[string]probeResult, len(svc.ops.last))
	for name, res := range svc.ops.last {
		checks[name] = res
		if res.Status != "ok" {
			overall = "degraded"
		}
	}
	svc.ops.mtx.Unlock()

	svc.writeJSON(resp, http.StatusOK, map[string]any{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"status":    overall,
		"version":   Version,
		"checks":    checks,
	})
}

// slow takes a long time to answer, long enough that a configured request
// timeout trips first. When that happens the handler reports the timeout
// itself, since the timeout middleware only cancels the request context.
func (svc *service) slow(resp http.ResponseWriter, req *http.Request) {
	delay := defaultSlowDelay
	if svc.cfg.Ops != nil && svc.cfg.Ops.SlowDelay != nil && *svc.cfg.Ops.SlowDelay > 0 {
		delay = time.Duration(*svc.cfg.Ops.SlowDelay * float64(time.Second))
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		svc.writeJSON(resp, http.StatusOK, map[string]any{
			"message":      "finally responded",
			"delaySeconds": delay.Seconds(),
		})
	case <-req.Context().Done():
		svc.writeError(resp, http.StatusGatewayTimeout, "request timed out")
	}
}

//------------------------------------------------------------------------------
// probes

func (svc *service) probeAll(ctx context.Context) {
	for i := range svc.cfg.Ops.Checks {
		c := &svc.cfg.Ops.Checks[i]
		res := svc.probe(ctx, c)
		svc.ops.mtx.Lock()
		svc.ops.last[c.Name] = res
		svc.ops.mtx.Unlock()
		svc.suite.reportMetric("probe", res.ResponseTimeMs,
			"service="+svc.cfg.Name, "check="+c.Name, "status="+res.Status)
		if res.Status != "ok" {
			svc.logger.Warn().Str("check", c.Name).Str("target", c.Target).
				Msg("health check failed")
		}
	}
}

func (svc *service) probe(ctx context.Context, c *HealthCheck) probeResult {
	timeout := defaultProbeTimeout
	if c.Timeout != nil && *c.Timeout > 0 {
		timeout = time.Duration(*c.Timeout * float64(time.Second))
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	t0 := time.Now()
	var err error
	switch c.Type {
	case "tcp":
		err = probeTCP(ctx, c.Target)
	case "http":
		err = probeHTTP(ctx, c.Target)
	case "redis":
		err = probeRedis(ctx, c.Target)
	default: // should not happen with valid config
		err = fmt.Errorf("unknown check type %q", c.Type)
	}

	res := probeResult{
		Status:         "ok",
		ResponseTimeMs: float64(time.Since(t0)) / 1e6,
		CheckedAt:      time.Now().UTC(),
	}
	if err != nil {
		res.Status = "fail"
	}
	return res
}

func probeTCP(ctx context.Context, target string) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", target)
	if err != nil {
		return err
	}
	return conn.Close()
}

func probeHTTP(ctx context.Context, target string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("got HTTP status %d", resp.StatusCode)
	}
	return nil
}

func probeRedis(ctx context.Context, target string) error {
	client := redis.NewClient(&redis.Options{Addr: target})
	defer client.Close()
	return client.Ping(ctx).Err()
}
