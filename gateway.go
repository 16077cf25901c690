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
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
)

const (
	defaultGatewayTimeout = 10 * time.Second
	defaultGatewayRetries = 2
	maxRelayBodySize      = 4 << 20
)

// upstreamPool spreads requests over a set of upstream base URLs
// round-robin.
type upstreamPool struct {
	next uint64
	urls []string
}

func (p *upstreamPool) pick() string {
	n := atomic.AddUint64(&p.next, 1) - 1
	return p.urls[n%uint64(len(p.urls))]
}

// gwRoute is one proxied route group of the gateway.
type gwRoute struct {
	cfg     *GatewayRoute
	pool    *upstreamPool
	client  *retryablehttp.Client
	timeout time.Duration
}

// gatewayAPI relays GET requests to upstream services, with round-robin
// instance selection, bounded retries and an overall per-exchange deadline.
type gatewayAPI struct {
	svc    *service
	routes []*gwRoute
}

type loggerForRetry struct { // implements retryablehttp.LeveledLogger
	logger zerolog.Logger
}

func (l *loggerForRetry) fields(keysAndValues []interface{}) *zerolog.Event {
	e := l.logger.Debug()
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		if k, ok := keysAndValues[i].(string); ok {
			e = e.Interface(k, keysAndValues[i+1])
		}
	}
	return e
}

func (l *loggerForRetry) Error(msg string, keysAndValues ...interface{}) {
	l.fields(keysAndValues).Msg(msg)
}
func (l *loggerForRetry) Warn(msg string, keysAndValues ...interface{}) {
	l.fields(keysAndValues).Msg(msg)
}
func (l *loggerForRetry) Info(msg string, keysAndValues ...interface{}) {
	l.fields(keysAndValues).Msg(msg)
}
func (l *loggerForRetry) Debug(msg string, keysAndValues ...interface{}) {
	l.fields(keysAndValues).Msg(msg)
}

func (svc *service) routeGateway(r *chi.Mux) error {
	gw := &gatewayAPI{svc: svc}
	for i := range svc.cfg.Gateway.Routes {
		rcfg := &svc.cfg.Gateway.Routes[i]

		timeout := defaultGatewayTimeout
		if rcfg.Timeout != nil && *rcfg.Timeout > 0 {
			timeout = time.Duration(*rcfg.Timeout * float64(time.Second))
		}
		retries := defaultGatewayRetries
		if rcfg.Retries != nil && *rcfg.Retries >= 0 {
			retries = *rcfg.Retries
		}

		client := retryablehttp.NewClient()
		client.RetryMax = retries
		client.RetryWaitMin = 100 * time.Millisecond
		client.RetryWaitMax = time.Second
		client.Logger = &loggerForRetry{
			logger: svc.logger.With().Str("upstream", rcfg.Service).Logger(),
		}

		route := &gwRoute{cfg: rcfg, client: client, timeout: timeout,
			pool: &upstreamPool{urls: rcfg.Upstreams}}
		gw.routes = append(gw.routes, route)

		handler := func(resp http.ResponseWriter, req *http.Request) {
			gw.relay(resp, req, route)
		}
		r.Get(svc.uri(rcfg.Prefix), handler)
		r.Get(svc.uri(rcfg.Prefix)+"/*", handler)
	}

	r.Get(svc.uri("/"), gw.index)
	svc.gw = gw
	return nil
}

// gwEnvelope is the gateway's response body: the upstream's JSON relayed
// under "data", tagged with the logical service name.
type gwEnvelope struct {
	Service string          `json:"service"`
	Data    json.RawMessage `json:"data"`
}

func (gw *gatewayAPI) index(resp http.ResponseWriter, req *http.Request) {
	routes := make([]map[string]any, 0, len(gw.routes))
	for _, route := range gw.routes {
		routes = append(routes, map[string]any{
			"prefix":    gw.svc.uri(route.cfg.Prefix),
			"service":   route.cfg.Service,
			"upstreams": len(route.cfg.Upstreams),
		})
	}
	gw.svc.writeJSON(resp, http.StatusOK, map[string]any{
		"message": "API gateway",
		"routes":  routes,
	})
}

func (gw *gatewayAPI) relay(resp http.ResponseWriter, req *http.Request, route *gwRoute) {
	svc := gw.svc

	// upstream path: whatever followed the route prefix, appended to the
	// upstream base URL
	var path string
	if rest := chi.URLParam(req, "*"); len(rest) > 0 {
		path = "/" + rest
	}
	if q := req.URL.RawQuery; len(q) > 0 {
		path += "?" + q
	}

	// serve from the cache if the relayed response is fresh enough
	var cacheKey uint64
	var cacheTTL time.Duration
	if route.cfg.Cache != nil && *route.cfg.Cache > 0 && svc.suite.cacheUsable() {
		cacheKey = makeCacheKey("gateway", svc.cfg.Name, route.cfg.Prefix, path)
		cacheTTL = time.Duration(*route.cfg.Cache * float64(time.Second))
		if body, found := svc.suite.cacheFetch(cacheKey, cacheTTL); found {
			resp.Header().Set("Content-Type", "application/json")
			resp.WriteHeader(http.StatusOK)
			_, _ = resp.Write(body)
			return
		}
	}

	// the deadline covers the entire exchange, retries included
	ctx, cancel := context.WithTimeout(req.Context(), route.timeout)
	defer cancel()

	upstream := route.pool.pick()
	t0 := time.Now()
	body, err := route.fetch(ctx, upstream+path)
	svc.suite.reportMetric("relay", float64(time.Since(t0))/1e6,
		"service="+svc.cfg.Name, "upstream="+route.cfg.Service)
	if err != nil {
		status := http.StatusBadGateway
		msg := "upstream request failed"
		if ctx.Err() == context.DeadlineExceeded {
			status = http.StatusGatewayTimeout
			msg = "upstream request timed out"
		}
		svc.logger.Error().Err(err).Str("upstream", upstream).Str("path", path).
			Msg("relay failed")
		svc.writeError(resp, status, msg)
		return
	}
	if !json.Valid(body) {
		svc.logger.Error().Str("upstream", upstream).Str("path", path).
			Msg("upstream returned invalid JSON")
		svc.writeError(resp, http.StatusBadGateway, "upstream returned invalid response")
		return
	}

	out, err := json.MarshalIndent(gwEnvelope{
		Service: route.cfg.Service,
		Data:    json.RawMessage(body),
	}, "", "  ")
	if err != nil {
		svc.logger.Error().Err(err).Msg("error encoding response")
		svc.writeError(resp, http.StatusInternalServerError, "internal error")
		return
	}
	if cacheTTL > 0 {
		svc.suite.cacheStore(cacheKey, out)
	}
	resp.Header().Set("Content-Type", "application/json")
	resp.WriteHeader(http.StatusOK)
	_, _ = resp.Write(out)
}

// fetch performs one GET exchange against the given URL, retrying per the
// route's client settings, and returns the response body. Non-2xx responses
// are errors.
func (route *gwRoute) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := route.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRelayBodySize))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(string(body))
		if len(msg) > 200 {
			msg = msg[:200]
		}
		return nil, &upstreamError{status: resp.StatusCode, body: msg}
	}
	return body, nil
}

type upstreamError struct {
	status int
	body   string
}

func (e *upstreamError) Error() string {
	return "upstream returned HTTP " + http.StatusText(e.status) + ": " + e.body
}

func (gw *gatewayAPI) close() {
	for _, route := range gw.routes {
		route.client.HTTPClient.CloseIdleConnections()
	}
}
