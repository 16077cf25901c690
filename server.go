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
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/robfig/cron/v3"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
)

const (
	readTimeout  = time.Minute
	writeTimeout = 5 * time.Minute
	idleTimeout  = 2 * time.Minute
)

// Suite runs the set of services described by a SuiteConfig. For some
// features, it relies on external dependencies which are injected using a
// RuntimeInterface object.
type Suite struct {
	cfg      *SuiteConfig
	rti      *RuntimeInterface
	logger   zerolog.Logger
	services []*service
	c        *cron.Cron

	bgctx       context.Context
	bgctxcancel context.CancelFunc
}

// NewSuite creates a new Suite object, given a suite configuration object
// and an optional runtime interface. The configuration must be valid,
// otherwise an error is returned. The runtime interface, while optional, is
// required for caching and logging.
func NewSuite(cfg *SuiteConfig, rti *RuntimeInterface) (*Suite, error) {
	if cfg == nil {
		return nil, errors.New("invalid configuration: is nil")
	}
	if err := cfg.IsValid(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	s := &Suite{
		cfg: cfg,
		rti: rti,
	}

	// setup logger
	if rti == nil || rti.Logger == nil {
		s.logger = zerolog.Nop()
	} else {
		s.logger = *rti.Logger
	}

	// setup cron (used by background probes and limiter sweeps)
	s.c = newCron(s.logger)

	return s, nil
}

// Start all configured services. Each service binds its own listener; if
// any service fails to start, the ones already started are stopped and the
// error is returned.
func (s *Suite) Start() (err error) {
	// create a cancellable context for running background tasks
	s.bgctx, s.bgctxcancel = context.WithCancel(context.Background())

	for i := range s.cfg.Services {
		svc := newService(s, &s.cfg.Services[i])
		if err := svc.start(); err != nil {
			s.logger.Error().Err(err).Str("service", svc.cfg.Name).
				Msg("failed to start service")
			s.shutdown(time.Second)
			return err
		}
		s.services = append(s.services, svc)
	}
	s.c.Start()

	s.logger.Info().Int("services", len(s.services)).Msg("suite started successfully")
	return nil
}

// Stop the suite. Each service will wait for up to the specified timeout
// for in-flight requests to finish.
func (s *Suite) Stop(timeout time.Duration) error {
	if s.bgctxcancel == nil {
		return nil
	}
	s.logger.Info().Float64("timeout", float64(timeout)/1e6).
		Msg("stop request received, shutting down")
	err := s.shutdown(timeout)
	s.logger.Info().Msg("suite stopped")
	return err
}

func (s *Suite) shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// stop cron
	s.c.Stop()
	s.bgctxcancel()
	<-s.bgctx.Done()

	// stop services
	var last error
	for _, svc := range s.services {
		if err := svc.stop(ctx); err != nil {
			last = err
		}
	}
	s.services = nil
	return last
}

func (s *Suite) reportMetric(name string, value float64, labels ...string) {
	if s.rti != nil && s.rti.ReportMetric != nil {
		s.rti.ReportMetric(name, labels, value)
	}
}

//------------------------------------------------------------------------------
// cron

func newCron(logger zerolog.Logger) *cron.Cron {
	l := loggerForCron{logger}
	return cron.New(cron.WithLogger(&l))
}

type loggerForCron struct {
	logger zerolog.Logger
}

func (l *loggerForCron) Info(msg string, keysAndValues ...interface{}) {
	// too verbose
}

func (l *loggerForCron) Error(err error, msg string, keysAndValues ...interface{}) {
	e := l.logger.Error().Err(err).Bool("crond", true)
	for i := 0; i < len(keysAndValues)/2; i += 2 {
		e = e.Str(fmt.Sprintf("%v", keysAndValues[i]), fmt.Sprintf("%v", keysAndValues[i+1]))
	}
	e.Msg(msg)
}

//------------------------------------------------------------------------------
// service

// service is one running HTTP service of the suite.
type service struct {
	cfg    *ServiceConfig
	suite  *Suite
	logger zerolog.Logger
	srv    *http.Server

	limiter *rateLimiter
	store   CatalogStore
	hub     *feedHub
	gw      *gatewayAPI
	ops     *opsState
	web     *webApp
}

func newService(suite *Suite, cfg *ServiceConfig) *service {
	return &service{
		cfg:    cfg,
		suite:  suite,
		logger: suite.logger.With().Str("service", cfg.Name).Logger(),
	}
}

func (svc *service) start() error {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	svc.setupCORS(r)
	if svc.cfg.RequestTimeout != nil && *svc.cfg.RequestTimeout > 0 {
		r.Use(middleware.Timeout(time.Duration(*svc.cfg.RequestTimeout * float64(time.Second))))
	}
	if len(svc.cfg.RateLimits) > 0 {
		limiter, err := newRateLimiter(svc)
		if err != nil {
			return err
		}
		svc.limiter = limiter
		r.Use(limiter.middleware)
	}
	r.Use(svc.requestLogger)
	r.NotFound(func(resp http.ResponseWriter, req *http.Request) {
		svc.writeError(resp, http.StatusNotFound, "no such endpoint")
	})

	if err := svc.setupRoutes(r); err != nil {
		return err
	}

	var h http.Handler = r
	if svc.cfg.Compression {
		h = middleware.Compress(5)(h)
	}
	l := normListen(svc.cfg.Listen)
	lnr, err := net.Listen("tcp", l)
	if err != nil {
		return err
	}
	svc.srv = &http.Server{
		Addr:         l,
		Handler:      h,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}
	go svc.srv.Serve(lnr)

	e := svc.logger.Info().Str("kind", svc.cfg.Kind).Str("listen", l)
	if len(svc.cfg.Banner) > 0 {
		e = e.Str("banner", svc.cfg.Banner)
	}
	e.Msg("service started")
	return nil
}

func (svc *service) stop(ctx context.Context) error {
	if svc.srv == nil {
		return nil
	}
	err := svc.srv.Shutdown(ctx)
	svc.srv = nil
	if svc.hub != nil {
		svc.hub.stop()
	}
	if svc.gw != nil {
		svc.gw.close()
	}
	if svc.store != nil {
		if err2 := svc.store.Close(); err2 != nil {
			svc.logger.Warn().Err(err2).Msg("failed to close catalogue store")
		}
	}
	if svc.limiter != nil {
		svc.limiter.close()
	}
	svc.logger.Info().Msg("service stopped")
	return err
}

// setupRoutes installs this service's route set onto the router. This is
// the explicit registration table standing in for the original demos'
// attribute-based route registration.
func (svc *service) setupRoutes(r *chi.Mux) error {
	switch svc.cfg.Kind {
	case KindHello:
		svc.routeHello(r)
	case KindCatalog:
		return svc.routeCatalog(r)
	case KindUsers:
		svc.routeUsers(r)
	case KindOrders:
		svc.routeOrders(r)
	case KindGateway:
		return svc.routeGateway(r)
	case KindRateLimit:
		svc.routeRateLimitDemo(r)
	case KindOps:
		return svc.routeOps(r)
	case KindWeb:
		return svc.routeWeb(r)
	default: // should not happen with valid config
		return fmt.Errorf("service %q: unknown kind %q", svc.cfg.Name, svc.cfg.Kind)
	}
	return nil
}

// uri prepends the service's common prefix to a route pattern.
func (svc *service) uri(p string) string {
	return svc.cfg.CommonPrefix + p
}

//------------------------------------------------------------------------------
// middleware

type loggerForCORS struct { // implements cors.Logger
	logger zerolog.Logger
}

func (l *loggerForCORS) Printf(f string, args ...interface{}) {
	l.logger.Debug().Msgf(f, args...)
}

func (svc *service) setupCORS(r *chi.Mux) {
	corsCfg := svc.cfg.CORS
	if corsCfg == nil {
		return
	}
	options := cors.Options{
		AllowedOrigins:   corsCfg.AllowedOrigins,
		AllowedMethods:   corsCfg.AllowedMethods,
		AllowedHeaders:   corsCfg.AllowedHeaders,
		ExposedHeaders:   corsCfg.ExposedHeaders,
		AllowCredentials: corsCfg.AllowCredentials,
		Debug:            corsCfg.Debug,
	}
	if corsCfg.MaxAge != nil && *corsCfg.MaxAge > 0 {
		options.MaxAge = *corsCfg.MaxAge
	}
	c := cors.New(options)
	if corsCfg.Debug {
		c.Log = &loggerForCORS{logger: svc.logger.With().Bool("cors", true).Logger()}
	}
	r.Use(c.Handler)
}

// statusWriter captures the response status and size for request logging.
type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *statusWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack is required for websocket upgrades to pass through the wrapper.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := w.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacking not supported")
}

func (svc *service) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(resp http.ResponseWriter, req *http.Request) {
		t0 := time.Now()
		sw := &statusWriter{ResponseWriter: resp}
		next.ServeHTTP(sw, req)
		elapsed := time.Since(t0)
		svc.suite.reportMetric("serve", float64(elapsed)/1e6,
			"service="+svc.cfg.Name, "path="+req.URL.Path)
		if svc.cfg.Debug {
			svc.logger.Debug().
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Str("ip", getRealIP(req)).
				Int("status", sw.status).
				Int("bytes", sw.bytes).
				Float64("elapsed", float64(elapsed)/1e6).
				Msg("request served")
		}
	})
}

// getRealIP returns the originating IP address for the HTTP request.
func getRealIP(r *http.Request) string {
	// 1. if "X-Forwarded-For" is set, use the first one from it
	if ff := r.Header.Get("X-Forwarded-For"); len(ff) > 0 {
		if p := strings.Index(ff, ","); p != -1 {
			ff = ff[:p]
		}
		return ff
	}

	// 2. if "X-Real-Ip" header is set, use that
	if rip := r.Header.Get("X-Real-Ip"); len(rip) > 0 {
		return rip
	}

	// 3. use remote addr of socket
	ip := r.RemoteAddr
	if p := strings.LastIndex(ip, ":"); p != -1 {
		ip = ip[:p]
	}
	return ip
}

//------------------------------------------------------------------------------
// response helpers

type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON writes v as an indented JSON body with the given status code.
func (svc *service) writeJSON(resp http.ResponseWriter, status int, v any) {
	resp.Header().Set("Content-Type", "application/json")
	resp.WriteHeader(status)
	enc := json.NewEncoder(resp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		svc.logger.Error().Err(err).Msg("error writing response")
	}
}

// writeError writes a JSON error envelope with the given status code.
func (svc *service) writeError(resp http.ResponseWriter, status int, msg string) {
	svc.writeJSON(resp, status, errorResponse{Error: msg})
}

// getCT extracts the media type from the request's Content-Type header.
func getCT(req *http.Request) (out string) {
	out = req.Header.Get("Content-Type")
	if pos := strings.IndexByte(out, ';'); pos > 0 {
		out = out[:pos]
	}
	return
}
