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
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/robfig/cron/v3"
	"golang.org/x/mod/semver"
)

//------------------------------------------------------------------------------

func addWarn(r []ValidationResult, msg string) []ValidationResult {
	return append(r, ValidationResult{
		Warn:    true,
		Message: msg,
	})
}

func addError(r []ValidationResult, msg string) []ValidationResult {
	return append(r, ValidationResult{
		Warn:    false,
		Message: msg,
	})
}

//------------------------------------------------------------------------------
// suite

var (
	rxPort   = regexp.MustCompile(`:[0-9]+$`)
	rxPrefix = regexp.MustCompile(`^(/[A-Za-z0-9_.-]+)+$`)
	rxName   = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_-]*(\.[A-Za-z0-9_][A-Za-z0-9_-]*)*$`)
)

func (c *SuiteConfig) validate() (r []ValidationResult) {
	// Version
	if !semver.IsValid("v" + c.Version) {
		r = addError(r, fmt.Sprintf("invalid schema version %q: must be semver", c.Version))
	} else if semver.Canonical("v"+c.Version) != "v1.0.0" {
		r = addError(r, fmt.Sprintf("incompatible schema version %q", c.Version))
	}
	// Services
	if len(c.Services) == 0 {
		r = addError(r, "no services configured")
	}
	names := make(map[string]int)
	listens := make(map[string]int)
	for i := range c.Services {
		names[c.Services[i].Name] += 1
		listens[normListen(c.Services[i].Listen)] += 1
		r = append(r, c.Services[i].validate()...)
	}
	// check uniqueness of service names
	for n, c := range names {
		if c > 1 {
			r = addError(r, fmt.Sprintf("%d services named %q", c, n))
		}
	}
	// check uniqueness of listen addresses
	for l, c := range listens {
		if c > 1 {
			r = addError(r, fmt.Sprintf("%d services listening on %q", c, l))
		}
	}
	return
}

// normListen expands a listen spec to its effective `host:port` form, so
// that `127.0.0.1` and `127.0.0.1:8080` collide during uniqueness checks.
func normListen(l string) string {
	if !rxPort.MatchString(l) {
		l += ":8080"
	}
	return l
}

//------------------------------------------------------------------------------
// service

var validKinds = map[string]bool{
	KindHello:     true,
	KindCatalog:   true,
	KindUsers:     true,
	KindOrders:    true,
	KindGateway:   true,
	KindRateLimit: true,
	KindOps:       true,
	KindWeb:       true,
}

func (s *ServiceConfig) validate() (r []ValidationResult) {
	pfx := fmt.Sprintf("service %q:", s.Name)
	// Name
	if !rxName.MatchString(s.Name) {
		r = addError(r, fmt.Sprintf("service %q: invalid name", s.Name))
	}
	// Kind
	if !validKinds[s.Kind] {
		r = addError(r, fmt.Sprintf("%s invalid kind %q", pfx, s.Kind))
	}
	// Listen
	if len(s.Listen) > 0 {
		l := normListen(s.Listen)
		if host, port, err := net.SplitHostPort(l); err != nil {
			r = addError(r, fmt.Sprintf("%s invalid listen specification %q", pfx, s.Listen))
		} else if nport, err := strconv.Atoi(port); err != nil || nport <= 0 || nport >= 65535 {
			r = addError(r, fmt.Sprintf("%s invalid listen specification: bad port %q", pfx, port))
		} else if host != "" && net.ParseIP(host) == nil {
			r = addError(r, fmt.Sprintf("%s invalid listen specification: bad IP %q", pfx, host))
		}
	}
	// CommonPrefix
	if len(s.CommonPrefix) > 0 {
		if !rxPrefix.MatchString(s.CommonPrefix) {
			r = addError(r, fmt.Sprintf("%s invalid common prefix %q", pfx, s.CommonPrefix))
		}
	}
	// CORS
	if s.CORS != nil {
		r = append(r, s.CORS.validate(pfx)...)
	}
	// RequestTimeout
	if s.RequestTimeout != nil && *s.RequestTimeout <= 0 {
		r = addWarn(r, fmt.Sprintf("%s request timeout %g is <=0, will be ignored",
			pfx, *s.RequestTimeout))
	}
	// RateLimits
	prefixes := make(map[string]int)
	for i := range s.RateLimits {
		prefixes[s.RateLimits[i].PathPrefix] += 1
		r = append(r, s.RateLimits[i].validate(pfx)...)
	}
	for p, c := range prefixes {
		if c > 1 {
			r = addError(r, fmt.Sprintf("%s %d rate limits with same path prefix %q", pfx, c, p))
		}
	}
	// RateLimitStore
	if s.RateLimitStore != nil {
		r = append(r, s.RateLimitStore.validate(pfx)...)
	}
	// per-kind sections
	if s.Kind == KindCatalog && s.Catalog == nil {
		r = addError(r, pfx+" catalog section required for kind 'catalog'")
	}
	if s.Catalog != nil {
		if s.Kind != KindCatalog {
			r = addWarn(r, fmt.Sprintf("%s catalog section is ignored for kind %q", pfx, s.Kind))
		}
		r = append(r, s.Catalog.validate(pfx)...)
	}
	if s.Kind == KindGateway && s.Gateway == nil {
		r = addError(r, pfx+" gateway section required for kind 'gateway'")
	}
	if s.Gateway != nil {
		if s.Kind != KindGateway {
			r = addWarn(r, fmt.Sprintf("%s gateway section is ignored for kind %q", pfx, s.Kind))
		}
		r = append(r, s.Gateway.validate(pfx)...)
	}
	if s.Ops != nil {
		if s.Kind != KindOps {
			r = addWarn(r, fmt.Sprintf("%s ops section is ignored for kind %q", pfx, s.Kind))
		}
		r = append(r, s.Ops.validate(pfx)...)
	}
	if s.Kind == KindWeb && s.Web == nil {
		r = addError(r, pfx+" web section required for kind 'web'")
	}
	if s.Web != nil {
		if s.Kind != KindWeb {
			r = addWarn(r, fmt.Sprintf("%s web section is ignored for kind %q", pfx, s.Kind))
		}
		r = append(r, s.Web.validate(pfx)...)
	}
	return
}

//------------------------------------------------------------------------------
// service -> cors

var rxMethod = regexp.MustCompile(`^((GET)|(POST)|(PUT)|(PATCH)|(DELETE)|(HEAD)|(OPTIONS))$`)

func (c *CORS) validate(pfx string) (r []ValidationResult) {
	// AllowedOrigins
	for _, o := range c.AllowedOrigins {
		if n := strings.Count(o, "*"); n > 1 {
			r = addError(r, fmt.Sprintf("%s cors: allowed origin %q: can use only 1 wildcard",
				pfx, o))
		}
	}
	// AllowedMethods
	for _, m := range c.AllowedMethods {
		if !rxMethod.MatchString(m) {
			r = addError(r, fmt.Sprintf("%s cors: allowed methods: invalid method %q",
				pfx, m))
		}
	}
	// MaxAge
	if c.MaxAge != nil && *c.MaxAge <= 0 {
		r = addWarn(r, fmt.Sprintf("%s cors: max age %d is <=0, will be ignored",
			pfx, *c.MaxAge))
	}
	return
}

//------------------------------------------------------------------------------
// service -> rate limits

func (l *RateLimit) validate(pfx string) (r []ValidationResult) {
	if !rxPrefix.MatchString(l.PathPrefix) && l.PathPrefix != "/" {
		r = addError(r, fmt.Sprintf("%s rate limit: invalid path prefix %q",
			pfx, l.PathPrefix))
	}
	if l.Limit <= 0 {
		r = addError(r, fmt.Sprintf("%s rate limit %q: limit %d must be > 0",
			pfx, l.PathPrefix, l.Limit))
	}
	if l.Window != nil && *l.Window <= 0 {
		r = addError(r, fmt.Sprintf("%s rate limit %q: window %g must be > 0",
			pfx, l.PathPrefix, *l.Window))
	}
	return
}

func (s *RateLimitStore) validate(pfx string) (r []ValidationResult) {
	if s.Type != "" && s.Type != "memory" && s.Type != "redis" {
		r = addError(r, fmt.Sprintf("%s rate limit store: invalid type %q", pfx, s.Type))
	}
	if s.Type == "redis" && len(s.Addr) == 0 {
		r = addError(r, pfx+" rate limit store: addr required for type 'redis'")
	}
	return
}

//------------------------------------------------------------------------------
// service -> catalog

func (c *CatalogConfig) validate(pfx string) (r []ValidationResult) {
	switch c.Store {
	case "", "memory":
		// nothing more to check
	case "sqlite":
		if len(c.Path) == 0 {
			r = addError(r, pfx+" catalog: path required for store 'sqlite'")
		}
	case "postgres":
		if len(c.URL) == 0 {
			r = addError(r, pfx+" catalog: url required for store 'postgres'")
		}
	default:
		r = addError(r, fmt.Sprintf("%s catalog: invalid store %q", pfx, c.Store))
	}
	if c.ConnectTimeout != nil && *c.ConnectTimeout <= 0 {
		r = addWarn(r, fmt.Sprintf("%s catalog: connect timeout %g is <=0, will be ignored",
			pfx, *c.ConnectTimeout))
	}
	if c.SearchCache != nil && *c.SearchCache <= 0 {
		r = addWarn(r, fmt.Sprintf("%s catalog: search cache ttl %g is <=0, will be ignored",
			pfx, *c.SearchCache))
	}
	return
}

//------------------------------------------------------------------------------
// service -> gateway

func (g *GatewayConfig) validate(pfx string) (r []ValidationResult) {
	if len(g.Routes) == 0 {
		r = addError(r, pfx+" gateway: no routes configured")
	}
	prefixes := make(map[string]int)
	for i := range g.Routes {
		prefixes[g.Routes[i].Prefix] += 1
		r = append(r, g.Routes[i].validate(pfx)...)
	}
	for p, c := range prefixes {
		if c > 1 {
			r = addError(r, fmt.Sprintf("%s gateway: %d routes with same prefix %q", pfx, c, p))
		}
	}
	return
}

func (gr *GatewayRoute) validate(pfx string) (r []ValidationResult) {
	if !rxPrefix.MatchString(gr.Prefix) {
		r = addError(r, fmt.Sprintf("%s gateway route %q: invalid prefix", pfx, gr.Prefix))
	}
	if !rxName.MatchString(gr.Service) {
		r = addError(r, fmt.Sprintf("%s gateway route %q: invalid service name %q",
			pfx, gr.Prefix, gr.Service))
	}
	if len(gr.Upstreams) == 0 {
		r = addError(r, fmt.Sprintf("%s gateway route %q: no upstreams", pfx, gr.Prefix))
	}
	for i, u := range gr.Upstreams {
		p, err := url.Parse(u)
		if err != nil || (p.Scheme != "http" && p.Scheme != "https") || p.Host == "" {
			r = addError(r, fmt.Sprintf("%s gateway route %q: upstream #%d: invalid URL %q",
				pfx, gr.Prefix, i+1, u))
		}
	}
	if gr.Timeout != nil && *gr.Timeout <= 0 {
		r = addWarn(r, fmt.Sprintf("%s gateway route %q: timeout %g is <=0, will be ignored",
			pfx, gr.Prefix, *gr.Timeout))
	}
	if gr.Retries != nil && *gr.Retries < 0 {
		r = addError(r, fmt.Sprintf("%s gateway route %q: retries %d must be >= 0",
			pfx, gr.Prefix, *gr.Retries))
	}
	if gr.Cache != nil && *gr.Cache <= 0 {
		r = addWarn(r, fmt.Sprintf("%s gateway route %q: cache ttl %g is <=0, will be ignored",
			pfx, gr.Prefix, *gr.Cache))
	}
	return
}

//------------------------------------------------------------------------------
// service -> ops

var stdCronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func (o *OpsConfig) validate(pfx string) (r []ValidationResult) {
	if len(o.ProbeSchedule) > 0 {
		if _, err := stdCronParser.Parse(o.ProbeSchedule); err != nil {
			r = addError(r, fmt.Sprintf("%s ops: invalid probe schedule: %v", pfx, err))
		}
	}
	if o.SlowDelay != nil && *o.SlowDelay <= 0 {
		r = addWarn(r, fmt.Sprintf("%s ops: slow delay %g is <=0, will be ignored",
			pfx, *o.SlowDelay))
	}
	names := make(map[string]int)
	for i := range o.Checks {
		names[o.Checks[i].Name] += 1
		r = append(r, o.Checks[i].validate(pfx)...)
	}
	for n, c := range names {
		if c > 1 {
			r = addError(r, fmt.Sprintf("%s ops: %d checks named %q", pfx, c, n))
		}
	}
	return
}

func (h *HealthCheck) validate(pfx string) (r []ValidationResult) {
	if !rxName.MatchString(h.Name) {
		r = addError(r, fmt.Sprintf("%s ops check %q: invalid name", pfx, h.Name))
	}
	switch h.Type {
	case "tcp", "redis":
		if _, _, err := net.SplitHostPort(h.Target); err != nil {
			r = addError(r, fmt.Sprintf("%s ops check %q: invalid target %q",
				pfx, h.Name, h.Target))
		}
	case "http":
		p, err := url.Parse(h.Target)
		if err != nil || (p.Scheme != "http" && p.Scheme != "https") || p.Host == "" {
			r = addError(r, fmt.Sprintf("%s ops check %q: invalid target URL %q",
				pfx, h.Name, h.Target))
		}
	default:
		r = addError(r, fmt.Sprintf("%s ops check %q: invalid type %q", pfx, h.Name, h.Type))
	}
	if h.Timeout != nil && *h.Timeout <= 0 {
		r = addWarn(r, fmt.Sprintf("%s ops check %q: timeout %g is <=0, will be ignored",
			pfx, h.Name, *h.Timeout))
	}
	return
}

//------------------------------------------------------------------------------
// service -> web

func (w *WebConfig) validate(pfx string) (r []ValidationResult) {
	if len(w.TemplateGlob) == 0 {
		r = addError(r, pfx+" web: templateGlob must be specified")
	}
	if len(w.StaticPrefix) > 0 && !rxPrefix.MatchString(w.StaticPrefix) {
		r = addError(r, fmt.Sprintf("%s web: invalid static prefix %q", pfx, w.StaticPrefix))
	}
	if len(w.SessionKey) == 0 {
		r = addError(r, pfx+" web: sessionKey must be specified")
	}
	return
}
