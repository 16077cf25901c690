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
	"strings"
)

// SchemaVersion is the semver version of the schema of the suite
// configuration file. Currently this is v1.0.0.
const SchemaVersion = "1.0.0"

//------------------------------------------------------------------------------
// core

// SuiteConfig is the entirety of the configuration supplied to the suite
// runner. It is typically deserialized in from a .json or .yaml file, and
// describes one or more services that will be run within a single process.
type SuiteConfig struct {
	// Version indicates the version of the schema according to which the
	// other fields in this structure should be interpreted. This is in
	// the semver syntax (a trailing `.0` or `.0.0` may be omitted). This
	// field is required, and validation will fail without it.
	Version string `json:"version"`

	// Services is the list of services to run. Each service binds its own
	// listener. At least one service must be configured. See the
	// documentation of the ServiceConfig struct for more info.
	Services []ServiceConfig `json:"services"`
}

// Validate the entire configuration. Returns a list of errors and warnings.
func (c *SuiteConfig) Validate() (r []ValidationResult) {
	return c.validate()
}

// IsValid performs validation (calls Validate() internally) and returns an
// error if the validation finds at least one error. All errors are formatted
// into a single error message, and warnings are not included. For better
// formatting use the Validate() method directly.
func (c *SuiteConfig) IsValid() error {
	var a []string
	for _, r := range c.Validate() {
		if !r.Warn {
			a = append(a, r.Message)
		}
	}
	if len(a) > 0 {
		return fmt.Errorf("%d errors: %s", len(a), strings.Join(a, "; "))
	}
	return nil
}

// ValidationResult holds one entry of the results of validation. The Validate
// method of SuiteConfig returns a slice of these.
type ValidationResult struct {
	// Warn is true if the message is a warning, else it is an error.
	Warn bool

	// Message is the actual textual message describing the error or warning.
	Message string
}

// Service kinds understood by the suite. Each kind wires a fixed set of
// routes onto the service's router.
const (
	KindHello     = "hello"     // greeting demo
	KindCatalog   = "catalog"   // book/author catalogue
	KindUsers     = "users"     // user backend for the gateway demo
	KindOrders    = "orders"    // order backend for the gateway demo
	KindGateway   = "gateway"   // API gateway in front of users/orders
	KindRateLimit = "ratelimit" // rate limiting demo
	KindOps       = "ops"       // health checks and slow-endpoint demo
	KindWeb       = "web"       // server-rendered HTML pages
)

//------------------------------------------------------------------------------
// service

// ServiceConfig describes a single HTTP service within the suite: which
// demo it serves (Kind), where it listens, and the middleware attached to
// it (CORS, compression, request timeout, rate limits).
type ServiceConfig struct {
	// Name uniquely identifies the service within the suite, and must be
	// specified. It is of the format of a fully qualified domain name.
	// Examples: `catalog`, `user-service`
	Name string `json:"name"`

	// Kind selects the route set of the service, and must be one of
	// `hello`, `catalog`, `users`, `orders`, `gateway`, `ratelimit`,
	// `ops` or `web`.
	Kind string `json:"kind"`

	// Listen indicates the `IP` or `IP:port` for the service to bind to and
	// listen on. If the IP is omitted, the service will bind to all
	// interfaces. If port is omitted, it defaults to 8080. IP may be an IPv4
	// or IPv6 literal. Hostnames are not allowed. When specifying an IPv6
	// literal along with a port, enclose the IPv6 literal within square
	// brackets. Examples: `127.0.0.1:8000`, `:9000`, `0.0.0.0:8080`
	Listen string `json:"listen,omitempty"`

	// CommonPrefix will be prefixed to each URI of the service. If
	// specified, must begin with a slash, and must not end with one. Path
	// components can contain only A-Z, a-z, 0-9, _, . or -.
	// Examples: `/api/v1`
	CommonPrefix string `json:"commonPrefix,omitempty"`

	// Banner, if set, is logged once when the service starts.
	Banner string `json:"banner,omitempty"`

	// CORS specifies the Cross Origin Resource Sharing configuration for
	// the service. This is optional, but note that CORS headers will not be
	// added if this is not configured (and therefore the APIs may not be
	// callable from browsers). See the documentation of the CORS struct.
	CORS *CORS `json:"cors,omitempty"`

	// Compression enables the transparent use of gzip and deflate content
	// encoding. Outgoing responses from the service will be automatically
	// compressed if the client request indicates support for it.
	Compression bool `json:"compression,omitempty"`

	// RequestTimeout in seconds bounds the handling of each request. When
	// it elapses the client receives a 504 with a JSON error body. Ignored
	// if <= 0.
	RequestTimeout *float64 `json:"requestTimeout,omitempty"`

	// RateLimits attach per-client rate limits to groups of URIs. Each
	// entry covers the URIs sharing its path prefix; the longest matching
	// prefix wins. See the documentation of the RateLimit struct.
	RateLimits []RateLimit `json:"rateLimits,omitempty"`

	// RateLimitStore selects where limiter state lives. See the
	// documentation of the RateLimitStore struct. Defaults to an
	// in-process store.
	RateLimitStore *RateLimitStore `json:"rateLimitStore,omitempty"`

	// Debug enables debug logging of all requests served by this service.
	Debug bool `json:"debug,omitempty"`

	// Catalog configures the catalogue service. Required for (and only
	// valid for) kind `catalog`.
	Catalog *CatalogConfig `json:"catalog,omitempty"`

	// Gateway configures the gateway service. Required for (and only valid
	// for) kind `gateway`.
	Gateway *GatewayConfig `json:"gateway,omitempty"`

	// Ops configures the ops service. Only valid for kind `ops`.
	Ops *OpsConfig `json:"ops,omitempty"`

	// Web configures the web service. Required for (and only for) kind
	// `web`.
	Web *WebConfig `json:"web,omitempty"`
}

//------------------------------------------------------------------------------
// cors

// CORS specifies the Cross Origin Resource Sharing configuration for a
// service.
type CORS struct {
	// AllowedOrigins is a list of origins a cross-domain request can be
	// executed from. If the special `*` value is present in the list, all
	// origins will be allowed. An origin may contain a wildcard (*) to
	// replace 0 or more characters (i.e.: http://*.domain.com). Only one
	// wildcard can be used per origin. Default value is [`*`].
	AllowedOrigins []string `json:"allowedOrigins,omitempty"`

	// AllowedMethods is a list of methods the client is allowed to use with
	// cross-domain requests. Default value is [`HEAD`, `GET`, `POST`].
	AllowedMethods []string `json:"allowedMethods,omitempty"`

	// AllowedHeaders is list of non simple headers the client is allowed to
	// use with cross-domain requests. If the special `*` value is present
	// in the list, all headers will be allowed. Default value is [] but
	// `Origin` is always appended to the list.
	AllowedHeaders []string `json:"allowedHeaders,omitempty"`

	// ExposedHeaders indicates which headers are safe to expose to the API
	// of a CORS API specification.
	ExposedHeaders []string `json:"exposedHeaders,omitempty"`

	// AllowCredentials indicates whether the request can include user
	// credentials like cookies, HTTP authentication or client side SSL
	// certificates.
	AllowCredentials bool `json:"allowCredentials,omitempty"`

	// MaxAge indicates how long (in seconds) the results of a preflight
	// request can be cached without sending another preflight request.
	MaxAge *int `json:"maxAge,omitempty"`

	// Debug enables logging of CORS-related decisions for every endpoint.
	Debug bool `json:"debug,omitempty"`
}

//------------------------------------------------------------------------------
// rate limiting

// RateLimit attaches a fixed-window, per-client-IP rate limit to the URIs
// sharing a path prefix. Clients over the limit receive a 429 with a JSON
// error body and a Retry-After header. Responses under the limit carry
// X-RateLimit-Limit, X-RateLimit-Remaining and X-RateLimit-Reset headers.
type RateLimit struct {
	// PathPrefix selects the URIs this limit covers. Must start with a
	// slash. `/` covers the whole service. The longest configured prefix
	// matching a request wins.
	PathPrefix string `json:"pathPrefix"`

	// Limit is the number of requests allowed per window per client.
	// Must be > 0.
	Limit int `json:"limit"`

	// Window is the length of the fixed window in seconds. If omitted,
	// defaults to 60.
	Window *float64 `json:"window,omitempty"`

	// Message optionally overrides the error message returned to
	// over-limit clients.
	Message string `json:"message,omitempty"`
}

// RateLimitStore selects the backing store for rate limiter state. The
// in-process store is suitable for a single instance; the redis store
// shares counters between instances.
type RateLimitStore struct {
	// Type is one of `memory` or `redis`. Defaults to `memory`.
	Type string `json:"type,omitempty"`

	// Addr is the `host:port` of the redis server. Required for type
	// `redis`, ignored otherwise.
	Addr string `json:"addr,omitempty"`

	// Password for the redis server, if any.
	Password string `json:"password,omitempty"`

	// DB is the redis database number.
	DB int `json:"db,omitempty"`
}

//------------------------------------------------------------------------------
// catalog

// CatalogConfig configures the catalogue service's backing store.
type CatalogConfig struct {
	// Store is one of `memory`, `sqlite` or `postgres`. Defaults to
	// `memory`.
	Store string `json:"store,omitempty"`

	// Path is the sqlite database file. Required for store `sqlite`,
	// ignored otherwise.
	Path string `json:"path,omitempty"`

	// URL is the postgres connection URL. Required for store `postgres`,
	// ignored otherwise. The usual PG* environment variables are honored.
	URL string `json:"url,omitempty"`

	// ConnectTimeout in seconds for establishing the postgres connection.
	// Ignored if <= 0 or for other stores.
	ConnectTimeout *float64 `json:"connectTimeout,omitempty"`

	// Seed loads a small set of books and authors into an empty store at
	// startup.
	Seed bool `json:"seed,omitempty"`

	// SearchCache caches search results for these many seconds. The suite
	// must be started with a RuntimeInterface that supports caching for
	// this to work. The cache entry is specific to the query string.
	// Ignored if <= 0.
	SearchCache *float64 `json:"searchCache,omitempty"`
}

//------------------------------------------------------------------------------
// gateway

// GatewayConfig configures the gateway service.
type GatewayConfig struct {
	// Routes is the list of proxied route groups. At least one is required.
	Routes []GatewayRoute `json:"routes"`
}

// GatewayRoute describes one proxied route group: GET requests matching
// `{Prefix}/*` are forwarded to one of the Upstreams (selected round-robin)
// with the remainder of the path appended, and the upstream's JSON body is
// relayed inside a `{"service": ..., "data": ...}` envelope.
type GatewayRoute struct {
	// Prefix is the local URI prefix, e.g. `/api/users`. Must start with a
	// slash and not end with one.
	Prefix string `json:"prefix"`

	// Service is the logical name of the upstream service, echoed in the
	// response envelope. Required.
	Service string `json:"service"`

	// Upstreams are the base URLs of the upstream instances, e.g.
	// `http://127.0.0.1:8081`. At least one is required. Requests are
	// spread over the instances round-robin.
	Upstreams []string `json:"upstreams"`

	// Timeout in seconds for the complete upstream exchange, including
	// retries. If omitted, defaults to 10.
	Timeout *float64 `json:"timeout,omitempty"`

	// Retries is the number of times a failed upstream call is retried
	// (with backoff) before the gateway gives up. If omitted, defaults
	// to 2. Retried calls may land on a different upstream instance.
	Retries *int `json:"retries,omitempty"`

	// Cache relayed responses for these many seconds. The suite must be
	// started with a RuntimeInterface that supports caching for this to
	// work. The cache entry is specific to the forwarded path. Ignored
	// if <= 0.
	Cache *float64 `json:"cache,omitempty"`
}

//------------------------------------------------------------------------------
// ops

// OpsConfig configures the ops service: background health probes and the
// deliberately slow endpoint used to exercise request timeouts.
type OpsConfig struct {
	// Checks is the list of health checks reported by /health and probed
	// in the background for /health/detail.
	Checks []HealthCheck `json:"checks,omitempty"`

	// ProbeSchedule is the CRON-style 5-part schedule on which the checks
	// are probed in the background. Strings like `@every 30s` are also
	// accepted. If omitted, defaults to `@every 30s`.
	ProbeSchedule string `json:"probeSchedule,omitempty"`

	// SlowDelay in seconds is how long the /slow endpoint takes to answer.
	// If omitted, defaults to 35 (so that a 30s request timeout trips).
	SlowDelay *float64 `json:"slowDelay,omitempty"`
}

// HealthCheck describes a single dependency probed by the ops service.
type HealthCheck struct {
	// Name identifies the check in health responses, e.g. `database`,
	// `cache`. Required, unique per service.
	Name string `json:"name"`

	// Type is one of `tcp`, `http` or `redis`.
	Type string `json:"type"`

	// Target is the probe target: `host:port` for tcp and redis, a URL
	// for http. Required.
	Target string `json:"target"`

	// Timeout in seconds for the probe. If omitted, defaults to 5.
	Timeout *float64 `json:"timeout,omitempty"`
}

//------------------------------------------------------------------------------
// web

// WebConfig configures the server-rendered web service.
type WebConfig struct {
	// TemplateGlob locates the HTML templates, e.g.
	// `web/templates/*.html`. Required.
	TemplateGlob string `json:"templateGlob"`

	// StaticDir is a directory served as static files under StaticPrefix.
	// Optional.
	StaticDir string `json:"staticDir,omitempty"`

	// StaticPrefix is the URI prefix for static files. Defaults to
	// `/static`.
	StaticPrefix string `json:"staticPrefix,omitempty"`

	// SessionKey is the secret used to authenticate the session cookie
	// that carries the contact form confirmation between requests.
	// Required.
	SessionKey string `json:"sessionKey"`
}
