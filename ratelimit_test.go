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

package apisuite_test

import (
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const cfgTestRateLimit = `{
	"version": "1.0.0",
	"services": [
		{
			"name": "ratelimit-demo",
			"kind": "ratelimit",
			"listen": "127.0.0.1:60010",
			"rateLimits": [
				{
					"pathPrefix": "/api/limited",
					"limit": 3,
					"window": 2,
					"message": "Rate limit exceeded. Maximum 3 requests per 2 seconds."
				},
				{
					"pathPrefix": "/api/relaxed",
					"limit": 100,
					"window": 60
				}
			]
		}
	]
}`

func TestRateLimitEnforced(t *testing.T) {
	r := require.New(t)

	cfg := loadCfg(r, cfgTestRateLimit)
	s := startSuite(r, cfg)
	defer s.Stop(time.Second)

	// the first 3 requests in the window pass, with a decreasing
	// remaining count in the headers
	for i := 0; i < 3; i++ {
		_, resp := doGet(r, "http://127.0.0.1:60010/api/limited")
		r.Equal(200, resp.StatusCode)
		r.Equal("3", resp.Header.Get("X-RateLimit-Limit"))
		r.Equal(map[int]string{0: "2", 1: "1", 2: "0"}[i],
			resp.Header.Get("X-RateLimit-Remaining"))
		r.NotEmpty(resp.Header.Get("X-RateLimit-Reset"))
	}

	// the 4th is rejected
	body, resp := doGet(r, "http://127.0.0.1:60010/api/limited")
	r.Equal(429, resp.StatusCode)
	r.NotEmpty(resp.Header.Get("Retry-After"))
	r.Equal("Rate limit exceeded. Maximum 3 requests per 2 seconds.",
		decodeJSON(r, body)["error"])

	// other prefixes are not affected
	_, resp = doGet(r, "http://127.0.0.1:60010/api/relaxed")
	r.Equal(200, resp.StatusCode)
	r.Equal("100", resp.Header.Get("X-RateLimit-Limit"))

	// unmatched paths carry no rate limit headers at all
	_, resp = doGet(r, "http://127.0.0.1:60010/health")
	r.Equal(200, resp.StatusCode)
	r.Empty(resp.Header.Get("X-RateLimit-Limit"))

	// a fresh window admits requests again
	time.Sleep(2100 * time.Millisecond)
	_, resp = doGet(r, "http://127.0.0.1:60010/api/limited")
	r.Equal(200, resp.StatusCode)
	r.Equal("2", resp.Header.Get("X-RateLimit-Remaining"))
}

func TestRateLimitDemoEndpoints(t *testing.T) {
	r := require.New(t)

	cfg := loadCfg(r, `{
		"version": "1.0.0",
		"services": [
			{
				"name": "ratelimit-demo",
				"kind": "ratelimit",
				"listen": "127.0.0.1:60011",
				"rateLimits": [
					{ "pathPrefix": "/api/limited", "limit": 5, "window": 60 }
				]
			}
		]
	}`)
	s := startSuite(r, cfg)
	defer s.Stop(time.Second)

	body, resp := doGet(r, "http://127.0.0.1:60011/")
	r.Equal(200, resp.StatusCode)
	index := decodeJSON(r, body)
	r.Contains(index["message"], "Rate Limiting Demo")
	r.NotZero(index["timestamp"])

	body, resp = doGet(r, "http://127.0.0.1:60011/api/limited")
	r.Equal(200, resp.StatusCode)
	r.Equal("This endpoint has strict rate limits",
		decodeJSON(r, body)["message"])
}

// The redis client connects lazily, so a config with an unreachable store
// validates, starts, and then fails open on every request.
func TestRateLimitRedisFailOpen(t *testing.T) {
	r := require.New(t)

	cfg := loadCfg(r, `{
		"version": "1.0.0",
		"services": [
			{
				"name": "ratelimit-demo",
				"kind": "ratelimit",
				"listen": "127.0.0.1:60012",
				"rateLimits": [
					{ "pathPrefix": "/api/limited", "limit": 1, "window": 60 }
				],
				"rateLimitStore": { "type": "redis", "addr": "127.0.0.1:1" }
			}
		]
	}`)
	s := startSuite(r, cfg)
	defer s.Stop(time.Second)

	// well past the configured limit, yet every request is admitted and
	// no rate limit headers are set
	for i := 0; i < 3; i++ {
		_, resp := doGet(r, "http://127.0.0.1:60012/api/limited")
		r.Equal(200, resp.StatusCode)
		r.Empty(resp.Header.Get("X-RateLimit-Limit"))
	}
}

// Set APISUITE_TEST_REDIS to a reachable redis address (host:port) to run
// the live redis backend test.
func TestRateLimitRedisLive(t *testing.T) {
	addr := os.Getenv("APISUITE_TEST_REDIS")
	if len(addr) == 0 {
		t.Skip("APISUITE_TEST_REDIS not set")
	}
	r := require.New(t)

	cfg := loadCfg(r, fmt.Sprintf(`{
		"version": "1.0.0",
		"services": [
			{
				"name": "ratelimit-demo",
				"kind": "ratelimit",
				"listen": "127.0.0.1:60013",
				"rateLimits": [
					{ "pathPrefix": "/api/limited", "limit": 3, "window": 1 }
				],
				"rateLimitStore": { "type": "redis", "addr": %q }
			}
		]
	}`, addr))
	s := startSuite(r, cfg)
	defer s.Stop(time.Second)

	// let any counter left over from an earlier run expire
	time.Sleep(1100 * time.Millisecond)

	for i := 0; i < 3; i++ {
		_, resp := doGet(r, "http://127.0.0.1:60013/api/limited")
		r.Equal(200, resp.StatusCode)
		r.Equal("3", resp.Header.Get("X-RateLimit-Limit"))
		r.Equal(map[int]string{0: "2", 1: "1", 2: "0"}[i],
			resp.Header.Get("X-RateLimit-Remaining"))
	}

	body, resp := doGet(r, "http://127.0.0.1:60013/api/limited")
	r.Equal(429, resp.StatusCode)
	r.NotEmpty(resp.Header.Get("Retry-After"))
	r.Equal("rate limit exceeded", decodeJSON(r, body)["error"])

	time.Sleep(1100 * time.Millisecond)
	_, resp = doGet(r, "http://127.0.0.1:60013/api/limited")
	r.Equal(200, resp.StatusCode)
	r.Equal("2", resp.Header.Get("X-RateLimit-Remaining"))
}
