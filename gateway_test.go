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
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func jsonUpstream(body string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(
		func(resp http.ResponseWriter, req *http.Request) {
			resp.Header().Set("Content-Type", "application/json")
			fmt.Fprintln(resp, body)
		}))
}

func TestGatewayRelay(t *testing.T) {
	r := require.New(t)

	up := httptest.NewServer(http.HandlerFunc(
		func(resp http.ResponseWriter, req *http.Request) {
			resp.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(resp, `{"path": %q}`, req.URL.Path)
		}))
	defer up.Close()

	cfg := loadCfg(r, fmt.Sprintf(`{
		"version": "1.0.0",
		"services": [
			{
				"name": "gateway",
				"kind": "gateway",
				"listen": "127.0.0.1:60030",
				"gateway": {
					"routes": [
						{
							"prefix": "/api/users",
							"service": "users",
							"upstreams": [ %q ],
							"timeout": 5,
							"retries": 1
						}
					]
				}
			}
		]
	}`, up.URL+"/users"))
	s := startSuite(r, cfg)
	defer s.Stop(time.Second)

	// the upstream body is relayed inside the service envelope, with the
	// path remainder appended to the upstream base URL
	body, resp := doGet(r, "http://127.0.0.1:60030/api/users/42")
	r.Equal(200, resp.StatusCode)
	env := decodeJSON(r, body)
	r.Equal("users", env["service"])
	data, ok := env["data"].(map[string]any)
	r.True(ok)
	r.Equal("/users/42", data["path"])

	// a bare prefix request hits the upstream base URL itself
	body, resp = doGet(r, "http://127.0.0.1:60030/api/users")
	r.Equal(200, resp.StatusCode)
	data = decodeJSON(r, body)["data"].(map[string]any)
	r.Equal("/users", data["path"])

	// the gateway index lists the routes
	body, resp = doGet(r, "http://127.0.0.1:60030/")
	r.Equal(200, resp.StatusCode)
	r.Contains(decodeJSON(r, body)["message"], "gateway")
}

func TestGatewayRoundRobin(t *testing.T) {
	r := require.New(t)

	up1 := jsonUpstream(`{"instance": 1}`)
	defer up1.Close()
	up2 := jsonUpstream(`{"instance": 2}`)
	defer up2.Close()

	cfg := loadCfg(r, fmt.Sprintf(`{
		"version": "1.0.0",
		"services": [
			{
				"name": "gateway",
				"kind": "gateway",
				"listen": "127.0.0.1:60031",
				"gateway": {
					"routes": [
						{
							"prefix": "/api/users",
							"service": "users",
							"upstreams": [ %q, %q ],
							"timeout": 5,
							"retries": 0
						}
					]
				}
			}
		]
	}`, up1.URL, up2.URL))
	s := startSuite(r, cfg)
	defer s.Stop(time.Second)

	// successive requests alternate between the two instances
	seen := make([]float64, 0, 4)
	for i := 0; i < 4; i++ {
		body, resp := doGet(r, "http://127.0.0.1:60031/api/users")
		r.Equal(200, resp.StatusCode)
		data := decodeJSON(r, body)["data"].(map[string]any)
		seen = append(seen, data["instance"].(float64))
	}
	r.Equal(seen[0], seen[2])
	r.Equal(seen[1], seen[3])
	r.NotEqual(seen[0], seen[1])
}

func TestGatewayErrors(t *testing.T) {
	r := require.New(t)

	slow := httptest.NewServer(http.HandlerFunc(
		func(resp http.ResponseWriter, req *http.Request) {
			time.Sleep(2 * time.Second)
		}))
	defer slow.Close()

	cfg := loadCfg(r, fmt.Sprintf(`{
		"version": "1.0.0",
		"services": [
			{
				"name": "gateway",
				"kind": "gateway",
				"listen": "127.0.0.1:60032",
				"gateway": {
					"routes": [
						{
							"prefix": "/api/dead",
							"service": "dead",
							"upstreams": [ "http://127.0.0.1:1" ],
							"timeout": 2,
							"retries": 0
						},
						{
							"prefix": "/api/slow",
							"service": "slow",
							"upstreams": [ %q ],
							"timeout": 0.3,
							"retries": 0
						}
					]
				}
			}
		]
	}`, slow.URL))
	s := startSuite(r, cfg)
	defer s.Stop(time.Second)

	// an unreachable upstream is a bad gateway
	body, resp := doGet(r, "http://127.0.0.1:60032/api/dead")
	r.Equal(502, resp.StatusCode)
	r.Equal("upstream request failed", decodeJSON(r, body)["error"])

	// an upstream that blows the deadline is a gateway timeout
	body, resp = doGet(r, "http://127.0.0.1:60032/api/slow")
	r.Equal(504, resp.StatusCode)
	r.Equal("upstream request timed out", decodeJSON(r, body)["error"])
}

func TestGatewayCache(t *testing.T) {
	r := require.New(t)

	var hits int64
	up := httptest.NewServer(http.HandlerFunc(
		func(resp http.ResponseWriter, req *http.Request) {
			atomic.AddInt64(&hits, 1)
			resp.Header().Set("Content-Type", "application/json")
			fmt.Fprintln(resp, `{"cached": true}`)
		}))
	defer up.Close()

	cfg := loadCfg(r, fmt.Sprintf(`{
		"version": "1.0.0",
		"services": [
			{
				"name": "gateway",
				"kind": "gateway",
				"listen": "127.0.0.1:60033",
				"gateway": {
					"routes": [
						{
							"prefix": "/api/users",
							"service": "users",
							"upstreams": [ %q ],
							"timeout": 5,
							"cache": 60
						}
					]
				}
			}
		]
	}`, up.URL))
	s := startSuiteFull(r, cfg)
	defer s.Stop(time.Second)

	body1, resp := doGet(r, "http://127.0.0.1:60033/api/users/1")
	r.Equal(200, resp.StatusCode)
	body2, resp := doGet(r, "http://127.0.0.1:60033/api/users/1")
	r.Equal(200, resp.StatusCode)
	r.Equal(string(body1), string(body2))
	r.Equal(int64(1), atomic.LoadInt64(&hits))

	// a different path misses the cache
	var out map[string]json.RawMessage
	body3, resp := doGet(r, "http://127.0.0.1:60033/api/users/2")
	r.Equal(200, resp.StatusCode)
	r.Nil(json.Unmarshal(body3, &out))
	r.Equal(int64(2), atomic.LoadInt64(&hits))
}
