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
	"net/url"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Set APISUITE_TEST_PGURL to a reachable postgres URL to run the live
// postgres store test, e.g. postgres://postgres@127.0.0.1/postgres.
func TestCatalogPostgres(t *testing.T) {
	pgurl := os.Getenv("APISUITE_TEST_PGURL")
	if len(pgurl) == 0 {
		t.Skip("APISUITE_TEST_PGURL not set")
	}
	r := require.New(t)

	cfg := loadCfg(r, fmt.Sprintf(`{
		"version": "1.0.0",
		"services": [
			{
				"name": "catalog",
				"kind": "catalog",
				"listen": "127.0.0.1:60022",
				"catalog": {
					"store": "postgres",
					"url": %q,
					"connectTimeout": 5
				}
			}
		]
	}`, pgurl))
	s := startSuite(r, cfg)
	defer s.Stop(time.Second)

	// the database persists across runs, so assert nothing about
	// pre-existing rows; a unique title keeps the lookups unambiguous
	title := fmt.Sprintf("Live Wires %d", time.Now().UnixNano())
	body, resp := doPostJSON(r, "http://127.0.0.1:60022/books", map[string]any{
		"title": title, "author": "A. Writer", "year": 2024,
	})
	r.Equal(201, resp.StatusCode)
	created := decodeJSON(r, body)
	id := uint64(created["id"].(float64))
	r.NotZero(id)
	r.Equal(title, created["title"])

	body, resp = doGet(r, fmt.Sprintf("http://127.0.0.1:60022/books/%d", id))
	r.Equal(200, resp.StatusCode)
	r.Equal(title, decodeJSON(r, body)["title"])

	body, resp = doGet(r,
		"http://127.0.0.1:60022/books/search?q="+url.QueryEscape(title))
	r.Equal(200, resp.StatusCode)
	found := decodeJSON(r, body)
	r.EqualValues(1, found["count"])

	_, resp = doGet(r, "http://127.0.0.1:60022/authors/999999999")
	r.Equal(404, resp.StatusCode)
}
