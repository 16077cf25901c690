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
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

const cfgTestFeed = `{
	"version": "1.0.0",
	"services": [
		{
			"name": "catalog",
			"kind": "catalog",
			"listen": "127.0.0.1:60040",
			"catalog": { "store": "memory" }
		}
	]
}`

func TestCatalogFeedSSE(t *testing.T) {
	r := require.New(t)

	cfg := loadCfg(r, cfgTestFeed)
	s := startSuite(r, cfg)

	resp, err := http.Get("http://127.0.0.1:60040/books/feed")
	r.Nil(err)
	r.NotNil(resp)
	r.Equal(200, resp.StatusCode)
	r.Equal("text/event-stream", resp.Header.Get("Content-Type"))
	r.NotNil(resp.Body)

	_, resp2 := doPostJSON(r, "http://127.0.0.1:60040/books", map[string]any{
		"title": "Gopher Tales", "author": "A. Writer", "year": 2024,
	})
	r.Equal(201, resp2.StatusCode)

	// the stream opens with a keep-alive comment, then carries the event
	var data string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			data = strings.TrimPrefix(line, "data: ")
			break
		}
	}
	r.NotEmpty(data)
	var ev map[string]any
	r.Nil(json.Unmarshal([]byte(data), &ev))
	r.Equal("book-added", ev["event"])
	book, ok := ev["book"].(map[string]any)
	r.True(ok)
	r.Equal("Gopher Tales", book["title"])

	resp.Body.Close()
	s.Stop(time.Second)
}

func TestCatalogFeedWS(t *testing.T) {
	r := require.New(t)

	cfg := loadCfg(r, `{
		"version": "1.0.0",
		"services": [
			{
				"name": "catalog",
				"kind": "catalog",
				"listen": "127.0.0.1:60041",
				"compression": true,
				"catalog": { "store": "memory" }
			}
		]
	}`)
	s := startSuite(r, cfg)

	conn, resp, err := websocket.Dial(context.Background(),
		"ws://127.0.0.1:60041/books/feed/ws", nil)
	r.Nil(err)
	r.Equal(101, resp.StatusCode)
	r.NotNil(conn)

	_, resp2 := doPostJSON(r, "http://127.0.0.1:60041/authors", map[string]any{
		"name": "A. Writer", "bio": "Writes tales",
	})
	r.Equal(201, resp2.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	mt, data, err := conn.Read(ctx)
	r.Nil(err)
	r.Equal(websocket.MessageText, mt)
	var ev map[string]any
	r.Nil(json.Unmarshal(data, &ev))
	r.Equal("author-added", ev["event"])

	conn.Close(websocket.StatusNormalClosure, "bye")

	s.Stop(time.Second)
}
