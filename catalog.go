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
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
)

// maxBodySize is the most we'll read of a request body.
const maxBodySize = 1 << 20

func (svc *service) routeCatalog(r *chi.Mux) error {
	store, err := openCatalogStore(svc.suite.bgctx, svc.cfg.Catalog)
	if err != nil {
		return err
	}
	svc.store = store
	svc.hub = newFeedHub(svc.logger)

	r.Get(svc.uri("/"), svc.catalogIndex)
	r.Get(svc.uri("/console"), svc.catalogConsole)
	r.Get(svc.uri("/books"), svc.listBooks)
	r.Post(svc.uri("/books"), svc.addBook)
	r.Get(svc.uri("/books/search"), svc.searchBooks)
	r.Get(svc.uri("/books/feed"), svc.bookFeedSSE)
	r.Get(svc.uri("/books/feed/ws"), svc.bookFeedWS)
	r.Get(svc.uri("/books/{id}"), svc.getBook)
	r.Get(svc.uri("/authors"), svc.listAuthors)
	r.Post(svc.uri("/authors"), svc.addAuthor)
	r.Get(svc.uri("/authors/{id}"), svc.getAuthor)
	return nil
}

func (svc *service) catalogIndex(resp http.ResponseWriter, req *http.Request) {
	svc.writeJSON(resp, http.StatusOK, map[string]any{
		"message": "Book catalogue API",
		"endpoints": []string{
			"GET " + svc.uri("/books"),
			"GET " + svc.uri("/books/{id}"),
			"GET " + svc.uri("/books/search?q={query}"),
			"POST " + svc.uri("/books"),
			"GET " + svc.uri("/authors"),
			"GET " + svc.uri("/authors/{id}"),
			"POST " + svc.uri("/authors"),
			"GET " + svc.uri("/books/feed"),
			"GET " + svc.uri("/books/feed/ws"),
			"GET " + svc.uri("/console"),
		},
		"example": `curl -X POST -H 'Content-Type: application/json' -d '{"title":"A Title","author":"An Author","year":2024}' ` + svc.uri("/books"),
	})
}

// parseID extracts and validates the {id} route parameter, writing a 400 on
// failure.
func (svc *service) parseID(resp http.ResponseWriter, req *http.Request, what string) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(req, "id"), 10, 64)
	if err != nil || id == 0 {
		svc.writeError(resp, http.StatusBadRequest, "invalid "+what+" id")
		return 0, false
	}
	return id, true
}

// decodeBody decodes a JSON request body into v, enforcing content type and
// a size cap. Writes the error response itself on failure.
func (svc *service) decodeBody(resp http.ResponseWriter, req *http.Request, v any) bool {
	if ct := getCT(req); ct != "" && ct != "application/json" {
		svc.writeError(resp, http.StatusUnsupportedMediaType, "expected application/json body")
		return false
	}
	body, err := io.ReadAll(io.LimitReader(req.Body, maxBodySize))
	if err != nil || len(body) == 0 {
		svc.writeError(resp, http.StatusBadRequest, "failed to read request body")
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		svc.writeError(resp, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// storeError maps store failures to HTTP error responses.
func (svc *service) storeError(resp http.ResponseWriter, req *http.Request, err error, what string) {
	switch {
	case errors.Is(err, ErrNotFound):
		svc.writeError(resp, http.StatusNotFound, what+" not found")
	case req.Context().Err() != nil:
		svc.writeError(resp, http.StatusGatewayTimeout, "request timed out")
	default:
		svc.logger.Error().Err(err).Msg("catalogue store error")
		svc.writeError(resp, http.StatusInternalServerError, "internal error")
	}
}

//------------------------------------------------------------------------------
// books

func (svc *service) listBooks(resp http.ResponseWriter, req *http.Request) {
	books, err := svc.store.ListBooks(req.Context())
	if err != nil {
		svc.storeError(resp, req, err, "book")
		return
	}
	svc.writeJSON(resp, http.StatusOK, books)
}

func (svc *service) getBook(resp http.ResponseWriter, req *http.Request) {
	id, ok := svc.parseID(resp, req, "book")
	if !ok {
		return
	}
	book, err := svc.store.GetBook(req.Context(), id)
	if err != nil {
		svc.storeError(resp, req, err, "book")
		return
	}
	svc.writeJSON(resp, http.StatusOK, book)
}

type searchResult struct {
	Query   string `json:"query"`
	Count   int    `json:"count"`
	Results []Book `json:"results"`
}

func (svc *service) searchBooks(resp http.ResponseWriter, req *http.Request) {
	q := strings.TrimSpace(req.URL.Query().Get("q"))
	if len(q) == 0 {
		svc.writeError(resp, http.StatusBadRequest, "missing query parameter q")
		return
	}

	// use the cached result if one is fresh enough
	var cacheKey uint64
	var cacheTTL time.Duration
	cfg := svc.cfg.Catalog
	if cfg.SearchCache != nil && *cfg.SearchCache > 0 && svc.suite.cacheUsable() {
		cacheKey = makeCacheKey("catalog", svc.cfg.Name, "search", q)
		cacheTTL = time.Duration(*cfg.SearchCache * float64(time.Second))
		if body, found := svc.suite.cacheFetch(cacheKey, cacheTTL); found {
			resp.Header().Set("Content-Type", "application/json")
			resp.WriteHeader(http.StatusOK)
			_, _ = resp.Write(body)
			return
		}
	}

	books, err := svc.store.SearchBooks(req.Context(), q)
	if err != nil {
		svc.storeError(resp, req, err, "book")
		return
	}
	out := searchResult{Query: q, Count: len(books), Results: books}
	body, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		svc.logger.Error().Err(err).Msg("error encoding response")
		svc.writeError(resp, http.StatusInternalServerError, "internal error")
		return
	}
	if cacheTTL > 0 {
		svc.suite.cacheStore(cacheKey, body)
	}
	resp.Header().Set("Content-Type", "application/json")
	resp.WriteHeader(http.StatusOK)
	_, _ = resp.Write(body)
}

type bookInput struct {
	Title  string `json:"title"`
	Author string `json:"author"`
	Year   int    `json:"year"`
}

func (svc *service) addBook(resp http.ResponseWriter, req *http.Request) {
	var in bookInput
	if !svc.decodeBody(resp, req, &in) {
		return
	}
	in.Title = strings.TrimSpace(in.Title)
	in.Author = strings.TrimSpace(in.Author)
	if len(in.Title) == 0 || len(in.Author) == 0 {
		svc.writeError(resp, http.StatusBadRequest, "title and author are required")
		return
	}
	book, err := svc.store.AddBook(req.Context(), in.Title, in.Author, in.Year)
	if err != nil {
		svc.storeError(resp, req, err, "book")
		return
	}
	svc.publishFeedEvent(feedEvent{Event: "book-added", Book: &book})
	svc.writeJSON(resp, http.StatusCreated, book)
}

//------------------------------------------------------------------------------
// authors

func (svc *service) listAuthors(resp http.ResponseWriter, req *http.Request) {
	authors, err := svc.store.ListAuthors(req.Context())
	if err != nil {
		svc.storeError(resp, req, err, "author")
		return
	}
	svc.writeJSON(resp, http.StatusOK, authors)
}

func (svc *service) getAuthor(resp http.ResponseWriter, req *http.Request) {
	id, ok := svc.parseID(resp, req, "author")
	if !ok {
		return
	}
	author, err := svc.store.GetAuthor(req.Context(), id)
	if err != nil {
		svc.storeError(resp, req, err, "author")
		return
	}
	svc.writeJSON(resp, http.StatusOK, author)
}

type authorInput struct {
	Name string `json:"name"`
	Bio  string `json:"bio"`
}

func (svc *service) addAuthor(resp http.ResponseWriter, req *http.Request) {
	var in authorInput
	if !svc.decodeBody(resp, req, &in) {
		return
	}
	in.Name = strings.TrimSpace(in.Name)
	if len(in.Name) == 0 {
		svc.writeError(resp, http.StatusBadRequest, "name is required")
		return
	}
	author, err := svc.store.AddAuthor(req.Context(), in.Name, in.Bio)
	if err != nil {
		svc.storeError(resp, req, err, "author")
		return
	}
	svc.publishFeedEvent(feedEvent{Event: "author-added", Author: &author})
	svc.writeJSON(resp, http.StatusCreated, author)
}

//------------------------------------------------------------------------------
// change feed

type feedEvent struct {
	Event  string  `json:"event"`
	Book   *Book   `json:"book,omitempty"`
	Author *Author `json:"author,omitempty"`
}

func (svc *service) publishFeedEvent(ev feedEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		svc.logger.Error().Err(err).Msg("error encoding feed event")
		return
	}
	svc.hub.publish(string(payload))
}

func (svc *service) bookFeedSSE(resp http.ResponseWriter, req *http.Request) {
	svc.serveFeed(resp, req, false)
}

func (svc *service) bookFeedWS(resp http.ResponseWriter, req *http.Request) {
	svc.serveFeed(resp, req, true)
}

func (svc *service) serveFeed(resp http.ResponseWriter, req *http.Request, ws bool) {
	// discard body, ignore errors
	_, _ = io.CopyN(io.Discard, req.Body, 4096)

	// do the main loop
	fw := newFeedWriter()
	svc.hub.register(fw)
	var err error
	if ws {
		var origins []string
		if svc.cfg.CORS != nil {
			origins = svc.cfg.CORS.AllowedOrigins
		}
		err = fw.loopWS(svc.suite.bgctx, resp, req, origins, svc.cfg.Compression)
	} else {
		err = fw.loopSSE(svc.suite.bgctx, resp, req)
	}
	if !errors.Is(err, context.Canceled) {
		svc.hub.unregister(fw)
	}
	// if bgctx was cancelled, the server is shutting down and the hub
	// dispatcher might have gone away already

	// don't consider 'broken pipe' and 'i/o timeout' as errors to be logged
	if err != nil {
		if s := err.Error(); strings.Contains(s, "broken pipe") ||
			strings.Contains(s, "i/o timeout") || errors.Is(err, context.Canceled) {
			err = nil
		}
	}
	if err != nil && !errors.Is(err, errTooSlow) {
		svc.logger.Error().Err(err).Msg("feed connection closed on error")
	}
}

//------------------------------------------------------------------------------
// console

func (svc *service) catalogConsole(resp http.ResponseWriter, req *http.Request) {
	resp.Header().Set("Content-Type", "text/html; charset=utf-8")
	resp.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(resp, strings.ReplaceAll(consolePage, "{{prefix}}", svc.cfg.CommonPrefix))
}

const consolePage = `<!DOCTYPE html>
<html>
<head>
	<title>Catalogue Console</title>
	<style>
		body { font-family: monospace; margin: 2em; }
		textarea { width: 100%; height: 6em; }
		pre { background: #f4f4f4; padding: 1em; overflow: auto; }
	</style>
</head>
<body>
	<h1>Catalogue Console</h1>
	<p>Request path (GET), or POST body for /books:</p>
	<input id="path" size="60" value="{{prefix}}/books">
	<textarea id="body" placeholder='{"title":"...","author":"...","year":2024}'></textarea>
	<p>
		<button onclick="run('GET')">GET</button>
		<button onclick="run('POST')">POST</button>
	</p>
	<pre id="out"></pre>
	<script>
		async function run(method) {
			const path = document.getElementById('path').value;
			const opts = { method };
			if (method === 'POST') {
				opts.headers = { 'Content-Type': 'application/json' };
				opts.body = document.getElementById('body').value;
			}
			try {
				const r = await fetch(path, opts);
				document.getElementById('out').textContent =
					r.status + ' ' + r.statusText + '\n\n' + await r.text();
			} catch (e) {
				document.getElementById('out').textContent = e;
			}
		}
	</script>
</body>
</html>
`
