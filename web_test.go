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
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var webTestTemplates = map[string]string{
	"home.html": `<html><body><h1>Welcome v{{.Version}}</h1>
<ul>{{range .Features}}<li>{{.}}</li>{{end}}</ul></body></html>`,
	"about.html": `<html><body><h1>About</h1><p>v{{.Version}}</p></body></html>`,
	"blog.html": `<html><body>{{range .Posts}}<h2>{{.Title}}</h2>{{end}}</body></html>`,
	"contact.html": `<html><body>{{range .Flashes}}<p class="flash">{{.}}</p>{{end}}
<form method="post"><input name="name"><textarea name="message"></textarea></form>
</body></html>`,
}

func writeWebAssets(r *require.Assertions, dir string) {
	tdir := filepath.Join(dir, "templates")
	r.Nil(os.MkdirAll(tdir, 0755))
	for name, content := range webTestTemplates {
		r.Nil(os.WriteFile(filepath.Join(tdir, name), []byte(content), 0644))
	}
	sdir := filepath.Join(dir, "static")
	r.Nil(os.MkdirAll(sdir, 0755))
	r.Nil(os.WriteFile(filepath.Join(sdir, "style.css"),
		[]byte("body { color: black; }\n"), 0644))
}

func TestWebPages(t *testing.T) {
	r := require.New(t)

	dir := t.TempDir()
	writeWebAssets(r, dir)

	cfg := loadCfg(r, fmt.Sprintf(`{
		"version": "1.0.0",
		"services": [
			{
				"name": "web",
				"kind": "web",
				"listen": "127.0.0.1:60060",
				"web": {
					"templateGlob": %q,
					"staticDir": %q,
					"sessionKey": "test-session-key-0123456789abcdef"
				}
			}
		]
	}`, filepath.Join(dir, "templates", "*.html"), filepath.Join(dir, "static")))
	s := startSuite(r, cfg)
	defer s.Stop(time.Second)

	base := "http://127.0.0.1:60060"

	body, resp := doGet(r, base+"/")
	r.Equal(200, resp.StatusCode)
	r.Contains(resp.Header.Get("Content-Type"), "text/html")
	r.Contains(string(body), "Welcome")
	r.Contains(string(body), "<li>")

	body, resp = doGet(r, base+"/about")
	r.Equal(200, resp.StatusCode)
	r.Contains(string(body), "About")

	body, resp = doGet(r, base+"/blog")
	r.Equal(200, resp.StatusCode)
	r.Contains(string(body), "<h2>")

	// static files are served under /static
	body, resp = doGet(r, base+"/static/style.css")
	r.Equal(200, resp.StatusCode)
	r.Contains(string(body), "color: black")

	_, resp = doGet(r, base+"/static/no-such-file.css")
	r.Equal(404, resp.StatusCode)
}

func TestWebContactFlash(t *testing.T) {
	r := require.New(t)

	dir := t.TempDir()
	writeWebAssets(r, dir)

	cfg := loadCfg(r, fmt.Sprintf(`{
		"version": "1.0.0",
		"services": [
			{
				"name": "web",
				"kind": "web",
				"listen": "127.0.0.1:60061",
				"web": {
					"templateGlob": %q,
					"sessionKey": "test-session-key-0123456789abcdef"
				}
			}
		]
	}`, filepath.Join(dir, "templates", "*.html")))
	s := startSuite(r, cfg)
	defer s.Stop(time.Second)

	base := "http://127.0.0.1:60061"

	// a cookie-carrying client, so the flash survives the redirect
	jar, err := cookiejar.New(nil)
	r.Nil(err)
	client := &http.Client{Jar: jar}

	// the form answers with a redirect back to the contact page, which
	// then shows the confirmation once
	resp, err := client.PostForm(base+"/contact", url.Values{
		"name":    {"Gopher"},
		"message": {"Hello there"},
	})
	r.Nil(err)
	body, err := io.ReadAll(resp.Body)
	r.Nil(err)
	resp.Body.Close()
	r.Equal(200, resp.StatusCode)
	r.Equal("/contact", resp.Request.URL.Path)
	r.Contains(string(body), "Thanks, Gopher!")

	// the flash is consumed, a reload doesn't show it again
	resp, err = client.Get(base + "/contact")
	r.Nil(err)
	body, err = io.ReadAll(resp.Body)
	r.Nil(err)
	resp.Body.Close()
	r.Equal(200, resp.StatusCode)
	r.False(strings.Contains(string(body), "Thanks, Gopher!"))

	// incomplete submissions are rejected
	resp, err = client.PostForm(base+"/contact", url.Values{"name": {"Gopher"}})
	r.Nil(err)
	resp.Body.Close()
	r.Equal(400, resp.StatusCode)
}
