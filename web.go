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
	"html/template"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/sessions"
)

const webSessionName = "apisuite-web"

// webApp is the server-rendered web service: HTML templates, optional
// static files and a cookie session that carries the contact form
// confirmation across the post/redirect/get cycle.
type webApp struct {
	tpl      *template.Template
	sessions *sessions.CookieStore
}

// webPage is the data passed to every template.
type webPage struct {
	Title    string
	Version  string
	Year     int
	Features []string
	Posts    []blogPost
	Flashes  []string
}

type blogPost struct {
	Title   string
	Date    string
	Summary string
}

var blogPosts = []blogPost{
	{
		Title:   "Serving templates",
		Date:    "2024-01-15",
		Summary: "Rendering HTML on the server with a layout and partials.",
	},
	{
		Title:   "Sessions and flash messages",
		Date:    "2024-02-02",
		Summary: "Carrying a one-time confirmation across a redirect.",
	},
	{
		Title:   "Post/redirect/get",
		Date:    "2024-02-20",
		Summary: "Why form handlers should answer with a redirect.",
	},
}

func (svc *service) routeWeb(r *chi.Mux) error {
	cfg := svc.cfg.Web
	tpl, err := template.ParseGlob(cfg.TemplateGlob)
	if err != nil {
		return fmt.Errorf("service %q: failed to parse templates: %w", svc.cfg.Name, err)
	}
	svc.web = &webApp{
		tpl:      tpl,
		sessions: sessions.NewCookieStore([]byte(cfg.SessionKey)),
	}

	r.Get(svc.uri("/"), svc.webHome)
	r.Get(svc.uri("/about"), svc.webAbout)
	r.Get(svc.uri("/contact"), svc.webContact)
	r.Post(svc.uri("/contact"), svc.webContactSubmit)
	r.Get(svc.uri("/blog"), svc.webBlog)

	if len(cfg.StaticDir) > 0 {
		prefix := cfg.StaticPrefix
		if len(prefix) == 0 {
			prefix = "/static"
		}
		fs := http.StripPrefix(svc.uri(prefix),
			http.FileServer(http.Dir(cfg.StaticDir)))
		r.Get(svc.uri(prefix)+"/*", fs.ServeHTTP)
	}
	return nil
}

func (svc *service) render(resp http.ResponseWriter, name string, page webPage) {
	page.Version = Version
	page.Year = time.Now().Year()
	resp.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := svc.web.tpl.ExecuteTemplate(resp, name, page); err != nil {
		svc.logger.Error().Err(err).Str("template", name).
			Msg("failed to render template")
		http.Error(resp, "internal error", http.StatusInternalServerError)
	}
}

func (svc *service) webHome(resp http.ResponseWriter, req *http.Request) {
	svc.render(resp, "home.html", webPage{
		Title: "Home",
		Features: []string{
			"Server-rendered HTML templates",
			"Static file serving",
			"Contact form with flash messages",
			"Session cookies",
		},
	})
}

func (svc *service) webAbout(resp http.ResponseWriter, req *http.Request) {
	svc.render(resp, "about.html", webPage{Title: "About"})
}

func (svc *service) webBlog(resp http.ResponseWriter, req *http.Request) {
	svc.render(resp, "blog.html", webPage{Title: "Blog", Posts: blogPosts})
}

func (svc *service) webContact(resp http.ResponseWriter, req *http.Request) {
	session, _ := svc.web.sessions.Get(req, webSessionName)
	var flashes []string
	for _, f := range session.Flashes() {
		if s, ok := f.(string); ok {
			flashes = append(flashes, s)
		}
	}
	// consuming the flashes modifies the session, save it
	if err := session.Save(req, resp); err != nil {
		svc.logger.Error().Err(err).Msg("failed to save session")
	}
	svc.render(resp, "contact.html", webPage{Title: "Contact", Flashes: flashes})
}

// webContactSubmit accepts the contact form and answers with a redirect,
// leaving the confirmation in a flash message for the next GET.
func (svc *service) webContactSubmit(resp http.ResponseWriter, req *http.Request) {
	if err := req.ParseForm(); err != nil {
		http.Error(resp, "bad form", http.StatusBadRequest)
		return
	}
	name := strings.TrimSpace(req.PostFormValue("name"))
	message := strings.TrimSpace(req.PostFormValue("message"))
	if len(name) == 0 || len(message) == 0 {
		http.Error(resp, "name and message are required", http.StatusBadRequest)
		return
	}
	svc.logger.Info().Str("name", name).Msg("contact form submitted")

	session, _ := svc.web.sessions.Get(req, webSessionName)
	session.AddFlash(fmt.Sprintf("Thanks, %s! Your message has been received.", name))
	if err := session.Save(req, resp); err != nil {
		svc.logger.Error().Err(err).Msg("failed to save session")
	}
	http.Redirect(resp, req, svc.uri("/contact"), http.StatusSeeOther)
}
