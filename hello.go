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
	"net/http"

	"github.com/go-chi/chi/v5"
)

type greetingResponse struct {
	Greeting string `json:"greeting"`
}

func (svc *service) routeHello(r *chi.Mux) {
	r.Get(svc.uri("/"), func(resp http.ResponseWriter, req *http.Request) {
		svc.writeJSON(resp, http.StatusOK, greetingResponse{Greeting: "Hello, world!"})
	})
	r.Get(svc.uri("/hello/{name}"), func(resp http.ResponseWriter, req *http.Request) {
		name := chi.URLParam(req, "name")
		svc.writeJSON(resp, http.StatusOK, greetingResponse{Greeting: "Hello, " + name + "!"})
	})
}
