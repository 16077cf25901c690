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

// The users and orders services are small demo backends meant to sit behind
// the gateway. They synthesize records from the requested id rather than
// consulting a store.

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

// User is a record served by the users demo backend.
type User struct {
	ID    uint64 `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Order is a record served by the orders demo backend.
type Order struct {
	ID      uint64  `json:"id"`
	UserID  uint64  `json:"user_id"`
	Product string  `json:"product"`
	Amount  float64 `json:"amount"`
}

func (svc *service) routeUsers(r *chi.Mux) {
	r.Get(svc.uri("/users"), func(resp http.ResponseWriter, req *http.Request) {
		svc.writeJSON(resp, http.StatusOK, []User{
			{ID: 1, Name: "Alice", Email: "alice@example.com"},
			{ID: 2, Name: "Bob", Email: "bob@example.com"},
		})
	})
	r.Get(svc.uri("/users/{id}"), func(resp http.ResponseWriter, req *http.Request) {
		id, err := strconv.ParseUint(chi.URLParam(req, "id"), 10, 64)
		if err != nil || id == 0 {
			svc.writeError(resp, http.StatusBadRequest, "invalid user id")
			return
		}
		svc.writeJSON(resp, http.StatusOK, User{
			ID:    id,
			Name:  fmt.Sprintf("User %d", id),
			Email: fmt.Sprintf("user%d@example.com", id),
		})
	})
}

func (svc *service) routeOrders(r *chi.Mux) {
	r.Get(svc.uri("/orders"), func(resp http.ResponseWriter, req *http.Request) {
		svc.writeJSON(resp, http.StatusOK, []Order{
			{ID: 1, UserID: 1, Product: "Laptop", Amount: 1299.99},
			{ID: 2, UserID: 2, Product: "Keyboard", Amount: 79.99},
		})
	})
	r.Get(svc.uri("/orders/{id}"), func(resp http.ResponseWriter, req *http.Request) {
		id, err := strconv.ParseUint(chi.URLParam(req, "id"), 10, 64)
		if err != nil || id == 0 {
			svc.writeError(resp, http.StatusBadRequest, "invalid order id")
			return
		}
		svc.writeJSON(resp, http.StatusOK, Order{
			ID:      id,
			UserID:  1,
			Product: fmt.Sprintf("Product %d", id),
			Amount:  99.99,
		})
	})
}
