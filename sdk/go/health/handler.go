// Copyright (C) The Taskgrid Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package health serves authenticated health-check endpoints.
package health

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"
	"sync"

	"git.taskgrid.org/taskgrid.git/sdk/go/auth"
)

// Func is a health-check function: it returns nil when healthy, an
// error when not.
type Func func() error

// Routes is a map of check name to health-check function.
type Routes map[string]Func

// Handler responds to authenticated health-check requests with JSON
// responses like {"health":"OK"} or {"health":"ERROR","error":"..."}.
//
// Requests for "{Prefix}ping" always succeed unless Routes has its
// own "ping" entry. Requests for "{Prefix}all" run every check.
//
// Fields of a Handler should not be changed after the Handler is
// first used.
type Handler struct {
	// Authentication token. If empty, all requests get 404.
	Token string
	// Route prefix, typically "/_health/".
	Prefix string
	Routes Routes
	// If non-nil, Log is called after handling each request. The
	// error is nil if the request was authenticated and served,
	// even if the check itself failed.
	Log func(*http.Request, error)

	setupOnce sync.Once
	prefix    string
	routes    Routes
}

// Response is the JSON body of a health-check response.
type Response struct {
	Health string            `json:"health"`
	Error  string            `json:"error,omitempty"`
	Checks map[string]string `json:"checks,omitempty"`
}

var (
	errNotFound     = errors.New(http.StatusText(http.StatusNotFound))
	errUnauthorized = errors.New(http.StatusText(http.StatusUnauthorized))
	errForbidden    = errors.New(http.StatusText(http.StatusForbidden))
)

func (h *Handler) setup() {
	h.prefix = h.Prefix
	if !strings.HasSuffix(h.prefix, "/") {
		h.prefix += "/"
	}
	h.routes = Routes{"ping": func() error { return nil }}
	for name, fn := range h.Routes {
		h.routes[name] = fn
	}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.setupOnce.Do(h.setup)
	var err error
	defer func() {
		if h.Log != nil {
			h.Log(r, err)
		}
	}()
	name := strings.TrimPrefix(r.URL.Path, h.prefix)
	_, known := h.routes[name]
	creds := auth.CredentialsFromRequest(r)
	switch {
	case h.Token == "" || !strings.HasPrefix(r.URL.Path, h.prefix) || (!known && name != "all"):
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		err = errNotFound
	case len(creds.Tokens) == 0:
		http.Error(w, "authorization required", http.StatusUnauthorized)
		err = errUnauthorized
	case !creds.Has(h.Token):
		http.Error(w, "authorization error", http.StatusForbidden)
		err = errForbidden
	case name == "all":
		err = h.respond(w, h.checkAll())
	default:
		resp := Response{Health: "OK"}
		if cerr := h.routes[name](); cerr != nil {
			resp = Response{Health: "ERROR", Error: cerr.Error()}
		}
		err = h.respond(w, resp)
	}
}

func (h *Handler) checkAll() Response {
	resp := Response{Health: "OK", Checks: map[string]string{}}
	var failed []string
	for name, fn := range h.routes {
		if err := fn(); err != nil {
			resp.Checks[name] = err.Error()
			failed = append(failed, name)
		} else {
			resp.Checks[name] = "OK"
		}
	}
	if len(failed) > 0 {
		sort.Strings(failed)
		resp.Health = "ERROR"
		resp.Error = "failed: " + strings.Join(failed, ", ")
	}
	return resp
}

func (h *Handler) respond(w http.ResponseWriter, resp Response) error {
	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(resp)
}
