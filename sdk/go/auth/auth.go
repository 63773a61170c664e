// Copyright (C) The Taskgrid Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package auth extracts management tokens from HTTP requests and
// guards handlers with them.
package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
)

// TokenHeader is an alternative to "Authorization: Bearer ..." for
// clients that can't set the Authorization header.
const TokenHeader = "X-Taskgrid-Token"

type Credentials struct {
	Tokens []string
}

type contextKeyCredentials struct{}

func NewContext(ctx context.Context, c *Credentials) context.Context {
	return context.WithValue(ctx, contextKeyCredentials{}, c)
}

func FromContext(ctx context.Context) (*Credentials, bool) {
	c, ok := ctx.Value(contextKeyCredentials{}).(*Credentials)
	return c, ok
}

// CredentialsFromRequest returns the credentials attached by
// LoadToken, or loads them from the request headers.
func CredentialsFromRequest(r *http.Request) *Credentials {
	if c, ok := FromContext(r.Context()); ok {
		return c
	}
	c := &Credentials{}
	c.LoadTokensFromHTTPRequest(r)
	return c
}

// LoadTokensFromHTTPRequest appends the tokens found in the
// Authorization and X-Taskgrid-Token headers. Tokens are never read
// from the query string, so they don't end up in request logs.
func (a *Credentials) LoadTokensFromHTTPRequest(r *http.Request) {
	if toks := strings.SplitN(r.Header.Get("Authorization"), " ", 2); len(toks) == 2 && strings.EqualFold(toks[0], "Bearer") {
		a.Tokens = append(a.Tokens, strings.TrimSpace(toks[1]))
	}
	for _, t := range r.Header.Values(TokenHeader) {
		if t = strings.TrimSpace(t); t != "" {
			a.Tokens = append(a.Tokens, t)
		}
	}
}

// Has returns true if token is one of the supplied tokens.
func (a *Credentials) Has(token string) bool {
	for _, t := range a.Tokens {
		if subtle.ConstantTimeCompare([]byte(t), []byte(token)) == 1 {
			return true
		}
	}
	return false
}

// LoadToken wraps the next handler, adding credentials to the request
// context so subsequent handlers can access them efficiently via
// CredentialsFromRequest.
func LoadToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := FromContext(r.Context()); !ok {
			r = r.WithContext(NewContext(r.Context(), CredentialsFromRequest(r)))
		}
		next.ServeHTTP(w, r)
	})
}

// RequireLiteralToken wraps the next handler, rejecting any request
// that doesn't supply the given token. If the given token is empty,
// every request is rejected with 403: an unconfigured token disables
// the API rather than opening it.
func RequireLiteralToken(token string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c := CredentialsFromRequest(r)
		switch {
		case token == "":
			http.Error(w, "management API disabled: ManagementToken not configured", http.StatusForbidden)
		case len(c.Tokens) == 0:
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		case !c.Has(token):
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		default:
			next.ServeHTTP(w, r)
		}
	})
}
