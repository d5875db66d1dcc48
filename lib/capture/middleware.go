// Copyright 2026 The Faultline Authors
// SPDX-License-Identifier: Apache-2.0

package capture

import (
	"net/http"

	"github.com/faultline-sh/faultline/lib/fault"
)

// Middleware wraps an http.Handler so that a panic during request
// handling is captured as a fault and then re-raised unchanged. The
// host's own panic recovery (or net/http's) still sees the original
// value; capture only observes.
func Middleware(handler *Handler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if value := recover(); value != nil {
					handler.Handle(r.Context(), fault.FromPanic(value), requestContextFrom(r))
					panic(value)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// Chain composes middleware outermost-first: Chain(a, b)(h) runs a,
// then b, then h.
func Chain(middlewares ...func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// requestContextFrom snapshots the parts of a request worth attaching
// to a fault event. Query parameters only; form bodies may hold
// credentials and are not read here.
func requestContextFrom(r *http.Request) *fault.RequestContext {
	snapshot := &fault.RequestContext{
		URL:    r.URL.Path,
		Method: r.Method,
	}
	query := r.URL.Query()
	if len(query) > 0 {
		snapshot.Parameters = make(map[string]string, len(query))
		for key, values := range query {
			if len(values) > 0 {
				snapshot.Parameters[key] = values[0]
			}
		}
	}
	return snapshot
}
