// Package httprouter implements the method+path pattern dispatcher used to
// front every agent, dashboard, admin, and UI route: patterns with
// {name}-style path parameters compiled to an anchored regular expression,
// dispatched linearly in registration order so the first match wins.
package httprouter

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
)

// Middleware wraps a handler. Global middleware (Router.Use) always runs
// before a route's own middleware (passed to Handle).
type Middleware func(http.Handler) http.Handler

type route struct {
	method     string
	pattern    string
	regexp     *regexp.Regexp
	paramNames []string
	handler    http.Handler
}

// Router is a linear method+pattern dispatcher with named path parameters.
type Router struct {
	routes    []route
	global    []Middleware
	log       *slog.Logger
	notFound  http.Handler
}

// New builds an empty Router. log is used for panic recovery messages; a
// nil logger disables that logging (panics are still recovered).
func New(log *slog.Logger) *Router {
	r := &Router{log: log}
	r.notFound = http.HandlerFunc(r.defaultNotFound)
	return r
}

// Use appends global middleware, run before any route-specific middleware,
// in the order registered.
func (r *Router) Use(mw ...Middleware) {
	r.global = append(r.global, mw...)
}

var paramPattern = regexp.MustCompile(`\{([a-zA-Z_][a-zA-Z0-9_]*)\}`)

// compilePattern turns "/machine/{id}/history" into an anchored regexp and
// the ordered list of parameter names it captures.
func compilePattern(pattern string) (*regexp.Regexp, []string) {
	var names []string
	quoted := regexp.QuoteMeta(pattern)
	// QuoteMeta escapes the braces too; undo that so paramPattern can match.
	quoted = strings.ReplaceAll(quoted, `\{`, "{")
	quoted = strings.ReplaceAll(quoted, `\}`, "}")
	expr := paramPattern.ReplaceAllStringFunc(quoted, func(m string) string {
		name := m[1 : len(m)-1]
		names = append(names, name)
		return `([^/]+)`
	})
	return regexp.MustCompile("^" + expr + "$"), names
}

// Handle registers handler for method+pattern, wrapped by the router's
// global middleware then this route's own middleware (outermost first).
func (r *Router) Handle(method, pattern string, handler http.Handler, mw ...Middleware) {
	re, names := compilePattern(pattern)
	wrapped := handler
	for i := len(mw) - 1; i >= 0; i-- {
		wrapped = mw[i](wrapped)
	}
	r.routes = append(r.routes, route{method: method, pattern: pattern, regexp: re, paramNames: names, handler: wrapped})
}

// HandleFunc is Handle for a plain handler function.
func (r *Router) HandleFunc(method, pattern string, handler http.HandlerFunc, mw ...Middleware) {
	r.Handle(method, pattern, handler, mw...)
}

type paramsKey struct{}

// Param extracts a named path parameter from the request context, or ""
// if absent.
func Param(r *http.Request, name string) string {
	params, _ := r.Context().Value(paramsKey{}).(map[string]string)
	return params[name]
}

// ServeHTTP dispatches to the first registered route whose method and
// compiled pattern both match, applying global middleware first. No match
// falls through to the 404 handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	defer r.recoverPanic(w, req)

	final := http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		for _, rt := range r.routes {
			if rt.method != req.Method {
				continue
			}
			match := rt.regexp.FindStringSubmatch(req.URL.Path)
			if match == nil {
				continue
			}
			params := make(map[string]string, len(rt.paramNames))
			for i, name := range rt.paramNames {
				params[name] = match[i+1]
			}
			ctx := context.WithValue(req.Context(), paramsKey{}, params)
			rt.handler.ServeHTTP(w, req.WithContext(ctx))
			return
		}
		r.notFound.ServeHTTP(w, req)
	})

	handler := http.Handler(final)
	for i := len(r.global) - 1; i >= 0; i-- {
		handler = r.global[i](handler)
	}
	handler.ServeHTTP(w, req)
}

func (r *Router) defaultNotFound(w http.ResponseWriter, req *http.Request) {
	WriteError(w, req, http.StatusNotFound, "not found")
}

func (r *Router) recoverPanic(w http.ResponseWriter, req *http.Request) {
	if rec := recover(); rec != nil {
		if r.log != nil {
			r.log.Error("panic in handler", "error", rec, "path", req.URL.Path)
		}
		WriteError(w, req, http.StatusInternalServerError, "Internal server error")
	}
}

// IsAPIPath reports whether path should get JSON error bodies rather than
// HTML, matching the /api/ prefix convention used across the fleet routes.
func IsAPIPath(path string) bool {
	return strings.HasPrefix(path, "/api/")
}

// WriteError writes the shared {"error": ...} JSON shape for API paths, or
// a minimal HTML body otherwise, per the router's 404/500 fallback
// convention.
func WriteError(w http.ResponseWriter, req *http.Request, status int, message string) {
	if IsAPIPath(req.URL.Path) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte("<html><body><h1>" + message + "</h1></body></html>"))
}

// WriteJSON writes v as JSON with the no-cache headers the fleet API
// convention requires for all dynamic responses.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
