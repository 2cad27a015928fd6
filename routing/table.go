package routing

import (
	"context"
	"errors"
	"net/http"

	"github.com/ruteri/edge-workload-api/api"
)

var (
	// ErrNotFound means no route matches the path at the requested version.
	ErrNotFound = errors.New("not found")

	// ErrMethodNotAllowed means a route matches but has no handler for the method.
	ErrMethodNotAllowed = errors.New("method not allowed")
)

// Route is a single entry of a Table.
type Route struct {
	Pattern    Pattern
	MinVersion api.ApiVersion
	Handlers   map[string]http.Handler
}

// Match is the result of a successful lookup.
type Match struct {
	Route    *Route
	Handler  http.Handler
	Captures Captures
}

// ErrorWriter renders routing failures.
type ErrorWriter func(w http.ResponseWriter, r *http.Request, status int, err error)

// Table is an ordered set of routes. Routes are tried in registration order.
type Table struct {
	routes      []*Route
	writeError  ErrorWriter
	versionFrom func(r *http.Request) string
}

// NewTable creates an empty table. writeError renders 400/404/405 responses.
func NewTable(writeError ErrorWriter) *Table {
	return &Table{
		writeError: writeError,
		versionFrom: func(r *http.Request) string {
			return r.URL.Query().Get("api-version")
		},
	}
}

// Handle registers handler for method on pattern, available from minVersion on.
// Registering another method on an identical pattern and version adds it to the
// existing route.
func (t *Table) Handle(method string, pattern Pattern, minVersion api.ApiVersion, handler http.Handler) {
	for _, rt := range t.routes {
		if rt.Pattern.raw == pattern.raw && rt.MinVersion.Equal(minVersion) {
			rt.Handlers[method] = handler
			return
		}
	}
	t.routes = append(t.routes, &Route{
		Pattern:    pattern,
		MinVersion: minVersion,
		Handlers:   map[string]http.Handler{method: handler},
	})
}

// Lookup finds the first route whose pattern matches escapedPath and whose
// minimum version is satisfied. It performs no I/O.
func (t *Table) Lookup(method, escapedPath string, version api.ApiVersion) (Match, error) {
	methodMismatch := false
	for _, rt := range t.routes {
		captures, ok := rt.Pattern.Match(escapedPath)
		if !ok || !version.AtLeast(rt.MinVersion) {
			continue
		}
		h, ok := rt.Handlers[method]
		if !ok {
			methodMismatch = true
			continue
		}
		return Match{Route: rt, Handler: h, Captures: captures}, nil
	}
	if methodMismatch {
		return Match{}, ErrMethodNotAllowed
	}
	return Match{}, ErrNotFound
}

// ServeHTTP parses the api-version, dispatches to the matching handler and
// exposes the captures through the request context.
func (t *Table) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	version, err := api.ParseApiVersion(t.versionFrom(r))
	if err != nil {
		t.writeError(w, r, http.StatusBadRequest, err)
		return
	}

	m, err := t.Lookup(r.Method, r.URL.EscapedPath(), version)
	switch {
	case errors.Is(err, ErrMethodNotAllowed):
		t.writeError(w, r, http.StatusMethodNotAllowed, err)
		return
	case err != nil:
		t.writeError(w, r, http.StatusNotFound, err)
		return
	}

	ctx := context.WithValue(r.Context(), capturesKey{}, m.Captures)
	ctx = context.WithValue(ctx, versionKey{}, version)
	m.Handler.ServeHTTP(w, r.WithContext(ctx))
}

type capturesKey struct{}

type versionKey struct{}

// CapturesFromContext returns the captures of the matched route.
func CapturesFromContext(ctx context.Context) Captures {
	c, _ := ctx.Value(capturesKey{}).(Captures)
	return c
}

// URLParam returns a single capture of the matched route.
func URLParam(r *http.Request, name string) string {
	return CapturesFromContext(r.Context()).Get(name)
}

// VersionFromContext returns the api-version the request was routed with.
func VersionFromContext(ctx context.Context) (api.ApiVersion, bool) {
	v, ok := ctx.Value(versionKey{}).(api.ApiVersion)
	return v, ok
}
