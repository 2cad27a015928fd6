// Package routing matches request paths against a fixed table of versioned route
// patterns.
//
// Patterns are declarative lists of literal and capture segments, so there is no
// runtime compilation step. Lookup is a pure function of (method, path, version)
// and the table; ServeHTTP wraps it with api-version parsing and error rendering.
//
// A route whose minimum version is newer than the requested one is treated
// exactly like a route that does not exist.
package routing
