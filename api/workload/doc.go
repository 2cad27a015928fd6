// Package workload implements the HTTP handlers of the workload API.
//
// Module scoped requests pass through the same pipeline: the caller identity is
// taken from the connection, the authorizer checks it against the module named
// in the URI, and only then is the body read, validated and dispatched. Errors
// are written as {"message": "..."} with the status chosen in errors.go.
package workload
