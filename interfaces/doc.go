// Package interfaces defines the contracts between the workload API core and the
// systems it sits in front of.
//
// # Request-scoped values
//
// CallerContext, CertificateSpec, SanEntrySet and CertificateAlias are value
// objects built for a single request and dropped when it completes.
//
// # Collaborators
//
// ModuleRuntime: lists modules, maps a module name to the host processes running
// it and restarts modules. Backed by the container engine in production.
//
// CertificateService: returns reusable certificate material for an alias or
// issues a fresh one. Composed from a Signer (who signs) and a CertStore (where
// material lives).
//
// # Errors
//
// Collaborators report outcomes with the sentinel errors in errors.go; callers
// test them with errors.Is.
package interfaces
