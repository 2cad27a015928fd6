package interfaces

import "errors"

var (
	// ErrModuleNotFound is returned by a ModuleRuntime for a module it does not know.
	ErrModuleNotFound = errors.New("module not found")

	// ErrRuntimeUnavailable is returned when the module runtime cannot be queried.
	ErrRuntimeUnavailable = errors.New("module runtime unavailable")

	// ErrCertificateNotFound is returned when no certificate is stored under an id.
	ErrCertificateNotFound = errors.New("certificate not found")

	// ErrSigningFailed is returned when the certificate service rejects an issuance.
	ErrSigningFailed = errors.New("certificate signing failed")

	// ErrServiceUnavailable is returned when the certificate service or its store
	// cannot be reached.
	ErrServiceUnavailable = errors.New("certificate service unavailable")
)
