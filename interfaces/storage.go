package interfaces

import "context"

// CertStore persists certificate material by alias.
type CertStore interface {
	// Load returns the material stored under alias, or ErrCertificateNotFound.
	Load(ctx context.Context, alias string) (*CertificateMaterial, error)

	// Save stores material under alias, replacing any previous value.
	Save(ctx context.Context, alias string, material *CertificateMaterial) error

	// Available checks if the store is accessible.
	Available(ctx context.Context) bool

	// Name returns identifier for logging.
	Name() string
}
