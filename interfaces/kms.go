package interfaces

import "context"

// CertificateService is the certificate/key service the workload API delegates to.
// Implementations own key generation, signing, storage and the refresh threshold.
// A single instance is shared by all requests and must be safe for concurrent use.
type CertificateService interface {
	// GetOrIssue returns the certificate stored under req.Spec.Alias when it is still
	// usable, or issues, stores and returns a new one signed by req.Issuer.
	// Returns ErrSigningFailed when issuance is rejected and ErrServiceUnavailable
	// when the backing service cannot be reached.
	GetOrIssue(ctx context.Context, req IssueRequest) (*CertificateMaterial, error)

	// GetCertificate returns the PEM encoded certificate stored under id.
	// Returns ErrCertificateNotFound if there is none.
	GetCertificate(ctx context.Context, id string) ([]byte, error)
}

// Signer issues new certificates for a spec.
type Signer interface {
	// Issue generates a key pair and a certificate for spec signed by the referenced CA.
	Issue(ctx context.Context, spec CertificateSpec, issuer EdgeCARef) (*CertificateMaterial, error)

	// CACertificate returns the PEM encoded certificate of the referenced CA.
	CACertificate(ctx context.Context, issuer EdgeCARef) ([]byte, error)

	// Name returns an identifier for logging and metrics.
	Name() string
}
