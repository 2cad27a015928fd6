// Package certsvc is the certificate service the workload API delegates to.
// It reuses stored certificates while they still fit the request and asks a
// Signer for a new one otherwise.
package certsvc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ruteri/edge-workload-api/cryptoutils"
	"github.com/ruteri/edge-workload-api/interfaces"
)

// DefaultRefreshBefore is how long before expiry a stored certificate stops being reused.
const DefaultRefreshBefore = 24 * time.Hour

type Config struct {
	EdgeCA        interfaces.EdgeCARef
	RefreshBefore time.Duration

	// CAAliases are certificate ids that resolve to the signer's CA certificate,
	// typically the trust bundle id.
	CAAliases []string
}

// Service implements interfaces.CertificateService.
type Service struct {
	store         interfaces.CertStore
	signer        interfaces.Signer
	edgeCA        interfaces.EdgeCARef
	refreshBefore time.Duration
	caAliases     map[string]struct{}
	log           *slog.Logger
	now           func() time.Time
}

func New(store interfaces.CertStore, signer interfaces.Signer, cfg Config, log *slog.Logger) *Service {
	if cfg.RefreshBefore <= 0 {
		cfg.RefreshBefore = DefaultRefreshBefore
	}

	aliases := make(map[string]struct{}, len(cfg.CAAliases))
	for _, id := range cfg.CAAliases {
		aliases[id] = struct{}{}
	}

	return &Service{
		store:         store,
		signer:        signer,
		edgeCA:        cfg.EdgeCA,
		refreshBefore: cfg.RefreshBefore,
		caAliases:     aliases,
		log:           log,
		now:           time.Now,
	}
}

// GetOrIssue returns the stored certificate for req.Spec.Alias when it is
// still usable, or issues and stores a new one.
func (s *Service) GetOrIssue(ctx context.Context, req interfaces.IssueRequest) (*interfaces.CertificateMaterial, error) {
	alias := req.Spec.Alias.String()

	stored, err := s.store.Load(ctx, alias)
	switch {
	case err == nil:
		reason := s.staleReason(stored, req.Spec)
		if reason == "" {
			s.log.Debug("reusing stored certificate", slog.String("alias", alias))
			return stored, nil
		}
		s.log.Info("replacing stored certificate",
			slog.String("alias", alias),
			slog.String("reason", reason))
	case errors.Is(err, interfaces.ErrCertificateNotFound):
	case errors.Is(err, interfaces.ErrServiceUnavailable):
		return nil, err
	default:
		// A record that cannot be decoded is replaced like a stale one.
		s.log.Warn("ignoring unreadable stored certificate",
			slog.String("alias", alias),
			"err", err)
	}

	material, err := s.signer.Issue(ctx, req.Spec, req.Issuer)
	if err != nil {
		if errors.Is(err, interfaces.ErrServiceUnavailable) || errors.Is(err, interfaces.ErrSigningFailed) ||
			errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", interfaces.ErrSigningFailed, err)
	}

	if err := s.store.Save(ctx, alias, material); err != nil {
		s.log.Error("failed to store issued certificate",
			slog.String("alias", alias),
			"err", err)
		if errors.Is(err, interfaces.ErrServiceUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", interfaces.ErrServiceUnavailable, err)
	}

	s.log.Info("issued certificate",
		slog.String("alias", alias),
		slog.String("signer", s.signer.Name()),
		slog.Time("expiration", material.Expiration))

	return material, nil
}

// GetCertificate returns the PEM certificate stored under id. The edge CA id
// and the configured CA aliases resolve to the signer's CA certificate.
func (s *Service) GetCertificate(ctx context.Context, id string) ([]byte, error) {
	if s.isCA(id) {
		return s.signer.CACertificate(ctx, s.edgeCA)
	}

	material, err := s.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(material.CertificatePEM) == 0 {
		return nil, interfaces.ErrCertificateNotFound
	}
	return material.CertificatePEM, nil
}

func (s *Service) isCA(id string) bool {
	if id == s.edgeCA.CertID {
		return true
	}
	_, ok := s.caAliases[id]
	return ok
}

// staleReason returns why stored material cannot be reused for spec, or "".
func (s *Service) staleReason(m *interfaces.CertificateMaterial, spec interfaces.CertificateSpec) string {
	switch {
	case m == nil:
		return "missing"
	case m.ExpiresWithin(s.now(), s.refreshBefore):
		return "expiring"
	case !m.Matches(spec):
		return "subject changed"
	case cryptoutils.VerifyKeyPair(m.PrivateKeyPEM, m.CertificatePEM) != nil:
		return "key mismatch"
	default:
		return ""
	}
}
