// Package edgeca signs module certificates with a local device CA.
//
// The CA key and certificate are loaded from a directory or created on first
// use. With a seed configured, the CA key is derived from it, so a device
// that lost its CA directory recreates the same key.
package edgeca

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ruteri/edge-workload-api/cryptoutils"
	"github.com/ruteri/edge-workload-api/interfaces"
)

const (
	DefaultValidity   = 90 * 24 * time.Hour
	DefaultCAValidity = 10 * 365 * 24 * time.Hour

	// MinSeedLength is the shortest accepted key derivation seed in bytes.
	MinSeedLength = 16

	// Backdating absorbs small clock differences between the device and its peers.
	notBeforeSkew = 5 * time.Minute
)

var errSeedTooShort = fmt.Errorf("edge CA seed must be at least %d bytes", MinSeedLength)

// ParseSeed decodes a hex encoded key derivation seed.
func ParseSeed(encoded string) ([]byte, error) {
	seed, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(encoded), "0x"))
	if err != nil {
		return nil, fmt.Errorf("seed is not valid hex: %w", err)
	}
	if len(seed) < MinSeedLength {
		return nil, errSeedTooShort
	}
	return seed, nil
}

type Config struct {
	// Dir persists CA keys and certificates. Empty keeps them in memory only.
	Dir string

	// Seed derives CA keys deterministically. Optional.
	Seed []byte

	Organization string
	Validity     time.Duration
	CAValidity   time.Duration
}

type authority struct {
	key     crypto.Signer
	cert    *x509.Certificate
	certPEM []byte
}

// Signer implements interfaces.Signer with locally held CA keys.
type Signer struct {
	cfg Config
	log *slog.Logger
	now func() time.Time

	mu          sync.Mutex
	authorities map[string]*authority
}

func New(cfg Config, log *slog.Logger) (*Signer, error) {
	if cfg.Validity <= 0 {
		cfg.Validity = DefaultValidity
	}
	if cfg.CAValidity <= 0 {
		cfg.CAValidity = DefaultCAValidity
	}
	if len(cfg.Seed) > 0 && len(cfg.Seed) < MinSeedLength {
		return nil, errSeedTooShort
	}
	if cfg.Dir != "" {
		if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create CA directory: %w", err)
		}
	}

	return &Signer{
		cfg:         cfg,
		log:         log,
		now:         time.Now,
		authorities: make(map[string]*authority),
	}, nil
}

func (s *Signer) Name() string {
	return "edgeca"
}

// CACertificate returns the PEM certificate of the referenced CA, creating it if needed.
func (s *Signer) CACertificate(ctx context.Context, issuer interfaces.EdgeCARef) ([]byte, error) {
	ca, err := s.authority(issuer)
	if err != nil {
		return nil, err
	}
	return ca.certPEM, nil
}

// Issue generates a fresh key and a certificate for spec signed by the referenced CA.
// The returned chain is the leaf followed by the CA certificate.
func (s *Signer) Issue(ctx context.Context, spec interfaces.CertificateSpec, issuer interfaces.EdgeCARef) (*interfaces.CertificateMaterial, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ca, err := s.authority(issuer)
	if err != nil {
		return nil, err
	}

	key, err := cryptoutils.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrSigningFailed, err)
	}

	serial, err := cryptoutils.NewSerialNumber()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to generate serial number: %v", interfaces.ErrSigningFailed, err)
	}

	ips := make([]net.IP, 0, len(spec.SANs.IP))
	for _, raw := range spec.SANs.IP {
		ip := net.ParseIP(raw)
		if ip == nil {
			return nil, fmt.Errorf("%w: invalid IP SAN %q", interfaces.ErrSigningFailed, raw)
		}
		ips = append(ips, ip)
	}

	now := s.now()
	notAfter := now.Add(s.cfg.Validity).UTC().Truncate(time.Second)
	if notAfter.After(ca.cert.NotAfter) {
		notAfter = ca.cert.NotAfter
	}

	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: spec.CommonName},
		NotBefore:             now.Add(-notBeforeSkew),
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyAgreement,
		ExtKeyUsage:           spec.Class.ExtKeyUsage(),
		BasicConstraintsValid: true,
		DNSNames:              spec.SANs.DNS,
		IPAddresses:           ips,
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, ca.cert, key.Public(), ca.key)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create certificate: %v", interfaces.ErrSigningFailed, err)
	}

	keyPEM, err := cryptoutils.EncodePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrSigningFailed, err)
	}

	chain := cryptoutils.EncodeCertificate(der)
	chain = append(chain, ca.certPEM...)

	s.log.Debug("issued module certificate",
		slog.String("alias", spec.Alias.String()),
		slog.String("class", spec.Class.String()),
		slog.Time("not_after", notAfter))

	return &interfaces.CertificateMaterial{
		PrivateKeyPEM:  keyPEM,
		CertificatePEM: chain,
		Expiration:     notAfter,
	}, nil
}

func (s *Signer) authority(issuer interfaces.EdgeCARef) (*authority, error) {
	if issuer.CertID == "" || issuer.KeyID == "" {
		return nil, fmt.Errorf("%w: edge CA reference is incomplete", interfaces.ErrSigningFailed)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if ca, ok := s.authorities[issuer.CertID]; ok && s.now().Before(ca.cert.NotAfter) {
		return ca, nil
	}

	ca, err := s.load(issuer)
	if err != nil {
		return nil, err
	}
	if ca == nil || !s.now().Before(ca.cert.NotAfter) {
		if ca, err = s.create(issuer); err != nil {
			return nil, err
		}
	}

	s.authorities[issuer.CertID] = ca
	return ca, nil
}

// load returns nil without error when nothing is persisted yet.
func (s *Signer) load(issuer interfaces.EdgeCARef) (*authority, error) {
	if s.cfg.Dir == "" {
		return nil, nil
	}

	certPath, keyPath := s.paths(issuer)
	certPEM, err := os.ReadFile(certPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("%w: failed to read CA certificate: %v", interfaces.ErrServiceUnavailable, err)
	}

	keyPEM, err := os.ReadFile(keyPath)
	if errors.Is(err, os.ErrNotExist) {
		s.log.Warn("CA certificate without key, recreating", slog.String("cert_id", issuer.CertID))
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("%w: failed to read CA key: %v", interfaces.ErrServiceUnavailable, err)
	}

	if err := cryptoutils.VerifyKeyPair(keyPEM, certPEM); err != nil {
		return nil, fmt.Errorf("%w: stored CA is unusable: %v", interfaces.ErrSigningFailed, err)
	}

	key, err := cryptoutils.ParsePrivateKey(keyPEM)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrSigningFailed, err)
	}
	cert, err := cryptoutils.ParseCertificate(certPEM)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrSigningFailed, err)
	}

	return &authority{key: key, cert: cert, certPEM: cryptoutils.EncodeCertificate(cert.Raw)}, nil
}

func (s *Signer) create(issuer interfaces.EdgeCARef) (*authority, error) {
	var (
		key crypto.Signer
		err error
	)
	if len(s.cfg.Seed) > 0 {
		key, err = cryptoutils.DeriveKey(s.cfg.Seed, issuer.KeyID)
	} else {
		key, err = cryptoutils.GenerateKey()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create CA key: %v", interfaces.ErrSigningFailed, err)
	}

	serial, err := cryptoutils.NewSerialNumber()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to generate serial number: %v", interfaces.ErrSigningFailed, err)
	}

	cn := "Edge Workload CA"
	if issuer.DeviceID != "" {
		cn = fmt.Sprintf("Edge Workload CA for %s", issuer.DeviceID)
	}

	now := s.now()
	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: organization(s.cfg.Organization),
			CommonName:   cn,
		},
		NotBefore:             now.Add(-notBeforeSkew),
		NotAfter:              now.Add(s.cfg.CAValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, key.Public(), key)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create CA certificate: %v", interfaces.ErrSigningFailed, err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrSigningFailed, err)
	}

	ca := &authority{key: key, cert: cert, certPEM: cryptoutils.EncodeCertificate(der)}
	if err := s.persist(issuer, ca); err != nil {
		return nil, err
	}

	s.log.Info("created edge CA",
		slog.String("cert_id", issuer.CertID),
		slog.Bool("derived", len(s.cfg.Seed) > 0),
		slog.Time("not_after", cert.NotAfter))

	return ca, nil
}

func (s *Signer) persist(issuer interfaces.EdgeCARef, ca *authority) error {
	if s.cfg.Dir == "" {
		return nil
	}

	keyPEM, err := cryptoutils.EncodePrivateKey(ca.key)
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrSigningFailed, err)
	}

	certPath, keyPath := s.paths(issuer)
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return fmt.Errorf("%w: failed to write CA key: %v", interfaces.ErrServiceUnavailable, err)
	}
	if err := os.WriteFile(certPath, ca.certPEM, 0o644); err != nil {
		return fmt.Errorf("%w: failed to write CA certificate: %v", interfaces.ErrServiceUnavailable, err)
	}
	return nil
}

func (s *Signer) paths(issuer interfaces.EdgeCARef) (certPath, keyPath string) {
	return filepath.Join(s.cfg.Dir, url.PathEscape(issuer.CertID)+".cert.pem"),
		filepath.Join(s.cfg.Dir, url.PathEscape(issuer.KeyID)+".key.pem")
}

func organization(o string) []string {
	if o == "" {
		return nil
	}
	return []string{o}
}
