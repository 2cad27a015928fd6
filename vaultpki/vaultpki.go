// Package vaultpki issues module certificates through a HashiCorp Vault PKI
// secrets engine. Calls go through a circuit breaker so an unreachable Vault
// fails fast with interfaces.ErrServiceUnavailable.
package vaultpki

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	vaultapi "github.com/hashicorp/vault/api"
	"github.com/ruteri/edge-workload-api/cryptoutils"
	"github.com/ruteri/edge-workload-api/interfaces"
	"github.com/sony/gobreaker"
)

const (
	defaultMount            = "pki"
	defaultTimeout          = 30 * time.Second
	defaultBreakerThreshold = 5
	defaultBreakerTimeout   = 30 * time.Second
)

type Config struct {
	Address string
	Token   string
	Mount   string
	Role    string

	// IssuerRef selects the Vault issuer. Empty uses the edge CA cert id.
	IssuerRef string

	TTL        time.Duration
	Timeout    time.Duration
	MaxRetries int

	// BreakerThreshold is the number of consecutive failures that opens the breaker.
	BreakerThreshold uint32
	BreakerTimeout   time.Duration
}

// Signer implements interfaces.Signer on top of Vault's pki/issue endpoint.
type Signer struct {
	client  *vaultapi.Client
	cfg     Config
	breaker *gobreaker.CircuitBreaker
	log     *slog.Logger

	mu      sync.Mutex
	caCerts map[string][]byte
}

func New(cfg Config, log *slog.Logger) (*Signer, error) {
	if cfg.Address == "" {
		return nil, errors.New("vault address is required")
	}
	if cfg.Role == "" {
		return nil, errors.New("vault PKI role is required")
	}
	if cfg.Mount == "" {
		cfg.Mount = defaultMount
	}
	cfg.Mount = strings.Trim(cfg.Mount, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.BreakerThreshold == 0 {
		cfg.BreakerThreshold = defaultBreakerThreshold
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = defaultBreakerTimeout
	}

	config := vaultapi.DefaultConfig()
	config.Address = cfg.Address
	config.Timeout = cfg.Timeout
	config.MaxRetries = cfg.MaxRetries

	client, err := vaultapi.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	}

	s := &Signer{
		client:  client,
		cfg:     cfg,
		log:     log,
		caCerts: make(map[string][]byte),
	}

	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "vault-pki",
		Timeout: cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state change",
				slog.String("name", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
		IsSuccessful: func(err error) bool {
			return err == nil || canceled(err) || !unavailable(err)
		},
	})

	return s, nil
}

func (s *Signer) Name() string {
	return "vault-pki"
}

// Issue asks Vault to generate a key and certificate for spec.
func (s *Signer) Issue(ctx context.Context, spec interfaces.CertificateSpec, issuer interfaces.EdgeCARef) (*interfaces.CertificateMaterial, error) {
	path := fmt.Sprintf("%s/issue/%s", s.cfg.Mount, s.cfg.Role)

	data := map[string]interface{}{
		"common_name":          spec.CommonName,
		"private_key_format":   "pkcs8",
		"exclude_cn_from_sans": true,
	}
	if len(spec.SANs.DNS) > 0 {
		data["alt_names"] = strings.Join(spec.SANs.DNS, ",")
	}
	if len(spec.SANs.IP) > 0 {
		data["ip_sans"] = strings.Join(spec.SANs.IP, ",")
	}
	if ref := s.issuerRef(issuer); ref != "" {
		data["issuer_ref"] = ref
	}
	if s.cfg.TTL > 0 {
		data["ttl"] = s.cfg.TTL.String()
	}

	secret, err := s.write(ctx, path, data)
	if err != nil {
		return nil, err
	}

	material, err := materialFromSecret(secret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrSigningFailed, err)
	}

	s.log.Info("certificate issued by Vault",
		slog.String("alias", spec.Alias.String()),
		slog.String("role", s.cfg.Role),
		slog.Time("expiration", material.Expiration))

	return material, nil
}

// CACertificate returns the PEM certificate of the Vault issuer that signs module certificates.
func (s *Signer) CACertificate(ctx context.Context, issuer interfaces.EdgeCARef) ([]byte, error) {
	ref := s.issuerRef(issuer)

	s.mu.Lock()
	cached, ok := s.caCerts[ref]
	s.mu.Unlock()
	if ok {
		return cached, nil
	}

	path := fmt.Sprintf("%s/cert/ca", s.cfg.Mount)
	if ref != "" {
		path = fmt.Sprintf("%s/issuer/%s/json", s.cfg.Mount, ref)
	}

	secret, err := s.read(ctx, path)
	if err != nil {
		return nil, err
	}
	if secret == nil || secret.Data == nil {
		return nil, interfaces.ErrCertificateNotFound
	}

	caPEM, _ := secret.Data["certificate"].(string)
	if _, err := cryptoutils.ParseCertificate([]byte(caPEM)); err != nil {
		return nil, fmt.Errorf("%w: invalid CA certificate from Vault: %v", interfaces.ErrServiceUnavailable, err)
	}

	s.mu.Lock()
	s.caCerts[ref] = []byte(caPEM)
	s.mu.Unlock()

	return []byte(caPEM), nil
}

func (s *Signer) issuerRef(issuer interfaces.EdgeCARef) string {
	if s.cfg.IssuerRef != "" {
		return s.cfg.IssuerRef
	}
	return issuer.CertID
}

func (s *Signer) write(ctx context.Context, path string, data map[string]interface{}) (*vaultapi.Secret, error) {
	result, err := s.breaker.Execute(func() (interface{}, error) {
		return s.client.Logical().WriteWithContext(ctx, path, data)
	})
	return s.result(path, result, err)
}

func (s *Signer) read(ctx context.Context, path string) (*vaultapi.Secret, error) {
	result, err := s.breaker.Execute(func() (interface{}, error) {
		return s.client.Logical().ReadWithContext(ctx, path)
	})
	return s.result(path, result, err)
}

func (s *Signer) result(path string, result interface{}, err error) (*vaultapi.Secret, error) {
	if err != nil {
		if canceled(err) {
			return nil, err
		}
		if unavailable(err) {
			s.log.Error("Vault request failed", slog.String("path", path), "err", err)
			return nil, fmt.Errorf("%w: %v", interfaces.ErrServiceUnavailable, err)
		}
		s.log.Warn("Vault rejected request", slog.String("path", path), "err", err)
		return nil, fmt.Errorf("%w: %v", interfaces.ErrSigningFailed, err)
	}

	secret, _ := result.(*vaultapi.Secret)
	return secret, nil
}

func canceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// unavailable separates transport and server failures from requests Vault
// understood and refused.
func unavailable(err error) bool {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return true
	}
	var respErr *vaultapi.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode >= http.StatusInternalServerError ||
			respErr.StatusCode == http.StatusTooManyRequests
	}
	return true
}

func materialFromSecret(secret *vaultapi.Secret) (*interfaces.CertificateMaterial, error) {
	if secret == nil || secret.Data == nil {
		return nil, errors.New("no data in Vault response")
	}

	certPEM, _ := secret.Data["certificate"].(string)
	keyPEM, _ := secret.Data["private_key"].(string)
	if certPEM == "" || keyPEM == "" {
		return nil, errors.New("Vault response is missing the certificate or private key")
	}

	leaf, err := cryptoutils.ParseCertificate([]byte(certPEM))
	if err != nil {
		return nil, err
	}
	if err := cryptoutils.VerifyKeyPair([]byte(keyPEM), []byte(certPEM)); err != nil {
		return nil, err
	}

	chain := strings.TrimSpace(certPEM) + "\n"
	if caChain, ok := secret.Data["ca_chain"].([]interface{}); ok && len(caChain) > 0 {
		for _, c := range caChain {
			if pemStr, ok := c.(string); ok {
				chain += strings.TrimSpace(pemStr) + "\n"
			}
		}
	} else if issuing, ok := secret.Data["issuing_ca"].(string); ok && issuing != "" {
		chain += strings.TrimSpace(issuing) + "\n"
	}

	return &interfaces.CertificateMaterial{
		PrivateKeyPEM:  []byte(keyPEM),
		CertificatePEM: []byte(chain),
		Expiration:     leaf.NotAfter,
	}, nil
}
