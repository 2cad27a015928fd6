// Package config loads the workloadd configuration file.
//
// Durations are Go duration strings ("90s", "24h"). Every field has a default,
// so an empty file is a valid development configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ruteri/edge-workload-api/edgeca"
	"github.com/ruteri/edge-workload-api/interfaces"
	"github.com/ruteri/edge-workload-api/runtime"
	"github.com/ruteri/edge-workload-api/tracing"
	"github.com/ruteri/edge-workload-api/vaultpki"
	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("invalid config")

const (
	RuntimeMemory = "memory"
	RuntimeDocker = "docker"

	SignerLocal = "local"
	SignerVault = "vault"
)

type Config struct {
	Server  ServerSection  `yaml:"server"`
	Edge    EdgeSection    `yaml:"edge"`
	Runtime RuntimeSection `yaml:"runtime"`

	// Stores are certificate store URIs in read order, see storage.StoreFactory.
	Stores []string `yaml:"stores"`

	Signer       SignerSection       `yaml:"signer"`
	Certificates CertificatesSection `yaml:"certificates"`
	Tracing      TracingSection      `yaml:"tracing"`
}

type ServerSection struct {
	SocketPath string `yaml:"socket_path"`
	// SocketPermissions is an octal mode string such as "0660".
	SocketPermissions string `yaml:"socket_permissions"`

	// ListenAddr additionally serves over TCP. TCP callers carry no peer
	// credentials, so it is only useful for development.
	ListenAddr  string `yaml:"listen_addr"`
	MetricsAddr string `yaml:"metrics_addr"`

	ReadTimeout      string `yaml:"read_timeout"`
	WriteTimeout     string `yaml:"write_timeout"`
	GracefulShutdown string `yaml:"graceful_shutdown"`
}

type EdgeSection struct {
	CA                  interfaces.EdgeCARef `yaml:"ca"`
	Namespace           string               `yaml:"namespace"`
	TrustBundle         string               `yaml:"trust_bundle"`
	ManifestTrustBundle string               `yaml:"manifest_trust_bundle"`
}

type RuntimeSection struct {
	Type    string                 `yaml:"type"`
	Modules []runtime.StaticModule `yaml:"modules"`
	Docker  runtime.DockerConfig   `yaml:"docker"`
}

type SignerSection struct {
	Type  string      `yaml:"type"`
	Local LocalSigner `yaml:"local"`
	Vault VaultSigner `yaml:"vault"`
}

type LocalSigner struct {
	Dir string `yaml:"dir"`
	// Seed is hex encoded. The EDGECA_SEED environment variable takes precedence.
	Seed         string `yaml:"seed"`
	Organization string `yaml:"organization"`
	CAValidity   string `yaml:"ca_validity"`
}

type VaultSigner struct {
	Address string `yaml:"address"`
	// Token falls back to the VAULT_TOKEN environment variable.
	Token     string `yaml:"token"`
	Mount     string `yaml:"mount"`
	Role      string `yaml:"role"`
	IssuerRef string `yaml:"issuer_ref"`

	Timeout          string `yaml:"timeout"`
	MaxRetries       int    `yaml:"max_retries"`
	BreakerThreshold uint32 `yaml:"breaker_threshold"`
	BreakerTimeout   string `yaml:"breaker_timeout"`
}

type CertificatesSection struct {
	Validity      string `yaml:"validity"`
	RefreshBefore string `yaml:"refresh_before"`
}

type TracingSection struct {
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// Default returns the configuration used for fields a file leaves empty.
func Default() *Config {
	return &Config{
		Server: ServerSection{
			SocketPath:        "/var/run/workloadd/workload.sock",
			SocketPermissions: "0666",
			MetricsAddr:       "127.0.0.1:8090",
			ReadTimeout:       "60s",
			WriteTimeout:      "30s",
			GracefulShutdown:  "30s",
		},
		Edge: EdgeSection{
			CA: interfaces.EdgeCARef{
				CertID: "aziot-edged-ca",
				KeyID:  "aziot-edged-ca",
			},
			Namespace:           "aziot-edged",
			TrustBundle:         "aziot-edged-trust-bundle",
			ManifestTrustBundle: "aziot-edged-manifest-trust-bundle",
		},
		Runtime: RuntimeSection{Type: RuntimeMemory},
		Stores:  []string{"file:///var/lib/workloadd/certs"},
		Signer: SignerSection{
			Type:  SignerLocal,
			Local: LocalSigner{Dir: "/var/lib/workloadd/ca"},
			Vault: VaultSigner{Mount: "pki", Timeout: "30s"},
		},
		Certificates: CertificatesSection{
			Validity:      "2160h",
			RefreshBefore: "24h",
		},
		Tracing: TracingSection{SamplingRate: 1.0},
	}
}

// Load reads path on top of Default and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := Parse(data, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML into cfg, rejecting unknown fields.
func Parse(data []byte, cfg *Config) error {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}

	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}

	if c.Server.SocketPath == "" && c.Server.ListenAddr == "" {
		fail("server.socket_path or server.listen_addr is required")
	}
	if _, err := c.Server.SocketMode(); err != nil {
		fail("server.socket_permissions: %v", err)
	}
	for field, value := range map[string]string{
		"server.read_timeout":          c.Server.ReadTimeout,
		"server.write_timeout":         c.Server.WriteTimeout,
		"server.graceful_shutdown":     c.Server.GracefulShutdown,
		"certificates.validity":        c.Certificates.Validity,
		"certificates.refresh_before":  c.Certificates.RefreshBefore,
		"signer.local.ca_validity":     c.Signer.Local.CAValidity,
		"signer.vault.timeout":         c.Signer.Vault.Timeout,
		"signer.vault.breaker_timeout": c.Signer.Vault.BreakerTimeout,
	} {
		if _, err := parseDuration(value); err != nil {
			fail("%s: %v", field, err)
		}
	}

	if c.Edge.CA.CertID == "" || c.Edge.CA.KeyID == "" {
		fail("edge.ca.cert_id and edge.ca.key_id are required")
	}
	if c.Edge.Namespace == "" {
		fail("edge.namespace is required")
	}

	switch c.Runtime.Type {
	case RuntimeMemory, RuntimeDocker:
	default:
		fail("runtime.type must be %q or %q, got %q", RuntimeMemory, RuntimeDocker, c.Runtime.Type)
	}

	if len(c.Stores) == 0 {
		fail("at least one certificate store is required")
	}

	switch c.Signer.Type {
	case SignerLocal:
		if _, err := c.Signer.Local.seed(); err != nil {
			fail("signer.local.seed: %v", err)
		}
	case SignerVault:
		if c.Signer.Vault.Address == "" || c.Signer.Vault.Role == "" {
			fail("signer.vault.address and signer.vault.role are required")
		}
	default:
		fail("signer.type must be %q or %q, got %q", SignerLocal, SignerVault, c.Signer.Type)
	}

	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		fail("tracing.sampling_rate must be within [0, 1]")
	}

	return errors.Join(errs...)
}

// SocketMode parses SocketPermissions as an octal file mode.
func (s ServerSection) SocketMode() (os.FileMode, error) {
	if s.SocketPermissions == "" {
		return 0, nil
	}
	mode, err := strconv.ParseUint(s.SocketPermissions, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid octal mode %q", s.SocketPermissions)
	}
	if mode > 0o777 {
		return 0, fmt.Errorf("mode %q has bits outside 0777", s.SocketPermissions)
	}
	return os.FileMode(mode), nil
}

func (s ServerSection) Timeouts() (read, write, shutdown time.Duration) {
	read, _ = parseDuration(s.ReadTimeout)
	write, _ = parseDuration(s.WriteTimeout)
	shutdown, _ = parseDuration(s.GracefulShutdown)
	return read, write, shutdown
}

func (c CertificatesSection) RefreshBeforeDuration() time.Duration {
	d, _ := parseDuration(c.RefreshBefore)
	return d
}

func (c CertificatesSection) ValidityDuration() time.Duration {
	d, _ := parseDuration(c.Validity)
	return d
}

// EdgeCAConfig returns the local signer configuration.
func (c *Config) EdgeCAConfig() (edgeca.Config, error) {
	seed, err := c.Signer.Local.seed()
	if err != nil {
		return edgeca.Config{}, err
	}
	caValidity, _ := parseDuration(c.Signer.Local.CAValidity)
	return edgeca.Config{
		Dir:          c.Signer.Local.Dir,
		Seed:         seed,
		Organization: c.Signer.Local.Organization,
		Validity:     c.Certificates.ValidityDuration(),
		CAValidity:   caValidity,
	}, nil
}

// VaultPKIConfig returns the Vault signer configuration.
func (c *Config) VaultPKIConfig() vaultpki.Config {
	v := c.Signer.Vault
	timeout, _ := parseDuration(v.Timeout)
	breakerTimeout, _ := parseDuration(v.BreakerTimeout)

	token := v.Token
	if token == "" {
		token = os.Getenv("VAULT_TOKEN")
	}

	return vaultpki.Config{
		Address:          v.Address,
		Token:            token,
		Mount:            v.Mount,
		Role:             v.Role,
		IssuerRef:        v.IssuerRef,
		TTL:              c.Certificates.ValidityDuration(),
		Timeout:          timeout,
		MaxRetries:       v.MaxRetries,
		BreakerThreshold: v.BreakerThreshold,
		BreakerTimeout:   breakerTimeout,
	}
}

func (c *Config) TracingConfig(serviceName string) tracing.Config {
	return tracing.Config{
		ServiceName:  serviceName,
		OTLPEndpoint: c.Tracing.OTLPEndpoint,
		SamplingRate: c.Tracing.SamplingRate,
	}
}

func (l LocalSigner) seed() ([]byte, error) {
	encoded := l.Seed
	if env := os.Getenv("EDGECA_SEED"); env != "" {
		encoded = env
	}
	if encoded == "" {
		return nil, nil
	}
	return edgeca.ParseSeed(encoded)
}

// parseDuration accepts an empty string as zero, leaving the component default in place.
func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}
