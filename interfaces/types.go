// Package interfaces defines the core interfaces and types for the workload API.
// It provides the contract between different components without implementation details.
package interfaces

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"slices"
	"strings"
	"time"
)

// CallerContext identifies the module a request claims to act for together with
// the kernel-reported process that sent it. It is built once per request at the
// transport boundary and passed down by value.
type CallerContext struct {
	ModuleID     string
	GenerationID string
	ProcessID    int
}

// CertClass is the certificate-class tag used in aliases and issuance.
type CertClass int

const (
	// ServerCert is a TLS server certificate requested by a module.
	ServerCert CertClass = iota
	// IdentityCert is a TLS client certificate identifying a module.
	IdentityCert
)

// String returns the class tag used in certificate aliases.
func (c CertClass) String() string {
	switch c {
	case ServerCert:
		return "server"
	case IdentityCert:
		return "identity"
	default:
		return "unknown"
	}
}

// ExtKeyUsage returns the extended key usage issued certificates of this class carry.
func (c CertClass) ExtKeyUsage() []x509.ExtKeyUsage {
	switch c {
	case IdentityCert:
		return []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}
	default:
		return []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}
	}
}

// CertificateAlias is the deterministic identity string under which a certificate
// is stored and looked up.
type CertificateAlias string

// String returns the alias as a string.
func (a CertificateAlias) String() string {
	return string(a)
}

// SanEntrySet holds the subject alternative names of a certificate.
// Entries are unique within each list and keep insertion order.
type SanEntrySet struct {
	DNS []string `json:"dns"`
	IP  []string `json:"ip"`
}

// AddDNS appends a DNS name unless already present.
func (s *SanEntrySet) AddDNS(name string) {
	if !slices.Contains(s.DNS, name) {
		s.DNS = append(s.DNS, name)
	}
}

// AddIP appends an IP address unless already present.
func (s *SanEntrySet) AddIP(ip string) {
	if !slices.Contains(s.IP, ip) {
		s.IP = append(s.IP, ip)
	}
}

// Equal reports whether both sets contain the same entries, ignoring order.
func (s SanEntrySet) Equal(other SanEntrySet) bool {
	return sameEntries(s.DNS, other.DNS) && sameEntries(s.IP, other.IP)
}

func sameEntries(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	sa := slices.Clone(a)
	sb := slices.Clone(b)
	slices.Sort(sa)
	slices.Sort(sb)
	return slices.Equal(sa, sb)
}

// CertificateSpec is the canonical description of a certificate to issue or reuse.
// It is built once per request and never mutated afterwards.
type CertificateSpec struct {
	Alias      CertificateAlias
	CommonName string
	SANs       SanEntrySet
	Class      CertClass
}

// EdgeCARef references the certificate authority used to sign module certificates.
type EdgeCARef struct {
	CertID   string `yaml:"cert_id"`
	KeyID    string `yaml:"key_id"`
	DeviceID string `yaml:"device_id"`
}

// IssueRequest is what the certificate service receives from the dispatcher.
type IssueRequest struct {
	Spec   CertificateSpec
	Issuer EdgeCARef
}

// CertificateMaterial is a private key with its certificate chain.
type CertificateMaterial struct {
	// PrivateKeyPEM is the PKCS#8 encoded private key.
	PrivateKeyPEM []byte `json:"private_key"`

	// CertificatePEM is the leaf certificate followed by its issuers.
	CertificatePEM []byte `json:"certificate"`

	// Expiration is the NotAfter of the leaf certificate.
	Expiration time.Time `json:"expiration"`
}

// Leaf parses the first certificate of the chain.
func (m *CertificateMaterial) Leaf() (*x509.Certificate, error) {
	block, _ := pem.Decode(m.CertificatePEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, errors.New("failed to decode certificate PEM block")
	}
	return x509.ParseCertificate(block.Bytes)
}

// TLSCertificate converts the material into a tls.Certificate.
func (m *CertificateMaterial) TLSCertificate() (tls.Certificate, error) {
	return tls.X509KeyPair(m.CertificatePEM, m.PrivateKeyPEM)
}

// ExpiresWithin reports whether the certificate expires before now+d.
func (m *CertificateMaterial) ExpiresWithin(now time.Time, d time.Duration) bool {
	return !now.Add(d).Before(m.Expiration)
}

// Matches reports whether the leaf certificate was issued for the given spec.
func (m *CertificateMaterial) Matches(spec CertificateSpec) bool {
	leaf, err := m.Leaf()
	if err != nil {
		return false
	}
	if leaf.Subject.CommonName != spec.CommonName {
		return false
	}
	ips := make([]string, 0, len(leaf.IPAddresses))
	for _, ip := range leaf.IPAddresses {
		ips = append(ips, ip.String())
	}
	want := SanEntrySet{DNS: spec.SANs.DNS, IP: make([]string, 0, len(spec.SANs.IP))}
	for _, s := range spec.SANs.IP {
		want.IP = append(want.IP, canonicalIP(s))
	}
	return SanEntrySet{DNS: leaf.DNSNames, IP: ips}.Equal(want)
}

// canonicalIP returns the form net.IP.String prints for s, or s unchanged when
// it is not an address.
func canonicalIP(s string) string {
	if ip := net.ParseIP(s); ip != nil {
		return ip.String()
	}
	return s
}

// ModuleStatus is the runtime state of a module.
type ModuleStatus string

const (
	ModuleStatusUnknown ModuleStatus = "unknown"
	ModuleStatusRunning ModuleStatus = "running"
	ModuleStatusStopped ModuleStatus = "stopped"
	ModuleStatusFailed  ModuleStatus = "failed"
	ModuleStatusDead    ModuleStatus = "dead"
)

// ParseModuleStatus maps a backend specific status string to a ModuleStatus.
func ParseModuleStatus(s string) ModuleStatus {
	switch strings.ToLower(s) {
	case "running", "restarting", "paused":
		return ModuleStatusRunning
	case "created", "exited", "stopped":
		return ModuleStatusStopped
	case "failed":
		return ModuleStatusFailed
	case "dead", "removing":
		return ModuleStatusDead
	default:
		return ModuleStatusUnknown
	}
}

// ModuleRuntimeState captures what the runtime knows about a module's lifecycle.
type ModuleRuntimeState struct {
	Status            ModuleStatus
	StatusDescription string
	StartedAt         *time.Time
	FinishedAt        *time.Time
	ExitCode          *int
	ProcessID         int
}

// Module is a module known to the runtime.
type Module struct {
	Name     string
	Type     string
	Image    string
	Settings map[string]any
	State    ModuleRuntimeState
}

// String returns a short description for logging.
func (m Module) String() string {
	return fmt.Sprintf("%s (%s, %s)", m.Name, m.Type, m.State.Status)
}
