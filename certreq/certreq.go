// Package certreq turns an untrusted certificate request into a canonical
// CertificateSpec: it validates the common name, derives the SAN entries and
// computes the alias the certificate is stored under.
//
// Nothing in this package performs I/O.
package certreq

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strings"
	"unicode"

	"github.com/miekg/dns"
	"github.com/ruteri/edge-workload-api/api"
	"github.com/ruteri/edge-workload-api/interfaces"
	"golang.org/x/net/idna"
)

// DefaultNamespace prefixes every alias unless configured otherwise.
const DefaultNamespace = "aziot-edged"

const maxLabelLength = 63

// Kind classifies a validation failure.
type Kind int

const (
	MissingBody Kind = iota + 1
	MalformedBody
	EmptyCommonName
	InvalidCommonName
	InvalidModuleID
)

func (k Kind) String() string {
	switch k {
	case MissingBody:
		return "missing request body"
	case MalformedBody:
		return "malformed request body"
	case EmptyCommonName:
		return "common name must not be empty"
	case InvalidCommonName:
		return "invalid common name"
	case InvalidModuleID:
		return "module id cannot be used as a DNS name"
	default:
		return "invalid request"
	}
}

// Error is returned for every request that cannot be turned into a spec. Its
// message only repeats what the caller sent.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind && t.Err == nil
}

var (
	ErrMissingBody       = &Error{Kind: MissingBody}
	ErrMalformedBody     = &Error{Kind: MalformedBody}
	ErrEmptyCommonName   = &Error{Kind: EmptyCommonName}
	ErrInvalidCommonName = &Error{Kind: InvalidCommonName}
	ErrInvalidModuleID   = &Error{Kind: InvalidModuleID}
)

// ParseServerCertificateRequest decodes a request body. An empty body or a JSON
// null yields (nil, nil) so the validator can report it as missing.
func ParseServerCertificateRequest(r io.Reader) (*api.ServerCertificateRequest, error) {
	if r == nil {
		return nil, nil
	}
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, &Error{Kind: MalformedBody, Err: err}
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}

	var req api.ServerCertificateRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, &Error{Kind: MalformedBody, Err: err}
	}
	return &req, nil
}

type Validator struct {
	namespace string
}

// NewValidator creates a validator deriving aliases under namespace. An empty
// namespace means DefaultNamespace.
func NewValidator(namespace string) *Validator {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return &Validator{namespace: namespace}
}

// Namespace returns the alias namespace.
func (v *Validator) Namespace() string {
	return v.namespace
}

// ServerCertificate validates a server certificate request for the module and
// generation taken from the URI.
func (v *Validator) ServerCertificate(moduleID, genID string, body *api.ServerCertificateRequest) (interfaces.CertificateSpec, error) {
	if body == nil {
		return interfaces.CertificateSpec{}, ErrMissingBody
	}

	commonName := strings.TrimSpace(body.CommonName)
	if commonName == "" {
		return interfaces.CertificateSpec{}, ErrEmptyCommonName
	}

	moduleLabel, err := moduleDNSLabel(moduleID)
	if err != nil {
		return interfaces.CertificateSpec{}, err
	}

	var sans interfaces.SanEntrySet
	if ip := net.ParseIP(commonName); ip != nil {
		sans.AddIP(ip.String())
	} else {
		name, err := dnsSANName(commonName)
		if err != nil {
			return interfaces.CertificateSpec{}, err
		}
		sans.AddDNS(name)
	}
	// a DNS SAN takes precedence over the common name during verification, so
	// the module label is always present and the common name is listed too
	sans.AddDNS(moduleLabel)

	return interfaces.CertificateSpec{
		Alias:      Alias(v.namespace, moduleID, genID, interfaces.ServerCert),
		CommonName: commonName,
		SANs:       sans,
		Class:      interfaces.ServerCert,
	}, nil
}

// IdentityCertificate builds the spec of a module's client certificate. The
// common name is the module id itself.
func (v *Validator) IdentityCertificate(moduleID, genID string) (interfaces.CertificateSpec, error) {
	moduleLabel, err := moduleDNSLabel(moduleID)
	if err != nil {
		return interfaces.CertificateSpec{}, err
	}

	var sans interfaces.SanEntrySet
	sans.AddDNS(moduleLabel)

	return interfaces.CertificateSpec{
		Alias:      Alias(v.namespace, moduleID, genID, interfaces.IdentityCert),
		CommonName: moduleID,
		SANs:       sans,
		Class:      interfaces.IdentityCert,
	}, nil
}

func moduleDNSLabel(moduleID string) (string, error) {
	label := SanitizeDNSLabel(moduleID)
	if label == "" {
		return "", ErrInvalidModuleID
	}
	return label, nil
}

// dnsSANName returns the DNS SAN carried for a common name that is not an IP
// address. Internationalized labels are converted to their ASCII form. The result
// must encode as an IA5String and respect DNS label and name lengths.
func dnsSANName(name string) (string, error) {
	if addr, err := netip.ParseAddr(name); err == nil && addr.Zone() != "" {
		return "", &Error{Kind: InvalidCommonName, Err: fmt.Errorf("%q is a scoped IPv6 address", name)}
	}
	ascii, err := idna.Punycode.ToASCII(name)
	if err != nil {
		return "", &Error{Kind: InvalidCommonName, Err: fmt.Errorf("%q cannot be converted to ASCII: %w", name, err)}
	}
	for _, r := range ascii {
		if r > unicode.MaxASCII {
			return "", &Error{Kind: InvalidCommonName, Err: fmt.Errorf("%q cannot be encoded as an IA5String", name)}
		}
	}
	if _, ok := dns.IsDomainName(ascii); !ok {
		return "", &Error{Kind: InvalidCommonName, Err: fmt.Errorf("%q is not a valid DNS name", name)}
	}
	return ascii, nil
}

// SanitizeDNSLabel maps an arbitrary module id to a DNS label: leading characters
// up to the first letter and trailing characters after the last letter or digit
// are dropped, the rest is lowercased, only letters, digits and '-' are kept,
// and the result is cut to 63 characters. The result is "" when nothing usable
// remains.
func SanitizeDNSLabel(s string) string {
	s = strings.TrimLeftFunc(s, func(r rune) bool { return !isASCIILetter(r) })
	s = strings.TrimRightFunc(s, func(r rune) bool { return !isASCIILetter(r) && !isASCIIDigit(r) })

	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if isASCIILetter(r) || isASCIIDigit(r) || r == '-' {
			b.WriteRune(r)
			if b.Len() == maxLabelLength {
				break
			}
		}
	}
	return strings.TrimRight(b.String(), "-")
}

func isASCIILetter(r rune) bool {
	return ('a' <= r && r <= 'z') || ('A' <= r && r <= 'Z')
}

func isASCIIDigit(r rune) bool {
	return '0' <= r && r <= '9'
}

var aliasEscaper = strings.NewReplacer("%", "%25", ":", "%3A")

// Alias returns "<namespace>/module/<moduleId>:<genId>:<class>". '%' and ':' in
// the module and generation ids are escaped so distinct pairs never collide.
func Alias(namespace, moduleID, genID string, class interfaces.CertClass) interfaces.CertificateAlias {
	return interfaces.CertificateAlias(fmt.Sprintf("%s/module/%s:%s:%s",
		namespace, aliasEscaper.Replace(moduleID), aliasEscaper.Replace(genID), class))
}

// IsValidationError reports whether err came from this package.
func IsValidationError(err error) bool {
	var e *Error
	return errors.As(err, &e)
}
