package cryptoutils

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"math/big"

	"golang.org/x/crypto/hkdf"
)

const (
	pemTypeCertificate = "CERTIFICATE"
	pemTypePrivateKey  = "PRIVATE KEY"
)

// GenerateKey creates a new P-256 private key.
func GenerateKey() (*ecdsa.PrivateKey, error) {
	return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
}

// DeriveKey deterministically derives a P-256 private key from seed.
// Different info strings yield independent keys from the same seed.
func DeriveKey(seed []byte, info string) (*ecdsa.PrivateKey, error) {
	if len(seed) < 16 {
		return nil, errors.New("seed must be at least 16 bytes")
	}

	curve := elliptic.P256()
	params := curve.Params()

	// 8 extra bytes keep the bias of the modular reduction negligible.
	buf := make([]byte, params.BitSize/8+8)
	if _, err := io.ReadFull(hkdf.New(sha256.New, seed, nil, []byte(info)), buf); err != nil {
		return nil, fmt.Errorf("failed to derive key material: %w", err)
	}

	n := new(big.Int).Sub(params.N, big.NewInt(1))
	d := new(big.Int).SetBytes(buf)
	d.Mod(d, n)
	d.Add(d, big.NewInt(1))

	key := &ecdsa.PrivateKey{D: d}
	key.PublicKey.Curve = curve
	key.PublicKey.X, key.PublicKey.Y = curve.ScalarBaseMult(d.FillBytes(make([]byte, 32)))
	return key, nil
}

// NewSerialNumber returns a random 128-bit certificate serial number.
func NewSerialNumber() (*big.Int, error) {
	return rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
}

// EncodePrivateKey encodes key as a PKCS#8 PEM block.
func EncodePrivateKey(key crypto.Signer) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: pemTypePrivateKey, Bytes: der}), nil
}

// EncodeCertificate encodes a DER certificate as a PEM block.
func EncodeCertificate(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: pemTypeCertificate, Bytes: der})
}

// ParsePrivateKey decodes a PKCS#8 (or PKCS#1 / SEC 1) PEM private key.
func ParsePrivateKey(keyPEM []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, errors.New("failed to decode private key PEM block")
	}

	switch block.Type {
	case "EC PRIVATE KEY":
		key, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		return key, nil
	case "RSA PRIVATE KEY":
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		return key, nil
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("unsupported private key type %T", key)
	}
	return signer, nil
}

// ParseCertificate decodes the first certificate of a PEM bundle.
func ParseCertificate(certPEM []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != pemTypeCertificate {
		return nil, errors.New("failed to decode certificate PEM block")
	}
	return x509.ParseCertificate(block.Bytes)
}

// VerifyKeyPair checks that the first certificate of certPEM was issued for the
// public half of keyPEM.
func VerifyKeyPair(keyPEM, certPEM []byte) error {
	key, err := ParsePrivateKey(keyPEM)
	if err != nil {
		return err
	}

	cert, err := ParseCertificate(certPEM)
	if err != nil {
		return fmt.Errorf("failed to parse certificate: %w", err)
	}

	pub, ok := key.Public().(interface{ Equal(crypto.PublicKey) bool })
	if !ok || !pub.Equal(cert.PublicKey) {
		return errors.New("private key doesn't match certificate")
	}
	return nil
}

// VerifyCertificate validates that a certificate matches a given private key
// and carries the expected common name.
func VerifyCertificate(keyPEM, certPEM []byte, expectedCN string) error {
	if err := VerifyKeyPair(keyPEM, certPEM); err != nil {
		return err
	}

	cert, err := ParseCertificate(certPEM)
	if err != nil {
		return err
	}
	if cert.Subject.CommonName != expectedCN {
		return fmt.Errorf("CommonName is %s, expected %s", cert.Subject.CommonName, expectedCN)
	}
	return nil
}
