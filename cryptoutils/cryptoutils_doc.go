// Package cryptoutils holds the key and certificate helpers shared by the
// certificate signers and the certificate service.
//
// Keys are P-256 and encoded as PKCS#8 PEM. DeriveKey expands a seed with
// HKDF-SHA256 so a device can recreate its CA key without persisting it.
package cryptoutils
