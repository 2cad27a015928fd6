package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/ruteri/edge-workload-api/interfaces"
)

type record struct {
	Alias string `json:"alias"`
	*interfaces.CertificateMaterial
}

func encodeMaterial(alias string, material *interfaces.CertificateMaterial) ([]byte, error) {
	if material == nil {
		return nil, fmt.Errorf("nil certificate material for %s", alias)
	}
	return json.Marshal(record{Alias: alias, CertificateMaterial: material})
}

func decodeMaterial(alias string, data []byte) (*interfaces.CertificateMaterial, error) {
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to decode certificate material for %s: %w", alias, err)
	}
	if r.CertificateMaterial == nil || r.Alias != alias {
		return nil, fmt.Errorf("stored record does not belong to %s", alias)
	}
	return r.CertificateMaterial, nil
}

// aliasKey maps an alias to a flat identifier safe for any backend key space.
func aliasKey(alias string) string {
	sum := sha256.Sum256([]byte(alias))
	return hex.EncodeToString(sum[:])
}

func unavailable(op, backend string, err error) error {
	return fmt.Errorf("%w: %s %s: %v", interfaces.ErrServiceUnavailable, backend, op, err)
}
