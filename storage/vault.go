package storage

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"
	"github.com/ruteri/edge-workload-api/interfaces"
)

// VaultStore keeps certificate material in a HashiCorp Vault KV v2 engine.
// Each alias maps to {mount}/data/{path}/{sha256(alias)}.
type VaultStore struct {
	client      *api.Client
	mountPath   string
	dataPath    string
	log         *slog.Logger
	locationURI string
}

// NewVaultStore creates a Vault backed store.
//
// Parameters:
//   - address: Vault server address (e.g. https://vault.example.com:8200)
//   - token: Vault token; empty falls back to VAULT_TOKEN
//   - mountPath: KV v2 mount path (e.g. "secret")
//   - dataPath: path within the mount (e.g. "workloadd")
func NewVaultStore(address, token, mountPath, dataPath string, log *slog.Logger) (*VaultStore, error) {
	config := api.DefaultConfig()
	config.Address = address
	config.Timeout = 30 * time.Second

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	if token != "" {
		client.SetToken(token)
	}

	mountPath = strings.Trim(mountPath, "/")
	dataPath = strings.Trim(dataPath, "/")
	if mountPath == "" {
		mountPath = "secret"
	}

	return &VaultStore{
		client:      client,
		mountPath:   mountPath,
		dataPath:    dataPath,
		log:         log,
		locationURI: fmt.Sprintf("vault://%s/%s/%s", strings.TrimPrefix(strings.TrimPrefix(address, "https://"), "http://"), mountPath, dataPath),
	}, nil
}

// Load reads the material stored under alias.
func (s *VaultStore) Load(ctx context.Context, alias string) (*interfaces.CertificateMaterial, error) {
	start := time.Now()
	path := s.secretPath(alias)

	secret, err := s.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		s.log.Error("Failed to read from Vault",
			slog.String("path", path),
			slog.String("alias", alias),
			"err", err)
		return nil, unavailable("read", s.Name(), err)
	}

	if secret == nil || secret.Data == nil {
		return nil, interfaces.ErrCertificateNotFound
	}

	// KV v2 nests the payload under "data"; a deleted version has it set to nil.
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, interfaces.ErrCertificateNotFound
	}

	content, ok := data["content"].(string)
	if !ok {
		return nil, fmt.Errorf("content key not found in Vault data for %s", alias)
	}

	s.log.Debug("Loaded certificate from Vault",
		slog.String("alias", alias),
		slog.Duration("duration", time.Since(start)))

	return decodeMaterial(alias, []byte(content))
}

// Save writes material under alias as a new KV version.
func (s *VaultStore) Save(ctx context.Context, alias string, material *interfaces.CertificateMaterial) error {
	start := time.Now()

	content, err := encodeMaterial(alias, material)
	if err != nil {
		return err
	}

	path := s.secretPath(alias)
	_, err = s.client.Logical().WriteWithContext(ctx, path, map[string]interface{}{
		"data": map[string]interface{}{
			"content": string(content),
		},
	})
	if err != nil {
		s.log.Error("Failed to write to Vault",
			slog.String("path", path),
			slog.String("alias", alias),
			"err", err)
		return unavailable("write", s.Name(), err)
	}

	s.log.Debug("Stored certificate in Vault",
		slog.String("alias", alias),
		slog.Duration("duration", time.Since(start)))

	return nil
}

// Available checks that Vault is initialized and unsealed.
func (s *VaultStore) Available(ctx context.Context) bool {
	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	health, err := s.client.Sys().HealthWithContext(healthCtx)
	if err != nil {
		s.log.Debug("Vault health check failed", "err", err)
		return false
	}

	if !health.Initialized || health.Sealed {
		s.log.Debug("Vault is not available",
			slog.Bool("initialized", health.Initialized),
			slog.Bool("sealed", health.Sealed))
		return false
	}

	return true
}

func (s *VaultStore) Name() string {
	return fmt.Sprintf("vault-%s-%s", s.mountPath, s.dataPath)
}

func (s *VaultStore) LocationURI() string {
	return s.locationURI
}

func (s *VaultStore) secretPath(alias string) string {
	if s.dataPath == "" {
		return fmt.Sprintf("%s/data/%s", s.mountPath, aliasKey(alias))
	}
	return fmt.Sprintf("%s/data/%s/%s", s.mountPath, s.dataPath, aliasKey(alias))
}

// vaultScheme picks the address scheme for a vault:// store URI.
func vaultScheme(tls string) string {
	if tls == "false" {
		return "http"
	}
	return "https"
}
