package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "workloadd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadEmptyFileUsesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	mode, err := cfg.Server.SocketMode()
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o666), mode)
	assert.Equal(t, 24*time.Hour, cfg.Certificates.RefreshBeforeDuration())
	assert.Equal(t, 90*24*time.Hour, cfg.Certificates.ValidityDuration())
}

func TestLoadOverridesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
server:
  socket_path: /run/edge/workload.sock
  socket_permissions: "0660"
  read_timeout: 5s
edge:
  ca:
    cert_id: device-ca
    key_id: device-ca-key
    device_id: edge-1
  namespace: edged
runtime:
  type: memory
  modules:
    - name: tempsensor
      type: docker
      image: sensor:1.0
      pids: [1234]
stores:
  - file:///tmp/certs
  - redis://localhost:6379/0?prefix=edge
signer:
  type: local
  local:
    dir: /tmp/ca
    seed: 000102030405060708090a0b0c0d0e0f
certificates:
  validity: 72h
  refresh_before: 12h
tracing:
  otlp_endpoint: localhost:4317
  sampling_rate: 0.5
`))
	require.NoError(t, err)

	assert.Equal(t, "/run/edge/workload.sock", cfg.Server.SocketPath)
	mode, err := cfg.Server.SocketMode()
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o660), mode)

	read, write, shutdown := cfg.Server.Timeouts()
	assert.Equal(t, 5*time.Second, read)
	assert.Equal(t, 30*time.Second, write)
	assert.Equal(t, 30*time.Second, shutdown)

	assert.Equal(t, "device-ca", cfg.Edge.CA.CertID)
	assert.Equal(t, "device-ca-key", cfg.Edge.CA.KeyID)
	assert.Equal(t, "edge-1", cfg.Edge.CA.DeviceID)
	assert.Equal(t, "edged", cfg.Edge.Namespace)
	assert.Equal(t, "aziot-edged-trust-bundle", cfg.Edge.TrustBundle)

	require.Len(t, cfg.Runtime.Modules, 1)
	assert.Equal(t, "tempsensor", cfg.Runtime.Modules[0].Name)
	assert.Equal(t, []int{1234}, cfg.Runtime.Modules[0].Processes)

	assert.Equal(t, []string{"file:///tmp/certs", "redis://localhost:6379/0?prefix=edge"}, cfg.Stores)

	ca, err := cfg.EdgeCAConfig()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/ca", ca.Dir)
	assert.Len(t, ca.Seed, 16)
	assert.Equal(t, 72*time.Hour, ca.Validity)
	assert.Equal(t, 12*time.Hour, cfg.Certificates.RefreshBeforeDuration())

	tr := cfg.TracingConfig("workloadd")
	assert.Equal(t, "localhost:4317", tr.OTLPEndpoint)
	assert.Equal(t, 0.5, tr.SamplingRate)
}

func TestVaultSignerConfig(t *testing.T) {
	t.Setenv("VAULT_TOKEN", "env-token")

	cfg, err := Load(writeConfig(t, `
signer:
  type: vault
  vault:
    address: https://vault:8200
    role: edge-modules
    breaker_threshold: 3
    breaker_timeout: 10s
`))
	require.NoError(t, err)

	v := cfg.VaultPKIConfig()
	assert.Equal(t, "https://vault:8200", v.Address)
	assert.Equal(t, "env-token", v.Token)
	assert.Equal(t, "pki", v.Mount)
	assert.Equal(t, "edge-modules", v.Role)
	assert.Equal(t, uint32(3), v.BreakerThreshold)
	assert.Equal(t, 10*time.Second, v.BreakerTimeout)
	assert.Equal(t, 30*time.Second, v.Timeout)
	assert.Equal(t, 90*24*time.Hour, v.TTL)
}

func TestSeedFromEnvironment(t *testing.T) {
	t.Setenv("EDGECA_SEED", "0f0e0d0c0b0a09080706050403020100")

	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)

	ca, err := cfg.EdgeCAConfig()
	require.NoError(t, err)
	assert.Equal(t, byte(0x0f), ca.Seed[0])
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown field", "server:\n  socket: /tmp/x\n"},
		{"malformed yaml", "server: [\n"},
		{"bad permissions", "server:\n  socket_permissions: \"rw\"\n"},
		{"permissions out of range", "server:\n  socket_permissions: \"7777\"\n"},
		{"bad duration", "certificates:\n  validity: forever\n"},
		{"negative duration", "certificates:\n  refresh_before: -1h\n"},
		{"no listener", "server:\n  socket_path: \"\"\n"},
		{"missing ca", "edge:\n  ca:\n    cert_id: \"\"\n"},
		{"unknown runtime", "runtime:\n  type: podman\n"},
		{"no stores", "stores: []\n"},
		{"short seed", "signer:\n  local:\n    seed: \"0001\"\n"},
		{"vault without role", "signer:\n  type: vault\n  vault:\n    address: http://vault\n"},
		{"unknown signer", "signer:\n  type: hsm\n"},
		{"sampling rate", "tracing:\n  sampling_rate: 2\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.Runtime.Type = "podman"
	cfg.Signer.Type = "hsm"

	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "runtime.type")
	assert.Contains(t, err.Error(), "signer.type")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
