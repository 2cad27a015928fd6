package api

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/ruteri/edge-workload-api/interfaces"
)

// ServerCertificateRequest is the body of a server certificate request.
type ServerCertificateRequest struct {
	CommonName string `json:"commonName"`
}

// PrivateKey carries key material in a certificate response.
type PrivateKey struct {
	Type  string `json:"type"`
	Bytes string `json:"bytes"`
}

// CertificateResponse is returned for server and identity certificate requests.
type CertificateResponse struct {
	PrivateKey  PrivateKey `json:"privateKey"`
	Certificate string     `json:"certificate"`
	Expiration  string     `json:"expiration"`
}

// NewCertificateResponse converts issued material into the wire format.
func NewCertificateResponse(m *interfaces.CertificateMaterial) CertificateResponse {
	return CertificateResponse{
		PrivateKey: PrivateKey{
			Type:  "key",
			Bytes: string(m.PrivateKeyPEM),
		},
		Certificate: string(m.CertificatePEM),
		Expiration:  m.Expiration.UTC().Format(time.RFC3339),
	}
}

// TrustBundleResponse is returned by the trust bundle endpoints.
type TrustBundleResponse struct {
	Certificate string `json:"certificate"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Message string `json:"message"`
}

// ListModulesResponse is returned by GET /modules.
type ListModulesResponse struct {
	Modules []ModuleDetails `json:"modules"`
}

// ModuleDetails describes one module.
type ModuleDetails struct {
	ID     string       `json:"id"`
	Name   string       `json:"name"`
	Type   string       `json:"type"`
	Config ModuleConfig `json:"config"`
	Status ModuleStatus `json:"status"`
}

// ModuleConfig holds the runtime specific settings of a module.
type ModuleConfig struct {
	Settings json.RawMessage `json:"settings"`
	Env      []EnvVar        `json:"env"`
}

// EnvVar is a single environment variable.
type EnvVar struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// ModuleStatus is the lifecycle status of a module.
type ModuleStatus struct {
	StartTime     string        `json:"startTime,omitempty"`
	ExitStatus    *ExitStatus   `json:"exitStatus,omitempty"`
	RuntimeStatus RuntimeStatus `json:"runtimeStatus"`
}

// ExitStatus is set once a module has exited.
type ExitStatus struct {
	ExitTime   string `json:"exitTime"`
	StatusCode string `json:"statusCode"`
}

// RuntimeStatus is the runtime's view of a module.
type RuntimeStatus struct {
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
}

// NewListModulesResponse converts runtime modules into the wire format.
func NewListModulesResponse(modules []interfaces.Module) ListModulesResponse {
	resp := ListModulesResponse{Modules: make([]ModuleDetails, 0, len(modules))}
	for _, m := range modules {
		resp.Modules = append(resp.Modules, NewModuleDetails(m))
	}
	return resp
}

// NewModuleDetails converts a single runtime module.
func NewModuleDetails(m interfaces.Module) ModuleDetails {
	settings, err := json.Marshal(m.Settings)
	if err != nil || m.Settings == nil {
		settings = []byte("{}")
	}

	return ModuleDetails{
		ID:   "id",
		Name: m.Name,
		Type: m.Type,
		Config: ModuleConfig{
			Settings: settings,
			Env:      []EnvVar{},
		},
		Status: NewModuleStatus(m.State),
	}
}

// NewModuleStatus converts runtime state. ExitStatus is only set when both the
// exit code and the finish time are known.
func NewModuleStatus(state interfaces.ModuleRuntimeState) ModuleStatus {
	var status ModuleStatus
	if state.StartedAt != nil {
		status.StartTime = state.StartedAt.UTC().Format(time.RFC3339)
	}
	if state.ExitCode != nil && state.FinishedAt != nil {
		status.ExitStatus = &ExitStatus{
			ExitTime:   state.FinishedAt.UTC().Format(time.RFC3339),
			StatusCode: strconv.Itoa(*state.ExitCode),
		}
	}
	status.RuntimeStatus = RuntimeStatus{
		Status:      string(state.Status),
		Description: state.StatusDescription,
	}
	return status
}
