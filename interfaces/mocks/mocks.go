// Package mocks provides testify mocks of the collaborator interfaces.
package mocks

import (
	"context"

	"github.com/ruteri/edge-workload-api/interfaces"
	"github.com/stretchr/testify/mock"
)

// MockModuleRuntime mocks the ModuleRuntime interface
type MockModuleRuntime struct {
	mock.Mock
}

func (m *MockModuleRuntime) ListModules(ctx context.Context) ([]interfaces.Module, error) {
	args := m.Called(ctx)
	modules, _ := args.Get(0).([]interfaces.Module)
	return modules, args.Error(1)
}

func (m *MockModuleRuntime) ResolveProcesses(ctx context.Context, moduleID string) ([]int, error) {
	args := m.Called(ctx, moduleID)
	pids, _ := args.Get(0).([]int)
	return pids, args.Error(1)
}

func (m *MockModuleRuntime) Restart(ctx context.Context, moduleID string) error {
	args := m.Called(ctx, moduleID)
	return args.Error(0)
}

func (m *MockModuleRuntime) Name() string {
	return "mock"
}

// MockCertificateService mocks the CertificateService interface
type MockCertificateService struct {
	mock.Mock
}

func (m *MockCertificateService) GetOrIssue(ctx context.Context, req interfaces.IssueRequest) (*interfaces.CertificateMaterial, error) {
	args := m.Called(ctx, req)
	material, _ := args.Get(0).(*interfaces.CertificateMaterial)
	return material, args.Error(1)
}

func (m *MockCertificateService) GetCertificate(ctx context.Context, id string) ([]byte, error) {
	args := m.Called(ctx, id)
	pem, _ := args.Get(0).([]byte)
	return pem, args.Error(1)
}

// MockSigner mocks the Signer interface
type MockSigner struct {
	mock.Mock
}

func (m *MockSigner) Issue(ctx context.Context, spec interfaces.CertificateSpec, issuer interfaces.EdgeCARef) (*interfaces.CertificateMaterial, error) {
	args := m.Called(ctx, spec, issuer)
	material, _ := args.Get(0).(*interfaces.CertificateMaterial)
	return material, args.Error(1)
}

func (m *MockSigner) CACertificate(ctx context.Context, issuer interfaces.EdgeCARef) ([]byte, error) {
	args := m.Called(ctx, issuer)
	pem, _ := args.Get(0).([]byte)
	return pem, args.Error(1)
}

func (m *MockSigner) Name() string {
	return "mock"
}

// MockCertStore mocks the CertStore interface
type MockCertStore struct {
	mock.Mock
}

func (m *MockCertStore) Load(ctx context.Context, alias string) (*interfaces.CertificateMaterial, error) {
	args := m.Called(ctx, alias)
	material, _ := args.Get(0).(*interfaces.CertificateMaterial)
	return material, args.Error(1)
}

func (m *MockCertStore) Save(ctx context.Context, alias string, material *interfaces.CertificateMaterial) error {
	args := m.Called(ctx, alias, material)
	return args.Error(0)
}

func (m *MockCertStore) Available(ctx context.Context) bool {
	args := m.Called(ctx)
	return args.Bool(0)
}

func (m *MockCertStore) Name() string {
	return "mock"
}
