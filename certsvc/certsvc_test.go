package certsvc

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ruteri/edge-workload-api/api"
	"github.com/ruteri/edge-workload-api/certreq"
	"github.com/ruteri/edge-workload-api/edgeca"
	"github.com/ruteri/edge-workload-api/interfaces"
	"github.com/ruteri/edge-workload-api/interfaces/mocks"
	"github.com/ruteri/edge-workload-api/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var testIssuer = interfaces.EdgeCARef{CertID: "aziot-edged-ca", KeyID: "aziot-edged-ca", DeviceID: "device-1"}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func serverRequest() interfaces.IssueRequest {
	return interfaces.IssueRequest{
		Spec: interfaces.CertificateSpec{
			Alias:      "aziot-edged/module/mod1:g1:server",
			CommonName: "mod1.local",
			SANs:       interfaces.SanEntrySet{DNS: []string{"mod1.local", "mod1"}},
			Class:      interfaces.ServerCert,
		},
		Issuer: testIssuer,
	}
}

func newLocalService(t *testing.T) (*Service, *storage.FileStore) {
	t.Helper()

	signer, err := edgeca.New(edgeca.Config{Validity: 72 * time.Hour}, testLogger())
	require.NoError(t, err)
	store, err := storage.NewFileStore(t.TempDir(), testLogger())
	require.NoError(t, err)

	svc := New(store, signer, Config{
		EdgeCA:        testIssuer,
		RefreshBefore: 24 * time.Hour,
		CAAliases:     []string{"aziot-edged-trust-bundle"},
	}, testLogger())
	return svc, store
}

func TestGetOrIssueReusesStoredCertificate(t *testing.T) {
	svc, store := newLocalService(t)
	ctx := context.Background()

	first, err := svc.GetOrIssue(ctx, serverRequest())
	require.NoError(t, err)

	stored, err := store.Load(ctx, serverRequest().Spec.Alias.String())
	require.NoError(t, err)
	assert.Equal(t, first.CertificatePEM, stored.CertificatePEM)

	second, err := svc.GetOrIssue(ctx, serverRequest())
	require.NoError(t, err)
	assert.Equal(t, first.PrivateKeyPEM, second.PrivateKeyPEM)
	assert.Equal(t, first.CertificatePEM, second.CertificatePEM)
}

func TestGetOrIssueReusesCertificateForIPCommonName(t *testing.T) {
	v := certreq.NewValidator("")

	for _, cn := range []string{"10.0.0.5", "2001:DB8::1", "::ffff:10.0.0.5", "fe80:0:0:0:0:0:0:1"} {
		t.Run(cn, func(t *testing.T) {
			svc, _ := newLocalService(t)
			ctx := context.Background()

			spec, err := v.ServerCertificate("mod1", "g1", &api.ServerCertificateRequest{CommonName: cn})
			require.NoError(t, err)
			req := interfaces.IssueRequest{Spec: spec, Issuer: testIssuer}

			first, err := svc.GetOrIssue(ctx, req)
			require.NoError(t, err)
			second, err := svc.GetOrIssue(ctx, req)
			require.NoError(t, err)
			assert.Equal(t, first.PrivateKeyPEM, second.PrivateKeyPEM)
		})
	}
}

func TestGetOrIssueReusesCertificateForUncanonicalIPSAN(t *testing.T) {
	svc, _ := newLocalService(t)
	ctx := context.Background()

	req := serverRequest()
	req.Spec.CommonName = "2001:DB8::1"
	req.Spec.SANs = interfaces.SanEntrySet{DNS: []string{"mod1"}, IP: []string{"2001:DB8::1"}}

	first, err := svc.GetOrIssue(ctx, req)
	require.NoError(t, err)
	second, err := svc.GetOrIssue(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.PrivateKeyPEM, second.PrivateKeyPEM)
}

func TestGetOrIssueInternationalizedCommonName(t *testing.T) {
	svc, _ := newLocalService(t)
	ctx := context.Background()

	spec, err := certreq.NewValidator("").ServerCertificate("mod1", "g1", &api.ServerCertificateRequest{CommonName: "münchen.de"})
	require.NoError(t, err)
	req := interfaces.IssueRequest{Spec: spec, Issuer: testIssuer}

	first, err := svc.GetOrIssue(ctx, req)
	require.NoError(t, err)

	leaf, err := first.Leaf()
	require.NoError(t, err)
	assert.Equal(t, "münchen.de", leaf.Subject.CommonName)
	assert.ElementsMatch(t, []string{"xn--mnchen-3ya.de", "mod1"}, leaf.DNSNames)

	second, err := svc.GetOrIssue(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.PrivateKeyPEM, second.PrivateKeyPEM)
}

func TestGetOrIssueRefreshesExpiringCertificate(t *testing.T) {
	svc, _ := newLocalService(t)
	ctx := context.Background()

	first, err := svc.GetOrIssue(ctx, serverRequest())
	require.NoError(t, err)

	svc.now = func() time.Time { return time.Now().Add(49 * time.Hour) }

	second, err := svc.GetOrIssue(ctx, serverRequest())
	require.NoError(t, err)
	assert.NotEqual(t, first.PrivateKeyPEM, second.PrivateKeyPEM)
}

func TestGetOrIssueReissuesWhenSubjectChanges(t *testing.T) {
	svc, _ := newLocalService(t)
	ctx := context.Background()

	first, err := svc.GetOrIssue(ctx, serverRequest())
	require.NoError(t, err)

	req := serverRequest()
	req.Spec.SANs.AddIP("10.0.0.7")

	second, err := svc.GetOrIssue(ctx, req)
	require.NoError(t, err)
	assert.NotEqual(t, first.CertificatePEM, second.CertificatePEM)
	assert.True(t, second.Matches(req.Spec))
}

func TestGetCertificate(t *testing.T) {
	svc, _ := newLocalService(t)
	ctx := context.Background()

	ca, err := svc.GetCertificate(ctx, testIssuer.CertID)
	require.NoError(t, err)
	assert.Contains(t, string(ca), "BEGIN CERTIFICATE")

	bundle, err := svc.GetCertificate(ctx, "aziot-edged-trust-bundle")
	require.NoError(t, err)
	assert.Equal(t, ca, bundle)

	_, err = svc.GetCertificate(ctx, "aziot-edged-manifest-trust-bundle")
	assert.ErrorIs(t, err, interfaces.ErrCertificateNotFound)

	issued, err := svc.GetOrIssue(ctx, serverRequest())
	require.NoError(t, err)
	pem, err := svc.GetCertificate(ctx, serverRequest().Spec.Alias.String())
	require.NoError(t, err)
	assert.Equal(t, issued.CertificatePEM, pem)
}

func TestGetOrIssueErrors(t *testing.T) {
	ctx := context.Background()
	req := serverRequest()
	alias := req.Spec.Alias.String()

	t.Run("store unavailable on load", func(t *testing.T) {
		store := new(mocks.MockCertStore)
		signer := new(mocks.MockSigner)
		store.On("Load", ctx, alias).Return(nil, interfaces.ErrServiceUnavailable)

		_, err := New(store, signer, Config{EdgeCA: testIssuer}, testLogger()).GetOrIssue(ctx, req)
		assert.ErrorIs(t, err, interfaces.ErrServiceUnavailable)
		signer.AssertNotCalled(t, "Issue", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("signer rejects", func(t *testing.T) {
		store := new(mocks.MockCertStore)
		signer := new(mocks.MockSigner)
		store.On("Load", ctx, alias).Return(nil, interfaces.ErrCertificateNotFound)
		signer.On("Issue", ctx, req.Spec, req.Issuer).Return(nil, errors.New("boom"))

		_, err := New(store, signer, Config{EdgeCA: testIssuer}, testLogger()).GetOrIssue(ctx, req)
		assert.ErrorIs(t, err, interfaces.ErrSigningFailed)
		store.AssertNotCalled(t, "Save", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("signer unavailable", func(t *testing.T) {
		store := new(mocks.MockCertStore)
		signer := new(mocks.MockSigner)
		store.On("Load", ctx, alias).Return(nil, interfaces.ErrCertificateNotFound)
		signer.On("Issue", ctx, req.Spec, req.Issuer).Return(nil, interfaces.ErrServiceUnavailable)

		_, err := New(store, signer, Config{EdgeCA: testIssuer}, testLogger()).GetOrIssue(ctx, req)
		assert.ErrorIs(t, err, interfaces.ErrServiceUnavailable)
	})

	t.Run("save fails", func(t *testing.T) {
		store := new(mocks.MockCertStore)
		signer := new(mocks.MockSigner)
		material := &interfaces.CertificateMaterial{Expiration: time.Now().Add(time.Hour)}
		store.On("Load", ctx, alias).Return(nil, interfaces.ErrCertificateNotFound)
		signer.On("Issue", ctx, req.Spec, req.Issuer).Return(material, nil)
		store.On("Save", ctx, alias, material).Return(errors.New("disk full"))

		_, err := New(store, signer, Config{EdgeCA: testIssuer}, testLogger()).GetOrIssue(ctx, req)
		assert.ErrorIs(t, err, interfaces.ErrServiceUnavailable)
	})

	t.Run("unreadable record is replaced", func(t *testing.T) {
		store := new(mocks.MockCertStore)
		signer := new(mocks.MockSigner)
		material := &interfaces.CertificateMaterial{Expiration: time.Now().Add(time.Hour)}
		store.On("Load", ctx, alias).Return(nil, errors.New("corrupt"))
		signer.On("Issue", ctx, req.Spec, req.Issuer).Return(material, nil)
		store.On("Save", ctx, alias, material).Return(nil)

		got, err := New(store, signer, Config{EdgeCA: testIssuer}, testLogger()).GetOrIssue(ctx, req)
		require.NoError(t, err)
		assert.Same(t, material, got)
	})
}
