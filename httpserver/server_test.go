package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ruteri/edge-workload-api/api"
	"github.com/ruteri/edge-workload-api/peercred"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// identityEcho reports the caller identity attached to the request.
func identityEcho(w http.ResponseWriter, r *http.Request) {
	id, err := peercred.FromRequest(r)
	if err != nil {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]int{"pid": id.ProcessID})
}

func socketPath(t *testing.T) string {
	t.Helper()
	// Unix socket paths are limited to ~108 bytes, t.TempDir() can exceed it.
	dir, err := os.MkdirTemp("", "wl")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "workload.sock")
}

func unixClient(path string) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", path)
			},
		},
		Timeout: 5 * time.Second,
	}
}

func newTestServer(t *testing.T, cfg *api.HTTPServerConfig) *Server {
	t.Helper()
	cfg.Log = slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg.GracefulShutdownDuration = time.Second

	srv, err := New(cfg, http.HandlerFunc(identityEcho), nil)
	require.NoError(t, err)
	require.NoError(t, srv.RunInBackground())
	t.Cleanup(srv.Shutdown)
	return srv
}

func getStatus(t *testing.T, client *http.Client, url string) (int, string) {
	t.Helper()
	resp, err := client.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body.Status
}

func TestUnixSocketCarriesPeerCredentials(t *testing.T) {
	path := socketPath(t)
	newTestServer(t, &api.HTTPServerConfig{SocketPath: path, SocketPermissions: 0o660})

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o660), info.Mode().Perm())

	resp, err := unixClient(path).Get("http://workload/modules")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, os.Getpid(), body["pid"])
}

func TestTCPHasNoIdentity(t *testing.T) {
	srv := newTestServer(t, &api.HTTPServerConfig{ListenAddr: "127.0.0.1:0"})

	resp, err := http.Get("http://" + srv.TCPAddr().String() + "/modules")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestStaleSocketIsReplaced(t *testing.T) {
	path := socketPath(t)

	stale, err := net.Listen("unix", path)
	require.NoError(t, err)
	stale.(*net.UnixListener).SetUnlinkOnClose(false)
	stale.Close()

	newTestServer(t, &api.HTTPServerConfig{SocketPath: path})

	code, status := getStatus(t, unixClient(path), "http://workload/livez")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "alive", status)
}

func TestRefusesToReplaceRegularFile(t *testing.T) {
	path := socketPath(t)
	require.NoError(t, os.WriteFile(path, []byte("data"), 0o600))

	srv, err := New(&api.HTTPServerConfig{
		SocketPath: path,
		Log:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, http.HandlerFunc(identityEcho), nil)
	require.NoError(t, err)
	assert.Error(t, srv.RunInBackground())
}

func TestDrainAndUndrain(t *testing.T) {
	path := socketPath(t)
	newTestServer(t, &api.HTTPServerConfig{SocketPath: path})
	client := unixClient(path)

	code, status := getStatus(t, client, "http://workload/readyz")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ready", status)

	_, status = getStatus(t, client, "http://workload/drain")
	assert.Equal(t, "draining", status)
	_, status = getStatus(t, client, "http://workload/drain")
	assert.Equal(t, "already draining", status)

	code, status = getStatus(t, client, "http://workload/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "not ready", status)

	_, status = getStatus(t, client, "http://workload/undrain")
	assert.Equal(t, "ready", status)
	_, status = getStatus(t, client, "http://workload/undrain")
	assert.Equal(t, "already ready", status)
}

func TestShutdownRemovesSocket(t *testing.T) {
	path := socketPath(t)

	srv, err := New(&api.HTTPServerConfig{
		SocketPath:               path,
		Log:                      slog.New(slog.NewTextHandler(io.Discard, nil)),
		GracefulShutdownDuration: time.Second,
	}, http.HandlerFunc(identityEcho), nil)
	require.NoError(t, err)
	require.NoError(t, srv.RunInBackground())

	srv.Shutdown()
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestNewRequiresListener(t *testing.T) {
	_, err := New(&api.HTTPServerConfig{}, http.NotFoundHandler(), nil)
	assert.Error(t, err)
}
