package peercred

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentityContext(t *testing.T) {
	_, ok := FromContext(context.Background())
	assert.False(t, ok)

	ctx := WithIdentity(context.Background(), Identity{ProcessID: 42})
	id, ok := FromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, 42, id.ProcessID)
}

func TestFromRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	_, err := FromRequest(r)
	assert.ErrorIs(t, err, ErrNoIdentity)

	r = r.WithContext(WithIdentity(r.Context(), Identity{ProcessID: 7}))
	id, err := FromRequest(r)
	require.NoError(t, err)
	assert.Equal(t, 7, id.ProcessID)
}

func TestConnContextIgnoresNonUnix(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	fn := ConnContext(slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := fn(context.Background(), a)
	_, ok := FromContext(ctx)
	assert.False(t, ok)
}

func TestGetPeerCredNil(t *testing.T) {
	_, err := GetPeerCred(nil)
	assert.Error(t, err)
}
