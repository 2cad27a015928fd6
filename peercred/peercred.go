// Package peercred attaches kernel-reported peer credentials of unix socket
// connections to request contexts.
//
// The credentials are read once per connection, when the HTTP server accepts it,
// and exposed to handlers as a typed Identity value. Handlers never touch the
// socket themselves.
package peercred

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
)

var (
	// ErrNoIdentity means the transport did not attach a caller identity.
	ErrNoIdentity = errors.New("caller process identity not available")

	// ErrUnsupported is returned on platforms without SO_PEERCRED.
	ErrUnsupported = errors.New("peer credentials are not supported on this platform")
)

// Cred is what the kernel reports about the process on the other end of a unix
// socket.
type Cred struct {
	PID int32
	UID uint32
	GID uint32
}

// Identity is the caller identity attached to a request.
type Identity struct {
	ProcessID int
	UID       uint32
	GID       uint32
}

type identityKey struct{}

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext returns the identity attached to ctx.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

// FromRequest returns the caller identity of r, or ErrNoIdentity.
// It only reads metadata already attached to the request.
func FromRequest(r *http.Request) (Identity, error) {
	id, ok := FromContext(r.Context())
	if !ok {
		return Identity{}, ErrNoIdentity
	}
	return id, nil
}

// GetPeerCred reads SO_PEERCRED from a unix socket connection.
func GetPeerCred(conn *net.UnixConn) (Cred, error) {
	if conn == nil {
		return Cred{}, errors.New("nil connection")
	}
	return getPeerCred(conn)
}

// ConnContext returns a function suitable for http.Server.ConnContext. Unix
// socket connections get their peer identity attached; anything else, or a
// connection whose credentials cannot be read, is served without one.
func ConnContext(log *slog.Logger) func(ctx context.Context, c net.Conn) context.Context {
	return func(ctx context.Context, c net.Conn) context.Context {
		uc, ok := c.(*net.UnixConn)
		if !ok {
			return ctx
		}
		cred, err := GetPeerCred(uc)
		if err != nil {
			log.Warn("could not read peer credentials", "err", err)
			return ctx
		}
		return WithIdentity(ctx, Identity{ProcessID: int(cred.PID), UID: cred.UID, GID: cred.GID})
	}
}
