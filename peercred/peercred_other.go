//go:build !linux

package peercred

import "net"

func getPeerCred(conn *net.UnixConn) (Cred, error) {
	return Cred{}, ErrUnsupported
}
