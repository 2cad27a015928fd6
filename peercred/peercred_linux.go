//go:build linux

package peercred

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

func getPeerCred(conn *net.UnixConn) (Cred, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return Cred{}, fmt.Errorf("failed to get raw connection: %w", err)
	}

	var (
		ucred   *unix.Ucred
		credErr error
	)
	controlErr := raw.Control(func(fd uintptr) {
		ucred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if controlErr != nil {
		return Cred{}, fmt.Errorf("failed to access socket file descriptor: %w", controlErr)
	}
	if credErr != nil {
		return Cred{}, fmt.Errorf("failed to get SO_PEERCRED: %w", credErr)
	}
	if ucred == nil || ucred.Pid <= 0 {
		return Cred{}, fmt.Errorf("invalid peer credentials")
	}

	return Cred{PID: ucred.Pid, UID: ucred.Uid, GID: ucred.Gid}, nil
}
