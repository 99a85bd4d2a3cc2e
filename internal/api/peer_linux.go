//go:build linux

package api

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	"github.com/benaskins/powerd/internal/authz"
)

// peerCredentials reads SO_PEERCRED from a Unix socket connection.
func peerCredentials(c net.Conn) (authz.Caller, error) {
	uc, ok := c.(*net.UnixConn)
	if !ok {
		return authz.Caller{}, fmt.Errorf("peer credentials need a unix socket, got %T", c)
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return authz.Caller{}, err
	}

	var cred *unix.Ucred
	var credErr error
	if err := raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return authz.Caller{}, err
	}
	if credErr != nil {
		return authz.Caller{}, fmt.Errorf("reading peer credentials: %w", credErr)
	}
	return authz.Caller{UID: cred.Uid, GID: cred.Gid, PID: cred.Pid}, nil
}
