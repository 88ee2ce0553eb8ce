//go:build linux

package daemon

import (
	"net"

	"golang.org/x/sys/unix"
)

// peerAuthorized inspects the connecting process's credentials via
// SO_PEERCRED and reports whether its UID matches d.RequirePeerUID. This is
// the best-effort hardening spec.md §9's Design Notes call out ("send the
// parent's process credentials ... and have the daemon verify them"),
// implemented here with the ambient credentials the kernel already attaches
// to a Unix domain socket rather than out-of-band ancillary data — SCM
// credentials would need the parent to opt in on every connect, whereas
// SO_PEERCRED is available on any AF_UNIX socket without cooperation.
func (d *Daemon) peerAuthorized(conn *net.UnixConn) bool {
	raw, err := conn.SyscallConn()
	if err != nil {
		return false
	}

	var cred *unix.Ucred
	var credErr error
	err = raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil || credErr != nil {
		return false
	}

	return cred.Uid == *d.RequirePeerUID
}
