//go:build linux

package control

import (
	"net"

	"golang.org/x/sys/unix"
)

// peerUID returns the effective UID of the process on the other end of a
// Unix-domain connection, used for the accept-time credential check spec.md
// §4.7 requires ("reject if the connecting UID differs from the daemon UID").
func peerUID(conn *net.UnixConn) (uint32, bool) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return 0, false
	}
	var uid uint32
	var ucredErr error
	err = raw.Control(func(fd uintptr) {
		cred, err := unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
		if err != nil {
			ucredErr = err
			return
		}
		uid = cred.Uid
	})
	if err != nil || ucredErr != nil {
		return 0, false
	}
	return uid, true
}
