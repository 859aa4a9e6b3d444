//go:build linux || darwin || freebsd

package clamd

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// pendingBytes reports how many bytes sit unread in conn's kernel
// receive buffer, without blocking.  Conns that expose no descriptor
// (pipes, SSH channels, SOCKS5 wrappers) report zero.
func pendingBytes(conn net.Conn) (int, error) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return 0, nil
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return 0, err
	}

	var n int
	var ioctlErr error
	err = raw.Control(func(fd uintptr) {
		n, ioctlErr = unix.IoctlGetInt(int(fd), inqRequest)
	})
	if err != nil {
		return 0, err
	}
	return n, ioctlErr
}
