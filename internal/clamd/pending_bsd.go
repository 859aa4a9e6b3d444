//go:build darwin || freebsd

package clamd

import "golang.org/x/sys/unix"

const inqRequest = unix.FIONREAD
