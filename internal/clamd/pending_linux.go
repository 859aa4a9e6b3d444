package clamd

import "golang.org/x/sys/unix"

// Linux names the socket receive-queue ioctl TIOCINQ (SIOCINQ).
const inqRequest = unix.TIOCINQ
