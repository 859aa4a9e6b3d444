package util

import (
	"errors"
	"io"
	"net"
)

// CloseQuietly closes c and logs any failure at debug level instead of
// returning it.  It is meant for teardown paths where a close error
// must neither mask the primary result nor stop the remaining closes.
func CloseQuietly(logger *Logger, what string, c io.Closer) {
	if c == nil {
		return
	}
	if err := c.Close(); err != nil && !IsHarmless(err) {
		logger.Debug("error closing %s: %v", what, err)
	}
}

// IsHarmless returns true for errors that are expected during shutdown.
func IsHarmless(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	// net.OpError wrapping "use of closed network connection"
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return errors.Is(opErr.Err, net.ErrClosed)
	}
	return false
}
