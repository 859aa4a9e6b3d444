// Package errors provides domain-specific error types for clamstream.
//
// These types carry structured context (operation, address, daemon
// reply) that lets the scan boundary log precise diagnostics while still
// collapsing every failure into a single ERROR verdict.
package errors

import (
	"errors"
	"fmt"
	"net"
	"os"
)

// ── Sentinel errors ──────────────────────────────────────────────────

var (
	ErrMalformedEndpoint = errors.New("malformed clamd endpoint")
	ErrNotConfigured     = errors.New("clamd client is not configured")
	ErrNoResult          = errors.New("EOF from clamd when looking for result")
	ErrTunnelClosed      = errors.New("tunnel is closed")
	ErrNotConnected      = errors.New("not connected")
)

// ── Structured error types ───────────────────────────────────────────

// EndpointError reports a clamd URL that could not be resolved.
type EndpointError struct {
	URL    string // the rejected input
	Reason string // what was wrong with it
	Err    error  // underlying parse error, if any
}

func (e *EndpointError) Error() string {
	msg := fmt.Sprintf("invalid clamd url %q: %s", e.URL, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *EndpointError) Unwrap() error { return e.Err }

// Is makes every EndpointError match ErrMalformedEndpoint.
func (e *EndpointError) Is(target error) bool { return target == ErrMalformedEndpoint }

// NetworkError represents a failure in a socket operation.
type NetworkError struct {
	Op   string // operation: "dial", "write", "flush", "read", "poll"
	Addr string // network address involved
	Err  error  // underlying error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// Timeout reports whether the failure was a deadline expiry.
func (e *NetworkError) Timeout() bool {
	if errors.Is(e.Err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(e.Err, &ne) && ne.Timeout()
}

// ProtocolError represents a daemon that broke the INSTREAM exchange:
// it replied before the terminator or closed without a verdict.
type ProtocolError struct {
	Reason string // what went wrong
	Reply  string // raw daemon text, if any
	Err    error  // sentinel, if any
}

func (e *ProtocolError) Error() string {
	if e.Reply != "" {
		return fmt.Sprintf("%s: reply from server: %s", e.Reason, e.Reply)
	}
	return e.Reason
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// SSHError represents an SSH-specific failure with host context.
type SSHError struct {
	Op   string // "handshake", "auth", "hostkey"
	Host string
	Port int
	Err  error
}

func (e *SSHError) Error() string {
	return fmt.Sprintf("ssh %s %s:%d: %v", e.Op, e.Host, e.Port, e.Err)
}

func (e *SSHError) Unwrap() error { return e.Err }

// ConfigError represents an invalid configuration value.
type ConfigError struct {
	Field   string      // config field name
	Value   interface{} // the invalid value (nil if missing)
	Message string      // human-readable explanation
	Hint    string      // suggestion for the user (optional)
}

func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("config: --%s", e.Field)
	if e.Value != nil {
		msg += fmt.Sprintf("=%v", e.Value)
	}
	msg += ": " + e.Message
	if e.Hint != "" {
		msg += "\n  hint: " + e.Hint
	}
	return msg
}

// ── Constructors ─────────────────────────────────────────────────────

// Wrap creates a NetworkError.
func Wrap(op, addr string, err error) *NetworkError {
	return &NetworkError{Op: op, Addr: addr, Err: err}
}

// WrapSSH creates an SSHError.
func WrapSSH(op, host string, port int, err error) *SSHError {
	return &SSHError{Op: op, Host: host, Port: port, Err: err}
}

// Malformed creates an EndpointError.
func Malformed(url, reason string, err error) *EndpointError {
	return &EndpointError{URL: url, Reason: reason, Err: err}
}

// EarlyReply creates the ProtocolError for a daemon that answered while
// the payload was still being uploaded.
func EarlyReply(reply string) *ProtocolError {
	return &ProtocolError{Reason: "clamd aborted the stream", Reply: reply}
}

// NoResult creates the ProtocolError for an empty verdict.
func NoResult() *ProtocolError {
	return &ProtocolError{Reason: ErrNoResult.Error(), Err: ErrNoResult}
}

// ── Classification helpers ───────────────────────────────────────────

// IsTimeout reports whether err is a socket deadline expiry.
func IsTimeout(err error) bool {
	var ne *NetworkError
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return errors.Is(err, os.ErrDeadlineExceeded)
}

// IsConnection reports whether err happened while establishing the
// connection (refused, unknown host, connect timeout, tunnel down).
func IsConnection(err error) bool {
	var ne *NetworkError
	if errors.As(err, &ne) {
		return ne.Op == "dial"
	}
	return errors.Is(err, ErrNotConnected) || errors.Is(err, ErrTunnelClosed)
}

// IsProtocol reports whether err is a daemon protocol violation.
func IsProtocol(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

// ── Re-exports for convenience ───────────────────────────────────────
//
// These allow callers to use clamstream/internal/errors as a drop-in
// replacement for the standard library in common operations.

// As is [errors.As].
func As(err error, target interface{}) bool { return errors.As(err, target) }

// Is is [errors.Is].
func Is(err, target error) bool { return errors.Is(err, target) }

// New is [errors.New].
func New(text string) error { return errors.New(text) }

// Unwrap is [errors.Unwrap].
func Unwrap(err error) error { return errors.Unwrap(err) }

// Join is [errors.Join].
func Join(errs ...error) error { return errors.Join(errs...) }
