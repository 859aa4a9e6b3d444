package config

import "time"

// ── Default values ───────────────────────────────────────────────────
//
// All tuneable defaults live here so they are easy to audit and reuse
// across CLI flags and environment variable loading.

const (
	// DefaultSocketTimeout bounds the connect and every socket read or
	// write of a scan.
	DefaultSocketTimeout = 2000 * time.Millisecond

	// DefaultChunkSize is the payload size of one INSTREAM frame.
	DefaultChunkSize = 2048

	// MaxChunkSize rejects chunk sizes that only waste memory.
	MaxChunkSize = 1 << 20

	// DefaultConcurrency limits the number of simultaneous scans so a
	// large batch does not exhaust clamd's MaxThreads.
	DefaultConcurrency = 4

	// DefaultSSHPort is the standard SSH port.
	DefaultSSHPort = 22

	// DefaultBreakerReset is how long the daemon is left alone after
	// the failure threshold is crossed before one probe scan is let
	// through.
	DefaultBreakerReset = 5 * time.Second
)
