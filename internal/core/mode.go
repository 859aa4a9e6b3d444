// Package core is the orchestration layer.  It turns a Config into a
// runnable scan of files against clamd and maps the verdicts onto an
// exit status.
//
// Architecture layers (bottom → top):
//
//	transport  →  clamd  →  core  →  cmd (CLI)
//
// The builder in this package is the single dispatch point that picks
// the transport and configures the clamd client.
package core

import (
	"context"
	"fmt"
)

// Mode is a complete operational mode of clamstream.  Each mode owns
// its full lifecycle from dialer setup to teardown.
type Mode interface {
	Run(ctx context.Context) error
}

// Exit codes follow clamdscan.
const (
	ExitClean    = 0 // every scan was accepted
	ExitRejected = 1 // at least one scan was rejected
	ExitFailed   = 2 // at least one scan could not be completed
)

// ExitError carries a non-zero exit status out of a Mode.  The results
// have already been reported, so callers should exit quietly.
type ExitError struct {
	Code     int
	Rejected int
	Failed   int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%d rejected, %d failed", e.Rejected, e.Failed)
}
