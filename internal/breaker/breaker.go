// Package breaker keeps a batch of scans from hammering a clamd that
// cannot be reached.
//
// After a run of consecutive connection failures the breaker opens and
// scans fail immediately without dialing.  Once the reset timeout has
// passed a single probe scan is let through; its outcome closes the
// breaker again or re-opens it.  Nothing is ever retried: a scan that
// is refused by the breaker is simply reported as failed.
package breaker

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrOpen matches every refusal issued by an open breaker.
var ErrOpen = errors.New("clamd unavailable")

// State is the breaker's operational state.
type State int

const (
	// StateClosed lets every scan through.
	StateClosed State = iota
	// StateOpen refuses scans until the reset timeout passes.
	StateOpen
	// StateHalfOpen lets one probe through at a time.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config configures a Breaker.
type Config struct {
	// MaxFailures is the number of consecutive failures that opens
	// the breaker (default 5).
	MaxFailures int
	// ResetTimeout is how long the breaker stays open before a probe
	// is allowed (default 5s).
	ResetTimeout time.Duration
	// OnStateChange is called on every transition, under the lock.
	OnStateChange func(from, to State)
}

// OpenError is returned by Allow while the breaker refuses scans.
type OpenError struct {
	Failures int
	RetryIn  time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("%v: %d consecutive connection failures, next probe in %v",
		ErrOpen, e.Failures, e.RetryIn.Truncate(time.Millisecond))
}

// Is makes every OpenError match ErrOpen.
func (e *OpenError) Is(target error) bool { return target == ErrOpen }

// Breaker tracks consecutive failures against one daemon.  A nil
// *Breaker allows everything.
type Breaker struct {
	mu            sync.Mutex
	state         State
	failures      int
	probing       bool
	maxFailures   int
	resetTimeout  time.Duration
	openedAt      time.Time
	onStateChange func(from, to State)
	now           func() time.Time
}

// New creates a closed breaker.
func New(cfg Config) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 5 * time.Second
	}
	return &Breaker{
		state:         StateClosed,
		maxFailures:   cfg.MaxFailures,
		resetTimeout:  cfg.ResetTimeout,
		onStateChange: cfg.OnStateChange,
		now:           time.Now,
	}
}

// Allow reports whether a scan may dial.  Every nil return must be
// followed by exactly one Record.
func (b *Breaker) Allow() error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		elapsed := b.now().Sub(b.openedAt)
		if elapsed < b.resetTimeout {
			return &OpenError{Failures: b.failures, RetryIn: b.resetTimeout - elapsed}
		}
		b.transition(StateHalfOpen)
		b.probing = true
		return nil
	case StateHalfOpen:
		if b.probing {
			return &OpenError{Failures: b.failures}
		}
		b.probing = true
		return nil
	}
	return nil
}

// Record feeds the outcome of an allowed scan back into the breaker.
// Only failures to reach the daemon should be recorded as failed; a
// rejected or malformed reply still proves the daemon is up.
func (b *Breaker) Record(failed bool) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.probing = false
	if !failed {
		b.failures = 0
		b.transition(StateClosed)
		return
	}
	b.failures++
	if b.state == StateHalfOpen || b.failures >= b.maxFailures {
		b.openedAt = b.now()
		b.transition(StateOpen)
	}
}

// CurrentState returns the breaker state.
func (b *Breaker) CurrentState() State {
	if b == nil {
		return StateClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the current consecutive failure count.
func (b *Breaker) Failures() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.onStateChange != nil {
		b.onStateChange(from, to)
	}
}
