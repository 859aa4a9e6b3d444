// Package metrics provides lightweight, lock-free counters for tracking
// scan outcomes and daemon connections across a clamstream process.
//
// All methods are safe for concurrent use.  A nil *Collector is a
// valid no-op receiver, so callers never need to nil-check.
package metrics

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Collector tracks runtime metrics for scans against clamd.
// A nil Collector is safe to use; all methods become no-ops.
type Collector struct {
	connectionsActive atomic.Int64
	connectionsTotal  atomic.Int64
	bytesIn           atomic.Int64
	bytesOut          atomic.Int64
	scansAccepted     atomic.Int64
	scansRejected     atomic.Int64
	scansFailed       atomic.Int64
	earlyReplies      atomic.Int64

	mu           sync.RWMutex
	startTime    time.Time
	lastError    time.Time
	lastErrorMsg string
}

// New creates a metrics collector with the start time set to now.
func New() *Collector {
	return &Collector{startTime: time.Now()}
}

// ── Connection metrics ───────────────────────────────────────────────

// ConnectionOpened increments both the active and total counters.
func (c *Collector) ConnectionOpened() {
	if c == nil {
		return
	}
	c.connectionsActive.Add(1)
	c.connectionsTotal.Add(1)
}

// ConnectionClosed decrements the active connection counter.
func (c *Collector) ConnectionClosed() {
	if c == nil {
		return
	}
	c.connectionsActive.Add(-1)
}

// ActiveConnections returns the current number of open connections.
func (c *Collector) ActiveConnections() int64 {
	if c == nil {
		return 0
	}
	return c.connectionsActive.Load()
}

// TotalConnections returns the lifetime connection count.
func (c *Collector) TotalConnections() int64 {
	if c == nil {
		return 0
	}
	return c.connectionsTotal.Load()
}

// ── I/O metrics ──────────────────────────────────────────────────────

// BytesReceived records n bytes read from the daemon.
func (c *Collector) BytesReceived(n int64) {
	if c == nil {
		return
	}
	c.bytesIn.Add(n)
}

// BytesSent records n bytes written to the daemon, framing included.
func (c *Collector) BytesSent(n int64) {
	if c == nil {
		return
	}
	c.bytesOut.Add(n)
}

// TotalBytesIn returns total bytes received.
func (c *Collector) TotalBytesIn() int64 {
	if c == nil {
		return 0
	}
	return c.bytesIn.Load()
}

// TotalBytesOut returns total bytes sent.
func (c *Collector) TotalBytesOut() int64 {
	if c == nil {
		return 0
	}
	return c.bytesOut.Load()
}

// ── Scan outcomes ────────────────────────────────────────────────────

// ScanAccepted counts an ACCEPT verdict.
func (c *Collector) ScanAccepted() {
	if c == nil {
		return
	}
	c.scansAccepted.Add(1)
}

// ScanRejected counts a REJECT verdict.
func (c *Collector) ScanRejected() {
	if c == nil {
		return
	}
	c.scansRejected.Add(1)
}

// ScanFailed counts an ERROR verdict and stores the reason.
func (c *Collector) ScanFailed(msg string) {
	if c == nil {
		return
	}
	c.scansFailed.Add(1)
	c.mu.Lock()
	c.lastError = time.Now()
	c.lastErrorMsg = msg
	c.mu.Unlock()
}

// EarlyReply counts a daemon reply seen before the terminator was sent.
func (c *Collector) EarlyReply() {
	if c == nil {
		return
	}
	c.earlyReplies.Add(1)
}

// Accepted returns the number of ACCEPT verdicts.
func (c *Collector) Accepted() int64 {
	if c == nil {
		return 0
	}
	return c.scansAccepted.Load()
}

// Rejected returns the number of REJECT verdicts.
func (c *Collector) Rejected() int64 {
	if c == nil {
		return 0
	}
	return c.scansRejected.Load()
}

// Failed returns the number of ERROR verdicts.
func (c *Collector) Failed() int64 {
	if c == nil {
		return 0
	}
	return c.scansFailed.Load()
}

// EarlyReplies returns the number of aborted uploads detected mid-stream.
func (c *Collector) EarlyReplies() int64 {
	if c == nil {
		return 0
	}
	return c.earlyReplies.Load()
}

// ── Snapshot ─────────────────────────────────────────────────────────

// Snapshot is a point-in-time view of all metrics.
type Snapshot struct {
	Uptime            string `json:"uptime"`
	ConnectionsActive int64  `json:"connections_active"`
	ConnectionsTotal  int64  `json:"connections_total"`
	BytesIn           int64  `json:"bytes_in"`
	BytesOut          int64  `json:"bytes_out"`
	ScansTotal        int64  `json:"scans_total"`
	Accepted          int64  `json:"accepted"`
	Rejected          int64  `json:"rejected"`
	Failed            int64  `json:"failed"`
	EarlyReplies      int64  `json:"early_replies"`
	LastError         string `json:"last_error,omitempty"`
	LastErrorMessage  string `json:"last_error_message,omitempty"`
}

// Snapshot returns a copy of all current metrics.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Snapshot{
		Uptime:            time.Since(c.startTime).Truncate(time.Second).String(),
		ConnectionsActive: c.connectionsActive.Load(),
		ConnectionsTotal:  c.connectionsTotal.Load(),
		BytesIn:           c.bytesIn.Load(),
		BytesOut:          c.bytesOut.Load(),
		Accepted:          c.scansAccepted.Load(),
		Rejected:          c.scansRejected.Load(),
		Failed:            c.scansFailed.Load(),
		EarlyReplies:      c.earlyReplies.Load(),
	}
	s.ScansTotal = s.Accepted + s.Rejected + s.Failed
	if !c.lastError.IsZero() {
		s.LastError = c.lastError.Format(time.RFC3339)
		s.LastErrorMessage = c.lastErrorMsg
	}
	return s
}

// JSON returns the snapshot as an indented JSON string.
func (c *Collector) JSON() string {
	s := c.Snapshot()
	data, _ := json.MarshalIndent(s, "", "  ")
	return string(data)
}
