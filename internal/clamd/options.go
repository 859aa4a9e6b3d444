package clamd

import (
	"time"

	"clamstream/internal/metrics"
	"clamstream/internal/transport"
	"clamstream/util"
)

const (
	// DefaultTimeout applies to the connect and to every socket read
	// and write of a session.
	DefaultTimeout = 2000 * time.Millisecond

	// DefaultChunkSize is the largest payload carried by one frame.
	DefaultChunkSize = 2048
)

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the socket timeout.  Non-positive durations are
// ignored and the default is kept.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithChunkSize sets the upload chunk size in bytes.  Non-positive
// sizes are ignored and the default is kept.
func WithChunkSize(size int) Option {
	return func(c *Client) {
		if size > 0 {
			c.chunkSize = size
		}
	}
}

// WithDialer routes connections through d instead of a direct TCP
// dialer.  The client does not close d.
func WithDialer(d transport.Dialer) Option {
	return func(c *Client) {
		c.dialer = d
	}
}

// WithLogger sets the diagnostics logger.
func WithLogger(l *util.Logger) Option {
	return func(c *Client) {
		c.logger = l.Named("clamd")
	}
}

// WithMetrics records connection and verdict counters into m.
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Client) {
		c.metrics = m
	}
}
