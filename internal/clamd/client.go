// Package clamd is a client for the clamd INSTREAM protocol.
//
// A Client resolves a clam://host:port endpoint once and then runs one
// short-lived session per scan: it opens a connection, uploads the
// payload as length-prefixed chunks, watches for the daemon aborting
// the upload, and parses the "stream: <token>" verdict.  Every failure
// is absorbed and reported as VerdictError.
package clamd

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	cserr "clamstream/internal/errors"
	"clamstream/internal/metrics"
	"clamstream/internal/transport"
	"clamstream/util"
)

// Scanner is the capability a host needs from a content scanner.
type Scanner interface {
	Configure(url string) error
	IsEnabled() bool
	ScanReader(ctx context.Context, r io.Reader, info *strings.Builder) Verdict
}

var _ Scanner = (*Client)(nil)

// Client scans content against one clamd daemon.  It is safe for
// concurrent use; each scan owns its own connection.
type Client struct {
	mu       sync.RWMutex
	endpoint Endpoint
	enabled  bool

	timeout   time.Duration
	chunkSize int
	dialer    transport.Dialer
	logger    *util.Logger
	metrics   *metrics.Collector
	buffers   *util.BufferPool
}

// NewClient returns a disabled client.  Call Configure before scanning.
func NewClient(opts ...Option) *Client {
	c := &Client{
		timeout:   DefaultTimeout,
		chunkSize: DefaultChunkSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.dialer == nil {
		c.dialer = &transport.TCPDialer{Timeout: c.timeout}
	}
	c.buffers = util.NewBufferPool(c.chunkSize)
	c.logger.Debug("socketTimeout: %v, chunkSize: %d", c.timeout, c.chunkSize)
	return c
}

// Configure resolves url and enables the client.  On failure the
// previous endpoint, if any, stays in effect.
func (c *Client) Configure(url string) error {
	ep, err := ParseEndpoint(url)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.endpoint = ep
	c.enabled = true
	c.mu.Unlock()
	c.logger.Verbose("using clamd at %s", ep)
	return nil
}

// IsEnabled reports whether Configure has succeeded at least once.
func (c *Client) IsEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.enabled
}

// Endpoint returns the configured daemon address.
func (c *Client) Endpoint() (Endpoint, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.endpoint, c.enabled
}

// Timeout returns the socket timeout in effect.
func (c *Client) Timeout() time.Duration { return c.timeout }

// ChunkSize returns the upload chunk size in effect.
func (c *Client) ChunkSize() int { return c.chunkSize }

// ScanBytes scans an in-memory payload.  See ScanReader.
func (c *Client) ScanBytes(ctx context.Context, data []byte, info *strings.Builder) Verdict {
	return c.ScanReader(ctx, bytes.NewReader(data), info)
}

// ScanReader streams r to the daemon and returns its verdict.  info is
// reset on entry and receives the daemon's token (for example
// "Eicar-Test-Signature FOUND") only on VerdictAccept or VerdictReject.
// ScanReader never panics; failures are logged and become VerdictError.
// r is read but never closed.
func (c *Client) ScanReader(ctx context.Context, r io.Reader, info *strings.Builder) Verdict {
	if info != nil {
		info.Reset()
	}
	v, token, err := c.Stream(ctx, r)
	if err != nil {
		if cserr.Is(err, cserr.ErrNotConfigured) {
			c.logger.Debug("scan skipped: %v", err)
		} else {
			c.logger.Error("exception communicating with clamd: %v", err)
		}
		return VerdictError
	}
	if info != nil {
		info.WriteString(token)
	}
	return v
}

// Stream runs one INSTREAM session and returns the verdict, the daemon
// token and, for VerdictError, the reason.
func (c *Client) Stream(ctx context.Context, r io.Reader) (v Verdict, token string, err error) {
	defer func() {
		if p := recover(); p != nil {
			v, token, err = VerdictError, "", fmt.Errorf("panic during scan: %v", p)
		}
		c.record(v, err)
	}()

	ep, ok := c.Endpoint()
	if !ok {
		return VerdictError, "", cserr.ErrNotConfigured
	}
	if ctx == nil {
		ctx = context.Background()
	}

	s := &session{
		ctx:       ctx,
		endpoint:  ep,
		timeout:   c.timeout,
		chunkSize: c.chunkSize,
		dialer:    c.dialer,
		buffers:   c.buffers,
		logger:    c.logger,
		metrics:   c.metrics,
	}
	return s.run(r)
}

func (c *Client) record(v Verdict, err error) {
	switch {
	case err != nil:
		c.metrics.ScanFailed(err.Error())
	case v == VerdictAccept:
		c.metrics.ScanAccepted()
	case v == VerdictReject:
		c.metrics.ScanRejected()
	default:
		c.metrics.ScanFailed("no verdict")
	}
}
