package transport

import (
	"context"
	"fmt"
	"net"
	"sync"

	"clamstream/tunnel"
	"clamstream/util"
)

// SSHDialer routes connections through an SSH tunnel.  The tunnel is
// connected lazily on the first Dial call and torn down on Close, so a
// batch of scans shares one SSH session while each scan still gets its
// own forwarded connection.
type SSHDialer struct {
	tunnel    tunnel.Tunnel
	config    *tunnel.SSHConfig
	logger    *util.Logger
	mu        sync.Mutex
	connected bool
}

// NewSSHDialer creates a dialer that forwards connections through an
// SSH tunnel.  The tunnel is not connected until the first Dial.
func NewSSHDialer(cfg *tunnel.SSHConfig, logger *util.Logger) *SSHDialer {
	return &SSHDialer{
		tunnel: tunnel.NewSSHTunnel(cfg, logger),
		config: cfg,
		logger: logger,
	}
}

// connect establishes the SSH tunnel if not already connected, and
// reconnects once if a previous session has died.
func (d *SSHDialer) connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.connected && d.tunnel.IsAlive() {
		return nil
	}
	if d.connected {
		d.logger.Warn("SSH tunnel to %s lost, reconnecting", d.config.Host)
		d.tunnel.Close() //nolint:errcheck
		d.connected = false
	}

	d.logger.Verbose("establishing SSH tunnel to %s@%s:%d",
		d.config.User, d.config.Host, d.config.Port)

	if err := d.tunnel.Connect(ctx); err != nil {
		return fmt.Errorf("tunnel: %w", err)
	}

	d.connected = true
	d.logger.Verbose("SSH tunnel established")
	return nil
}

// Connect establishes the tunnel ahead of the first Dial so the SSH
// handshake is not charged against a scan's socket timeout.
func (d *SSHDialer) Connect(ctx context.Context) error { return d.connect(ctx) }

// Dial connects to address through the SSH tunnel, lazily establishing
// the tunnel on the first call.
func (d *SSHDialer) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	if err := d.connect(ctx); err != nil {
		return nil, err
	}
	return d.tunnel.Dial(ctx, network, address)
}

// Close tears down the underlying SSH tunnel.
func (d *SSHDialer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.connected {
		d.connected = false
		return d.tunnel.Close()
	}
	return nil
}
