package tunnel

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	cserr "clamstream/internal/errors"
	"clamstream/util"
)

const (
	// DefaultConnTimeout bounds the TCP connect plus SSH handshake.
	DefaultConnTimeout = 30 * time.Second

	// DefaultKeepAlive is how often an idle gateway is pinged.
	DefaultKeepAlive = 30 * time.Second

	keepAliveRequest = "keepalive@openssh.com"
)

// SSHConfig holds everything needed to dial an SSH gateway.
type SSHConfig struct {
	User          string
	Host          string
	Port          int
	KeyPath       string
	PromptPass    bool
	UseAgent      bool
	StrictHostKey bool
	KnownHosts    string
	ConnTimeout   time.Duration

	// KeepAlive is the ping interval that detects a dead gateway
	// between scans.  Negative disables pings.
	KeepAlive time.Duration

	// Prompt reads a secret.  Nil means [TerminalPrompt].
	Prompt PromptFunc
}

func (c *SSHConfig) addr() string { return util.FormatAddr(c.Host, c.Port) }

// SSHTunnel forwards clamd connections through one SSH session to a
// gateway.  A session that dies is reported by IsAlive so the owner can
// reconnect; secrets asked for on the first Connect are reused.
type SSHTunnel struct {
	cfg    *SSHConfig
	prompt PromptFunc
	logger *util.Logger

	mu     sync.RWMutex
	client *ssh.Client
}

// NewSSHTunnel fills in defaults and returns an unconnected tunnel.
func NewSSHTunnel(cfg *SSHConfig, logger *util.Logger) *SSHTunnel {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.ConnTimeout == 0 {
		cfg.ConnTimeout = DefaultConnTimeout
	}
	if cfg.KeepAlive == 0 {
		cfg.KeepAlive = DefaultKeepAlive
	}
	p := cfg.Prompt
	if p == nil {
		p = TerminalPrompt
	}
	return &SSHTunnel{cfg: cfg, prompt: memoPrompt(p), logger: logger.Named("tunnel")}
}

// Connect authenticates to the gateway, replacing any previous session.
func (t *SSHTunnel) Connect(ctx context.Context) error {
	creds, err := resolveCredentials(t.cfg, t.prompt)
	if err != nil {
		return cserr.WrapSSH("auth", t.cfg.Host, t.cfg.Port, err)
	}
	defer creds.Close()

	hostKeys, err := hostKeyCallback(t.cfg)
	if err != nil {
		return cserr.WrapSSH("hostkey", t.cfg.Host, t.cfg.Port, err)
	}

	client, err := t.handshake(ctx, &ssh.ClientConfig{
		User:            t.cfg.User,
		Auth:            creds.methods,
		HostKeyCallback: hostKeys,
		Timeout:         t.cfg.ConnTimeout,
	})
	if err != nil {
		return err
	}

	t.mu.Lock()
	old := t.client
	t.client = client
	t.mu.Unlock()
	if old != nil {
		old.Close()
	}

	done := make(chan struct{})
	go t.watch(client, done)
	go t.keepAlive(client, done)
	return nil
}

// handshake dials the gateway and runs the SSH handshake within the
// connect timeout.  ssh.NewClientConn takes no context, so ctx expiry
// closes the socket underneath it.
func (t *SSHTunnel) handshake(ctx context.Context, cc *ssh.ClientConfig) (*ssh.Client, error) {
	addr := t.cfg.addr()
	ctx, cancel := context.WithTimeout(ctx, t.cfg.ConnTimeout)
	defer cancel()

	t.logger.Debug("dialing %s as %s", addr, t.cfg.User)
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, cserr.Wrap("dial", addr, err)
	}

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	sc, chans, reqs, err := ssh.NewClientConn(conn, addr, cc)
	if !stop() {
		if err == nil {
			sc.Close()
		}
		return nil, cserr.WrapSSH("handshake", t.cfg.Host, t.cfg.Port, ctx.Err())
	}
	if err != nil {
		conn.Close()
		return nil, cserr.WrapSSH("handshake", t.cfg.Host, t.cfg.Port, err)
	}
	return ssh.NewClient(sc, chans, reqs), nil
}

// Dial opens a forwarded connection to address on the gateway's side.
// Forwarded channels do not support deadlines.
func (t *SSHTunnel) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	t.mu.RLock()
	client := t.client
	t.mu.RUnlock()
	if client == nil {
		return nil, cserr.ErrNotConnected
	}

	t.logger.Debug("forwarding %s %s", network, address)
	conn, err := client.DialContext(ctx, network, address)
	if err != nil {
		if !t.IsAlive() {
			err = cserr.ErrTunnelClosed
		}
		return nil, fmt.Errorf("forward to %s: %w", address, err)
	}
	return conn, nil
}

// Close ends the SSH session.
func (t *SSHTunnel) Close() error {
	t.mu.Lock()
	client := t.client
	t.client = nil
	t.mu.Unlock()
	if client == nil {
		return nil
	}
	return client.Close()
}

// IsAlive reports whether a session is up.
func (t *SSHTunnel) IsAlive() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.client != nil
}

// watch forgets client once its session ends, unless it was already
// replaced by a newer one.
func (t *SSHTunnel) watch(client *ssh.Client, done chan struct{}) {
	err := client.Wait()
	close(done)

	t.mu.Lock()
	if t.client == client {
		t.client = nil
	}
	t.mu.Unlock()
	t.logger.Debug("SSH session to %s ended: %v", t.cfg.addr(), err)
}

// keepAlive pings the gateway until done.  A ping that fails or is not
// answered within one interval closes the session.
func (t *SSHTunnel) keepAlive(client *ssh.Client, done <-chan struct{}) {
	interval := t.cfg.KeepAlive
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}
		stall := time.AfterFunc(interval, func() { client.Close() })
		_, _, err := client.SendRequest(keepAliveRequest, true, nil)
		stall.Stop()
		if err != nil {
			t.logger.Warn("SSH gateway %s stopped answering: %v", t.cfg.addr(), err)
			client.Close()
			return
		}
	}
}
