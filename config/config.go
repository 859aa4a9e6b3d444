// Package config defines the runtime configuration for clamstream and
// provides the tunnel-spec parser used by the CLI.
package config

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	cserr "clamstream/internal/errors"
)

// Config holds every tuneable for one clamstream run.
type Config struct {
	// ── clamd ────────────────────────────────────────────────────────
	URLs          []string // candidate clam:// URLs, first valid one wins
	Enabled       bool     // scanning switched on; when off every scan is ERROR
	SocketTimeout time.Duration
	ChunkSize     int

	// ── Batch ────────────────────────────────────────────────────────
	Paths       []string // files to scan; "-" is stdin
	Concurrency int
	Rate        float64 // scans started per second, 0 = unlimited
	MaxFailures int     // consecutive connection failures before failing fast, 0 = never
	DryRun      bool

	// ── Transport ────────────────────────────────────────────────────
	Proxy string // socks5://[user:pass@]host:port

	// ── SSH tunnel ───────────────────────────────────────────────────
	TunnelSpec     string // raw user@host[:port] from -T
	TunnelEnabled  bool
	TunnelUser     string
	TunnelHost     string
	TunnelPort     int
	SSHKeyPath     string
	SSHPassword    bool // true → prompt interactively
	UseSSHAgent    bool
	StrictHostKey  bool
	KnownHostsPath string

	// ── Output ───────────────────────────────────────────────────────
	Verbose int
	Stats   bool
}

// New returns a Config populated with defaults.
func New() *Config {
	return &Config{
		Enabled:       true,
		SocketTimeout: DefaultSocketTimeout,
		ChunkSize:     DefaultChunkSize,
		Concurrency:   DefaultConcurrency,
	}
}

// ── Tunnel-spec parser ───────────────────────────────────────────────

// tunnelRe matches [user@]host[:port].
var tunnelRe = regexp.MustCompile(`^(?:([^@]+)@)?([^:]+)(?::(\d+))?$`)

// ParseTunnelSpec extracts user, host, and port from a string such as
// "admin@bastion.example.com:2222".  Port defaults to 22.
func ParseTunnelSpec(spec string) (user, host string, port int, err error) {
	m := tunnelRe.FindStringSubmatch(spec)
	if m == nil {
		return "", "", 0, fmt.Errorf("invalid tunnel spec %q – expected [user@]host[:port]", spec)
	}
	user = m[1]
	host = m[2]
	port = DefaultSSHPort
	if m[3] != "" {
		port, err = strconv.Atoi(m[3])
		if err != nil || port < 1 || port > 65535 {
			return "", "", 0, fmt.Errorf("invalid tunnel port %q", m[3])
		}
	}
	if host == "" {
		return "", "", 0, fmt.Errorf("tunnel host is required")
	}
	return user, host, port, nil
}

// ApplyTunnelSpec parses TunnelSpec, if set, into the tunnel fields.
func (c *Config) ApplyTunnelSpec() error {
	if c.TunnelSpec == "" {
		return nil
	}
	user, host, port, err := ParseTunnelSpec(c.TunnelSpec)
	if err != nil {
		return fmt.Errorf("tunnel: %w", err)
	}
	c.TunnelEnabled = true
	c.TunnelUser = user
	c.TunnelHost = host
	c.TunnelPort = port
	return nil
}

// ── Validation ───────────────────────────────────────────────────────

// Validate checks that the configuration is internally consistent.
// Zero numeric values mean "use the default"; negative ones are errors.
func (c *Config) Validate() error {
	if c.SocketTimeout < 0 {
		return &cserr.ConfigError{
			Field:   "timeout",
			Value:   c.SocketTimeout.Milliseconds(),
			Message: "must be positive",
			Hint:    fmt.Sprintf("omit the flag to use %d", DefaultSocketTimeout.Milliseconds()),
		}
	}
	if c.ChunkSize < 0 {
		return &cserr.ConfigError{
			Field:   "chunk-size",
			Value:   c.ChunkSize,
			Message: "must be positive",
			Hint:    fmt.Sprintf("omit the flag to use %d", DefaultChunkSize),
		}
	}
	if c.ChunkSize > MaxChunkSize {
		return &cserr.ConfigError{
			Field:   "chunk-size",
			Value:   c.ChunkSize,
			Message: fmt.Sprintf("exceeds %d bytes", MaxChunkSize),
			Hint:    "clamd's StreamMaxLength caps the whole upload, so large chunks gain nothing",
		}
	}
	if c.Concurrency < 0 {
		return &cserr.ConfigError{
			Field:   "concurrency",
			Value:   c.Concurrency,
			Message: "must be positive",
		}
	}
	if c.Rate < 0 {
		return &cserr.ConfigError{
			Field:   "rate",
			Value:   c.Rate,
			Message: "must not be negative",
			Hint:    "use 0 for no limit",
		}
	}
	if c.MaxFailures < 0 {
		return &cserr.ConfigError{
			Field:   "max-failures",
			Value:   c.MaxFailures,
			Message: "must not be negative",
			Hint:    "use 0 to keep scanning after connection failures",
		}
	}

	if c.TunnelEnabled && c.Proxy != "" {
		return &cserr.ConfigError{
			Field:   "proxy",
			Value:   c.Proxy,
			Message: "--proxy and --tunnel are mutually exclusive",
		}
	}
	if c.TunnelEnabled && c.TunnelHost == "" {
		return &cserr.ConfigError{
			Field:   "tunnel",
			Message: "tunnel host is required",
			Hint:    "use -T [user@]host[:port]",
		}
	}
	return nil
}
