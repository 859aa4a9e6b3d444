package core

import (
	"fmt"
	"os"

	"golang.org/x/time/rate"

	"clamstream/config"
	"clamstream/internal/breaker"
	"clamstream/internal/clamd"
	cserr "clamstream/internal/errors"
	"clamstream/internal/metrics"
	"clamstream/internal/transport"
	"clamstream/tunnel"
	"clamstream/util"
)

// Build constructs the scan Mode for cfg.  A disabled configuration
// still yields a mode; it reports every path as ERROR without dialing.
func Build(cfg *config.Config, logger *util.Logger) (Mode, error) {
	m := &ScanMode{
		Paths:       cfg.Paths,
		Concurrency: cfg.Concurrency,
		Stdin:       os.Stdin,
		Stdout:      os.Stdout,
		Stderr:      os.Stderr,
		Logger:      logger,
		Metrics:     metrics.New(),
		Stats:       cfg.Stats,
	}

	if cfg.Rate > 0 {
		m.Limiter = rate.NewLimiter(rate.Limit(cfg.Rate), 1)
	}
	if cfg.MaxFailures > 0 {
		m.Breaker = breaker.New(breaker.Config{
			MaxFailures:  cfg.MaxFailures,
			ResetTimeout: config.DefaultBreakerReset,
			OnStateChange: func(from, to breaker.State) {
				logger.Warn("clamd circuit %s → %s", from, to)
			},
		})
	}

	if !cfg.Enabled {
		logger.Verbose("scanning is disabled, every path will be reported as ERROR")
		return m, nil
	}

	dialer, via, err := buildDialer(cfg, logger)
	if err != nil {
		return nil, err
	}

	client := clamd.NewClient(
		clamd.WithTimeout(cfg.SocketTimeout),
		clamd.WithChunkSize(cfg.ChunkSize),
		clamd.WithDialer(dialer),
		clamd.WithLogger(logger),
		clamd.WithMetrics(m.Metrics),
	)
	if err := configureFirst(client, cfg.URLs, logger); err != nil {
		dialer.Close() //nolint:errcheck
		return nil, err
	}

	ep, _ := client.Endpoint()
	m.Scanner = client
	m.Dialer = dialer
	m.Endpoint = ep.String()
	m.Via = via
	return m, nil
}

// configureFirst points c at the first URL that resolves.  Malformed
// entries are logged and skipped; an empty list means the default URL.
func configureFirst(c *clamd.Client, urls []string, logger *util.Logger) error {
	if len(urls) == 0 {
		return c.Configure("")
	}
	var errs []error
	for _, u := range urls {
		err := c.Configure(u)
		if err == nil {
			return nil
		}
		logger.Warn("skipping %v", err)
		errs = append(errs, err)
	}
	return fmt.Errorf("no usable clamd url: %w", cserr.Join(errs...))
}

// buildDialer creates the transport for cfg: an SSH tunnel, a SOCKS5
// proxy, or direct TCP, in that order of preference.
func buildDialer(cfg *config.Config, logger *util.Logger) (transport.Dialer, string, error) {
	timeout := cfg.SocketTimeout
	if timeout <= 0 {
		timeout = config.DefaultSocketTimeout
	}

	switch {
	case cfg.TunnelEnabled:
		sshCfg := &tunnel.SSHConfig{
			User:          cfg.TunnelUser,
			Host:          cfg.TunnelHost,
			Port:          cfg.TunnelPort,
			KeyPath:       cfg.SSHKeyPath,
			PromptPass:    cfg.SSHPassword,
			UseAgent:      cfg.UseSSHAgent,
			StrictHostKey: cfg.StrictHostKey,
			KnownHosts:    cfg.KnownHostsPath,
		}
		via := "ssh " + util.FormatAddr(cfg.TunnelHost, cfg.TunnelPort)
		return transport.NewSSHDialer(sshCfg, logger.Named("ssh")), via, nil

	case cfg.Proxy != "":
		d, err := transport.NewProxyDialer(cfg.Proxy, timeout)
		if err != nil {
			return nil, "", &cserr.ConfigError{Field: "proxy", Value: cfg.Proxy, Message: err.Error()}
		}
		return d, "socks5 " + d.Addr(), nil

	default:
		return &transport.TCPDialer{Timeout: timeout}, "tcp", nil
	}
}
