// Package cmd wires up the CLI flags and dispatches to the scan core.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	flag "github.com/spf13/pflag"

	"clamstream/config"
	"clamstream/internal/core"
	"clamstream/util"
)

// version is overridable at link time:
//
//	go build -ldflags "-X clamstream/cmd.version=2.0.0"
var version = "1.0.0" //nolint:gochecknoglobals

// Execute parses args and runs the scan.  Verdict-driven exit codes
// come back as a *core.ExitError.
func Execute(ctx context.Context, args []string) error {
	return execute(ctx, args, os.Stdout)
}

func execute(ctx context.Context, args []string, stdout io.Writer) error {
	cfg := config.New()
	config.LoadFromEnv(cfg)

	fs := flag.NewFlagSet("clamstream", flag.ContinueOnError)

	// ── clamd ────────────────────────────────────────────────────
	fs.StringArrayVarP(&cfg.URLs, "url", "U", cfg.URLs, "clamd URL clam://host:port (repeatable, first valid wins)")
	fs.BoolVar(&cfg.Enabled, "enabled", cfg.Enabled, "Scan at all; --enabled=false reports every path as ERROR")

	timeoutMs := int(cfg.SocketTimeout / time.Millisecond)
	fs.IntVarP(&timeoutMs, "timeout", "w", timeoutMs, "Socket timeout in milliseconds")
	fs.IntVarP(&cfg.ChunkSize, "chunk-size", "C", cfg.ChunkSize, "Upload chunk size in bytes")

	// ── batch ────────────────────────────────────────────────────
	fs.IntVarP(&cfg.Concurrency, "concurrency", "j", cfg.Concurrency, "Simultaneous scans")
	fs.Float64Var(&cfg.Rate, "rate", cfg.Rate, "Scans started per second (0 = unlimited)")
	fs.IntVar(&cfg.MaxFailures, "max-failures", cfg.MaxFailures, "Fail fast after N consecutive connection failures (0 = never)")

	// ── transport ────────────────────────────────────────────────
	fs.StringVar(&cfg.Proxy, "proxy", cfg.Proxy, "Reach clamd through socks5://[user:pass@]host:port")

	// ── SSH tunnel ───────────────────────────────────────────────
	fs.StringVarP(&cfg.TunnelSpec, "tunnel", "T", cfg.TunnelSpec, "Reach clamd through SSH via [user@]host[:port]")
	fs.StringVar(&cfg.SSHKeyPath, "ssh-key", cfg.SSHKeyPath, "SSH private key file")
	fs.BoolVar(&cfg.SSHPassword, "ssh-password", cfg.SSHPassword, "Prompt for SSH password")
	fs.BoolVar(&cfg.UseSSHAgent, "ssh-agent", cfg.UseSSHAgent, "Use SSH agent")
	fs.BoolVar(&cfg.StrictHostKey, "strict-hostkey", cfg.StrictHostKey, "Verify SSH host keys")
	fs.StringVar(&cfg.KnownHostsPath, "known-hosts", cfg.KnownHostsPath, "Custom known_hosts path")

	// ── output ───────────────────────────────────────────────────
	fs.CountVarP(&cfg.Verbose, "verbose", "v", "Increase verbosity (repeatable)")
	fs.BoolVar(&cfg.Stats, "stats", cfg.Stats, "Print scan metrics as JSON to stderr")
	fs.BoolVar(&cfg.DryRun, "dry-run", false, "Validate configuration and print the plan without scanning")

	var showVersion, showHelp bool
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	fs.BoolVarP(&showHelp, "help", "h", false, "Show this help")

	fs.Usage = func() { printUsage(fs) }

	// ── parse ────────────────────────────────────────────────────
	if err := fs.Parse(args); err != nil {
		return err
	}

	if showHelp {
		printUsage(fs)
		return nil
	}
	if showVersion {
		fmt.Fprintf(stdout, "clamstream %s\n", version)
		return nil
	}

	if fs.Changed("timeout") {
		cfg.SocketTimeout = time.Duration(timeoutMs) * time.Millisecond
	}
	cfg.Paths = fs.Args()

	// ── tunnel spec ──────────────────────────────────────────────
	if err := cfg.ApplyTunnelSpec(); err != nil {
		return err
	}

	// ── validate ─────────────────────────────────────────────────
	if err := cfg.Validate(); err != nil {
		return err
	}

	// ── build & run ──────────────────────────────────────────────
	logger := util.NewLogger(cfg.Verbose)

	mode, err := core.Build(cfg, logger)
	if err != nil {
		return err
	}
	if cfg.DryRun {
		fmt.Fprintln(stdout, mode)
		return nil
	}
	if sm, ok := mode.(*core.ScanMode); ok {
		sm.Stdout = stdout
	}
	return mode.Run(ctx)
}

func printUsage(fs *flag.FlagSet) {
	fmt.Fprintf(os.Stderr, `clamstream – stream files to clamd v%s

Submits each file to a ClamAV daemon with the zINSTREAM command and
prints one verdict line per file.

Usage:
  clamstream [options] <path>...            Scan files
  clamstream [options] -                    Scan stdin (also the default)

Options:
`, version)
	fs.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
Exit status:
  0  every file was accepted
  1  at least one file was rejected
  2  at least one scan failed

Examples:
  clamstream upload.bin                               Scan via clam://localhost:3310
  clamstream -U clam://av.internal:3310 *.pdf         Scan against a remote daemon
  cat upload.zip | clamstream -w 5000 -               Scan stdin, 5s socket timeout
  clamstream -T scan@bastion -U clam://av:3310 f.exe  Reach clamd through SSH
`)
}
