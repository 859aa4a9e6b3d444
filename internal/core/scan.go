package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"clamstream/config"
	"clamstream/internal/breaker"
	"clamstream/internal/clamd"
	cserr "clamstream/internal/errors"
	"clamstream/internal/metrics"
	"clamstream/internal/transport"
	"clamstream/util"
)

// StdinPath names standard input in the path list.
const StdinPath = "-"

var errScanningDisabled = errors.New("scanning is disabled")

// Streamer runs one scan and reports why it failed.  *clamd.Client
// implements it.
type Streamer interface {
	Stream(ctx context.Context, r io.Reader) (clamd.Verdict, string, error)
}

// Result is the outcome of scanning one path.
type Result struct {
	Path    string
	Verdict clamd.Verdict
	Info    string
	Err     error
}

// Line formats r the way clamdscan reports a file.
func (r Result) Line() string {
	name := r.Path
	if name == StdinPath {
		name = "stdin"
	}
	switch r.Verdict {
	case clamd.VerdictAccept:
		return name + ": OK"
	case clamd.VerdictReject:
		if r.Info == "" {
			return name + ": REJECT"
		}
		return fmt.Sprintf("%s: %s REJECT", name, r.Info)
	default:
		if r.Err == nil {
			return name + ": ERROR"
		}
		return fmt.Sprintf("%s: ERROR %v", name, r.Err)
	}
}

// ScanMode scans a list of files, or stdin, and prints one verdict
// line per path in input order.
type ScanMode struct {
	Scanner     Streamer         // nil when scanning is disabled
	Dialer      transport.Dialer // closed when Run returns; may be nil
	Endpoint    string           // for logs
	Via         string           // transport description, for logs
	Paths       []string
	Concurrency int
	Limiter     *rate.Limiter    // throttles scan starts; nil = unlimited
	Breaker     *breaker.Breaker // fails fast on a dead daemon; nil = never
	Stdin       io.Reader
	Stdout      io.Writer
	Stderr      io.Writer
	Logger      *util.Logger
	Metrics     *metrics.Collector
	Stats       bool
}

// String describes the planned run.  It is what --dry-run prints.
func (m *ScanMode) String() string {
	if m.Scanner == nil {
		return fmt.Sprintf("scanning disabled, %d path(s)", len(m.paths()))
	}
	return fmt.Sprintf("clamd %s via %s, %d path(s), concurrency %d",
		m.Endpoint, m.Via, len(m.paths()), m.concurrency())
}

// Run scans every path, prints the verdicts and returns an *ExitError
// unless every scan was accepted.  The dialer is closed when Run
// returns.
func (m *ScanMode) Run(ctx context.Context) error {
	if m.Dialer != nil {
		defer m.Dialer.Close()
	}

	paths := m.paths()
	m.Logger.Verbose("%s", m)

	if c, ok := m.Dialer.(interface{ Connect(context.Context) error }); ok && m.Scanner != nil {
		if err := c.Connect(ctx); err != nil {
			// Scans will report the failure per path.
			m.Logger.Warn("%v", err)
		}
	}

	results := m.ScanPaths(ctx, paths)

	exit := &ExitError{}
	for _, r := range results {
		fmt.Fprintln(m.Stdout, r.Line())
		switch r.Verdict {
		case clamd.VerdictReject:
			exit.Rejected++
			exit.Code = max(exit.Code, ExitRejected)
		case clamd.VerdictError:
			exit.Failed++
			exit.Code = ExitFailed
		}
	}

	if m.Stats && m.Stderr != nil {
		fmt.Fprintln(m.Stderr, m.Metrics.JSON())
	}

	if exit.Code != ExitClean {
		return exit
	}
	return nil
}

// ScanPaths scans every path concurrently and returns results in the
// same order as the input slice.  StdinPath must appear at most once.
func (m *ScanMode) ScanPaths(ctx context.Context, paths []string) []Result {
	results := make([]Result, len(paths))
	sem := make(chan struct{}, m.concurrency())
	var wg sync.WaitGroup

	for i, path := range paths {
		if err := m.throttle(ctx); err != nil {
			results[i] = Result{Path: path, Verdict: clamd.VerdictError, Err: err}
			continue
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			results[i] = Result{Path: path, Verdict: clamd.VerdictError, Err: ctx.Err()}
			continue
		}

		wg.Add(1)
		go func(idx int, p string) {
			defer wg.Done()
			defer func() { <-sem }()
			results[idx] = m.scanOne(ctx, p)
		}(i, path)
	}

	wg.Wait()
	return results
}

func (m *ScanMode) scanOne(ctx context.Context, path string) Result {
	res := Result{Path: path, Verdict: clamd.VerdictError}
	if m.Scanner == nil {
		res.Err = errScanningDisabled
		return res
	}

	r, done, err := m.open(path)
	if err != nil {
		res.Err = err
		return res
	}
	defer done()

	if err := m.Breaker.Allow(); err != nil {
		res.Err = err
		return res
	}
	res.Verdict, res.Info, res.Err = m.Scanner.Stream(ctx, r)
	m.Breaker.Record(cserr.IsConnection(res.Err))

	if res.Err != nil {
		m.Logger.Verbose("%s: %v", path, res.Err)
	} else {
		m.Logger.Debug("%s: %s %s", path, res.Verdict, res.Info)
	}
	return res
}

func (m *ScanMode) open(path string) (io.Reader, func(), error) {
	if path == StdinPath {
		if m.Stdin == nil {
			return strings.NewReader(""), func() {}, nil
		}
		return m.Stdin, func() {}, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	if st.IsDir() {
		f.Close()
		return nil, nil, fmt.Errorf("%s is a directory", path)
	}
	return f, func() { util.CloseQuietly(m.Logger, path, f) }, nil
}

func (m *ScanMode) throttle(ctx context.Context) error {
	if m.Limiter == nil {
		return nil
	}
	return m.Limiter.Wait(ctx)
}

// paths returns the paths to scan.  Stdin can only be consumed once, so
// repeated "-" arguments after the first are dropped.
func (m *ScanMode) paths() []string {
	if len(m.Paths) == 0 {
		return []string{StdinPath}
	}
	out := make([]string, 0, len(m.Paths))
	seenStdin := false
	for _, p := range m.Paths {
		if p == StdinPath {
			if seenStdin {
				m.Logger.Warn("stdin listed more than once, scanning it once")
				continue
			}
			seenStdin = true
		}
		out = append(out, p)
	}
	return out
}

func (m *ScanMode) concurrency() int {
	if m.Concurrency <= 0 {
		return config.DefaultConcurrency
	}
	return m.Concurrency
}
