package clamd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	cserr "clamstream/internal/errors"
	"clamstream/internal/metrics"
	"clamstream/internal/testutil"
	"clamstream/internal/transport"
	"clamstream/util"
)

func newTestClient(t *testing.T, url string, opts ...Option) (*Client, *metrics.Collector) {
	t.Helper()
	m := metrics.New()
	c := NewClient(append([]Option{WithTimeout(time.Second), WithMetrics(m)}, opts...)...)
	require.NoError(t, c.Configure(url))
	return c, m
}

func TestNewClient_Defaults(t *testing.T) {
	c := NewClient(WithTimeout(-1), WithChunkSize(0))
	assert.Equal(t, DefaultTimeout, c.Timeout())
	assert.Equal(t, DefaultChunkSize, c.ChunkSize())
	assert.False(t, c.IsEnabled())

	c = NewClient(WithTimeout(500*time.Millisecond), WithChunkSize(4096))
	assert.Equal(t, 500*time.Millisecond, c.Timeout())
	assert.Equal(t, 4096, c.ChunkSize())
}

func TestClient_Configure(t *testing.T) {
	c := NewClient()

	err := c.Configure("http://scanner:3310")
	require.Error(t, err)
	assert.ErrorIs(t, err, cserr.ErrMalformedEndpoint)
	assert.False(t, c.IsEnabled())

	require.NoError(t, c.Configure("clam://scanner:3311/"))
	assert.True(t, c.IsEnabled())
	ep, ok := c.Endpoint()
	require.True(t, ok)
	assert.Equal(t, Endpoint{Host: "scanner", Port: 3311}, ep)

	// A bad update leaves the working endpoint in place.
	require.Error(t, c.Configure("clam://scanner:99999"))
	assert.True(t, c.IsEnabled())
	ep, _ = c.Endpoint()
	assert.Equal(t, 3311, ep.Port)

	require.NoError(t, c.Configure(""))
	ep, _ = c.Endpoint()
	assert.Equal(t, Endpoint{Host: "localhost", Port: 3310}, ep)
}

func TestClient_UnconfiguredNeverDials(t *testing.T) {
	ctrl := gomock.NewController(t)
	d := transport.NewMockDialer(ctrl) // no expectations: any Dial fails the test

	m := metrics.New()
	c := NewClient(WithDialer(d), WithMetrics(m))

	info := &strings.Builder{}
	info.WriteString("stale")
	assert.Equal(t, VerdictError, c.ScanBytes(context.Background(), []byte("data"), info))
	assert.Empty(t, info.String())
	assert.Equal(t, VerdictError, c.ScanReader(context.Background(), strings.NewReader("data"), info))

	_, _, err := c.Stream(context.Background(), strings.NewReader("data"))
	assert.ErrorIs(t, err, cserr.ErrNotConfigured)
	assert.Equal(t, int64(3), m.Failed())
}

func TestClient_Verdicts(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		want  Verdict
		info  string
	}{
		{"clean", "stream: OK\n", VerdictAccept, "OK"},
		{"clean nul terminated", "stream: OK\x00", VerdictAccept, "OK"},
		{"infected", "stream: Eicar-Test-Signature FOUND\n", VerdictReject, "Eicar-Test-Signature FOUND"},
		{"infected nul terminated", "stream: Eicar-Test-Signature FOUND\x00", VerdictReject, "Eicar-Test-Signature FOUND"},
		{"error token", "stream: INSTREAM size limit exceeded. ERROR\n", VerdictReject, "INSTREAM size limit exceeded. ERROR"},
		{"missing prefix", "INSTREAM size limit exceeded. ERROR\n", VerdictReject, ""},
		{"ok in lower case", "stream: ok\n", VerdictReject, "ok"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := testutil.NewDaemon(t, testutil.ReplyAfterTerminator, tt.reply)
			c, m := newTestClient(t, d.URL())

			info := &strings.Builder{}
			got := c.ScanBytes(context.Background(), []byte("X5O!P%@AP"), info)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.info, info.String())

			sessions := d.Sessions(t)
			require.Len(t, sessions, 1)
			assert.Equal(t, []byte("zINSTREAM\x00"), sessions[0].Command)
			assert.True(t, sessions[0].Terminated)
			assert.Equal(t, []byte("X5O!P%@AP"), sessions[0].Payload())
			assert.Equal(t, int64(0), m.ActiveConnections())
		})
	}
}

func TestClient_EmptyInput(t *testing.T) {
	d := testutil.NewDaemon(t, testutil.ReplyAfterTerminator, "stream: OK\n")
	c, _ := newTestClient(t, d.URL())

	assert.Equal(t, VerdictAccept, c.ScanBytes(context.Background(), nil, nil))

	sessions := d.Sessions(t)
	require.Len(t, sessions, 1)
	assert.Empty(t, sessions[0].Chunks)
	assert.True(t, sessions[0].Terminated)
}

func TestClient_ChunkFraming(t *testing.T) {
	d := testutil.NewDaemon(t, testutil.ReplyAfterTerminator, "stream: OK\n")
	c, m := newTestClient(t, d.URL(), WithChunkSize(1000))

	input := bytes.Repeat([]byte("0123456789abcdef"), 640) // 10240 bytes
	assert.Equal(t, VerdictAccept, c.ScanReader(context.Background(), bytes.NewReader(input), nil))

	sessions := d.Sessions(t)
	require.Len(t, sessions, 1)
	s := sessions[0]
	assert.Equal(t, input, s.Payload())
	assert.Len(t, s.Chunks, 11)
	for i, chunk := range s.Chunks {
		assert.NotEmpty(t, chunk, "chunk %d", i)
		assert.LessOrEqual(t, len(chunk), 1000, "chunk %d", i)
	}

	wire := len("zINSTREAM\x00") + len(input) + 4*len(s.Chunks) + 4
	assert.Equal(t, wire, s.BytesIn)
	assert.Equal(t, int64(wire), m.TotalBytesOut())
	assert.Equal(t, int64(len("stream: OK\n")), m.TotalBytesIn())
}

// gatedReader hands out one chunk, then holds the second read until
// the daemon has answered so the reply is already buffered when the
// client polls.
type gatedReader struct {
	chunk []byte
	gate  <-chan struct{}
	reads int
}

func (g *gatedReader) Read(p []byte) (int, error) {
	g.reads++
	switch g.reads {
	case 1:
		return copy(p, g.chunk), nil
	case 2:
		select {
		case <-g.gate:
		case <-time.After(2 * time.Second):
		}
		time.Sleep(100 * time.Millisecond)
		return copy(p, g.chunk), nil
	default:
		return copy(p, g.chunk), nil
	}
}

func TestClient_EarlyReplyAbortsUpload(t *testing.T) {
	d := testutil.NewDaemon(t, testutil.ReplyAfterFirstChunk, "INSTREAM size limit exceeded. ERROR\x00")
	c, m := newTestClient(t, d.URL(), WithChunkSize(64))

	src := &gatedReader{chunk: bytes.Repeat([]byte{'A'}, 64), gate: d.EarlyReplySent}
	info := &strings.Builder{}
	v, token, err := c.Stream(context.Background(), src)

	assert.Equal(t, VerdictError, v)
	assert.Empty(t, token)
	require.Error(t, err)
	assert.True(t, cserr.IsProtocol(err))
	assert.Contains(t, err.Error(), "INSTREAM size limit exceeded")
	assert.LessOrEqual(t, src.reads, 2, "no chunk may be read after the reply is seen")
	assert.Equal(t, int64(1), m.EarlyReplies())
	assert.Empty(t, info.String())

	sessions := d.Sessions(t)
	require.Len(t, sessions, 1)
	assert.False(t, sessions[0].Terminated)
	assert.Len(t, sessions[0].Chunks, src.reads)
}

func TestClient_EmptyReply(t *testing.T) {
	d := testutil.NewDaemon(t, testutil.CloseEmpty, "")
	c, _ := newTestClient(t, d.URL())

	info := &strings.Builder{}
	assert.Equal(t, VerdictError, c.ScanBytes(context.Background(), []byte("data"), info))
	assert.Empty(t, info.String())

	_, _, err := c.Stream(context.Background(), strings.NewReader("data"))
	assert.ErrorIs(t, err, cserr.ErrNoResult)
}

func TestClient_SilentDaemonTimesOut(t *testing.T) {
	d := testutil.NewDaemon(t, testutil.Silent, "")
	c, m := newTestClient(t, d.URL(), WithTimeout(200*time.Millisecond))

	start := time.Now()
	v, _, err := c.Stream(context.Background(), strings.NewReader("data"))
	elapsed := time.Since(start)

	assert.Equal(t, VerdictError, v)
	assert.True(t, cserr.IsTimeout(err), "want timeout, got %v", err)
	assert.Less(t, elapsed, 2*time.Second)
	assert.Equal(t, int64(1), m.Failed())
	d.Sessions(t)
}

// noDeadlineConn behaves like a forwarded SSH channel: it carries data
// but rejects every deadline.
type noDeadlineConn struct{ net.Conn }

var errNoDeadline = errors.New("deadline not supported")

func (noDeadlineConn) SetDeadline(time.Time) error      { return errNoDeadline }
func (noDeadlineConn) SetReadDeadline(time.Time) error  { return errNoDeadline }
func (noDeadlineConn) SetWriteDeadline(time.Time) error { return errNoDeadline }

func TestClient_SilentDaemonTimesOutWithoutDeadlines(t *testing.T) {
	d := testutil.NewDaemon(t, testutil.Silent, "")

	ctrl := gomock.NewController(t)
	dialer := transport.NewMockDialer(ctrl)
	dialer.EXPECT().
		Dial(gomock.Any(), "tcp", gomock.Any()).
		DoAndReturn(func(ctx context.Context, network, addr string) (net.Conn, error) {
			var nd net.Dialer
			conn, err := nd.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			return noDeadlineConn{conn}, nil
		})

	c, m := newTestClient(t, d.URL(), WithTimeout(200*time.Millisecond), WithDialer(dialer))

	start := time.Now()
	v, _, err := c.Stream(context.Background(), strings.NewReader("data"))
	elapsed := time.Since(start)

	assert.Equal(t, VerdictError, v)
	assert.True(t, cserr.IsTimeout(err), "want timeout, got %v", err)
	assert.Less(t, elapsed, time.Second)
	assert.Equal(t, int64(0), m.ActiveConnections())
	d.Sessions(t)
}

// A slow source must not trip the close timer between socket operations.
func TestClient_SlowSourceWithoutDeadlines(t *testing.T) {
	d := testutil.NewDaemon(t, testutil.ReplyAfterTerminator, "stream: OK\n")

	ctrl := gomock.NewController(t)
	dialer := transport.NewMockDialer(ctrl)
	dialer.EXPECT().
		Dial(gomock.Any(), "tcp", gomock.Any()).
		DoAndReturn(func(ctx context.Context, network, addr string) (net.Conn, error) {
			var nd net.Dialer
			conn, err := nd.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			return noDeadlineConn{conn}, nil
		})

	c, _ := newTestClient(t, d.URL(), WithTimeout(100*time.Millisecond), WithDialer(dialer), WithChunkSize(4))
	src := &slowReader{r: strings.NewReader("abcdefgh"), delay: 150 * time.Millisecond}

	v, token, err := c.Stream(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, VerdictAccept, v)
	assert.Equal(t, AnswerOK, token)
	assert.Len(t, d.Sessions(t)[0].Chunks, 2)
}

type slowReader struct {
	r     io.Reader
	delay time.Duration
}

func (s *slowReader) Read(p []byte) (int, error) {
	time.Sleep(s.delay)
	return s.r.Read(p)
}

func TestClient_Unreachable(t *testing.T) {
	port, err := util.FindFreePort()
	require.NoError(t, err)

	c, _ := newTestClient(t, fmt.Sprintf("clam://127.0.0.1:%d", port), WithTimeout(500*time.Millisecond))

	start := time.Now()
	v, _, err := c.Stream(context.Background(), strings.NewReader("data"))
	assert.Equal(t, VerdictError, v)
	assert.True(t, cserr.IsConnection(err), "want connection error, got %v", err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestClient_SequentialScansUseOwnConnections(t *testing.T) {
	d := testutil.NewDaemon(t, testutil.ReplyAfterTerminator, "stream: OK\n")
	c, m := newTestClient(t, d.URL())

	for i := 0; i < 2; i++ {
		assert.Equal(t, VerdictAccept, c.ScanBytes(context.Background(), []byte("payload"), nil))
	}

	assert.Len(t, d.Sessions(t), 2)
	assert.Equal(t, 2, d.Connections())
	assert.Equal(t, int64(2), m.TotalConnections())
	assert.Equal(t, int64(0), m.ActiveConnections())
}

func TestClient_ConcurrentScans(t *testing.T) {
	d := testutil.NewDaemon(t, testutil.ReplyAfterTerminator, "stream: OK\n")
	c, m := newTestClient(t, d.URL(), WithChunkSize(16))

	const n = 8
	var wg sync.WaitGroup
	verdicts := make([]Verdict, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			payload := bytes.Repeat([]byte{byte('a' + i)}, 100+i)
			verdicts[i] = c.ScanBytes(context.Background(), payload, &strings.Builder{})
		}(i)
	}
	wg.Wait()

	for i, v := range verdicts {
		assert.Equal(t, VerdictAccept, v, "scan %d", i)
	}
	assert.Len(t, d.Sessions(t), n)
	assert.Equal(t, int64(n), m.Accepted())
}

func TestClient_DialFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	d := transport.NewMockDialer(ctrl)
	d.EXPECT().
		Dial(gomock.Any(), "tcp", "scanner:3310").
		Return(nil, errors.New("no route to host"))

	c, m := newTestClient(t, "clam://scanner:3310", WithDialer(d))
	v, _, err := c.Stream(context.Background(), strings.NewReader("data"))
	assert.Equal(t, VerdictError, v)
	assert.True(t, cserr.IsConnection(err))
	assert.Equal(t, int64(0), m.TotalConnections())
}

func TestClient_WriteFailure(t *testing.T) {
	client, server := net.Pipe()
	server.Close()

	ctrl := gomock.NewController(t)
	d := transport.NewMockDialer(ctrl)
	d.EXPECT().Dial(gomock.Any(), "tcp", "scanner:3310").Return(client, nil)

	c, m := newTestClient(t, "clam://scanner:3310", WithDialer(d))
	v, _, err := c.Stream(context.Background(), strings.NewReader("data"))
	assert.Equal(t, VerdictError, v)
	var ne *cserr.NetworkError
	require.ErrorAs(t, err, &ne)
	assert.Equal(t, "flush", ne.Op)
	assert.Equal(t, int64(1), m.TotalConnections())
	assert.Equal(t, int64(0), m.ActiveConnections())
}

type failingReader struct{ err error }

func (r failingReader) Read([]byte) (int, error) { return 0, r.err }

type panickingReader struct{}

func (panickingReader) Read([]byte) (int, error) { panic("reader exploded") }

func TestClient_SourceFailures(t *testing.T) {
	tests := []struct {
		name string
		src  io.Reader
	}{
		{"read error", failingReader{errors.New("disk gone")}},
		{"panic", panickingReader{}},
		{"no progress", failingReader{nil}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := testutil.NewDaemon(t, testutil.ReplyAfterTerminator, "stream: OK\n")
			c, m := newTestClient(t, d.URL())

			info := &strings.Builder{}
			info.WriteString("stale")
			assert.Equal(t, VerdictError, c.ScanReader(context.Background(), tt.src, info))
			assert.Empty(t, info.String())

			sessions := d.Sessions(t)
			require.Len(t, sessions, 1)
			assert.False(t, sessions[0].Terminated)
			assert.Equal(t, int64(0), m.ActiveConnections())
		})
	}
}

func TestClient_ContextCancel(t *testing.T) {
	d := testutil.NewDaemon(t, testutil.Silent, "")
	c, _ := newTestClient(t, d.URL(), WithTimeout(10*time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	v, _, err := c.Stream(ctx, strings.NewReader("data"))
	assert.Equal(t, VerdictError, v)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
	d.Sessions(t)
}

func TestClient_LogsAbsorbedFailures(t *testing.T) {
	var buf bytes.Buffer
	logger := util.NewLogger(1)
	logger.SetOutput(&buf)

	d := testutil.NewDaemon(t, testutil.CloseEmpty, "")
	c, _ := newTestClient(t, d.URL(), WithLogger(logger))

	assert.Equal(t, VerdictError, c.ScanBytes(context.Background(), []byte("x"), nil))
	assert.Contains(t, buf.String(), "[ERR] clamd: exception communicating with clamd")
	assert.Contains(t, buf.String(), "EOF from clamd when looking for result")
}

func TestParseReply(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"stream: OK", "OK"},
		{"stream: OK\n", "OK"},
		{"stream: OK\x00", "OK"},
		{"stream:   Win.Test.EICAR_HDB-1 FOUND \r\n", "Win.Test.EICAR_HDB-1 FOUND"},
		{"stream: ", ""},
		{"stream:OK", ""},
		{"STREAM: OK", ""},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseReply(tt.in), "ParseReply(%q)", tt.in)
	}
}

func TestVerdict_String(t *testing.T) {
	assert.Equal(t, "ACCEPT", VerdictAccept.String())
	assert.Equal(t, "REJECT", VerdictReject.String())
	assert.Equal(t, "ERROR", VerdictError.String())
	assert.Equal(t, "ERROR", Verdict(42).String())

	var zero Verdict
	assert.Equal(t, VerdictError, zero)
}

func TestSessionState_String(t *testing.T) {
	assert.Equal(t, "awaiting-verdict", StateAwaitingVerdict.String())
	assert.Equal(t, "failed", StateFailed.String())
	assert.Equal(t, "unknown", SessionState(99).String())
}
