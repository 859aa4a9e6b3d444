package clamd

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/text/encoding/charmap"

	cserr "clamstream/internal/errors"
	"clamstream/internal/metrics"
	"clamstream/internal/transport"
	"clamstream/util"
)

const (
	// ResultPrefix starts every verdict line clamd sends for a stream.
	ResultPrefix = "stream: "

	// AnswerOK is the only token that yields VerdictAccept.
	AnswerOK = "OK"

	frameHeaderSize = 4
	replyBufSize    = 512

	// maxEmptyReads bounds how often a source may return (0, nil) in a
	// row before the upload is abandoned.
	maxEmptyReads = 100
)

var (
	instreamCmd = []byte("zINSTREAM\x00")
	terminator  = []byte{0, 0, 0, 0}
)

// session is one INSTREAM exchange over one connection.  It is built
// fresh for every scan and never reused.
type session struct {
	ctx       context.Context
	endpoint  Endpoint
	timeout   time.Duration
	chunkSize int
	dialer    transport.Dialer
	buffers   *util.BufferPool
	logger    *util.Logger
	metrics   *metrics.Collector

	state     SessionState
	conn      net.Conn
	w         *bufio.Writer
	deadlines bool

	// watchdog closes conn when deadlines are unsupported and a
	// blocking operation outlives the timeout; expired records that it
	// fired.
	watchdog *time.Timer
	expired  atomic.Bool
}

// run drives the session from Idle to Verdicted or Failed.  The
// connection is released on every return path, panics included.
func (s *session) run(src io.Reader) (Verdict, string, error) {
	defer s.teardown()

	if err := s.connect(); err != nil {
		return s.fail(err)
	}

	conn := s.conn
	stop := context.AfterFunc(s.ctx, func() { conn.Close() })
	defer stop()

	if err := s.handshake(); err != nil {
		return s.fail(err)
	}
	if err := s.stream(src); err != nil {
		return s.fail(err)
	}
	if err := s.terminate(); err != nil {
		return s.fail(err)
	}
	return s.awaitVerdict()
}

func (s *session) fail(err error) (Verdict, string, error) {
	s.logger.Debug("session failed while %s: %v", s.state, err)
	s.state = StateFailed
	return VerdictError, "", err
}

func (s *session) connect() error {
	addr := s.endpoint.String()
	s.logger.Debug("connecting to %s", addr)

	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()
	conn, err := s.dialer.Dial(ctx, "tcp", addr)
	if err != nil {
		return cserr.Wrap("dial", addr, err)
	}

	s.conn = conn
	s.metrics.ConnectionOpened()
	s.w = bufio.NewWriterSize(conn, frameHeaderSize+s.chunkSize)
	s.deadlines = true
	s.state = StateConnected
	return nil
}

// arm bounds the next blocking read, write or flush by the socket
// timeout.  Conns that reject deadlines (forwarded SSH channels) get a
// timer that closes the connection instead; disarm stops it once the
// operation returns.
func (s *session) arm() {
	if s.deadlines {
		err := s.conn.SetDeadline(time.Now().Add(s.timeout))
		if err == nil {
			return
		}
		s.deadlines = false
		s.logger.Debug("%T does not support deadlines, using a close timer: %v", s.conn, err)
	}

	s.disarm()
	conn := s.conn
	s.watchdog = time.AfterFunc(s.timeout, func() {
		s.expired.Store(true)
		conn.Close()
	})
}

func (s *session) disarm() {
	if s.watchdog != nil {
		s.watchdog.Stop()
		s.watchdog = nil
	}
}

func (s *session) handshake() error {
	s.state = StateHandshaking
	s.logger.Debug("sending zINSTREAM")
	if err := s.write(instreamCmd); err != nil {
		return err
	}
	return s.flush()
}

func (s *session) stream(src io.Reader) error {
	s.state = StateStreaming

	bufp := s.buffers.Get()
	defer s.buffers.Put(bufp)
	buf := *bufp

	var hdr [frameHeaderSize]byte
	chunks, empty := 0, 0
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			empty = 0
			binary.BigEndian.PutUint32(hdr[:], uint32(n))
			if err := s.write(hdr[:]); err != nil {
				return err
			}
			if err := s.write(buf[:n]); err != nil {
				return err
			}
			if err := s.flush(); err != nil {
				return err
			}
			chunks++

			if s.pending() > 0 {
				reply, err := s.readReply()
				if err != nil {
					return err
				}
				s.metrics.EarlyReply()
				s.logger.Debug("reply after chunk %d, aborting upload", chunks)
				return cserr.EarlyReply(reply)
			}
		} else if rerr == nil {
			if empty++; empty >= maxEmptyReads {
				return fmt.Errorf("reading scan input: %w", io.ErrNoProgress)
			}
		}

		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return fmt.Errorf("reading scan input: %w", rerr)
		}
	}
	s.logger.Debug("sent %d chunk(s)", chunks)
	return nil
}

func (s *session) terminate() error {
	if err := s.write(terminator); err != nil {
		return err
	}
	return s.flush()
}

func (s *session) awaitVerdict() (Verdict, string, error) {
	s.state = StateAwaitingVerdict
	s.logger.Debug("reading result")

	answer, err := s.readReply()
	if err != nil {
		return s.fail(err)
	}
	if answer == "" {
		return s.fail(cserr.NoResult())
	}
	s.logger.Debug("clamd response = %q", answer)

	token := ParseReply(answer)
	s.logger.Debug("clamd verdict token = %q", token)
	s.state = StateVerdicted
	if token == AnswerOK {
		return VerdictAccept, token, nil
	}
	return VerdictReject, token, nil
}

// readReply blocks for the first read, then keeps reading while reads
// return data and more is already buffered.
func (s *session) readReply() (string, error) {
	var reply []byte
	buf := make([]byte, replyBufSize)
	for {
		s.arm()
		n, err := s.conn.Read(buf)
		s.disarm()
		reply = append(reply, buf[:n]...)
		if err != nil && s.expired.Load() {
			return "", s.ioErr("read", err)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", s.ioErr("read", err)
		}
		if n <= 0 || s.pending() == 0 {
			break
		}
	}
	s.metrics.BytesReceived(int64(len(reply)))

	text, err := charmap.ISO8859_1.NewDecoder().Bytes(reply)
	if err != nil {
		return "", fmt.Errorf("decoding reply: %w", err)
	}
	return string(text), nil
}

func (s *session) pending() int {
	n, err := pendingBytes(s.conn)
	if err != nil {
		s.logger.Debug("poll %s: %v", s.endpoint, err)
		return 0
	}
	return n
}

func (s *session) write(p []byte) error {
	if s.w.Available() < len(p) {
		if err := s.flush(); err != nil {
			return err
		}
	}
	s.arm()
	_, err := s.w.Write(p)
	s.disarm()
	if err != nil {
		return s.ioErr("write", err)
	}
	return nil
}

func (s *session) flush() error {
	n := s.w.Buffered()
	s.arm()
	err := s.w.Flush()
	s.disarm()
	if err != nil {
		return s.ioErr("flush", err)
	}
	s.metrics.BytesSent(int64(n))
	return nil
}

func (s *session) ioErr(op string, err error) error {
	if cerr := s.ctx.Err(); cerr != nil {
		err = fmt.Errorf("%w: %v", cerr, err)
	} else if s.expired.Load() {
		err = fmt.Errorf("%w: %v", os.ErrDeadlineExceeded, err)
	}
	return cserr.Wrap(op, s.endpoint.String(), err)
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// teardown closes the read half, the write half and the connection,
// each on its own so one failure cannot keep the others open.
func (s *session) teardown() {
	s.disarm()
	if s.conn == nil {
		return
	}
	if rc, ok := s.conn.(interface{ CloseRead() error }); ok {
		util.CloseQuietly(s.logger, "input stream", closerFunc(rc.CloseRead))
	}
	if wc, ok := s.conn.(interface{ CloseWrite() error }); ok {
		util.CloseQuietly(s.logger, "output stream", closerFunc(wc.CloseWrite))
	}
	util.CloseQuietly(s.logger, "socket", s.conn)
	s.conn = nil
	s.metrics.ConnectionClosed()
}

// ParseReply extracts the verdict token from a daemon reply.  A reply
// without the "stream: " prefix yields the empty token, which callers
// treat as a rejection.  Surrounding whitespace and control bytes,
// including the NUL that ends z-command replies, are trimmed.
func ParseReply(answer string) string {
	if !strings.HasPrefix(answer, ResultPrefix) {
		return ""
	}
	return strings.TrimFunc(answer[len(ResultPrefix):], func(r rune) bool {
		return r <= ' '
	})
}
