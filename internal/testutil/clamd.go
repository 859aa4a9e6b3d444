// Package testutil provides an in-process fake clamd for tests.
package testutil

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"
)

// Behavior selects how the fake daemon ends an INSTREAM session.
type Behavior int

const (
	// ReplyAfterTerminator consumes the whole stream, then sends Reply.
	ReplyAfterTerminator Behavior = iota
	// ReplyAfterFirstChunk sends Reply as soon as the first chunk
	// arrives and keeps draining whatever the client still sends.
	ReplyAfterFirstChunk
	// Silent consumes the stream and never answers.
	Silent
	// CloseEmpty consumes the stream and closes without answering.
	CloseEmpty
)

// Session is what the daemon saw on one connection.
type Session struct {
	Command    []byte
	Chunks     [][]byte
	Terminated bool
	BytesIn    int
	Err        error
}

// Payload concatenates the chunk payloads in arrival order.
func (s Session) Payload() []byte {
	var out []byte
	for _, c := range s.Chunks {
		out = append(out, c...)
	}
	return out
}

// Daemon is a fake clamd listening on 127.0.0.1.
type Daemon struct {
	Behavior Behavior
	Reply    string

	// EarlyReplySent is closed once a ReplyAfterFirstChunk reply has
	// been written.
	EarlyReplySent chan struct{}

	listener  net.Listener
	earlyOnce sync.Once

	mu       sync.Mutex
	conns    int
	active   int
	sessions []Session
}

// NewDaemon starts a daemon that answers reply according to b.  It is
// shut down when the test ends.
func NewDaemon(t testing.TB, b Behavior, reply string) *Daemon {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	d := &Daemon{
		Behavior:       b,
		Reply:          reply,
		EarlyReplySent: make(chan struct{}),
		listener:       ln,
	}
	go d.serve()
	t.Cleanup(func() { ln.Close() })
	return d
}

// Addr returns the listener address as host:port.
func (d *Daemon) Addr() string { return d.listener.Addr().String() }

// URL returns a clam:// URL for the daemon.
func (d *Daemon) URL() string { return fmt.Sprintf("clam://%s/", d.Addr()) }

// Connections returns the number of accepted connections.
func (d *Daemon) Connections() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns
}

// Sessions waits for every accepted connection to finish and returns
// what each one carried, in completion order.
func (d *Daemon) Sessions(t testing.TB) []Session {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		d.mu.Lock()
		if d.active == 0 {
			out := append([]Session(nil), d.sessions...)
			d.mu.Unlock()
			return out
		}
		d.mu.Unlock()
		if time.Now().After(deadline) {
			t.Fatal("fake clamd: sessions still open after 5s")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (d *Daemon) serve() {
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			return
		}
		d.mu.Lock()
		d.conns++
		d.active++
		d.mu.Unlock()
		go d.handle(conn)
	}
}

func (d *Daemon) handle(conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))

	var s Session
	defer func() {
		d.mu.Lock()
		d.sessions = append(d.sessions, s)
		d.active--
		d.mu.Unlock()
	}()

	s.Command = make([]byte, len("zINSTREAM\x00"))
	if _, s.Err = io.ReadFull(conn, s.Command); s.Err != nil {
		return
	}
	s.BytesIn = len(s.Command)

	var hdr [4]byte
	for {
		if _, s.Err = io.ReadFull(conn, hdr[:]); s.Err != nil {
			if s.Err == io.EOF {
				s.Err = nil
			}
			return
		}
		s.BytesIn += len(hdr)
		n := binary.BigEndian.Uint32(hdr[:])
		if n == 0 {
			s.Terminated = true
			break
		}
		chunk := make([]byte, n)
		if _, s.Err = io.ReadFull(conn, chunk); s.Err != nil {
			return
		}
		s.BytesIn += int(n)
		s.Chunks = append(s.Chunks, chunk)

		if d.Behavior == ReplyAfterFirstChunk && len(s.Chunks) == 1 {
			_, s.Err = io.WriteString(conn, d.Reply)
			d.earlyOnce.Do(func() { close(d.EarlyReplySent) })
		}
	}

	switch d.Behavior {
	case ReplyAfterTerminator:
		_, s.Err = io.WriteString(conn, d.Reply)
	case Silent:
		// Hold the connection until the client gives up.
		_, _ = io.Copy(io.Discard, conn)
	case CloseEmpty:
	}
}
