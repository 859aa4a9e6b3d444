// Package transport provides abstractions for reaching the clamd
// daemon.  Transports handle the "how" of getting a byte stream to the
// daemon (direct TCP, an SSH tunnel through a bastion, or a SOCKS5
// proxy) independent of the INSTREAM exchange run over it.
package transport

import (
	"context"
	"net"
)

//go:generate mockgen -destination=mock_transport.go -package=transport clamstream/internal/transport Dialer

// Dialer opens outbound network connections.
type Dialer interface {
	// Dial establishes a connection to the given network address.
	Dial(ctx context.Context, network, address string) (net.Conn, error)

	// Close releases any long-lived resources held by the dialer
	// (e.g. an SSH session).  Stateless dialers return nil.
	Close() error
}
