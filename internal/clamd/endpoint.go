package clamd

import (
	"net"
	"net/netip"
	"strconv"
	"strings"

	cserr "clamstream/internal/errors"
	"clamstream/util"
)

const (
	// Scheme is the URL prefix every clamd endpoint must carry.
	Scheme = "clam://"

	// DefaultURL is used when no endpoint is supplied.
	DefaultURL = "clam://localhost:3310/"
)

// Endpoint is the resolved address of a clamd daemon.
type Endpoint struct {
	Host string
	Port int
}

// String returns "host:port", bracketing IPv6 literals.
func (e Endpoint) String() string { return util.FormatAddr(e.Host, e.Port) }

// ParseEndpoint resolves a "clam://host:port[/path]" URL.  The scheme
// is matched case-insensitively and IPv6 hosts must be bracketed.  The
// authority ends at the first '/', so a multi-segment path such as
// "clam://h:3310/a/b" is accepted and dropped as a whole.  An empty
// string means "not set" and resolves to DefaultURL.
func ParseEndpoint(raw string) (Endpoint, error) {
	if raw == "" {
		raw = DefaultURL
	}

	if len(raw) < len(Scheme) || !strings.EqualFold(raw[:len(Scheme)], Scheme) {
		return Endpoint{}, cserr.Malformed(raw, "expected "+Scheme+" scheme", nil)
	}

	hostport := raw[len(Scheme):]
	if i := strings.IndexByte(hostport, '/'); i >= 0 {
		hostport = hostport[:i]
	}

	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return Endpoint{}, cserr.Malformed(raw, "cannot parse host:port", err)
	}
	if host == "" {
		return Endpoint{}, cserr.Malformed(raw, "empty host", nil)
	}
	// SplitHostPort accepts "[name]:port"; only IPv6 literals belong in
	// brackets, and a bare host must not contain a colon.
	if strings.HasPrefix(hostport, "[") {
		if addr, err := netip.ParseAddr(host); err != nil || addr.Is4() {
			return Endpoint{}, cserr.Malformed(raw, "brackets are only valid around an IPv6 literal", nil)
		}
	}

	port, err := parsePort(portStr)
	if err != nil {
		return Endpoint{}, cserr.Malformed(raw, "invalid port "+strconv.Quote(portStr), err)
	}

	return Endpoint{Host: host, Port: port}, nil
}

// parsePort accepts only plain decimal digits in 1-65535.
func parsePort(s string) (int, error) {
	if s == "" {
		return 0, strconv.ErrSyntax
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, strconv.ErrSyntax
		}
	}
	p, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if !util.ValidPort(p) {
		return 0, strconv.ErrRange
	}
	return p, nil
}
