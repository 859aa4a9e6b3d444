package clamd

// Verdict is the outcome of one scan.  The zero value is VerdictError,
// so an uninitialised result never reads as clean.
type Verdict int

const (
	// VerdictError means the outcome could not be determined; it never
	// means the content was found to be malicious.
	VerdictError Verdict = iota
	// VerdictAccept means the daemon answered "OK".
	VerdictAccept
	// VerdictReject means the daemon answered anything else.
	VerdictReject
)

func (v Verdict) String() string {
	switch v {
	case VerdictAccept:
		return "ACCEPT"
	case VerdictReject:
		return "REJECT"
	default:
		return "ERROR"
	}
}

// SessionState is a step of the INSTREAM exchange, reported in logs.
type SessionState int

const (
	StateIdle SessionState = iota
	StateConnected
	StateHandshaking
	StateStreaming
	StateAwaitingVerdict
	StateVerdicted
	StateFailed
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnected:
		return "connected"
	case StateHandshaking:
		return "handshaking"
	case StateStreaming:
		return "streaming"
	case StateAwaitingVerdict:
		return "awaiting-verdict"
	case StateVerdicted:
		return "verdicted"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}
