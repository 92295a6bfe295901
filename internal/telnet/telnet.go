// Package telnet implements the Terminal Negotiation Filter (C1): a
// streaming parser over the upstream byte-oriented terminal protocol that
// transparently answers the NEW_ENVIRON subnegotiation with the real client
// IP, and passes every other byte through unchanged. See spec.md §4.1.
package telnet

// IAC framing bytes (RFC 854).
const (
	SE   byte = 240 // subnegotiation end
	SB   byte = 250 // subnegotiation begin
	WILL byte = 251
	WONT byte = 252
	DO   byte = 253
	DONT byte = 254
	IAC  byte = 255 // interpret as command
)

// NewEnviron is the only option this filter negotiates (RFC 1572).
const NewEnviron byte = 39

// NEW_ENVIRON sub-option command bytes.
const (
	envIS   byte = 0
	envSEND byte = 1
	envINFO byte = 2
)

// NEW_ENVIRON variable-kind / escape bytes (RFC 1572). These double as
// "escapable region" bytes per spec.md §4.1: any of VAR, VALUE, ESC, USERVAR
// appearing inside a name or value must be ESC-prefixed, and any literal
// IAC (0xFF) must be IAC-doubled.
const (
	envVAR     byte = 0
	envVALUE   byte = 1
	envESC     byte = 2
	envUSERVAR byte = 3
)

const ipAddressVar = "IPADDRESS"

type state int

const (
	stData state = iota
	stIAC          // just saw IAC in the top-level stream
	stNeg          // saw IAC + (DO|DONT|WILL|WONT), waiting for option byte
	stSBOption     // saw IAC SB, waiting for option byte
	stSBData       // collecting subnegotiation payload, waiting for next IAC
	stSBIAC        // inside subnegotiation payload, just saw IAC
)

// Filter is a per-session instance of the Terminal Negotiation Filter. It is
// not safe for concurrent use — callers must serialize access the same way
// they serialize the rest of a Session's mutable state (spec.md §5).
type Filter struct {
	state state

	negByte    byte // pending DO/DONT/WILL/WONT while in stNeg
	sbOption   byte // option of the in-flight subnegotiation
	sbBuf      []byte
	negotiated bool
	clientIP   string
}

// NewFilter returns a Filter with the "negotiated" flag unset, matching a
// freshly created Session (spec.md §3).
func NewFilter(clientIP string) *Filter {
	return &Filter{clientIP: clientIP}
}

// SetClientIP updates the IP the filter answers SEND requests with. Callers
// (Session, on reattach) are responsible for separately emitting the
// unsolicited INFO update via BuildIPInfoUpdate when Negotiated() is true.
func (f *Filter) SetClientIP(ip string) {
	f.clientIP = ip
}

// Negotiated reports whether the upstream has sent IAC DO NEW_ENVIRON at
// least once on this session. Sessions use this to decide whether a
// reattach with a changed client IP should emit an unsolicited INFO update
// (spec.md §4.1, "Unsolicited update").
func (f *Filter) Negotiated() bool {
	return f.negotiated
}

// Process feeds one chunk of upstream bytes through the filter. It returns
// toClient (bytes to forward to the attached client transport or replay
// buffer, §4.2) and toUpstream (reply bytes the filter itself generates,
// written back to the upstream socket). Either slice may be empty. Process
// never blocks and never retains more than one in-flight subnegotiation's
// worth of scratch state plus a one-byte trailing partial (§4.1, "Streaming
// parse").
func (f *Filter) Process(chunk []byte) (toClient, toUpstream []byte) {
	for _, b := range chunk {
		switch f.state {
		case stData:
			if b == IAC {
				f.state = stIAC
				continue
			}
			toClient = append(toClient, b)

		case stIAC:
			switch b {
			case IAC:
				// Escaped data: one literal 0xFF in the data stream.
				toClient = append(toClient, IAC)
				f.state = stData
			case DO, DONT, WILL, WONT:
				f.negByte = b
				f.state = stNeg
			case SB:
				f.sbBuf = f.sbBuf[:0]
				f.state = stSBOption
			default:
				// "Other 2-byte" form: pass through unchanged.
				toClient = append(toClient, IAC, b)
				f.state = stData
			}

		case stNeg:
			if f.negByte == DO && b == NewEnviron {
				toUpstream = append(toUpstream, IAC, WILL, NewEnviron)
				f.negotiated = true
			} else {
				toClient = append(toClient, IAC, f.negByte, b)
			}
			f.state = stData

		case stSBOption:
			f.sbOption = b
			f.state = stSBData

		case stSBData:
			if b == IAC {
				f.state = stSBIAC
				continue
			}
			f.sbBuf = append(f.sbBuf, b)

		case stSBIAC:
			switch b {
			case IAC:
				// Literal 0xFF inside the subnegotiation payload.
				f.sbBuf = append(f.sbBuf, IAC)
				f.state = stSBData
			case SE:
				client, upstream := f.finishSubnegotiation()
				toClient = append(toClient, client...)
				toUpstream = append(toUpstream, upstream...)
				f.state = stData
			default:
				// Malformed: neither a literal IAC nor a terminator.
				// Not fatal (§4.1, "Failure") — keep accumulating as data.
				f.sbBuf = append(f.sbBuf, IAC, b)
				f.state = stSBData
			}
		}
	}
	return toClient, toUpstream
}

// finishSubnegotiation handles a fully-collected IAC SB <option> ... IAC SE.
// NEW_ENVIRON is swallowed and answered per spec.md §4.1; every other option
// is forwarded to the client verbatim, re-framed exactly as received.
func (f *Filter) finishSubnegotiation() (toClient, toUpstream []byte) {
	if f.sbOption != NewEnviron {
		forwarded := make([]byte, 0, len(f.sbBuf)+6)
		forwarded = append(forwarded, IAC, SB, f.sbOption)
		forwarded = append(forwarded, reEscapeIAC(f.sbBuf)...)
		forwarded = append(forwarded, IAC, SE)
		return forwarded, nil
	}
	return nil, f.handleNewEnviron(f.sbBuf)
}

// reEscapeIAC restores IAC-doubling for any literal 0xFF bytes that were
// un-escaped while scanning, so a forwarded passthrough subnegotiation is
// byte-identical to what the upstream sent.
func reEscapeIAC(payload []byte) []byte {
	out := make([]byte, 0, len(payload))
	for _, b := range payload {
		if b == IAC {
			out = append(out, IAC, IAC)
		} else {
			out = append(out, b)
		}
	}
	return out
}
