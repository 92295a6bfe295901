package telnet

// envEntry is one (marker, name) pair scanned out of a NEW_ENVIRON
// subnegotiation payload — either a SEND request variable (marker VAR or
// USERVAR) or one half of an IS/INFO reply (marker VAR or VALUE).
type envEntry struct {
	marker byte
	data   []byte
}

// scanEnvEntries splits a NEW_ENVIRON payload (already IAC-unescaped by the
// outer filter) into marker-delimited entries, undoing the ESC <b> escaping
// within each entry's data (spec.md §4.1).
func scanEnvEntries(payload []byte) []envEntry {
	var entries []envEntry
	i := 0
	for i < len(payload) {
		marker := payload[i]
		i++
		var data []byte
		for i < len(payload) {
			b := payload[i]
			if b == envESC {
				if i+1 < len(payload) {
					data = append(data, payload[i+1])
					i += 2
					continue
				}
				i++
				break
			}
			if b == envVAR || b == envVALUE || b == envUSERVAR {
				break
			}
			data = append(data, b)
			i++
		}
		entries = append(entries, envEntry{marker: marker, data: data})
	}
	return entries
}

// escapeEnv applies the escapable-region encoding (spec.md §4.1) to a raw
// name or value: IAC is doubled, and VAR/VALUE/ESC/USERVAR are ESC-prefixed.
func escapeEnv(b []byte) []byte {
	out := make([]byte, 0, len(b))
	for _, c := range b {
		switch c {
		case IAC:
			out = append(out, IAC, IAC)
		case envVAR, envVALUE, envESC, envUSERVAR:
			out = append(out, envESC, c)
		default:
			out = append(out, c)
		}
	}
	return out
}

// handleNewEnviron implements spec.md §4.1's SEND handling: parse the
// request, and if IPADDRESS was asked for (explicitly, or implicitly via an
// empty "all variables" request), build the IS reply.
func (f *Filter) handleNewEnviron(payload []byte) []byte {
	if len(payload) == 0 {
		return nil
	}
	cmd := payload[0]
	if cmd != envSEND {
		// Only SEND requests are answered; IS/INFO from upstream (not part
		// of this protocol's normal flow) are swallowed without a reply.
		return nil
	}

	entries := scanEnvEntries(payload[1:])
	if requestsIPAddress(entries) {
		return BuildIPReply(f.clientIP)
	}
	return nil
}

// requestsIPAddress reports whether a SEND request asks for IPADDRESS
// explicitly, or is empty (meaning "send all variables").
func requestsIPAddress(entries []envEntry) bool {
	if len(entries) == 0 {
		return true
	}
	for _, e := range entries {
		if string(e.data) == ipAddressVar {
			return true
		}
	}
	return false
}

// BuildIPReply builds the full IS subnegotiation answering a SEND request
// for IPADDRESS (spec.md §4.1): IAC SB NEW_ENVIRON IS VAR "IPADDRESS" VALUE
// <ip> IAC SE.
func BuildIPReply(ip string) []byte {
	return buildEnvReply(envIS, ip)
}

// BuildIPInfoUpdate builds the unsolicited INFO update sent when a
// reattach changes the client IP after negotiation already completed
// (spec.md §4.1, "Unsolicited update").
func BuildIPInfoUpdate(ip string) []byte {
	return buildEnvReply(envINFO, ip)
}

func buildEnvReply(cmd byte, ip string) []byte {
	buf := make([]byte, 0, 32+len(ip))
	buf = append(buf, IAC, SB, NewEnviron, cmd, envVAR)
	buf = append(buf, escapeEnv([]byte(ipAddressVar))...)
	buf = append(buf, envVALUE)
	buf = append(buf, escapeEnv([]byte(ip))...)
	buf = append(buf, IAC, SE)
	return buf
}

// ParseIPReply extracts (name, value) from a raw NEW_ENVIRON IS/INFO
// subnegotiation payload (the bytes between the option byte and the
// terminating IAC SE, i.e. what Filter.sbBuf holds once IAC-unescaped).
// Used by tests to verify the escape round-trip property (spec.md §8, P6).
func ParseIPReply(payload []byte) (name, value string, ok bool) {
	if len(payload) == 0 {
		return "", "", false
	}
	cmd := payload[0]
	if cmd != envIS && cmd != envINFO {
		return "", "", false
	}
	entries := scanEnvEntries(payload[1:])
	var gotName, gotValue []byte
	haveName, haveValue := false, false
	for _, e := range entries {
		switch e.marker {
		case envVAR, envUSERVAR:
			gotName = e.data
			haveName = true
		case envVALUE:
			gotValue = e.data
			haveValue = true
		}
	}
	if !haveName || !haveValue {
		return "", "", false
	}
	return string(gotName), string(gotValue), true
}
