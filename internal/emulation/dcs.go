package emulation

import "bytes"

// DCSDecoder strips Device Control String wrappers from raw terminal bytes
// before they reach the VT state machine.
//
// DCS format: ESC P <payload> ESC \
// tmux and screen tunnel inner terminal sequences through the outer
// terminal inside DCS; unwrapping exposes the inner bytes so the VT replay
// sees what the user's shell actually received.
//
// Unknown or malformed sequences pass through unchanged — nothing is
// silently dropped.
type DCSDecoder struct{}

// NewDCSDecoder creates a DCSDecoder.
func NewDCSDecoder() *DCSDecoder { return &DCSDecoder{} }

// Unwrap removes all DCS wrappers (ESC P ... ESC \) from raw bytes.
// Content outside DCS sequences is preserved verbatim.
func (d *DCSDecoder) Unwrap(raw []byte) []byte {
	// ESC P = 0x1B 0x50 — DCS introducer
	// ESC \ = 0x1B 0x5C — string terminator (ST)
	dcsStart := []byte{0x1B, 0x50}
	dcsEnd := []byte{0x1B, 0x5C}

	var out []byte
	for len(raw) > 0 {
		start := bytes.Index(raw, dcsStart)
		if start == -1 {
			out = append(out, raw...)
			break
		}
		out = append(out, raw[:start]...)
		raw = raw[start+len(dcsStart):]

		end := bytes.Index(raw, dcsEnd)
		if end == -1 {
			// Incomplete DCS — keep inner bytes verbatim.
			out = append(out, raw...)
			break
		}
		out = append(out, raw[:end]...)
		raw = raw[end+len(dcsEnd):]
	}
	return out
}
