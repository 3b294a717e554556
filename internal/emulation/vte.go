// Package emulation reconstructs the text a human would see on screen from
// raw terminal bytes. The bridge runs every submitted command line through
// it before policy evaluation, so escape-sequence tricks ("rm\x1b[A -rf /")
// are judged by what they render as, not by the bytes on the wire.
package emulation

import (
	"strings"

	vte "github.com/danielgatis/go-vte"
)

// TokenKind identifies the type of a terminal event.
type TokenKind int

const (
	// TokenText is a printable character received via Print().
	TokenText TokenKind = iota

	// TokenBackspace erases the character before the cursor (0x08, 0x7f).
	TokenBackspace

	// TokenCursorUp moves the cursor N lines up (CSI <n> A). On a shell
	// prompt this recalls a history entry — the visible line is replaced.
	TokenCursorUp

	// TokenCursorDown moves the cursor N lines down (CSI <n> B).
	TokenCursorDown

	// TokenCursorForward moves the cursor N columns right (CSI <n> C).
	TokenCursorForward

	// TokenCursorBack moves the cursor N columns left (CSI <n> D).
	TokenCursorBack

	// TokenEraseLine erases part of the current line (CSI <n> K).
	// n=0: cursor to end, n=1: start to cursor, n=2: entire line.
	TokenEraseLine

	// TokenEraseScreen erases part of the screen (CSI <n> J).
	TokenEraseScreen

	// TokenIgnored covers sequences with no effect on visible text:
	// OSC, DCS, unknown CSI/ESC. Presence does not indicate obfuscation.
	TokenIgnored
)

// Token is a single terminal event produced by the VTE parser.
type Token struct {
	Kind TokenKind

	// Rune holds the character for TokenText.
	Rune rune

	// N is the repeat count for cursor and erase tokens; escape sequences
	// that omit the parameter default to 1.
	N int
}

// IsControlSequence reports whether the token could alter or hide the
// rendered command (cursor movement, erase, backspace).
func (t Token) IsControlSequence() bool {
	switch t.Kind {
	case TokenCursorUp, TokenCursorDown, TokenCursorForward, TokenCursorBack,
		TokenEraseLine, TokenEraseScreen, TokenBackspace:
		return true
	}
	return false
}

// Decoder parses raw terminal bytes into tokens and replays them the way a
// real terminal would. It wraps github.com/danielgatis/go-vte, an
// implementation of the Paul Williams VT state machine, so VT100/VT220 and
// xterm sequences are all handled.
type Decoder struct{}

// NewDecoder creates a Decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Decode parses raw bytes into a token slice.
func (d *Decoder) Decode(raw []byte) []Token {
	c := &tokenCollector{}
	parser := vte.NewParser(c)
	for _, b := range raw {
		parser.Advance(b)
	}
	return c.tokens
}

// Apply replays a token slice against an empty line buffer and returns the
// resulting visible string. Cursor movement and erase sequences mutate the
// buffer exactly as a terminal would render them.
func (d *Decoder) Apply(tokens []Token) string {
	buf := []rune{}
	cursor := 0

	for _, tok := range tokens {
		switch tok.Kind {
		case TokenText:
			if cursor < len(buf) {
				buf[cursor] = tok.Rune
			} else {
				buf = append(buf, tok.Rune)
			}
			cursor++

		case TokenBackspace:
			n := tok.N
			if n <= 0 {
				n = 1
			}
			for i := 0; i < n; i++ {
				if cursor > 0 {
					cursor--
					buf = buf[:cursor]
				}
			}

		case TokenCursorBack:
			n := tok.N
			if n <= 0 {
				n = 1
			}
			if cursor-n >= 0 {
				cursor -= n
			} else {
				cursor = 0
			}

		case TokenCursorForward:
			n := tok.N
			if n <= 0 {
				n = 1
			}
			if cursor+n <= len(buf) {
				cursor += n
			} else {
				cursor = len(buf)
			}

		case TokenCursorUp, TokenCursorDown:
			// Single-line command reconstruction: vertical movement is
			// treated as truncation at the cursor, the most common
			// obfuscation pattern.
			buf = buf[:cursor]

		case TokenEraseLine:
			switch tok.N {
			case 0: // cursor to end of line
				buf = buf[:cursor]
			case 1: // start to cursor
				spaces := make([]rune, cursor)
				copy(buf, spaces)
				cursor = 0
			case 2: // entire line
				buf = []rune{}
				cursor = 0
			}

		case TokenEraseScreen, TokenIgnored:
			// No effect on the reconstructed command.
		}
	}

	return string(buf[:cursor])
}

// HasObfuscation reports whether the token slice contains control sequences
// that could hide or alter the visible command. Plain backspace is ordinary
// line editing and does not count. True is a signal for the audit trail,
// not a verdict.
func (d *Decoder) HasObfuscation(tokens []Token) bool {
	for _, t := range tokens {
		if t.Kind == TokenBackspace {
			continue
		}
		if t.IsControlSequence() {
			return true
		}
	}
	return false
}

// tokenCollector bridges the go-vte performer callbacks to a token slice.
type tokenCollector struct {
	tokens []Token
}

func (c *tokenCollector) append(t Token) {
	c.tokens = append(c.tokens, t)
}

func (c *tokenCollector) Print(r rune) {
	c.append(Token{Kind: TokenText, Rune: r})
}

func (c *tokenCollector) Execute(b byte) {
	switch b {
	case 0x08, 0x7f: // BS, DEL
		c.append(Token{Kind: TokenBackspace, N: 1})
	default:
		c.append(Token{Kind: TokenIgnored})
	}
}

func (c *tokenCollector) CsiDispatch(params [][]uint16, _ []byte, _ bool, r rune) {
	// Each params element is a sub-parameter list; for plain sequences
	// like CSI 5 D the first parameter is params[0][0].
	firstParam := func() int {
		if len(params) > 0 && len(params[0]) > 0 {
			return int(params[0][0])
		}
		return 0
	}

	n := firstParam()
	if n == 0 {
		n = 1
	}

	switch r {
	case 'A':
		c.append(Token{Kind: TokenCursorUp, N: n})
	case 'B':
		c.append(Token{Kind: TokenCursorDown, N: n})
	case 'C':
		c.append(Token{Kind: TokenCursorForward, N: n})
	case 'D':
		c.append(Token{Kind: TokenCursorBack, N: n})
	case 'K':
		c.append(Token{Kind: TokenEraseLine, N: firstParam()})
	case 'J':
		c.append(Token{Kind: TokenEraseScreen, N: firstParam()})
	default:
		c.append(Token{Kind: TokenIgnored})
	}
}

func (c *tokenCollector) EscDispatch(_ []byte, _ bool, _ byte) {
	c.append(Token{Kind: TokenIgnored})
}

func (c *tokenCollector) OscDispatch(_ [][]byte, _ bool) {
	c.append(Token{Kind: TokenIgnored})
}

// DCS payloads (tmux, screen) are unwrapped by DCSDecoder before the bytes
// reach this state machine, so the hooks drop them here.
func (c *tokenCollector) Hook(_ [][]uint16, _ []byte, _ bool, _ rune)           {}
func (c *tokenCollector) Put(_ byte)                                            {}
func (c *tokenCollector) Unhook()                                               {}
func (c *tokenCollector) SosPmApcDispatch(_ vte.SosPmApcKind, _ []byte, _ bool) {}

// VisibleDecoder is the per-session decode front end: DCS unwrap followed by
// VT replay. One instance is created per bridge and reused for the session's
// lifetime.
type VisibleDecoder struct {
	dcs *DCSDecoder
	vte *Decoder
}

// Result holds one decode pass: the rendered string and whether the raw
// input contained content-altering control sequences.
type Result struct {
	Visible        string
	HasObfuscation bool
}

// NewVisibleDecoder creates a VisibleDecoder.
func NewVisibleDecoder() *VisibleDecoder {
	return &VisibleDecoder{dcs: NewDCSDecoder(), vte: NewDecoder()}
}

// ForTerm returns a decoder appropriate for the given $TERM value.
// Matching is case-insensitive; every terminal currently maps to the same
// DCS+VT pipeline. Never returns nil.
func ForTerm(term string) *VisibleDecoder {
	_ = strings.ToLower(strings.TrimSpace(term))
	return NewVisibleDecoder()
}

// Decode renders raw bytes to the string a terminal would display.
func (v *VisibleDecoder) Decode(raw []byte) Result {
	inner := v.dcs.Unwrap(raw)
	tokens := v.vte.Decode(inner)
	return Result{
		Visible:        v.vte.Apply(tokens),
		HasObfuscation: v.vte.HasObfuscation(tokens),
	}
}
