package bridge

import "strings"

// OpKind tags a single line-editing operation applied to the command
// buffer. Keeping edits as tagged operations (instead of ad hoc byte
// checks) makes the buffer's correctness testable independently of the
// I/O plumbing.
type OpKind int

const (
	// OpInsert appends one character at the end of the line.
	OpInsert OpKind = iota

	// OpBackspace removes the last character (BS 0x08, DEL 0x7f).
	OpBackspace

	// OpWordKill removes the trailing whitespace-delimited token and the
	// whitespace before it (ctrl+w).
	OpWordKill

	// OpLineKill clears the entire line (ctrl+u).
	OpLineKill

	// OpInterrupt abandons the line (ctrl+c).
	OpInterrupt

	// OpHistoryNav clears the buffer: the remote line editor substitutes
	// a history entry the bridge cannot track (cursor up/down).
	OpHistoryNav
)

// EditOp is one tagged edit. Rune is meaningful for OpInsert only.
type EditOp struct {
	Kind OpKind
	Rune rune
}

// CommandBuffer mirrors the line the remote editor is showing, built from
// the keystrokes forwarded since the last submit. It is owned exclusively
// by its bridge's input path — no internal locking.
type CommandBuffer struct {
	runes []rune
}

// Apply mutates the buffer with one edit operation.
func (b *CommandBuffer) Apply(op EditOp) {
	switch op.Kind {
	case OpInsert:
		b.runes = append(b.runes, op.Rune)

	case OpBackspace:
		if len(b.runes) > 0 {
			b.runes = b.runes[:len(b.runes)-1]
		}

	case OpWordKill:
		i := len(b.runes)
		for i > 0 && isSpace(b.runes[i-1]) {
			i--
		}
		for i > 0 && !isSpace(b.runes[i-1]) {
			i--
		}
		b.runes = b.runes[:i]

	case OpLineKill, OpInterrupt, OpHistoryNav:
		b.runes = b.runes[:0]
	}
}

// Take returns the trimmed accumulated command and clears the buffer.
func (b *CommandBuffer) Take() string {
	s := strings.TrimSpace(string(b.runes))
	b.runes = b.runes[:0]
	return s
}

// String returns the current line without clearing it.
func (b *CommandBuffer) String() string {
	return string(b.runes)
}

// Len returns the number of characters in the buffer.
func (b *CommandBuffer) Len() int {
	return len(b.runes)
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t'
}
