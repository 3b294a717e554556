package emulation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Decoder — tokenization
// =============================================================================

func TestDecode_PlainTextProducesTextTokens(t *testing.T) {
	d := NewDecoder()
	tokens := d.Decode([]byte("ls"))

	require.Len(t, tokens, 2)
	assert.Equal(t, TokenText, tokens[0].Kind)
	assert.Equal(t, 'l', tokens[0].Rune)
	assert.Equal(t, 's', tokens[1].Rune)
}

func TestDecode_BackspaceByte(t *testing.T) {
	d := NewDecoder()
	tokens := d.Decode([]byte{'a', 0x08})

	require.Len(t, tokens, 2)
	assert.Equal(t, TokenBackspace, tokens[1].Kind)
}

func TestDecode_CursorSequences(t *testing.T) {
	d := NewDecoder()

	tokens := d.Decode([]byte("\x1b[A\x1b[B\x1b[3C\x1b[2D"))
	require.Len(t, tokens, 4)
	assert.Equal(t, TokenCursorUp, tokens[0].Kind)
	assert.Equal(t, TokenCursorDown, tokens[1].Kind)
	assert.Equal(t, TokenCursorForward, tokens[2].Kind)
	assert.Equal(t, 3, tokens[2].N)
	assert.Equal(t, TokenCursorBack, tokens[3].Kind)
	assert.Equal(t, 2, tokens[3].N)
}

func TestDecode_EraseLineParameters(t *testing.T) {
	d := NewDecoder()

	tokens := d.Decode([]byte("\x1b[K\x1b[1K\x1b[2K"))
	require.Len(t, tokens, 3)
	assert.Equal(t, TokenEraseLine, tokens[0].Kind)
	assert.Equal(t, 0, tokens[0].N)
	assert.Equal(t, 1, tokens[1].N)
	assert.Equal(t, 2, tokens[2].N)
}

func TestDecode_OSCIgnored(t *testing.T) {
	d := NewDecoder()
	tokens := d.Decode([]byte("\x1b]0;title\x07ls"))

	var text string
	for _, tok := range tokens {
		if tok.Kind == TokenText {
			text += string(tok.Rune)
		}
	}
	assert.Equal(t, "ls", text)
}

// =============================================================================
// Decoder — replay
// =============================================================================

func TestApply_PlainText(t *testing.T) {
	d := NewDecoder()
	assert.Equal(t, "ls -la", d.Apply(d.Decode([]byte("ls -la"))))
}

func TestApply_BackspaceErases(t *testing.T) {
	d := NewDecoder()
	assert.Equal(t, "ls", d.Apply(d.Decode([]byte("lsx\x08"))))
}

func TestApply_CursorBackOverwrites(t *testing.T) {
	d := NewDecoder()
	// "echo hi", cursor back 2, "OK" overwrites "hi".
	assert.Equal(t, "echo OK", d.Apply(d.Decode([]byte("echo hi\x1b[2DOK"))))
}

func TestApply_CursorUpKeepsTextBeforeCursor(t *testing.T) {
	d := NewDecoder()
	// Vertical movement truncates at the cursor; at end of line that keeps
	// the prefix, so the split attack still renders as one command.
	assert.Equal(t, "rm -rf /", d.Apply(d.Decode([]byte("rm\x1b[A -rf /"))))
}

func TestApply_EraseEntireLine(t *testing.T) {
	d := NewDecoder()
	assert.Equal(t, "pwd", d.Apply(d.Decode([]byte("rm -rf /\x1b[2Kpwd"))))
}

func TestApply_EraseToEnd(t *testing.T) {
	d := NewDecoder()
	assert.Equal(t, "ab", d.Apply(d.Decode([]byte("abcd\x1b[2D\x1b[K"))))
}

// =============================================================================
// Decoder — obfuscation detection
// =============================================================================

func TestHasObfuscation_PlainTextClean(t *testing.T) {
	d := NewDecoder()
	assert.False(t, d.HasObfuscation(d.Decode([]byte("ls -la"))))
}

func TestHasObfuscation_CursorMovementFlags(t *testing.T) {
	d := NewDecoder()
	assert.True(t, d.HasObfuscation(d.Decode([]byte("rm\x1b[A -rf /"))))
	assert.True(t, d.HasObfuscation(d.Decode([]byte("echo hi\x1b[2Kls"))))
}

func TestHasObfuscation_BackspaceIsOrdinaryEditing(t *testing.T) {
	d := NewDecoder()
	assert.False(t, d.HasObfuscation(d.Decode([]byte("a\x08b"))))
	assert.False(t, d.HasObfuscation(d.Decode([]byte("lss\x7f"))))
}

func TestHasObfuscation_OSCDoesNotFlag(t *testing.T) {
	d := NewDecoder()
	assert.False(t, d.HasObfuscation(d.Decode([]byte("\x1b]0;title\x07ls"))))
}

// =============================================================================
// VisibleDecoder
// =============================================================================

func TestVisibleDecoder_PlainCommand(t *testing.T) {
	v := NewVisibleDecoder()
	res := v.Decode([]byte("systemctl status nginx"))

	assert.Equal(t, "systemctl status nginx", res.Visible)
	assert.False(t, res.HasObfuscation)
}

func TestVisibleDecoder_ObfuscatedCommand(t *testing.T) {
	v := NewVisibleDecoder()
	res := v.Decode([]byte("echo safe\x1b[2Krm -rf /"))

	assert.Equal(t, "rm -rf /", res.Visible)
	assert.True(t, res.HasObfuscation)
}

func TestVisibleDecoder_DCSWrappedPayload(t *testing.T) {
	v := NewVisibleDecoder()
	// tmux passthrough wrapping.
	res := v.Decode([]byte("\x1bPls -la\x1b\\"))

	assert.Equal(t, "ls -la", res.Visible)
}

func TestForTerm_NeverNil(t *testing.T) {
	assert.NotNil(t, ForTerm(""))
	assert.NotNil(t, ForTerm("xterm-256color"))
	assert.NotNil(t, ForTerm("  SCREEN  "))
}
