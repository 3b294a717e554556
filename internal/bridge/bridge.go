// Package bridge proxies keystrokes and terminal output between a
// per-session outbound delivery channel and a live remote shell stream,
// gating every submitted command through the filter engine and writing one
// audit entry per attempt.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"termgate/internal/audit"
	"termgate/internal/emulation"
	"termgate/internal/filter"
	"termgate/internal/models"
)

// Control bytes with line-editing semantics. Everything else below 0x20 is
// forwarded untouched and leaves the command buffer alone.
const (
	ctrlC   = 0x03 // interrupt, abandons the line
	ctrlH   = 0x08 // backspace
	ctrlU   = 0x15 // line-kill
	ctrlW   = 0x17 // word-kill
	escByte = 0x1b
	delByte = 0x7f
)

// maxUndecodedTail bounds how many bytes of a split multi-byte character
// the output path will hold back before force-decoding with a replacement
// marker. Real UTF-8 runes need at most 4 bytes; anything beyond this is
// not a split character.
const maxUndecodedTail = 64

// ErrShellStart wraps failures to put the shell stream into read mode.
var ErrShellStart = errors.New("bridge: shell start failed")

// Identity names the session a bridge serves.
type Identity struct {
	SessionID string
	TenantID  int64
	ActorID   int64
	HostID    int64
	IP        string
}

// Config carries the collaborators and limits injected at creation time.
type Config struct {
	Stream   models.ShellStream
	Sink     models.OutputSink
	Notifier models.CloseNotifier // optional
	Engine   *filter.Engine
	Audit    *audit.Logger
	Recorder io.WriteCloser // optional .cast recorder for raw output

	// QueueSize bounds the keystroke forward queue. 0 selects 256.
	QueueSize int

	// OutputRateBytes caps delivery throughput in bytes/second. 0 = off.
	OutputRateBytes int

	Term string
	Cols int
	Rows int
}

// Bridge owns one shell stream and one delivery sink, running an input path
// (keystrokes → filter gate → remote shell) and an output path (remote
// shell → delivery sink). All per-session state is owned by the bridge;
// the only shared entry points are SendInput, Resize and Stop.
type Bridge struct {
	id       Identity
	stream   models.ShellStream
	sink     models.OutputSink
	notifier models.CloseNotifier
	engine   *filter.Engine
	auditor  *audit.Logger
	recorder io.WriteCloser

	queue chan []byte
	done  chan struct{}

	// Input-path state, guarded by inMu.
	inMu    sync.Mutex
	buf     CommandBuffer
	decoder *emulation.VisibleDecoder
	rawLine []byte // current line as typed, escape sequences included
	partial []byte // split multi-byte input character
	escSeq  []byte // escape sequence spanning SendInput calls
	escMode escMode

	limiter *byteLimiter

	started      atomic.Bool
	active       atomic.Bool
	stopOnce     sync.Once
	lastActivity atomic.Int64 // unix nanos
	createdAt    time.Time

	geoMu sync.Mutex
	cols  int
	rows  int
}

type escMode int

const (
	escGround escMode = iota
	escIntro          // after ESC
	escCSI            // after ESC [
	escSS3            // after ESC O
)

// New creates a Bridge for the given session. Start must be called before
// any input flows.
func New(id Identity, cfg Config) *Bridge {
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	b := &Bridge{
		id:        id,
		stream:    cfg.Stream,
		sink:      cfg.Sink,
		notifier:  cfg.Notifier,
		engine:    cfg.Engine,
		auditor:   cfg.Audit,
		recorder:  cfg.Recorder,
		queue:     make(chan []byte, queueSize),
		done:      make(chan struct{}),
		decoder:   emulation.ForTerm(cfg.Term),
		limiter:   newByteLimiter(cfg.OutputRateBytes),
		createdAt: time.Now(),
		cols:      cfg.Cols,
		rows:      cfg.Rows,
	}
	b.touch()
	return b
}

// Start puts the stream into read mode and launches the input and output
// loops. Idempotent no-op when already started.
func (b *Bridge) Start() error {
	if !b.started.CompareAndSwap(false, true) {
		return nil
	}

	if err := b.stream.Shell(); err != nil {
		b.active.Store(false)
		return fmt.Errorf("%w: %v", ErrShellStart, err)
	}

	b.active.Store(true)
	go b.writeLoop()
	go b.readLoop()

	log.Printf("[BRIDGE] session %s started (tenant=%d actor=%d host=%d)",
		b.id.SessionID, b.id.TenantID, b.id.ActorID, b.id.HostID)
	return nil
}

// SendInput classifies raw keystroke bytes and enqueues them for the remote
// shell. Non-blocking: a saturated forward queue rejects the input with a
// backpressure reason instead of stalling the caller.
//
// A fragment ending in \r or \n is a line submission: the raw line bytes
// (escape sequences included) are replayed to the text the remote terminal
// renders, and that rendition is judged by the filter engine before the
// fragment is forwarded. Denied submissions are replaced by a line-kill +
// interrupt pair so the remote prompt abandons the already-echoed text, a
// policy notice is emitted on the output path, and a blocked audit entry is
// written.
//
// SendInput is safe for concurrent use: calls are serialized, and the bytes
// of one call are classified as a unit.
func (b *Bridge) SendInput(data []byte) (bool, string) {
	if !b.active.Load() {
		return false, "session not active"
	}
	b.touch()

	b.inMu.Lock()
	defer b.inMu.Unlock()

	accepted := true
	reason := ""

	var fwd []byte     // bytes committed for forwarding
	var pending []byte // bytes of the line fragment being accumulated

	for _, c := range data {
		if b.escMode != escGround {
			pendingSeq := b.advanceEscape(c)
			if pendingSeq != nil {
				pending = append(pending, pendingSeq...)
			}
			continue
		}

		switch c {
		case escByte:
			b.escMode = escIntro
			b.escSeq = append(b.escSeq[:0], c)

		case '\r', '\n':
			b.partial = b.partial[:0]
			cmd := b.buf.Take()
			raw := b.rawLine
			b.rawLine = nil
			if cmd == "" {
				fwd = append(fwd, pending...)
				fwd = append(fwd, c)
				pending = nil
				continue
			}

			visible, obfuscated := b.renderLine(cmd, raw)
			decision := b.engine.Check(context.Background(), b.id.TenantID, b.id.HostID, visible)
			if decision.Allowed && obfuscated && visible != cmd {
				// The rendered line passed, but the remote editor may hold
				// the keystroke rendition instead; judge that one too.
				decision = b.engine.Check(context.Background(), b.id.TenantID, b.id.HostID, cmd)
			}

			if decision.Allowed {
				fwd = append(fwd, pending...)
				fwd = append(fwd, c)
				b.writeAudit(visible, audit.StatusSuccess, "", obfuscated)
			} else {
				accepted = false
				reason = decision.Reason
				// Abandon whatever the remote editor has echoed and
				// restore the prompt.
				fwd = append(fwd, ctrlU, ctrlC)
				b.emit(fmt.Sprintf("\r\ntermgate: command blocked by policy: %s\r\n", reason), "blocked")
				b.writeAudit(visible, audit.StatusBlocked, reason, obfuscated)
				log.Printf("[BRIDGE] session %s blocked command %q: %s", b.id.SessionID, visible, reason)
			}
			pending = nil

		case delByte, ctrlH:
			b.buf.Apply(EditOp{Kind: OpBackspace})
			b.rawLine = append(b.rawLine, c)
			pending = append(pending, c)

		case ctrlU:
			b.buf.Apply(EditOp{Kind: OpLineKill})
			b.rawLine = b.rawLine[:0]
			pending = append(pending, c)

		case ctrlW:
			b.buf.Apply(EditOp{Kind: OpWordKill})
			b.rawLine = append(b.rawLine, c)
			pending = append(pending, c)

		case ctrlC:
			b.buf.Apply(EditOp{Kind: OpInterrupt})
			b.rawLine = b.rawLine[:0]
			pending = append(pending, c)

		default:
			if c < 0x20 {
				// Other control bytes pass through without touching
				// the command buffer.
				b.rawLine = append(b.rawLine, c)
				pending = append(pending, c)
				continue
			}
			b.partial = append(b.partial, c)
			if utf8.FullRune(b.partial) {
				r, _ := utf8.DecodeRune(b.partial)
				b.buf.Apply(EditOp{Kind: OpInsert, Rune: r})
				b.rawLine = append(b.rawLine, b.partial...)
				pending = append(pending, b.partial...)
				b.partial = b.partial[:0]
			} else if len(b.partial) >= utf8.UTFMax {
				// Not a valid character after all — forward raw,
				// count it as one garbled character.
				b.buf.Apply(EditOp{Kind: OpInsert, Rune: utf8.RuneError})
				b.rawLine = append(b.rawLine, b.partial...)
				pending = append(pending, b.partial...)
				b.partial = b.partial[:0]
			}
		}
	}

	fwd = append(fwd, pending...)
	if len(fwd) > 0 && !b.enqueue(fwd) {
		return false, "input queue full"
	}

	return accepted, reason
}

// Resize forwards a terminal geometry change to the shell stream. Repeating
// the current geometry is a remote no-op that still reports success.
func (b *Bridge) Resize(cols, rows int) bool {
	if !b.active.Load() {
		return false
	}
	b.touch()

	b.geoMu.Lock()
	defer b.geoMu.Unlock()
	if cols == b.cols && rows == b.rows {
		return true
	}
	if err := b.stream.Resize(cols, rows); err != nil {
		log.Printf("[BRIDGE] session %s resize to %dx%d failed: %v", b.id.SessionID, cols, rows, err)
		return false
	}
	b.cols, b.rows = cols, rows
	return true
}

// Stop marks the bridge inactive, signals both loops, closes the shell
// stream and fires the close notifier — exactly once, regardless of whether
// the caller is a loop's error path, the sweep, or an explicit terminate.
func (b *Bridge) Stop(reason string) {
	b.stopOnce.Do(func() {
		b.active.Store(false)
		close(b.done)
		b.stream.Close()
		if b.recorder != nil {
			b.recorder.Close()
		}
		log.Printf("[BRIDGE] session %s stopped: %s", b.id.SessionID, reason)
		if b.notifier != nil {
			b.notifier.Closed(b.id.SessionID, reason)
		}
	})
}

// Active reports whether the bridge is still serving traffic.
func (b *Bridge) Active() bool {
	return b.active.Load()
}

// SessionID returns the session identifier the bridge serves.
func (b *Bridge) SessionID() string {
	return b.id.SessionID
}

// LastActivity returns the time of the most recent input or output.
func (b *Bridge) LastActivity() time.Time {
	return time.Unix(0, b.lastActivity.Load())
}

// CreatedAt returns the bridge creation time.
func (b *Bridge) CreatedAt() time.Time {
	return b.createdAt
}

// =============================================================================
// Input path internals
// =============================================================================

// advanceEscape feeds one byte into the pending escape sequence. Complete
// sequences are returned for forwarding; cursor up/down additionally clear
// the command buffer, since the remote editor substitutes a history entry
// the bridge cannot track.
func (b *Bridge) advanceEscape(c byte) []byte {
	b.escSeq = append(b.escSeq, c)

	switch b.escMode {
	case escIntro:
		switch c {
		case '[':
			b.escMode = escCSI
			return nil
		case 'O':
			b.escMode = escSS3
			return nil
		default:
			// Two-byte ESC sequence — forward, no buffer effect.
			return b.finishEscape(0)
		}

	case escCSI:
		if c >= 0x40 && c <= 0x7e {
			return b.finishEscape(c)
		}
		return nil // parameter or intermediate byte

	case escSS3:
		return b.finishEscape(c)
	}
	return nil
}

// finishEscape classifies a completed sequence by its final byte and resets
// the escape state. Completed sequences are recorded in the raw line so the
// submit-time replay sees them; cursor up/down instead restart both line
// renditions, since the substituted history entry is untrackable.
func (b *Bridge) finishEscape(final byte) []byte {
	seq := make([]byte, len(b.escSeq))
	copy(seq, b.escSeq)
	b.escSeq = b.escSeq[:0]
	b.escMode = escGround

	if final == 'A' || final == 'B' {
		b.buf.Apply(EditOp{Kind: OpHistoryNav})
		b.rawLine = b.rawLine[:0]
		return seq
	}
	b.rawLine = append(b.rawLine, seq...)
	return seq
}

// renderLine renders the submitted line the way the remote terminal would
// display it, replaying the raw bytes (escape sequences included). Lines
// free of control sequences keep the keystroke rendition, which understands
// word-kill and line-kill; a replay erased down to nothing also falls back
// to it, so control sequences cannot blank out a line the remote editor
// still holds.
func (b *Bridge) renderLine(cmd string, raw []byte) (string, bool) {
	res := b.decoder.Decode(raw)
	if !res.HasObfuscation {
		return cmd, false
	}
	if visible := strings.TrimSpace(res.Visible); visible != "" {
		return visible, true
	}
	return cmd, true
}

// enqueue offers data to the forward queue without blocking.
func (b *Bridge) enqueue(data []byte) bool {
	select {
	case b.queue <- data:
		return true
	default:
		log.Printf("[BRIDGE] session %s forward queue full, input rejected", b.id.SessionID)
		return false
	}
}

// writeAudit records one command attempt. Obfuscated submissions carry a
// marker in the error field so investigators can pull the raw recording.
func (b *Bridge) writeAudit(command string, status audit.Status, blockReason string, obfuscated bool) {
	if b.auditor == nil {
		return
	}
	e := audit.Entry{
		TenantID:    b.id.TenantID,
		ActorID:     b.id.ActorID,
		HostID:      b.id.HostID,
		SessionID:   b.id.SessionID,
		Command:     command,
		Status:      status,
		BlockReason: blockReason,
		IPAddress:   b.id.IP,
		ExecutedAt:  time.Now().UTC(),
	}
	if obfuscated {
		e.ErrorMessage = "terminal control sequences detected in input"
	}
	b.auditor.Log(context.Background(), e)
}

// =============================================================================
// Loops
// =============================================================================

// writeLoop is the sole consumer of the forward queue and the only writer
// to the shell stream, keeping keystroke order strictly FIFO.
func (b *Bridge) writeLoop() {
	for {
		select {
		case <-b.done:
			return
		case data := <-b.queue:
			if _, err := b.stream.Write(data); err != nil {
				if b.active.Load() {
					log.Printf("[BRIDGE] session %s write failed: %v", b.id.SessionID, err)
					b.Stop("write error")
				}
				return
			}
		}
	}
}

// readLoop is the sole reader of the shell stream. Output is accumulated to
// a character boundary (a split multi-byte character is never emitted in
// pieces), rate-limited, and pushed to the delivery sink in arrival order.
func (b *Bridge) readLoop() {
	buf := make([]byte, 8192)
	var undecoded []byte

	for {
		n, err := b.stream.Read(buf)
		if n > 0 {
			b.touch()
			undecoded = append(undecoded, buf[:n]...)

			tail := incompleteTail(undecoded)
			if tail > maxUndecodedTail {
				// The held-back bytes are not a split character.
				// Force-decode the lot, replacing garbage.
				b.deliver(strings.ToValidUTF8(string(undecoded), "�"))
				undecoded = undecoded[:0]
			} else if cut := len(undecoded) - tail; cut > 0 {
				b.deliver(string(undecoded[:cut]))
				undecoded = append(undecoded[:0], undecoded[cut:]...)
			}
		}

		if err != nil {
			if len(undecoded) > 0 {
				b.deliver(strings.ToValidUTF8(string(undecoded), "�"))
			}
			switch {
			case err == io.EOF:
				if code, ok := b.stream.ExitStatus(); ok {
					b.Stop(fmt.Sprintf("remote exited (status %d)", code))
				} else {
					b.Stop("remote closed")
				}
			case b.active.Load():
				log.Printf("[BRIDGE] session %s read failed: %v", b.id.SessionID, err)
				b.Stop("read error")
			}
			return
		}
	}
}

// deliver rate-limits one decoded chunk, emits it tagged with the session
// id, and tees it into the session recording.
func (b *Bridge) deliver(data string) {
	if data == "" {
		return
	}
	b.limiter.Wait(len(data))
	b.emit(data, "")
	if b.recorder != nil {
		if _, err := b.recorder.Write([]byte(data)); err != nil {
			log.Printf("[BRIDGE] session %s recording failed: %v", b.id.SessionID, err)
		}
	}
}

func (b *Bridge) emit(data, typ string) {
	b.sink.Emit(b.id.SessionID, models.Payload{
		SessionID: b.id.SessionID,
		Data:      data,
		Timestamp: time.Now().UTC(),
		Type:      typ,
	})
}

func (b *Bridge) touch() {
	b.lastActivity.Store(time.Now().UnixNano())
}

// incompleteTail returns how many trailing bytes of p form the start of a
// multi-byte character whose remaining bytes have not arrived yet. Returns
// 0 when p ends on a character boundary or in undecodable garbage.
func incompleteTail(p []byte) int {
	n := len(p)
	if n == 0 {
		return 0
	}

	start := n - 1
	for i := 0; i < utf8.UTFMax && start >= 0; i++ {
		if p[start]&0xc0 != 0x80 {
			break
		}
		start--
	}
	if start < 0 || p[start]&0xc0 == 0x80 {
		return 0 // continuation bytes with no lead in range — garbage
	}

	lead := p[start]
	var size int
	switch {
	case lead < 0x80:
		size = 1
	case lead&0xe0 == 0xc0:
		size = 2
	case lead&0xf0 == 0xe0:
		size = 3
	case lead&0xf8 == 0xf0:
		size = 4
	default:
		return 0 // invalid lead byte
	}

	if n-start < size {
		return n - start
	}
	return 0
}
