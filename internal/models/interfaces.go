package models

import (
	"io"
	"time"
)

// ShellStream is the duplex byte stream to a live remote shell, provided
// externally per session (see internal/shell for the SSH implementation).
// The bridge treats it purely as bytes plus geometry control — it performs
// no authentication or protocol negotiation of its own.
//
// Exactly one bridge owns one ShellStream; the stream's lifetime is bound
// to the bridge's lifetime.
type ShellStream interface {
	io.ReadWriteCloser

	// Shell puts the stream into interactive read mode (e.g. pty-req +
	// shell on an SSH session). Must be called once, before Read.
	Shell() error

	// Resize propagates a terminal geometry change to the remote side.
	Resize(cols, rows int) error

	// ExitStatus reports the remote exit status once the shell has
	// terminated. ok is false while the shell is still running.
	ExitStatus() (code int, ok bool)
}

// Payload is one message delivered to the outbound channel for a session.
// Type is empty for terminal output and "blocked" for policy-violation
// notices.
type Payload struct {
	SessionID string    `json:"session_id"`
	Data      string    `json:"data"`
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type,omitempty"`
}

// OutputSink delivers payloads to the per-session outbound channel
// (WebSocket hub, SSE relay — external to this subsystem). Emit must not
// block the caller; slow consumers are the sink's problem.
type OutputSink interface {
	Emit(sessionID string, p Payload)
}

// CloseNotifier is invoked exactly once when a bridge shuts down, with the
// reason that triggered the close. The external layer uses it to tear down
// the delivery channel and decide whether to offer reconnection.
type CloseNotifier interface {
	Closed(sessionID, reason string)
}

// CloseNotifierFunc adapts a plain function to CloseNotifier.
type CloseNotifierFunc func(sessionID, reason string)

func (f CloseNotifierFunc) Closed(sessionID, reason string) { f(sessionID, reason) }
