// Package delivery fans bridge output out to per-session observers. It is
// the in-process side of the outbound delivery channel: the actual browser
// transport (WebSocket, SSE) lives outside this subsystem and consumes the
// observer channels exposed here.
package delivery

import (
	"fmt"
	"log"
	"sync"
	"time"

	"termgate/internal/models"
)

const (
	// DefaultMaxObservers caps concurrent observers per session when the
	// config value is zero.
	DefaultMaxObservers = 10

	// observerChanSize is the per-observer channel buffer. Payloads are
	// dropped when the channel is full — the session is never slowed.
	observerChanSize = 64

	// replayBufSize is the ring of recent output bytes sent to observers
	// joining mid-session so they have immediate context.
	replayBufSize = 4 * 1024
)

// Hub implements models.OutputSink, routing payloads to the observers of
// the session they are tagged with. Safe for concurrent use.
type Hub struct {
	mu           sync.RWMutex
	sessions     map[string]*fan
	maxObservers int
}

// fan is the per-session observer set plus the replay ring.
type fan struct {
	observers map[uint64]chan models.Payload
	nextID    uint64

	replayBuf []byte
	replayPos int
	replayLen int
}

// NewHub creates a Hub. maxObservers <= 0 selects DefaultMaxObservers.
func NewHub(maxObservers int) *Hub {
	if maxObservers <= 0 {
		maxObservers = DefaultMaxObservers
	}
	return &Hub{
		sessions:     make(map[string]*fan),
		maxObservers: maxObservers,
	}
}

// Emit implements models.OutputSink. Terminal output (empty Type) is also
// written into the session's replay ring; policy notices are fanned out but
// not replayed. Never blocks — slow observers drop payloads.
func (h *Hub) Emit(sessionID string, p models.Payload) {
	h.mu.Lock()
	defer h.mu.Unlock()

	f := h.sessions[sessionID]
	if f == nil {
		f = newFan()
		h.sessions[sessionID] = f
	}

	if p.Type == "" {
		f.appendReplay([]byte(p.Data))
	}

	for id, ch := range f.observers {
		select {
		case ch <- p:
		default:
			log.Printf("[DELIVERY] session %s observer %d too slow, payload dropped", sessionID, id)
		}
	}
}

// Subscribe registers a new observer for sessionID. The returned channel
// first receives a synthetic payload replaying the last 4 KB of session
// output (when any exists), then live payloads. The unsubscribe function
// must be called when the consumer disconnects.
func (h *Hub) Subscribe(sessionID string) (<-chan models.Payload, func(), error) {
	h.mu.Lock()

	f := h.sessions[sessionID]
	if f == nil {
		f = newFan()
		h.sessions[sessionID] = f
	}

	if len(f.observers) >= h.maxObservers {
		h.mu.Unlock()
		return nil, nil, fmt.Errorf("delivery: observer limit reached (%d) for session %s", h.maxObservers, sessionID)
	}

	id := f.nextID
	f.nextID++

	ch := make(chan models.Payload, observerChanSize)
	f.observers[id] = ch

	replay := f.replaySnapshot()
	count := len(f.observers)
	h.mu.Unlock()

	if len(replay) > 0 {
		ch <- models.Payload{
			SessionID: sessionID,
			Data:      string(replay),
			Timestamp: time.Now().UTC(),
		}
	}

	log.Printf("[DELIVERY] session %s observer %d subscribed (%d/%d)", sessionID, id, count, h.maxObservers)

	unsubscribe := func() {
		h.mu.Lock()
		if f := h.sessions[sessionID]; f != nil {
			delete(f.observers, id)
		}
		h.mu.Unlock()
		log.Printf("[DELIVERY] session %s observer %d unsubscribed", sessionID, id)
	}

	return ch, unsubscribe, nil
}

// ObserverCount returns the number of active observers for sessionID.
func (h *Hub) ObserverCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if f := h.sessions[sessionID]; f != nil {
		return len(f.observers)
	}
	return 0
}

// Drop releases all observer channels and the replay ring for sessionID.
// Called when the session's bridge closes.
func (h *Hub) Drop(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	f := h.sessions[sessionID]
	if f == nil {
		return
	}
	for id, ch := range f.observers {
		close(ch)
		delete(f.observers, id)
	}
	delete(h.sessions, sessionID)
}

func newFan() *fan {
	return &fan{
		observers: make(map[uint64]chan models.Payload),
		replayBuf: make([]byte, replayBufSize),
	}
}

// appendReplay writes p into the ring buffer. Caller holds the hub lock.
func (f *fan) appendReplay(p []byte) {
	for _, b := range p {
		f.replayBuf[f.replayPos] = b
		f.replayPos = (f.replayPos + 1) % replayBufSize
		if f.replayLen < replayBufSize {
			f.replayLen++
		}
	}
}

// replaySnapshot returns the ring contents in chronological order.
// Caller holds the hub lock.
func (f *fan) replaySnapshot() []byte {
	if f.replayLen == 0 {
		return nil
	}
	out := make([]byte, f.replayLen)
	if f.replayLen < replayBufSize {
		copy(out, f.replayBuf[:f.replayLen])
	} else {
		n := copy(out, f.replayBuf[f.replayPos:])
		copy(out[n:], f.replayBuf[:f.replayPos])
	}
	return out
}
