package bridge

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// ErrDuplicateSession is returned by Create when the session id is already
// registered.
var ErrDuplicateSession = errors.New("bridge: session id already registered")

// ManagerConfig tunes the registry's background sweep.
type ManagerConfig struct {
	// IdleTimeout is the inactivity threshold after which a bridge is
	// closed by the sweep. 0 selects 30 minutes.
	IdleTimeout time.Duration

	// SweepInterval is how often the sweep runs. 0 selects 60 seconds.
	SweepInterval time.Duration
}

// Stats is a point-in-time snapshot of the registry.
type Stats struct {
	Total  int `json:"total"`
	Active int `json:"active"`
}

// Manager is the single source of truth for which sessions exist. The
// registry map is the only state shared across sessions and the only thing
// the mutex guards; bridge I/O (starting, stopping) always happens outside
// the lock.
//
// Inject a Manager by pointer wherever bridges must be looked up — it is
// deliberately not a package-level singleton, so tests can run isolated
// registries.
type Manager struct {
	mu      sync.Mutex
	bridges map[string]*Bridge

	idleTimeout   time.Duration
	sweepInterval time.Duration

	stopSweep chan struct{}
	sweepDone chan struct{}
	closeOnce sync.Once
}

// NewManager creates a Manager and starts its background sweep.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 60 * time.Second
	}
	m := &Manager{
		bridges:       make(map[string]*Bridge),
		idleTimeout:   cfg.IdleTimeout,
		sweepInterval: cfg.SweepInterval,
		stopSweep:     make(chan struct{}),
		sweepDone:     make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

// Create registers and starts a bridge for the given identity. Duplicate
// session ids are rejected before any I/O happens. When Start fails the
// registration is rolled back and no bridge is left behind.
func (m *Manager) Create(id Identity, cfg Config) (*Bridge, error) {
	if id.SessionID == "" {
		return nil, fmt.Errorf("bridge: empty session id")
	}

	b := New(id, cfg)

	m.mu.Lock()
	if _, exists := m.bridges[id.SessionID]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateSession, id.SessionID)
	}
	m.bridges[id.SessionID] = b
	m.mu.Unlock()

	if err := b.Start(); err != nil {
		m.mu.Lock()
		delete(m.bridges, id.SessionID)
		m.mu.Unlock()
		b.Stop("start failed")
		return nil, err
	}

	return b, nil
}

// Get returns the bridge for sessionID, or nil.
func (m *Manager) Get(sessionID string) *Bridge {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bridges[sessionID]
}

// Remove stops and deregisters the bridge for sessionID. Returns false when
// no such session exists.
func (m *Manager) Remove(sessionID, reason string) bool {
	m.mu.Lock()
	b, ok := m.bridges[sessionID]
	if ok {
		delete(m.bridges, sessionID)
	}
	m.mu.Unlock()

	if !ok {
		return false
	}
	b.Stop(reason)
	return true
}

// Stats counts registered and still-active bridges.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Stats{Total: len(m.bridges)}
	for _, b := range m.bridges {
		if b.Active() {
			s.Active++
		}
	}
	return s
}

// Close stops the sweep and every remaining bridge.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.stopSweep)
		<-m.sweepDone
	})

	m.mu.Lock()
	victims := make([]*Bridge, 0, len(m.bridges))
	for id, b := range m.bridges {
		victims = append(victims, b)
		delete(m.bridges, id)
	}
	m.mu.Unlock()

	for _, b := range victims {
		b.Stop("manager shutdown")
	}
}

// sweepLoop periodically reaps idle or already-dead bridges. The lock is
// held only to inspect timestamps/flags and unlink victims; Stop runs
// outside it and is safe to call concurrently with anything else.
func (m *Manager) sweepLoop() {
	defer close(m.sweepDone)

	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopSweep:
			return
		case <-ticker.C:
			m.sweepOnce(time.Now())
		}
	}
}

// sweepOnce closes every bridge idle beyond the threshold or already
// inactive, removing it from the registry. Bridges registered but not yet
// started are left alone: Create is between its map insert and Start, and
// rolls the registration back itself when Start fails.
func (m *Manager) sweepOnce(now time.Time) {
	m.mu.Lock()
	var victims []*Bridge
	var reasons []string
	for id, b := range m.bridges {
		switch {
		case !b.started.Load():
			// Not yet started; Create still owns it.
		case !b.Active():
			victims = append(victims, b)
			reasons = append(reasons, "already closed")
			delete(m.bridges, id)
		case now.Sub(b.LastActivity()) > m.idleTimeout:
			victims = append(victims, b)
			reasons = append(reasons, "idle timeout")
			delete(m.bridges, id)
		}
	}
	m.mu.Unlock()

	for i, b := range victims {
		log.Printf("[SWEEP] reaping session %s: %s", b.SessionID(), reasons[i])
		b.Stop(reasons[i])
	}
}
