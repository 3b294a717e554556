package bridge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"termgate/internal/filter"
)

// =============================================================================
// Helpers
// =============================================================================

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager(ManagerConfig{
		IdleTimeout:   30 * time.Minute,
		SweepInterval: time.Hour, // background sweep effectively off; tests drive sweepOnce
	})
	t.Cleanup(m.Close)
	return m
}

func managedConfig(stream *fakeStream, notifier *countingNotifier) Config {
	cfg := Config{
		Stream: stream,
		Sink:   &captureSink{},
		Engine: filter.NewEngine(filter.NewMemoryRuleStore(), filter.FailOpen),
	}
	// Assign only when non-nil so a nil *countingNotifier does not become a
	// non-nil Notifier interface holding a nil pointer.
	if notifier != nil {
		cfg.Notifier = notifier
	}
	return cfg
}

// =============================================================================
// Create / Get / Remove
// =============================================================================

func TestManagerCreate_RegistersAndStarts(t *testing.T) {
	m := newTestManager(t)

	b, err := m.Create(Identity{SessionID: "s1"}, managedConfig(newFakeStream(), nil))
	require.NoError(t, err)
	require.NotNil(t, b)

	assert.Same(t, b, m.Get("s1"))
	assert.True(t, b.Active())
}

func TestManagerCreate_RejectsEmptySessionID(t *testing.T) {
	m := newTestManager(t)

	_, err := m.Create(Identity{}, managedConfig(newFakeStream(), nil))
	assert.Error(t, err)
}

func TestManagerCreate_RejectsDuplicateSessionID(t *testing.T) {
	m := newTestManager(t)

	_, err := m.Create(Identity{SessionID: "dup"}, managedConfig(newFakeStream(), nil))
	require.NoError(t, err)

	_, err = m.Create(Identity{SessionID: "dup"}, managedConfig(newFakeStream(), nil))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateSession)

	// The original session is untouched.
	assert.True(t, m.Get("dup").Active())
}

func TestManagerCreate_RollsBackOnStartFailure(t *testing.T) {
	m := newTestManager(t)

	stream := newFakeStream()
	stream.shellErr = assert.AnError

	_, err := m.Create(Identity{SessionID: "boom"}, managedConfig(stream, nil))
	require.Error(t, err)
	assert.Nil(t, m.Get("boom"))

	// The slot is reusable after the failure.
	_, err = m.Create(Identity{SessionID: "boom"}, managedConfig(newFakeStream(), nil))
	assert.NoError(t, err)
}

func TestManagerGet_UnknownSessionReturnsNil(t *testing.T) {
	m := newTestManager(t)
	assert.Nil(t, m.Get("nope"))
}

func TestManagerRemove_StopsAndDeregisters(t *testing.T) {
	m := newTestManager(t)
	notifier := &countingNotifier{}

	b, err := m.Create(Identity{SessionID: "s1"}, managedConfig(newFakeStream(), notifier))
	require.NoError(t, err)

	assert.True(t, m.Remove("s1", "terminated by operator"))
	assert.Nil(t, m.Get("s1"))
	assert.False(t, b.Active())
	assert.Equal(t, 1, notifier.count())
	assert.Equal(t, "terminated by operator", notifier.lastReason())
}

func TestManagerRemove_UnknownSessionReturnsFalse(t *testing.T) {
	m := newTestManager(t)
	assert.False(t, m.Remove("nope", "whatever"))
}

// =============================================================================
// Stats
// =============================================================================

func TestManagerStats_CountsActiveAndTotal(t *testing.T) {
	m := newTestManager(t)

	b1, err := m.Create(Identity{SessionID: "s1"}, managedConfig(newFakeStream(), nil))
	require.NoError(t, err)
	_, err = m.Create(Identity{SessionID: "s2"}, managedConfig(newFakeStream(), nil))
	require.NoError(t, err)

	assert.Equal(t, Stats{Total: 2, Active: 2}, m.Stats())

	// A stopped bridge stays registered until removed or swept.
	b1.Stop("done")
	assert.Equal(t, Stats{Total: 2, Active: 1}, m.Stats())
}

// =============================================================================
// Sweep
// =============================================================================

func TestSweep_ReapsIdleSessions(t *testing.T) {
	m := newTestManager(t)
	notifier := &countingNotifier{}

	b, err := m.Create(Identity{SessionID: "idle"}, managedConfig(newFakeStream(), notifier))
	require.NoError(t, err)

	// Backdate activity past the threshold.
	b.lastActivity.Store(time.Now().Add(-time.Hour).UnixNano())

	m.sweepOnce(time.Now())

	assert.Nil(t, m.Get("idle"))
	assert.False(t, b.Active())
	assert.Equal(t, "idle timeout", notifier.lastReason())
}

func TestSweep_SparesRecentlyActiveSessions(t *testing.T) {
	m := newTestManager(t)

	b, err := m.Create(Identity{SessionID: "busy"}, managedConfig(newFakeStream(), nil))
	require.NoError(t, err)

	m.sweepOnce(time.Now())

	assert.Same(t, b, m.Get("busy"))
	assert.True(t, b.Active())
}

func TestSweep_DropsAlreadyClosedSessions(t *testing.T) {
	m := newTestManager(t)

	b, err := m.Create(Identity{SessionID: "dead"}, managedConfig(newFakeStream(), nil))
	require.NoError(t, err)
	b.Stop("remote closed")

	m.sweepOnce(time.Now())

	assert.Nil(t, m.Get("dead"))
}

func TestSweep_SparesRegisteredButUnstartedSession(t *testing.T) {
	m := newTestManager(t)
	notifier := &countingNotifier{}

	// Create registers the bridge before calling Start; a sweep firing in
	// that window must not reap the newborn as already closed.
	b := New(Identity{SessionID: "young"}, managedConfig(newFakeStream(), notifier))
	m.mu.Lock()
	m.bridges["young"] = b
	m.mu.Unlock()

	m.sweepOnce(time.Now())

	assert.Same(t, b, m.Get("young"))
	assert.Equal(t, 0, notifier.count())

	// Start still succeeds on the spared bridge.
	require.NoError(t, b.Start())
	assert.True(t, b.Active())
}

// =============================================================================
// Close
// =============================================================================

func TestManagerClose_StopsEverySession(t *testing.T) {
	m := NewManager(ManagerConfig{})
	notifier := &countingNotifier{}

	b1, err := m.Create(Identity{SessionID: "s1"}, managedConfig(newFakeStream(), notifier))
	require.NoError(t, err)
	b2, err := m.Create(Identity{SessionID: "s2"}, managedConfig(newFakeStream(), notifier))
	require.NoError(t, err)

	m.Close()

	assert.False(t, b1.Active())
	assert.False(t, b2.Active())
	assert.Equal(t, Stats{}, m.Stats())
	assert.Equal(t, 2, notifier.count())

	// Close is idempotent.
	m.Close()
}
