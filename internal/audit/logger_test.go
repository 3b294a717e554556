package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Helpers
// =============================================================================

// stubStore is a scriptable EntryStore.
type stubStore struct {
	entries []Entry
	lastQ   Filter

	insertErr error
	purged    int64
	purgeErr  error
}

func (s *stubStore) Insert(_ context.Context, e Entry) error {
	if s.insertErr != nil {
		return s.insertErr
	}
	s.entries = append(s.entries, e)
	return nil
}

func (s *stubStore) Query(_ context.Context, f Filter) ([]Entry, int, error) {
	s.lastQ = f
	return s.entries, len(s.entries), nil
}

func (s *stubStore) PurgeHost(_ context.Context, _ int64, _ time.Time) (int64, error) {
	return s.purged, s.purgeErr
}

func (s *stubStore) PurgeOlder(_ context.Context, _ *int64, _ time.Time) (int64, error) {
	return s.purged, s.purgeErr
}

func readJSONLines(t *testing.T, path string) []Entry {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var entries []Entry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e Entry
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e))
		entries = append(entries, e)
	}
	require.NoError(t, sc.Err())
	return entries
}

// =============================================================================
// Log
// =============================================================================

func TestLog_PersistsToStore(t *testing.T) {
	store := &stubStore{}
	l := NewLogger(store, nil, 0)

	l.Log(context.Background(), Entry{SessionID: "s1", Command: "ls", Status: StatusSuccess})

	require.Len(t, store.entries, 1)
	assert.Equal(t, "ls", store.entries[0].Command)
	assert.False(t, store.entries[0].ExecutedAt.IsZero())
}

func TestLog_TruncatesOutputAtCap(t *testing.T) {
	store := &stubStore{}
	l := NewLogger(store, nil, 10)

	l.Log(context.Background(), Entry{
		Command:       "cat big",
		OutputSummary: strings.Repeat("x", 100),
	})

	require.Len(t, store.entries, 1)
	got := store.entries[0].OutputSummary
	assert.True(t, strings.HasSuffix(got, TruncationMarker))
	assert.Equal(t, strings.Repeat("x", 10)+TruncationMarker, got)
}

func TestLog_ShortOutputUntouched(t *testing.T) {
	store := &stubStore{}
	l := NewLogger(store, nil, 10)

	l.Log(context.Background(), Entry{OutputSummary: "short"})

	require.Len(t, store.entries, 1)
	assert.Equal(t, "short", store.entries[0].OutputSummary)
}

func TestLog_StoreFailureGoesToFallback(t *testing.T) {
	dir := t.TempDir()
	fb, err := NewFallbackLog(filepath.Join(dir, "fallback.jsonl"))
	require.NoError(t, err)
	defer fb.Close()

	store := &stubStore{insertErr: errors.New("db down")}
	l := NewLogger(store, fb, 0)

	l.Log(context.Background(), Entry{SessionID: "s1", Command: "ls", Status: StatusSuccess})

	entries := readJSONLines(t, fb.Path())
	require.Len(t, entries, 1)
	assert.Equal(t, "ls", entries[0].Command)
	assert.Equal(t, "s1", entries[0].SessionID)
}

func TestLog_NilStoreUsesFallback(t *testing.T) {
	dir := t.TempDir()
	fb, err := NewFallbackLog(filepath.Join(dir, "fallback.jsonl"))
	require.NoError(t, err)
	defer fb.Close()

	l := NewLogger(nil, fb, 0)
	l.Log(context.Background(), Entry{Command: "pwd"})

	entries := readJSONLines(t, fb.Path())
	require.Len(t, entries, 1)
	assert.Equal(t, "pwd", entries[0].Command)
}

func TestLog_NeverPanicsWithNothingConfigured(t *testing.T) {
	l := NewLogger(nil, nil, 0)
	assert.NotPanics(t, func() {
		l.Log(context.Background(), Entry{Command: "ls"})
	})
}

// =============================================================================
// Query
// =============================================================================

func TestQuery_DefaultsLimit(t *testing.T) {
	store := &stubStore{}
	l := NewLogger(store, nil, 0)

	_, _, err := l.Query(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Equal(t, 50, store.lastQ.Limit)
}

func TestQuery_PreservesExplicitLimit(t *testing.T) {
	store := &stubStore{}
	l := NewLogger(store, nil, 0)

	_, _, err := l.Query(context.Background(), Filter{Limit: 5, Offset: 10})
	require.NoError(t, err)
	assert.Equal(t, 5, store.lastQ.Limit)
	assert.Equal(t, 10, store.lastQ.Offset)
}

func TestQuery_NoStoreErrors(t *testing.T) {
	l := NewLogger(nil, nil, 0)
	_, _, err := l.Query(context.Background(), Filter{})
	assert.Error(t, err)
}

// =============================================================================
// Purge
// =============================================================================

func TestPurge_WritesItsOwnAuditEntry(t *testing.T) {
	store := &stubStore{purged: 123}
	l := NewLogger(store, nil, 0)

	deleted, err := l.Purge(context.Background(), 7, 30, 42)
	require.NoError(t, err)
	assert.Equal(t, int64(123), deleted)

	require.Len(t, store.entries, 1)
	e := store.entries[0]
	assert.Equal(t, int64(42), e.ActorID)
	assert.Equal(t, int64(7), e.HostID)
	assert.Contains(t, e.Command, "audit purge")
	assert.Contains(t, e.Command, "deleted=123")
}

func TestPurge_StoreErrorPropagates(t *testing.T) {
	store := &stubStore{purgeErr: errors.New("db down")}
	l := NewLogger(store, nil, 0)

	_, err := l.Purge(context.Background(), 7, 30, 42)
	assert.Error(t, err)
	assert.Empty(t, store.entries)
}

func TestAutoPurge_RecordsDeletions(t *testing.T) {
	store := &stubStore{purged: 9}
	l := NewLogger(store, nil, 0)

	tenant := int64(3)
	deleted, err := l.AutoPurge(context.Background(), 90, &tenant)
	require.NoError(t, err)
	assert.Equal(t, int64(9), deleted)

	require.Len(t, store.entries, 1)
	assert.Contains(t, store.entries[0].Command, "auto-purge")
	assert.Contains(t, store.entries[0].Command, "tenant=3")
	assert.Equal(t, tenant, store.entries[0].TenantID)
}

func TestAutoPurge_NothingDeletedWritesNoEntry(t *testing.T) {
	store := &stubStore{purged: 0}
	l := NewLogger(store, nil, 0)

	deleted, err := l.AutoPurge(context.Background(), 90, nil)
	require.NoError(t, err)
	assert.Zero(t, deleted)
	assert.Empty(t, store.entries)
}

func TestAutoPurge_ZeroRetentionDisabled(t *testing.T) {
	store := &stubStore{purged: 99}
	l := NewLogger(store, nil, 0)

	deleted, err := l.AutoPurge(context.Background(), 0, nil)
	require.NoError(t, err)
	assert.Zero(t, deleted)
}

// =============================================================================
// Truncate
// =============================================================================

func TestTruncate_CountsRunesNotBytes(t *testing.T) {
	s := strings.Repeat("é", 20)
	got := Truncate(s, 5)
	assert.Equal(t, strings.Repeat("é", 5)+TruncationMarker, got)
}

func TestTruncate_WithinCapUnchanged(t *testing.T) {
	assert.Equal(t, "abc", Truncate("abc", 10))
}
