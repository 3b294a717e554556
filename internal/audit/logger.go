// Package audit persists one record per command attempt — allowed, blocked
// or failed — and keeps .cast recordings of raw session output. Logging
// must never block or fail the shell session: persistence failures degrade
// to a local fallback file.
package audit

import (
	"context"
	"fmt"
	"log"
	"time"
)

// TruncationMarker is appended to output/error text cut at the storage cap.
const TruncationMarker = "... [truncated]"

// DefaultOutputCap is the hard cap on stored output/error text when the
// configured cap is zero.
const DefaultOutputCap = 10000

// Status is the outcome of a command attempt.
type Status string

const (
	StatusSuccess Status = "success"
	StatusBlocked Status = "blocked"
	StatusFailed  Status = "failed"
)

// Entry is one persisted audit record. Append-only: rows are deleted only
// by explicit retention purge or administrator bulk-clear, and both of
// those write their own entry describing the deletion.
type Entry struct {
	ID            int64
	TenantID      int64
	ActorID       int64
	HostID        int64
	SessionID     string
	Command       string
	Status        Status
	BlockReason   string
	OutputSummary string
	ErrorMessage  string
	IPAddress     string
	ExecutionTime float64 // seconds
	ExecutedAt    time.Time
}

// Filter narrows a Query. Zero values mean "any".
type Filter struct {
	TenantID  int64
	HostID    int64
	ActorID   int64
	SessionID string
	Status    Status
	Since     time.Time
	Until     time.Time
	Limit     int
	Offset    int
}

// EntryStore persists audit entries. Implementations must be safe for
// concurrent use.
type EntryStore interface {
	Insert(ctx context.Context, e Entry) error
	Query(ctx context.Context, f Filter) ([]Entry, int, error)

	// PurgeHost deletes entries for hostID older than cutoff and returns
	// the number of rows removed.
	PurgeHost(ctx context.Context, hostID int64, cutoff time.Time) (int64, error)

	// PurgeOlder deletes entries older than cutoff, optionally scoped to
	// one tenant (nil means all tenants).
	PurgeOlder(ctx context.Context, tenantID *int64, cutoff time.Time) (int64, error)
}

// Logger is the audit front end used by bridges and administrative
// operations. A nil store is permitted (dev mode) — every entry then goes
// straight to the fallback log.
type Logger struct {
	store     EntryStore
	fallback  *FallbackLog
	outputCap int
}

// NewLogger creates a Logger. fallback may be nil, in which case entries
// that cannot be persisted are only reported to the process log.
func NewLogger(store EntryStore, fallback *FallbackLog, outputCap int) *Logger {
	if outputCap <= 0 {
		outputCap = DefaultOutputCap
	}
	return &Logger{store: store, fallback: fallback, outputCap: outputCap}
}

// Log writes one entry. Output and error text are truncated to the cap
// before storage, independent of original size. Persistence failures are
// swallowed into the fallback log — Log never returns an error and never
// blocks on a broken store.
func (l *Logger) Log(ctx context.Context, e Entry) {
	e.OutputSummary = Truncate(e.OutputSummary, l.outputCap)
	e.ErrorMessage = Truncate(e.ErrorMessage, l.outputCap)
	if e.ExecutedAt.IsZero() {
		e.ExecutedAt = time.Now().UTC()
	}

	if l.store != nil {
		if err := l.store.Insert(ctx, e); err == nil {
			return
		} else {
			log.Printf("[AUDIT] store insert failed for session %s: %v — falling back", e.SessionID, err)
		}
	}

	if l.fallback != nil {
		if err := l.fallback.Append(e); err != nil {
			log.Printf("[AUDIT] fallback append failed: %v — entry lost: %+v", err, e)
		}
	}
}

// Query returns matching entries and the total count before pagination.
func (l *Logger) Query(ctx context.Context, f Filter) ([]Entry, int, error) {
	if l.store == nil {
		return nil, 0, fmt.Errorf("audit: no backing store configured")
	}
	if f.Limit <= 0 {
		f.Limit = 50
	}
	return l.store.Query(ctx, f)
}

// Purge deletes entries for hostID older than keepDays and writes one audit
// entry describing the purge itself, attributed to actorID.
func (l *Logger) Purge(ctx context.Context, hostID int64, keepDays int, actorID int64) (int64, error) {
	if l.store == nil {
		return 0, fmt.Errorf("audit: no backing store configured")
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -keepDays)

	deleted, err := l.store.PurgeHost(ctx, hostID, cutoff)
	if err != nil {
		return 0, fmt.Errorf("audit: purge host %d: %w", hostID, err)
	}

	l.Log(ctx, Entry{
		ActorID: actorID,
		HostID:  hostID,
		Command: fmt.Sprintf("audit purge: host=%d keep_days=%d deleted=%d", hostID, keepDays, deleted),
		Status:  StatusSuccess,
	})

	log.Printf("[AUDIT] purged %d entries for host %d (keep %d days, actor %d)",
		deleted, hostID, keepDays, actorID)
	return deleted, nil
}

// AutoPurge is the scheduled retention sweep: deletes entries older than
// retentionDays, optionally scoped to one tenant, and records the action.
func (l *Logger) AutoPurge(ctx context.Context, retentionDays int, tenantID *int64) (int64, error) {
	if l.store == nil {
		return 0, fmt.Errorf("audit: no backing store configured")
	}
	if retentionDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)

	deleted, err := l.store.PurgeOlder(ctx, tenantID, cutoff)
	if err != nil {
		return 0, fmt.Errorf("audit: auto purge: %w", err)
	}
	if deleted == 0 {
		return 0, nil
	}

	scope := "all tenants"
	var logTenant int64
	if tenantID != nil {
		scope = fmt.Sprintf("tenant=%d", *tenantID)
		logTenant = *tenantID
	}
	l.Log(ctx, Entry{
		TenantID: logTenant,
		Command:  fmt.Sprintf("audit auto-purge: %s retention_days=%d deleted=%d", scope, retentionDays, deleted),
		Status:   StatusSuccess,
	})

	log.Printf("[AUDIT] auto-purge removed %d entries (%s, retention %d days)", deleted, scope, retentionDays)
	return deleted, nil
}

// Truncate cuts s at limit runes and appends the truncation marker. Strings
// within the limit are returned unchanged.
func Truncate(s string, limit int) string {
	if limit <= 0 {
		limit = DefaultOutputCap
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + TruncationMarker
}
