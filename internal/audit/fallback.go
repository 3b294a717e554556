package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FallbackLog is the local append-only JSONL file that receives audit
// entries when the backing store is unavailable. One line per entry, so a
// partially written tail never corrupts earlier records. Safe for
// concurrent use.
type FallbackLog struct {
	mu     sync.Mutex
	f      *os.File
	enc    *json.Encoder
	closed bool
}

// NewFallbackLog opens (creating directories as needed) the JSONL file at
// path for appending.
func NewFallbackLog(path string) (*FallbackLog, error) {
	if path == "" {
		return nil, fmt.Errorf("audit: fallback path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("audit: create fallback dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("audit: open fallback log %s: %w", path, err)
	}
	return &FallbackLog{f: f, enc: json.NewEncoder(f)}, nil
}

// Append writes one entry as a single JSON line.
func (l *FallbackLog) Append(e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return fmt.Errorf("audit: fallback log already closed")
	}
	return l.enc.Encode(e)
}

// Close flushes and closes the underlying file. Idempotent.
func (l *FallbackLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.f.Close()
}

// Path returns the fallback file path.
func (l *FallbackLog) Path() string {
	return l.f.Name()
}
