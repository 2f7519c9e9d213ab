package audit

import (
	"context"
	"sync"
	"time"
)

// MemoryLog collects entries in memory for tests and development mode.
type MemoryLog struct {
	mu      sync.Mutex
	entries []Entry
	now     func() time.Time
}

// NewMemoryLog returns an empty in-memory audit log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{now: func() time.Time { return time.Now().UTC() }}
}

func (l *MemoryLog) Append(ctx context.Context, e Entry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
}

// Entries returns a copy of everything appended so far.
func (l *MemoryLog) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

var _ Log = (*MemoryLog)(nil)
