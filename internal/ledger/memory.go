package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore implements the ledger contract in process memory. The mutex
// makes each transition a compare-and-set, mirroring the conditional
// UPDATEs of the Postgres backend. Used by tests and development mode.
type MemoryStore struct {
	mu      sync.Mutex
	byToken map[string]*FileRecord
	byID    map[uuid.UUID]*FileRecord
	now     func() time.Time
}

// NewMemoryStore returns an empty in-memory ledger. now is injectable for
// deterministic expiry tests; nil selects UTC wall clock.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &MemoryStore{
		byToken: make(map[string]*FileRecord),
		byID:    make(map[uuid.UUID]*FileRecord),
		now:     now,
	}
}

func (s *MemoryStore) Create(ctx context.Context, p CreateParams) (FileRecord, error) {
	if p.TTL <= 0 {
		return FileRecord{}, ErrInvalidTTL
	}

	token, err := NewToken()
	if err != nil {
		return FileRecord{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	rec := &FileRecord{
		ID:          uuid.New(),
		Token:       token,
		WrappedKey:  p.WrappedKey,
		BlobRef:     p.BlobRef,
		Filename:    p.Filename,
		Size:        p.Size,
		ContentType: p.ContentType,
		CreatedAt:   now,
		ExpiresAt:   now.Add(p.TTL),
		State:       StateActive,
	}
	s.byToken[token] = rec
	s.byID[rec.ID] = rec
	return *rec, nil
}

func (s *MemoryStore) Redeem(ctx context.Context, token string) (FileRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byToken[token]
	if !ok {
		return FileRecord{}, ErrNotFound
	}

	now := s.now()
	if err := classify(*rec, now); err != nil {
		return FileRecord{}, err
	}

	// Check-and-transition under the lock: the Active -> Consumed edge.
	rec.State = StateConsumed
	rec.DownloadCount++
	t := now
	rec.DownloadedAt = &t
	return *rec, nil
}

func (s *MemoryStore) Get(ctx context.Context, token string) (FileRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byToken[token]
	if !ok {
		return FileRecord{}, ErrNotFound
	}
	return *rec, nil
}

func (s *MemoryStore) ExpireDue(ctx context.Context) ([]FileRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var moved []FileRecord
	for _, rec := range s.byToken {
		if rec.State == StateActive && !now.Before(rec.ExpiresAt) {
			rec.State = StateExpired
			moved = append(moved, *rec)
		}
	}
	return moved, nil
}

func (s *MemoryStore) ListReclaimable(ctx context.Context, limit int) ([]FileRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var recs []FileRecord
	for _, rec := range s.byToken {
		if rec.State == StateConsumed || rec.State == StateExpired {
			recs = append(recs, *rec)
			if len(recs) == limit {
				break
			}
		}
	}
	return recs, nil
}

func (s *MemoryStore) MarkDeleted(ctx context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byID[id]
	if !ok {
		return false, ErrNotFound
	}
	switch rec.State {
	case StateConsumed, StateExpired:
		rec.State = StateDeleted
		return true, nil
	case StateDeleted:
		return false, nil
	default:
		return false, fmt.Errorf("%w: %s -> deleted", ErrInvalidTransition, rec.State)
	}
}

func (s *MemoryStore) IsBlobReferenced(ctx context.Context, ref string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range s.byToken {
		if rec.BlobRef == ref && rec.State != StateDeleted {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) Stats(ctx context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var st Stats
	for _, rec := range s.byToken {
		st.TotalFiles++
		st.TotalBytes += rec.Size
		switch rec.State {
		case StateActive:
			st.ActiveFiles++
		case StateConsumed:
			st.ConsumedFiles++
		case StateExpired:
			st.ExpiredFiles++
		case StateDeleted:
			st.DeletedFiles++
		}
	}
	return st, nil
}

var _ Store = (*MemoryStore)(nil)
