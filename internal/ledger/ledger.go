// Package ledger owns the file record state machine. A record enters at
// Active and moves through consumed/expired to deleted; every transition
// out of Active is a conditional update against the current state, so
// concurrent redemptions and sweep passes resolve to exactly one winner
// without external locking.
package ledger

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle position of a file record.
type State string

const (
	// StateActive: uploaded, retrievable, not yet past its deadline.
	StateActive State = "active"
	// StateConsumed: redeemed exactly once; the token is spent.
	StateConsumed State = "consumed"
	// StateExpired: deadline passed before any redemption.
	StateExpired State = "expired"
	// StateDeleted: blob reclaimed; the row remains for audit retention.
	StateDeleted State = "deleted"
)

var (
	// ErrNotFound is returned for tokens that never existed.
	ErrNotFound = errors.New("token not found")
	// ErrExpired is returned once the expiry deadline has passed,
	// whether or not the sweeper has run.
	ErrExpired = errors.New("file expired")
	// ErrAlreadyConsumed is returned for tokens that have been redeemed.
	ErrAlreadyConsumed = errors.New("file already downloaded")
	// ErrInvalidTTL rejects non-positive lifetimes at creation.
	ErrInvalidTTL = errors.New("ttl must be positive")
	// ErrInvalidTransition guards against transitions the state machine
	// does not define, such as deleting an Active record.
	ErrInvalidTransition = errors.New("invalid state transition")
)

// FileRecord is the ledger's view of one uploaded file. Everything except
// State, DownloadCount and DownloadedAt is immutable after creation.
type FileRecord struct {
	ID            uuid.UUID
	Token         string
	WrappedKey    []byte
	BlobRef       string
	Filename      string
	Size          int64
	ContentType   string
	CreatedAt     time.Time
	ExpiresAt     time.Time
	DownloadedAt  *time.Time
	DownloadCount int
	State         State
}

// CreateParams carries everything needed to open a new record.
type CreateParams struct {
	Filename    string
	Size        int64
	ContentType string
	WrappedKey  []byte
	BlobRef     string
	TTL         time.Duration
}

// Stats aggregates record counts for the stats endpoint.
type Stats struct {
	TotalFiles    int64
	ActiveFiles   int64
	ConsumedFiles int64
	ExpiredFiles  int64
	DeletedFiles  int64
	TotalBytes    int64
}

// Store is the ledger persistence contract. The Postgres implementation is
// the production backend; the memory implementation backs tests and
// development mode. Both enforce identical transition semantics.
type Store interface {
	// Create opens a record in StateActive under a fresh unique token.
	Create(ctx context.Context, p CreateParams) (FileRecord, error)

	// Redeem performs the atomic check-and-transition: iff the record is
	// Active and unexpired, it becomes Consumed with download_count
	// incremented, and the record is returned. Exactly one of any number
	// of concurrent calls for the same token succeeds; the rest observe
	// ErrAlreadyConsumed, ErrExpired, or ErrNotFound.
	Redeem(ctx context.Context, token string) (FileRecord, error)

	// Get returns the record for status reporting, without transitions.
	Get(ctx context.Context, token string) (FileRecord, error)

	// ExpireDue conditionally transitions every Active record whose
	// deadline has passed to Expired and returns the records it moved.
	// Races with Redeem resolve per record to a single winner.
	ExpireDue(ctx context.Context) ([]FileRecord, error)

	// ListReclaimable returns Consumed/Expired records whose blobs still
	// await reclamation.
	ListReclaimable(ctx context.Context, limit int) ([]FileRecord, error)

	// MarkDeleted moves a Consumed/Expired record to Deleted after its
	// blob is gone. The bool reports whether this call performed the
	// transition; an already-deleted record is a no-op returning false.
	MarkDeleted(ctx context.Context, id uuid.UUID) (bool, error)

	// IsBlobReferenced reports whether any record that may still need its
	// blob (anything not Deleted) references ref.
	IsBlobReferenced(ctx context.Context, ref string) (bool, error)

	// Stats aggregates counts per state.
	Stats(ctx context.Context) (Stats, error)
}

// tokenBytes gives 256 bits of randomness per download token.
const tokenBytes = 32

// NewToken returns a fresh URL-safe token with 256 bits of entropy and no
// sequential component.
func NewToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// classify maps a terminal or out-of-date record to the redemption error a
// caller should see. Deleted records are attributed by whether they were
// ever downloaded.
func classify(r FileRecord, now time.Time) error {
	switch r.State {
	case StateConsumed:
		return ErrAlreadyConsumed
	case StateExpired:
		return ErrExpired
	case StateDeleted:
		if r.DownloadCount > 0 {
			return ErrAlreadyConsumed
		}
		return ErrExpired
	case StateActive:
		if !now.Before(r.ExpiresAt) {
			return ErrExpired
		}
		return nil
	default:
		return ErrNotFound
	}
}
