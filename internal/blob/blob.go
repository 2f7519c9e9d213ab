// Package blob abstracts ciphertext persistence. The ledger only ever holds
// opaque references into this store; ordering against the ledger (write
// blob first, delete blob last) is the caller's contract.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// ErrNotFound is returned by Get and Stat for references that do not
// resolve to a stored object.
var ErrNotFound = errors.New("blob not found")

// StorageError wraps transient backend failures so callers can distinguish
// retryable I/O conditions from permanent ones.
type StorageError struct {
	Op  string
	Ref string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("blob %s %s: %v", e.Op, e.Ref, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Info describes a stored object during reconciliation sweeps.
type Info struct {
	Ref     string
	Size    int64
	ModTime time.Time
}

// Store is the minimal persistence interface the core depends on.
type Store interface {
	// Put streams an object into the store and returns its reference.
	// size may be -1 when unknown.
	Put(ctx context.Context, ref string, r io.Reader, size int64) error
	// Get opens the object for reading.
	Get(ctx context.Context, ref string) (io.ReadCloser, error)
	// Delete removes the object. Deleting a missing object is a no-op so
	// redundant sweep passes stay idempotent.
	Delete(ctx context.Context, ref string) error
	// List enumerates stored objects for orphan reconciliation.
	List(ctx context.Context) ([]Info, error)
}
