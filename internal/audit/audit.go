// Package audit records every file state transition in an append-only log
// for forensic reconstruction. Writes are best effort: a failed audit write
// is a local warning, never a failure of the operation that triggered it.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Op identifies the transition being recorded.
type Op string

const (
	OpCreate Op = "create"
	OpRedeem Op = "redeem"
	OpExpire Op = "expire"
	OpDelete Op = "delete"
)

// Entry is one appended audit record. Entries are never mutated or removed.
type Entry struct {
	FileID    uuid.UUID      `json:"file_id"`
	Op        Op             `json:"operation"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Log is the append-only sink. Implementations swallow their own failures.
type Log interface {
	// Append records the entry. It never returns an error; implementations
	// log failures locally and move on so the primary operation is never
	// blocked on audit durability.
	Append(ctx context.Context, e Entry)
}

func marshalMetadata(meta map[string]any) []byte {
	if len(meta) == 0 {
		return []byte("{}")
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return []byte("{}")
	}
	return b
}
