package audit

import (
	"context"
	"database/sql"
	"time"

	"github.com/rs/zerolog"
)

// PostgresLog appends entries to the file_audit_log table.
type PostgresLog struct {
	db  *sql.DB
	log zerolog.Logger
	now func() time.Time
}

// NewPostgresLog wraps an open connection pool.
func NewPostgresLog(db *sql.DB, log zerolog.Logger, now func() time.Time) *PostgresLog {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &PostgresLog{db: db, log: log, now: now}
}

func (l *PostgresLog) Append(ctx context.Context, e Entry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now()
	}

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO file_audit_log (file_id, operation, created_at, metadata)
		VALUES ($1, $2, $3, $4)
	`, e.FileID, e.Op, e.Timestamp, marshalMetadata(e.Metadata))
	if err != nil {
		// Best effort only. Warn and carry on.
		l.log.Warn().Err(err).
			Str("file_id", e.FileID.String()).
			Str("operation", string(e.Op)).
			Msg("audit append failed")
	}
}

var _ Log = (*PostgresLog)(nil)
