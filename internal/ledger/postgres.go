package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore is the production ledger backend. Every state transition is
// a single conditional UPDATE keyed on the current state, so the database
// row is the linearization point for redeem/expire races.
type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgresStore wraps an open connection pool. now is injectable for
// tests; nil selects UTC wall clock.
func NewPostgresStore(db *sql.DB, now func() time.Time) *PostgresStore {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &PostgresStore{db: db, now: now}
}

// OpenDB opens a PostgreSQL connection pool and validates connectivity.
func OpenDB(databaseURL string) (*sql.DB, error) {
	if databaseURL == "" {
		return nil, errors.New("database URL is empty")
	}

	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

const recordColumns = `id, download_token, wrapped_key, blob_ref, filename, size_bytes,
	content_type, created_at, expires_at, downloaded_at, download_count, state`

func (s *PostgresStore) Create(ctx context.Context, p CreateParams) (FileRecord, error) {
	if p.TTL <= 0 {
		return FileRecord{}, ErrInvalidTTL
	}

	token, err := NewToken()
	if err != nil {
		return FileRecord{}, err
	}

	now := s.now()
	rec := FileRecord{
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

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO files (id, download_token, wrapped_key, blob_ref, filename, size_bytes,
			content_type, created_at, expires_at, download_count, state)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 0, $10)
	`, rec.ID, rec.Token, rec.WrappedKey, rec.BlobRef, rec.Filename, rec.Size,
		rec.ContentType, rec.CreatedAt, rec.ExpiresAt, rec.State)
	if err != nil {
		return FileRecord{}, fmt.Errorf("insert file record: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) Redeem(ctx context.Context, token string) (FileRecord, error) {
	now := s.now()

	// The single indivisible check-and-transition. Affecting zero rows
	// means some other caller or the sweeper won, or the token is bad;
	// the follow-up read only classifies the loss.
	row := s.db.QueryRowContext(ctx, `
		UPDATE files
		SET state = $1, download_count = download_count + 1, downloaded_at = $2
		WHERE download_token = $3 AND state = $4 AND expires_at > $2
		RETURNING `+recordColumns,
		StateConsumed, now, token, StateActive)

	rec, err := scanRecord(row)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return FileRecord{}, fmt.Errorf("redeem: %w", err)
	}

	cur, err := s.Get(ctx, token)
	if err != nil {
		return FileRecord{}, err
	}
	if cErr := classify(cur, now); cErr != nil {
		return FileRecord{}, cErr
	}
	// The record still looks redeemable on the follow-up read, yet the
	// conditional update affected nothing. Surface it as a transient
	// conflict so the caller's retry goes back through the CAS.
	return FileRecord{}, fmt.Errorf("redeem %s: conditional update conflicted", cur.ID)
}

func (s *PostgresStore) Get(ctx context.Context, token string) (FileRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM files WHERE download_token = $1`, token)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return FileRecord{}, ErrNotFound
	}
	if err != nil {
		return FileRecord{}, fmt.Errorf("get file record: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) ExpireDue(ctx context.Context) ([]FileRecord, error) {
	now := s.now()
	rows, err := s.db.QueryContext(ctx, `
		UPDATE files
		SET state = $1
		WHERE state = $2 AND expires_at <= $3
		RETURNING `+recordColumns,
		StateExpired, StateActive, now)
	if err != nil {
		return nil, fmt.Errorf("expire due: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (s *PostgresStore) ListReclaimable(ctx context.Context, limit int) ([]FileRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM files
		WHERE state IN ($1, $2)
		ORDER BY created_at
		LIMIT $3
	`, StateConsumed, StateExpired, limit)
	if err != nil {
		return nil, fmt.Errorf("list reclaimable: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (s *PostgresStore) MarkDeleted(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE files SET state = $1 WHERE id = $2 AND state IN ($3, $4)
	`, StateDeleted, id, StateConsumed, StateExpired)
	if err != nil {
		return false, fmt.Errorf("mark deleted: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}

	var state State
	err = s.db.QueryRowContext(ctx, `SELECT state FROM files WHERE id = $1`, id).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}
	if state == StateDeleted {
		return false, nil // already done; redundant sweep passes are no-ops
	}
	return false, fmt.Errorf("%w: %s -> deleted", ErrInvalidTransition, state)
}

func (s *PostgresStore) IsBlobReferenced(ctx context.Context, ref string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM files WHERE blob_ref = $1 AND state <> $2)
	`, ref, StateDeleted).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("blob reference check: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE state = $1),
			COUNT(*) FILTER (WHERE state = $2),
			COUNT(*) FILTER (WHERE state = $3),
			COUNT(*) FILTER (WHERE state = $4),
			COALESCE(SUM(size_bytes), 0)
		FROM files
	`, StateActive, StateConsumed, StateExpired, StateDeleted).Scan(
		&st.TotalFiles, &st.ActiveFiles, &st.ConsumedFiles,
		&st.ExpiredFiles, &st.DeletedFiles, &st.TotalBytes)
	if err != nil {
		return Stats{}, fmt.Errorf("ledger stats: %w", err)
	}
	return st, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (FileRecord, error) {
	var rec FileRecord
	var downloadedAt sql.NullTime
	err := row.Scan(&rec.ID, &rec.Token, &rec.WrappedKey, &rec.BlobRef, &rec.Filename,
		&rec.Size, &rec.ContentType, &rec.CreatedAt, &rec.ExpiresAt,
		&downloadedAt, &rec.DownloadCount, &rec.State)
	if err != nil {
		return FileRecord{}, err
	}
	if downloadedAt.Valid {
		t := downloadedAt.Time
		rec.DownloadedAt = &t
	}
	return rec, nil
}

func scanRecords(rows *sql.Rows) ([]FileRecord, error) {
	var recs []FileRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
