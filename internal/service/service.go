// Package service wires the key manager, cipher pipeline, blob store,
// ledger, and audit log into the three operations the HTTP layer exposes:
// upload, redeem, status.
package service

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"securebox/internal/audit"
	"securebox/internal/blob"
	"securebox/internal/cache"
	"securebox/internal/crypt"
	"securebox/internal/keys"
	"securebox/internal/ledger"
	"securebox/internal/metrics"
)

// Service owns the upload and delivery flows. All collaborators are passed
// in; it keeps no global state.
type Service struct {
	keys    *keys.Manager
	blobs   blob.Store
	records ledger.Store
	auditor audit.Log
	meta    cache.MetaCache // optional; nil disables caching
	m       *metrics.Metrics
	log     zerolog.Logger

	chunkSize  int
	defaultTTL time.Duration
	maxTTL     time.Duration
	now        func() time.Time
}

// Options configures a Service.
type Options struct {
	Keys      *keys.Manager
	Blobs     blob.Store
	Records   ledger.Store
	Audit     audit.Log
	MetaCache cache.MetaCache
	Metrics   *metrics.Metrics
	Log       zerolog.Logger

	ChunkSize  int
	DefaultTTL time.Duration
	MaxTTL     time.Duration
	Now        func() time.Time // nil selects UTC wall clock
}

// New builds a Service from its collaborators.
func New(o Options) *Service {
	if o.ChunkSize <= 0 {
		o.ChunkSize = crypt.DefaultChunkSize
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		keys:       o.Keys,
		blobs:      o.Blobs,
		records:    o.Records,
		auditor:    o.Audit,
		meta:       o.MetaCache,
		m:          o.Metrics,
		log:        o.Log,
		chunkSize:  o.ChunkSize,
		defaultTTL: o.DefaultTTL,
		maxTTL:     o.MaxTTL,
		now:        o.Now,
	}
}

// ErrConflictingProtection rejects uploads that ask for more than one
// protection mode at once.
var ErrConflictingProtection = errors.New("choose either a password or a recipient key, not both")

// UploadRequest describes one incoming file. The plaintext size is not
// declared up front; it is measured as the body streams through.
type UploadRequest struct {
	Filename    string
	ContentType string
	Body        io.Reader
	TTL         time.Duration // 0 selects the configured default
	// RecipientKey switches the key wrap to hybrid mode: only the holder
	// of the matching private key will be able to redeem.
	RecipientKey *rsa.PublicKey
	// Password switches the key wrap to password mode: only a redeemer
	// presenting the same password will be able to redeem. Mutually
	// exclusive with RecipientKey.
	Password string
}

// UploadResult is what the uploader gets back. The token is the only way
// to ever retrieve the file.
type UploadResult struct {
	FileID    string
	Token     string
	ExpiresAt time.Time
}

// Upload encrypts the payload, persists the ciphertext, and opens the
// ledger record. The blob is written before the record so the only
// possible failure artifact is an orphan blob, which the sweeper reclaims.
func (s *Service) Upload(ctx context.Context, req UploadRequest) (UploadResult, error) {
	ttl := req.TTL
	if ttl == 0 {
		ttl = s.defaultTTL
	}
	if ttl < 0 {
		return UploadResult{}, ledger.ErrInvalidTTL
	}
	if s.maxTTL > 0 && ttl > s.maxTTL {
		ttl = s.maxTTL
	}

	if req.Password != "" && req.RecipientKey != nil {
		return UploadResult{}, ErrConflictingProtection
	}
	var rawKey, wrappedKey []byte
	var err error
	if req.Password != "" {
		rawKey, wrappedKey, err = s.keys.GenerateWithPassword(req.Password)
	} else {
		rawKey, wrappedKey, err = s.keys.GenerateFor(req.RecipientKey)
	}
	if err != nil {
		return UploadResult{}, fmt.Errorf("generate key: %w", err)
	}

	// Count plaintext as the encryptor pulls it; the ledger gets the
	// measured size, not a caller-declared one.
	counter := &countingReader{r: req.Body}
	enc, err := crypt.NewEncryptor(rawKey, counter, s.chunkSize)
	if err != nil {
		return UploadResult{}, fmt.Errorf("init encryptor: %w", err)
	}

	// Stable, non-guessable object reference.
	blobRef := uuid.NewString()
	if err := s.blobs.Put(ctx, blobRef, enc, -1); err != nil {
		return UploadResult{}, err
	}

	rec, err := s.records.Create(ctx, ledger.CreateParams{
		Filename:    req.Filename,
		Size:        counter.n,
		ContentType: req.ContentType,
		WrappedKey:  wrappedKey,
		BlobRef:     blobRef,
		TTL:         ttl,
	})
	if err != nil {
		// The ledger commit failed after the blob landed. Reclaim eagerly;
		// if this delete fails too, the orphan sweep picks it up.
		if delErr := s.blobs.Delete(ctx, blobRef); delErr != nil {
			s.log.Warn().Err(delErr).Str("blob_ref", blobRef).
				Msg("orphan blob left behind after failed record create")
		}
		return UploadResult{}, err
	}

	s.auditor.Append(ctx, audit.Entry{
		FileID: rec.ID,
		Op:     audit.OpCreate,
		Metadata: map[string]any{
			"filename": rec.Filename,
			"size":     rec.Size,
			"ttl":      ttl.String(),
			"hybrid":   req.RecipientKey != nil,
			"password": req.Password != "",
		},
	})
	s.cacheMeta(ctx, rec)
	if s.m != nil {
		s.m.RecordUpload(rec.Size)
	}

	s.log.Info().
		Str("file_id", rec.ID.String()).
		Int64("size", rec.Size).
		Time("expires_at", rec.ExpiresAt).
		Msg("file uploaded")

	return UploadResult{
		FileID:    rec.ID.String(),
		Token:     rec.Token,
		ExpiresAt: rec.ExpiresAt,
	}, nil
}

// Credentials carries what a redeemer presents beyond the token.
type Credentials struct {
	// PrivateKey unwraps hybrid-wrapped files. Ignored for other modes.
	PrivateKey *rsa.PrivateKey
	// Password unwraps password-wrapped files. Ignored for other modes.
	Password string
}

// Delivery is the decrypted file handed to exactly one redeemer.
type Delivery struct {
	Body        io.ReadCloser
	Filename    string
	Size        int64
	ContentType string
}

// Redeem retrieves a file by token, at most once ever.
//
// The flow is verify-then-consume: the ciphertext is first streamed through
// tag verification without releasing plaintext, so corrupt data fails the
// request while the record is still Active and the token remains unspent.
// Only after the blob verifies does the ledger's conditional transition
// fire; among concurrent redeemers exactly one passes it. The winner then
// streams the (just verified) blob out through the decryptor.
func (s *Service) Redeem(ctx context.Context, token string, creds Credentials) (Delivery, error) {
	rec, err := s.records.Get(ctx, token)
	if err != nil {
		s.countRedeemFailure(err)
		return Delivery{}, err
	}
	if err := s.precheck(rec); err != nil {
		s.countRedeemFailure(err)
		return Delivery{}, err
	}

	rawKey, err := s.keys.Unwrap(rec.WrappedKey, keys.Credentials{
		PrivateKey: creds.PrivateKey,
		Password:   creds.Password,
	})
	if err != nil {
		s.countRedeemFailure(err)
		return Delivery{}, err
	}

	if err := s.verifyBlob(ctx, rec.BlobRef, rawKey); err != nil {
		if errors.Is(err, crypt.ErrCorruptData) {
			// Genuinely unrecoverable; the token is deliberately left
			// unspent because nothing was delivered.
			s.log.Error().
				Str("file_id", rec.ID.String()).
				Str("blob_ref", rec.BlobRef).
				Msg("ciphertext failed verification")
		}
		s.countRedeemFailure(err)
		return Delivery{}, err
	}

	// The linearization point: exactly one concurrent caller gets past
	// this, everyone else observes the terminal state.
	won, err := s.records.Redeem(ctx, token)
	if err != nil {
		s.countRedeemFailure(err)
		return Delivery{}, err
	}

	rc, err := s.blobs.Get(ctx, won.BlobRef)
	if err != nil {
		// Consumed but undeliverable; surfaced as a storage failure.
		return Delivery{}, err
	}
	dec, err := crypt.NewDecryptor(rawKey, rc)
	if err != nil {
		_ = rc.Close()
		return Delivery{}, err
	}

	s.auditor.Append(ctx, audit.Entry{
		FileID: won.ID,
		Op:     audit.OpRedeem,
		Metadata: map[string]any{
			"filename":       won.Filename,
			"download_count": won.DownloadCount,
		},
	})
	s.invalidateMeta(ctx, token)
	if s.m != nil {
		s.m.RecordDownload(won.Size)
	}

	s.log.Info().
		Str("file_id", won.ID.String()).
		Msg("file redeemed")

	return Delivery{
		Body:        readCloser{Reader: dec, Closer: rc},
		Filename:    won.Filename,
		Size:        won.Size,
		ContentType: won.ContentType,
	}, nil
}

// StatusInfo is the public view of a record. It never carries key material.
type StatusInfo struct {
	State         ledger.State
	Filename      string
	Size          int64
	ContentType   string
	ExpiresAt     time.Time
	DownloadCount int
}

// Status reports a record's metadata, preferring the metadata cache.
func (s *Service) Status(ctx context.Context, token string) (StatusInfo, error) {
	if s.meta != nil {
		if m, ok := s.meta.Get(ctx, token); ok {
			return StatusInfo{
				State:         ledger.State(m.State),
				Filename:      m.Filename,
				Size:          m.Size,
				ContentType:   m.ContentType,
				ExpiresAt:     m.ExpiresAt,
				DownloadCount: m.DownloadCount,
			}, nil
		}
	}

	rec, err := s.records.Get(ctx, token)
	if err != nil {
		return StatusInfo{}, err
	}
	s.cacheMeta(ctx, rec)
	return StatusInfo{
		State:         rec.State,
		Filename:      rec.Filename,
		Size:          rec.Size,
		ContentType:   rec.ContentType,
		ExpiresAt:     rec.ExpiresAt,
		DownloadCount: rec.DownloadCount,
	}, nil
}

// Stats exposes aggregate ledger counts for the stats endpoint.
func (s *Service) Stats(ctx context.Context) (ledger.Stats, error) {
	return s.records.Stats(ctx)
}

// precheck classifies obviously unredeemable records before any blob I/O.
// The conditional transition remains the authoritative gate.
func (s *Service) precheck(rec ledger.FileRecord) error {
	switch rec.State {
	case ledger.StateActive:
		if !s.now().Before(rec.ExpiresAt) {
			return ledger.ErrExpired
		}
		return nil
	case ledger.StateConsumed:
		return ledger.ErrAlreadyConsumed
	case ledger.StateExpired:
		return ledger.ErrExpired
	default:
		if rec.DownloadCount > 0 {
			return ledger.ErrAlreadyConsumed
		}
		return ledger.ErrExpired
	}
}

func (s *Service) verifyBlob(ctx context.Context, ref string, rawKey []byte) error {
	rc, err := s.blobs.Get(ctx, ref)
	if err != nil {
		return err
	}
	defer func() { _ = rc.Close() }()
	return crypt.Verify(rawKey, rc)
}

func (s *Service) cacheMeta(ctx context.Context, rec ledger.FileRecord) {
	if s.meta == nil {
		return
	}
	ttl := rec.ExpiresAt.Sub(s.now())
	s.meta.Set(ctx, rec.Token, cache.Meta{
		State:         string(rec.State),
		Filename:      rec.Filename,
		Size:          rec.Size,
		ContentType:   rec.ContentType,
		ExpiresAt:     rec.ExpiresAt,
		DownloadCount: rec.DownloadCount,
	}, ttl)
}

func (s *Service) invalidateMeta(ctx context.Context, token string) {
	if s.meta != nil {
		s.meta.Invalidate(ctx, token)
	}
}

func (s *Service) countRedeemFailure(err error) {
	if s.m == nil {
		return
	}
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		s.m.RecordRedeemFailure("not_found")
	case errors.Is(err, ledger.ErrExpired):
		s.m.RecordRedeemFailure("expired")
	case errors.Is(err, ledger.ErrAlreadyConsumed):
		s.m.RecordRedeemFailure("already_consumed")
	case errors.Is(err, crypt.ErrCorruptData):
		s.m.RecordRedeemFailure("corrupt_data")
	case errors.Is(err, keys.ErrKeyUnwrap):
		s.m.RecordRedeemFailure("key_unwrap")
	default:
		s.m.RecordRedeemFailure("storage")
	}
}

type readCloser struct {
	io.Reader
	io.Closer
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
