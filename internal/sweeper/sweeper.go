// Package sweeper drives expired and consumed records to their terminal
// state and reclaims their blobs. It runs on a fixed interval, is safe to
// run as multiple concurrent replicas, and stops cleanly between passes.
package sweeper

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"securebox/internal/audit"
	"securebox/internal/blob"
	"securebox/internal/cache"
	"securebox/internal/ledger"
	"securebox/internal/metrics"
)

// reclaimBatch bounds how many terminal records one pass works through.
const reclaimBatch = 100

// Sweeper owns the background lifecycle pass.
type Sweeper struct {
	records ledger.Store
	blobs   blob.Store
	auditor audit.Log
	meta    cache.MetaCache // optional
	m       *metrics.Metrics
	log     zerolog.Logger

	interval    time.Duration
	orphanGrace time.Duration
	now         func() time.Time
}

// Options configures a Sweeper.
type Options struct {
	Records ledger.Store
	Blobs   blob.Store
	Audit   audit.Log
	Meta    cache.MetaCache
	Metrics *metrics.Metrics
	Log     zerolog.Logger

	Interval    time.Duration
	OrphanGrace time.Duration
	Now         func() time.Time // nil selects UTC wall clock
}

// New builds a Sweeper.
func New(o Options) *Sweeper {
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Sweeper{
		records:     o.Records,
		blobs:       o.Blobs,
		auditor:     o.Audit,
		meta:        o.Meta,
		m:           o.Metrics,
		log:         o.Log,
		interval:    o.Interval,
		orphanGrace: o.OrphanGrace,
		now:         o.Now,
	}
}

// Report summarises one pass.
type Report struct {
	Expired   int // records moved active -> expired
	Reclaimed int // blobs deleted and records moved to deleted
	Orphans   int // unreferenced blobs removed
}

// Run executes passes on the configured interval until ctx is cancelled.
// The first pass runs immediately. Cancellation is honoured between
// passes, never mid-transition.
func (s *Sweeper) Run(ctx context.Context) {
	s.log.Info().Dur("interval", s.interval).Msg("sweeper starting")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.runAndLog(ctx)
	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("sweeper shutting down")
			return
		case <-ticker.C:
			s.runAndLog(ctx)
		}
	}
}

func (s *Sweeper) runAndLog(ctx context.Context) {
	start := time.Now()
	report, err := s.RunOnce(ctx)
	ev := s.log.Info()
	if err != nil {
		ev = s.log.Warn().Err(err)
	}
	ev.Int("expired", report.Expired).
		Int("reclaimed", report.Reclaimed).
		Int("orphans", report.Orphans).
		Dur("duration", time.Since(start)).
		Msg("sweep pass complete")
}

// RunOnce performs a single pass: expire overdue records, reclaim blobs of
// terminal records, then delete orphan blobs. Every mutation goes through
// the ledger's conditional primitives, so a concurrent pass doing the same
// work produces redundant no-ops rather than duplicate effects.
func (s *Sweeper) RunOnce(ctx context.Context) (Report, error) {
	var report Report
	var errs []error

	expired, err := s.records.ExpireDue(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	for _, rec := range expired {
		report.Expired++
		s.auditor.Append(ctx, audit.Entry{
			FileID: rec.ID,
			Op:     audit.OpExpire,
			Metadata: map[string]any{
				"expired_at": rec.ExpiresAt,
			},
		})
		s.invalidate(ctx, rec.Token)
	}

	reclaimable, err := s.records.ListReclaimable(ctx, reclaimBatch)
	if err != nil {
		errs = append(errs, err)
	}
	for _, rec := range reclaimable {
		// Blob first, record second: a crash in between leaves a terminal
		// record whose delete is retried next pass, never a live record
		// pointing at a removed blob.
		if err := s.blobs.Delete(ctx, rec.BlobRef); err != nil {
			s.log.Warn().Err(err).Str("file_id", rec.ID.String()).Msg("blob reclaim failed")
			errs = append(errs, err)
			continue
		}
		did, err := s.records.MarkDeleted(ctx, rec.ID)
		if err != nil {
			s.log.Warn().Err(err).Str("file_id", rec.ID.String()).Msg("mark deleted failed")
			errs = append(errs, err)
			continue
		}
		if !did {
			// A concurrent replica already finished this record.
			continue
		}
		report.Reclaimed++
		s.auditor.Append(ctx, audit.Entry{
			FileID: rec.ID,
			Op:     audit.OpDelete,
			Metadata: map[string]any{
				"prior_state": string(rec.State),
				"size":        rec.Size,
			},
		})
		s.invalidate(ctx, rec.Token)
	}

	orphans, err := s.reconcileOrphans(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	report.Orphans = orphans

	if s.m != nil {
		s.m.RecordSweep(report.Expired, report.Reclaimed, report.Orphans)
	}
	return report, errors.Join(errs...)
}

// reconcileOrphans removes blobs no ledger record claims. The grace window
// keeps it from racing an in-flight upload whose record has not landed yet.
func (s *Sweeper) reconcileOrphans(ctx context.Context) (int, error) {
	infos, err := s.blobs.List(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := s.now().Add(-s.orphanGrace)
	deleted := 0
	for _, info := range infos {
		if info.ModTime.After(cutoff) {
			continue
		}
		referenced, err := s.records.IsBlobReferenced(ctx, info.Ref)
		if err != nil {
			return deleted, err
		}
		if referenced {
			continue
		}
		if err := s.blobs.Delete(ctx, info.Ref); err != nil {
			s.log.Warn().Err(err).Str("blob_ref", info.Ref).Msg("orphan delete failed")
			continue
		}
		deleted++
		s.log.Info().Str("blob_ref", info.Ref).Int64("size", info.Size).Msg("orphan blob reclaimed")
	}
	return deleted, nil
}

func (s *Sweeper) invalidate(ctx context.Context, token string) {
	if s.meta != nil {
		s.meta.Invalidate(ctx, token)
	}
}
