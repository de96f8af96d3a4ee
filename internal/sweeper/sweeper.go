// Package sweeper physically removes files that are no longer referenced:
// entries marked obsolete by a redeploy or teardown, and entries whose tenant
// is gone. The blob goes first and the index row second, so a row is only
// ever dropped once nothing is left behind it.
package sweeper

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/keithlinneman/linnemanlabs-sites/internal/blob"
	"github.com/keithlinneman/linnemanlabs-sites/internal/log"
	"github.com/keithlinneman/linnemanlabs-sites/internal/store"
)

const (
	DefaultInterval = 60 * time.Second

	// maxBackoff caps exponential backoff on consecutive listing errors.
	maxBackoff = 5 * time.Minute
)

// Metrics is implemented by the metrics package.
type Metrics interface {
	IncSweepRuns()
	AddSweptFiles(n int)
	IncSweepError(errType string)
	SetSweepLastSuccess(t time.Time)
}

// Source is the store access the sweeper needs.
type Source interface {
	SweepCandidates(ctx context.Context, fn func(store.FileEntry) error) error
	DeleteFile(ctx context.Context, id int64) error
}

type Options struct {
	Logger   log.Logger
	Store    Source
	Blobs    blob.Store
	Interval time.Duration
	Metrics  Metrics
}

// Stats summarizes one pass.
type Stats struct {
	Candidates int
	Removed    int
	BlobErrors int
	RowErrors  int
}

type Sweeper struct {
	store    Source
	blobs    blob.Store
	logger   log.Logger
	interval time.Duration
	metrics  Metrics

	consecutiveErrs int
	runs            int64
	removed         int64
}

func New(opts Options) *Sweeper {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Sweeper{
		store:    opts.Store,
		blobs:    opts.Blobs,
		logger:   opts.Logger,
		interval: interval,
		metrics:  opts.Metrics,
	}
}

// Run sweeps every interval until ctx is cancelled.
// Intended to be launched as: go sweeper.Run(ctx)
func (s *Sweeper) Run(ctx context.Context) error {
	s.logger.Info(ctx, "sweeper starting", "interval", s.interval.String())

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info(ctx, "sweeper stopping",
				"reason", ctx.Err(),
				"runs", s.runs,
				"removed", s.removed,
			)
			return ctx.Err()
		case <-ticker.C:
			_, err := s.SweepOnce(ctx)
			if ctx.Err() != nil {
				continue
			}

			if err != nil {
				s.consecutiveErrs++
				backoff := s.backoffDuration()
				s.logger.Warn(ctx, "sweeper: backing off",
					"consecutive_errors", s.consecutiveErrs,
					"next_sweep_in", backoff.String(),
				)
				ticker.Reset(backoff)
			} else if s.consecutiveErrs > 0 {
				s.logger.Info(ctx, "sweeper: recovered, resuming normal interval",
					"had_consecutive_errors", s.consecutiveErrs,
				)
				s.consecutiveErrs = 0
				ticker.Reset(s.interval)
			}
		}
	}
}

// SweepOnce runs a single pass. Per-file failures are counted and logged but
// do not stop the pass; the returned error is a failure to list candidates.
func (s *Sweeper) SweepOnce(ctx context.Context) (Stats, error) {
	s.runs++
	if s.metrics != nil {
		s.metrics.IncSweepRuns()
	}

	var st Stats
	err := s.store.SweepCandidates(ctx, func(f store.FileEntry) error {
		st.Candidates++
		s.sweepFile(ctx, f, &st)
		return ctx.Err()
	})

	s.removed += int64(st.Removed)
	if s.metrics != nil && st.Removed > 0 {
		s.metrics.AddSweptFiles(st.Removed)
	}
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error(ctx, err, "sweeper: listing candidates failed")
			if s.metrics != nil {
				s.metrics.IncSweepError("list")
			}
		}
		return st, err
	}

	if s.metrics != nil {
		s.metrics.SetSweepLastSuccess(time.Now())
	}
	if st.Candidates > 0 {
		s.logger.Info(ctx, "sweeper: pass complete",
			"candidates", st.Candidates,
			"removed", st.Removed,
			"blob_errors", st.BlobErrors,
			"row_errors", st.RowErrors,
		)
	}
	return st, nil
}

// sweepFile removes one blob and then its row. A missing blob counts as
// removed; any other blob error keeps the row for the next pass.
func (s *Sweeper) sweepFile(ctx context.Context, f store.FileEntry, st *Stats) {
	if err := s.blobs.Delete(ctx, f.Location); err != nil && !errors.Is(err, blob.ErrNotFound) {
		st.BlobErrors++
		s.logger.Warn(ctx, "sweeper: blob not removed, keeping index row",
			"file_id", f.ID,
			"location", f.Location,
			"err", err,
		)
		if s.metrics != nil {
			s.metrics.IncSweepError("blob")
		}
		return
	}

	if err := s.store.DeleteFile(ctx, f.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		st.RowErrors++
		s.logger.Warn(ctx, "sweeper: index row not removed, will retry",
			"file_id", f.ID,
			"location", f.Location,
			"err", err,
		)
		if s.metrics != nil {
			s.metrics.IncSweepError("row")
		}
		return
	}
	st.Removed++
}

// backoffDuration computes exponential backoff capped at maxBackoff.
// consecutiveErrs=1 → 2x interval, =2 → 4x, =3 → 8x, etc.
func (s *Sweeper) backoffDuration() time.Duration {
	mult := math.Pow(2, float64(s.consecutiveErrs))
	d := time.Duration(float64(s.interval) * mult)
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}
