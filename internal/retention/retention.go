// Package retention applies the configured age policy to old pipeline
// artifacts: converted measurement sets whose stage has reached done are
// removed from disk after ms_retention_days, image products after
// image_retention_days. Index rows for purged measurement sets survive
// with status=purged for audit; purged image rows are deleted so mosaic
// planning can never select a tile whose file is gone. Published mosaics
// are never swept — they are the pipeline's output, not an intermediate.
package retention

import (
	"context"
	"time"

	"github.com/dsa110/contimg/internal/fsutil"
	"github.com/dsa110/contimg/internal/obslog"
	"github.com/dsa110/contimg/internal/store"
	"github.com/dsa110/contimg/internal/timeutil"
)

// Config carries the sweep cadence and per-artifact-class retention
// windows. A zero or negative window disables the sweep for that class.
type Config struct {
	MSRetention    time.Duration
	ImageRetention time.Duration
	Interval       time.Duration
}

// Sweeper removes aged artifacts on a ticker, sharing the queue
// watchdog's run-loop shape so a stage process can host both.
type Sweeper struct {
	st    *store.Store
	fs    fsutil.FileSystem
	clock timeutil.Clock
	cfg   Config
}

// NewSweeper creates a Sweeper. fs defaults to fsutil.OSFileSystem{} and
// clock to timeutil.RealClock{} when nil.
func NewSweeper(st *store.Store, fs fsutil.FileSystem, clock timeutil.Clock, cfg Config) *Sweeper {
	if fs == nil {
		fs = fsutil.OSFileSystem{}
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Sweeper{st: st, fs: fs, clock: clock, cfg: cfg}
}

// Run sweeps on the configured interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := s.clock.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			s.Sweep(ctx)
		}
	}
}

// Sweep performs one retention pass. Exported so tests and manual
// maintenance can trigger it synchronously.
func (s *Sweeper) Sweep(ctx context.Context) {
	now := s.clock.Now()
	if s.cfg.MSRetention > 0 {
		s.sweepMeasurementSets(ctx, now.Add(-s.cfg.MSRetention))
	}
	if s.cfg.ImageRetention > 0 {
		s.sweepImages(ctx, now.Add(-s.cfg.ImageRetention))
	}
}

// sweepMeasurementSets removes done measurement-set artifacts last
// touched before cutoff. The ms_index row is kept and marked purged: the
// unique-path invariant and the group's processing history both outlive
// the artifact itself.
func (s *Sweeper) sweepMeasurementSets(ctx context.Context, cutoff time.Time) {
	entries, err := s.st.ListDoneMSUpdatedBefore(ctx, cutoff)
	if err != nil {
		obslog.Logf("retention: list done measurement sets: %v", err)
		return
	}
	for _, e := range entries {
		if err := s.fs.RemoveAll(e.Path); err != nil {
			obslog.Logf("retention: remove measurement set %s: %v", e.Path, err)
			continue
		}
		if err := s.st.MarkMSPurged(ctx, e.Path); err != nil {
			obslog.Logf("retention: mark %s purged: %v", e.Path, err)
			continue
		}
		obslog.Logf("retention: purged measurement set %s (last updated %s)", e.Path, e.UpdatedAt.Format(time.RFC3339))
	}
}

// sweepImages removes image artifacts created before cutoff, deleting
// their rows so later mosaic planning never considers them.
func (s *Sweeper) sweepImages(ctx context.Context, cutoff time.Time) {
	images, err := s.st.ListImagesCreatedBefore(ctx, cutoff)
	if err != nil {
		obslog.Logf("retention: list aged images: %v", err)
		return
	}
	for _, img := range images {
		if err := s.fs.RemoveAll(img.Path); err != nil {
			obslog.Logf("retention: remove image %s: %v", img.Path, err)
			continue
		}
		if err := s.st.DeleteImage(ctx, img.Path); err != nil {
			obslog.Logf("retention: delete image row %s: %v", img.Path, err)
			continue
		}
		obslog.Logf("retention: purged image %s (created %s)", img.Path, img.CreatedAt.Format(time.RFC3339))
	}
}
