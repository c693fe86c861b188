// Package convert implements the conversion worker (spec §4.6): turns a
// completed (or deadline-expired partial) group of sub-band files into one
// staged measurement set, picking a writer strategy by total input size,
// validating the result, and cleaning up its tmpfs staging area. The
// worker's shape (acquire precondition data, run, validate, advance
// store state, clean up) follows the teacher's `TransitWorker.RunRange`
// sequencing in `internal/db`, rebuilt against this repo's own tables.
package convert

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/dsa110/contimg/internal/astro"
	"github.com/dsa110/contimg/internal/cerrors"
	"github.com/dsa110/contimg/internal/fsutil"
	"github.com/dsa110/contimg/internal/lockmgr"
	"github.com/dsa110/contimg/internal/obslog"
	"github.com/dsa110/contimg/internal/store"
	"github.com/dsa110/contimg/internal/timeutil"
)

// Config controls writer-strategy selection and staging paths (spec
// §6.9's conversion-specific settings).
type Config struct {
	TmpfsRoot             string
	StagingDir            string
	TmpfsSafeBudgetBytes  int64
	MonolithicSizeCeiling int64
	ParallelWorkers       int
	GroupToleranceSeconds float64
}

// Worker converts one group at a time when driven by a workerpool.Pool.
type Worker struct {
	st    *store.Store
	fs    fsutil.FileSystem
	clock timeutil.Clock
	locks *lockmgr.Manager
	cfg   Config
}

// NewWorker creates a Worker. fs defaults to fsutil.OSFileSystem{} and
// clock to timeutil.RealClock{} when nil.
func NewWorker(st *store.Store, fs fsutil.FileSystem, clock timeutil.Clock, locks *lockmgr.Manager, cfg Config) *Worker {
	if fs == nil {
		fs = fsutil.OSFileSystem{}
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Worker{st: st, fs: fs, clock: clock, locks: locks, cfg: cfg}
}

// ProcessGroup converts g's member sub-bands into a staged measurement
// set, validates it, records it in ms_index, and advances g to
// store.GroupConverted. On any failure it returns a typed *cerrors.Error
// so the caller's queue.Decide can classify the retry.
func (w *Worker) ProcessGroup(ctx context.Context, g *store.Group) error {
	subbands, err := w.st.ListGroupedSubBandsNear(ctx, g.TimestampISO, w.cfg.GroupToleranceSeconds)
	if err != nil {
		return cerrors.Wrap(cerrors.Conversion, "list grouped sub-bands", err).WithContext("group_id", g.GroupID)
	}
	if len(subbands) == 0 {
		return cerrors.New(cerrors.CorruptInput, "group has no grouped sub-bands to convert").WithContext("group_id", g.GroupID)
	}

	var totalSize int64
	for _, sb := range subbands {
		totalSize += sb.SizeBytes
	}

	lock, err := w.locks.Acquire("convert_" + g.GroupID)
	if err != nil {
		return cerrors.Wrap(cerrors.TransientIO, "acquire conversion lock", err).WithContext("group_id", g.GroupID)
	}
	defer lock.Release()

	stageDir, err := newStagingDir(w.fs, w.cfg.TmpfsRoot, g.GroupID)
	if err != nil {
		return cerrors.Wrap(cerrors.ResourceExhaustion, "create tmpfs staging directory", err).WithContext("group_id", g.GroupID)
	}
	defer cleanupStagingDir(ctx, w.fs, stageDir)

	msPath := filepath.Join(w.cfg.StagingDir, g.GroupID+".ms")
	strategy := pickStrategy(totalSize, w.cfg)
	if err := strategy.Write(ctx, w.fs, subbands, stageDir, msPath); err != nil {
		return cerrors.Wrap(cerrors.Conversion, fmt.Sprintf("write measurement set via %s strategy", strategy.Name()), err).
			WithContext("group_id", g.GroupID).WithContext("strategy", strategy.Name())
	}

	startMJD, endMJD, midMJD := timeSpanMJD(subbands)
	if err := validateConverted(w.fs, msPath, subbands, midMJD); err != nil {
		return cerrors.Wrap(cerrors.CorruptInput, "validate converted measurement set", err).WithContext("group_id", g.GroupID)
	}

	if err := w.st.InsertMSIndex(ctx, store.MSIndexEntry{
		Path: msPath, StartMJD: startMJD, EndMJD: endMJD, MidMJD: midMJD,
		Stage: store.MSStageConverted, Status: "ok", ParentGroupID: g.GroupID,
		UpdatedAt: w.clock.Now(),
	}); err != nil {
		return cerrors.Wrap(cerrors.Conversion, "record ms_index entry", err).WithContext("group_id", g.GroupID)
	}

	if err := w.st.AdvanceGroupState(ctx, g.GroupID, store.GroupConverted); err != nil {
		return cerrors.Wrap(cerrors.Conversion, "advance group state", err).WithContext("group_id", g.GroupID)
	}

	obslog.Logf("convert: group %s converted to %s via %s (%d bytes, %d sub-bands)",
		g.GroupID, msPath, strategy.Name(), totalSize, len(subbands))
	return nil
}

func timeSpanMJD(subbands []store.SubBand) (startMJD, endMJD, midMJD float64) {
	var min, max time.Time
	for i, sb := range subbands {
		ts, err := time.Parse(time.RFC3339, sb.TimestampISO)
		if err != nil {
			continue
		}
		if i == 0 || ts.Before(min) {
			min = ts
		}
		if i == 0 || ts.After(max) {
			max = ts
		}
	}
	startMJD = astro.TimeToMJD(min)
	endMJD = astro.TimeToMJD(max)
	midMJD = (startMJD + endMJD) / 2
	return
}
