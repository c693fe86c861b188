// Package apply implements the application worker (spec §4.9): resolves
// the calibration registry entry covering a calibrated measurement set's
// mid-time, detects whether its spectral-window count disagrees with
// the solution set it was solved against, and — only in that case —
// computes the caller-side SPW mapping before invoking the external
// applier. This is the one place the SPW-mapping Open Question resolved
// to (see DESIGN.md): the apply worker owns detection and mapping
// because it is the only stage that ever has both measurement sets'
// metadata in hand at once.
package apply

import (
	"context"
	"time"

	"github.com/dsa110/contimg/internal/calregistry"
	"github.com/dsa110/contimg/internal/cerrors"
	"github.com/dsa110/contimg/internal/external"
	"github.com/dsa110/contimg/internal/fsutil"
	"github.com/dsa110/contimg/internal/obslog"
	"github.com/dsa110/contimg/internal/store"
	"github.com/dsa110/contimg/internal/timeutil"
)

// Config controls registry fallback and apply invocation tuning.
type Config struct {
	FallbackStaleDays     float64
	InterpMode            string
	ApplyTimeout          time.Duration
	GroupToleranceSeconds float64
}

// Worker applies a resolved calibration solution to a group's
// measurement sets.
type Worker struct {
	st      *store.Store
	applier external.Applier
	fs      fsutil.FileSystem
	clock   timeutil.Clock
	cfg     Config
}

// NewWorker creates a Worker. fs defaults to fsutil.OSFileSystem{} and
// clock to timeutil.RealClock{} when nil.
func NewWorker(st *store.Store, applier external.Applier, fs fsutil.FileSystem, clock timeutil.Clock, cfg Config) *Worker {
	if fs == nil {
		fs = fsutil.OSFileSystem{}
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Worker{st: st, applier: applier, fs: fs, clock: clock, cfg: cfg}
}

// ProcessGroup resolves the calibration registry entry covering g's
// measurement set, applies it (computing an SPW mapping first if the
// set's SPW count disagrees with the group's own), and advances g to
// store.GroupApplied on success.
func (w *Worker) ProcessGroup(ctx context.Context, g *store.Group) error {
	entries, err := w.st.ListMSIndexByGroup(ctx, g.GroupID)
	if err != nil {
		return cerrors.Wrap(cerrors.Unexpected, "list ms_index entries for group", err).WithContext("group_id", g.GroupID)
	}
	if len(entries) == 0 {
		return cerrors.New(cerrors.CorruptInput, "group has no measurement set to apply calibration to").WithContext("group_id", g.GroupID)
	}
	entry := entries[0]

	resolution, err := calregistry.RequireResolve(ctx, w.st, entry.MidMJD, w.cfg.FallbackStaleDays)
	if err != nil {
		return err
	}

	subbands, err := w.st.ListGroupedSubBandsNear(ctx, g.TimestampISO, w.cfg.GroupToleranceSeconds)
	if err != nil {
		return cerrors.Wrap(cerrors.Unexpected, "list grouped sub-bands to determine SPW count", err).WithContext("group_id", g.GroupID)
	}
	targetSPWCount := len(subbands)

	applyCfg := external.ApplyConfig{InterpMode: w.cfg.InterpMode, Timeout: w.cfg.ApplyTimeout}
	if resolution.Set.SPWCount > 0 && targetSPWCount > 0 && resolution.Set.SPWCount != targetSPWCount {
		applyCfg.SPWMap = computeSPWMapping(targetSPWCount, resolution.Set.SPWCount)
		obslog.Logf("apply: group %s SPW count mismatch (target=%d, solution=%d), mapped %d entries",
			g.GroupID, targetSPWCount, resolution.Set.SPWCount, len(applyCfg.SPWMap))
	}

	tablePaths := orderedTablePaths(resolution.Set.Tables)
	if err := w.applier.Apply(ctx, entry.Path, tablePaths, applyCfg); err != nil {
		return cerrors.Wrap(cerrors.Calibration, "apply calibration solution", err).
			WithContext("group_id", g.GroupID).WithContext("solution_set", resolution.Set.SetName)
	}

	if err := validateApplied(w.fs, entry.Path); err != nil {
		return cerrors.Wrap(cerrors.CorruptInput, "validate applied measurement set", err).WithContext("group_id", g.GroupID)
	}

	if err := w.st.AdvanceMSStage(ctx, entry.Path, store.MSStageApplied, "ok"); err != nil {
		return cerrors.Wrap(cerrors.Unexpected, "advance ms_index stage", err).WithContext("group_id", g.GroupID)
	}
	if err := w.st.AdvanceGroupState(ctx, g.GroupID, store.GroupApplied); err != nil {
		return cerrors.Wrap(cerrors.Unexpected, "advance group state", err).WithContext("group_id", g.GroupID)
	}

	if resolution.Stale {
		obslog.Logf("apply: group %s applied stale solution set %s", g.GroupID, resolution.Set.SetName)
	}
	return nil
}

// orderedTablePaths returns the calibration tables in the fixed
// delay/bandpass/gain application order, skipping any stage the
// solution set did not carry a table for.
func orderedTablePaths(tables map[string]string) []string {
	order := []string{"delay", "bandpass", "gain"}
	out := make([]string, 0, len(order))
	for _, kind := range order {
		if path, ok := tables[kind]; ok {
			out = append(out, path)
		}
	}
	return out
}
