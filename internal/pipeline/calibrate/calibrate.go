// Package calibrate implements the calibration solver driver (spec
// §4.7): matches a converted measurement set's transit time against the
// calibrator catalog, and when it lands on a known calibrator, runs the
// external delay -> bandpass -> gain solve sequence and publishes the
// result to the calibration registry. Groups that are not calibrator
// transits pass through this stage unchanged — every group still
// advances through store.GroupCalibrated so the stage machine stays
// linear; only calibrator transits produce a new solution set.
package calibrate

import (
	"context"
	"fmt"
	"time"

	"github.com/dsa110/contimg/internal/calibrator"
	"github.com/dsa110/contimg/internal/cerrors"
	"github.com/dsa110/contimg/internal/external"
	"github.com/dsa110/contimg/internal/obslog"
	"github.com/dsa110/contimg/internal/store"
	"github.com/dsa110/contimg/internal/timeutil"
)

// Config controls calibrator matching tolerance and the solve sequence.
type Config struct {
	RefAntennaChain              []string
	FlaggingMaxFrac              float64
	PhaseCorrectionSolIntSeconds float64
	SolveTimeout                 time.Duration
	ValidityHours                float64
	CalibratorToleranceDeg       float64
	CalibratorDecToleranceDeg    float64
	GroupToleranceSeconds        float64
	TablesDir                    string
}

// Worker runs one group through calibrator matching and, when matched,
// the solve sequence.
type Worker struct {
	st       *store.Store
	solver   external.Solver
	populate external.ModelPopulator
	catalog  *calibrator.Catalog
	clock    timeutil.Clock
	cfg      Config
}

// NewWorker creates a Worker. catalog defaults to
// calibrator.DefaultCatalog() and clock to timeutil.RealClock{} when nil.
func NewWorker(st *store.Store, solver external.Solver, populate external.ModelPopulator, catalog *calibrator.Catalog, clock timeutil.Clock, cfg Config) *Worker {
	if catalog == nil {
		catalog = calibrator.DefaultCatalog()
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Worker{st: st, solver: solver, populate: populate, catalog: catalog, clock: clock, cfg: cfg}
}

// ProcessGroup runs g's converted measurement set through calibrator
// matching, solving and publishing a new solution set when it transits a
// known calibrator, and always advances g to store.GroupCalibrated.
func (w *Worker) ProcessGroup(ctx context.Context, g *store.Group) error {
	entries, err := w.st.ListMSIndexByGroup(ctx, g.GroupID)
	if err != nil {
		return cerrors.Wrap(cerrors.Calibration, "list ms_index entries for group", err).WithContext("group_id", g.GroupID)
	}
	if len(entries) == 0 {
		return cerrors.New(cerrors.CorruptInput, "group has no converted measurement set to calibrate").WithContext("group_id", g.GroupID)
	}
	entry := entries[0]

	subbands, err := w.st.ListGroupedSubBandsNear(ctx, g.TimestampISO, w.cfg.GroupToleranceSeconds)
	if err != nil {
		return cerrors.Wrap(cerrors.Calibration, "list grouped sub-bands for pointing", err).WithContext("group_id", g.GroupID)
	}
	if len(subbands) == 0 {
		return cerrors.New(cerrors.CorruptInput, "group has no sub-bands to determine pointing declination").WithContext("group_id", g.GroupID)
	}
	pointingDecDeg := subbands[0].PointingDecDeg

	match := w.catalog.Match(entry.MidMJD, pointingDecDeg, w.cfg.CalibratorToleranceDeg, w.cfg.CalibratorDecToleranceDeg)
	spwCount := len(subbands)
	if match == nil {
		if err := w.st.AdvanceGroupState(ctx, g.GroupID, store.GroupCalibrated); err != nil {
			return cerrors.Wrap(cerrors.Calibration, "advance group state", err).WithContext("group_id", g.GroupID)
		}
		obslog.Logf("calibrate: group %s is not a calibrator transit, passing through", g.GroupID)
		return nil
	}

	set, err := w.solveAndPublish(ctx, g, entry, match, spwCount)
	if err != nil {
		return err
	}

	if err := w.st.AdvanceMSStage(ctx, entry.Path, store.MSStageCalibrated, "ok"); err != nil {
		return cerrors.Wrap(cerrors.Calibration, "advance ms_index stage", err).WithContext("group_id", g.GroupID)
	}
	if err := w.st.AdvanceGroupState(ctx, g.GroupID, store.GroupCalibrated); err != nil {
		return cerrors.Wrap(cerrors.Calibration, "advance group state", err).WithContext("group_id", g.GroupID)
	}

	obslog.Logf("calibrate: group %s solved against %s, published solution set %s", g.GroupID, match.Name, set.SetName)
	return nil
}

func (w *Worker) solveAndPublish(ctx context.Context, g *store.Group, entry store.MSIndexEntry, match *calibrator.Entry, spwCount int) (*store.SolutionSet, error) {
	if err := w.populate.PopulateModel(ctx, entry.Path, match.Name); err != nil {
		return nil, cerrors.Wrap(cerrors.Calibration, "populate calibrator sky model", err).
			WithContext("group_id", g.GroupID).WithContext("calibrator", match.Name)
	}

	tables := make(map[string]string, 3)
	var flagSum, snrSum float64
	sequence := []external.SolveKind{external.SolveDelay, external.SolveBandpass, external.SolveGain}
	for _, kind := range sequence {
		tablePath := fmt.Sprintf("%s/%s_%s.tab", w.cfg.TablesDir, g.GroupID, kind)
		result, err := w.solver.Solve(ctx, entry.Path, kind, w.cfg.RefAntennaChain, external.SolverConfig{
			OutputTablePath:              tablePath,
			PhaseCorrectionSolIntSeconds: w.cfg.PhaseCorrectionSolIntSeconds,
			Timeout:                      w.cfg.SolveTimeout,
		})
		if err != nil {
			return nil, cerrors.Wrap(cerrors.ExternalToolTimeout, fmt.Sprintf("%s solve", kind), err).
				WithContext("group_id", g.GroupID).WithContext("stage", string(kind))
		}
		if err := validateSolveResult(result, w.cfg.FlaggingMaxFrac); err != nil {
			return nil, cerrors.Wrap(cerrors.Calibration, fmt.Sprintf("%s solve validation", kind), err).
				WithContext("group_id", g.GroupID).WithContext("stage", string(kind))
		}
		tables[string(kind)] = result.TablePath
		flagSum += result.FlaggedFraction
		snrSum += result.MedianSolutionSNR
	}

	quality := qualityScore(flagSum/float64(len(sequence)), snrSum/float64(len(sequence)))

	set := store.SolutionSet{
		SetName:          fmt.Sprintf("%s_%s", g.GroupID, match.Name),
		CreatedMidMJD:    entry.MidMJD,
		ValidityStartMJD: entry.MidMJD - w.cfg.ValidityHours/24,
		ValidityEndMJD:   entry.MidMJD + w.cfg.ValidityHours/24,
		CalibratorName:   match.Name,
		QualityScore:     quality,
		Status:           store.SolutionActive,
		Tables:           tables,
		SPWCount:         spwCount,
	}
	if err := w.st.PublishSolutionSet(ctx, set); err != nil {
		return nil, cerrors.Wrap(cerrors.Calibration, "publish solution set", err).WithContext("group_id", g.GroupID)
	}
	return &set, nil
}

// qualityScore combines the solve sequence's average flagging fraction
// and median SNR into a single score in [0, 1], used to rank solution
// sets when more than one could apply (spec §4.7).
func qualityScore(avgFlagFrac, avgSNR float64) float64 {
	snrTerm := avgSNR / (avgSNR + 10)
	score := (1 - avgFlagFrac) * snrTerm
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}
