package calibrate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dsa110/contimg/internal/astro"
	"github.com/dsa110/contimg/internal/calibrator"
	"github.com/dsa110/contimg/internal/external"
	"github.com/dsa110/contimg/internal/store"
	"github.com/dsa110/contimg/internal/timeutil"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(dir + "/contimg.db")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func seedGroupWithMS(t *testing.T, st *store.Store, groupID string, anchor time.Time, midMJD, pointingDec float64) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, st.InsertSubBand(ctx, store.SubBand{
		Path: "/raw/" + groupID + "_sb00.dat", TimestampISO: anchor.Format(time.RFC3339),
		SubbandCode: "sb00", PointingDecDeg: pointingDec, SizeBytes: 10, Status: store.SubBandGrouped,
	}))

	require.NoError(t, st.InsertGroup(ctx, store.Group{
		GroupID: groupID, TimestampISO: anchor.Format(time.RFC3339), NFiles: 1,
		Completeness: 1, State: store.GroupAcquired, CreatedAt: anchor,
	}))

	require.NoError(t, st.InsertMSIndex(ctx, store.MSIndexEntry{
		Path: "/staged/" + groupID + ".ms", StartMJD: midMJD - 0.001, EndMJD: midMJD + 0.001,
		MidMJD: midMJD, Stage: store.MSStageConverted, Status: "ok", ParentGroupID: groupID,
		UpdatedAt: anchor,
	}))
}

func baseConfig() Config {
	return Config{
		RefAntennaChain:           []string{"pad1", "pad2"},
		FlaggingMaxFrac:           0.3,
		PhaseCorrectionSolIntSeconds: 10,
		SolveTimeout:              time.Minute,
		ValidityHours:             4,
		CalibratorToleranceDeg:    0.5,
		CalibratorDecToleranceDeg: 0.5,
		GroupToleranceSeconds:     5,
		TablesDir:                 "/staged/tables",
	}
}

func TestProcessGroupSolvesWhenCalibratorTransits(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	anchor := time.Date(2026, 3, 15, 8, 0, 0, 0, time.UTC)

	cal := calibrator.DefaultCatalog()
	target := calibrator.Entry{Name: "TESTCAL", RADeg: 0, DecDeg: 40}
	var midMJD float64
	for mjd := 60000.0; mjd < 60001.0; mjd += 0.00005 {
		lst := astro.LocalSiderealTimeDeg(mjd, astro.DSA110Longitude)
		if lst < 0.02 || lst > 359.98 {
			midMJD = mjd
			break
		}
	}
	require.NotZero(t, midMJD)
	cal = calibrator.NewCatalog([]calibrator.Entry{target})

	seedGroupWithMS(t, st, "g-cal", anchor, midMJD, target.DecDeg)

	solver := external.NewFakeSolver()
	for _, kind := range []external.SolveKind{external.SolveDelay, external.SolveBandpass, external.SolveGain} {
		solver.Results[kind] = external.SolveResult{
			TablePath: "/staged/tables/" + string(kind) + ".tab", UsedRefAntenna: "pad1",
			FlaggedFraction: 0.05, MedianSolutionSNR: 25,
		}
	}
	populator := external.NewFakeModelPopulator()

	w := NewWorker(st, solver, populator, cal, timeutil.NewMockClock(anchor), baseConfig())
	g, err := st.GetGroup(ctx, "g-cal")
	require.NoError(t, err)

	require.NoError(t, w.ProcessGroup(ctx, g))

	got, err := st.GetGroup(ctx, "g-cal")
	require.NoError(t, err)
	assert.Equal(t, store.GroupCalibrated, got.State)

	sets, err := st.ListSolutionSets(ctx)
	require.NoError(t, err)
	require.Len(t, sets, 1)
	assert.Equal(t, "TESTCAL", sets[0].CalibratorName)
	assert.Len(t, solver.Calls, 3)
	assert.Equal(t, []string{"pad1", "pad2"}, solver.Calls[0].RefAntennaChain)
}

func TestProcessGroupPassesThroughWhenNoCalibratorMatch(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	anchor := time.Date(2026, 3, 15, 8, 0, 0, 0, time.UTC)
	midMJD := astro.TimeToMJD(anchor)

	seedGroupWithMS(t, st, "g-nocal", anchor, midMJD, -89.0)

	cal := calibrator.NewCatalog(nil)
	solver := external.NewFakeSolver()
	populator := external.NewFakeModelPopulator()

	w := NewWorker(st, solver, populator, cal, timeutil.NewMockClock(anchor), baseConfig())
	g, err := st.GetGroup(ctx, "g-nocal")
	require.NoError(t, err)

	require.NoError(t, w.ProcessGroup(ctx, g))

	got, err := st.GetGroup(ctx, "g-nocal")
	require.NoError(t, err)
	assert.Equal(t, store.GroupCalibrated, got.State)
	assert.Empty(t, solver.Calls)

	sets, err := st.ListSolutionSets(ctx)
	require.NoError(t, err)
	assert.Empty(t, sets)
}

func TestProcessGroupFailsWhenFlaggingExceedsCeiling(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	anchor := time.Date(2026, 3, 15, 8, 0, 0, 0, time.UTC)

	target := calibrator.Entry{Name: "TESTCAL", RADeg: 0, DecDeg: 40}
	var midMJD float64
	for mjd := 60000.0; mjd < 60001.0; mjd += 0.00005 {
		lst := astro.LocalSiderealTimeDeg(mjd, astro.DSA110Longitude)
		if lst < 0.02 || lst > 359.98 {
			midMJD = mjd
			break
		}
	}
	require.NotZero(t, midMJD)
	cal := calibrator.NewCatalog([]calibrator.Entry{target})

	seedGroupWithMS(t, st, "g-badflag", anchor, midMJD, target.DecDeg)

	solver := external.NewFakeSolver()
	solver.Results[external.SolveDelay] = external.SolveResult{
		TablePath: "/x.tab", UsedRefAntenna: "pad1", FlaggedFraction: 0.9, MedianSolutionSNR: 5,
	}
	populator := external.NewFakeModelPopulator()

	w := NewWorker(st, solver, populator, cal, timeutil.NewMockClock(anchor), baseConfig())
	g, err := st.GetGroup(ctx, "g-badflag")
	require.NoError(t, err)

	err = w.ProcessGroup(ctx, g)
	require.Error(t, err)
}
