package apply

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dsa110/contimg/internal/cerrors"
	"github.com/dsa110/contimg/internal/external"
	"github.com/dsa110/contimg/internal/fsutil"
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

func seedAppliableGroup(t *testing.T, st *store.Store, fsys fsutil.FileSystem, groupID string, anchor time.Time, midMJD float64, nSubbands int) {
	t.Helper()
	ctx := context.Background()

	for i := 0; i < nSubbands; i++ {
		require.NoError(t, st.InsertSubBand(ctx, store.SubBand{
			Path: fmt.Sprintf("/raw/%s_sb%02d.dat", groupID, i), TimestampISO: anchor.Format(time.RFC3339),
			SubbandCode: fmt.Sprintf("sb%02d", i), PointingDecDeg: 45, SizeBytes: 10, Status: store.SubBandGrouped,
		}))
	}
	require.NoError(t, st.InsertGroup(ctx, store.Group{
		GroupID: groupID, TimestampISO: anchor.Format(time.RFC3339), NFiles: nSubbands,
		Completeness: 1, State: store.GroupCalibrated, CreatedAt: anchor,
	}))
	require.NoError(t, fsys.WriteFile("/staged/"+groupID+".ms", []byte("ms-data"), 0o644))
	require.NoError(t, st.InsertMSIndex(ctx, store.MSIndexEntry{
		Path: "/staged/" + groupID + ".ms", StartMJD: midMJD - 0.001, EndMJD: midMJD + 0.001,
		MidMJD: midMJD, Stage: store.MSStageCalibrated, Status: "ok", ParentGroupID: groupID,
		UpdatedAt: anchor,
	}))
}

func TestProcessGroupAppliesMatchingSPWCount(t *testing.T) {
	st := openTestStore(t)
	fsys := fsutil.NewMemoryFileSystem()
	ctx := context.Background()
	anchor := time.Date(2026, 3, 15, 8, 0, 0, 0, time.UTC)
	midMJD := 60000.5

	seedAppliableGroup(t, st, fsys, "g1", anchor, midMJD, 1)

	require.NoError(t, st.PublishSolutionSet(ctx, store.SolutionSet{
		SetName: "cal1", CreatedMidMJD: midMJD, ValidityStartMJD: midMJD - 1, ValidityEndMJD: midMJD + 1,
		CalibratorName: "3C48", QualityScore: 0.9, Status: store.SolutionActive,
		Tables: map[string]string{"delay": "/t/d.tab", "bandpass": "/t/b.tab", "gain": "/t/g.tab"},
		SPWCount: 1,
	}))

	applier := external.NewFakeApplier()
	w := NewWorker(st, applier, fsys, timeutil.NewMockClock(anchor), Config{
		FallbackStaleDays: 1, InterpMode: "linear", ApplyTimeout: time.Minute, GroupToleranceSeconds: 5,
	})
	g, err := st.GetGroup(ctx, "g1")
	require.NoError(t, err)

	require.NoError(t, w.ProcessGroup(ctx, g))

	got, err := st.GetGroup(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, store.GroupApplied, got.State)

	require.Len(t, applier.Calls, 1)
	assert.Nil(t, applier.Calls[0].Cfg.SPWMap)
	assert.Equal(t, []string{"/t/d.tab", "/t/b.tab", "/t/g.tab"}, applier.Calls[0].SolutionTablePaths)
}

func TestProcessGroupComputesMappingOnSPWMismatch(t *testing.T) {
	st := openTestStore(t)
	fsys := fsutil.NewMemoryFileSystem()
	ctx := context.Background()
	anchor := time.Date(2026, 3, 15, 8, 0, 0, 0, time.UTC)
	midMJD := 60000.5

	seedAppliableGroup(t, st, fsys, "g2", anchor, midMJD, 4)

	require.NoError(t, st.PublishSolutionSet(ctx, store.SolutionSet{
		SetName: "cal2", CreatedMidMJD: midMJD, ValidityStartMJD: midMJD - 1, ValidityEndMJD: midMJD + 1,
		CalibratorName: "3C48", QualityScore: 0.9, Status: store.SolutionActive,
		Tables:   map[string]string{"gain": "/t/g.tab"},
		SPWCount: 2,
	}))

	applier := external.NewFakeApplier()
	w := NewWorker(st, applier, fsys, timeutil.NewMockClock(anchor), Config{
		FallbackStaleDays: 1, InterpMode: "linear", ApplyTimeout: time.Minute, GroupToleranceSeconds: 5,
	})
	g, err := st.GetGroup(ctx, "g2")
	require.NoError(t, err)

	require.NoError(t, w.ProcessGroup(ctx, g))

	require.Len(t, applier.Calls, 1)
	require.NotNil(t, applier.Calls[0].Cfg.SPWMap)
	assert.Len(t, applier.Calls[0].Cfg.SPWMap, 4)
}

func TestProcessGroupFailsWhenNoSolutionSetCovers(t *testing.T) {
	st := openTestStore(t)
	fsys := fsutil.NewMemoryFileSystem()
	ctx := context.Background()
	anchor := time.Date(2026, 3, 15, 8, 0, 0, 0, time.UTC)
	midMJD := 60000.5

	seedAppliableGroup(t, st, fsys, "g3", anchor, midMJD, 1)

	applier := external.NewFakeApplier()
	w := NewWorker(st, applier, fsys, timeutil.NewMockClock(anchor), Config{
		FallbackStaleDays: 1, InterpMode: "linear", ApplyTimeout: time.Minute, GroupToleranceSeconds: 5,
	})
	g, err := st.GetGroup(ctx, "g3")
	require.NoError(t, err)

	err = w.ProcessGroup(ctx, g)
	require.Error(t, err)
	assert.Equal(t, cerrors.MissingCalibration, cerrors.KindOf(err))
}
