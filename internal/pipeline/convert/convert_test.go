package convert

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dsa110/contimg/internal/astro"
	"github.com/dsa110/contimg/internal/fsutil"
	"github.com/dsa110/contimg/internal/lockmgr"
	"github.com/dsa110/contimg/internal/store"
	"github.com/dsa110/contimg/internal/timeutil"
)

func testSubbands(t *testing.T, anchor time.Time) []store.SubBand {
	t.Helper()
	return []store.SubBand{
		{Path: "/raw/sb00.dat", TimestampISO: anchor.Format(time.RFC3339), SubbandCode: "sb00", PointingDecDeg: 45.0, SizeBytes: 128},
		{Path: "/raw/sb01.dat", TimestampISO: anchor.Format(time.RFC3339), SubbandCode: "sb01", PointingDecDeg: 45.0, SizeBytes: 128},
	}
}

func newTestWorker(t *testing.T, fsys fsutil.FileSystem, clock timeutil.Clock, st *store.Store, cfg Config) *Worker {
	t.Helper()
	lockDir := t.TempDir()
	locks, err := lockmgr.New(lockDir)
	require.NoError(t, err)
	return NewWorker(st, fsys, clock, locks, cfg)
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(dir + "/contimg.db")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestPickStrategyByTotalSize(t *testing.T) {
	cfg := Config{MonolithicSizeCeiling: 100, TmpfsSafeBudgetBytes: 1000, ParallelWorkers: 2}

	assert.Equal(t, "monolithic", pickStrategy(50, cfg).Name())
	assert.Equal(t, "parallel_subband", pickStrategy(500, cfg).Name())
	assert.Equal(t, "streaming", pickStrategy(5000, cfg).Name())
}

func TestProcessGroupConvertsAndAdvancesState(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()
	require.NoError(t, fsys.WriteFile("/raw/sb00.dat", []byte("visibility-data-00"), 0o644))
	require.NoError(t, fsys.WriteFile("/raw/sb01.dat", []byte("visibility-data-01"), 0o644))

	anchor := time.Date(2026, 3, 15, 8, 0, 0, 0, time.UTC)
	st := openTestStore(t)
	ctx := context.Background()

	for _, sb := range testSubbands(t, anchor) {
		sb.Status = store.SubBandGrouped
		require.NoError(t, st.InsertSubBand(ctx, sb))
	}

	g := store.Group{
		GroupID:      "g-20260315T080000",
		TimestampISO: anchor.Format(time.RFC3339),
		NFiles:       2,
		Completeness: 1.0,
		State:        store.GroupAcquired,
		CreatedAt:    anchor,
	}
	require.NoError(t, st.InsertGroup(ctx, g))

	clock := timeutil.NewMockClock(anchor)
	cfg := Config{
		TmpfsRoot:             "/tmpfs",
		StagingDir:            "/staged",
		MonolithicSizeCeiling: 1 << 20,
		TmpfsSafeBudgetBytes:  1 << 30,
		ParallelWorkers:       2,
		GroupToleranceSeconds: 5,
	}
	w := newTestWorker(t, fsys, clock, st, cfg)

	require.NoError(t, w.ProcessGroup(ctx, &g))

	got, err := st.GetGroup(ctx, g.GroupID)
	require.NoError(t, err)
	assert.Equal(t, store.GroupConverted, got.State)

	entries, err := st.ListMSIndexByGroup(ctx, g.GroupID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, store.MSStageConverted, entries[0].Stage)

	data, err := fsys.ReadFile(entries[0].Path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "visibility-data-00")
	assert.Contains(t, string(data), "visibility-data-01")
}

func TestProcessGroupFailsWhenNoGroupedSubbands(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()
	st := openTestStore(t)
	ctx := context.Background()

	anchor := time.Date(2026, 3, 15, 8, 0, 0, 0, time.UTC)
	g := store.Group{GroupID: "g-empty", TimestampISO: anchor.Format(time.RFC3339), CreatedAt: anchor}
	require.NoError(t, st.InsertGroup(ctx, g))

	clock := timeutil.NewMockClock(anchor)
	cfg := Config{TmpfsRoot: "/tmpfs", StagingDir: "/staged", GroupToleranceSeconds: 5}
	w := newTestWorker(t, fsys, clock, st, cfg)

	err := w.ProcessGroup(ctx, &g)
	require.Error(t, err)
}

func TestValidateConvertedRejectsEmptyFile(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()
	require.NoError(t, fsys.WriteFile("/staged/g1.ms", nil, 0o644))

	anchor := time.Date(2026, 3, 15, 8, 0, 0, 0, time.UTC)
	subbands := testSubbands(t, anchor)
	midMJD := astro.TimeToMJD(anchor)

	err := validateConverted(fsys, "/staged/g1.ms", subbands, midMJD)
	require.Error(t, err)
}

func TestValidateConvertedAcceptsConsistentPhaseCenter(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()
	require.NoError(t, fsys.WriteFile("/staged/g1.ms", []byte("data"), 0o644))

	anchor := time.Date(2026, 3, 15, 8, 0, 0, 0, time.UTC)
	subbands := testSubbands(t, anchor)
	midMJD := astro.TimeToMJD(anchor)

	err := validateConverted(fsys, "/staged/g1.ms", subbands, midMJD)
	require.NoError(t, err)
}
