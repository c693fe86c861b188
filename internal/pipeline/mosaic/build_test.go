package mosaic

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dsa110/contimg/internal/external"
	"github.com/dsa110/contimg/internal/fsutil"
	"github.com/dsa110/contimg/internal/lockmgr"
	"github.com/dsa110/contimg/internal/store"
	"github.com/dsa110/contimg/internal/timeutil"
)

func newTestBuilder(t *testing.T, st *store.Store, fsys fsutil.FileSystem) *Builder {
	t.Helper()
	lockDir := t.TempDir()
	locks, err := lockmgr.New(lockDir)
	require.NoError(t, err)
	cfg := baseConfig()
	cfg.StagingDir = "/staging"
	cfg.ProductsDir = "/products"
	return NewBuilder(st, fsys, locks, external.NewFakeRegridder(), external.NewFakeSkyCatalog(), timeutil.NewMockClock(time.Now()), cfg)
}

func writeGridFile(t *testing.T, fsys fsutil.FileSystem, path string, g PixelGrid) {
	t.Helper()
	require.NoError(t, writeGrid(fsys, path, g))
}

func TestBuildPublishesCoherentTileSet(t *testing.T) {
	st := openTestStore(t)
	fsys := fsutil.NewMemoryFileSystem()
	seedTiles(t, st, fsys, 10, 60000.0, 300, 45.0, store.MSStageApplied)

	ref := PixelGrid{Width: 4, Height: 4, RADeg: 180, DecDeg: 45, CellArcsec: 2, Data: make([]float64, 16)}
	for i := range ref.Data {
		ref.Data[i] = 1.0
	}
	pb := PixelGrid{Width: 4, Height: 4, RADeg: 180, DecDeg: 45, CellArcsec: 2, Data: make([]float64, 16)}
	for i := range pb.Data {
		pb.Data[i] = 0.8
	}
	for i := 0; i < 10; i++ {
		restoredPath := pathFor(i, "restored")
		pbPath := pathFor(i, "pb")
		writeGridFile(t, fsys, restoredPath, ref)
		writeGridFile(t, fsys, pbPath, pb)
	}

	ctx := context.Background()
	p := NewPlanner(st, fsys, timeutil.NewMockClock(time.Now()), baseConfig())
	m, err := p.Plan(ctx, 59999.0, 60001.0)
	require.NoError(t, err)

	b := newTestBuilder(t, st, fsys)
	require.NoError(t, b.Build(ctx, m.MosaicID))

	got, err := st.GetMosaic(ctx, m.MosaicID)
	require.NoError(t, err)
	assert.Equal(t, store.MosaicPublished, got.State)
	assert.True(t, fsys.Exists(got.OutputPath))
	assert.True(t, fsys.Exists(got.MetricsPath))

	// Re-issuing build on an already-published mosaic is a no-op.
	require.NoError(t, b.Build(ctx, m.MosaicID))
}

func TestBuildAbortsOnMissingTileFile(t *testing.T) {
	st := openTestStore(t)
	fsys := fsutil.NewMemoryFileSystem()
	seedTiles(t, st, fsys, 10, 60000.0, 300, 45.0, store.MSStageApplied)

	ctx := context.Background()
	p := NewPlanner(st, fsys, timeutil.NewMockClock(time.Now()), baseConfig())
	m, err := p.Plan(ctx, 59999.0, 60001.0)
	require.NoError(t, err)

	require.NoError(t, fsys.Remove("/products/tile00.restored"))

	b := newTestBuilder(t, st, fsys)
	err = b.Build(ctx, m.MosaicID)
	require.Error(t, err)

	got, getErr := st.GetMosaic(ctx, m.MosaicID)
	require.NoError(t, getErr)
	assert.Equal(t, store.MosaicFailed, got.State)
}

func pathFor(i int, suffix string) string {
	return fmt.Sprintf("/products/tile%02d.%s", i, suffix)
}
