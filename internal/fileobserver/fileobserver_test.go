package fileobserver

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dsa110/contimg/internal/store"
)

func writeSubbandFixture(t *testing.T, dir, stem string, decDeg float64, ts time.Time) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, stem+".hdf5"), []byte("data"), 0o644))
	hdr := `{"timestamp_iso":"` + ts.UTC().Format(time.RFC3339) + `","pointing_dec_deg":` + strconv.FormatFloat(decDeg, 'f', -1, 64) + `}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, stem+".hdr.json"), []byte(hdr), 0o644))
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "contimg.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBootstrapScanOrdersByFilenameNotCreation(t *testing.T) {
	dir := t.TempDir()
	st := openTestStore(t)

	later := time.Date(2026, 3, 1, 1, 0, 0, 0, time.UTC)
	earlier := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	// Write the later-timestamped file to disk first, so creation order
	// disagrees with filename (observation-time) order.
	writeSubbandFixture(t, dir, "20260301T010000_sb00", 10, later)
	writeSubbandFixture(t, dir, "20260301T000000_sb00", 10, earlier)

	obs, err := New(dir, st)
	require.NoError(t, err)
	defer obs.Stop()

	require.NoError(t, obs.Start(context.Background()))

	first := <-obs.Out
	second := <-obs.Out
	assert.True(t, first.Timestamp.Before(second.Timestamp))
}

func TestIngestRecordsCorruptFile(t *testing.T) {
	dir := t.TempDir()
	st := openTestStore(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "20260301T000000_sb00.hdf5"), []byte("data"), 0o644))
	// No header sidecar written: Parse must fail.

	obs, err := New(dir, st)
	require.NoError(t, err)
	defer obs.Stop()

	require.NoError(t, obs.Start(context.Background()))

	got, err := st.GetSubBand(context.Background(), filepath.Join(dir, "20260301T000000_sb00.hdf5"))
	require.NoError(t, err)
	assert.Equal(t, store.SubBandCorrupt, got.Status)
}
