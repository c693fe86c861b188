package calregistry

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dsa110/contimg/internal/cerrors"
	"github.com/dsa110/contimg/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "contimg.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func publish(t *testing.T, s *store.Store, name string, mid, start, end float64) {
	t.Helper()
	require.NoError(t, s.PublishSolutionSet(context.Background(), store.SolutionSet{
		SetName: name, CreatedMidMJD: mid, ValidityStartMJD: start, ValidityEndMJD: end,
		CalibratorName: "3C286", QualityScore: 0.9, Tables: map[string]string{"delay": "/cal/" + name + ".K"},
	}))
}

func TestResolveReturnsCoveringSet(t *testing.T) {
	s := openTestStore(t)
	publish(t, s, "set_a", 60000, 60000, 60000.25)

	res, err := Resolve(context.Background(), s, 60000.1, 1.0)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, "set_a", res.Set.SetName)
	assert.False(t, res.Stale)
}

func TestResolveFallsBackToStaleRecentSet(t *testing.T) {
	s := openTestStore(t)
	publish(t, s, "set_a", 60000, 60000, 60000.25)

	res, err := Resolve(context.Background(), s, 60000.5, 1.0)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, "set_a", res.Set.SetName)
	assert.True(t, res.Stale)
}

func TestResolveReturnsNilBeyondFallbackWindow(t *testing.T) {
	s := openTestStore(t)
	publish(t, s, "set_a", 60000, 60000, 60000.25)

	res, err := Resolve(context.Background(), s, 60005, 1.0)
	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestRequireResolveReturnsMissingCalibration(t *testing.T) {
	s := openTestStore(t)

	_, err := RequireResolve(context.Background(), s, 60000, 1.0)
	require.Error(t, err)
	assert.Equal(t, cerrors.MissingCalibration, cerrors.KindOf(err))
}
