package groupassembler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dsa110/contimg/internal/store"
	"github.com/dsa110/contimg/internal/subband"
	"github.com/dsa110/contimg/internal/timeutil"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "contimg.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func requiredSubbands(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = subbandCode(i)
	}
	return out
}

func subbandCode(i int) string {
	const letters = "0123456789"
	return "sb" + string(letters[i/10]) + string(letters[i%10])
}

func testConfig() Config {
	return Config{
		RequiredSubbands:    requiredSubbands(4),
		Tolerance:           30 * time.Second,
		PartialDeadline:     5 * time.Minute,
		MinPartialFraction:  0.5,
		SweepInterval:       time.Second,
	}
}

func TestAddEmitsOnCompletion(t *testing.T) {
	st := openTestStore(t)
	a := New(testConfig(), st, nil)

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		a.Add(ctx, subband.Parsed{
			Path:           "/incoming/f" + subbandCode(i) + ".hdf5",
			Timestamp:      base,
			SubbandCode:    subbandCode(i),
			PointingDecDeg: 10,
		})
	}

	select {
	case g := <-a.Out:
		assert.Len(t, g.Files, 4)
		assert.Equal(t, 1.0, g.Completeness)
	case <-time.After(time.Second):
		t.Fatal("expected a group to be emitted")
	}
}

func TestAddJoinsWithinTolerance(t *testing.T) {
	st := openTestStore(t)
	a := New(testConfig(), st, nil)

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	ctx := context.Background()
	a.Add(ctx, subband.Parsed{Path: "/i/a.hdf5", Timestamp: base, SubbandCode: "sb00", PointingDecDeg: 10})
	a.Add(ctx, subband.Parsed{Path: "/i/b.hdf5", Timestamp: base.Add(10 * time.Second), SubbandCode: "sb01", PointingDecDeg: 10})

	a.mu.Lock()
	nBuckets := len(a.buckets)
	a.mu.Unlock()
	assert.Equal(t, 1, nBuckets)
}

func TestAddStartsNewBucketOutsideTolerance(t *testing.T) {
	st := openTestStore(t)
	a := New(testConfig(), st, nil)

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	ctx := context.Background()
	a.Add(ctx, subband.Parsed{Path: "/i/a.hdf5", Timestamp: base, SubbandCode: "sb00", PointingDecDeg: 10})
	a.Add(ctx, subband.Parsed{Path: "/i/b.hdf5", Timestamp: base.Add(time.Hour), SubbandCode: "sb01", PointingDecDeg: 10})

	a.mu.Lock()
	nBuckets := len(a.buckets)
	a.mu.Unlock()
	assert.Equal(t, 2, nBuckets)
}

func TestSweepEmitsPartialAboveMinFraction(t *testing.T) {
	st := openTestStore(t)
	fc := &fakeClock{now: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	cfg := testConfig()
	a := New(cfg, st, fc)

	ctx := context.Background()
	a.Add(ctx, subband.Parsed{Path: "/i/a.hdf5", Timestamp: fc.now, SubbandCode: "sb00", PointingDecDeg: 10})
	a.Add(ctx, subband.Parsed{Path: "/i/b.hdf5", Timestamp: fc.now, SubbandCode: "sb01", PointingDecDeg: 10})

	fc.now = fc.now.Add(cfg.PartialDeadline + time.Second)
	a.sweep(ctx)

	select {
	case g := <-a.Out:
		assert.Equal(t, 0.5, g.Completeness)
	default:
		t.Fatal("expected a partial group to be emitted")
	}
}

func TestSweepQuarantinesBelowMinFraction(t *testing.T) {
	st := openTestStore(t)
	fc := &fakeClock{now: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	cfg := testConfig()
	a := New(cfg, st, fc)

	ctx := context.Background()
	a.Add(ctx, subband.Parsed{Path: "/i/a.hdf5", Timestamp: fc.now, SubbandCode: "sb00", PointingDecDeg: 10})

	fc.now = fc.now.Add(cfg.PartialDeadline + time.Second)
	a.sweep(ctx)

	select {
	case <-a.Out:
		t.Fatal("did not expect an emitted group below the min completeness")
	default:
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	assert.Empty(t, a.buckets)
}

// fakeClock is a minimal timeutil.Clock stand-in for tests that only
// exercise Now(); the sweep loop itself is driven directly in tests via
// a.sweep rather than the ticker goroutine.
type fakeClock struct {
	now time.Time
}

func (f *fakeClock) Now() time.Time                          { return f.now }
func (f *fakeClock) Since(t time.Time) time.Duration         { return f.now.Sub(t) }
func (f *fakeClock) NewTimer(d time.Duration) timeutil.Timer { return nil }
func (f *fakeClock) NewTicker(d time.Duration) timeutil.Ticker {
	return &fakeTicker{c: make(chan time.Time)}
}
func (f *fakeClock) Expired(since time.Time, budget time.Duration) bool {
	return f.now.Sub(since) >= budget
}

type fakeTicker struct{ c chan time.Time }

func (t *fakeTicker) C() <-chan time.Time { return t.c }
func (t *fakeTicker) Stop()               {}
