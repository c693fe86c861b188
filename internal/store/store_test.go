package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "contimg.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenRunsMigrations(t *testing.T) {
	s := openTestStore(t)
	version, dirty, err := s.MigrateVersion()
	require.NoError(t, err)
	assert.False(t, dirty)
	assert.Equal(t, uint(4), version)
}

func TestInsertSubBandIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	sb := SubBand{
		Path:           "/incoming/2026-03-01T00:00:00_sb00.fits",
		TimestampISO:   "2026-03-01T00:00:00Z",
		SubbandCode:    "sb00",
		PointingDecDeg: 37.5,
		SizeBytes:      1024,
		DiscoveredAt:   time.Now(),
		Status:         SubBandNew,
	}
	require.NoError(t, s.InsertSubBand(ctx, sb))
	require.NoError(t, s.InsertSubBand(ctx, sb))

	got, err := s.GetSubBand(ctx, sb.Path)
	require.NoError(t, err)
	assert.Equal(t, sb.SubbandCode, got.SubbandCode)
}

func TestGroupAcquireNextOrdersByObservationTime(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	later := Group{
		GroupID: "g_later", TimestampISO: "2026-03-01T01:00:00Z",
		NFiles: 16, Completeness: 1.0, State: GroupQueued, CreatedAt: time.Now(),
	}
	earlier := Group{
		GroupID: "g_earlier", TimestampISO: "2026-03-01T00:00:00Z",
		NFiles: 16, Completeness: 1.0, State: GroupQueued, CreatedAt: time.Now().Add(time.Hour),
	}
	// Insert out of chronological order; created_at deliberately favors
	// "later" to prove acquisition sorts by observation time, not insert
	// or created_at order.
	require.NoError(t, s.InsertGroup(ctx, later))
	require.NoError(t, s.InsertGroup(ctx, earlier))

	got, err := s.AcquireNextGroup(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "g_earlier", got.GroupID)
	assert.Equal(t, GroupAcquired, got.State)
}

func TestInsertGroupCollisionReturnsSentinel(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	g := Group{GroupID: "g_dup", TimestampISO: "2026-03-01T00:00:00Z", NFiles: 16, CreatedAt: time.Now()}
	require.NoError(t, s.InsertGroup(ctx, g))

	g2 := g
	g2.TimestampISO = "2026-03-01T00:00:30Z"
	err := s.InsertGroup(ctx, g2)
	assert.ErrorIs(t, err, ErrGroupIDCollision)
}

func TestRetryGroupIncrementsAttemptsAndRevertsToResumeState(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	g := Group{
		GroupID: "g_retry", TimestampISO: "2026-03-01T00:00:00Z", NFiles: 16,
		State: GroupAcquired, ResumeState: GroupConverted, CreatedAt: time.Now(),
	}
	require.NoError(t, s.InsertGroup(ctx, g))

	require.NoError(t, s.RetryGroup(ctx, g.GroupID, "transient_io", 0))

	got, err := s.GetGroup(ctx, g.GroupID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, GroupConverted, got.State)
	assert.Equal(t, "transient_io", got.LastErrorClass)
	assert.Nil(t, got.AcquiredAt)
}

func TestReleaseGroupRecordsTerminalOutcome(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	g := Group{GroupID: "g_done", TimestampISO: "2026-03-01T00:00:00Z", NFiles: 16, State: GroupImaged, CreatedAt: time.Now()}
	require.NoError(t, s.InsertGroup(ctx, g))

	require.NoError(t, s.ReleaseGroup(ctx, g.GroupID, GroupDone, ""))

	got, err := s.GetGroup(ctx, g.GroupID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Attempts)
	assert.Equal(t, GroupDone, got.State)
}

func TestAcquireNextGroupInStateHonorsRetryAfter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	g := Group{
		GroupID: "g_backoff", TimestampISO: "2026-03-01T00:00:00Z", NFiles: 16,
		State: GroupConverted, ResumeState: GroupConverted, CreatedAt: time.Now(),
	}
	require.NoError(t, s.InsertGroup(ctx, g))
	require.NoError(t, s.RetryGroup(ctx, g.GroupID, "transient_io", time.Hour))

	got, err := s.AcquireNextGroupInState(ctx, GroupConverted, "worker-1")
	require.NoError(t, err)
	assert.Nil(t, got, "group still within its backoff window must not be acquired")
}

func TestPublishSolutionSetSupersedesPrevious(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first := SolutionSet{
		SetName: "set_a", CreatedMidMJD: 60000, ValidityStartMJD: 60000, ValidityEndMJD: 60000.25,
		CalibratorName: "3C286", QualityScore: 0.9, Tables: map[string]string{"delay": "/cal/a.K"},
	}
	require.NoError(t, s.PublishSolutionSet(ctx, first))

	second := SolutionSet{
		SetName: "set_b", CreatedMidMJD: 60000.3, ValidityStartMJD: 60000.3, ValidityEndMJD: 60000.55,
		CalibratorName: "3C286", QualityScore: 0.95, Tables: map[string]string{"delay": "/cal/b.K"},
	}
	require.NoError(t, s.PublishSolutionSet(ctx, second))

	sets, err := s.ListSolutionSets(ctx)
	require.NoError(t, err)
	require.Len(t, sets, 2)
	for _, set := range sets {
		if set.SetName == "set_a" {
			assert.Equal(t, SolutionSuperseded, set.Status)
		}
		if set.SetName == "set_b" {
			assert.Equal(t, SolutionActive, set.Status)
		}
	}
}

func TestFindCoveringSolutionSet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.PublishSolutionSet(ctx, SolutionSet{
		SetName: "set_a", CreatedMidMJD: 60000, ValidityStartMJD: 60000, ValidityEndMJD: 60000.25,
		CalibratorName: "3C286", QualityScore: 0.9, Tables: map[string]string{"delay": "/cal/a.K"},
	}))

	found, err := s.FindCoveringSolutionSet(ctx, 60000.1)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "set_a", found.SetName)

	notFound, err := s.FindCoveringSolutionSet(ctx, 60001)
	require.NoError(t, err)
	assert.Nil(t, notFound)
}

func TestListGroupsSortedRejectsUnknownColumn(t *testing.T) {
	s := openTestStore(t)
	_, err := s.ListGroupsSorted(context.Background(), "group_id; DROP TABLE groups;--")
	assert.Error(t, err)
}

func TestMosaicPlanLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	m := Mosaic{
		MosaicID: "m_1", Method: "pb_weighted", WindowStartMJD: 60000, WindowEndMJD: 60000.5,
		TilePaths: []string{"/images/a.fits", "/images/b.fits"}, CreatedAt: time.Now(),
	}
	require.NoError(t, s.InsertMosaicPlan(ctx, m))

	got, err := s.GetMosaic(ctx, "m_1")
	require.NoError(t, err)
	assert.Equal(t, MosaicPlanned, got.State)
	assert.Len(t, got.TilePaths, 2)

	require.NoError(t, s.AdvanceMosaicState(ctx, "m_1", MosaicBuilt, "/products/m_1.fits", "/products/m_1.json"))
	require.NoError(t, s.PublishMosaic(ctx, "m_1"))

	got, err = s.GetMosaic(ctx, "m_1")
	require.NoError(t, err)
	assert.Equal(t, MosaicPublished, got.State)
	require.NotNil(t, got.PublishedAt)
}
