package astro

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTimeMJDRoundTrip(t *testing.T) {
	in := time.Date(2026, 3, 15, 6, 30, 0, 0, time.UTC)
	mjd := TimeToMJD(in)
	out := MJDToTime(mjd)
	assert.WithinDuration(t, in, out, time.Second)
}

func TestLocalSiderealTimeDegInRange(t *testing.T) {
	mjd := TimeToMJD(time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC))
	lst := LocalSiderealTimeDeg(mjd, DSA110Longitude)
	assert.GreaterOrEqual(t, lst, 0.0)
	assert.Less(t, lst, 360.0)
}

func TestLocalSiderealTimeAdvancesWithTime(t *testing.T) {
	base := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	mjd1 := TimeToMJD(base)
	mjd2 := TimeToMJD(base.Add(6 * time.Hour))

	lst1 := LocalSiderealTimeDeg(mjd1, DSA110Longitude)
	lst2 := LocalSiderealTimeDeg(mjd2, DSA110Longitude)

	delta := lst2 - lst1
	if delta < 0 {
		delta += 360
	}
	// Six hours of UT is close to six sidereal hours (90 degrees), the
	// sidereal/solar rate difference accounts for the small margin.
	assert.InDelta(t, 90.0, delta, 2.0)
}

func TestMeridianPhaseCenterUsesPointingDec(t *testing.T) {
	mjd := TimeToMJD(time.Date(2026, 1, 10, 4, 0, 0, 0, time.UTC))
	ra, dec := MeridianPhaseCenter(mjd, 37.5)
	assert.Equal(t, 37.5, dec)
	assert.GreaterOrEqual(t, ra, 0.0)
	assert.Less(t, ra, 360.0)
}

func TestAngularSeparationZeroForSamePoint(t *testing.T) {
	assert.InDelta(t, 0.0, AngularSeparationDeg(120, 30, 120, 30), 1e-9)
}

func TestAngularSeparationNinetyDegrees(t *testing.T) {
	// A point on the celestial equator and one at the pole are 90 degrees
	// apart regardless of RA.
	sep := AngularSeparationDeg(0, 0, 45, 90)
	assert.InDelta(t, 90.0, sep, 1e-6)
}

func TestAngularSeparationSymmetric(t *testing.T) {
	a := AngularSeparationDeg(10, 20, 30, 40)
	b := AngularSeparationDeg(30, 40, 10, 20)
	assert.InDelta(t, a, b, 1e-9)
}
