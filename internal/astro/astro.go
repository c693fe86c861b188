// Package astro supplies the small amount of positional-astronomy math the
// orchestrator needs to validate the phase-center metadata a conversion
// writes into a measurement set: the meridian is the assumed pointing, so
// phase center RA is local sidereal time at the group's mid-time and Dec is
// the fixed pointing declination (spec §4.6). MJD/calendar conversion is
// grounded on the julian package usage in sixy6e-go-gsf's decode/params.go;
// sidereal time comes from the same module's sidereal package.
package astro

import (
	"math"
	"time"

	"github.com/soniakeys/meeus/v3/julian"
	"github.com/soniakeys/meeus/v3/sidereal"
)

// DSA110Longitude is the DSA-110 site's east longitude in degrees (Owens
// Valley Radio Observatory), used to convert Greenwich sidereal time to
// local sidereal time.
const DSA110Longitude = -118.283

// TimeToMJD converts a UTC time to a modified Julian date.
func TimeToMJD(t time.Time) float64 {
	return julian.TimeToJD(t.UTC()) - 2400000.5
}

// MJDToTime converts a modified Julian date to a UTC time.
func MJDToTime(mjd float64) time.Time {
	return julian.JDToTime(mjd + 2400000.5).UTC()
}

// LocalSiderealTimeDeg returns the local apparent sidereal time, in degrees
// on [0, 360), at the given modified Julian date and east longitude.
func LocalSiderealTimeDeg(mjd float64, lonDeg float64) float64 {
	jd := mjd + 2400000.5
	gst := sidereal.Apparent(jd).Rad() * 180 / math.Pi
	lst := gst + lonDeg
	return normalizeDeg(lst)
}

// MeridianPhaseCenter returns the RA/Dec, in degrees, that a meridian-
// pointed observation at midMJD should carry as its phase center: RA equal
// to the local sidereal time and Dec equal to the fixed pointing
// declination. Workers compare a written measurement set's phase center
// against this to catch a transit-prediction or writer bug before the
// group reaches calibration.
func MeridianPhaseCenter(midMJD, pointingDecDeg float64) (raDeg, decDeg float64) {
	return LocalSiderealTimeDeg(midMJD, DSA110Longitude), pointingDecDeg
}

// AngularSeparationDeg returns the great-circle separation, in degrees,
// between two RA/Dec pairs given in degrees. It is used for the mosaic
// astrometric quality check (spec §4.11) as well as for the meridian
// phase-center tolerance check.
func AngularSeparationDeg(ra1, dec1, ra2, dec2 float64) float64 {
	r1, d1 := ra1*math.Pi/180, dec1*math.Pi/180
	r2, d2 := ra2*math.Pi/180, dec2*math.Pi/180
	cosC := math.Sin(d1)*math.Sin(d2) + math.Cos(d1)*math.Cos(d2)*math.Cos(r1-r2)
	cosC = math.Max(-1, math.Min(1, cosC))
	return math.Acos(cosC) * 180 / math.Pi
}

func normalizeDeg(deg float64) float64 {
	d := deg
	for d < 0 {
		d += 360
	}
	for d >= 360 {
		d -= 360
	}
	return d
}
