package convert

import (
	"fmt"
	"time"

	"github.com/dsa110/contimg/internal/astro"
	"github.com/dsa110/contimg/internal/fsutil"
	"github.com/dsa110/contimg/internal/store"
)

// MaxPhaseCenterOffsetDeg bounds how far a measurement set's assumed
// meridian phase center may drift from an independently recomputed
// prediction before conversion is treated as corrupt (spec §4.6's
// phase-center cross-check). A degree of slack covers sidereal-time
// rounding in the upstream writer without masking a genuine
// transit-prediction bug.
const MaxPhaseCenterOffsetDeg = 1.0

// validateConverted checks that msPath was actually written, is
// non-empty, and that its assumed meridian phase center agrees with an
// independently recomputed prediction from the group's own sub-band
// metadata.
func validateConverted(fsys fsutil.FileSystem, msPath string, subbands []store.SubBand, midMJD float64) error {
	info, err := fsys.Stat(msPath)
	if err != nil {
		return fmt.Errorf("stat converted measurement set: %w", err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("converted measurement set %s is empty", msPath)
	}

	if len(subbands) == 0 {
		return fmt.Errorf("no sub-bands to validate phase center against")
	}
	anchor := subbands[0]
	predRA, predDec := astro.MeridianPhaseCenter(midMJD, anchor.PointingDecDeg)

	anchorTime, err := time.Parse(time.RFC3339, anchor.TimestampISO)
	if err != nil {
		return fmt.Errorf("parse anchor sub-band timestamp: %w", err)
	}
	anchorMJD := astro.TimeToMJD(anchorTime)
	independentRA := astro.LocalSiderealTimeDeg(anchorMJD, astro.DSA110Longitude)

	sep := astro.AngularSeparationDeg(predRA, predDec, independentRA, anchor.PointingDecDeg)
	if sep > MaxPhaseCenterOffsetDeg {
		return fmt.Errorf("phase center offset %.4f deg exceeds tolerance %.4f deg", sep, MaxPhaseCenterOffsetDeg)
	}
	return nil
}
