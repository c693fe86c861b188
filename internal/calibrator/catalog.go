// Package calibrator holds the small in-memory table of known flux
// calibrators the calibration solver driver matches a measurement set's
// mid-transit time against. It is a minimal, read-mostly table in the
// same spirit as the teacher's radar transit matching in
// internal/db/transit_worker.go ("does this window's geometry match a
// known session"), here matching a sidereal transit time against a
// catalog entry rather than a radar track against a session threshold.
package calibrator

import (
	"sort"

	"github.com/dsa110/contimg/internal/astro"
)

// Entry is one known calibrator: its name, sky position and flux. The
// matching tolerances are not stored per entry; they are arguments to
// Match.
type Entry struct {
	Name       string
	RADeg      float64
	DecDeg     float64
	FluxJy     float64
}

// Catalog is an ordered, read-only set of calibrator entries.
type Catalog struct {
	entries []Entry
}

// NewCatalog builds a Catalog from entries, sorted by RA so that transit
// lookups can be done with a simple nearest-match scan.
func NewCatalog(entries []Entry) *Catalog {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].RADeg < sorted[j].RADeg })
	return &Catalog{entries: sorted}
}

// DefaultCatalog returns the small set of bright, well-characterized
// calibrators the DSA-110 pipeline uses for routine bandpass and gain
// solves.
func DefaultCatalog() *Catalog {
	return NewCatalog([]Entry{
		{Name: "3C48", RADeg: 24.4221, DecDeg: 33.1598, FluxJy: 16.0},
		{Name: "3C147", RADeg: 85.6509, DecDeg: 49.8521, FluxJy: 22.0},
		{Name: "3C286", RADeg: 202.7845, DecDeg: 30.5092, FluxJy: 15.0},
		{Name: "3C295", RADeg: 212.8357, DecDeg: 52.2025, FluxJy: 22.0},
	})
}

// Match finds the catalog entry whose meridian transit at midMJD lies
// within toleranceDeg of the local sidereal time, and whose declination
// lies within decToleranceDeg of pointingDecDeg. Returns nil if no entry
// qualifies; when more than one does, the closest in RA wins.
func (c *Catalog) Match(midMJD, pointingDecDeg, toleranceDeg, decToleranceDeg float64) *Entry {
	lst := astro.LocalSiderealTimeDeg(midMJD, astro.DSA110Longitude)

	var best *Entry
	bestSep := toleranceDeg + 1
	for i := range c.entries {
		e := &c.entries[i]
		if absDeg(e.DecDeg-pointingDecDeg) > decToleranceDeg {
			continue
		}
		sep := astro.AngularSeparationDeg(lst, pointingDecDeg, e.RADeg, e.DecDeg)
		if sep <= toleranceDeg && sep < bestSep {
			best = e
			bestSep = sep
		}
	}
	return best
}

func absDeg(d float64) float64 {
	if d < 0 {
		return -d
	}
	return d
}
