package mosaic

import (
	"context"
	"math"

	"github.com/dsa110/contimg/internal/astro"
	"github.com/dsa110/contimg/internal/external"
	"github.com/dsa110/contimg/internal/obslog"
)

// astrometricQC implements spec §4.11's advisory-only astrometric check:
// for each reference source inside the published mosaic's field of view,
// cross-match against the nearest local image peak and log a systematic
// offset above thresholdArcsec. A catalog error or an unmatched source is
// logged and skipped; nothing here can fail the build, which has already
// published by the time this runs.
func astrometricQC(ctx context.Context, catalog external.SkyCatalog, ref PixelGrid, combined PixelGrid, thresholdArcsec float64, mosaicID string) {
	if catalog == nil {
		return
	}
	radiusDeg := (float64(ref.Width) * ref.CellArcsec / 3600.0) / 2.0
	sources, err := catalog.SourcesNear(ctx, ref.RADeg, ref.DecDeg, radiusDeg)
	if err != nil {
		obslog.Logf("mosaic: astrometric QC for %s: catalog lookup failed: %v", mosaicID, err)
		return
	}

	for _, src := range sources {
		px, py, ok := skyToPixel(ref, src.RADeg, src.DecDeg)
		if !ok {
			continue
		}
		peakX, peakY, found := findLocalPeak(combined, px, py, 5)
		if !found {
			continue
		}
		peakRA, peakDec := pixelToSky(ref, peakX, peakY)
		offsetArcsec := astro.AngularSeparationDeg(src.RADeg, src.DecDeg, peakRA, peakDec) * 3600.0
		if offsetArcsec > thresholdArcsec {
			obslog.Logf("mosaic: %s source %q offset %.2f arcsec exceeds threshold %.2f arcsec",
				mosaicID, src.Name, offsetArcsec, thresholdArcsec)
		}
	}
}

// pixelToSky approximates pixel (px, py) as a sky position via a flat
// tangent-plane projection about the grid's field center, adequate at
// the sub-degree field sizes mosaic tiles cover.
func pixelToSky(g PixelGrid, px, py int) (raDeg, decDeg float64) {
	dxArcsec := (float64(px) - float64(g.Width)/2) * g.CellArcsec
	dyArcsec := (float64(py) - float64(g.Height)/2) * g.CellArcsec
	decDeg = g.DecDeg + dyArcsec/3600.0
	raDeg = g.RADeg + (dxArcsec/3600.0)/math.Cos(g.DecDeg*math.Pi/180.0)
	return raDeg, decDeg
}

// skyToPixel inverts pixelToSky, reporting ok=false if the position
// falls outside the grid.
func skyToPixel(g PixelGrid, raDeg, decDeg float64) (px, py int, ok bool) {
	dyArcsec := (decDeg - g.DecDeg) * 3600.0
	dxArcsec := (raDeg - g.RADeg) * math.Cos(g.DecDeg*math.Pi/180.0) * 3600.0
	px = int(dxArcsec/g.CellArcsec + float64(g.Width)/2)
	py = int(dyArcsec/g.CellArcsec + float64(g.Height)/2)
	if px < 0 || px >= g.Width || py < 0 || py >= g.Height {
		return 0, 0, false
	}
	return px, py, true
}

// findLocalPeak scans a (2*halfWindow+1) square centered on (cx, cy) and
// returns the coordinate of the maximum non-NaN value found.
func findLocalPeak(g PixelGrid, cx, cy, halfWindow int) (px, py int, found bool) {
	best := math.Inf(-1)
	for y := cy - halfWindow; y <= cy+halfWindow; y++ {
		if y < 0 || y >= g.Height {
			continue
		}
		for x := cx - halfWindow; x <= cx+halfWindow; x++ {
			if x < 0 || x >= g.Width {
				continue
			}
			v := g.Data[y*g.Width+x]
			if math.IsNaN(v) {
				continue
			}
			if v > best {
				best = v
				px, py = x, y
				found = true
			}
		}
	}
	return px, py, found
}
