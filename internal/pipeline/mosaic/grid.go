package mosaic

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/dsa110/contimg/internal/fsutil"
)

// PixelGrid is the in-memory representation of one image artifact's
// pixel plane plus the coordinate metadata needed to tell whether two
// tiles share a grid (spec §4.11 step 2/3). No reference-catalog image
// format library appears anywhere in the retrieved corpus, so grids are
// persisted with encoding/gob rather than a fabricated third-party
// codec; see DESIGN.md.
type PixelGrid struct {
	Width, Height int
	RADeg, DecDeg float64
	CellArcsec    float64
	Data          []float64
}

// SameGrid reports whether g and other share a coordinate system closely
// enough that no regridding is required.
func (g PixelGrid) SameGrid(other PixelGrid) bool {
	const posEpsilonDeg = 1e-6
	const cellEpsilonArcsec = 1e-6
	return g.Width == other.Width && g.Height == other.Height &&
		absF(g.RADeg-other.RADeg) < posEpsilonDeg &&
		absF(g.DecDeg-other.DecDeg) < posEpsilonDeg &&
		absF(g.CellArcsec-other.CellArcsec) < cellEpsilonArcsec
}

func absF(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}

// readGrid loads a PixelGrid previously written by writeGrid.
func readGrid(fs fsutil.FileSystem, path string) (PixelGrid, error) {
	data, err := fs.ReadFile(path)
	if err != nil {
		return PixelGrid{}, fmt.Errorf("mosaic: read grid %s: %w", path, err)
	}
	var g PixelGrid
	dec := gob.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&g); err != nil {
		return PixelGrid{}, fmt.Errorf("mosaic: decode grid %s: %w", path, err)
	}
	return g, nil
}

// writeMetrics persists a MetricMaps bundle alongside the combined
// mosaic (spec §4.11 step 5).
func writeMetrics(fs fsutil.FileSystem, path string, m MetricMaps) error {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(m); err != nil {
		return fmt.Errorf("mosaic: encode metrics: %w", err)
	}
	if err := fs.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("mosaic: write metrics %s: %w", path, err)
	}
	return nil
}

// writeGrid persists a PixelGrid to path with 0o644 permissions.
func writeGrid(fs fsutil.FileSystem, path string, g PixelGrid) error {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(g); err != nil {
		return fmt.Errorf("mosaic: encode grid: %w", err)
	}
	if err := fs.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("mosaic: write grid %s: %w", path, err)
	}
	return nil
}
