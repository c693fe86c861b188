package mosaic

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// tileData is one tile's contribution to a combine pass: its restored
// intensity grid, its companion primary-beam grid (already regridded
// onto the reference if needed), and its imaging-time noise estimate.
type tileData struct {
	Grid    PixelGrid
	PB      PixelGrid
	NoiseJy float64
}

// MetricMaps are the auxiliary per-pixel products spec §4.11 step 5
// requires alongside the combined mosaic: maximum PB across tiles, the
// combined noise-variance map, a tile-count map, and a coverage mask.
type MetricMaps struct {
	Width, Height int
	MaxPB         []float64
	NoiseVariance []float64
	TileCount     []int
	Coverage      []bool
}

// combine implements Sault weighting (spec §4.11 step 4):
//
//	mosaic_pixel = Σᵢ(Tᵢ·PBᵢ/σᵢ²) / Σᵢ(PBᵢ²/σᵢ²)
//
// Rewritten as a weighted mean of PB-corrected intensity xᵢ = Tᵢ/PBᵢ
// with weights wᵢ = PBᵢ²/σᵢ², each pixel reduces to stat.Mean(x, w).
// Pixels with no tile's PB response above pbThreshold are set to the
// invalid sentinel (NaN) and excluded from the coverage mask.
func combine(ref PixelGrid, tiles []tileData, pbThreshold float64) (PixelGrid, MetricMaps) {
	n := ref.Width * ref.Height
	out := PixelGrid{Width: ref.Width, Height: ref.Height, RADeg: ref.RADeg, DecDeg: ref.DecDeg, CellArcsec: ref.CellArcsec, Data: make([]float64, n)}
	metrics := MetricMaps{
		Width: ref.Width, Height: ref.Height,
		MaxPB:         make([]float64, n),
		NoiseVariance: make([]float64, n),
		TileCount:     make([]int, n),
		Coverage:      make([]bool, n),
	}

	xs := make([]float64, 0, len(tiles))
	ws := make([]float64, 0, len(tiles))
	for idx := 0; idx < n; idx++ {
		xs = xs[:0]
		ws = ws[:0]
		maxPB := 0.0
		sumW := 0.0
		for _, t := range tiles {
			pb := t.PB.Data[idx]
			if pb < pbThreshold || t.NoiseJy <= 0 {
				continue
			}
			sigma2 := t.NoiseJy * t.NoiseJy
			w := (pb * pb) / sigma2
			xs = append(xs, t.Grid.Data[idx]/pb)
			ws = append(ws, w)
			sumW += w
			if pb > maxPB {
				maxPB = pb
			}
		}

		metrics.MaxPB[idx] = maxPB
		metrics.TileCount[idx] = len(xs)
		metrics.Coverage[idx] = len(xs) > 0

		if len(xs) == 0 {
			out.Data[idx] = math.NaN()
			metrics.NoiseVariance[idx] = math.NaN()
			continue
		}
		out.Data[idx] = stat.Mean(xs, ws)
		metrics.NoiseVariance[idx] = 1.0 / sumW
	}

	return out, metrics
}
