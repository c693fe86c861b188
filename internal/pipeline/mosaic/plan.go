// Package mosaic implements the mosaic builder (spec §4.11): selection
// of a temporally and spatially coherent tile set, validation of the
// seven cross-tile invariants that make those tiles combinable, and a
// Sault-weighted pixel combination of the validated set. Planning and
// building are split exactly as the teacher repo splits read-side policy
// from write-side execution (internal/calregistry vs. internal/store):
// Planner reads and writes nothing but the planned mosaics row, Builder
// is the one component that locks, regrids, and writes artifacts.
package mosaic

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/dsa110/contimg/internal/calregistry"
	"github.com/dsa110/contimg/internal/cerrors"
	"github.com/dsa110/contimg/internal/fsutil"
	"github.com/dsa110/contimg/internal/obslog"
	"github.com/dsa110/contimg/internal/security"
	"github.com/dsa110/contimg/internal/store"
	"github.com/dsa110/contimg/internal/timeutil"
)

// RejectionReason names which of the seven planning invariants (spec
// §4.11) a tile set failed, so the CLI can report it without parsing a
// free-text message.
type RejectionReason string

const (
	ReasonTileCount            RejectionReason = "tile_count"
	ReasonMidTimeSpacing       RejectionReason = "mid_time_spacing"
	ReasonSpan                 RejectionReason = "span"
	ReasonDeclinationCoherence RejectionReason = "declination_coherence"
	ReasonStage                RejectionReason = "stage"
	ReasonMissingTile          RejectionReason = "missing_tile"
	ReasonCalibrationOverlap   RejectionReason = "calibration_overlap"
	ReasonUnsafePath           RejectionReason = "unsafe_path"
)

// Config carries the mosaic planner/builder's tuning knobs, lifted from
// config.Config by the caller that wires these workers together.
type Config struct {
	NTiles                       int
	DeltaTTile                   float64 // seconds
	TMosaic                      float64 // seconds
	DeltaDecTileDeg              float64
	PBThreshold                  float64
	CombineMethod                string
	AstrometricOffsetThresholdAS float64
	FallbackStaleDays            float64
	StagingDir                   string
	ProductsDir                  string
}

// Planner selects and validates mosaic tile sets.
type Planner struct {
	st    *store.Store
	fs    fsutil.FileSystem
	clock timeutil.Clock
	cfg   Config
}

// NewPlanner creates a Planner. fs defaults to fsutil.OSFileSystem{} and
// clock to timeutil.RealClock{} when nil.
func NewPlanner(st *store.Store, fs fsutil.FileSystem, clock timeutil.Clock, cfg Config) *Planner {
	if fs == nil {
		fs = fsutil.OSFileSystem{}
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Planner{st: st, fs: fs, clock: clock, cfg: cfg}
}

// Plan queries images in [t0, t1], selects the earliest cfg.NTiles
// candidates, checks all seven invariants in order, and — on success —
// writes a mosaics row with state=planned. Rejection returns a
// *cerrors.Error of Kind cerrors.Mosaic carrying the failed
// RejectionReason in its context under "reason".
func (p *Planner) Plan(ctx context.Context, t0, t1 float64) (*store.Mosaic, error) {
	candidates, err := p.st.FindImagesInWindow(ctx, t0, t1)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.Unexpected, "list candidate images for mosaic window", err)
	}

	tiles, err := selectTiles(candidates, p.cfg.NTiles)
	if err != nil {
		return nil, err
	}

	if err := p.validateTileSet(ctx, tiles); err != nil {
		return nil, err
	}
	p.crossCheckPointingHistory(ctx, tiles)

	paths := make([]string, len(tiles))
	for i, t := range tiles {
		paths[i] = t.Path
	}

	m := store.Mosaic{
		MosaicID:       deriveMosaicID(paths),
		Method:         p.cfg.CombineMethod,
		WindowStartMJD: tiles[0].MidMJD,
		WindowEndMJD:   tiles[len(tiles)-1].MidMJD,
		TilePaths:      paths,
		State:          store.MosaicPlanned,
		CreatedAt:      p.clock.Now(),
	}
	if err := p.st.InsertMosaicPlan(ctx, m); err != nil {
		return nil, cerrors.Wrap(cerrors.Unexpected, "insert mosaic plan", err).WithContext("mosaic_id", m.MosaicID)
	}
	return &m, nil
}

// crossCheckPointingHistory compares the tile set's declinations against
// what the pointing-history table recorded for the same window. Advisory
// only: a disagreement beyond the declination-coherence tolerance is
// logged (it usually means an image row carries a mislabeled field
// center), but the recorded pointing is not a planning invariant and
// never rejects the set.
func (p *Planner) crossCheckPointingHistory(ctx context.Context, tiles []store.Image) {
	t0 := tiles[0].MidMJD
	t1 := tiles[len(tiles)-1].MidMJD
	history, err := p.st.FindPointingHistoryInWindow(ctx, t0-pointingWindowPadDays, t1+pointingWindowPadDays)
	if err != nil {
		obslog.Logf("mosaic: pointing-history cross-check: %v", err)
		return
	}
	if len(history) == 0 {
		return
	}
	var sum float64
	for _, h := range history {
		sum += h.DecDeg
	}
	recordedDec := sum / float64(len(history))
	for _, t := range tiles {
		if diff := t.FieldDecDeg - recordedDec; diff > p.cfg.DeltaDecTileDeg || diff < -p.cfg.DeltaDecTileDeg {
			obslog.Logf("mosaic: tile %s dec %.3f disagrees with recorded pointing %.3f over the window",
				t.Path, t.FieldDecDeg, recordedDec)
		}
	}
}

// pointingWindowPadDays widens the pointing-history query slightly so
// sub-band timestamps (observation start) still land inside a window
// bounded by tile mid-times.
const pointingWindowPadDays = 10.0 / 1440.0

// selectTiles picks the earliest n candidates by mid-time (invariant 1:
// exactly n_tiles, distinct mid-times, chronological order).
func selectTiles(candidates []store.Image, n int) ([]store.Image, error) {
	if len(candidates) < n {
		return nil, rejection(ReasonTileCount, fmt.Sprintf("need %d candidate tiles, found %d", n, len(candidates)))
	}
	tiles := candidates[:n]
	seen := make(map[float64]bool, n)
	for _, t := range tiles {
		if seen[t.MidMJD] {
			return nil, rejection(ReasonTileCount, "candidate tiles do not have distinct mid-times")
		}
		seen[t.MidMJD] = true
	}
	return tiles, nil
}

// validateTileSet checks invariants 2-7 against an already-selected tile
// set. Build calls this again at build time with freshly re-read rows
// (spec §8's "re-validated, not just at planning time").
func (p *Planner) validateTileSet(ctx context.Context, tiles []store.Image) error {
	if err := checkMidTimeSpacing(tiles, p.cfg.DeltaTTile); err != nil {
		return err
	}
	if err := checkSpan(tiles, p.cfg.TMosaic); err != nil {
		return err
	}
	if err := checkDeclinationCoherence(tiles, p.cfg.DeltaDecTileDeg); err != nil {
		return err
	}
	for _, t := range tiles {
		entry, err := p.st.GetMSIndex(ctx, t.MSPath)
		if err != nil {
			return rejection(ReasonStage, fmt.Sprintf("tile %s: parent ms_index lookup failed: %v", t.Path, err))
		}
		if !stageReady(entry.Stage) {
			return rejection(ReasonStage, fmt.Sprintf("tile %s: parent ms stage %q is not in {applied, imaged, done}", t.Path, entry.Stage))
		}
		// A tile's path comes from the images table, not a caller-
		// supplied argument, but it still ultimately derives from a
		// row the imaging worker wrote — reject anything that has
		// drifted outside the two trees mosaic inputs are ever stored
		// under before even stat-ing it, rather than trusting the row.
		if err := security.ValidatePathWithinAllowedDirs(t.Path, []string{p.cfg.ProductsDir, p.cfg.StagingDir}); err != nil {
			return rejection(ReasonUnsafePath, fmt.Sprintf("tile %s: %v", t.Path, err))
		}
		if !p.fs.Exists(t.Path) {
			return rejection(ReasonMissingTile, fmt.Sprintf("tile image %s does not exist on disk", t.Path))
		}
		pb, err := p.st.FindImageArtifact(ctx, t.MSPath, "pb")
		if err != nil {
			return rejection(ReasonMissingTile, fmt.Sprintf("tile %s: companion pb file missing", t.Path))
		}
		if err := security.ValidatePathWithinAllowedDirs(pb.Path, []string{p.cfg.ProductsDir, p.cfg.StagingDir}); err != nil {
			return rejection(ReasonUnsafePath, fmt.Sprintf("tile %s: companion pb path: %v", t.Path, err))
		}
		if !p.fs.Exists(pb.Path) {
			return rejection(ReasonMissingTile, fmt.Sprintf("tile %s: companion pb file missing", t.Path))
		}
	}
	if err := p.checkCalibrationOverlap(ctx, tiles); err != nil {
		return err
	}
	return nil
}

func stageReady(stage store.MSStage) bool {
	switch stage {
	case store.MSStageApplied, store.MSStageImaged, store.MSStageDone:
		return true
	default:
		return false
	}
}

// checkMidTimeSpacing enforces invariant 2: consecutive mid-times differ
// by no more than deltaTTile seconds. tiles must already be chronological.
func checkMidTimeSpacing(tiles []store.Image, deltaTTile float64) error {
	const secondsPerDay = 86400.0
	for i := 1; i < len(tiles); i++ {
		gapSeconds := (tiles[i].MidMJD - tiles[i-1].MidMJD) * secondsPerDay
		if gapSeconds > deltaTTile {
			return rejection(ReasonMidTimeSpacing, fmt.Sprintf("gap of %.1fs between tiles %d and %d exceeds delta_t_tile=%.1fs", gapSeconds, i-1, i, deltaTTile))
		}
	}
	return nil
}

// checkSpan enforces invariant 3: total span t_last - t_first <= tMosaic
// seconds.
func checkSpan(tiles []store.Image, tMosaic float64) error {
	const secondsPerDay = 86400.0
	span := (tiles[len(tiles)-1].MidMJD - tiles[0].MidMJD) * secondsPerDay
	if span > tMosaic {
		return rejection(ReasonSpan, fmt.Sprintf("total span %.1fs exceeds t_mosaic=%.1fs", span, tMosaic))
	}
	return nil
}

// checkDeclinationCoherence enforces invariant 4: every tile declination
// agrees with the mean declination within deltaDecTileDeg.
func checkDeclinationCoherence(tiles []store.Image, deltaDecTileDeg float64) error {
	var sum float64
	for _, t := range tiles {
		sum += t.FieldDecDeg
	}
	mean := sum / float64(len(tiles))
	for i, t := range tiles {
		if absF(t.FieldDecDeg-mean) > deltaDecTileDeg {
			return rejection(ReasonDeclinationCoherence, fmt.Sprintf("tile %d dec=%.4f deviates from mean=%.4f by more than delta_dec_tile=%.4f", i, t.FieldDecDeg, mean, deltaDecTileDeg))
		}
	}
	return nil
}

// checkCalibrationOverlap enforces invariant 7: every tile's resolved
// solution set (spec §4.8 lookup at the tile's mid-time) must share an
// overlapping validity window with every other tile's.
func (p *Planner) checkCalibrationOverlap(ctx context.Context, tiles []store.Image) error {
	maxStart := -1.0
	minEnd := -1.0
	for _, t := range tiles {
		res, err := calregistry.RequireResolve(ctx, p.st, t.MidMJD, p.cfg.FallbackStaleDays)
		if err != nil {
			return cerrors.Wrap(cerrors.Mosaic, fmt.Sprintf("tile %s: no calibration covers its mid-time", t.Path), err).
				WithContext("reason", string(ReasonCalibrationOverlap))
		}
		if maxStart < 0 || res.Set.ValidityStartMJD > maxStart {
			maxStart = res.Set.ValidityStartMJD
		}
		if minEnd < 0 || res.Set.ValidityEndMJD < minEnd {
			minEnd = res.Set.ValidityEndMJD
		}
	}
	if maxStart > minEnd {
		return rejection(ReasonCalibrationOverlap, "tiles' calibration validity windows do not all overlap")
	}
	return nil
}

// rejection builds the typed planning-rejection error the CLI reports.
func rejection(reason RejectionReason, detail string) error {
	return cerrors.New(cerrors.Mosaic, detail).WithContext("reason", string(reason))
}

// deriveMosaicID derives a stable, content-addressed mosaic identifier
// from its sorted tile paths, in the same spirit as the group
// assembler's deriveGroupID.
func deriveMosaicID(paths []string) string {
	sorted := append([]string(nil), paths...)
	sort.Strings(sorted)
	h := sha256.New()
	h.Write([]byte(strings.Join(sorted, "\x00")))
	return fmt.Sprintf("m_%s", hex.EncodeToString(h.Sum(nil))[:16])
}
