package mosaic

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/dsa110/contimg/internal/cerrors"
	"github.com/dsa110/contimg/internal/external"
	"github.com/dsa110/contimg/internal/fsutil"
	"github.com/dsa110/contimg/internal/lockmgr"
	"github.com/dsa110/contimg/internal/obslog"
	"github.com/dsa110/contimg/internal/security"
	"github.com/dsa110/contimg/internal/store"
	"github.com/dsa110/contimg/internal/timeutil"
)

// Builder runs under the mosaic lock, re-validates a planned tile set,
// regrids mismatched tiles, combines them with Sault weighting, and
// publishes the result (spec §4.11).
type Builder struct {
	st        *store.Store
	fs        fsutil.FileSystem
	locks     *lockmgr.Manager
	regridder external.Regridder
	catalog   external.SkyCatalog
	clock     timeutil.Clock
	cfg       Config
	planner   *Planner
}

// NewBuilder creates a Builder. fs defaults to fsutil.OSFileSystem{} and
// clock to timeutil.RealClock{} when nil. catalog may be nil, in which
// case astrometric QC is skipped.
func NewBuilder(st *store.Store, fs fsutil.FileSystem, locks *lockmgr.Manager, regridder external.Regridder, catalog external.SkyCatalog, clock timeutil.Clock, cfg Config) *Builder {
	if fs == nil {
		fs = fsutil.OSFileSystem{}
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Builder{
		st: st, fs: fs, locks: locks, regridder: regridder, catalog: catalog, clock: clock, cfg: cfg,
		planner: NewPlanner(st, fs, clock, cfg),
	}
}

// Build re-validates mosaicID's planned tile set and, on success,
// combines and publishes it. Building an already-published mosaic is a
// no-op that returns success (spec §8).
func (b *Builder) Build(ctx context.Context, mosaicID string) error {
	m, err := b.st.GetMosaic(ctx, mosaicID)
	if err != nil {
		return cerrors.Wrap(cerrors.Unexpected, "load mosaic row", err).WithContext("mosaic_id", mosaicID)
	}
	if m.State == store.MosaicPublished {
		return nil
	}

	lock, err := b.locks.Acquire("mosaic_build")
	if err != nil {
		return err
	}
	defer lock.Release()

	tiles, err := b.reloadTiles(ctx, m.TilePaths)
	if err != nil {
		b.fail(ctx, mosaicID, err)
		return err
	}
	if err := b.planner.validateTileSet(ctx, tiles); err != nil {
		b.fail(ctx, mosaicID, err)
		return err
	}

	if err := b.st.AdvanceMosaicState(ctx, mosaicID, store.MosaicBuilding, "", ""); err != nil {
		return cerrors.Wrap(cerrors.Unexpected, "advance mosaic state to building", err).WithContext("mosaic_id", mosaicID)
	}

	outputPath, metricsPath, refGrid, combined, err := b.buildArtifacts(ctx, mosaicID, tiles)
	if err != nil {
		b.fail(ctx, mosaicID, err)
		return err
	}

	if err := b.st.AdvanceMosaicState(ctx, mosaicID, store.MosaicBuilt, outputPath, metricsPath); err != nil {
		return cerrors.Wrap(cerrors.Unexpected, "advance mosaic state to built", err).WithContext("mosaic_id", mosaicID)
	}
	if err := b.st.PublishMosaic(ctx, mosaicID); err != nil {
		return cerrors.Wrap(cerrors.Unexpected, "publish mosaic", err).WithContext("mosaic_id", mosaicID)
	}

	for _, t := range tiles {
		if err := b.st.AdvanceMSStage(ctx, t.MSPath, store.MSStageDone, "mosaicked"); err != nil {
			obslog.Logf("mosaic: %s: mark ms %s done: %v", mosaicID, t.MSPath, err)
		}
	}

	astrometricQC(ctx, b.catalog, refGrid, combined, b.cfg.AstrometricOffsetThresholdAS, mosaicID)

	obslog.Logf("mosaic: %s published with %d tiles -> %s", mosaicID, len(tiles), outputPath)
	return nil
}

func (b *Builder) fail(ctx context.Context, mosaicID string, cause error) {
	if err := b.st.AdvanceMosaicState(ctx, mosaicID, store.MosaicFailed, "", ""); err != nil {
		obslog.Logf("mosaic: %s: record failed state: %v (build error: %v)", mosaicID, err, cause)
	}
}

func (b *Builder) reloadTiles(ctx context.Context, paths []string) ([]store.Image, error) {
	tiles := make([]store.Image, 0, len(paths))
	for _, p := range paths {
		img, err := b.st.GetImageByPath(ctx, p)
		if err != nil {
			return nil, rejection(ReasonMissingTile, fmt.Sprintf("tile %s: %v", p, err))
		}
		tiles = append(tiles, *img)
	}
	return tiles, nil
}

// buildArtifacts regrids mismatched tiles onto the geometric-center
// tile's grid, combines with Sault weighting, and writes the combined
// mosaic and its metric maps first to staging, then to the products
// directory on success (spec §4.11 steps 2-6).
func (b *Builder) buildArtifacts(ctx context.Context, mosaicID string, tiles []store.Image) (outputPath, metricsPath string, refGrid, combined PixelGrid, err error) {
	refTile := tiles[len(tiles)/2]
	refGrid, err = readGrid(b.fs, refTile.Path)
	if err != nil {
		return "", "", PixelGrid{}, PixelGrid{}, cerrors.Wrap(cerrors.Mosaic, "read reference tile grid", err).WithContext("mosaic_id", mosaicID)
	}

	contributions := make([]tileData, 0, len(tiles))
	for _, t := range tiles {
		grid, err := b.prepareGrid(ctx, mosaicID, t.Path, refTile.Path, refGrid)
		if err != nil {
			return "", "", PixelGrid{}, PixelGrid{}, err
		}
		pbImg, err := b.st.FindImageArtifact(ctx, t.MSPath, "pb")
		if err != nil {
			return "", "", PixelGrid{}, PixelGrid{}, cerrors.Wrap(cerrors.Mosaic, "look up tile pb artifact", err).WithContext("mosaic_id", mosaicID).WithContext("tile", t.Path)
		}
		pbGrid, err := b.prepareGrid(ctx, mosaicID, pbImg.Path, refTile.Path, refGrid)
		if err != nil {
			return "", "", PixelGrid{}, PixelGrid{}, err
		}
		contributions = append(contributions, tileData{Grid: grid, PB: pbGrid, NoiseJy: t.NoiseJy})
	}

	combinedGrid, metrics := combine(refGrid, contributions, b.cfg.PBThreshold)

	// mosaicID is an operator-supplied CLI argument for `mosaic build`, not
	// the content-derived ID Plan assigns it (deriveMosaicID); sanitize it
	// before splicing it into a filename rather than trusting it verbatim.
	safeID := security.SanitizeFilename(mosaicID)
	stagingMosaic := filepath.Join(b.cfg.StagingDir, safeID+"_mosaic.grid")
	stagingMetrics := filepath.Join(b.cfg.StagingDir, safeID+"_metrics.grid")
	if err := security.ValidatePathWithinDirectory(stagingMosaic, b.cfg.StagingDir); err != nil {
		return "", "", PixelGrid{}, PixelGrid{}, cerrors.Wrap(cerrors.Mosaic, "validate staging mosaic path", err).WithContext("mosaic_id", mosaicID)
	}
	if err := writeGrid(b.fs, stagingMosaic, combinedGrid); err != nil {
		return "", "", PixelGrid{}, PixelGrid{}, cerrors.Wrap(cerrors.Mosaic, "write staged mosaic", err).WithContext("mosaic_id", mosaicID)
	}
	if err := writeMetrics(b.fs, stagingMetrics, metrics); err != nil {
		return "", "", PixelGrid{}, PixelGrid{}, cerrors.Wrap(cerrors.Mosaic, "write staged metrics", err).WithContext("mosaic_id", mosaicID)
	}

	publishedMosaic := filepath.Join(b.cfg.ProductsDir, safeID+"_mosaic.grid")
	publishedMetrics := filepath.Join(b.cfg.ProductsDir, safeID+"_metrics.grid")
	if err := security.ValidatePathWithinDirectory(publishedMosaic, b.cfg.ProductsDir); err != nil {
		return "", "", PixelGrid{}, PixelGrid{}, cerrors.Wrap(cerrors.Mosaic, "validate published mosaic path", err).WithContext("mosaic_id", mosaicID)
	}
	if err := writeGrid(b.fs, publishedMosaic, combinedGrid); err != nil {
		return "", "", PixelGrid{}, PixelGrid{}, cerrors.Wrap(cerrors.Mosaic, "write published mosaic", err).WithContext("mosaic_id", mosaicID)
	}
	if err := writeMetrics(b.fs, publishedMetrics, metrics); err != nil {
		return "", "", PixelGrid{}, PixelGrid{}, cerrors.Wrap(cerrors.Mosaic, "write published metrics", err).WithContext("mosaic_id", mosaicID)
	}

	_ = b.fs.Remove(stagingMosaic)
	_ = b.fs.Remove(stagingMetrics)

	return publishedMosaic, publishedMetrics, refGrid, combinedGrid, nil
}

// prepareGrid reads sourcePath's grid, regridding it onto refGrid first
// if its coordinate system does not already match (spec §4.11 step 3).
func (b *Builder) prepareGrid(ctx context.Context, mosaicID, sourcePath, templatePath string, refGrid PixelGrid) (PixelGrid, error) {
	g, err := readGrid(b.fs, sourcePath)
	if err != nil {
		return PixelGrid{}, cerrors.Wrap(cerrors.Mosaic, "read tile grid", err).WithContext("mosaic_id", mosaicID).WithContext("path", sourcePath)
	}
	if g.SameGrid(refGrid) {
		return g, nil
	}
	regriddedPath := filepath.Join(b.cfg.StagingDir, security.SanitizeFilename(mosaicID)+"_regrid_"+filepath.Base(sourcePath))
	if err := security.ValidatePathWithinDirectory(regriddedPath, b.cfg.StagingDir); err != nil {
		return PixelGrid{}, cerrors.Wrap(cerrors.Mosaic, "validate regrid output path", err).WithContext("mosaic_id", mosaicID)
	}
	if err := b.regridder.Regrid(ctx, sourcePath, templatePath, regriddedPath); err != nil {
		return PixelGrid{}, cerrors.Wrap(cerrors.Mosaic, "regrid tile onto reference", err).WithContext("mosaic_id", mosaicID).WithContext("path", sourcePath)
	}
	return readGrid(b.fs, regriddedPath)
}
