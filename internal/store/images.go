package store

import (
	"context"
	"database/sql"
	"time"
)

// Image is a row of the images table: one deconvolved image artifact.
// Suffix names which of the imager's fixed artifact kinds this row is
// (restored, residual, model, pb, pbcor — spec §6.5); the mosaic planner
// treats "restored" rows as tiles and looks up each tile's companion "pb"
// row by (MSPath, suffix) for the Sault-weighting combine (spec §4.11).
type Image struct {
	Path         string
	MSPath       string
	Suffix       string
	FieldRADeg   float64
	FieldDecDeg  float64
	MidMJD       float64
	NoiseJy      float64
	DynamicRange float64
	PBCorApplied bool
	CreatedAt    time.Time
}

// InsertImage records one output image artifact. The imaging worker never
// rejects on quality here; mosaic planning is the gate.
func (s *Store) InsertImage(ctx context.Context, img Image) error {
	_, err := s.ExecContext(ctx, `
		INSERT INTO images (path, ms_path, field_ra_deg, field_dec_deg, mid_mjd, noise_jy, dynamic_range, pbcor_applied, created_at, suffix)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		img.Path, img.MSPath, img.FieldRADeg, img.FieldDecDeg, img.MidMJD, img.NoiseJy,
		img.DynamicRange, boolToInt(img.PBCorApplied), img.CreatedAt.UTC().Format(time.RFC3339Nano), img.Suffix)
	return err
}

// FindImagesInWindow returns candidate tile images for mosaic planning:
// every "restored" image whose mid-time falls in [t0, t1], ordered
// chronologically. Only the restored product represents a candidate
// tile; its companion pb/residual/model rows are fetched separately by
// FindImageArtifact once a tile set is chosen.
func (s *Store) FindImagesInWindow(ctx context.Context, t0, t1 float64) ([]Image, error) {
	rows, err := s.QueryContext(ctx, `
		SELECT path, ms_path, field_ra_deg, field_dec_deg, mid_mjd, noise_jy, dynamic_range, pbcor_applied, created_at, suffix
		FROM images WHERE mid_mjd >= ? AND mid_mjd <= ? AND suffix = 'restored' ORDER BY mid_mjd ASC`, t0, t1)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Image
	for rows.Next() {
		img, err := scanImageRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *img)
	}
	return out, rows.Err()
}

// GetImageByPath fetches a single images row by its artifact path, used
// by the mosaic builder to re-validate a planned tile at build time.
func (s *Store) GetImageByPath(ctx context.Context, path string) (*Image, error) {
	row := s.QueryRowContext(ctx, `
		SELECT path, ms_path, field_ra_deg, field_dec_deg, mid_mjd, noise_jy, dynamic_range, pbcor_applied, created_at, suffix
		FROM images WHERE path = ?`, path)
	return scanImage(row)
}

// FindImageArtifact returns the image row for msPath with the given
// suffix (e.g. "pb"), used by the mosaic builder to locate a tile's
// primary-beam companion file without assuming a naming convention on
// disk (spec §4.11 step 3/6).
func (s *Store) FindImageArtifact(ctx context.Context, msPath, suffix string) (*Image, error) {
	row := s.QueryRowContext(ctx, `
		SELECT path, ms_path, field_ra_deg, field_dec_deg, mid_mjd, noise_jy, dynamic_range, pbcor_applied, created_at, suffix
		FROM images WHERE ms_path = ? AND suffix = ?`, msPath, suffix)
	return scanImage(row)
}

// ListImagesCreatedBefore returns every image row (all suffixes) created
// before cutoff, oldest first. The retention sweeper consumes this.
func (s *Store) ListImagesCreatedBefore(ctx context.Context, cutoff time.Time) ([]Image, error) {
	rows, err := s.QueryContext(ctx, `
		SELECT path, ms_path, field_ra_deg, field_dec_deg, mid_mjd, noise_jy, dynamic_range, pbcor_applied, created_at, suffix
		FROM images WHERE created_at < ? ORDER BY created_at ASC`,
		cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Image
	for rows.Next() {
		img, err := scanImageRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *img)
	}
	return out, rows.Err()
}

// DeleteImage removes an images row after its artifact has been removed
// from disk, so mosaic planning never selects a purged tile.
func (s *Store) DeleteImage(ctx context.Context, path string) error {
	_, err := s.ExecContext(ctx, `DELETE FROM images WHERE path = ?`, path)
	return err
}

func scanImageRow(rows *sql.Rows) (*Image, error) {
	var img Image
	var pbcor int
	var createdAt string
	if err := rows.Scan(&img.Path, &img.MSPath, &img.FieldRADeg, &img.FieldDecDeg, &img.MidMJD,
		&img.NoiseJy, &img.DynamicRange, &pbcor, &createdAt, &img.Suffix); err != nil {
		return nil, err
	}
	return finishImageScan(&img, pbcor, createdAt)
}

func scanImage(row *sql.Row) (*Image, error) {
	var img Image
	var pbcor int
	var createdAt string
	if err := row.Scan(&img.Path, &img.MSPath, &img.FieldRADeg, &img.FieldDecDeg, &img.MidMJD,
		&img.NoiseJy, &img.DynamicRange, &pbcor, &createdAt, &img.Suffix); err != nil {
		return nil, err
	}
	return finishImageScan(&img, pbcor, createdAt)
}

func finishImageScan(img *Image, pbcor int, createdAt string) (*Image, error) {
	img.PBCorApplied = pbcor != 0
	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, err
	}
	img.CreatedAt = t
	return img, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
