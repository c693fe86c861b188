package store

import (
	"context"
	"database/sql"
	"time"
)

// SubBandStatus enumerates the lifecycle of a discovered sub-band file.
type SubBandStatus string

const (
	SubBandNew     SubBandStatus = "new"
	SubBandGrouped SubBandStatus = "grouped"
	SubBandCorrupt SubBandStatus = "corrupt"
)

// SubBand is a row of the sub_bands table: one discovered raw visibility
// file, identified by its path.
type SubBand struct {
	Path            string
	TimestampISO    string
	SubbandCode     string
	PointingDecDeg  float64
	SizeBytes       int64
	DiscoveredAt    time.Time
	Status          SubBandStatus
}

// InsertSubBand records a newly discovered sub-band file. The insert is
// idempotent on path: a bootstrap re-scan over a file already seen by a
// live fsnotify event is a no-op, not an error.
func (s *Store) InsertSubBand(ctx context.Context, sb SubBand) error {
	_, err := s.ExecContext(ctx, `
		INSERT INTO sub_bands (path, timestamp_iso, subband_code, pointing_dec_deg, size_bytes, discovered_at, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO NOTHING`,
		sb.Path, sb.TimestampISO, sb.SubbandCode, sb.PointingDecDeg, sb.SizeBytes,
		sb.DiscoveredAt.UTC().Format(time.RFC3339Nano), sb.Status)
	return err
}

// InsertCorruptSubBand records a file whose name or header could not be
// parsed, so the file observer never has to panic or silently drop it.
func (s *Store) InsertCorruptSubBand(ctx context.Context, path string, discoveredAt time.Time) error {
	return s.InsertSubBand(ctx, SubBand{
		Path:         path,
		TimestampISO: "",
		SubbandCode:  "",
		DiscoveredAt: discoveredAt,
		Status:       SubBandCorrupt,
	})
}

// MarkSubBandsGrouped flips the given paths to the grouped status inside
// tx, used by the group assembler when it commits a completed group so
// that a file is never claimed by two groups.
func MarkSubBandsGrouped(tx *sql.Tx, paths []string) error {
	stmt, err := tx.Prepare(`UPDATE sub_bands SET status = ? WHERE path = ? AND status = ?`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, p := range paths {
		if _, err := stmt.Exec(SubBandGrouped, p, SubBandNew); err != nil {
			return err
		}
	}
	return nil
}

// GetSubBand fetches a single sub_bands row by path.
func (s *Store) GetSubBand(ctx context.Context, path string) (*SubBand, error) {
	row := s.QueryRowContext(ctx, `
		SELECT path, timestamp_iso, subband_code, pointing_dec_deg, size_bytes, discovered_at, status
		FROM sub_bands WHERE path = ?`, path)
	return scanSubBand(row)
}

// ListGroupedSubBandsNear returns every grouped sub-band whose
// timestamp_iso falls within toleranceSeconds of anchorISO, the
// conversion worker's way of recovering a group's member files: the
// group assembler records no explicit group-to-subband join table, only
// the anchor timestamp it bucketed around (spec §4.4), so this mirrors
// the assembler's own tolerance window rather than introducing a second
// source of truth for membership.
func (s *Store) ListGroupedSubBandsNear(ctx context.Context, anchorISO string, toleranceSeconds float64) ([]SubBand, error) {
	anchor, err := time.Parse(time.RFC3339, anchorISO)
	if err != nil {
		return nil, err
	}
	lo := anchor.Add(-time.Duration(toleranceSeconds) * time.Second).UTC().Format(time.RFC3339)
	hi := anchor.Add(time.Duration(toleranceSeconds) * time.Second).UTC().Format(time.RFC3339)

	rows, err := s.QueryContext(ctx, `
		SELECT path, timestamp_iso, subband_code, pointing_dec_deg, size_bytes, discovered_at, status
		FROM sub_bands WHERE status = ? AND timestamp_iso >= ? AND timestamp_iso <= ?
		ORDER BY subband_code ASC`, SubBandGrouped, lo, hi)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SubBand
	for rows.Next() {
		sb, err := scanSubBandRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sb)
	}
	return out, rows.Err()
}

func scanSubBand(row *sql.Row) (*SubBand, error) {
	var sb SubBand
	var discovered string
	if err := row.Scan(&sb.Path, &sb.TimestampISO, &sb.SubbandCode, &sb.PointingDecDeg,
		&sb.SizeBytes, &discovered, &sb.Status); err != nil {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339Nano, discovered)
	if err != nil {
		return nil, err
	}
	sb.DiscoveredAt = t
	return &sb, nil
}

func scanSubBandRows(rows *sql.Rows) (*SubBand, error) {
	var sb SubBand
	var discovered string
	if err := rows.Scan(&sb.Path, &sb.TimestampISO, &sb.SubbandCode, &sb.PointingDecDeg,
		&sb.SizeBytes, &discovered, &sb.Status); err != nil {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339Nano, discovered)
	if err != nil {
		return nil, err
	}
	sb.DiscoveredAt = t
	return &sb, nil
}
