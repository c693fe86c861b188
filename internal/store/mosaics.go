package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

// MosaicState is the lifecycle state of a mosaics row.
type MosaicState string

const (
	MosaicPlanned   MosaicState = "planned"
	MosaicBuilding  MosaicState = "building"
	MosaicBuilt     MosaicState = "built"
	MosaicPublished MosaicState = "published"
	MosaicFailed    MosaicState = "failed"
)

// Mosaic is a row of the mosaics table.
type Mosaic struct {
	MosaicID       string
	State          MosaicState
	Method         string
	WindowStartMJD float64
	WindowEndMJD   float64
	TilePaths      []string
	OutputPath     string
	MetricsPath    string
	CreatedAt      time.Time
	PublishedAt    *time.Time
}

// InsertMosaicPlan writes a newly planned mosaic (spec §4.11's planning
// step, always inserted with state=planned).
func (s *Store) InsertMosaicPlan(ctx context.Context, m Mosaic) error {
	tilesJSON, err := json.Marshal(m.TilePaths)
	if err != nil {
		return err
	}
	_, err = s.ExecContext(ctx, `
		INSERT INTO mosaics (mosaic_id, state, method, window_start_mjd, window_end_mjd, tile_paths_json, output_path, metrics_path, created_at, published_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.MosaicID, MosaicPlanned, m.Method, m.WindowStartMJD, m.WindowEndMJD, string(tilesJSON),
		nullString(m.OutputPath), nullString(m.MetricsPath), m.CreatedAt.UTC().Format(time.RFC3339Nano), nil)
	return err
}

// AdvanceMosaicState updates a mosaic's state and, for the built/failed
// transition, its output and metrics paths.
func (s *Store) AdvanceMosaicState(ctx context.Context, mosaicID string, state MosaicState, outputPath, metricsPath string) error {
	_, err := s.ExecContext(ctx, `
		UPDATE mosaics SET state = ?, output_path = ?, metrics_path = ? WHERE mosaic_id = ?`,
		state, nullString(outputPath), nullString(metricsPath), mosaicID)
	return err
}

// PublishMosaic marks a built mosaic published, stamping published_at.
func (s *Store) PublishMosaic(ctx context.Context, mosaicID string) error {
	_, err := s.ExecContext(ctx, `
		UPDATE mosaics SET state = ?, published_at = ? WHERE mosaic_id = ?`,
		MosaicPublished, time.Now().UTC().Format(time.RFC3339Nano), mosaicID)
	return err
}

// ListMosaics returns every mosaics row, newest first, for the `mosaic`
// CLI subcommands and the health monitor's status snapshot.
func (s *Store) ListMosaics(ctx context.Context) ([]Mosaic, error) {
	rows, err := s.QueryContext(ctx, `
		SELECT mosaic_id, state, method, window_start_mjd, window_end_mjd, tile_paths_json, output_path, metrics_path, created_at, published_at
		FROM mosaics ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Mosaic
	for rows.Next() {
		var m Mosaic
		var tilesJSON string
		var outputPath, metricsPath, publishedAt sql.NullString
		var createdAt string
		if err := rows.Scan(&m.MosaicID, &m.State, &m.Method, &m.WindowStartMJD, &m.WindowEndMJD,
			&tilesJSON, &outputPath, &metricsPath, &createdAt, &publishedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(tilesJSON), &m.TilePaths); err != nil {
			return nil, err
		}
		m.OutputPath = outputPath.String
		m.MetricsPath = metricsPath.String
		t, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, err
		}
		m.CreatedAt = t
		if publishedAt.Valid {
			pt, err := time.Parse(time.RFC3339Nano, publishedAt.String)
			if err != nil {
				return nil, err
			}
			m.PublishedAt = &pt
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetMosaic fetches a single mosaics row.
func (s *Store) GetMosaic(ctx context.Context, mosaicID string) (*Mosaic, error) {
	row := s.QueryRowContext(ctx, `
		SELECT mosaic_id, state, method, window_start_mjd, window_end_mjd, tile_paths_json, output_path, metrics_path, created_at, published_at
		FROM mosaics WHERE mosaic_id = ?`, mosaicID)
	var m Mosaic
	var tilesJSON string
	var outputPath, metricsPath, publishedAt sql.NullString
	var createdAt string
	if err := row.Scan(&m.MosaicID, &m.State, &m.Method, &m.WindowStartMJD, &m.WindowEndMJD,
		&tilesJSON, &outputPath, &metricsPath, &createdAt, &publishedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tilesJSON), &m.TilePaths); err != nil {
		return nil, err
	}
	m.OutputPath = outputPath.String
	m.MetricsPath = metricsPath.String
	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, err
	}
	m.CreatedAt = t
	if publishedAt.Valid {
		pt, err := time.Parse(time.RFC3339Nano, publishedAt.String)
		if err != nil {
			return nil, err
		}
		m.PublishedAt = &pt
	}
	return &m, nil
}
