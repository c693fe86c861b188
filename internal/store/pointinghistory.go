package store

import (
	"context"
	"time"
)

// PointingHistory is a row of the pointing_history table: where the
// array was actually pointed, one row per discovered sub-band. The
// mosaic planner cross-checks tile declinations against it.
type PointingHistory struct {
	Path         string
	RADeg        float64
	DecDeg       float64
	MidMJD       float64
	DiscoveredAt time.Time
}

// InsertPointingHistory records one observation's pointing.
func (s *Store) InsertPointingHistory(ctx context.Context, p PointingHistory) error {
	_, err := s.ExecContext(ctx, `
		INSERT INTO pointing_history (path, ra_deg, dec_deg, mid_mjd, discovered_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(path) DO NOTHING`,
		p.Path, p.RADeg, p.DecDeg, p.MidMJD, p.DiscoveredAt.UTC().Format(time.RFC3339Nano))
	return err
}

// FindPointingHistoryInWindow returns pointing rows in [t0, t1], ordered
// chronologically.
func (s *Store) FindPointingHistoryInWindow(ctx context.Context, t0, t1 float64) ([]PointingHistory, error) {
	rows, err := s.QueryContext(ctx, `
		SELECT path, ra_deg, dec_deg, mid_mjd, discovered_at FROM pointing_history
		WHERE mid_mjd >= ? AND mid_mjd <= ? ORDER BY mid_mjd ASC`, t0, t1)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PointingHistory
	for rows.Next() {
		var p PointingHistory
		var discoveredAt string
		if err := rows.Scan(&p.Path, &p.RADeg, &p.DecDeg, &p.MidMJD, &discoveredAt); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339Nano, discoveredAt)
		if err != nil {
			return nil, err
		}
		p.DiscoveredAt = t
		out = append(out, p)
	}
	return out, rows.Err()
}
