package store

import (
	"context"
	"time"
)

// MSStage marks which pipeline stage an indexed measurement set has
// reached.
type MSStage string

const (
	MSStageConverted  MSStage = "converted"
	MSStageCalibrated MSStage = "calibrated"
	MSStageApplied    MSStage = "applied"
	MSStageImaged     MSStage = "imaged"
	MSStageDone       MSStage = "done"
)

// MSIndexEntry is a row of the ms_index table: one measurement set
// produced by the conversion worker and tracked through later stages.
type MSIndexEntry struct {
	Path          string
	StartMJD      float64
	EndMJD        float64
	MidMJD        float64
	Stage         MSStage
	Status        string
	ParentGroupID string
	UpdatedAt     time.Time
}

// InsertMSIndex records a newly converted measurement set.
func (s *Store) InsertMSIndex(ctx context.Context, e MSIndexEntry) error {
	_, err := s.ExecContext(ctx, `
		INSERT INTO ms_index (path, start_mjd, end_mjd, mid_mjd, stage, status, parent_group_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Path, e.StartMJD, e.EndMJD, e.MidMJD, e.Stage, e.Status, e.ParentGroupID,
		e.UpdatedAt.UTC().Format(time.RFC3339Nano))
	return err
}

// AdvanceMSStage updates an ms_index row's stage and status in place,
// called by the calibrate/apply workers as a measurement set progresses.
func (s *Store) AdvanceMSStage(ctx context.Context, path string, stage MSStage, status string) error {
	_, err := s.ExecContext(ctx, `
		UPDATE ms_index SET stage = ?, status = ?, updated_at = ? WHERE path = ?`,
		stage, status, time.Now().UTC().Format(time.RFC3339Nano), path)
	return err
}

// GetMSIndex fetches a single ms_index row by path.
func (s *Store) GetMSIndex(ctx context.Context, path string) (*MSIndexEntry, error) {
	row := s.QueryRowContext(ctx, `
		SELECT path, start_mjd, end_mjd, mid_mjd, stage, status, parent_group_id, updated_at
		FROM ms_index WHERE path = ?`, path)
	var e MSIndexEntry
	var updatedAt string
	if err := row.Scan(&e.Path, &e.StartMJD, &e.EndMJD, &e.MidMJD, &e.Stage, &e.Status,
		&e.ParentGroupID, &updatedAt); err != nil {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return nil, err
	}
	e.UpdatedAt = t
	return &e, nil
}

// ListDoneMSUpdatedBefore returns every ms_index row whose stage has
// reached done and whose last update predates cutoff, excluding rows
// whose artifact was already purged. The retention sweeper consumes
// this.
func (s *Store) ListDoneMSUpdatedBefore(ctx context.Context, cutoff time.Time) ([]MSIndexEntry, error) {
	rows, err := s.QueryContext(ctx, `
		SELECT path, start_mjd, end_mjd, mid_mjd, stage, status, parent_group_id, updated_at
		FROM ms_index WHERE stage = ? AND status != 'purged' AND updated_at < ?
		ORDER BY updated_at ASC`,
		MSStageDone, cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MSIndexEntry
	for rows.Next() {
		var e MSIndexEntry
		var updatedAt string
		if err := rows.Scan(&e.Path, &e.StartMJD, &e.EndMJD, &e.MidMJD, &e.Stage, &e.Status,
			&e.ParentGroupID, &updatedAt); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339Nano, updatedAt)
		if err != nil {
			return nil, err
		}
		e.UpdatedAt = t
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkMSPurged records that a measurement set's on-disk artifact was
// removed by retention. The row itself survives so the path stays
// unique and the group's history remains auditable.
func (s *Store) MarkMSPurged(ctx context.Context, path string) error {
	_, err := s.ExecContext(ctx, `
		UPDATE ms_index SET status = 'purged', updated_at = ? WHERE path = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), path)
	return err
}

// ListMSIndexByGroup returns every ms_index row produced from a group,
// used by the apply and imaging workers to find their inputs.
func (s *Store) ListMSIndexByGroup(ctx context.Context, groupID string) ([]MSIndexEntry, error) {
	rows, err := s.QueryContext(ctx, `
		SELECT path, start_mjd, end_mjd, mid_mjd, stage, status, parent_group_id, updated_at
		FROM ms_index WHERE parent_group_id = ? ORDER BY mid_mjd ASC`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MSIndexEntry
	for rows.Next() {
		var e MSIndexEntry
		var updatedAt string
		if err := rows.Scan(&e.Path, &e.StartMJD, &e.EndMJD, &e.MidMJD, &e.Stage, &e.Status,
			&e.ParentGroupID, &updatedAt); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339Nano, updatedAt)
		if err != nil {
			return nil, err
		}
		e.UpdatedAt = t
		out = append(out, e)
	}
	return out, rows.Err()
}
