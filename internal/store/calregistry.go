package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// SolutionSetStatus is the lifecycle state of a cal_registry row.
type SolutionSetStatus string

const (
	SolutionActive     SolutionSetStatus = "active"
	SolutionSuperseded SolutionSetStatus = "superseded"
	SolutionQuarantine SolutionSetStatus = "quarantined"
)

// SolutionSet is a row of the cal_registry table: one named set of
// calibration tables with a validity window.
type SolutionSet struct {
	SetName          string
	CreatedMidMJD    float64
	ValidityStartMJD float64
	ValidityEndMJD   float64
	CalibratorName   string
	QualityScore     float64
	Status           SolutionSetStatus
	Tables           map[string]string // table kind (delay/bandpass/gain) -> path
	// SPWCount is the spectral window count of the measurement set this
	// set was solved against, recorded so the apply worker can detect a
	// mismatch against the MS it is applying to without re-reading
	// either measurement set (spec §4.9, Open Question #1).
	SPWCount int
}

// PublishSolutionSet inserts a new active solution set, marking any
// previously active set whose window it supersedes as superseded, in a
// single transaction (spec §4.8).
func (s *Store) PublishSolutionSet(ctx context.Context, set SolutionSet) error {
	tablesJSON, err := json.Marshal(set.Tables)
	if err != nil {
		return err
	}
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE cal_registry SET status = ? WHERE status = ?`,
			SolutionSuperseded, SolutionActive); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO cal_registry (set_name, created_mid_mjd, validity_start_mjd, validity_end_mjd, calibrator_name, quality_score, status, tables_json, spw_count)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			set.SetName, set.CreatedMidMJD, set.ValidityStartMJD, set.ValidityEndMJD,
			set.CalibratorName, set.QualityScore, SolutionActive, string(tablesJSON), set.SPWCount)
		return err
	})
}

// QuarantineSolutionSet marks a named set quarantined, removing it from
// registry lookups without deleting its history.
func (s *Store) QuarantineSolutionSet(ctx context.Context, setName string) error {
	_, err := s.ExecContext(ctx, `UPDATE cal_registry SET status = ? WHERE set_name = ?`, SolutionQuarantine, setName)
	return err
}

// PromoteSolutionSet marks setName active, superseding whatever set is
// currently active, for the `registry promote` subcommand's manual
// override of the normal publish-time supersession (spec §4.8, an
// operator recovery path when the wrong set won the automatic promotion).
func (s *Store) PromoteSolutionSet(ctx context.Context, setName string) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE cal_registry SET status = ? WHERE status = ?`,
			SolutionSuperseded, SolutionActive); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `UPDATE cal_registry SET status = ? WHERE set_name = ?`, SolutionActive, setName)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("store: no solution set named %q", setName)
		}
		return nil
	})
}

// FindCoveringSolutionSet returns the active set whose validity window
// covers t, if any.
func (s *Store) FindCoveringSolutionSet(ctx context.Context, t float64) (*SolutionSet, error) {
	row := s.QueryRowContext(ctx, `
		SELECT set_name, created_mid_mjd, validity_start_mjd, validity_end_mjd, calibrator_name, quality_score, status, tables_json, spw_count
		FROM cal_registry WHERE status = ? AND validity_start_mjd <= ? AND validity_end_mjd >= ?
		ORDER BY validity_start_mjd DESC LIMIT 1`, SolutionActive, t, t)
	return scanSolutionSet(row)
}

// FindMostRecentSolutionSet returns the most recently created active or
// superseded set, regardless of whether it covers t, for the stale-but-
// recent fallback step of registry resolution.
func (s *Store) FindMostRecentSolutionSet(ctx context.Context, before float64) (*SolutionSet, error) {
	row := s.QueryRowContext(ctx, `
		SELECT set_name, created_mid_mjd, validity_start_mjd, validity_end_mjd, calibrator_name, quality_score, status, tables_json, spw_count
		FROM cal_registry WHERE status != ? AND created_mid_mjd <= ?
		ORDER BY created_mid_mjd DESC LIMIT 1`, SolutionQuarantine, before)
	return scanSolutionSet(row)
}

// ListSolutionSets returns every registry row, most recent first, used by
// the `registry list` subcommand.
func (s *Store) ListSolutionSets(ctx context.Context) ([]SolutionSet, error) {
	rows, err := s.QueryContext(ctx, `
		SELECT set_name, created_mid_mjd, validity_start_mjd, validity_end_mjd, calibrator_name, quality_score, status, tables_json, spw_count
		FROM cal_registry ORDER BY created_mid_mjd DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SolutionSet
	for rows.Next() {
		var set SolutionSet
		var tablesJSON string
		if err := rows.Scan(&set.SetName, &set.CreatedMidMJD, &set.ValidityStartMJD, &set.ValidityEndMJD,
			&set.CalibratorName, &set.QualityScore, &set.Status, &tablesJSON, &set.SPWCount); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(tablesJSON), &set.Tables); err != nil {
			return nil, err
		}
		out = append(out, set)
	}
	return out, rows.Err()
}

func scanSolutionSet(row *sql.Row) (*SolutionSet, error) {
	var set SolutionSet
	var tablesJSON string
	if err := row.Scan(&set.SetName, &set.CreatedMidMJD, &set.ValidityStartMJD, &set.ValidityEndMJD,
		&set.CalibratorName, &set.QualityScore, &set.Status, &tablesJSON, &set.SPWCount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if err := json.Unmarshal([]byte(tablesJSON), &set.Tables); err != nil {
		return nil, err
	}
	return &set, nil
}
