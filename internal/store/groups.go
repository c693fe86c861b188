package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

// GroupState is the lifecycle state of a group row, driving task-queue
// acquisition and the stage machine.
type GroupState string

const (
	GroupQueued      GroupState = "queued"
	GroupAcquired    GroupState = "acquired"
	GroupConverted   GroupState = "converted"
	GroupCalibrated  GroupState = "calibrated"
	GroupApplied     GroupState = "applied"
	GroupImaged      GroupState = "imaged"
	GroupDone        GroupState = "done"
	GroupQuarantined GroupState = "quarantined"
	GroupAbandoned   GroupState = "abandoned"
)

// Group is a row of the groups table: one assembled (complete or partial)
// observation awaiting or undergoing pipeline processing.
type Group struct {
	GroupID        string
	TimestampISO   string
	NFiles         int
	Completeness   float64
	State          GroupState
	Attempts       int
	LastErrorClass string
	AcquiredAt     *time.Time
	AcquiredBy     string
	CreatedAt      time.Time
	// ResumeState is the state AcquireNextGroupInState most recently
	// acquired this group from. RetryGroup reverts to it so a failed
	// attempt at any stage — not just the first — returns to that
	// stage's own predecessor state rather than restarting at convert.
	ResumeState GroupState
	// RetryAfter, when set, excludes the group from acquisition until
	// this time has passed (spec §4.5's per-class backoff delay).
	RetryAfter *time.Time
}

// ErrGroupIDCollision is returned by InsertGroup when group_id already
// exists, so the group assembler can retry with a fresh disambiguator.
var ErrGroupIDCollision = errors.New("store: group_id already exists")

// InsertGroup inserts a newly assembled group row. A unique-constraint
// violation (on group_id, or on the unique timestamp_iso index) surfaces
// as ErrGroupIDCollision so the caller can
// mint a new microsecond-disambiguated ID and retry, per the group
// assembler's collision-retry requirement. ResumeState defaults to
// GroupQueued when left zero, matching a freshly assembled group's state.
func (s *Store) InsertGroup(ctx context.Context, g Group) error {
	resumeState := g.ResumeState
	if resumeState == "" {
		resumeState = GroupQueued
	}
	_, err := s.ExecContext(ctx, `
		INSERT INTO groups (group_id, timestamp_iso, n_files, completeness, state, attempts, last_error_class, acquired_at, acquired_by, created_at, resume_state, retry_after)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		g.GroupID, g.TimestampISO, g.NFiles, g.Completeness, g.State, g.Attempts,
		nullString(g.LastErrorClass), nullTime(g.AcquiredAt), nullString(g.AcquiredBy),
		g.CreatedAt.UTC().Format(time.RFC3339Nano), resumeState, nullTime(g.RetryAfter))
	if err != nil && isUniqueViolation(err) {
		return ErrGroupIDCollision
	}
	return err
}

// AcquireNextGroup atomically selects the oldest eligible queued group by
// observation timestamp (not created_at — bootstrap scans and out-of-order
// filesystem listings must not reorder processing) and marks it acquired.
// Returns nil, nil if no eligible group exists. It is the convert stage's
// entry point into the stage machine; every later stage polls its own
// predecessor state through AcquireNextGroupInState instead.
func (s *Store) AcquireNextGroup(ctx context.Context, workerID string) (*Group, error) {
	return s.AcquireNextGroupInState(ctx, GroupQueued, workerID)
}

// AcquireNextGroupInState atomically selects the oldest group (by
// observation timestamp, not created_at) whose state equals fromState and
// whose retry_after has either never been set or has already elapsed, and
// marks it acquired under workerID, recording fromState as resume_state so
// a later RetryGroup call knows where to revert to. Returns nil, nil if no
// eligible group exists. Every pipeline stage after convert polls its own
// predecessor state this way (spec §4.5's chronological, atomic
// acquisition applies identically at every stage boundary, not just
// initial enqueue).
func (s *Store) AcquireNextGroupInState(ctx context.Context, fromState GroupState, workerID string) (*Group, error) {
	var g *Group
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		row := tx.QueryRowContext(ctx, `
			SELECT group_id, timestamp_iso, n_files, completeness, state, attempts, last_error_class, acquired_at, acquired_by, created_at, resume_state, retry_after
			FROM groups WHERE state = ? AND (retry_after IS NULL OR retry_after <= ?) ORDER BY timestamp_iso ASC LIMIT 1`,
			fromState, now.Format(time.RFC3339Nano))
		found, err := scanGroup(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE groups SET state = ?, acquired_at = ?, acquired_by = ?, resume_state = ?
			WHERE group_id = ? AND state = ?`,
			GroupAcquired, now.Format(time.RFC3339Nano), workerID, fromState, found.GroupID, fromState)
		if err != nil {
			return err
		}
		// The state guard in the WHERE clause means a zero-row update is
		// a lost race: another worker acquired this group between our
		// SELECT and UPDATE. Report no acquisition rather than returning
		// a group this caller does not actually hold — two workers must
		// never both believe they hold the same group.
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		found.State = GroupAcquired
		found.AcquiredAt = &now
		found.AcquiredBy = workerID
		found.ResumeState = fromState
		g = found
		return nil
	})
	return g, err
}

// AdvanceGroupState moves a group to newState, used by each pipeline stage
// on success to hand the group to the next stage's acquisition query.
func (s *Store) AdvanceGroupState(ctx context.Context, groupID string, newState GroupState) error {
	_, err := s.ExecContext(ctx, `UPDATE groups SET state = ? WHERE group_id = ?`, newState, groupID)
	return err
}

// ReleaseGroup records a terminal outcome for a group: done, quarantined,
// or abandoned. It does not touch attempts or acquired_at/acquired_by
// beyond what the caller passes — terminal transitions are not retries.
// Use RetryGroup to send a failed attempt back into its stage's queue.
func (s *Store) ReleaseGroup(ctx context.Context, groupID string, outcome GroupState, errorClass string) error {
	_, err := s.ExecContext(ctx, `
		UPDATE groups SET state = ?, last_error_class = ? WHERE group_id = ?`,
		outcome, nullString(errorClass), groupID)
	return err
}

// RetryGroup reverts a failed attempt back to the group's recorded
// resume_state (the state it was most recently acquired from, per
// AcquireNextGroupInState), incrementing its attempt count, recording
// errorClass, and setting retry_after so acquisition excludes it until
// delay has elapsed (spec §4.5's per-class backoff).
func (s *Store) RetryGroup(ctx context.Context, groupID string, errorClass string, delay time.Duration) error {
	retryAfter := time.Now().UTC().Add(delay)
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT resume_state FROM groups WHERE group_id = ?`, groupID)
		var resumeState GroupState
		if err := row.Scan(&resumeState); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE groups SET state = ?, attempts = attempts + 1, last_error_class = ?,
				acquired_at = NULL, acquired_by = NULL, retry_after = ?
			WHERE group_id = ?`,
			resumeState, errorClass, retryAfter.Format(time.RFC3339Nano), groupID)
		return err
	})
}

// GetGroup fetches a single groups row by ID.
func (s *Store) GetGroup(ctx context.Context, groupID string) (*Group, error) {
	row := s.QueryRowContext(ctx, `
		SELECT group_id, timestamp_iso, n_files, completeness, state, attempts, last_error_class, acquired_at, acquired_by, created_at, resume_state, retry_after
		FROM groups WHERE group_id = ?`, groupID)
	return scanGroup(row)
}

// ListGroupsByState returns groups in the given state, oldest first.
func (s *Store) ListGroupsByState(ctx context.Context, state GroupState) ([]Group, error) {
	rows, err := s.QueryContext(ctx, `
		SELECT group_id, timestamp_iso, n_files, completeness, state, attempts, last_error_class, acquired_at, acquired_by, created_at, resume_state, retry_after
		FROM groups WHERE state = ? ORDER BY created_at ASC`, state)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Group
	for rows.Next() {
		g, err := scanGroupRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *g)
	}
	return out, rows.Err()
}

// CountGroupsByState returns the number of groups in the given state,
// used by the health monitor's queue-depth gauge without paying the cost
// of materializing every row.
func (s *Store) CountGroupsByState(ctx context.Context, state GroupState) (int, error) {
	var n int
	err := s.QueryRowContext(ctx, `SELECT COUNT(*) FROM groups WHERE state = ?`, state).Scan(&n)
	return n, err
}

// ListGroupsSorted returns every group ordered by sortColumn, used by the
// `queue list --sort` subcommand. sortColumn must appear in the
// "queue_list_sort" whitelist; anything else is rejected before it is
// ever concatenated into the query string.
func (s *Store) ListGroupsSorted(ctx context.Context, sortColumn string) ([]Group, error) {
	if err := ValidateIdentifier("queue_list_sort", sortColumn); err != nil {
		return nil, err
	}
	rows, err := s.QueryContext(ctx, `
		SELECT group_id, timestamp_iso, n_files, completeness, state, attempts, last_error_class, acquired_at, acquired_by, created_at, resume_state, retry_after
		FROM groups ORDER BY `+sortColumn+` ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Group
	for rows.Next() {
		g, err := scanGroupRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *g)
	}
	return out, rows.Err()
}

func scanGroup(row *sql.Row) (*Group, error) {
	var g Group
	var lastErr, acquiredBy sql.NullString
	var acquiredAt, retryAfter sql.NullString
	var createdAt string
	if err := row.Scan(&g.GroupID, &g.TimestampISO, &g.NFiles, &g.Completeness, &g.State,
		&g.Attempts, &lastErr, &acquiredAt, &acquiredBy, &createdAt, &g.ResumeState, &retryAfter); err != nil {
		return nil, err
	}
	return finishGroupScan(&g, lastErr, acquiredAt, acquiredBy, createdAt, retryAfter)
}

func scanGroupRows(rows *sql.Rows) (*Group, error) {
	var g Group
	var lastErr, acquiredBy sql.NullString
	var acquiredAt, retryAfter sql.NullString
	var createdAt string
	if err := rows.Scan(&g.GroupID, &g.TimestampISO, &g.NFiles, &g.Completeness, &g.State,
		&g.Attempts, &lastErr, &acquiredAt, &acquiredBy, &createdAt, &g.ResumeState, &retryAfter); err != nil {
		return nil, err
	}
	return finishGroupScan(&g, lastErr, acquiredAt, acquiredBy, createdAt, retryAfter)
}

func finishGroupScan(g *Group, lastErr, acquiredAt, acquiredBy sql.NullString, createdAt string, retryAfter sql.NullString) (*Group, error) {
	g.LastErrorClass = lastErr.String
	g.AcquiredBy = acquiredBy.String
	if acquiredAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, acquiredAt.String)
		if err != nil {
			return nil, err
		}
		g.AcquiredAt = &t
	}
	if retryAfter.Valid {
		t, err := time.Parse(time.RFC3339Nano, retryAfter.String)
		if err != nil {
			return nil, err
		}
		g.RetryAfter = &t
	}
	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, err
	}
	g.CreatedAt = t
	return g, nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed: UNIQUE")
}
