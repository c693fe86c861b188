// Package calregistry implements the calibration registry's time-windowed
// lookup (spec §4.8): given a target measurement-set mid-time, resolve
// which named solution set an apply worker should use, including the
// "last known good" fallback when no solution set's validity window
// currently covers the target time. The registry itself (publish,
// supersede, quarantine) lives in internal/store/calregistry.go; this
// package is the read-side policy layered on top of it, kept separate so
// the lookup's three-step fallback chain is one reviewable function
// rather than folded into the store's CRUD.
package calregistry

import (
	"context"

	"github.com/dsa110/contimg/internal/cerrors"
	"github.com/dsa110/contimg/internal/store"
)

// Resolution is the result of resolving a solution set for a target
// time: either a usable set (Stale indicates the fallback-to-recent path
// was taken rather than an exact covering window) or nothing, in which
// case the caller must fail the group with MissingCalibration.
type Resolution struct {
	Set   *store.SolutionSet
	Stale bool
}

// Resolve implements spec §4.8's three-step lookup:
//  1. the active set whose validity window covers t;
//  2. else, if a set existed within fallbackStale of t, the most recent
//     one, flagged stale;
//  3. else, nothing.
func Resolve(ctx context.Context, st *store.Store, t float64, fallbackStaleDays float64) (*Resolution, error) {
	covering, err := st.FindCoveringSolutionSet(ctx, t)
	if err != nil {
		return nil, err
	}
	if covering != nil {
		return &Resolution{Set: covering}, nil
	}

	recent, err := st.FindMostRecentSolutionSet(ctx, t)
	if err != nil {
		return nil, err
	}
	if recent != nil && t-recent.CreatedMidMJD <= fallbackStaleDays {
		return &Resolution{Set: recent, Stale: true}, nil
	}

	return nil, nil
}

// RequireResolve wraps Resolve, returning a cerrors.MissingCalibration
// error when nothing resolves, so callers in the apply worker can treat
// "no calibration" as the same typed failure the task queue's retry
// policy already knows how to schedule (spec §4.8 step 3, §4.5's
// missing_calibration class).
func RequireResolve(ctx context.Context, st *store.Store, t float64, fallbackStaleDays float64) (*Resolution, error) {
	res, err := Resolve(ctx, st, t, fallbackStaleDays)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, cerrors.New(cerrors.MissingCalibration, "no active or recent calibration solution set covers this observation").
			WithContext("mid_mjd", t)
	}
	return res, nil
}
