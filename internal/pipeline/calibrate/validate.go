package calibrate

import (
	"fmt"

	"github.com/dsa110/contimg/internal/external"
)

// validateSolveResult checks a completed solve stage's table path was
// reported, a reference antenna was actually used, and its flagging
// fraction stays under the configured ceiling (spec §4.7's per-stage
// post-validation).
func validateSolveResult(result external.SolveResult, flaggingMaxFrac float64) error {
	if result.TablePath == "" {
		return fmt.Errorf("solver returned no table path")
	}
	if result.UsedRefAntenna == "" {
		return fmt.Errorf("solver did not report a reference antenna")
	}
	if result.FlaggedFraction > flaggingMaxFrac {
		return fmt.Errorf("flagged fraction %.4f exceeds ceiling %.4f", result.FlaggedFraction, flaggingMaxFrac)
	}
	return nil
}
