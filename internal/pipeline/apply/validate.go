package apply

import (
	"fmt"

	"github.com/dsa110/contimg/internal/fsutil"
)

// validateApplied checks that the applier actually left msPath present
// and non-empty. The external contract writes a corrected data column
// in place rather than producing a new file, so existence and size are
// the only invariants this worker can check without re-reading the
// measurement set itself (spec §4.9's post-check).
func validateApplied(fs fsutil.FileSystem, msPath string) error {
	info, err := fs.Stat(msPath)
	if err != nil {
		return fmt.Errorf("stat applied measurement set: %w", err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("applied measurement set %s is empty", msPath)
	}
	return nil
}
