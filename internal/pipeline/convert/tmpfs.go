package convert

import (
	"context"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/dsa110/contimg/internal/fsutil"
	"github.com/dsa110/contimg/internal/obslog"
)

// cleanupRetries is how many times cleanupStagingDir re-checks that a
// tmpfs staging directory is actually gone after removal, since tmpfs
// unlinks can lag briefly under memory pressure.
const cleanupRetries = 3

// newStagingDir creates a fresh UUID8-suffixed directory under root for
// one group's conversion scratch space, keeping concurrent conversions
// of different groups from ever sharing a staging path.
func newStagingDir(fsys fsutil.FileSystem, root, groupID string) (string, error) {
	suffix := uuid.New().String()[:8]
	dir := filepath.Join(root, groupID+"_"+suffix)
	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// cleanupStagingDir removes dir and confirms its absence via
// fsutil.VerifiedRemover, falling back to a single best-effort RemoveAll
// for any FileSystem that does not implement verified removal.
func cleanupStagingDir(ctx context.Context, fsys fsutil.FileSystem, dir string) {
	vr, ok := fsys.(fsutil.VerifiedRemover)
	if !ok {
		if err := fsys.RemoveAll(dir); err != nil {
			obslog.Logf("convert: remove staging dir %s: %v", dir, err)
		}
		return
	}
	if err := vr.RemoveAllVerified(ctx, dir, cleanupRetries, 50*time.Millisecond); err != nil {
		obslog.Logf("convert: staging dir %s still present after %d cleanup retries: %v", dir, cleanupRetries, err)
	}
}
