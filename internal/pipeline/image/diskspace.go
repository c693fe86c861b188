package image

import "syscall"

// realDiskFreeBytes reports the available bytes on the filesystem
// mounted at path. No disk-usage library appears anywhere in the
// retrieved corpus, so this rests directly on syscall.Statfs — the same
// justified standard-library exception internal/lockmgr documents for
// advisory locking.
func realDiskFreeBytes(path string) (int64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, err
	}
	return int64(stat.Bavail) * int64(stat.Bsize), nil
}
