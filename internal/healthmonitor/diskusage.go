package healthmonitor

import "syscall"

// diskFreeBytes reports the available bytes on the filesystem mounted at
// path, the same syscall.Statfs-based computation
// internal/pipeline/image/diskspace.go uses for its headroom precheck; no
// disk-usage library appears anywhere in the retrieved corpus.
func diskFreeBytes(path string) (int64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, err
	}
	return int64(stat.Bavail) * int64(stat.Bsize), nil
}

// diskTotalBytes reports the filesystem's total capacity at path, used
// alongside diskFreeBytes to compute tmpfs/disk utilization fractions.
func diskTotalBytes(path string) (int64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, err
	}
	return int64(stat.Blocks) * int64(stat.Bsize), nil
}
