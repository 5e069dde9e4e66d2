//go:build !windows

package fsutil

import "golang.org/x/sys/unix"

// freeSpace returns the number of bytes available to an unprivileged process
// on the filesystem holding dir.
func freeSpace(dir string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return 0, err
	}
	return uint64(st.Bavail) * uint64(st.Bsize), nil
}
