//go:build linux || darwin

package blob

import "golang.org/x/sys/unix"

// DiskUsage reports total and free bytes on the filesystem holding the
// store root. Feeds the metrics collector.
func (s *FSStore) DiskUsage() (total, free uint64, err error) {
	var st unix.Statfs_t
	if err := unix.Statfs(s.root, &st); err != nil {
		return 0, 0, err
	}
	bsize := uint64(st.Bsize)
	return st.Blocks * bsize, st.Bavail * bsize, nil
}
