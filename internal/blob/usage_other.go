//go:build !linux && !darwin

package blob

// DiskUsage is unavailable on this platform; the gauge stays at zero.
func (s *FSStore) DiskUsage() (total, free uint64, err error) {
	return 0, 0, nil
}
