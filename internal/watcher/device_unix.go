//go:build unix

package watcher

import "golang.org/x/sys/unix"

// deviceID returns the device holding path.
func deviceID(path string) (uint64, bool) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return 0, false
	}
	return uint64(st.Dev), true //nolint:unconvert // Dev is narrower on some platforms
}
