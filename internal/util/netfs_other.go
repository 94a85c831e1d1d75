//go:build !linux && !darwin

package util

import "golang.org/x/sys/unix"

// Unsupported platforms are treated as local storage.
func detectPlatformMount(path string, stat *unix.Statfs_t) (*MountInfo, error) {
	return &MountInfo{}, nil
}
