package util

import (
	"fmt"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// MountInfo describes the filesystem holding a path.
type MountInfo struct {
	Network   bool   // network-mounted (NFS, SMB/CIFS, sshfs, ...)
	Protocol  string // filesystem type when known
	MountPath string // mount point when known
}

// DetectMount inspects the filesystem holding path. A path that does not
// exist yet is represented by its nearest existing ancestor.
func DetectMount(path string) (*MountInfo, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}
	if _, err := statExisting(abs); err != nil {
		return nil, err
	}
	for {
		var stat unix.Statfs_t
		err := unix.Statfs(abs, &stat)
		if err == nil {
			return detectPlatformMount(abs, &stat)
		}
		parent := filepath.Dir(abs)
		if parent == abs {
			return nil, fmt.Errorf("failed to stat filesystem: %w", err)
		}
		abs = parent
	}
}

// IsNetworkPath reports whether path lives on a network filesystem.
// Detection failures count as local.
func IsNetworkPath(path string) bool {
	info, err := DetectMount(path)
	return err == nil && info.Network
}
