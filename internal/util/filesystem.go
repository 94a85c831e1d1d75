package util

import (
	"os"
	"path/filepath"
	"syscall"
)

// IsSameFilesystem checks if two paths are on the same filesystem
// by comparing their device IDs (st_dev). A path that does not exist yet
// is represented by its nearest existing ancestor.
// Returns (false, nil) if device IDs are unavailable on this platform.
func IsSameFilesystem(path1, path2 string) (bool, error) {
	stat1, err := statExisting(path1)
	if err != nil {
		return false, err
	}

	stat2, err := statExisting(path2)
	if err != nil {
		return false, err
	}

	sysStat1, ok1 := stat1.Sys().(*syscall.Stat_t)
	sysStat2, ok2 := stat2.Sys().(*syscall.Stat_t)
	if !ok1 || !ok2 {
		return false, nil
	}

	return sysStat1.Dev == sysStat2.Dev, nil
}

func statExisting(p string) (os.FileInfo, error) {
	for {
		info, err := os.Stat(p)
		if err == nil || !os.IsNotExist(err) {
			return info, err
		}
		parent := filepath.Dir(p)
		if parent == p {
			return nil, err
		}
		p = parent
	}
}
