//go:build darwin

package util

import (
	"strings"

	"golang.org/x/sys/unix"
)

var networkFSTypes = []string{"nfs", "smbfs", "afpfs", "cifs", "webdav", "osxfuse", "macfuse"}

func detectPlatformMount(path string, stat *unix.Statfs_t) (*MountInfo, error) {
	info := &MountInfo{
		Protocol:  strings.ToLower(unix.ByteSliceToString(stat.Fstypename[:])),
		MountPath: unix.ByteSliceToString(stat.Mntonname[:]),
	}
	for _, n := range networkFSTypes {
		if strings.Contains(info.Protocol, n) {
			info.Network = true
			break
		}
	}
	return info, nil
}
