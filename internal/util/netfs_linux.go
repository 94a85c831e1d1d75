//go:build linux

package util

import (
	"bufio"
	"io"
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

// Kernel VFS magic numbers of network filesystems.
var networkMagic = map[uint32]string{
	0x6969:     "nfs",
	0xff534d42: "cifs",
	0xfe534d42: "smb2",
	0x517b:     "smb",
	0x564c:     "ncp",
}

var networkFSTypes = []string{"nfs", "cifs", "smb", "ncpfs", "fuse.sshfs", "fuse.rclone", "9p"}

func detectPlatformMount(path string, stat *unix.Statfs_t) (*MountInfo, error) {
	info := &MountInfo{}
	if proto, ok := networkMagic[uint32(stat.Type)]; ok {
		info.Network = true
		info.Protocol = proto
	}

	f, err := os.Open("/proc/mounts")
	if err != nil {
		return info, nil
	}
	defer f.Close()
	mounts, err := parseMounts(f)
	if err != nil {
		return info, nil
	}

	best := ""
	for mountPoint := range mounts {
		if IsWithin(path, mountPoint) && len(mountPoint) > len(best) {
			best = mountPoint
		}
	}
	if best == "" {
		return info, nil
	}
	info.MountPath = best
	fsType := strings.ToLower(mounts[best])
	for _, n := range networkFSTypes {
		if strings.HasPrefix(fsType, n) {
			info.Network = true
			break
		}
	}
	if info.Network || info.Protocol == "" {
		info.Protocol = fsType
	}
	return info, nil
}

// parseMounts reads a /proc/mounts style table into mount point -> fs type.
func parseMounts(r io.Reader) (map[string]string, error) {
	mounts := make(map[string]string)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		// device mountpoint fstype options dump pass
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 {
			continue
		}
		mounts[unescapeMount(fields[1])] = fields[2]
	}
	return mounts, scanner.Err()
}

// unescapeMount decodes the octal escapes (\040 for space) the kernel uses.
func unescapeMount(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+4 <= len(s) {
			if v, ok := octal(s[i+1 : i+4]); ok {
				b.WriteByte(v)
				i += 3
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func octal(s string) (byte, bool) {
	if len(s) != 3 {
		return 0, false
	}
	var v int
	for _, c := range s {
		if c < '0' || c > '7' {
			return 0, false
		}
		v = v*8 + int(c-'0')
	}
	if v > 255 {
		return 0, false
	}
	return byte(v), true
}
