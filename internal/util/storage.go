package util

import "time"

// StorageProfile is the file transfer tuning for a set of paths.
type StorageProfile struct {
	Network    bool
	Mount      *MountInfo // the network mount that triggered tuning, if any
	BufferSize int
	Retry      *RetryConfig
}

const (
	localBufferSize   = 128 * 1024
	networkBufferSize = 256 * 1024
)

// TuneForPaths returns transfer settings for moving files between paths.
// force overrides detection when non-nil.
func TuneForPaths(force *bool, paths ...string) *StorageProfile {
	p := &StorageProfile{
		BufferSize: localBufferSize,
		Retry:      DefaultRetryConfig(),
	}

	if force != nil {
		if *force {
			applyNetworkTuning(p)
		}
		DebugLog("Network storage tuning forced %v", *force)
		return p
	}

	for _, path := range paths {
		if path == "" {
			continue
		}
		info, err := DetectMount(path)
		if err != nil {
			WarnLog("Failed to detect filesystem for %s: %v", path, err)
			continue
		}
		if info.Network {
			p.Mount = info
			applyNetworkTuning(p)
			InfoLog("Network filesystem detected: %s is on %s (%s); using %dKB buffers and %d attempts",
				path, info.Protocol, info.MountPath, p.BufferSize/1024, p.Retry.MaxAttempts)
			return p
		}
	}
	return p
}

// Larger buffers cut round-trips; NAS mounts drop connections more often.
func applyNetworkTuning(p *StorageProfile) {
	p.Network = true
	p.BufferSize = networkBufferSize
	p.Retry = &RetryConfig{
		MaxAttempts: 5,
		InitialWait: 500 * time.Millisecond,
		MaxWait:     10 * time.Second,
	}
}
