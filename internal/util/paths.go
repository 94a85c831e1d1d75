package util

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// ResolveUnder joins a POSIX relative path onto root and rejects escapes.
func ResolveUnder(root, rel string) (string, error) {
	if rel == "" || path.IsAbs(rel) || filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: %q", ErrOutsideRoot, rel)
	}
	full := filepath.Join(root, filepath.FromSlash(rel))
	if !IsWithin(full, root) {
		return "", fmt.Errorf("%w: %q", ErrOutsideRoot, rel)
	}
	return full, nil
}

// RelPOSIX returns p relative to root using forward slashes.
func RelPOSIX(root, p string) (string, error) {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return "", err
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, p)
	}
	return filepath.ToSlash(rel), nil
}

// IsWithin reports whether p is dir or lies beneath it.
func IsWithin(p, dir string) bool {
	rel, err := filepath.Rel(filepath.Clean(dir), filepath.Clean(p))
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

const (
	isoUTCLayout   = "2006-01-02T15:04:05-07:00"
	isoNaiveLayout = "2006-01-02T15:04:05"
)

// NowISO is the UTC wall clock without sub-second precision, e.g.
// 2024-03-01T10:00:00+00:00.
func NowISO() string {
	return FormatISO(time.Now())
}

// FormatISO renders t in UTC with an explicit +00:00 offset.
func FormatISO(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(isoUTCLayout)
}

// FormatNaive renders t without a zone, the catalog's capture time format.
func FormatNaive(t time.Time) string {
	return t.Truncate(time.Second).Format(isoNaiveLayout)
}

// ParseNaive parses a capture timestamp written by FormatNaive.
func ParseNaive(s string) (time.Time, error) {
	return time.Parse(isoNaiveLayout, s)
}
