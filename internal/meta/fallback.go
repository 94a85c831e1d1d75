package meta

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/franz/phototank/internal/util"
)

// Fallback names a capture-date source consulted when EXIF has no date.
type Fallback string

const (
	FallbackJSON     Fallback = "json"
	FallbackFilename Fallback = "filename"
	FallbackMtime    Fallback = "mtime"
)

// ParseFallbackOrder parses a comma separated list such as "json,filename,mtime".
// Empty input means EXIF only.
func ParseFallbackOrder(s string) ([]Fallback, error) {
	var order []Fallback
	seen := make(map[Fallback]bool)
	for _, part := range strings.Split(s, ",") {
		f := Fallback(strings.ToLower(strings.TrimSpace(part)))
		if f == "" {
			continue
		}
		switch f {
		case FallbackJSON, FallbackFilename, FallbackMtime:
		default:
			return nil, fmt.Errorf("%w: unknown datetime fallback %q", util.ErrInvalidConfig, part)
		}
		if !seen[f] {
			seen[f] = true
			order = append(order, f)
		}
	}
	return order, nil
}

// sidecarKeyPaths are the vendor layouts that carry a Unix capture timestamp.
var sidecarKeyPaths = [][]string{
	{"photoTakenTime", "timestamp"},
	{"creationTime", "timestamp"},
	{"takenTime", "timestamp"},
}

// DateFromSidecar reads <file>.json or <stem>.json next to path.
func DateFromSidecar(path string) (string, bool) {
	ext := filepath.Ext(path)
	candidates := []string{path + ".json", strings.TrimSuffix(path, ext) + ".json"}

	for _, c := range candidates {
		data, err := os.ReadFile(c)
		if err != nil {
			continue
		}
		var payload map[string]any
		if err := json.Unmarshal(data, &payload); err != nil {
			continue
		}
		for _, kp := range sidecarKeyPaths {
			v, ok := lookupPath(payload, kp)
			if !ok {
				continue
			}
			secs, ok := unixSeconds(v)
			if !ok {
				break
			}
			return util.FormatNaive(time.Unix(secs, 0).Local()), true
		}
	}
	return "", false
}

func lookupPath(m map[string]any, keys []string) (any, bool) {
	var cur any = m
	for _, k := range keys {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[k]
		if !ok {
			return nil, false
		}
	}
	return cur, cur != nil
}

func unixSeconds(v any) (int64, bool) {
	switch t := v.(type) {
	case float64:
		return int64(t), true
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		return n, err == nil
	}
	return 0, false
}

// DateFromMtime renders the file's modification time in local time.
func DateFromMtime(path string) (string, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return "", false
	}
	return util.FormatNaive(info.ModTime().Local()), true
}

// FromFallback consults a single fallback source.
func FromFallback(path string, f Fallback) (string, bool) {
	switch f {
	case FallbackJSON:
		return DateFromSidecar(path)
	case FallbackFilename:
		return DateFromFilename(path)
	case FallbackMtime:
		return DateFromMtime(path)
	}
	return "", false
}

// CaptureTime returns the EXIF date, else the first fallback in order that
// yields one. ok is false when nothing produced a date.
func CaptureTime(path string, exifDate *string, order []Fallback) (string, bool) {
	if exifDate != nil && *exifDate != "" {
		return *exifDate, true
	}
	for _, f := range order {
		if dt, ok := FromFallback(path, f); ok {
			return dt, true
		}
	}
	return "", false
}
