package meta

import (
	"fmt"
	"image"
	_ "image/gif"  // register GIF for DecodeConfig
	_ "image/jpeg" // register JPEG for DecodeConfig
	_ "image/png"  // register PNG for DecodeConfig
	"os"

	_ "golang.org/x/image/tiff" // register TIFF for DecodeConfig
	_ "golang.org/x/image/webp" // register WEBP for DecodeConfig

	"github.com/franz/phototank/internal/store"
	"github.com/franz/phototank/internal/util"
)

// Dimensions reads pixel width and height from the image header.
// Both are nil for formats without a registered decoder.
func Dimensions(path string) (*int, *int) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil
	}
	defer f.Close()

	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return nil, nil
	}
	w, h := cfg.Width, cfg.Height
	return &w, &h
}

// BuildRecord assembles a fresh catalog record for a file inside root.
// The capture date comes from EXIF, then importDate when given (the date
// that chose the library folder), then the fallback order.
func BuildRecord(root, path string, order []Fallback, importDate string) (*store.Photo, error) {
	rel, err := util.RelPOSIX(root, path)
	if err != nil {
		return nil, fmt.Errorf("failed to compute library path: %w", err)
	}
	size, mtime, err := util.GetFileMetadata(path)
	if err != nil {
		return nil, err
	}

	ex := ReadEXIF(path)
	p := &store.Photo{
		GUID:         util.NewGUID(),
		RelPath:      rel,
		GPSAltitude:  ex.Altitude,
		GPSLatitude:  ex.Latitude,
		GPSLongitude: ex.Longitude,
		CameraMake:   ex.CameraMake,
		FileSize:     size,
		SourceMtime:  &mtime,
		UserComment:  ex.UserComment,
		IndexedAt:    util.NowISO(),
		ExifError:    ex.Err,
	}

	switch {
	case ex.DatetimeOriginal != nil:
		p.DatetimeOriginal = ex.DatetimeOriginal
	case importDate != "":
		p.DatetimeOriginal = &importDate
	default:
		if dt, ok := CaptureTime(path, nil, order); ok {
			p.DatetimeOriginal = &dt
		}
	}
	p.Width, p.Height = Dimensions(path)
	return p, nil
}

// MergePrevious fills fields the new extraction left empty from prev. Used
// when a re-exported file replaces a catalogued one and lost some EXIF.
func MergePrevious(p, prev *store.Photo) {
	if isBlank(p.DatetimeOriginal) {
		p.DatetimeOriginal = prev.DatetimeOriginal
	}
	if p.GPSLatitude == nil {
		p.GPSLatitude = prev.GPSLatitude
	}
	if p.GPSLongitude == nil {
		p.GPSLongitude = prev.GPSLongitude
	}
	if p.GPSAltitude == nil {
		p.GPSAltitude = prev.GPSAltitude
	}
	if isBlank(p.CameraMake) {
		p.CameraMake = prev.CameraMake
	}
	if isBlank(p.UserComment) {
		p.UserComment = prev.UserComment
	}
}

func isBlank(s *string) bool {
	return s == nil || *s == ""
}
