package meta

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rwcarlsen/goexif/exif"
	"github.com/rwcarlsen/goexif/tiff"

	"github.com/franz/phototank/internal/heif"
	"github.com/franz/phototank/internal/util"
)

// EXIFData is what the extractor pulls from a file's embedded EXIF.
// Every field is nil when absent or unparseable.
type EXIFData struct {
	DatetimeOriginal *string
	Altitude         *float64
	Latitude         *float64
	Longitude        *float64
	CameraMake       *string
	UserComment      *string
	Err              *string // set when the EXIF block exists but cannot be read
}

const exifDateLayout = "2006:01:02 15:04:05"

// ReadEXIF extracts capture date, GPS, camera make and user comment.
// It never fails: an unreadable block is reported in Err with all data nil.
func ReadEXIF(path string) EXIFData {
	f, err := os.Open(path)
	if err != nil {
		return exifFailure(err)
	}
	defer f.Close()

	r, err := heif.MetadataReader(f)
	if err != nil {
		return exifFailure(err)
	}
	x, err := exif.Decode(r)
	if x == nil {
		if err == nil || isNoEXIF(err) {
			return EXIFData{}
		}
		return exifFailure(err)
	}
	if err != nil && exif.IsCriticalError(err) {
		return exifFailure(err)
	}

	var d EXIFData
	for _, name := range []exif.FieldName{exif.DateTimeOriginal, exif.DateTimeDigitized, exif.DateTime} {
		if s, ok := tagString(x, name); ok {
			d.DatetimeOriginal = ParseEXIFDate(s)
			break
		}
	}
	if s, ok := tagString(x, exif.Make); ok && s != "" {
		d.CameraMake = &s
	}
	d.UserComment = userComment(x)

	if lat := gpsCoordinate(x, exif.GPSLatitude); lat != nil {
		if ref, _ := tagString(x, exif.GPSLatitudeRef); strings.EqualFold(ref, "S") {
			*lat = -*lat
		}
		d.Latitude = lat
	}
	if lon := gpsCoordinate(x, exif.GPSLongitude); lon != nil {
		if ref, _ := tagString(x, exif.GPSLongitudeRef); strings.EqualFold(ref, "W") {
			*lon = -*lon
		}
		d.Longitude = lon
	}
	d.Altitude = gpsAltitude(x)

	return d
}

// ParseEXIFDate converts "YYYY:MM:DD HH:MM:SS" to ISO-8601; nil when invalid.
func ParseEXIFDate(s string) *string {
	t, err := time.Parse(exifDateLayout, strings.TrimSpace(s))
	if err != nil {
		return nil
	}
	iso := util.FormatNaive(t)
	return &iso
}

func exifFailure(err error) EXIFData {
	msg := fmt.Sprintf("%T: %v", err, err)
	return EXIFData{Err: &msg}
}

func isNoEXIF(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "exif intro marker") || strings.Contains(msg, "no exif")
}

func tagString(x *exif.Exif, name exif.FieldName) (string, bool) {
	tag, err := x.Get(name)
	if err != nil {
		return "", false
	}
	var s string
	if tag.Format() == tiff.StringVal {
		s, err = tag.StringVal()
		if err != nil {
			return "", false
		}
	} else {
		s = string(tag.Val)
	}
	return strings.TrimSpace(strings.TrimRight(s, "\x00")), true
}

// userComment strips the 8-byte character code prefix of EXIF UserComment.
func userComment(x *exif.Exif) *string {
	tag, err := x.Get(exif.UserComment)
	if err != nil {
		return nil
	}
	raw := tag.Val
	if len(raw) >= 8 {
		switch string(raw[:8]) {
		case "ASCII\x00\x00\x00", "UNICODE\x00", "JIS\x00\x00\x00\x00\x00", "\x00\x00\x00\x00\x00\x00\x00\x00":
			raw = raw[8:]
		}
	}
	s := strings.TrimSpace(strings.Trim(string(raw), "\x00"))
	if s == "" {
		return nil
	}
	return &s
}

func ratAt(tag *tiff.Tag, i int) (float64, bool) {
	num, den, err := tag.Rat2(i)
	if err != nil || den == 0 {
		return 0, false
	}
	return float64(num) / float64(den), true
}

func gpsCoordinate(x *exif.Exif, name exif.FieldName) *float64 {
	tag, err := x.Get(name)
	if err != nil || tag.Count < 3 {
		return nil
	}
	deg, ok1 := ratAt(tag, 0)
	min, ok2 := ratAt(tag, 1)
	sec, ok3 := ratAt(tag, 2)
	if !ok1 || !ok2 || !ok3 {
		return nil
	}
	v := deg + min/60 + sec/3600
	return &v
}

func gpsAltitude(x *exif.Exif) *float64 {
	tag, err := x.Get(exif.GPSAltitude)
	if err != nil {
		return nil
	}
	alt, ok := ratAt(tag, 0)
	if !ok {
		return nil
	}
	if ref, err := x.Get(exif.GPSAltitudeRef); err == nil {
		if v, err := ref.Int(0); err == nil && v == 1 {
			alt = -alt
		}
	}
	return &alt
}
