// Package testimg writes small JPEG and HEIC fixtures with a hand-built EXIF
// block. It is imported only by tests.
package testimg

import (
	"bytes"
	"encoding/binary"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/franz/phototank/internal/heif"
)

// T is the part of testing.TB the writers use.
type T interface {
	Helper()
	Fatalf(format string, args ...any)
	Skipf(format string, args ...any)
}

// Options describes the fixture. Zero values omit the corresponding tag.
type Options struct {
	Width, Height int
	Date          string // "YYYY:MM:DD HH:MM:SS"
	Lat, Lon      *float64
	Alt           *float64
	Make          string
	Comment       string
	Orientation   int
	Mtime         time.Time
}

// Float returns a pointer for Options coordinates.
func Float(v float64) *float64 { return &v }

// EncodeJPEG renders the fixture as JPEG bytes.
func EncodeJPEG(o Options) ([]byte, error) {
	if o.Width == 0 {
		o.Width = 40
	}
	if o.Height == 0 {
		o.Height = 20
	}

	img := image.NewRGBA(image.Rect(0, 0, o.Width, o.Height))
	for y := 0; y < o.Height; y++ {
		for x := 0; x < o.Width; x++ {
			img.Set(x, y, color.RGBA{uint8(x * 6), uint8(y * 12), 128, 255})
		}
	}
	var enc bytes.Buffer
	if err := jpeg.Encode(&enc, img, &jpeg.Options{Quality: 90}); err != nil {
		return nil, err
	}

	out := enc.Bytes()
	if tiffData := buildTIFF(o); tiffData != nil {
		payload := append([]byte("Exif\x00\x00"), tiffData...)
		app1 := []byte{0xFF, 0xE1, 0, 0}
		binary.BigEndian.PutUint16(app1[2:], uint16(len(payload)+2))
		app1 = append(app1, payload...)
		out = append(append([]byte{0xFF, 0xD8}, app1...), enc.Bytes()[2:]...)
	}
	return out, nil
}

// WriteJPEG writes the fixture to path, creating parent directories.
func WriteJPEG(t T, path string, o Options) {
	t.Helper()
	data, err := EncodeJPEG(o)
	if err != nil {
		t.Fatalf("encode jpeg: %v", err)
	}
	write(t, path, data, o.Mtime)
}

// WriteHEIC writes the fixture as HEIC. The test is skipped when libvips
// was built without a HEVC encoder.
func WriteHEIC(t T, path string, o Options) {
	t.Helper()
	data, err := EncodeJPEG(o)
	if err != nil {
		t.Fatalf("encode jpeg: %v", err)
	}
	out, err := heif.Encode(data)
	if err != nil {
		t.Skipf("HEIC encoding unavailable: %v", err)
	}
	write(t, path, out, o.Mtime)
}

func write(t T, path string, data []byte, mtime time.Time) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	if !mtime.IsZero() {
		if err := os.Chtimes(path, mtime, mtime); err != nil {
			t.Fatalf("chtimes: %v", err)
		}
	}
}

const (
	typeByte      = 1
	typeASCII     = 2
	typeShort     = 3
	typeLong      = 4
	typeRational  = 5
	typeUndefined = 7
)

type entry struct {
	tag   uint16
	typ   uint16
	count uint32
	data  []byte
}

var le = binary.LittleEndian

func ascii(tag uint16, s string) entry {
	b := append([]byte(s), 0)
	return entry{tag, typeASCII, uint32(len(b)), b}
}

func short(tag uint16, v uint16) entry {
	b := make([]byte, 2)
	le.PutUint16(b, v)
	return entry{tag, typeShort, 1, b}
}

func long(tag uint16, v uint32) entry {
	b := make([]byte, 4)
	le.PutUint32(b, v)
	return entry{tag, typeLong, 1, b}
}

func rationals(tag uint16, vals ...[2]uint32) entry {
	b := make([]byte, 8*len(vals))
	for i, v := range vals {
		le.PutUint32(b[i*8:], v[0])
		le.PutUint32(b[i*8+4:], v[1])
	}
	return entry{tag, typeRational, uint32(len(vals)), b}
}

func dms(v float64) [][2]uint32 {
	v = math.Abs(v)
	deg := math.Floor(v)
	minF := (v - deg) * 60
	min := math.Floor(minF)
	sec := (minF - min) * 60
	return [][2]uint32{{uint32(deg), 1}, {uint32(min), 1}, {uint32(math.Round(sec * 10000)), 10000}}
}

func blockSize(entries []entry) uint32 {
	n := uint32(2 + 12*len(entries) + 4)
	for _, e := range entries {
		if len(e.data) > 4 {
			n += uint32(len(e.data)+1) &^ 1
		}
	}
	return n
}

func writeIFD(buf *bytes.Buffer, entries []entry, start uint32) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].tag < entries[j].tag })
	dataOff := start + uint32(2+12*len(entries)+4)
	var data bytes.Buffer

	binary.Write(buf, le, uint16(len(entries)))
	for _, e := range entries {
		binary.Write(buf, le, e.tag)
		binary.Write(buf, le, e.typ)
		binary.Write(buf, le, e.count)
		if len(e.data) <= 4 {
			v := make([]byte, 4)
			copy(v, e.data)
			buf.Write(v)
			continue
		}
		binary.Write(buf, le, dataOff+uint32(data.Len()))
		data.Write(e.data)
		if data.Len()%2 == 1 {
			data.WriteByte(0)
		}
	}
	binary.Write(buf, le, uint32(0))
	buf.Write(data.Bytes())
}

func buildTIFF(o Options) []byte {
	var ifd0, exifIFD, gpsIFD []entry
	if o.Make != "" {
		ifd0 = append(ifd0, ascii(0x010F, o.Make))
	}
	if o.Orientation != 0 {
		ifd0 = append(ifd0, short(0x0112, uint16(o.Orientation)))
	}
	if o.Date != "" {
		exifIFD = append(exifIFD, ascii(0x9003, o.Date))
	}
	if o.Comment != "" {
		b := append([]byte("ASCII\x00\x00\x00"), o.Comment...)
		exifIFD = append(exifIFD, entry{0x9286, typeUndefined, uint32(len(b)), b})
	}
	if o.Lat != nil && o.Lon != nil {
		latRef, lonRef := "N", "E"
		if *o.Lat < 0 {
			latRef = "S"
		}
		if *o.Lon < 0 {
			lonRef = "W"
		}
		gpsIFD = append(gpsIFD,
			ascii(0x0001, latRef), rationals(0x0002, dms(*o.Lat)...),
			ascii(0x0003, lonRef), rationals(0x0004, dms(*o.Lon)...))
	}
	if o.Alt != nil {
		ref := byte(0)
		if *o.Alt < 0 {
			ref = 1
		}
		gpsIFD = append(gpsIFD,
			entry{0x0005, typeByte, 1, []byte{ref}},
			rationals(0x0006, [2]uint32{uint32(math.Round(math.Abs(*o.Alt) * 100)), 100}))
	}
	if len(ifd0)+len(exifIFD)+len(gpsIFD) == 0 {
		return nil
	}

	// Pointer entries are 4 bytes inline, so sizes are known before offsets.
	if len(exifIFD) > 0 {
		ifd0 = append(ifd0, long(0x8769, 0))
	}
	if len(gpsIFD) > 0 {
		ifd0 = append(ifd0, long(0x8825, 0))
	}
	exifStart := 8 + blockSize(ifd0)
	gpsStart := exifStart
	if len(exifIFD) > 0 {
		gpsStart += blockSize(exifIFD)
	}
	for i := range ifd0 {
		switch ifd0[i].tag {
		case 0x8769:
			ifd0[i] = long(0x8769, exifStart)
		case 0x8825:
			ifd0[i] = long(0x8825, gpsStart)
		}
	}

	var buf bytes.Buffer
	buf.WriteString("II")
	binary.Write(&buf, le, uint16(42))
	binary.Write(&buf, le, uint32(8))
	writeIFD(&buf, ifd0, 8)
	if len(exifIFD) > 0 {
		writeIFD(&buf, exifIFD, exifStart)
	}
	if len(gpsIFD) > 0 {
		writeIFD(&buf, gpsIFD, gpsStart)
	}
	return buf.Bytes()
}
