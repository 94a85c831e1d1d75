// Package heif decodes HEIC/HEIF photos through libvips and registers the
// container with the image package, so image.Decode, image.DecodeConfig and
// imaging.Open accept it like any other source format.
package heif

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"sync"

	"github.com/davidbyttow/govips/v2/vips"

	"github.com/franz/phototank/internal/util"
)

// brands are the ftyp major brands of still HEIF images.
var brands = []string{"heic", "heix", "heim", "heis", "hevc", "hevx", "mif1", "msf1"}

func init() {
	for _, b := range brands {
		image.RegisterFormat("heif", "????ftyp"+b, Decode, DecodeConfig)
	}
}

var (
	mu      sync.Mutex
	started bool
)

// start brings libvips up on first use.
func start() {
	mu.Lock()
	defer mu.Unlock()
	if started {
		return
	}

	vips.LoggingSettings(func(domain string, level vips.LogLevel, msg string) {
		switch level {
		case vips.LogLevelError, vips.LogLevelCritical:
			util.ErrorLog("[%s] %s", domain, msg)
		case vips.LogLevelWarning:
			util.WarnLog("[%s] %s", domain, msg)
		default:
			util.DebugLog("[%s] %s", domain, msg)
		}
	}, vips.LogLevelWarning)

	// Pipelines handle one photo at a time.
	vips.Startup(&vips.Config{
		ConcurrencyLevel: 1,
		MaxCacheMem:      50 * 1024 * 1024,
		MaxCacheSize:     100,
	})
	started = true
}

// Shutdown releases libvips if it was started. Call once at process exit.
func Shutdown() {
	mu.Lock()
	defer mu.Unlock()
	if started {
		vips.Shutdown()
		started = false
	}
}

// Version returns the libvips version, starting it if needed.
func Version() string {
	start()
	return vips.Version
}

// IsHEIF reports whether header (the first 12 bytes of a file) opens a
// HEIF container.
func IsHEIF(header []byte) bool {
	if len(header) < 12 || string(header[4:8]) != "ftyp" {
		return false
	}
	brand := string(header[8:12])
	for _, b := range brands {
		if brand == b {
			return true
		}
	}
	return false
}

func load(r io.Reader) (*vips.ImageRef, error) {
	buf, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	start()
	ref, err := vips.NewImageFromBuffer(buf)
	if err != nil {
		return nil, fmt.Errorf("heif: %w", err)
	}
	return ref, nil
}

// Decode returns the pixels with the container's rotation and mirroring
// already applied.
func Decode(r io.Reader) (image.Image, error) {
	ref, err := load(r)
	if err != nil {
		return nil, err
	}
	defer ref.Close()

	data, _, err := ref.ExportPng(vips.NewPngExportParams())
	if err != nil {
		return nil, fmt.Errorf("heif: export pixels: %w", err)
	}
	return png.Decode(bytes.NewReader(data))
}

// DecodeConfig returns the displayed dimensions.
func DecodeConfig(r io.Reader) (image.Config, error) {
	ref, err := load(r)
	if err != nil {
		return image.Config{}, err
	}
	defer ref.Close()
	return image.Config{ColorModel: color.NRGBAModel, Width: ref.Width(), Height: ref.Height()}, nil
}

// MetadataReader returns a reader goexif can decode. Plain files are returned
// rewound as they are; a HEIF container is re-encoded to a JPEG whose APP1
// segment carries the container's EXIF item.
func MetadataReader(rs io.ReadSeeker) (io.Reader, error) {
	var head [12]byte
	n, _ := io.ReadFull(rs, head[:])
	if _, err := rs.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	if !IsHEIF(head[:n]) {
		return rs, nil
	}

	ref, err := load(rs)
	if err != nil {
		return nil, err
	}
	defer ref.Close()
	data, _, err := ref.ExportJpeg(&vips.JpegExportParams{Quality: 50, StripMetadata: false})
	if err != nil {
		return nil, fmt.Errorf("heif: export metadata: %w", err)
	}
	return bytes.NewReader(data), nil
}

// Encode re-encodes an image held in any libvips-readable format as HEIC,
// keeping its metadata.
func Encode(data []byte) ([]byte, error) {
	start()
	ref, err := vips.NewImageFromBuffer(data)
	if err != nil {
		return nil, fmt.Errorf("heif: %w", err)
	}
	defer ref.Close()
	out, _, err := ref.ExportHeif(vips.NewHeifExportParams())
	if err != nil {
		return nil, fmt.Errorf("heif: encode: %w", err)
	}
	return out, nil
}
