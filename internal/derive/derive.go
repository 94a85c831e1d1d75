package derive

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"time"

	"github.com/disintegration/imaging"
	"github.com/kolesa-team/go-webp/encoder"
	"github.com/kolesa-team/go-webp/webp"
	_ "golang.org/x/image/tiff" // TIFF sources
	_ "golang.org/x/image/webp" // WEBP sources

	"github.com/franz/phototank/internal/metrics"
	"github.com/franz/phototank/internal/util"
)

// Tier is a derivative size class.
type Tier string

const (
	TierThumb Tier = "thumb"
	TierMid   Tier = "mid"
)

// Options holds the per-tier bounds and WEBP qualities.
type Options struct {
	ThumbMax     int
	MidMax       int
	ThumbQuality int
	MidQuality   int
}

// DefaultOptions returns 256px/q75 thumbs and 2048px/q85 mids.
func DefaultOptions() Options {
	return Options{ThumbMax: 256, MidMax: 2048, ThumbQuality: 75, MidQuality: 85}
}

// Result reports which tiers were (re)written by Ensure.
type Result struct {
	ThumbCreated bool
	MidCreated   bool
}

// Generator writes derivatives under root/{thumb,mid}/ab/cd/<guid>.webp.
type Generator struct {
	root string
	opts Options
}

// New creates a generator; zero option fields take defaults.
func New(root string, opts Options) *Generator {
	def := DefaultOptions()
	if opts.ThumbMax <= 0 {
		opts.ThumbMax = def.ThumbMax
	}
	if opts.MidMax <= 0 {
		opts.MidMax = def.MidMax
	}
	if opts.ThumbQuality <= 0 {
		opts.ThumbQuality = def.ThumbQuality
	}
	if opts.MidQuality <= 0 {
		opts.MidQuality = def.MidQuality
	}
	return &Generator{root: root, opts: opts}
}

// Root returns the derivative root directory.
func (g *Generator) Root() string { return g.root }

// Path returns the derivative location for a guid.
func (g *Generator) Path(tier Tier, guid string) string {
	if len(guid) < 4 {
		return filepath.Join(g.root, string(tier), guid+".webp")
	}
	return filepath.Join(g.root, string(tier), guid[0:2], guid[2:4], guid+".webp")
}

// Remove deletes both derivatives of guid; missing files are not an error.
func (g *Generator) Remove(guid string) error {
	var errs []error
	for _, tier := range []Tier{TierThumb, TierMid} {
		if err := os.Remove(g.Path(tier, guid)); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ShouldRegenerate is true when out is missing, or when sourceMtime is known
// and out is older than it. Unknown mtime never forces a rebuild.
func ShouldRegenerate(out string, sourceMtime *int64) bool {
	info, err := os.Stat(out)
	if err != nil {
		return true
	}
	return sourceMtime != nil && info.ModTime().Unix() < *sourceMtime
}

// Ensure brings both derivatives of source up to date. The source is decoded
// once with EXIF orientation applied. An undecodable source is an error and
// leaves existing outputs alone.
func (g *Generator) Ensure(source, guid string, sourceMtime *int64, repairMidEXIF bool) (Result, error) {
	var res Result
	thumbPath := g.Path(TierThumb, guid)
	midPath := g.Path(TierMid, guid)

	needThumb := ShouldRegenerate(thumbPath, sourceMtime)
	needMid := ShouldRegenerate(midPath, sourceMtime)
	if !needMid && repairMidEXIF && !HasEXIF(midPath) {
		needMid = true
	}
	if !needThumb && !needMid {
		return res, nil
	}

	img, err := imaging.Open(source, imaging.AutoOrientation(true))
	if err != nil {
		return res, fmt.Errorf("failed to decode %s: %w", source, err)
	}

	if needThumb {
		if err := g.write(thumbPath, imaging.Fit(img, g.opts.ThumbMax, g.opts.ThumbMax, imaging.Lanczos), g.opts.ThumbQuality, nil, sourceMtime); err != nil {
			return res, err
		}
		res.ThumbCreated = true
		metrics.DerivativesGenerated.WithLabelValues(string(TierThumb)).Inc()
	}
	if needMid {
		exifBlock := normalizedEXIF(source)
		if err := g.write(midPath, imaging.Fit(img, g.opts.MidMax, g.opts.MidMax, imaging.Lanczos), g.opts.MidQuality, exifBlock, sourceMtime); err != nil {
			return res, err
		}
		res.MidCreated = true
		metrics.DerivativesGenerated.WithLabelValues(string(TierMid)).Inc()
	}
	return res, nil
}

// write encodes img as lossy WEBP and renames it into place. When the source
// mtime is known the output is stamped with it.
func (g *Generator) write(out string, img image.Image, quality int, exifBlock []byte, sourceMtime *int64) error {
	data, err := EncodeWEBP(img, quality)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", out, err)
	}
	if len(exifBlock) > 0 {
		b := img.Bounds()
		if withEXIF, err := EmbedEXIF(data, exifBlock, b.Dx(), b.Dy()); err == nil {
			data = withEXIF
		} else {
			util.WarnLog("derive: could not embed EXIF into %s: %v", out, err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(out), 0755); err != nil {
		return fmt.Errorf("failed to create derivative dir: %w", err)
	}
	tmp := out + ".part"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write %s: %w", out, err)
	}
	if sourceMtime != nil {
		mt := time.Unix(*sourceMtime, 0)
		if err := os.Chtimes(tmp, mt, mt); err != nil {
			os.Remove(tmp)
			return fmt.Errorf("failed to stamp %s: %w", out, err)
		}
	}
	if err := os.Rename(tmp, out); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to install %s: %w", out, err)
	}
	return nil
}

// EncodeWEBP encodes img as lossy WEBP at the given quality.
func EncodeWEBP(img image.Image, quality int) ([]byte, error) {
	opts, err := encoder.NewLossyEncoderOptions(encoder.PresetDefault, float32(quality))
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := webp.Encode(&buf, img, opts); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// CheckEncoder encodes a 1x1 image to confirm the WEBP encoder works.
func CheckEncoder() error {
	_, err := EncodeWEBP(image.NewNRGBA(image.Rect(0, 0, 1, 1)), 50)
	return err
}
