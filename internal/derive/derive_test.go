package derive

import (
	"image"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/franz/phototank/internal/testimg"
)

const testGUID = "0123456789abcdef0123456789abcdef"

func decodeSize(t *testing.T, path string) (int, int) {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	cfg, format, err := image.DecodeConfig(f)
	if err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
	if format != "webp" {
		t.Errorf("%s format = %s", path, format)
	}
	return cfg.Width, cfg.Height
}

func newTestGenerator(t *testing.T) *Generator {
	return New(filepath.Join(t.TempDir(), "deriv"), Options{ThumbMax: 16, MidMax: 32})
}

func TestPathLayout(t *testing.T) {
	g := New("/d", Options{})
	want := filepath.Join("/d", "thumb", "01", "23", testGUID+".webp")
	if got := g.Path(TierThumb, testGUID); got != want {
		t.Errorf("Path = %s, want %s", got, want)
	}
	if got := g.Path(TierMid, testGUID); got != filepath.Join("/d", "mid", "01", "23", testGUID+".webp") {
		t.Errorf("mid path = %s", got)
	}
}

func TestEnsureCreatesBothTiers(t *testing.T) {
	g := newTestGenerator(t)
	src := filepath.Join(t.TempDir(), "src.jpg")
	testimg.WriteJPEG(t, src, testimg.Options{Width: 80, Height: 40, Date: "2010:06:15 12:00:00", Make: "Canon"})
	mtime := int64(1276603200)

	res, err := g.Ensure(src, testGUID, &mtime, false)
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if !res.ThumbCreated || !res.MidCreated {
		t.Fatalf("expected both tiers created: %+v", res)
	}

	if w, h := decodeSize(t, g.Path(TierThumb, testGUID)); w != 16 || h != 8 {
		t.Errorf("thumb = %dx%d, want 16x8", w, h)
	}
	if w, h := decodeSize(t, g.Path(TierMid, testGUID)); w != 32 || h != 16 {
		t.Errorf("mid = %dx%d, want 32x16", w, h)
	}
	if !HasEXIF(g.Path(TierMid, testGUID)) {
		t.Error("mid should carry EXIF copied from the source")
	}
	if HasEXIF(g.Path(TierThumb, testGUID)) {
		t.Error("thumb should not carry EXIF")
	}

	info, _ := os.Stat(g.Path(TierThumb, testGUID))
	if info.ModTime().Unix() != mtime {
		t.Errorf("thumb mtime = %d, want source mtime %d", info.ModTime().Unix(), mtime)
	}
}

func TestEnsureNeverUpscales(t *testing.T) {
	g := New(filepath.Join(t.TempDir(), "deriv"), Options{ThumbMax: 256, MidMax: 2048})
	src := filepath.Join(t.TempDir(), "small.jpg")
	testimg.WriteJPEG(t, src, testimg.Options{Width: 40, Height: 20})

	if _, err := g.Ensure(src, testGUID, nil, false); err != nil {
		t.Fatal(err)
	}
	if w, h := decodeSize(t, g.Path(TierMid, testGUID)); w != 40 || h != 20 {
		t.Errorf("mid = %dx%d, want original 40x20", w, h)
	}
}

func TestEnsureAppliesOrientation(t *testing.T) {
	g := newTestGenerator(t)
	src := filepath.Join(t.TempDir(), "rotated.jpg")
	// Orientation 6: stored landscape, displayed portrait.
	testimg.WriteJPEG(t, src, testimg.Options{Width: 64, Height: 32, Orientation: 6, Make: "Canon"})

	if _, err := g.Ensure(src, testGUID, nil, false); err != nil {
		t.Fatal(err)
	}
	if w, h := decodeSize(t, g.Path(TierMid, testGUID)); w != 16 || h != 32 {
		t.Errorf("mid = %dx%d, want 16x32 after rotation", w, h)
	}

	chunks, err := parseChunks(mustRead(t, g.Path(TierMid, testGUID)))
	if err != nil {
		t.Fatal(err)
	}
	block := chunks[len(chunks)-1]
	if block.fourCC != "EXIF" {
		t.Fatalf("last chunk = %s", block.fourCC)
	}
	if got := orientationOf(t, block.payload); got != 1 {
		t.Errorf("embedded orientation = %d, want 1", got)
	}
}

func TestStalenessIsMonotonicInSourceMtime(t *testing.T) {
	g := newTestGenerator(t)
	src := filepath.Join(t.TempDir(), "src.jpg")
	testimg.WriteJPEG(t, src, testimg.Options{})

	m1 := time.Now().Add(-48 * time.Hour).Unix()
	m2 := m1 + 3600

	if res, err := g.Ensure(src, testGUID, &m1, false); err != nil || !res.ThumbCreated {
		t.Fatalf("first Ensure: %+v %v", res, err)
	}
	res, err := g.Ensure(src, testGUID, &m1, false)
	if err != nil {
		t.Fatal(err)
	}
	if res.ThumbCreated || res.MidCreated {
		t.Errorf("same mtime regenerated: %+v", res)
	}

	res, err = g.Ensure(src, testGUID, &m2, false)
	if err != nil {
		t.Fatal(err)
	}
	if !res.ThumbCreated || !res.MidCreated {
		t.Errorf("newer source mtime did not regenerate: %+v", res)
	}

	res, _ = g.Ensure(src, testGUID, nil, false)
	if res.ThumbCreated || res.MidCreated {
		t.Errorf("unknown mtime should treat outputs as fresh: %+v", res)
	}
}

func TestRepairMidEXIF(t *testing.T) {
	g := newTestGenerator(t)
	plain := filepath.Join(t.TempDir(), "plain.jpg")
	testimg.WriteJPEG(t, plain, testimg.Options{})
	if _, err := g.Ensure(plain, testGUID, nil, false); err != nil {
		t.Fatal(err)
	}
	if HasEXIF(g.Path(TierMid, testGUID)) {
		t.Fatal("source without EXIF produced an EXIF chunk")
	}

	withEXIF := filepath.Join(t.TempDir(), "exif.jpg")
	testimg.WriteJPEG(t, withEXIF, testimg.Options{Make: "Canon"})

	res, err := g.Ensure(withEXIF, testGUID, nil, false)
	if err != nil || res.MidCreated {
		t.Fatalf("fresh mid regenerated without repair flag: %+v %v", res, err)
	}
	res, err = g.Ensure(withEXIF, testGUID, nil, true)
	if err != nil {
		t.Fatal(err)
	}
	if !res.MidCreated || res.ThumbCreated {
		t.Errorf("repair should only rebuild mid: %+v", res)
	}
	if !HasEXIF(g.Path(TierMid, testGUID)) {
		t.Error("repaired mid has no EXIF")
	}
}

func TestEnsureUndecodableSource(t *testing.T) {
	g := newTestGenerator(t)
	src := filepath.Join(t.TempDir(), "broken.jpg")
	os.WriteFile(src, []byte("not an image"), 0644)

	if _, err := g.Ensure(src, testGUID, nil, false); err == nil {
		t.Fatal("expected decode error")
	}
	if _, err := os.Stat(g.Path(TierThumb, testGUID)); !os.IsNotExist(err) {
		t.Error("thumb written for undecodable source")
	}
}

func TestRemove(t *testing.T) {
	g := newTestGenerator(t)
	src := filepath.Join(t.TempDir(), "src.jpg")
	testimg.WriteJPEG(t, src, testimg.Options{})
	g.Ensure(src, testGUID, nil, false)

	if err := g.Remove(testGUID); err != nil {
		t.Fatal(err)
	}
	for _, tier := range []Tier{TierThumb, TierMid} {
		if _, err := os.Stat(g.Path(tier, testGUID)); !os.IsNotExist(err) {
			t.Errorf("%s still present", tier)
		}
	}
	if err := g.Remove(testGUID); err != nil {
		t.Errorf("second Remove should be a no-op: %v", err)
	}
}

func mustRead(t *testing.T, path string) []byte {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return b
}
