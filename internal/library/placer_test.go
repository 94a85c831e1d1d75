package library

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/franz/phototank/internal/util"
)

func createTestFile(t *testing.T, path string, content []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("Failed to create directory: %v", err)
	}
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}
}

func newTestPlacer(t *testing.T) (*Placer, string) {
	t.Helper()
	tmpDir := t.TempDir()
	return New(&Config{
		Root:       filepath.Join(tmpDir, "photos"),
		FailedRoot: filepath.Join(tmpDir, "photos", "_import", "_failed"),
	}), tmpDir
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"move", ModeMove, false},
		{" COPY ", ModeCopy, false},
		{"link", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := ParseMode(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseMode(%q) = %q, %v", tt.in, got, err)
		}
		if err != nil && !errors.Is(err, util.ErrInvalidConfig) {
			t.Errorf("ParseMode(%q) error not ErrInvalidConfig: %v", tt.in, err)
		}
	}
}

func TestDatedPath(t *testing.T) {
	p := New(&Config{Root: "/lib"})
	got := p.DatedPath(time.Date(2010, 6, 5, 12, 0, 0, 0, time.Local), "IMG_1.jpg")
	want := filepath.Join("/lib", "2010", "06", "05", "IMG_1.jpg")
	if got != want {
		t.Errorf("DatedPath = %s, want %s", got, want)
	}
}

func TestPlaceMoveAndCollisions(t *testing.T) {
	p, tmpDir := newTestPlacer(t)
	ctx := context.Background()
	dest := filepath.Join(p.Root(), "2010", "06", "15", "a.jpg")

	want := []string{"a.jpg", "a__1.jpg", "a__2.jpg"}
	for i, name := range want {
		src := filepath.Join(tmpDir, "staging", "a.jpg")
		createTestFile(t, src, []byte{byte(i)})

		placed, err := p.Place(ctx, src, dest, ModeMove)
		if err != nil {
			t.Fatalf("Place #%d: %v", i, err)
		}
		if filepath.Base(placed) != name {
			t.Errorf("Place #%d = %s, want %s", i, filepath.Base(placed), name)
		}
		if util.FileExists(src) {
			t.Errorf("move left source behind")
		}
		data, _ := os.ReadFile(placed)
		if len(data) != 1 || data[0] != byte(i) {
			t.Errorf("placed file #%d has wrong content", i)
		}
	}
}

func TestPlaceCollisionLimit(t *testing.T) {
	tmpDir := t.TempDir()
	p := New(&Config{Root: tmpDir, CollisionLimit: 3})
	dest := filepath.Join(tmpDir, "x.jpg")
	for _, name := range []string{"x.jpg", "x__1.jpg", "x__2.jpg"} {
		createTestFile(t, filepath.Join(tmpDir, name), []byte("taken"))
	}
	src := filepath.Join(tmpDir, "in", "x.jpg")
	createTestFile(t, src, []byte("new"))

	_, err := p.Place(context.Background(), src, dest, ModeCopy)
	if !errors.Is(err, util.ErrTooManyCollisions) {
		t.Fatalf("err = %v, want ErrTooManyCollisions", err)
	}
	if !util.FileExists(src) {
		t.Error("source removed after failed placement")
	}
}

func TestPlaceCopyKeepsSourceAndMtime(t *testing.T) {
	p, tmpDir := newTestPlacer(t)
	src := filepath.Join(tmpDir, "staging", "b.jpg")
	createTestFile(t, src, []byte("pixels"))
	mtime := time.Date(2015, 3, 1, 8, 0, 0, 0, time.UTC)
	os.Chtimes(src, mtime, mtime)

	dest := filepath.Join(p.Root(), "2015", "03", "01", "b.jpg")
	placed, err := p.Place(context.Background(), src, dest, ModeCopy)
	if err != nil {
		t.Fatal(err)
	}
	if !util.FileExists(src) {
		t.Error("copy removed the source")
	}
	info, err := os.Stat(placed)
	if err != nil {
		t.Fatal(err)
	}
	if !info.ModTime().Equal(mtime) {
		t.Errorf("mtime = %v, want %v", info.ModTime(), mtime)
	}
	if util.FileExists(placed + ".part") {
		t.Error(".part file was not cleaned up")
	}
}

func TestReplaceOverwritesAtomically(t *testing.T) {
	p, tmpDir := newTestPlacer(t)
	dest := filepath.Join(p.Root(), "2012", "01", "01", "old.jpg")
	createTestFile(t, dest, []byte("old"))
	src := filepath.Join(tmpDir, "staging", "0123456789abcdef0123456789abcdef.jpg")
	createTestFile(t, src, []byte("edited"))

	if err := p.Replace(context.Background(), src, dest, ModeMove); err != nil {
		t.Fatal(err)
	}
	data, _ := os.ReadFile(dest)
	if string(data) != "edited" {
		t.Errorf("dest = %q", data)
	}
	if util.FileExists(IncomingPath(dest)) {
		t.Error("incoming temp file left behind")
	}
	if util.FileExists(src) {
		t.Error("move mode left the source")
	}
	if filepath.Base(IncomingPath(dest)) != ".old.jpg.incoming" {
		t.Errorf("IncomingPath = %s", IncomingPath(dest))
	}
}

func TestQuarantine(t *testing.T) {
	p, tmpDir := newTestPlacer(t)
	ctx := context.Background()
	src := filepath.Join(tmpDir, "staging", "nodate.png")
	createTestFile(t, src, []byte("1"))

	got, err := p.Quarantine(ctx, src, ModeCopy)
	if err != nil {
		t.Fatal(err)
	}
	if got != filepath.Join(p.FailedRoot(), "nodate.png") {
		t.Errorf("Quarantine = %s", got)
	}
	if !util.FileExists(src) {
		t.Error("copy-mode quarantine removed the source")
	}

	got, err = p.Quarantine(ctx, src, ModeMove)
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(got) != "nodate__1.png" || util.FileExists(src) {
		t.Errorf("second quarantine = %s (source exists: %v)", got, util.FileExists(src))
	}
}

func TestCopyWithContextCancelled(t *testing.T) {
	p, tmpDir := newTestPlacer(t)
	src := filepath.Join(tmpDir, "big.bin")
	createTestFile(t, src, make([]byte, 1024))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	dest := filepath.Join(tmpDir, "out.bin")
	if _, err := p.copyFile(ctx, src, dest); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if util.FileExists(dest) || util.FileExists(dest+".part") {
		t.Error("cancelled copy left files behind")
	}
}
