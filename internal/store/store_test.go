package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/franz/phototank/internal/util"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenWithOptions(filepath.Join(t.TempDir(), "catalog.db"), &OpenOptions{RetryBase: 1})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func strp(s string) *string { return &s }

func newPhoto(rel string) *Photo {
	lat, lon := 48.8566, 2.3522
	mtime := int64(1276603200)
	return &Photo{
		GUID:             util.NewGUID(),
		RelPath:          rel,
		DatetimeOriginal: strp("2010-06-15T12:00:00"),
		GPSLatitude:      &lat,
		GPSLongitude:     &lon,
		CameraMake:       strp("Canon"),
		FileSize:         1234,
		SourceMtime:      &mtime,
		IndexedAt:        util.NowISO(),
	}
}

func TestStoreOpenAndMigrate(t *testing.T) {
	s := openTestStore(t)

	version, err := s.getSchemaVersion()
	if err != nil {
		t.Fatalf("failed to get schema version: %v", err)
	}
	if version != currentSchemaVersion {
		t.Errorf("expected schema version %d, got %d", currentSchemaVersion, version)
	}

	tables := []string{"photos", "tags", "photo_tags", "scan_jobs", "reverse_geocode_cache", "schema_version"}
	for _, table := range tables {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		if err != nil {
			t.Fatalf("failed to query table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("expected table %s to exist", table)
		}
	}

	for _, index := range []string{"idx_photos_datetime_guid", "idx_photos_geo_city"} {
		var count int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", index).Scan(&count); err != nil {
			t.Fatal(err)
		}
		if count != 1 {
			t.Errorf("expected index %s to exist (schema v2)", index)
		}
	}

	if err := s.CheckIntegrity(); err != nil {
		t.Errorf("integrity: %v", err)
	}
}

func TestUpsertKeepsGUIDAndRating(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	first := newPhoto("2010/06/15/a.jpg")
	guid, err := s.UpsertPhoto(ctx, first)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if guid != first.GUID {
		t.Fatalf("new row guid = %s, want %s", guid, first.GUID)
	}
	if err := s.SetRating(ctx, guid, 2); err != nil {
		t.Fatalf("set rating: %v", err)
	}

	again := newPhoto("2010/06/15/a.jpg")
	again.CameraMake = strp("Nikon")
	guid2, err := s.UpsertPhoto(ctx, again)
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if guid2 != guid {
		t.Errorf("guid changed on re-upsert: %s -> %s", guid, guid2)
	}

	got, err := s.GetPhoto(ctx, guid)
	if err != nil || got == nil {
		t.Fatalf("get photo: %v %v", got, err)
	}
	if got.Rating != 2 {
		t.Errorf("rating = %d, want 2", got.Rating)
	}
	if got.CameraMake == nil || *got.CameraMake != "Nikon" {
		t.Errorf("camera make not updated: %v", got.CameraMake)
	}
	if got.Width != nil {
		t.Errorf("width should stay NULL, got %v", *got.Width)
	}

	n, err := s.CountByPrefix(ctx, "")
	if err != nil || n != 1 {
		t.Errorf("count = %d, %v; want 1 row", n, err)
	}
}

func TestSetRatingBounds(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	guid, _ := s.UpsertPhoto(ctx, newPhoto("2011/01/01/x.jpg"))

	if err := s.SetRating(ctx, guid, 4); !errors.Is(err, util.ErrInvalidConfig) {
		t.Errorf("rating 4: got %v", err)
	}
	if err := s.SetRating(ctx, "missing", 1); !errors.Is(err, util.ErrNotFound) {
		t.Errorf("missing photo: got %v", err)
	}
}

func TestListPhotosPagesByPrefix(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	for i := 0; i < 5; i++ {
		if _, err := s.UpsertPhoto(ctx, newPhoto(fmt.Sprintf("2010/01/0%d/p.jpg", i+1))); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := s.UpsertPhoto(ctx, newPhoto("2011/01/01/p.jpg")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.UpsertPhoto(ctx, newPhoto("2010_misc/p.jpg")); err != nil {
		t.Fatal(err)
	}

	var seen []string
	after := ""
	for {
		page, err := s.ListPhotos(ctx, PhotoFilter{Prefix: "2010/", After: after, Limit: 2})
		if err != nil {
			t.Fatal(err)
		}
		if len(page) == 0 {
			break
		}
		for _, p := range page {
			seen = append(seen, p.RelPath)
		}
		after = page[len(page)-1].RelPath
	}
	if len(seen) != 5 {
		t.Fatalf("got %d photos under 2010/: %v", len(seen), seen)
	}
	for i := 1; i < len(seen); i++ {
		if seen[i-1] >= seen[i] {
			t.Errorf("not ordered: %v", seen)
		}
	}

	if n, _ := s.CountByPrefix(ctx, "2011/"); n != 1 {
		t.Errorf("CountByPrefix(2011/) = %d", n)
	}
}

func TestGetPhotoByRelPathAndDelete(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	p := newPhoto("2012/01/01/old.jpg")
	if _, err := s.UpsertPhoto(ctx, p); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetPhotoByRelPath(ctx, "2012/01/01/old.jpg")
	if err != nil || got == nil || got.GUID != p.GUID {
		t.Fatalf("GetPhotoByRelPath = %+v, %v", got, err)
	}
	if err := s.DeletePhoto(ctx, p.GUID); err != nil {
		t.Fatal(err)
	}
	if got, _ := s.GetPhoto(ctx, p.GUID); got != nil {
		t.Error("photo still present after delete")
	}
}

func TestJobLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	year := 2010
	j := &Job{ID: util.NewGUID(), State: "queued", Type: "validate", Year: &year, CreatedAt: util.NowISO()}
	if err := s.InsertJob(ctx, j); err != nil {
		t.Fatal(err)
	}

	running := "running"
	ok, err := s.UpdateJob(ctx, j.ID, JobUpdate{State: &running, Counters: &JobCounters{Processed: 3, Errors: 1}})
	if err != nil || !ok {
		t.Fatalf("update: %v %v", ok, err)
	}
	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != "running" || got.Counters.Processed != 3 || got.Counters.Errors != 1 {
		t.Errorf("unexpected job: %+v", got)
	}
	if got.Year == nil || *got.Year != 2010 {
		t.Errorf("year lost: %v", got.Year)
	}

	if ok, _ := s.UpdateJob(ctx, "nope", JobUpdate{State: &running}); ok {
		t.Error("update of missing job reported success")
	}
	jobs, err := s.ListJobs(ctx, 10)
	if err != nil || len(jobs) != 1 {
		t.Errorf("ListJobs = %d, %v", len(jobs), err)
	}
}

func TestGeocodeCacheWrites(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	p := newPhoto("2010/06/15/a.jpg")
	if _, err := s.UpsertPhoto(ctx, p); err != nil {
		t.Fatal(err)
	}

	entry := &GeocodeCacheEntry{
		CacheKey: "geonames:100:1:2", Provider: "geonames", CellM: 100, LatBucket: 1, LonBucket: 2,
		City: strp("Paris"), Country: strp("France"), FetchedAt: util.NowISO(), LastUsedAt: util.NowISO(),
	}
	geo := &GeoFields{City: strp("Paris"), Country: strp("France"), Status: strp("ok")}

	err := s.Update(ctx, "test-geo", func(tx *Tx) error {
		return tx.SaveGeocode(ctx, p.GUID, geo, GeocodeCacheWrite{Insert: entry})
	})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.Update(ctx, "test-geo", func(tx *Tx) error {
		return tx.SaveGeocode(ctx, p.GUID, geo, GeocodeCacheWrite{TouchKey: entry.CacheKey, At: util.NowISO()})
	}); err != nil {
		t.Fatalf("touch: %v", err)
	}

	got, err := s.GetGeocodeCache(ctx, entry.CacheKey)
	if err != nil || got == nil {
		t.Fatalf("cache entry missing: %v", err)
	}
	if got.HitCount != 2 {
		t.Errorf("hit_count = %d, want 2", got.HitCount)
	}
	photo, _ := s.GetPhoto(ctx, p.GUID)
	if photo.Geo.City == nil || *photo.Geo.City != "Paris" {
		t.Errorf("photo geo not saved: %+v", photo.Geo)
	}
	st, _ := s.GetGeocodeCacheStats(ctx)
	if st.Entries != 1 || st.TotalHits != 2 {
		t.Errorf("stats = %+v", st)
	}
}

func TestTags(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	p := newPhoto("2010/06/15/a.jpg")
	s.UpsertPhoto(ctx, p)

	tag, err := s.CreateOrGetTag(ctx, "  Summer   Trip ", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if tag.Name != "Summer Trip" || tag.NameNorm != "summer trip" || tag.Color != "primary" {
		t.Errorf("unexpected tag: %+v", tag)
	}
	same, err := s.CreateOrGetTag(ctx, "SUMMER TRIP", "ignored", "danger")
	if err != nil || same.ID != tag.ID {
		t.Errorf("expected existing tag, got %+v %v", same, err)
	}
	if _, err := s.CreateOrGetTag(ctx, "x", "", "purple"); !errors.Is(err, util.ErrInvalidConfig) {
		t.Errorf("bad color accepted: %v", err)
	}

	n, err := s.ApplyTag(ctx, tag.ID, []string{p.GUID})
	if err != nil || n != 1 {
		t.Fatalf("apply = %d, %v", n, err)
	}
	if n, _ := s.ApplyTag(ctx, tag.ID, []string{p.GUID}); n != 0 {
		t.Errorf("duplicate apply added %d links", n)
	}
	tags, _ := s.TagsForPhoto(ctx, p.GUID)
	if len(tags) != 1 {
		t.Errorf("TagsForPhoto = %d", len(tags))
	}
	if n, _ := s.RemoveTag(ctx, tag.ID, []string{p.GUID}); n != 1 {
		t.Errorf("remove = %d", n)
	}
}

func TestNormalizeTagName(t *testing.T) {
	tests := []struct {
		in, name, norm string
		err            bool
	}{
		{"Beach", "Beach", "beach", false},
		{"  a \t b ", "a b", "a b", false},
		{"Straße", "Straße", "strasse", false},
		{"   ", "", "", true},
		{string(make([]byte, 81)), "", "", true},
	}
	for _, tt := range tests {
		name, norm, err := NormalizeTagName(tt.in)
		if tt.err {
			if err == nil {
				t.Errorf("NormalizeTagName(%q) expected error", tt.in)
			}
			continue
		}
		if err != nil || name != tt.name || norm != tt.norm {
			t.Errorf("NormalizeTagName(%q) = %q, %q, %v", tt.in, name, norm, err)
		}
	}
}

func TestWithRetryOnLockError(t *testing.T) {
	s := openTestStore(t)
	attempts := 0
	err := s.WithRetry("test-lock", func() error {
		attempts++
		if attempts < 3 {
			return errors.New("database is locked (5) (SQLITE_BUSY)")
		}
		return nil
	})
	if err != nil || attempts != 3 {
		t.Errorf("attempts=%d err=%v", attempts, err)
	}

	attempts = 0
	err = s.WithRetry("test-other", func() error {
		attempts++
		return errors.New("constraint failed")
	})
	if err == nil || attempts != 1 {
		t.Errorf("non-lock error retried: attempts=%d err=%v", attempts, err)
	}
}

func TestIsLockError(t *testing.T) {
	cases := map[string]bool{
		"database is locked":       true,
		"database table is locked": true,
		"no such table: photos":    false,
	}
	for msg, want := range cases {
		if got := IsLockError(errors.New(msg)); got != want {
			t.Errorf("IsLockError(%q) = %v", msg, got)
		}
	}
	if IsLockError(nil) {
		t.Error("nil reported as lock error")
	}
}
