package ingest

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/image/webp"

	"github.com/franz/phototank/internal/derive"
	"github.com/franz/phototank/internal/geocode"
	"github.com/franz/phototank/internal/jobs"
	"github.com/franz/phototank/internal/library"
	"github.com/franz/phototank/internal/meta"
	"github.com/franz/phototank/internal/store"
	"github.com/franz/phototank/internal/testimg"
	"github.com/franz/phototank/internal/util"
)

type fixture struct {
	ctx      context.Context
	store    *store.Store
	tracker  *jobs.Tracker
	deriv    *derive.Generator
	library  string
	staging  string
	failed   string
	pipeline *Pipeline
}

func newFixture(t *testing.T, order []meta.Fallback, geo *geocode.Geocoder) *fixture {
	t.Helper()
	dir := t.TempDir()
	st, err := store.OpenWithOptions(filepath.Join(dir, "catalog.db"), &store.OpenOptions{RetryBase: 1})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	f := &fixture{
		ctx:     context.Background(),
		store:   st,
		tracker: jobs.NewTracker(st),
		deriv:   derive.New(filepath.Join(dir, "derivatives"), derive.Options{ThumbMax: 16, MidMax: 32}),
		library: filepath.Join(dir, "photos"),
	}
	f.staging = filepath.Join(f.library, "_import")
	f.failed = filepath.Join(f.staging, "_failed")

	f.pipeline = New(Config{
		Store:         st,
		Tracker:       f.tracker,
		Placer:        library.New(&library.Config{Root: f.library, FailedRoot: f.failed}),
		Derivatives:   f.deriv,
		Geocoder:      geo,
		ImportRoot:    f.staging,
		FallbackOrder: order,
	})
	return f
}

func (f *fixture) run(t *testing.T, mode library.Mode) (*Summary, *store.Job) {
	t.Helper()
	job, err := f.tracker.Create(f.ctx, jobs.TypeIngest, nil)
	if err != nil {
		t.Fatal(err)
	}
	sum, err := f.pipeline.Run(f.ctx, job.ID, Options{Mode: mode})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	job, err = f.tracker.Get(f.ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	return sum, job
}

func (f *fixture) photoAt(t *testing.T, rel string) *store.Photo {
	t.Helper()
	p, err := f.store.GetPhotoByRelPath(f.ctx, rel)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func isWEBP(t *testing.T, path string) bool {
	t.Helper()
	fh, err := os.Open(path)
	if err != nil {
		return false
	}
	defer fh.Close()
	_, err = webp.DecodeConfig(fh)
	return err == nil
}

func TestIngestPlacesByCaptureDate(t *testing.T) {
	f := newFixture(t, []meta.Fallback{meta.FallbackJSON, meta.FallbackFilename, meta.FallbackMtime}, nil)
	src := filepath.Join(f.staging, "trip", "eiffel.jpg")
	testimg.WriteJPEG(t, src, testimg.Options{
		Date: "2010:06:15 12:00:00",
		Lat:  testimg.Float(48.8566),
		Lon:  testimg.Float(2.3522),
	})

	sum, job := f.run(t, library.ModeMove)

	placed := filepath.Join(f.library, "2010", "06", "15", "eiffel.jpg")
	if !util.FileExists(placed) {
		t.Fatalf("expected %s", placed)
	}
	if util.FileExists(src) {
		t.Error("move mode left the staged file behind")
	}

	p := f.photoAt(t, "2010/06/15/eiffel.jpg")
	if p == nil {
		t.Fatal("no catalog row")
	}
	if p.DatetimeOriginal == nil || *p.DatetimeOriginal != "2010-06-15T12:00:00" {
		t.Errorf("datetime_original = %v", p.DatetimeOriginal)
	}
	if p.Geo.Status != nil {
		t.Errorf("geocoding disabled but status = %q", *p.Geo.Status)
	}
	for _, tier := range []derive.Tier{derive.TierThumb, derive.TierMid} {
		if !isWEBP(t, f.deriv.Path(tier, p.GUID)) {
			t.Errorf("%s derivative missing for %s", tier, p.GUID)
		}
	}

	want := store.JobCounters{Processed: 1, Upserted: 1, ThumbsDone: 1, MidsDone: 1}
	if sum.Counters != want || job.Counters != want {
		t.Errorf("counters: summary %+v, job %+v, want %+v", sum.Counters, job.Counters, want)
	}
	if len(sum.InsertedGUIDs) != 1 || sum.InsertedGUIDs[0] != p.GUID {
		t.Errorf("inserted = %v, want [%s]", sum.InsertedGUIDs, p.GUID)
	}
	if job.State != string(jobs.StateDone) || job.StartedAt == nil || job.FinishedAt == nil {
		t.Errorf("job = %+v", job)
	}
}

func TestReingestSameRelPathKeepsGUIDAndRating(t *testing.T) {
	f := newFixture(t, nil, nil)
	opts := testimg.Options{Date: "2015:03:04 05:06:07"}
	testimg.WriteJPEG(t, filepath.Join(f.staging, "a.jpg"), opts)

	first, _ := f.run(t, library.ModeMove)
	p := f.photoAt(t, "2015/03/04/a.jpg")
	if p == nil || len(first.InsertedGUIDs) != 1 {
		t.Fatalf("first run: row %v, inserted %v", p, first.InsertedGUIDs)
	}
	if err := f.store.SetRating(f.ctx, p.GUID, 3); err != nil {
		t.Fatal(err)
	}

	// The library copy vanished but the row survived; the same file comes back.
	os.Remove(filepath.Join(f.library, "2015", "03", "04", "a.jpg"))
	testimg.WriteJPEG(t, filepath.Join(f.staging, "a.jpg"), opts)

	second, _ := f.run(t, library.ModeMove)
	again := f.photoAt(t, "2015/03/04/a.jpg")
	if again.GUID != p.GUID {
		t.Errorf("guid changed: %s -> %s", p.GUID, again.GUID)
	}
	if again.Rating != 3 {
		t.Errorf("rating = %d, want 3", again.Rating)
	}
	if len(second.InsertedGUIDs) != 0 || second.Counters.Upserted != 1 {
		t.Errorf("second run = %+v", second)
	}
	if n, _ := f.store.CountByPrefix(f.ctx, ""); n != 1 {
		t.Errorf("catalog has %d rows, want 1", n)
	}
}

func TestNoDateIsQuarantined(t *testing.T) {
	f := newFixture(t, []meta.Fallback{meta.FallbackJSON, meta.FallbackFilename}, nil)
	src := filepath.Join(f.staging, "holiday.jpg")
	testimg.WriteJPEG(t, src, testimg.Options{})

	sum, job := f.run(t, library.ModeMove)

	if !util.FileExists(filepath.Join(f.failed, "holiday.jpg")) {
		t.Error("file not in quarantine")
	}
	if util.FileExists(src) {
		t.Error("file left in staging")
	}
	if job.Counters.Errors != 1 || sum.Counters.Upserted != 0 {
		t.Errorf("counters = %+v", job.Counters)
	}
	if n, _ := f.store.CountByPrefix(f.ctx, ""); n != 0 {
		t.Errorf("catalog has %d rows", n)
	}
}

func TestNoDateCopyModeKeepsSource(t *testing.T) {
	f := newFixture(t, nil, nil)
	src := filepath.Join(f.staging, "holiday.jpg")
	testimg.WriteJPEG(t, src, testimg.Options{})

	_, job := f.run(t, library.ModeCopy)

	if !util.FileExists(src) {
		t.Error("copy mode removed the source")
	}
	if !util.FileExists(filepath.Join(f.failed, "holiday.jpg")) {
		t.Error("no quarantine copy")
	}
	if job.Counters.Errors != 1 {
		t.Errorf("errors = %d", job.Counters.Errors)
	}
}

func TestReplaceByGUIDName(t *testing.T) {
	f := newFixture(t, []meta.Fallback{meta.FallbackMtime}, nil)
	const guid = "0123456789abcdef0123456789abcdef"

	old := filepath.Join(f.library, "2012", "01", "01", "old.jpg")
	testimg.WriteJPEG(t, old, testimg.Options{Width: 40, Height: 20, Date: "2012:01:01 08:00:00", Make: "Canon"})
	row, err := meta.BuildRecord(f.library, old, nil, "")
	if err != nil {
		t.Fatal(err)
	}
	row.GUID = guid
	if _, err := f.store.UpsertPhoto(f.ctx, row); err != nil {
		t.Fatal(err)
	}
	if err := f.store.SetRating(f.ctx, guid, 2); err != nil {
		t.Fatal(err)
	}
	for _, tier := range []derive.Tier{derive.TierThumb, derive.TierMid} {
		path := f.deriv.Path(tier, guid)
		os.MkdirAll(filepath.Dir(path), 0755)
		os.WriteFile(path, []byte("stale"), 0644)
	}

	// An edited export that lost its EXIF.
	testimg.WriteJPEG(t, filepath.Join(f.staging, guid+".jpg"), testimg.Options{Width: 60, Height: 30})

	sum, job := f.run(t, library.ModeMove)

	w, h := meta.Dimensions(old)
	if w == nil || *w != 60 || *h != 30 {
		t.Errorf("library file not replaced: %v x %v", w, h)
	}
	if util.FileExists(library.IncomingPath(old)) || util.FileExists(previousPath(old)) {
		t.Error("temporary file left behind")
	}
	p, err := f.store.GetPhoto(f.ctx, guid)
	if err != nil || p == nil {
		t.Fatalf("row lost: %v", err)
	}
	if p.RelPath != "2012/01/01/old.jpg" || p.Rating != 2 {
		t.Errorf("row = %+v", p)
	}
	if p.DatetimeOriginal == nil || *p.DatetimeOriginal != "2012-01-01T08:00:00" {
		t.Errorf("date not carried over: %v", p.DatetimeOriginal)
	}
	if p.CameraMake == nil || *p.CameraMake != "Canon" {
		t.Errorf("camera make not carried over: %v", p.CameraMake)
	}
	if p.Width == nil || *p.Width != 60 {
		t.Errorf("width = %v", p.Width)
	}
	for _, tier := range []derive.Tier{derive.TierThumb, derive.TierMid} {
		if !isWEBP(t, f.deriv.Path(tier, guid)) {
			t.Errorf("%s derivative not regenerated", tier)
		}
	}
	if len(sum.InsertedGUIDs) != 0 {
		t.Errorf("replace reported as insert: %v", sum.InsertedGUIDs)
	}
	want := store.JobCounters{Processed: 1, Upserted: 1, ThumbsDone: 1, MidsDone: 1}
	if job.Counters != want {
		t.Errorf("counters = %+v, want %+v", job.Counters, want)
	}
}

func TestFailedReplaceRestoresPrevious(t *testing.T) {
	for _, mode := range []library.Mode{library.ModeMove, library.ModeCopy} {
		t.Run(string(mode), func(t *testing.T) {
			f := newFixture(t, nil, nil)
			const guid = "0123456789abcdef0123456789abcdef"

			old := filepath.Join(f.library, "2012", "01", "01", "old.jpg")
			testimg.WriteJPEG(t, old, testimg.Options{Width: 40, Height: 20, Date: "2012:01:01 08:00:00"})
			original, err := os.ReadFile(old)
			if err != nil {
				t.Fatal(err)
			}
			row, err := meta.BuildRecord(f.library, old, nil, "")
			if err != nil {
				t.Fatal(err)
			}
			row.GUID = guid
			if _, err := f.store.UpsertPhoto(f.ctx, row); err != nil {
				t.Fatal(err)
			}
			for _, tier := range []derive.Tier{derive.TierThumb, derive.TierMid} {
				path := f.deriv.Path(tier, guid)
				os.MkdirAll(filepath.Dir(path), 0755)
				os.WriteFile(path, []byte("previous "+string(tier)), 0644)
			}

			// A re-export that cannot be decoded.
			src := filepath.Join(f.staging, guid+".jpg")
			os.MkdirAll(f.staging, 0755)
			if err := os.WriteFile(src, []byte("not a jpeg"), 0644); err != nil {
				t.Fatal(err)
			}

			_, job := f.run(t, mode)

			got, err := os.ReadFile(old)
			if err != nil || string(got) != string(original) {
				t.Errorf("library file not restored (err %v)", err)
			}
			for _, tier := range []derive.Tier{derive.TierThumb, derive.TierMid} {
				path := f.deriv.Path(tier, guid)
				if data, _ := os.ReadFile(path); string(data) != "previous "+string(tier) {
					t.Errorf("%s derivative = %q", tier, data)
				}
				if util.FileExists(previousPath(path)) {
					t.Errorf("parked %s derivative left behind", tier)
				}
			}
			if util.FileExists(previousPath(old)) || util.FileExists(library.IncomingPath(old)) {
				t.Error("temporary file left in the library")
			}
			if !util.FileExists(filepath.Join(f.failed, guid+".jpg")) {
				t.Error("rejected file not quarantined under its staged name")
			}
			if got := util.FileExists(src); got != (mode == library.ModeCopy) {
				t.Errorf("source exists = %v in %s mode", got, mode)
			}
			p, err := f.store.GetPhoto(f.ctx, guid)
			if err != nil || p == nil {
				t.Fatalf("row lost: %v", err)
			}
			if p.Width == nil || *p.Width != 40 || p.FileSize != int64(len(original)) {
				t.Errorf("row changed: %+v", p)
			}
			if job.Counters.Errors != 1 || job.Counters.Upserted != 0 {
				t.Errorf("counters = %+v", job.Counters)
			}
		})
	}
}

func TestGUIDNameWithoutRowImportsNormally(t *testing.T) {
	f := newFixture(t, nil, nil)
	name := "fedcba9876543210fedcba9876543210.jpg"
	testimg.WriteJPEG(t, filepath.Join(f.staging, name), testimg.Options{Date: "2020:02:02 02:02:02"})

	sum, _ := f.run(t, library.ModeMove)

	if f.photoAt(t, "2020/02/02/"+name) == nil {
		t.Error("guid-named file without a row was not imported")
	}
	if len(sum.InsertedGUIDs) != 1 {
		t.Errorf("inserted = %v", sum.InsertedGUIDs)
	}
}

func TestFailedItemIsRolledBack(t *testing.T) {
	for _, mode := range []library.Mode{library.ModeMove, library.ModeCopy} {
		t.Run(string(mode), func(t *testing.T) {
			f := newFixture(t, []meta.Fallback{meta.FallbackFilename}, nil)
			src := filepath.Join(f.staging, "IMG_20200102_030405.jpg")
			os.MkdirAll(f.staging, 0755)
			if err := os.WriteFile(src, []byte("not a jpeg"), 0644); err != nil {
				t.Fatal(err)
			}

			sum, job := f.run(t, mode)

			if util.FileExists(filepath.Join(f.library, "2020", "01", "02", "IMG_20200102_030405.jpg")) {
				t.Error("library still holds the failed file")
			}
			if !util.FileExists(filepath.Join(f.failed, "IMG_20200102_030405.jpg")) {
				t.Error("failed file not quarantined")
			}
			if got := util.FileExists(src); got != (mode == library.ModeCopy) {
				t.Errorf("source exists = %v in %s mode", got, mode)
			}
			if n, _ := f.store.CountByPrefix(f.ctx, ""); n != 0 {
				t.Errorf("catalog has %d rows", n)
			}
			if job.State != "done" || job.Counters.Errors != 1 || len(sum.InsertedGUIDs) != 0 {
				t.Errorf("job = %+v, summary = %+v", job, sum)
			}
			entries, _ := os.ReadDir(filepath.Join(f.deriv.Root(), "thumb"))
			if len(entries) != 0 {
				t.Errorf("derivatives left behind: %v", entries)
			}
		})
	}
}

func TestQuarantineSubtreeIsSkipped(t *testing.T) {
	f := newFixture(t, nil, nil)
	testimg.WriteJPEG(t, filepath.Join(f.failed, "old-failure.jpg"), testimg.Options{Date: "2011:01:01 00:00:00"})

	sum, _ := f.run(t, library.ModeMove)

	if sum.Counters.Processed != 0 {
		t.Errorf("processed = %d, want 0", sum.Counters.Processed)
	}
	if !util.FileExists(filepath.Join(f.failed, "old-failure.jpg")) {
		t.Error("quarantined file was touched")
	}
}

func TestMissingJobIsNoop(t *testing.T) {
	f := newFixture(t, nil, nil)
	sum, err := f.pipeline.Run(f.ctx, "does-not-exist", Options{Mode: library.ModeMove})
	if err != nil {
		t.Fatal(err)
	}
	if sum.Counters != (store.JobCounters{}) || len(sum.InsertedGUIDs) != 0 {
		t.Errorf("summary = %+v", sum)
	}
}

func TestInvalidModeIsRejected(t *testing.T) {
	f := newFixture(t, nil, nil)
	job, _ := f.tracker.Create(f.ctx, jobs.TypeIngest, nil)
	if _, err := f.pipeline.Run(f.ctx, job.ID, Options{Mode: "link"}); err == nil {
		t.Error("expected an error for an unknown mode")
	}
}

func TestLeaveJobState(t *testing.T) {
	f := newFixture(t, nil, nil)
	testimg.WriteJPEG(t, filepath.Join(f.staging, "a.jpg"), testimg.Options{Date: "2019:09:09 09:09:09"})
	job, _ := f.tracker.Create(f.ctx, jobs.TypePhoneSync, nil)

	if _, err := f.pipeline.Run(f.ctx, job.ID, Options{Mode: library.ModeMove, LeaveJobState: true}); err != nil {
		t.Fatal(err)
	}
	got, _ := f.tracker.Get(f.ctx, job.ID)
	if got.State != string(jobs.StateQueued) || got.StartedAt != nil || got.FinishedAt != nil {
		t.Errorf("job state was managed: %+v", got)
	}
	if got.Counters.Processed != 1 || got.Counters.Upserted != 1 {
		t.Errorf("counters not written: %+v", got.Counters)
	}
}

func TestOverrideRoots(t *testing.T) {
	f := newFixture(t, nil, nil)
	other := filepath.Join(t.TempDir(), "phone")
	failed := filepath.Join(t.TempDir(), "phone-failed")
	testimg.WriteJPEG(t, filepath.Join(other, "dated.jpg"), testimg.Options{Date: "2018:08:08 08:08:08"})
	testimg.WriteJPEG(t, filepath.Join(other, "undated.jpg"), testimg.Options{})

	job, _ := f.tracker.Create(f.ctx, jobs.TypeIngest, nil)
	sum, err := f.pipeline.Run(f.ctx, job.ID, Options{Mode: library.ModeMove, ImportRoot: other, FailedRoot: failed})
	if err != nil {
		t.Fatal(err)
	}
	if sum.Counters.Processed != 2 || sum.Counters.Errors != 1 {
		t.Errorf("counters = %+v", sum.Counters)
	}
	if !util.FileExists(filepath.Join(failed, "undated.jpg")) {
		t.Error("override failed root not used")
	}
	if f.photoAt(t, "2018/08/08/dated.jpg") == nil {
		t.Error("file from override import root not imported")
	}
}

type cityProvider struct{ calls int }

func (c *cityProvider) Kind() geocode.ProviderKind { return geocode.ProviderGeoNames }

func (c *cityProvider) Lookup(ctx context.Context, lat, lon, radiusKm float64) (*geocode.Place, error) {
	c.calls++
	return &geocode.Place{CountryCode: "FR", Country: "France", City: "Paris", DisplayName: "Paris, France"}, nil
}

func TestIngestGeocodesInSameTransaction(t *testing.T) {
	cfg := geocode.DefaultConfig()
	cfg.Enabled = true
	cfg.Username = "demo"
	provider := &cityProvider{}
	f := newFixture(t, nil, geocode.NewWithProvider(cfg, provider, nil))

	for _, name := range []string{"a.jpg", "b.jpg"} {
		testimg.WriteJPEG(t, filepath.Join(f.staging, name), testimg.Options{
			Date: "2010:06:15 12:00:00",
			Lat:  testimg.Float(48.85660),
			Lon:  testimg.Float(2.35220),
		})
	}

	f.run(t, library.ModeMove)

	if provider.calls != 1 {
		t.Errorf("provider calls = %d, want 1", provider.calls)
	}
	for _, rel := range []string{"2010/06/15/a.jpg", "2010/06/15/b.jpg"} {
		p := f.photoAt(t, rel)
		if p == nil || p.Geo.City == nil || *p.Geo.City != "Paris" || *p.Geo.Status != geocode.StatusOK {
			t.Errorf("%s geo = %+v", rel, p)
		}
	}
	stats, err := f.store.GetGeocodeCacheStats(f.ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Entries != 1 || stats.TotalHits != 2 {
		t.Errorf("cache stats = %+v", stats)
	}
}

func TestIngestHEIC(t *testing.T) {
	f := newFixture(t, nil, nil)
	src := filepath.Join(f.staging, "IMG_0001.heic")
	testimg.WriteHEIC(t, src, testimg.Options{
		Width:  128,
		Height: 64,
		Date:   "2021:07:04 18:30:00",
		Make:   "Apple",
	})

	sum, _ := f.run(t, library.ModeMove)

	if sum.Counters.Errors != 0 || sum.Counters.Upserted != 1 {
		t.Fatalf("counters = %+v", sum.Counters)
	}
	if util.FileExists(filepath.Join(f.failed, "IMG_0001.heic")) {
		t.Fatal("HEIC photo was quarantined")
	}
	p := f.photoAt(t, "2021/07/04/IMG_0001.heic")
	if p == nil {
		t.Fatal("no catalog row")
	}
	if p.Width == nil || *p.Width != 128 || p.Height == nil || *p.Height != 64 {
		t.Errorf("dimensions = %v x %v", p.Width, p.Height)
	}
	if p.CameraMake == nil || *p.CameraMake != "Apple" {
		t.Errorf("make = %v", p.CameraMake)
	}
	for _, tier := range []derive.Tier{derive.TierThumb, derive.TierMid} {
		if !isWEBP(t, f.deriv.Path(tier, p.GUID)) {
			t.Errorf("%s derivative missing", tier)
		}
	}
	if !derive.HasEXIF(f.deriv.Path(derive.TierMid, p.GUID)) {
		t.Error("mid derivative lost the HEIC EXIF block")
	}
}
