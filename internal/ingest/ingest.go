// Package ingest imports staged photos into the dated library tree and the
// catalog.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/franz/phototank/internal/derive"
	"github.com/franz/phototank/internal/geocode"
	"github.com/franz/phototank/internal/jobs"
	"github.com/franz/phototank/internal/library"
	"github.com/franz/phototank/internal/meta"
	"github.com/franz/phototank/internal/metrics"
	"github.com/franz/phototank/internal/report"
	"github.com/franz/phototank/internal/scan"
	"github.com/franz/phototank/internal/store"
	"github.com/franz/phototank/internal/util"
)

// DefaultProgressEvery is how often counters are persisted mid-run.
const DefaultProgressEvery = 50

// Config wires the pipeline to its collaborators.
type Config struct {
	Store         *store.Store
	Tracker       *jobs.Tracker
	Placer        *library.Placer
	Derivatives   *derive.Generator
	Geocoder      *geocode.Geocoder // nil disables lookups
	Events        *report.EventLogger
	ImportRoot    string
	Extensions    []string
	FallbackOrder []meta.Fallback
	ProgressEvery int
}

// Options are the per-run settings.
type Options struct {
	Mode library.Mode

	// ImportRoot and FailedRoot override the configured directories.
	ImportRoot string
	FailedRoot string

	// LeaveJobState skips the running/done/failed transitions so a wrapping
	// job can own them. Counters are still written.
	LeaveJobState bool
}

// Summary is what a run did.
type Summary struct {
	Counters      store.JobCounters
	InsertedGUIDs []string // sorted; rows created by this run, not replaced or updated
}

// Pipeline runs ingest jobs.
type Pipeline struct {
	cfg Config
}

// New creates a Pipeline.
func New(cfg Config) *Pipeline {
	if cfg.ProgressEvery <= 0 {
		cfg.ProgressEvery = DefaultProgressEvery
	}
	return &Pipeline{cfg: cfg}
}

// run is the state of one job execution.
type run struct {
	*Config
	jobID    string
	mode     library.Mode
	placer   *library.Placer
	counters store.JobCounters
	inserted map[string]bool
}

// Run ingests every candidate under the import root. Per-item failures are
// counted and never stop the job. A missing job is a no-op with an empty
// summary. Any other returned error also marked the job failed, unless
// LeaveJobState is set.
func (p *Pipeline) Run(ctx context.Context, jobID string, opts Options) (sum *Summary, err error) {
	if _, err := library.ParseMode(string(opts.Mode)); err != nil {
		return nil, err
	}
	if _, err := p.cfg.Tracker.Get(ctx, jobID); err != nil {
		if errors.Is(err, util.ErrNotFound) {
			util.WarnLog("Ingest job %s does not exist", jobID)
			return &Summary{}, nil
		}
		return nil, err
	}

	importRoot := p.cfg.ImportRoot
	if opts.ImportRoot != "" {
		importRoot = opts.ImportRoot
	}
	placer := p.cfg.Placer
	if opts.FailedRoot != "" {
		placer = placer.WithFailedRoot(opts.FailedRoot)
	}

	r := &run{
		Config:   &p.cfg,
		jobID:    jobID,
		mode:     opts.Mode,
		placer:   placer,
		inserted: make(map[string]bool),
	}

	started := time.Now()
	if !opts.LeaveJobState {
		if err := r.Tracker.MarkStarted(ctx, jobID); err != nil {
			return nil, err
		}
	}
	util.InfoLog("Ingest job %s starting: mode=%s import=%s failed=%s library=%s",
		jobID, opts.Mode, importRoot, placer.FailedRoot(), placer.Root())

	// Every exit, including errors and panics, reports the run's summary.
	defer func() {
		if rec := recover(); rec != nil {
			err = &jobs.PanicError{Value: rec}
		}
		sum = r.summary()
		state := jobs.StateDone
		if err != nil {
			state = jobs.StateFailed
			util.ErrorLog("Ingest job %s crashed: %v", jobID, err)
		}
		if ferr := r.finish(ctx, state, err, opts.LeaveJobState); ferr != nil && err == nil {
			err = ferr
		}
		metrics.JobDuration.WithLabelValues(string(jobs.TypeIngest), string(state)).Observe(time.Since(started).Seconds())
		r.Events.LogJob(jobID, string(jobs.TypeIngest), string(state), time.Since(started), err)
	}()

	for _, dir := range []string{importRoot, placer.FailedRoot(), r.Derivatives.Root()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	scanner := scan.New(&scan.Config{Extensions: r.Extensions, Exclude: []string{placer.FailedRoot()}})
	found, err := scanner.Scan(ctx, importRoot)
	if err != nil {
		return nil, err
	}

	for _, src := range found.Files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		r.counters.Processed++
		r.process(ctx, src)

		if n := r.counters.Processed; n == 1 || n%r.ProgressEvery == 0 {
			c := r.counters
			if err := r.Tracker.SetProgress(ctx, jobID, jobs.Update{Counters: &c}); err != nil {
				return nil, err
			}
		}
	}

	c := r.counters
	util.SuccessLog("Ingest job %s done: processed=%d upserted=%d thumbs=%d mids=%d errors=%d new=%d",
		jobID, c.Processed, c.Upserted, c.ThumbsDone, c.MidsDone, c.Errors, len(r.inserted))
	return r.summary(), nil
}

func (r *run) summary() *Summary {
	s := &Summary{Counters: r.counters, InsertedGUIDs: make([]string, 0, len(r.inserted))}
	for guid := range r.inserted {
		s.InsertedGUIDs = append(s.InsertedGUIDs, guid)
	}
	sort.Strings(s.InsertedGUIDs)
	return s
}

// finish writes the final counters. The write survives a cancelled ctx.
func (r *run) finish(ctx context.Context, state jobs.State, cause error, leaveState bool) error {
	ctx = context.WithoutCancel(ctx)
	c := r.counters
	if leaveState {
		return r.Tracker.SetProgress(ctx, r.jobID, jobs.Update{Counters: &c})
	}
	var msg *string
	if cause != nil {
		m := jobs.FailureMessage(cause)
		msg = &m
	}
	return r.Tracker.Finish(ctx, r.jobID, state, c, msg)
}

// process handles one staged file.
func (r *run) process(ctx context.Context, src string) {
	if guid := util.GUIDFromFilename(src); guid != "" {
		prev, err := r.photo(ctx, guid)
		if err != nil {
			r.itemFailed(src, err)
			r.quarantineSource(ctx, src)
			return
		}
		if prev != nil {
			r.replace(ctx, src, prev)
			return
		}
		util.DebugLog("No catalog row for %s; importing as a new photo", filepath.Base(src))
	}
	r.importNew(ctx, src)
}

func (r *run) photo(ctx context.Context, guid string) (*store.Photo, error) {
	var p *store.Photo
	err := r.Store.WithRetry("ingest-lookup", func() error {
		var err error
		p, err = r.Store.GetPhoto(ctx, guid)
		return err
	})
	return p, err
}

func (r *run) photoAt(ctx context.Context, rel string) (*store.Photo, error) {
	var p *store.Photo
	err := r.Store.WithRetry("ingest-lookup", func() error {
		var err error
		p, err = r.Store.GetPhotoByRelPath(ctx, rel)
		return err
	})
	return p, err
}

// replace overwrites the library file of an existing row with src and
// rebuilds that row, keeping its guid and any field the new file lost. The
// previous file and derivatives are parked until the row is committed and
// restored when any later step fails.
func (r *run) replace(ctx context.Context, src string, prev *store.Photo) {
	dest, err := util.ResolveUnder(r.placer.Root(), prev.RelPath)
	if err != nil {
		r.itemFailed(src, err)
		r.quarantineSource(ctx, src)
		return
	}
	prior, err := r.park(dest, prev.GUID)
	if err != nil {
		r.itemFailed(src, err)
		r.quarantineSource(ctx, src)
		return
	}
	if err := r.placer.Replace(ctx, src, dest, r.mode); err != nil {
		r.itemFailed(src, err)
		prior.restore()
		r.quarantineSource(ctx, src)
		return
	}
	r.Events.LogReplace(r.jobID, prev.GUID, src, dest)

	// EXIF only: a date the new file does not carry comes from the previous
	// row before any filename or mtime guess.
	rec, err := meta.BuildRecord(r.placer.Root(), dest, nil, "")
	if err != nil {
		r.itemFailed(dest, err)
		r.undoReplace(ctx, src, dest, prev.GUID, prior)
		return
	}
	rec.GUID = prev.GUID
	rec.Geo = prev.Geo
	meta.MergePrevious(rec, prev)
	if rec.DatetimeOriginal == nil || *rec.DatetimeOriginal == "" {
		if date, ok := meta.CaptureTime(dest, nil, r.FallbackOrder); ok {
			rec.DatetimeOriginal = &date
		}
	}

	res, err := r.catalog(ctx, dest, rec)
	if err != nil {
		r.itemFailed(dest, err)
		r.undoReplace(ctx, src, dest, prev.GUID, prior)
		return
	}
	prior.drop()
	r.counters.Upserted++
	r.countDerivatives(res)
	metrics.IngestItemsTotal.WithLabelValues("replaced").Inc()
	util.InfoLog("Replaced %s (guid %s)", prev.RelPath, prev.GUID)
}

// undoReplace sends the new file back to quarantine under its staged name
// and restores what it replaced, so the untouched row still describes the
// library.
func (r *run) undoReplace(ctx context.Context, src, dest, guid string, prior *parked) {
	if err := r.Derivatives.Remove(guid); err != nil {
		util.WarnLog("Failed to remove derivatives of %s: %v", guid, err)
	}
	if r.mode == library.ModeMove {
		if err := os.Rename(dest, src); err != nil {
			util.WarnLog("Failed to return %s to staging: %v", dest, err)
			r.quarantine(ctx, dest, "replace failed")
		}
	} else if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
		util.WarnLog("Failed to remove library copy %s: %v", dest, err)
	}
	prior.restore()
	r.quarantineSource(ctx, src)
}

// previousPath is where a replace parks path until the new row is committed.
func previousPath(path string) string {
	return filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+".previous")
}

// parked maps original paths to their parked names.
type parked map[string]string

// park renames the library file and both derivatives of guid aside.
func (r *run) park(dest, guid string) (*parked, error) {
	p := parked{}
	for _, path := range []string{
		dest,
		r.Derivatives.Path(derive.TierThumb, guid),
		r.Derivatives.Path(derive.TierMid, guid),
	} {
		if !util.FileExists(path) {
			continue
		}
		if err := os.Rename(path, previousPath(path)); err != nil {
			p.restore()
			return nil, fmt.Errorf("failed to set aside %s: %w", path, err)
		}
		p[path] = previousPath(path)
	}
	return &p, nil
}

// restore moves every parked file back over its original path.
func (p *parked) restore() {
	for orig, aside := range *p {
		if err := os.Rename(aside, orig); err != nil {
			util.ErrorLog("Failed to restore %s: %v", orig, err)
		}
	}
}

// drop deletes the parked files.
func (p *parked) drop() {
	for _, aside := range *p {
		if err := os.Remove(aside); err != nil && !os.IsNotExist(err) {
			util.WarnLog("Failed to remove %s: %v", aside, err)
		}
	}
}

// importNew places a staged file by capture date and catalogs it.
func (r *run) importNew(ctx context.Context, src string) {
	ex := meta.ReadEXIF(src)
	date, ok := meta.CaptureTime(src, ex.DatetimeOriginal, r.FallbackOrder)
	if !ok {
		r.quarantineUndated(ctx, src, util.ErrNoCaptureDate)
		return
	}
	t, err := util.ParseNaive(date)
	if err != nil {
		r.quarantineUndated(ctx, src, fmt.Errorf("%w: unparseable date %q", util.ErrNoCaptureDate, date))
		return
	}

	placed, err := r.placer.Place(ctx, src, r.placer.DatedPath(t, filepath.Base(src)), r.mode)
	if err != nil {
		r.itemFailed(src, err)
		r.quarantineSource(ctx, src)
		return
	}

	rec, err := meta.BuildRecord(r.placer.Root(), placed, r.FallbackOrder, date)
	if err != nil {
		r.itemFailed(src, err)
		r.unplace(ctx, src, placed)
		return
	}
	prev, err := r.photoAt(ctx, rec.RelPath)
	if err != nil {
		r.itemFailed(src, err)
		r.unplace(ctx, src, placed)
		return
	}
	if prev != nil {
		rec.GUID = prev.GUID
		rec.Geo = prev.Geo
	}
	r.Events.LogPlace(r.jobID, rec.GUID, src, placed, string(r.mode))

	res, err := r.catalog(ctx, placed, rec)
	if err != nil {
		r.itemFailed(src, err)
		r.discardDerivatives(rec.GUID, res, prev == nil)
		r.unplace(ctx, src, placed)
		return
	}
	if prev == nil {
		r.inserted[rec.GUID] = true
	}
	r.counters.Upserted++
	r.countDerivatives(res)
	metrics.IngestItemsTotal.WithLabelValues("imported").Inc()
	util.DebugLog("Imported %s -> %s", src, rec.RelPath)
}

// catalog brings the derivatives up to date, geocodes, then writes the row
// and the geocode result in one transaction. Nothing is written to the
// catalog unless every step succeeded. The returned Result is valid even
// with an error, so callers can discard what was generated.
func (r *run) catalog(ctx context.Context, source string, rec *store.Photo) (derive.Result, error) {
	began := time.Now()
	res, err := r.Derivatives.Ensure(source, rec.GUID, rec.SourceMtime, false)
	if err != nil {
		return res, err
	}
	r.Events.LogDerive(r.jobID, rec.GUID, res.ThumbCreated, res.MidCreated, time.Since(began))

	out := r.Geocoder.Enrich(ctx, r.Store, rec)
	if out.Changed() {
		r.Events.LogGeocode(r.jobID, rec.GUID, out.Kind.String(), out.Err)
	}

	err = r.Store.Update(ctx, "ingest-item", func(tx *store.Tx) error {
		guid, err := tx.UpsertPhoto(ctx, rec)
		if err != nil {
			return err
		}
		if guid != rec.GUID {
			return fmt.Errorf("catalog row for %s changed guid during ingest", rec.RelPath)
		}
		if out.Changed() {
			return tx.SaveGeocode(ctx, guid, &rec.Geo, out.CacheWrite)
		}
		return nil
	})
	return res, err
}

func (r *run) countDerivatives(res derive.Result) {
	if res.ThumbCreated {
		r.counters.ThumbsDone++
	}
	if res.MidCreated {
		r.counters.MidsDone++
	}
}

// discardDerivatives removes what a failed attempt generated. For a new row
// both tiers go, since nothing else refers to them.
func (r *run) discardDerivatives(guid string, res derive.Result, newRow bool) {
	if newRow {
		if err := r.Derivatives.Remove(guid); err != nil {
			util.WarnLog("Failed to remove derivatives of %s: %v", guid, err)
		}
		return
	}
	for tier, created := range map[derive.Tier]bool{derive.TierThumb: res.ThumbCreated, derive.TierMid: res.MidCreated} {
		if !created {
			continue
		}
		if err := os.Remove(r.Derivatives.Path(tier, guid)); err != nil && !os.IsNotExist(err) {
			util.WarnLog("Failed to remove %s derivative of %s: %v", tier, guid, err)
		}
	}
}

// unplace takes a placed file back out of the library. In move mode the
// placed file itself is quarantined; in copy mode the copy is deleted and
// the untouched source is quarantined.
func (r *run) unplace(ctx context.Context, src, placed string) {
	if r.mode == library.ModeMove {
		r.quarantine(ctx, placed, "ingest failed")
		return
	}
	if err := os.Remove(placed); err != nil && !os.IsNotExist(err) {
		util.WarnLog("Failed to remove library copy %s: %v", placed, err)
	}
	r.quarantine(ctx, src, "ingest failed")
}

func (r *run) quarantineUndated(ctx context.Context, src string, cause error) {
	r.counters.Errors++
	metrics.IngestItemsTotal.WithLabelValues("quarantined").Inc()
	util.WarnLog("Ingest error job=%s path=%s reason=no_datetime", r.jobID, src)
	r.Events.LogError(r.jobID, src, cause)
	r.quarantine(ctx, src, "no capture date")
}

// quarantineSource quarantines src if it is still in staging.
func (r *run) quarantineSource(ctx context.Context, src string) {
	if !util.FileExists(src) {
		return
	}
	r.quarantine(ctx, src, "ingest failed")
}

func (r *run) quarantine(ctx context.Context, path, reason string) {
	dest, err := r.placer.Quarantine(context.WithoutCancel(ctx), path, r.mode)
	if err != nil {
		util.ErrorLog("%v", err)
		return
	}
	r.Events.LogQuarantine(r.jobID, path, dest, reason)
}

func (r *run) itemFailed(path string, err error) {
	r.counters.Errors++
	metrics.IngestItemsTotal.WithLabelValues("error").Inc()
	util.ErrorLog("Ingest error job=%s path=%s: %v", r.jobID, path, err)
	r.Events.LogError(r.jobID, path, err)
}
