// Package validate repairs the derived state of catalogued photos:
// derivatives and reverse-geocode fields. It never moves library files.
package validate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/franz/phototank/internal/derive"
	"github.com/franz/phototank/internal/geocode"
	"github.com/franz/phototank/internal/jobs"
	"github.com/franz/phototank/internal/metrics"
	"github.com/franz/phototank/internal/report"
	"github.com/franz/phototank/internal/store"
	"github.com/franz/phototank/internal/util"
)

const (
	DefaultBatchSize     = 500
	DefaultProgressEvery = 200
)

// Config wires the pipeline to its collaborators.
type Config struct {
	Store         *store.Store
	Tracker       *jobs.Tracker
	Derivatives   *derive.Generator
	Geocoder      *geocode.Geocoder // nil disables lookups
	Events        *report.EventLogger
	PhotoRoot     string
	BatchSize     int
	ProgressEvery int
}

// Options selects the repairs a run performs.
type Options struct {
	RepairDerivatives bool
	RepairMidEXIF     bool // also rebuild mids that lost their EXIF block
	Geocode           bool
}

// DefaultOptions repairs derivatives and geocodes.
func DefaultOptions() Options {
	return Options{RepairDerivatives: true, Geocode: true}
}

// Pipeline runs validate jobs.
type Pipeline struct {
	cfg Config
}

// New creates a Pipeline.
func New(cfg Config) *Pipeline {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.ProgressEvery <= 0 {
		cfg.ProgressEvery = DefaultProgressEvery
	}
	return &Pipeline{cfg: cfg}
}

// Run walks the catalog rows of the job's year (all rows when the job has
// none) in rel_path order. A missing job is a no-op. A returned error also
// marked the job failed.
func (p *Pipeline) Run(ctx context.Context, jobID string, opts Options) (counters store.JobCounters, err error) {
	job, err := p.cfg.Tracker.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, util.ErrNotFound) {
			util.WarnLog("Validate job %s does not exist", jobID)
			return counters, nil
		}
		return counters, err
	}
	if err := p.cfg.Tracker.MarkStarted(ctx, jobID); err != nil {
		return counters, err
	}

	prefix := ""
	if job.Year != nil {
		prefix = fmt.Sprintf("%d/", *job.Year)
	}
	util.InfoLog("Validate job %s starting: prefix=%q derivatives=%t geocode=%t",
		jobID, prefix, opts.RepairDerivatives, opts.Geocode)

	started := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			err = &jobs.PanicError{Value: rec}
		}
		state := jobs.StateDone
		var msg *string
		if err != nil {
			state = jobs.StateFailed
			m := jobs.FailureMessage(err)
			msg = &m
			util.ErrorLog("Validate job %s crashed: %v", jobID, err)
		}
		if ferr := p.cfg.Tracker.Finish(context.WithoutCancel(ctx), jobID, state, counters, msg); ferr != nil && err == nil {
			err = ferr
		}
		metrics.JobDuration.WithLabelValues(string(jobs.TypeValidate), string(state)).Observe(time.Since(started).Seconds())
		p.cfg.Events.LogJob(jobID, string(jobs.TypeValidate), string(state), time.Since(started), err)
	}()

	after := ""
	for {
		var batch []*store.Photo
		err := p.cfg.Store.WithRetry("validate-list", func() error {
			var err error
			batch, err = p.cfg.Store.ListPhotos(ctx, store.PhotoFilter{Prefix: prefix, After: after, Limit: p.cfg.BatchSize})
			return err
		})
		if err != nil {
			return counters, err
		}
		if len(batch) == 0 {
			break
		}
		after = batch[len(batch)-1].RelPath

		for _, photo := range batch {
			if err := ctx.Err(); err != nil {
				return counters, err
			}
			counters.Processed++
			p.check(ctx, jobID, photo, opts, &counters)

			if n := counters.Processed; n == 1 || n%p.cfg.ProgressEvery == 0 {
				c := counters
				if err := p.cfg.Tracker.SetProgress(ctx, jobID, jobs.Update{Counters: &c}); err != nil {
					return counters, err
				}
			}
		}
		if len(batch) < p.cfg.BatchSize {
			break
		}
	}

	util.SuccessLog("Validate job %s done: processed=%d thumbs=%d mids=%d errors=%d",
		jobID, counters.Processed, counters.ThumbsDone, counters.MidsDone, counters.Errors)
	return counters, nil
}

// check repairs one row. Failures are counted, never returned.
func (p *Pipeline) check(ctx context.Context, jobID string, photo *store.Photo, opts Options, c *store.JobCounters) {
	source, err := util.ResolveUnder(p.cfg.PhotoRoot, photo.RelPath)
	if err != nil {
		p.failed(jobID, photo.RelPath, err, c)
		return
	}
	info, err := os.Stat(source)
	if err != nil {
		c.Errors++
		metrics.ValidateItemsTotal.WithLabelValues("missing").Inc()
		util.WarnLog("Validate: source missing for %s (guid %s)", photo.RelPath, photo.GUID)
		p.cfg.Events.LogError(jobID, source, fmt.Errorf("source missing: %w", err))
		return
	}

	if opts.RepairDerivatives {
		mtime := info.ModTime().Unix()
		began := time.Now()
		res, err := p.cfg.Derivatives.Ensure(source, photo.GUID, &mtime, opts.RepairMidEXIF)
		if res.ThumbCreated {
			c.ThumbsDone++
		}
		if res.MidCreated {
			c.MidsDone++
		}
		if err != nil {
			p.failed(jobID, source, err, c)
			return
		}
		p.cfg.Events.LogDerive(jobID, photo.GUID, res.ThumbCreated, res.MidCreated, time.Since(began))
	}

	if opts.Geocode {
		out := p.cfg.Geocoder.Enrich(ctx, p.cfg.Store, photo)
		if out.Changed() {
			p.cfg.Events.LogGeocode(jobID, photo.GUID, out.Kind.String(), out.Err)
			// One short transaction per photo.
			err := p.cfg.Store.Update(ctx, "validate-photo-geocode", func(tx *store.Tx) error {
				return tx.SaveGeocode(ctx, photo.GUID, &photo.Geo, out.CacheWrite)
			})
			if err != nil {
				p.failed(jobID, source, err, c)
				return
			}
		}
	}
	metrics.ValidateItemsTotal.WithLabelValues("ok").Inc()
}

func (p *Pipeline) failed(jobID, path string, err error, c *store.JobCounters) {
	c.Errors++
	metrics.ValidateItemsTotal.WithLabelValues("error").Inc()
	util.ErrorLog("Validate error job=%s path=%s: %v", jobID, path, err)
	p.cfg.Events.LogError(jobID, path, err)
}
