package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/viper"

	"github.com/franz/phototank/internal/config"
	"github.com/franz/phototank/internal/derive"
	"github.com/franz/phototank/internal/geocode"
	"github.com/franz/phototank/internal/jobs"
	"github.com/franz/phototank/internal/library"
	"github.com/franz/phototank/internal/metrics"
	"github.com/franz/phototank/internal/report"
	"github.com/franz/phototank/internal/store"
	"github.com/franz/phototank/internal/util"
)

// app holds what every job command shares: settings, the catalog and the
// tracker, plus the event log and metrics listener when a job runs.
type app struct {
	settings *config.Settings
	store    *store.Store
	tracker  *jobs.Tracker
	events   *report.EventLogger

	stopMetrics context.CancelFunc
}

// openApp loads settings and opens the catalog.
func openApp() (*app, error) {
	settings, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	util.DebugLog("Opening database: %s", settings.DBPath)
	st, err := store.OpenWithOptions(settings.DBPath, &store.OpenOptions{
		RetryAttempts: settings.StoreRetryAttempts,
		RetryBase:     settings.StoreRetryBase,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return &app{
		settings: settings,
		store:    st,
		tracker:  jobs.NewTracker(st),
	}, nil
}

// startJobServices opens the event log and, when configured, the metrics
// listener. Both stop in Close.
func (a *app) startJobServices(ctx context.Context) error {
	logLevel := report.LevelInfo
	if util.IsQuiet() {
		logLevel = report.LevelError
	} else if viper.GetBool("verbose") {
		logLevel = report.LevelDebug
	}

	logger, err := report.NewEventLogger(a.settings.EventsDir, logLevel)
	if err != nil {
		return fmt.Errorf("failed to create event logger: %w", err)
	}
	a.events = logger
	util.DebugLog("Event log: %s", logger.Path())

	if addr := a.settings.MetricsAddr; addr != "" {
		mctx, cancel := context.WithCancel(ctx)
		a.stopMetrics = cancel
		go func() {
			if err := metrics.Serve(mctx, addr); err != nil {
				util.ErrorLog("Metrics server on %s stopped: %v", addr, err)
			}
		}()
		util.InfoLog("Serving metrics on %s/metrics", addr)
	}
	return nil
}

func (a *app) Close() {
	if a.stopMetrics != nil {
		a.stopMetrics()
	}
	if a.events != nil {
		a.events.Close()
	}
	a.store.Close()
}

func (a *app) derivatives() *derive.Generator {
	s := a.settings
	return derive.New(s.DerivRoot, derive.Options{
		ThumbMax:     s.ThumbMax,
		MidMax:       s.MidMax,
		ThumbQuality: s.ThumbQuality,
		MidQuality:   s.MidQuality,
	})
}

// placer tunes buffers and retries for the storage between staging and
// the library.
func (a *app) placer() *library.Placer {
	s := a.settings
	profile := util.TuneForPaths(s.NASMode, s.ImportRoot, s.PhotoRoot)
	return library.New(&library.Config{
		Root:           s.PhotoRoot,
		FailedRoot:     s.FailedRoot,
		CollisionLimit: s.CollisionLimit,
		BufferSize:     profile.BufferSize,
		RetryConfig:    profile.Retry,
	})
}

// geocoder returns nil when lookups are disabled or have no credentials.
func (a *app) geocoder() (*geocode.Geocoder, error) {
	if !a.settings.GeocodeActive() {
		if a.settings.Geocode.Enabled {
			util.WarnLog("Geocoding enabled but geocode_username is empty; lookups disabled")
		}
		return nil, nil
	}
	return geocode.New(a.settings.Geocode, geocode.NewLimiter(a.settings.GeocodeMinInterval))
}

// runJob runs fn as job through the tracker and shows live progress until it
// returns. It returns fn's error.
func (a *app) runJob(ctx context.Context, job *store.Job, fn func(ctx context.Context) error) error {
	done := a.tracker.Start(ctx, job.ID, fn)
	defer a.tracker.Wait()

	var bar *progressbar.ProgressBar
	if util.IsTerminal(os.Stdout.Fd()) && !util.IsQuiet() {
		bar = progressbar.NewOptions(-1,
			progressbar.OptionSetDescription(fmt.Sprintf("%s job %s", job.Type, job.ID[:8])),
			progressbar.OptionSetWidth(min(40, util.GetTerminalWidth()/3)),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("photos"),
			progressbar.OptionThrottle(200*time.Millisecond),
			progressbar.OptionClearOnFinish(),
			progressbar.OptionSetRenderBlankState(true),
		)
	}

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case err := <-done:
			if bar != nil {
				bar.Finish()
			}
			return err
		case <-ticker.C:
			if bar == nil {
				continue
			}
			j, err := a.tracker.Get(context.WithoutCancel(ctx), job.ID)
			if err != nil {
				continue
			}
			bar.Set(j.Counters.Processed)
			bar.Describe(fmt.Sprintf("%s job %s (%d errors)", j.Type, j.ID[:8], j.Counters.Errors))
		}
	}
}

// writeSummary renders the job's Markdown report next to the event log.
func (a *app) writeSummary(ctx context.Context, jobID string, inserted int) {
	job, err := a.tracker.Get(context.WithoutCancel(ctx), jobID)
	if err != nil {
		util.WarnLog("Failed to load job %s for the summary: %v", jobID, err)
		return
	}

	s, err := report.BuildJobSummary(job, inserted, a.events.Path())
	if err != nil {
		util.WarnLog("Failed to read errors from %s: %v", a.events.Path(), err)
	}
	path := report.SummaryPath(a.settings.EventsDir, jobID)
	if err := report.WriteJobSummary(s, path); err != nil {
		util.WarnLog("Failed to write summary %s: %v", path, err)
		return
	}
	util.InfoLog("Summary written to %s", path)
}
