package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/franz/phototank/internal/jobs"
	"github.com/franz/phototank/internal/store"
	"github.com/franz/phototank/internal/util"
	"github.com/franz/phototank/internal/validate"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Repair derivatives and geocode fields of catalogued photos",
	Long: `Walk the catalog in rel_path order and repair derived state:

- Regenerate thumbnails and mid-size previews that are missing or older
  than their source
- Optionally rebuild mids that lost their EXIF block
- Reverse-geocode photos with GPS that have no usable location yet

Library files are never moved or deleted. Use --year to limit the run to
one YYYY/ folder.`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().Int("year", 0, "only validate photos under this year's folder")
	validateCmd.Flags().Bool("no-derivatives", false, "skip derivative regeneration")
	validateCmd.Flags().Bool("repair-mid-exif", false, "rebuild mids without an embedded EXIF block")
	validateCmd.Flags().Bool("no-geocode", false, "skip reverse geocoding")
}

func runValidate(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	var year *int
	if cmd.Flags().Changed("year") {
		y, _ := cmd.Flags().GetInt("year")
		year = &y
	}
	opts := validate.DefaultOptions()
	if skip, _ := cmd.Flags().GetBool("no-derivatives"); skip {
		opts.RepairDerivatives = false
	}
	opts.RepairMidEXIF, _ = cmd.Flags().GetBool("repair-mid-exif")
	if skip, _ := cmd.Flags().GetBool("no-geocode"); skip {
		opts.Geocode = false
	}

	geo, err := a.geocoder()
	if err != nil {
		return err
	}
	if err := a.startJobServices(ctx); err != nil {
		return err
	}

	pipeline := validate.New(validate.Config{
		Store:         a.store,
		Tracker:       a.tracker,
		Derivatives:   a.derivatives(),
		Geocoder:      geo,
		Events:        a.events,
		PhotoRoot:     a.settings.PhotoRoot,
		ProgressEvery: a.settings.ValidateProgressEvery,
	})

	job, err := a.tracker.Create(ctx, jobs.TypeValidate, year)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	util.InfoLog("Validate job %s", job.ID)

	var counters store.JobCounters
	runErr := a.runJob(ctx, job, func(ctx context.Context) error {
		var err error
		counters, err = pipeline.Run(ctx, job.ID, opts)
		return err
	})
	a.writeSummary(ctx, job.ID, 0)

	if runErr != nil {
		return fmt.Errorf("validate job %s failed: %w", job.ID, runErr)
	}

	util.SuccessLog("Validate complete: %s checked, %s thumbnails, %s mids, %s errors",
		humanize.Comma(int64(counters.Processed)), humanize.Comma(int64(counters.ThumbsDone)),
		humanize.Comma(int64(counters.MidsDone)), humanize.Comma(int64(counters.Errors)))
	return nil
}
