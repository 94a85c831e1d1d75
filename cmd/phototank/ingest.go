package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/franz/phototank/internal/ingest"
	"github.com/franz/phototank/internal/jobs"
	"github.com/franz/phototank/internal/library"
	"github.com/franz/phototank/internal/util"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Import staged photos into the library",
	Long: `Import every photo found under the staging folder into the library.

For each staged file this command:
1. Reads the capture date (EXIF, then the configured fallbacks)
2. Moves or copies the file to <photo_root>/YYYY/MM/DD/, never overwriting
3. Builds the thumbnail and mid-size WEBP derivatives
4. Reverse-geocodes GPS coordinates when geocoding is enabled
5. Upserts the catalog row

A file named <guid>.<ext> whose guid is already catalogued replaces that
photo in place. Files without a usable date, and files that fail to import,
are quarantined under the failed folder instead of being dropped.`,
	RunE: runIngest,
}

func init() {
	rootCmd.AddCommand(ingestCmd)

	ingestCmd.Flags().String("mode", "", "move or copy staged files (default from ingest_mode)")
	ingestCmd.Flags().String("import-root", "", "staging folder to import from (default from import_root)")
	ingestCmd.Flags().String("failed-root", "", "quarantine folder (default from failed_root)")
	ingestCmd.Flags().Bool("print-guids", false, "print the guid of every newly catalogued photo")
}

func runIngest(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	opts := ingest.Options{Mode: a.settings.IngestMode}
	if m, _ := cmd.Flags().GetString("mode"); m != "" {
		if opts.Mode, err = library.ParseMode(m); err != nil {
			return err
		}
	}
	if dir, _ := cmd.Flags().GetString("import-root"); dir != "" {
		if opts.ImportRoot, err = filepath.Abs(dir); err != nil {
			return err
		}
	}
	if dir, _ := cmd.Flags().GetString("failed-root"); dir != "" {
		if opts.FailedRoot, err = filepath.Abs(dir); err != nil {
			return err
		}
	}
	printGUIDs, _ := cmd.Flags().GetBool("print-guids")

	geo, err := a.geocoder()
	if err != nil {
		return err
	}
	if err := a.startJobServices(ctx); err != nil {
		return err
	}

	pipeline := ingest.New(ingest.Config{
		Store:         a.store,
		Tracker:       a.tracker,
		Placer:        a.placer(),
		Derivatives:   a.derivatives(),
		Geocoder:      geo,
		Events:        a.events,
		ImportRoot:    a.settings.ImportRoot,
		Extensions:    a.settings.PhotoExts,
		FallbackOrder: a.settings.DatetimeFallback,
		ProgressEvery: a.settings.IngestProgressEvery,
	})

	job, err := a.tracker.Create(ctx, jobs.TypeIngest, nil)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	util.InfoLog("Ingest job %s: %s mode", job.ID, opts.Mode)

	var sum *ingest.Summary
	runErr := a.runJob(ctx, job, func(ctx context.Context) error {
		var err error
		sum, err = pipeline.Run(ctx, job.ID, opts)
		return err
	})

	inserted := 0
	if sum != nil {
		inserted = len(sum.InsertedGUIDs)
	}
	a.writeSummary(ctx, job.ID, inserted)

	if runErr != nil {
		return fmt.Errorf("ingest job %s failed: %w", job.ID, runErr)
	}

	c := sum.Counters
	util.SuccessLog("Ingest complete: %s processed, %s upserted, %s new, %s errors",
		humanize.Comma(int64(c.Processed)), humanize.Comma(int64(c.Upserted)),
		humanize.Comma(int64(inserted)), humanize.Comma(int64(c.Errors)))
	if printGUIDs {
		for _, guid := range sum.InsertedGUIDs {
			fmt.Println(guid)
		}
	}
	return nil
}
