package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/franz/phototank/internal/store"
	"github.com/franz/phototank/internal/util"
)

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Inspect ingest and validate jobs",
}

var jobListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent jobs, newest first",
	Args:  cobra.NoArgs,
	RunE:  runJobList,
}

var jobShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show one job's state and counters",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobShow,
}

func init() {
	rootCmd.AddCommand(jobCmd)
	jobCmd.AddCommand(jobListCmd, jobShowCmd)

	jobListCmd.Flags().IntP("limit", "n", 20, "number of jobs to show")
}

func runJobList(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	limit, _ := cmd.Flags().GetInt("limit")
	list, err := a.tracker.List(context.Background(), limit)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		util.InfoLog("No jobs yet. Run 'phototank ingest' first.")
		return nil
	}
	writeJobTable(os.Stdout, list, time.Now())
	return nil
}

func runJobShow(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	job, err := a.tracker.Get(context.Background(), args[0])
	if errors.Is(err, util.ErrNotFound) {
		return fmt.Errorf("no job with id %s", args[0])
	}
	if err != nil {
		return err
	}
	writeJobDetail(os.Stdout, job, time.Now())
	return nil
}

func writeJobTable(w io.Writer, list []*store.Job, now time.Time) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tSTATE\tYEAR\tPROCESSED\tERRORS\tCREATED")
	for _, j := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			j.ID, j.Type, j.State, yearLabel(j.Year),
			humanize.Comma(int64(j.Counters.Processed)), humanize.Comma(int64(j.Counters.Errors)),
			relativeTime(j.CreatedAt, now))
	}
	tw.Flush()
}

func writeJobDetail(w io.Writer, j *store.Job, now time.Time) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Job:\t%s\n", j.ID)
	fmt.Fprintf(tw, "Type:\t%s\n", j.Type)
	fmt.Fprintf(tw, "State:\t%s\n", j.State)
	fmt.Fprintf(tw, "Year:\t%s\n", yearLabel(j.Year))
	fmt.Fprintf(tw, "Created:\t%s\n", relativeTime(j.CreatedAt, now))
	if j.StartedAt != nil {
		fmt.Fprintf(tw, "Started:\t%s\n", relativeTime(*j.StartedAt, now))
	}
	if j.FinishedAt != nil {
		fmt.Fprintf(tw, "Finished:\t%s\n", relativeTime(*j.FinishedAt, now))
	}
	c := j.Counters
	fmt.Fprintf(tw, "Processed:\t%s\n", humanize.Comma(int64(c.Processed)))
	fmt.Fprintf(tw, "Upserted:\t%s\n", humanize.Comma(int64(c.Upserted)))
	fmt.Fprintf(tw, "Thumbnails:\t%s\n", humanize.Comma(int64(c.ThumbsDone)))
	fmt.Fprintf(tw, "Mids:\t%s\n", humanize.Comma(int64(c.MidsDone)))
	fmt.Fprintf(tw, "Errors:\t%s\n", humanize.Comma(int64(c.Errors)))
	if j.Message != nil {
		fmt.Fprintf(tw, "Message:\t%s\n", *j.Message)
	}
	tw.Flush()
}

func yearLabel(y *int) string {
	if y == nil {
		return "all"
	}
	return strconv.Itoa(*y)
}

// relativeTime renders a stored timestamp as "3 minutes ago (2024-...)".
// Unparseable values are shown as stored.
func relativeTime(stamp string, now time.Time) string {
	t, err := time.Parse(time.RFC3339, stamp)
	if err != nil {
		return stamp
	}
	return fmt.Sprintf("%s (%s)", humanize.RelTime(t, now, "ago", "from now"), stamp)
}
