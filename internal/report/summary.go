package report

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/franz/phototank/internal/store"
)

// JobSummary is the end-of-job report.
type JobSummary struct {
	GeneratedAt   time.Time
	Job           *store.Job
	Duration      time.Duration
	InsertedGUIDs int
	EventLogPath  string
	TopErrors     []ErrorSummary
}

// ErrorSummary represents an error with its count
type ErrorSummary struct {
	Error string
	Count int
}

// BuildJobSummary assembles a summary for job, reading that job's error
// events from the event log when one is given.
func BuildJobSummary(job *store.Job, insertedGUIDs int, eventLogPath string) (*JobSummary, error) {
	s := &JobSummary{
		GeneratedAt:   time.Now(),
		Job:           job,
		Duration:      jobDuration(job),
		InsertedGUIDs: insertedGUIDs,
		EventLogPath:  eventLogPath,
	}
	if eventLogPath == "" {
		return s, nil
	}
	top, err := TopErrors(eventLogPath, job.ID, 10)
	if err != nil {
		return s, err
	}
	s.TopErrors = top
	return s, nil
}

func jobDuration(job *store.Job) time.Duration {
	if job.StartedAt == nil || job.FinishedAt == nil {
		return 0
	}
	start, err1 := time.Parse(time.RFC3339, *job.StartedAt)
	end, err2 := time.Parse(time.RFC3339, *job.FinishedAt)
	if err1 != nil || err2 != nil || end.Before(start) {
		return 0
	}
	return end.Sub(start)
}

// TopErrors counts error messages logged for jobID, most frequent first.
func TopErrors(eventLogPath, jobID string, limit int) ([]ErrorSummary, error) {
	f, err := os.Open(eventLogPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}
	defer f.Close()

	counts := make(map[string]int)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		var ev Event
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			continue
		}
		if ev.Error == "" || (jobID != "" && ev.JobID != jobID) {
			continue
		}
		counts[ev.Error]++
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read event log: %w", err)
	}

	errors := make([]ErrorSummary, 0, len(counts))
	for msg, n := range counts {
		errors = append(errors, ErrorSummary{Error: msg, Count: n})
	}
	sort.Slice(errors, func(i, j int) bool {
		if errors[i].Count != errors[j].Count {
			return errors[i].Count > errors[j].Count
		}
		return errors[i].Error < errors[j].Error
	})
	if limit > 0 && len(errors) > limit {
		errors = errors[:limit]
	}
	return errors, nil
}

// SummaryPath is where WriteJobSummary puts the report for jobID.
func SummaryPath(dir, jobID string) string {
	return filepath.Join(dir, fmt.Sprintf("summary-%s.md", jobID))
}

// WriteJobSummary writes the summary as Markdown
func WriteJobSummary(s *JobSummary, outputPath string) error {
	if err := os.MkdirAll(filepath.Dir(outputPath), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	j := s.Job
	var md strings.Builder

	fmt.Fprintf(&md, "# phototank %s job %s\n\n", j.Type, j.ID)
	fmt.Fprintf(&md, "**Generated:** %s\n\n", s.GeneratedAt.Format("2006-01-02 15:04:05"))
	if s.EventLogPath != "" {
		fmt.Fprintf(&md, "**Event Log:** `%s`\n\n", s.EventLogPath)
	}
	md.WriteString("---\n\n")

	md.WriteString("## Overview\n\n")
	md.WriteString("| Metric | Value |\n")
	md.WriteString("|--------|-------|\n")
	fmt.Fprintf(&md, "| State | %s |\n", j.State)
	if j.Year != nil {
		fmt.Fprintf(&md, "| Year | %d |\n", *j.Year)
	}
	if s.Duration > 0 {
		fmt.Fprintf(&md, "| Duration | %s |\n", s.Duration.Round(time.Second))
	}
	fmt.Fprintf(&md, "| Processed | %s |\n", humanize.Comma(int64(j.Counters.Processed)))
	fmt.Fprintf(&md, "| Upserted | %s |\n", humanize.Comma(int64(j.Counters.Upserted)))
	if j.Type == "ingest" {
		fmt.Fprintf(&md, "| New Photos | %s |\n", humanize.Comma(int64(s.InsertedGUIDs)))
	}
	fmt.Fprintf(&md, "| Thumbnails | %s |\n", humanize.Comma(int64(j.Counters.ThumbsDone)))
	fmt.Fprintf(&md, "| Mid Images | %s |\n", humanize.Comma(int64(j.Counters.MidsDone)))
	fmt.Fprintf(&md, "| Errors | %s |\n", humanize.Comma(int64(j.Counters.Errors)))
	md.WriteString("\n")

	if j.Message != nil && *j.Message != "" {
		fmt.Fprintf(&md, "**Message:** %s\n\n", *j.Message)
	}

	if len(s.TopErrors) > 0 {
		md.WriteString("## Top Errors\n\n")
		md.WriteString("| Count | Error |\n")
		md.WriteString("|-------|-------|\n")
		for _, e := range s.TopErrors {
			fmt.Fprintf(&md, "| %d | %s |\n", e.Count, strings.ReplaceAll(e.Error, "|", `\|`))
		}
		md.WriteString("\n")
	}

	if err := os.WriteFile(outputPath, []byte(md.String()), 0644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}
