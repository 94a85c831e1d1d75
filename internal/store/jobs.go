package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

// JobCounters are the monotonically updated totals of a job.
type JobCounters struct {
	Processed  int
	Upserted   int
	ThumbsDone int
	MidsDone   int
	Errors     int
}

// Job is a scan_jobs row.
type Job struct {
	ID         string
	State      string
	Type       string
	Year       *int
	Counters   JobCounters
	CreatedAt  string
	StartedAt  *string
	FinishedAt *string
	Message    *string
}

// JobUpdate is a partial update; nil fields are left unchanged.
type JobUpdate struct {
	State      *string
	StartedAt  *string
	FinishedAt *string
	Message    *string
	Counters   *JobCounters
}

const jobColumns = `job_id, state, job_type, year, processed, upserted, thumbs_done, mids_done, errors,
	created_at, started_at, finished_at, message`

func scanJob(r rowScanner) (*Job, error) {
	j := &Job{}
	c := &j.Counters
	err := r.Scan(&j.ID, &j.State, &j.Type, &j.Year,
		&c.Processed, &c.Upserted, &c.ThumbsDone, &c.MidsDone, &c.Errors,
		&j.CreatedAt, &j.StartedAt, &j.FinishedAt, &j.Message)
	if err != nil {
		return nil, err
	}
	return j, nil
}

// InsertJob stores a new job row.
func (q *Queries) InsertJob(ctx context.Context, j *Job) error {
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO scan_jobs (job_id, state, job_type, year, processed, upserted, thumbs_done,
			mids_done, errors, created_at, started_at, finished_at, message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, j.ID, j.State, j.Type, j.Year, j.Counters.Processed, j.Counters.Upserted,
		j.Counters.ThumbsDone, j.Counters.MidsDone, j.Counters.Errors,
		j.CreatedAt, j.StartedAt, j.FinishedAt, j.Message)
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

// GetJob returns the job or nil if it does not exist.
func (q *Queries) GetJob(ctx context.Context, id string) (*Job, error) {
	j, err := scanJob(q.q.QueryRowContext(ctx,
		"SELECT "+jobColumns+" FROM scan_jobs WHERE job_id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return j, nil
}

// UpdateJob applies a partial update. It reports whether the job exists.
func (q *Queries) UpdateJob(ctx context.Context, id string, u JobUpdate) (bool, error) {
	b := sq.Update("scan_jobs").Where(sq.Eq{"job_id": id})
	set := false
	if u.State != nil {
		b, set = b.Set("state", *u.State), true
	}
	if u.StartedAt != nil {
		b, set = b.Set("started_at", *u.StartedAt), true
	}
	if u.FinishedAt != nil {
		b, set = b.Set("finished_at", *u.FinishedAt), true
	}
	if u.Message != nil {
		b, set = b.Set("message", *u.Message), true
	}
	if c := u.Counters; c != nil {
		b = b.SetMap(map[string]any{
			"processed":   c.Processed,
			"upserted":    c.Upserted,
			"thumbs_done": c.ThumbsDone,
			"mids_done":   c.MidsDone,
			"errors":      c.Errors,
		})
		set = true
	}
	if !set {
		j, err := q.GetJob(ctx, id)
		return j != nil, err
	}

	query, args, err := b.ToSql()
	if err != nil {
		return false, fmt.Errorf("failed to build job update: %w", err)
	}
	res, err := q.q.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to update job: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ListJobs returns the most recently created jobs first.
func (q *Queries) ListJobs(ctx context.Context, limit int) ([]*Job, error) {
	b := sq.Select(jobColumns).From("scan_jobs").OrderBy("created_at DESC", "job_id")
	if limit > 0 {
		b = b.Limit(uint64(limit))
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}
