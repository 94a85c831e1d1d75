// Package jobs records the lifecycle and counters of long-running operations.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/franz/phototank/internal/store"
	"github.com/franz/phototank/internal/util"
)

// State is a job lifecycle state.
type State string

const (
	StateQueued  State = "queued"
	StateRunning State = "running"
	StateDone    State = "done"
	StateFailed  State = "failed"
)

// Finished reports whether s is terminal.
func (s State) Finished() bool { return s == StateDone || s == StateFailed }

// Type tags what a job does.
type Type string

const (
	TypeIngest         Type = "ingest"
	TypeValidate       Type = "validate"
	TypePhoneSync      Type = "phone_sync"
	TypePhoneReconcile Type = "phone_reconcile"
)

// ParseType validates a job type.
func ParseType(s string) (Type, error) {
	switch t := Type(strings.TrimSpace(s)); t {
	case TypeIngest, TypeValidate, TypePhoneSync, TypePhoneReconcile:
		return t, nil
	default:
		return "", fmt.Errorf("%w: unknown job type %q", util.ErrInvalidConfig, s)
	}
}

// Update is a partial progress write. Nil fields are left unchanged;
// Finished stamps finished_at with the current time.
type Update struct {
	State    State
	Message  *string
	Counters *store.JobCounters
	Finished bool
}

// Tracker writes job rows. Every write retries on lock contention, since
// pipelines and readers share one single-writer database.
type Tracker struct {
	store *store.Store
	now   func() time.Time
	wg    sync.WaitGroup
}

// NewTracker creates a tracker over st.
func NewTracker(st *store.Store) *Tracker {
	return &Tracker{store: st, now: time.Now}
}

func (t *Tracker) stamp() string { return util.FormatISO(t.now()) }

// Create inserts a queued job with zeroed counters.
func (t *Tracker) Create(ctx context.Context, typ Type, year *int) (*store.Job, error) {
	j := &store.Job{
		ID:        util.NewGUID(),
		State:     string(StateQueued),
		Type:      string(typ),
		Year:      year,
		CreatedAt: t.stamp(),
	}
	err := t.store.WithRetry("job-create", func() error {
		return t.store.InsertJob(ctx, j)
	})
	if err != nil {
		return nil, err
	}
	util.DebugLog("Created %s job %s", typ, j.ID)
	return j, nil
}

// MarkStarted moves the job to running and stamps started_at.
func (t *Tracker) MarkStarted(ctx context.Context, id string) error {
	state := string(StateRunning)
	now := t.stamp()
	return t.write(ctx, "job-start", id, store.JobUpdate{State: &state, StartedAt: &now})
}

// SetProgress applies a partial update.
func (t *Tracker) SetProgress(ctx context.Context, id string, u Update) error {
	ju := store.JobUpdate{Message: u.Message, Counters: u.Counters}
	if u.State != "" {
		s := string(u.State)
		ju.State = &s
	}
	if u.Finished {
		now := t.stamp()
		ju.FinishedAt = &now
	}
	return t.write(ctx, "job-progress", id, ju)
}

func (t *Tracker) write(ctx context.Context, label, id string, u store.JobUpdate) error {
	var exists bool
	err := t.store.WithRetry(label, func() error {
		var err error
		exists, err = t.store.UpdateJob(ctx, id, u)
		return err
	})
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("job %s: %w", id, util.ErrNotFound)
	}
	return nil
}

// Finish writes the final counters and a terminal state.
func (t *Tracker) Finish(ctx context.Context, id string, state State, c store.JobCounters, message *string) error {
	return t.SetProgress(ctx, id, Update{State: state, Counters: &c, Message: message, Finished: true})
}

// PanicError carries a value recovered from a crashed pipeline.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string { return fmt.Sprint(e.Value) }

// FailureMessage renders err as "<Type>: <message>" for a failed job's
// message field. fmt wrappers are looked through to name the cause.
func FailureMessage(err error) string {
	cause := err
	for {
		name := typeName(cause)
		if name != "wrapError" && name != "wrapErrors" {
			break
		}
		next := errors.Unwrap(cause)
		if next == nil {
			break
		}
		cause = next
	}
	name := typeName(cause)
	if name == "errorString" || name == "wrapErrors" || name == "wrapError" {
		name = "Error"
	}
	return name + ": " + err.Error()
}

func typeName(err error) string {
	name := fmt.Sprintf("%T", err)
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	return strings.TrimPrefix(name, "*")
}

// Get returns the job; a missing job is util.ErrNotFound.
func (t *Tracker) Get(ctx context.Context, id string) (*store.Job, error) {
	var j *store.Job
	err := t.store.WithRetry("job-get", func() error {
		var err error
		j, err = t.store.GetJob(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	if j == nil {
		return nil, fmt.Errorf("job %s: %w", id, util.ErrNotFound)
	}
	return j, nil
}

// List returns recent jobs, newest first.
func (t *Tracker) List(ctx context.Context, limit int) ([]*store.Job, error) {
	return t.store.ListJobs(ctx, limit)
}

// Start runs fn on its own goroutine. The returned channel yields fn's error
// once and is then closed. A panic escaping fn marks the job failed.
func (t *Tracker) Start(ctx context.Context, id string, fn func(ctx context.Context) error) <-chan error {
	done := make(chan error, 1)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				msg := fmt.Sprintf("panic: %v", r)
				util.ErrorLog("Job %s crashed: %s", id, msg)
				if err := t.SetProgress(context.WithoutCancel(ctx), id, Update{State: StateFailed, Message: &msg, Finished: true}); err != nil {
					util.ErrorLog("Failed to record crash of job %s: %v", id, err)
				}
				done <- fmt.Errorf("job %s: %s", id, msg)
			}
		}()
		done <- fn(ctx)
	}()
	return done
}

// Wait blocks until every started job has returned.
func (t *Tracker) Wait() { t.wg.Wait() }
