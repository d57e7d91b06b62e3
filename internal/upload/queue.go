package upload

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"uploadbot/internal/job"
	logx "uploadbot/pkg/logx"
)

// Queue lists and cancels waiting jobs.
type Queue struct {
	store    Store
	clock    Clock
	settings func() Settings
	log      logx.Logger

	mu sync.Mutex
}

func NewQueue(store Store, settings func() Settings, clock Clock, log logx.Logger) *Queue {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Queue{store: store, settings: settings, clock: clock, log: log.With(logx.String("comp", "queue"))}
}

// Page returns waiting jobs ordered by slot, and the total count.
func (q *Queue) Page(ctx context.Context, page, perPage int) ([]job.Job, int, error) {
	if perPage <= 0 {
		perPage = 10
	}
	if page < 1 {
		page = 1
	}
	jobs, total, err := q.store.ListQueued(ctx, perPage, (page-1)*perPage)
	if err != nil {
		return nil, 0, storageErr("list queued", err)
	}
	return jobs, total, nil
}

// Resolve finds a job by full id or by an unambiguous prefix.
func (q *Queue) Resolve(ctx context.Context, idOrPrefix string) (job.Job, error) {
	j, err := q.store.Get(ctx, idOrPrefix)
	if err == nil {
		return j, nil
	}
	if !errors.Is(err, job.ErrNotFound) {
		return job.Job{}, storageErr("get job", err)
	}
	return q.store.FindByPrefix(ctx, idOrPrefix)
}

// Cancel fails a waiting job with reason "cancelled by operator". When the
// job held a quota slot, later quota slots of the same destination and day
// move one interval earlier, never before now. Retry backoffs are left
// alone. Jobs are never deleted, so history stays intact.
func (q *Queue) Cancel(ctx context.Context, id string) (job.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, err := q.store.Get(ctx, id)
	if err != nil {
		return job.Job{}, err
	}
	if !j.State.Queued() {
		return j, fmt.Errorf("job %s is %s: %w", j.ID, j.State, job.ErrConflict)
	}

	now := q.clock.now()
	reason := ErrCancelled.Error()
	if err := q.store.Transition(ctx, j.ID, j.State, job.StateFailed, job.Update{
		At:          now,
		CompletedAt: &now,
		LastError:   &reason,
	}); err != nil {
		return j, err
	}
	gridSlot := onGrid(j)
	j.State = job.StateFailed
	j.LastError = reason
	if !gridSlot {
		q.log.Info("job cancelled", logx.Job(j.ID), logx.Dest(j.Destination))
		return j, nil
	}

	interval := q.settings().Interval
	later, err := q.store.ListScheduledOn(ctx, j.Destination, j.ScheduledFor)
	if err != nil {
		return j, storageErr("list same-day jobs", err)
	}
	shifted := 0
	for _, o := range later {
		if !onGrid(o) || !o.ScheduledFor.After(j.ScheduledFor) {
			continue
		}
		at := o.ScheduledFor.Add(-interval)
		if at.Before(now) {
			at = now
		}
		if err := q.store.Reschedule(ctx, o.ID, o.State, at); err != nil {
			if errors.Is(err, job.ErrConflict) {
				continue
			}
			return j, storageErr("reschedule", err)
		}
		shifted++
	}
	q.log.Info("job cancelled", logx.Job(j.ID), logx.Dest(j.Destination), logx.Int("shifted", shifted))
	return j, nil
}

// onGrid reports whether a queued job waits for a daily quota slot.
func onGrid(j job.Job) bool {
	return j.State == job.StateDeferred && j.Deferral == job.DeferralQuota
}
