package upload

import (
	"context"
	"time"

	"uploadbot/internal/job"
)

// Store is the persistence the engine needs. *storage.SQLite implements it.
type Store interface {
	Create(ctx context.Context, j job.Job) error
	Get(ctx context.Context, id string) (job.Job, error)
	FindByPrefix(ctx context.Context, prefix string) (job.Job, error)
	FindLive(ctx context.Context, fingerprint, destination string) (job.Job, bool, error)
	LoadDue(ctx context.Context, asOf time.Time) ([]job.Job, error)
	ListByState(ctx context.Context, state job.State) ([]job.Job, error)
	Transition(ctx context.Context, id string, from, to job.State, u job.Update) error
	Reschedule(ctx context.Context, id string, state job.State, at time.Time) error
	RecordLateResult(ctx context.Context, id, ref string) (state job.State, kept string, err error)

	CountPublishedOn(ctx context.Context, destination string, day time.Time) (int, error)
	CountScheduledOn(ctx context.Context, destination string, day time.Time) (int, error)
	CountQueued(ctx context.Context) (int, error)
	ListQueued(ctx context.Context, limit, offset int) ([]job.Job, int, error)
	ListScheduledOn(ctx context.Context, destination string, day time.Time) ([]job.Job, error)
	AggregateDay(ctx context.Context, day time.Time) (map[string]job.DayAggregate, error)
	NextSeqNo(ctx context.Context) (int64, error)
}

// Publisher sends one job's media to its destination and returns the
// external id. Errors may be marked with Permanent or Transient.
type Publisher interface {
	Publish(ctx context.Context, j job.Job) (externalID string, err error)
}

// Destinations lists the configured destination ids.
type Destinations interface {
	Destinations() []string
}

// StaticDestinations is a fixed destination list.
type StaticDestinations []string

func (s StaticDestinations) Destinations() []string { return append([]string(nil), s...) }

// Clock returns the current time. Tests inject a fixed one.
type Clock func() time.Time

func (c Clock) now() time.Time {
	if c == nil {
		return time.Now().UTC()
	}
	return c().UTC()
}
