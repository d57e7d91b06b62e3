// Package job defines the upload job record shared by the store and the
// scheduling engine.
package job

import (
	"errors"
	"fmt"
	"time"
)

type State string

const (
	StatePending    State = "pending"
	StateDispatched State = "dispatched"
	StatePublished  State = "published"
	StateDeferred   State = "deferred"
	StateFailed     State = "failed"
)

// Deferral tells why a deferred job waits. Quota deferrals sit on the
// daily slot grid; retries follow the backoff.
type Deferral string

const (
	DeferralQuota Deferral = "quota"
	DeferralRetry Deferral = "retry"
)

func (s State) Terminal() bool { return s == StatePublished || s == StateFailed }

// Queued reports whether a job in this state still waits for a publish call.
func (s State) Queued() bool { return s == StatePending || s == StateDeferred }

var transitions = map[State][]State{
	StatePending:    {StateDispatched, StateDeferred, StateFailed, StatePublished},
	StateDeferred:   {StatePending, StateFailed},
	StateDispatched: {StatePublished, StateDeferred, StateFailed},
}

// CanTransition reports whether from -> to is a legal edge.
//
// pending -> published covers a late result recorded after a timeout.
// pending/deferred -> failed covers operator cancellation.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Job is one media item bound to one destination.
type Job struct {
	ID           string
	SeqNo        int64
	Fingerprint  string
	Destination  string
	Title        string
	Description  string
	Tags         []string
	MediaRef     string
	ThumbnailRef string

	State        State
	Attempt      int
	ScheduledFor time.Time
	Deferral     Deferral // set while deferred
	CreatedAt    time.Time
	UpdatedAt    time.Time
	CompletedAt  time.Time // zero until terminal
	LastError    string
	ResultRef    string
}

// Update carries the optional fields written together with a transition.
// Nil pointers leave the column untouched.
type Update struct {
	At           time.Time
	IncAttempt   bool
	ScheduledFor *time.Time
	Deferral     *Deferral
	CompletedAt  *time.Time
	LastError    *string
	ResultRef    *string
}

// DayAggregate counts one destination's jobs for a UTC day.
type DayAggregate struct {
	Published int
	Failed    int
	Queued    int
}

func (a DayAggregate) Add(b DayAggregate) DayAggregate {
	return DayAggregate{
		Published: a.Published + b.Published,
		Failed:    a.Failed + b.Failed,
		Queued:    a.Queued + b.Queued,
	}
}

var (
	ErrNotFound  = errors.New("job not found")
	ErrConflict  = errors.New("job state changed concurrently")
	ErrDuplicate = errors.New("duplicate media for destination")
)

// DuplicateError names the live job already holding a fingerprint for a
// destination. It matches ErrDuplicate with errors.Is.
type DuplicateError struct {
	ExistingID  string
	Destination string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("duplicate of job %s on %s", e.ExistingID, e.Destination)
}

func (e *DuplicateError) Is(target error) bool { return target == ErrDuplicate }

// DayStart truncates t to UTC midnight.
func DayStart(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// Ptr returns a pointer to v, for Update fields.
func Ptr[T any](v T) *T { return &v }
