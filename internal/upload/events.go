package upload

import (
	"time"

	"uploadbot/internal/eventbus"
)

const (
	EventPublished = "upload.published"
	EventFailed    = "upload.failed"
	EventDeferred  = "upload.deferred"
	// EventPublishedTwice flags media that went live under two ids.
	EventPublishedTwice = "upload.published_twice"
)

type JobPublished struct {
	JobID       string
	Destination string
	Title       string
	ExternalID  string
	Attempt     int
}

type JobFailed struct {
	JobID       string
	Destination string
	Title       string
	Reason      string
	Attempt     int
}

type JobDeferred struct {
	JobID        string
	Destination  string
	Title        string
	ScheduledFor time.Time
	// Retry is true for a backoff after a failed publish, false for a
	// quota deferral. Reason and Attempt are set for retries only.
	Retry   bool
	Reason  string
	Attempt int
}

type JobPublishedTwice struct {
	JobID       string
	Destination string
	Title       string
	KeptID      string
	DuplicateID string
}

func emit(bus eventbus.Bus, typ string, at time.Time, data any) {
	if bus == nil {
		return
	}
	bus.Publish(eventbus.Event{Type: typ, Time: at, Data: data})
}
