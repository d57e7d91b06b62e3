package upload

import (
	"context"
	"sync"
	"time"

	"uploadbot/internal/job"
)

// Tracker answers "how many more publishes today" per destination.
//
// Counts come from the store (published jobs completed on the UTC day), so a
// restart never loses quota. Within one tick the count is cached and
// advanced by RecordPublished.
type Tracker struct {
	store Store
	limit func() int

	mu    sync.Mutex
	day   time.Time
	count map[string]int
}

func NewTracker(store Store, limit func() int) *Tracker {
	return &Tracker{store: store, limit: limit, count: map[string]int{}}
}

// Reset drops the cache; the dispatcher calls it at the start of each tick.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.count = map[string]int{}
	t.day = time.Time{}
	t.mu.Unlock()
}

// RemainingToday returns the publishes left on now's UTC day.
func (t *Tracker) RemainingToday(ctx context.Context, destination string, now time.Time) (int, error) {
	n, err := t.published(ctx, destination, now)
	if err != nil {
		return 0, err
	}
	return max(t.limit()-n, 0), nil
}

// RecordPublished counts a publish at when against its UTC day.
func (t *Tracker) RecordPublished(destination string, when time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !job.DayStart(when).Equal(t.day) {
		// Different day than the cache; the next lookup reloads.
		return
	}
	if n, ok := t.count[destination]; ok {
		t.count[destination] = n + 1
	}
}

func (t *Tracker) published(ctx context.Context, destination string, now time.Time) (int, error) {
	day := job.DayStart(now)

	t.mu.Lock()
	if !day.Equal(t.day) {
		t.day = day
		t.count = map[string]int{}
	}
	n, ok := t.count[destination]
	t.mu.Unlock()
	if ok {
		return n, nil
	}

	n, err := t.store.CountPublishedOn(ctx, destination, day)
	if err != nil {
		return 0, err
	}
	t.mu.Lock()
	if day.Equal(t.day) {
		if cur, ok := t.count[destination]; ok {
			n = cur
		} else {
			t.count[destination] = n
		}
	}
	t.mu.Unlock()
	return n, nil
}
