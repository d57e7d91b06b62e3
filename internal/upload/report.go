package upload

import (
	"context"
	"sort"
	"time"

	"uploadbot/internal/job"
)

// DailySummary is a read-only view of one UTC day.
type DailySummary struct {
	Day           time.Time
	ByDestination map[string]job.DayAggregate
	Total         job.DayAggregate
}

// Destinations returns the summary's destinations in name order.
func (s DailySummary) Destinations() []string {
	out := make([]string, 0, len(s.ByDestination))
	for d := range s.ByDestination {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// Status is a point-in-time snapshot for operators.
type Status struct {
	Now               time.Time
	PublishedToday    int
	DailyLimit        int
	Destinations      int
	Queued            int
	ScheduledToday    int
	ScheduledTomorrow int
}

// Reporter answers summary and status queries. It never writes.
type Reporter struct {
	store Store
	dests Destinations
	limit func() int
	clock Clock
}

func NewReporter(store Store, dests Destinations, limit func() int, clock Clock) *Reporter {
	return &Reporter{store: store, dests: dests, limit: limit, clock: clock}
}

// DailySummary counts published, failed and queued jobs per destination
// for the UTC day containing day. Configured destinations with no activity
// appear with zero counts.
func (r *Reporter) DailySummary(ctx context.Context, day time.Time) (DailySummary, error) {
	agg, err := r.store.AggregateDay(ctx, day)
	if err != nil {
		return DailySummary{}, storageErr("aggregate day", err)
	}
	if r.dests != nil {
		for _, d := range r.dests.Destinations() {
			if _, ok := agg[d]; !ok {
				agg[d] = job.DayAggregate{}
			}
		}
	}
	out := DailySummary{Day: job.DayStart(day), ByDestination: agg}
	for _, a := range agg {
		out.Total = out.Total.Add(a)
	}
	return out, nil
}

// Status reports today's progress and the queue size.
func (r *Reporter) Status(ctx context.Context) (Status, error) {
	now := r.clock.now()
	today := job.DayStart(now)
	st := Status{Now: now}
	if r.limit != nil {
		st.DailyLimit = r.limit()
	}
	if r.dests != nil {
		st.Destinations = len(r.dests.Destinations())
	}

	var err error
	if st.PublishedToday, err = r.store.CountPublishedOn(ctx, "", today); err != nil {
		return st, storageErr("count published", err)
	}
	if st.Queued, err = r.store.CountQueued(ctx); err != nil {
		return st, storageErr("count queued", err)
	}
	if st.ScheduledToday, err = r.store.CountScheduledOn(ctx, "", today); err != nil {
		return st, storageErr("count scheduled", err)
	}
	if st.ScheduledTomorrow, err = r.store.CountScheduledOn(ctx, "", today.Add(24*time.Hour)); err != nil {
		return st, storageErr("count scheduled", err)
	}
	return st, nil
}
