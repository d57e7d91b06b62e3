package upload

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"uploadbot/internal/eventbus"
	"uploadbot/internal/job"
	logx "uploadbot/pkg/logx"
)

// Settings are the live-tunable dispatch knobs.
type Settings struct {
	DailyLimit     int
	Interval       time.Duration
	StartHour      int
	PublishTimeout time.Duration
	Policy         Policy
}

// Locker guards a tick across processes. TryLock reports ok=false when
// another holder has it.
type Locker interface {
	TryLock(ctx context.Context) (release func(), ok bool, err error)
}

type DispatcherOptions struct {
	Store     Store
	Publisher Publisher
	Bus       eventbus.Bus
	Locker    Locker
	Clock     Clock
	Logger    logx.Logger
	Settings  Settings
}

// Dispatcher runs dispatch ticks.
type Dispatcher struct {
	store Store
	pub   Publisher
	bus   eventbus.Bus
	lock  Locker
	clock Clock
	log   logx.Logger

	settings atomic.Pointer[Settings]
	tracker  *Tracker

	tickMu sync.Mutex

	lateWG   sync.WaitGroup
	done     chan struct{}
	doneOnce sync.Once
}

func NewDispatcher(opts DispatcherOptions) *Dispatcher {
	log := opts.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{
		store: opts.Store,
		pub:   opts.Publisher,
		bus:   opts.Bus,
		lock:  opts.Locker,
		clock: opts.Clock,
		log:   log.With(logx.String("comp", "dispatch")),
		done:  make(chan struct{}),
	}
	d.Apply(opts.Settings)
	d.tracker = NewTracker(opts.Store, func() int { return d.Settings().DailyLimit })
	return d
}

// Apply swaps the settings used from the next tick on.
func (d *Dispatcher) Apply(s Settings) {
	cp := s
	cp.Policy.Backoff = append([]time.Duration(nil), s.Policy.Backoff...)
	d.settings.Store(&cp)
}

func (d *Dispatcher) Settings() Settings { return *d.settings.Load() }

// Tracker exposes the quota tracker for status queries.
func (d *Dispatcher) Tracker() *Tracker { return d.tracker }

// Close stops waiting for late publish results.
func (d *Dispatcher) Close() {
	d.doneOnce.Do(func() { close(d.done) })
	d.lateWG.Wait()
}

// TickReport counts what one tick did.
type TickReport struct {
	Due         int
	Published   int
	Deferred    int
	Retried     int
	Failed      int
	Skipped     int
	LockSkipped bool
}

func (r TickReport) idle() bool {
	return r.Published+r.Deferred+r.Retried+r.Failed+r.Skipped == 0
}

// Tick drains every due job once. A storage failure aborts the tick and is
// returned; jobs already handled keep their new state and the next tick
// resumes from the store. Running Tick again over the same state is a no-op
// for jobs it already moved.
func (d *Dispatcher) Tick(ctx context.Context) (TickReport, error) {
	d.tickMu.Lock()
	defer d.tickMu.Unlock()

	var rep TickReport
	if d.lock != nil {
		release, ok, err := d.lock.TryLock(ctx)
		if err != nil {
			return rep, fmt.Errorf("dispatch lock: %w", err)
		}
		if !ok {
			rep.LockSkipped = true
			d.log.Debug("tick skipped; lock held elsewhere")
			return rep, nil
		}
		defer release()
	}

	st := d.Settings()
	d.tracker.Reset()

	due, err := d.store.LoadDue(ctx, d.clock.now())
	if err != nil {
		return rep, storageErr("load due jobs", err)
	}
	rep.Due = len(due)

	for _, j := range due {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		err := d.dispatchOne(ctx, st, j, &rep)
		if err == nil {
			continue
		}
		if errors.Is(err, job.ErrConflict) || errors.Is(err, job.ErrNotFound) {
			rep.Skipped++
			d.log.Debug("job moved by someone else; skipping", logx.Job(j.ID), logx.Err(err))
			continue
		}
		d.log.Error("tick aborted", logx.Job(j.ID), logx.Err(err))
		return rep, err
	}

	if rep.idle() {
		d.log.Debug("tick done", logx.Int("due", rep.Due))
	} else {
		d.log.Info("tick done",
			logx.Int("due", rep.Due),
			logx.Int("published", rep.Published),
			logx.Int("deferred", rep.Deferred),
			logx.Int("retried", rep.Retried),
			logx.Int("failed", rep.Failed),
			logx.Int("skipped", rep.Skipped),
		)
	}
	return rep, nil
}

func (d *Dispatcher) dispatchOne(ctx context.Context, st Settings, j job.Job, rep *TickReport) error {
	now := d.clock.now()

	if j.State == job.StateDeferred {
		if err := d.store.Transition(ctx, j.ID, job.StateDeferred, job.StatePending, job.Update{At: now}); err != nil {
			return storageErr("release deferred job", err)
		}
		j.State = job.StatePending
	}

	// A publish that finished after its timeout already left a result.
	if j.ResultRef != "" {
		return d.markPublished(ctx, j, j.ResultRef, now, rep)
	}

	remaining, err := d.tracker.RemainingToday(ctx, j.Destination, now)
	if err != nil {
		return storageErr("quota lookup", err)
	}
	if remaining <= 0 {
		return d.deferToNextDay(ctx, st, j, now, rep)
	}

	if err := d.store.Transition(ctx, j.ID, job.StatePending, job.StateDispatched, job.Update{At: now, IncAttempt: true}); err != nil {
		return storageErr("dispatch job", err)
	}
	j.State = job.StateDispatched
	j.Attempt++

	ref, perr := d.publish(ctx, st, j)
	done := d.clock.now()
	if perr == nil {
		return d.markPublished(ctx, j, ref, done, rep)
	}
	if ctx.Err() != nil {
		// Shutting down: leave the job dispatched for startup recovery.
		return ctx.Err()
	}
	return d.handleFailure(ctx, st, j, perr, done, rep)
}

func (d *Dispatcher) markPublished(ctx context.Context, j job.Job, ref string, at time.Time, rep *TickReport) error {
	if err := d.store.Transition(ctx, j.ID, j.State, job.StatePublished, job.Update{
		At:          at,
		CompletedAt: &at,
		ResultRef:   &ref,
	}); err != nil {
		return storageErr("mark published", err)
	}
	// The store keeps a result an earlier attempt recorded after its timeout.
	if cur, err := d.store.Get(ctx, j.ID); err != nil {
		d.log.Warn("published job not reloaded", logx.Job(j.ID), logx.Err(err))
	} else if cur.ResultRef != ref {
		if ref != "" {
			d.publishedTwice(j, cur.ResultRef, ref, at)
		}
		ref = cur.ResultRef
	}
	d.tracker.RecordPublished(j.Destination, at)
	rep.Published++
	d.log.Info("published", logx.Job(j.ID), logx.Dest(j.Destination), logx.String("ref", ref), logx.Int("attempt", j.Attempt))
	emit(d.bus, EventPublished, at, JobPublished{
		JobID: j.ID, Destination: j.Destination, Title: j.Title, ExternalID: ref, Attempt: j.Attempt,
	})
	return nil
}

func (d *Dispatcher) deferToNextDay(ctx context.Context, st Settings, j job.Job, now time.Time, rep *TickReport) error {
	nextDay := job.DayStart(now).Add(24 * time.Hour)
	queued, err := d.store.CountScheduledOn(ctx, j.Destination, nextDay)
	if err != nil {
		return storageErr("count queued", err)
	}
	slot := NextSlot(nextDay, st.StartHour, st.Interval, queued)
	kind := job.DeferralQuota
	if err := d.store.Transition(ctx, j.ID, job.StatePending, job.StateDeferred, job.Update{
		At:           now,
		ScheduledFor: &slot,
		Deferral:     &kind,
	}); err != nil {
		return storageErr("defer job", err)
	}
	rep.Deferred++
	d.log.Info("quota exhausted; deferred", logx.Job(j.ID), logx.Dest(j.Destination), logx.Time("slot", slot))
	emit(d.bus, EventDeferred, now, JobDeferred{
		JobID: j.ID, Destination: j.Destination, Title: j.Title, ScheduledFor: slot,
	})
	return nil
}

func (d *Dispatcher) handleFailure(ctx context.Context, st Settings, j job.Job, perr error, at time.Time, rep *TickReport) error {
	kind := Classify(perr)
	reason := perr.Error()
	dec := st.Policy.Decide(j.Attempt, kind, at)

	// An earlier attempt may have landed after its timeout.
	if late, err := d.store.Get(ctx, j.ID); err != nil {
		return storageErr("reload job", err)
	} else if late.ResultRef != "" {
		d.log.Warn("publish failed but an earlier attempt succeeded",
			logx.Job(j.ID), logx.Dest(j.Destination), logx.String("ref", late.ResultRef), logx.Err(perr))
		return d.markPublished(ctx, j, late.ResultRef, at, rep)
	}

	if dec.Retry {
		retry := job.DeferralRetry
		if err := d.store.Transition(ctx, j.ID, job.StateDispatched, job.StateDeferred, job.Update{
			At:           at,
			ScheduledFor: &dec.At,
			Deferral:     &retry,
			LastError:    &reason,
		}); err != nil {
			return storageErr("defer retry", err)
		}
		rep.Retried++
		d.log.Warn("publish failed; will retry",
			logx.Job(j.ID), logx.Dest(j.Destination), logx.Int("attempt", j.Attempt),
			logx.Time("retry_at", dec.At), logx.Err(perr))
		emit(d.bus, EventDeferred, at, JobDeferred{
			JobID: j.ID, Destination: j.Destination, Title: j.Title, ScheduledFor: dec.At, Retry: true,
			Reason: reason, Attempt: j.Attempt,
		})
		return nil
	}

	if err := d.store.Transition(ctx, j.ID, job.StateDispatched, job.StateFailed, job.Update{
		At:          at,
		CompletedAt: &at,
		LastError:   &reason,
	}); err != nil {
		return storageErr("fail job", err)
	}
	rep.Failed++
	d.log.Error("publish abandoned",
		logx.Job(j.ID), logx.Dest(j.Destination), logx.Int("attempt", j.Attempt),
		logx.String("kind", kind.String()), logx.Err(perr))
	emit(d.bus, EventFailed, at, JobFailed{
		JobID: j.ID, Destination: j.Destination, Title: j.Title, Reason: reason, Attempt: j.Attempt,
	})
	return nil
}

type publishResult struct {
	ref string
	err error
}

// publish calls the publisher with the configured timeout. On timeout the
// call keeps running in the background and a late success is recorded on
// the job.
func (d *Dispatcher) publish(ctx context.Context, st Settings, j job.Job) (string, error) {
	if d.pub == nil {
		return "", Permanent(errors.New("no publisher configured"))
	}
	pctx, cancel := ctx, context.CancelFunc(func() {})
	if st.PublishTimeout > 0 {
		pctx, cancel = context.WithTimeout(ctx, st.PublishTimeout)
	}

	ch := make(chan publishResult, 1)
	go func() {
		ref, err := d.pub.Publish(pctx, j)
		ch <- publishResult{ref: ref, err: err}
	}()

	select {
	case r := <-ch:
		cancel()
		return r.ref, r.err
	case <-pctx.Done():
		cancel()
		d.lateWG.Add(1)
		go d.awaitLate(j, ch)
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", Transient(fmt.Errorf("publish timed out after %s: %w", st.PublishTimeout, context.DeadlineExceeded))
	}
}

func (d *Dispatcher) awaitLate(j job.Job, ch <-chan publishResult) {
	defer d.lateWG.Done()

	var r publishResult
	select {
	case r = <-ch:
	case <-d.done:
		return
	}
	if r.err != nil || r.ref == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	state, kept, err := d.store.RecordLateResult(ctx, j.ID, r.ref)
	if err != nil {
		d.log.Error("late publish result not recorded", logx.Job(j.ID), logx.String("ref", r.ref), logx.Err(err))
		return
	}
	switch {
	case kept != r.ref:
		d.publishedTwice(j, kept, r.ref, d.clock.now())
	case state == job.StateFailed:
		d.log.Warn("publish succeeded after job was abandoned",
			logx.Job(j.ID), logx.Dest(j.Destination), logx.String("ref", r.ref))
	default:
		d.log.Info("late publish result recorded", logx.Job(j.ID), logx.String("state", string(state)), logx.String("ref", r.ref))
	}
}

// publishedTwice reports a job that reached its destination under two
// external ids. The first recorded id stays on the job.
func (d *Dispatcher) publishedTwice(j job.Job, kept, dup string, at time.Time) {
	d.log.Warn("published twice",
		logx.Job(j.ID), logx.Dest(j.Destination), logx.String("kept", kept), logx.String("duplicate", dup))
	emit(d.bus, EventPublishedTwice, at, JobPublishedTwice{
		JobID: j.ID, Destination: j.Destination, Title: j.Title, KeptID: kept, DuplicateID: dup,
	})
}

// Recover settles jobs left dispatched by a crash. Each one counts as an
// interrupted attempt and goes through the retry policy.
func (d *Dispatcher) Recover(ctx context.Context) (int, error) {
	d.tickMu.Lock()
	defer d.tickMu.Unlock()

	stuck, err := d.store.ListByState(ctx, job.StateDispatched)
	if err != nil {
		return 0, storageErr("list dispatched", err)
	}
	st := d.Settings()
	var rep TickReport
	for _, j := range stuck {
		now := d.clock.now()
		if j.ResultRef != "" {
			err = d.markPublished(ctx, j, j.ResultRef, now, &rep)
		} else {
			err = d.handleFailure(ctx, st, j, Transient(errors.New("interrupted during publish")), now, &rep)
		}
		if err != nil && !errors.Is(err, job.ErrConflict) {
			return len(stuck), err
		}
	}
	if len(stuck) > 0 {
		d.log.Warn("recovered interrupted jobs",
			logx.Int("count", len(stuck)), logx.Int("retried", rep.Retried), logx.Int("failed", rep.Failed))
	}
	return len(stuck), nil
}
