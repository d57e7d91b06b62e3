package upload_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"uploadbot/internal/job"
	"uploadbot/internal/upload"
)

func submitMany(t *testing.T, h *harness, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		res := h.submit(t, mediaName(i), "main")
		require.Len(t, res.JobIDs, 1)
		ids = append(ids, res.JobIDs[0])
	}
	return ids
}

func TestTickDefersOverQuotaToNextDay(t *testing.T) {
	h := newHarness(t, []string{"main"}, nil)
	ids := submitMany(t, h, 7)

	rep := h.tick(t)
	assert.Equal(t, 7, rep.Due)
	assert.Equal(t, 5, rep.Published)
	assert.Equal(t, 2, rep.Deferred)
	assert.Equal(t, 5, h.pub.Calls())

	for _, id := range ids[:5] {
		j := h.job(t, id)
		assert.Equal(t, job.StatePublished, j.State)
		assert.Equal(t, 1, j.Attempt)
		assert.NotEmpty(t, j.ResultRef)
	}

	day2 := time.Date(2024, 5, 11, 0, 0, 0, 0, time.UTC)
	j6, j7 := h.job(t, ids[5]), h.job(t, ids[6])
	assert.Equal(t, job.StateDeferred, j6.State)
	assert.Equal(t, day2.Add(9*time.Hour), j6.ScheduledFor)
	assert.Equal(t, job.StateDeferred, j7.State)
	assert.Equal(t, day2.Add(9*time.Hour+30*time.Minute), j7.ScheduledFor)
	assert.Zero(t, j6.Attempt)

	var published, deferred int
	for _, ev := range h.drain() {
		switch ev.Type {
		case upload.EventPublished:
			published++
		case upload.EventDeferred:
			deferred++
			assert.False(t, ev.Data.(upload.JobDeferred).Retry)
		}
	}
	assert.Equal(t, 5, published)
	assert.Equal(t, 2, deferred)

	// Next day, first slot: only the first deferred job is due.
	h.clock.Set(day2.Add(9 * time.Hour))
	rep = h.tick(t)
	assert.Equal(t, 1, rep.Due)
	assert.Equal(t, 1, rep.Published)
	assert.Equal(t, job.StatePublished, h.job(t, ids[5]).State)
	assert.Equal(t, job.StateDeferred, h.job(t, ids[6]).State)

	h.clock.Set(day2.Add(9*time.Hour + 30*time.Minute))
	rep = h.tick(t)
	assert.Equal(t, 1, rep.Published)
	assert.Equal(t, 7, h.pub.Calls())
}

func TestTickIsIdempotent(t *testing.T) {
	h := newHarness(t, []string{"main"}, nil)
	submitMany(t, h, 7)

	h.tick(t)
	before, total, err := h.store.ListQueued(context.Background(), 50, 0)
	require.NoError(t, err)
	require.Equal(t, 2, total)

	rep := h.tick(t)
	assert.Zero(t, rep.Due)
	assert.Zero(t, rep.Published)
	assert.Zero(t, rep.Deferred)
	assert.Equal(t, 5, h.pub.Calls())

	after, _, err := h.store.ListQueued(context.Background(), 50, 0)
	require.NoError(t, err)
	require.Len(t, after, len(before))
	for i := range before {
		assert.Equal(t, before[i].ScheduledFor, after[i].ScheduledFor)
		assert.Equal(t, before[i].State, after[i].State)
	}
}

func TestTimeoutsRetryWithBackoff(t *testing.T) {
	h := newHarness(t, []string{"main"}, func(ctx context.Context, call int, j job.Job) (string, error) {
		if call <= 2 {
			return blockUntilDone(ctx, call, j)
		}
		return "yt-third", nil
	}, func(s *upload.Settings) { s.PublishTimeout = 20 * time.Millisecond })

	id := h.submit(t, "slow", "main").JobIDs[0]

	rep := h.tick(t)
	assert.Equal(t, 1, rep.Retried)
	j := h.job(t, id)
	assert.Equal(t, job.StateDeferred, j.State)
	assert.Equal(t, 1, j.Attempt)
	assert.Equal(t, t0.Add(time.Minute), j.ScheduledFor)
	assert.Contains(t, j.LastError, "timed out")
	assert.Equal(t, job.DeferralRetry, j.Deferral)

	h.clock.Advance(time.Minute)
	rep = h.tick(t)
	assert.Equal(t, 1, rep.Retried)
	j = h.job(t, id)
	assert.Equal(t, 2, j.Attempt)
	assert.Equal(t, t0.Add(6*time.Minute), j.ScheduledFor)

	// Not due yet.
	h.clock.Advance(4 * time.Minute)
	rep = h.tick(t)
	assert.Zero(t, rep.Due)

	h.clock.Advance(time.Minute)
	rep = h.tick(t)
	assert.Equal(t, 1, rep.Published)
	j = h.job(t, id)
	assert.Equal(t, job.StatePublished, j.State)
	assert.Equal(t, 3, j.Attempt)
	assert.Equal(t, "yt-third", j.ResultRef)
	assert.Equal(t, 3, h.pub.Calls())
}

func TestRetriesExhausted(t *testing.T) {
	h := newHarness(t, []string{"main"}, func(context.Context, int, job.Job) (string, error) {
		return "", upload.Transient(errors.New("backend returned 503"))
	})
	id := h.submit(t, "flaky", "main").JobIDs[0]

	h.tick(t)
	h.clock.Advance(time.Minute)
	h.tick(t)
	h.clock.Advance(5 * time.Minute)
	rep := h.tick(t)

	assert.Equal(t, 1, rep.Failed)
	j := h.job(t, id)
	assert.Equal(t, job.StateFailed, j.State)
	assert.Equal(t, 3, j.Attempt)
	assert.Contains(t, j.LastError, "503")

	h.clock.Advance(time.Hour)
	rep = h.tick(t)
	assert.Zero(t, rep.Due)
	assert.Equal(t, 3, h.pub.Calls())
}

func TestPermanentFailureIsNotRetried(t *testing.T) {
	h := newHarness(t, []string{"main"}, func(context.Context, int, job.Job) (string, error) {
		return "", upload.Permanent(errAuthRevoked)
	})
	id := h.submit(t, "unauthorized", "main").JobIDs[0]

	rep := h.tick(t)
	assert.Equal(t, 1, rep.Failed)

	j := h.job(t, id)
	assert.Equal(t, job.StateFailed, j.State)
	assert.Equal(t, 1, j.Attempt)
	assert.Contains(t, j.LastError, "revoked")
	assert.False(t, j.CompletedAt.IsZero())

	var failed []upload.JobFailed
	for _, ev := range h.drain() {
		if ev.Type == upload.EventFailed {
			failed = append(failed, ev.Data.(upload.JobFailed))
		}
	}
	require.Len(t, failed, 1)
	assert.Equal(t, id, failed[0].JobID)
	assert.Equal(t, 1, failed[0].Attempt)
}

func TestLateSuccessPublishesWithoutRepublishing(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, []string{"main"}, func(context.Context, int, job.Job) (string, error) {
		<-release
		return "yt-late", nil
	}, func(s *upload.Settings) { s.PublishTimeout = 20 * time.Millisecond })

	id := h.submit(t, "late", "main").JobIDs[0]
	rep := h.tick(t)
	require.Equal(t, 1, rep.Retried)

	close(release)
	require.Eventually(t, func() bool {
		return h.job(t, id).ResultRef == "yt-late"
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, job.StateDeferred, h.job(t, id).State)

	h.clock.Advance(time.Minute)
	rep = h.tick(t)
	assert.Equal(t, 1, rep.Published)
	assert.Equal(t, 1, h.pub.Calls())

	j := h.job(t, id)
	assert.Equal(t, job.StatePublished, j.State)
	assert.Equal(t, 1, j.Attempt)
}

func TestLateSuccessAfterAbandonKeepsFailed(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, []string{"main"}, func(context.Context, int, job.Job) (string, error) {
		<-release
		return "yt-orphan", nil
	}, func(s *upload.Settings) {
		s.PublishTimeout = 20 * time.Millisecond
		s.Policy.MaxAttempts = 1
	})

	id := h.submit(t, "orphan", "main").JobIDs[0]
	rep := h.tick(t)
	require.Equal(t, 1, rep.Failed)

	close(release)
	require.Eventually(t, func() bool {
		return h.job(t, id).ResultRef == "yt-orphan"
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, job.StateFailed, h.job(t, id).State)

	h.clock.Advance(time.Hour)
	rep = h.tick(t)
	assert.Zero(t, rep.Due)
}

func publishedTwiceEvent(t *testing.T, h *harness) upload.JobPublishedTwice {
	t.Helper()
	var got upload.JobPublishedTwice
	require.Eventually(t, func() bool {
		for _, ev := range h.drain() {
			if ev.Type == upload.EventPublishedTwice {
				got = ev.Data.(upload.JobPublishedTwice)
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
	return got
}

// waitForRef polls until the job carries a result, as a late publish leaves it.
func waitForRef(st upload.Store, id string) bool {
	for deadline := time.Now().Add(2 * time.Second); time.Now().Before(deadline); {
		if j, err := st.Get(context.Background(), id); err == nil && j.ResultRef != "" {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

func TestLateResultAfterRetryKeepsPublishedRef(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, []string{"main"}, func(_ context.Context, call int, _ job.Job) (string, error) {
		if call == 1 {
			<-release
			return "yt-first", nil
		}
		return "yt-second", nil
	}, func(s *upload.Settings) { s.PublishTimeout = 20 * time.Millisecond })

	id := h.submit(t, "twice", "main").JobIDs[0]
	require.Equal(t, 1, h.tick(t).Retried)
	h.clock.Advance(time.Minute)
	require.Equal(t, 1, h.tick(t).Published)
	require.Equal(t, "yt-second", h.job(t, id).ResultRef)

	close(release)
	ev := publishedTwiceEvent(t, h)
	assert.Equal(t, id, ev.JobID)
	assert.Equal(t, "yt-second", ev.KeptID)
	assert.Equal(t, "yt-first", ev.DuplicateID)

	j := h.job(t, id)
	assert.Equal(t, job.StatePublished, j.State)
	assert.Equal(t, "yt-second", j.ResultRef)
	assert.Equal(t, 2, j.Attempt)
	assert.Equal(t, 2, h.pub.Calls())
}

func TestLateResultDuringRetry(t *testing.T) {
	cases := []struct {
		name   string
		second func() (string, error)
		twice  bool
	}{
		{
			name:   "retry fails permanently",
			second: func() (string, error) { return "", upload.Permanent(errAuthRevoked) },
		},
		{
			name:   "retry fails transiently",
			second: func() (string, error) { return "", upload.Transient(errors.New("backend returned 503")) },
		},
		{
			name:   "retry succeeds too",
			second: func() (string, error) { return "yt-second", nil },
			twice:  true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			release := make(chan struct{})
			var h *harness
			h = newHarness(t, []string{"main"}, func(_ context.Context, call int, j job.Job) (string, error) {
				if call == 1 {
					<-release
					return "yt-first", nil
				}
				close(release)
				if !waitForRef(h.store, j.ID) {
					return "", errors.New("late result never recorded")
				}
				return tc.second()
			}, func(s *upload.Settings) { s.PublishTimeout = 20 * time.Millisecond })

			id := h.submit(t, "overlap", "main").JobIDs[0]
			require.Equal(t, 1, h.tick(t).Retried)

			st := h.disp.Settings()
			st.PublishTimeout = 5 * time.Second
			h.disp.Apply(st)
			h.clock.Advance(time.Minute)

			rep := h.tick(t)
			assert.Equal(t, 1, rep.Published)
			assert.Zero(t, rep.Failed)
			assert.Zero(t, rep.Retried)

			j := h.job(t, id)
			assert.Equal(t, job.StatePublished, j.State)
			assert.Equal(t, "yt-first", j.ResultRef)
			assert.Equal(t, 2, j.Attempt)

			if tc.twice {
				ev := publishedTwiceEvent(t, h)
				assert.Equal(t, "yt-first", ev.KeptID)
				assert.Equal(t, "yt-second", ev.DuplicateID)
			}
		})
	}
}

func TestRecoverSettlesDispatchedJobs(t *testing.T) {
	h := newHarness(t, []string{"main"}, nil)
	ctx := context.Background()

	stuck := job.Job{
		ID: "stuck-0001", SeqNo: 100, Fingerprint: "fp-stuck", Destination: "main", Title: "stuck",
		State: job.StateDispatched, Attempt: 1, ScheduledFor: t0, CreatedAt: t0, UpdatedAt: t0,
	}
	done := job.Job{
		ID: "done-0001", SeqNo: 101, Fingerprint: "fp-done", Destination: "main", Title: "done",
		State: job.StateDispatched, Attempt: 1, ScheduledFor: t0, CreatedAt: t0, UpdatedAt: t0,
		ResultRef: "yt-done",
	}
	exhausted := job.Job{
		ID: "last-0001", SeqNo: 102, Fingerprint: "fp-last", Destination: "main", Title: "last",
		State: job.StateDispatched, Attempt: 3, ScheduledFor: t0, CreatedAt: t0, UpdatedAt: t0,
	}
	for _, j := range []job.Job{stuck, done, exhausted} {
		require.NoError(t, h.store.Create(ctx, j))
	}

	n, err := h.disp.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	got := h.job(t, stuck.ID)
	assert.Equal(t, job.StateDeferred, got.State)
	assert.Equal(t, t0.Add(time.Minute), got.ScheduledFor)
	assert.Equal(t, job.StatePublished, h.job(t, done.ID).State)
	assert.Equal(t, job.StateFailed, h.job(t, exhausted.ID).State)
	assert.Zero(t, h.pub.Calls())
}

type stubLocker struct {
	ok       bool
	released int
}

func (l *stubLocker) TryLock(context.Context) (func(), bool, error) {
	if !l.ok {
		return nil, false, nil
	}
	return func() { l.released++ }, true, nil
}

func TestTickSkipsWhenLockHeld(t *testing.T) {
	h := newHarness(t, []string{"main"}, nil)
	h.submit(t, "locked", "main")

	lock := &stubLocker{}
	d := upload.NewDispatcher(upload.DispatcherOptions{
		Store: h.store, Publisher: h.pub, Locker: lock, Clock: h.clock.Now, Settings: h.disp.Settings(),
	})
	t.Cleanup(d.Close)

	rep, err := d.Tick(context.Background())
	require.NoError(t, err)
	assert.True(t, rep.LockSkipped)
	assert.Zero(t, h.pub.Calls())

	lock.ok = true
	rep, err = d.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Published)
	assert.Equal(t, 1, lock.released)
}

func TestTickStorageFailure(t *testing.T) {
	h := newHarness(t, []string{"main"}, nil)
	h.submit(t, "x", "main")
	require.NoError(t, h.store.Close())

	_, err := h.disp.Tick(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, upload.ErrStorage)
}

func TestApplyChangesLimitForNextTick(t *testing.T) {
	h := newHarness(t, []string{"main"}, nil)
	submitMany(t, h, 3)

	st := h.disp.Settings()
	st.DailyLimit = 1
	h.disp.Apply(st)

	rep := h.tick(t)
	assert.Equal(t, 1, rep.Published)
	assert.Equal(t, 2, rep.Deferred)
}
