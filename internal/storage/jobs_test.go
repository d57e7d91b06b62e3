package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"uploadbot/internal/job"
	logx "uploadbot/pkg/logx"
)

var day0 = time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC)

func openTest(t *testing.T) *SQLite {
	t.Helper()
	st, err := Open(context.Background(), Config{Path: filepath.Join(t.TempDir(), "jobs.db")}, logx.Nop())
	require.NoError(t, err)
	st.SetClock(func() time.Time { return day0.Add(12 * time.Hour) })
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newJob(id, fp, dest string, state job.State, at time.Time) job.Job {
	return job.Job{
		ID:           id,
		SeqNo:        100,
		Fingerprint:  fp,
		Destination:  dest,
		Title:        "title " + id,
		Tags:         []string{"meme", "funny"},
		MediaRef:     "media/" + fp + ".mp4",
		State:        state,
		ScheduledFor: at,
		CreatedAt:    at,
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "jobs.db")
	for i := 0; i < 2; i++ {
		st, err := Open(context.Background(), Config{Path: path}, logx.Logger{})
		require.NoError(t, err)
		require.NoError(t, st.Ping(context.Background()))
		require.NoError(t, st.Close())
	}
}

func TestCreateAndGet(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTest(t)

	in := newJob("j1", "fp1", "main", job.StatePending, day0.Add(9*time.Hour))
	in.ThumbnailRef = "media/fp1.jpg"
	require.NoError(t, st.Create(ctx, in))

	got, err := st.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, in.Title, got.Title)
	assert.Equal(t, []string{"meme", "funny"}, got.Tags)
	assert.Equal(t, "media/fp1.jpg", got.ThumbnailRef)
	assert.Equal(t, job.StatePending, got.State)
	assert.True(t, got.ScheduledFor.Equal(in.ScheduledFor))
	assert.True(t, got.CompletedAt.IsZero())

	_, err = st.Get(ctx, "missing")
	assert.ErrorIs(t, err, job.ErrNotFound)
}

func TestCreateRejectsLiveDuplicate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTest(t)

	require.NoError(t, st.Create(ctx, newJob("j1", "fp", "main", job.StatePending, day0)))
	// Same media on another destination is fine.
	require.NoError(t, st.Create(ctx, newJob("j2", "fp", "alt", job.StatePending, day0)))

	err := st.Create(ctx, newJob("j3", "fp", "main", job.StatePending, day0))
	require.ErrorIs(t, err, job.ErrDuplicate)
	var de *job.DuplicateError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "j1", de.ExistingID)

	// A failed job releases the pair.
	require.NoError(t, st.Transition(ctx, "j1", job.StatePending, job.StateFailed, job.Update{
		CompletedAt: job.Ptr(day0), LastError: job.Ptr("cancelled by operator"),
	}))
	require.NoError(t, st.Create(ctx, newJob("j3", "fp", "main", job.StatePending, day0)))
}

func TestTransitionCompareAndSet(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTest(t)
	require.NoError(t, st.Create(ctx, newJob("j1", "fp", "main", job.StatePending, day0)))

	require.NoError(t, st.Transition(ctx, "j1", job.StatePending, job.StateDispatched, job.Update{IncAttempt: true}))

	err := st.Transition(ctx, "j1", job.StatePending, job.StateDispatched, job.Update{IncAttempt: true})
	require.ErrorIs(t, err, job.ErrConflict)

	done := day0.Add(10 * time.Hour)
	require.NoError(t, st.Transition(ctx, "j1", job.StateDispatched, job.StatePublished, job.Update{
		CompletedAt: &done, ResultRef: job.Ptr("yt-1"),
	}))

	got, err := st.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, job.StatePublished, got.State)
	assert.Equal(t, 1, got.Attempt)
	assert.Equal(t, "yt-1", got.ResultRef)
	assert.True(t, got.CompletedAt.Equal(done))

	err = st.Transition(ctx, "j1", job.StatePublished, job.StatePending, job.Update{})
	require.Error(t, err)
	err = st.Transition(ctx, "nope", job.StatePending, job.StateDispatched, job.Update{})
	require.ErrorIs(t, err, job.ErrNotFound)
}

func TestLoadDueOrdering(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTest(t)

	require.NoError(t, st.Create(ctx, newJob("late", "f1", "main", job.StateDeferred, day0.Add(11*time.Hour))))
	require.NoError(t, st.Create(ctx, newJob("early", "f2", "main", job.StatePending, day0.Add(9*time.Hour))))
	require.NoError(t, st.Create(ctx, newJob("future", "f3", "main", job.StateDeferred, day0.Add(30*time.Hour))))
	require.NoError(t, st.Create(ctx, newJob("done", "f4", "main", job.StatePublished, day0)))

	due, err := st.LoadDue(ctx, day0.Add(12*time.Hour))
	require.NoError(t, err)
	ids := make([]string, 0, len(due))
	for _, j := range due {
		ids = append(ids, j.ID)
	}
	assert.Equal(t, []string{"early", "late"}, ids)
}

func TestCountsAndAggregate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTest(t)

	for i := 0; i < 3; i++ {
		j := newJob(fmt.Sprintf("p%d", i), fmt.Sprintf("pf%d", i), "main", job.StatePublished, day0)
		j.CompletedAt = day0.Add(time.Duration(9+i) * time.Hour)
		require.NoError(t, st.Create(ctx, j))
	}
	yesterday := newJob("old", "of", "main", job.StatePublished, day0.Add(-2*time.Hour))
	yesterday.CompletedAt = day0.Add(-time.Hour)
	require.NoError(t, st.Create(ctx, yesterday))

	failed := newJob("f", "ff", "alt", job.StateFailed, day0)
	failed.CompletedAt = day0.Add(8 * time.Hour)
	require.NoError(t, st.Create(ctx, failed))

	require.NoError(t, st.Create(ctx, newJob("q1", "qf1", "main", job.StateDeferred, day0.Add(33*time.Hour))))
	require.NoError(t, st.Create(ctx, newJob("q2", "qf2", "alt", job.StatePending, day0.Add(20*time.Hour))))

	n, err := st.CountPublishedOn(ctx, "main", day0.Add(5*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	n, err = st.CountPublishedOn(ctx, "", day0.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = st.CountScheduledOn(ctx, "main", day0.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = st.CountQueued(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	agg, err := st.AggregateDay(ctx, day0)
	require.NoError(t, err)
	assert.Equal(t, map[string]job.DayAggregate{
		"main": {Published: 3},
		"alt":  {Failed: 1, Queued: 1},
	}, agg)

	one, err := st.AggregateForDay(ctx, "alt", day0)
	require.NoError(t, err)
	assert.Equal(t, job.DayAggregate{Failed: 1, Queued: 1}, one)
}

func TestListQueuedAndReschedule(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTest(t)

	for i := 0; i < 5; i++ {
		at := day0.Add(24*time.Hour + 9*time.Hour + time.Duration(i)*30*time.Minute)
		require.NoError(t, st.Create(ctx, newJob(fmt.Sprintf("q%d", i), fmt.Sprintf("f%d", i), "main", job.StateDeferred, at)))
	}

	page, total, err := st.ListQueued(ctx, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, page, 2)
	assert.Equal(t, "q2", page[0].ID)

	sameDay, err := st.ListScheduledOn(ctx, "main", day0.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Len(t, sameDay, 5)

	at := day0.Add(40 * time.Hour)
	require.NoError(t, st.Reschedule(ctx, "q4", job.StateDeferred, at))
	err = st.Reschedule(ctx, "q4", job.StatePending, at)
	assert.ErrorIs(t, err, job.ErrConflict)
}

func TestRecordLateResult(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTest(t)
	require.NoError(t, st.Create(ctx, newJob("j1", "fp", "main", job.StateDeferred, day0)))

	state, kept, err := st.RecordLateResult(ctx, "j1", "yt-late")
	require.NoError(t, err)
	assert.Equal(t, job.StateDeferred, state)
	assert.Equal(t, "yt-late", kept)

	got, err := st.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, "yt-late", got.ResultRef)

	_, _, err = st.RecordLateResult(ctx, "missing", "x")
	assert.True(t, errors.Is(err, job.ErrNotFound))
}

func TestRecordLateResultKeepsExistingRef(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTest(t)
	done := newJob("j1", "fp", "main", job.StatePublished, day0)
	done.ResultRef = "yt-second"
	done.CompletedAt = day0
	require.NoError(t, st.Create(ctx, done))

	state, kept, err := st.RecordLateResult(ctx, "j1", "yt-first")
	require.NoError(t, err)
	assert.Equal(t, job.StatePublished, state)
	assert.Equal(t, "yt-second", kept)

	got, err := st.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, "yt-second", got.ResultRef)
}

func TestTransitionKeepsRecordedRef(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTest(t)
	require.NoError(t, st.Create(ctx, newJob("j1", "fp", "main", job.StateDispatched, day0)))

	_, _, err := st.RecordLateResult(ctx, "j1", "yt-first")
	require.NoError(t, err)
	require.NoError(t, st.Transition(ctx, "j1", job.StateDispatched, job.StatePublished, job.Update{
		CompletedAt: &day0, ResultRef: job.Ptr("yt-second"),
	}))

	got, err := st.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, job.StatePublished, got.State)
	assert.Equal(t, "yt-first", got.ResultRef)
}

func TestDeferralRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTest(t)
	require.NoError(t, st.Create(ctx, newJob("j1", "fp", "main", job.StatePending, day0)))

	slot := day0.Add(33 * time.Hour)
	kind := job.DeferralQuota
	require.NoError(t, st.Transition(ctx, "j1", job.StatePending, job.StateDeferred, job.Update{
		ScheduledFor: &slot,
		Deferral:     &kind,
	}))
	got, err := st.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, job.DeferralQuota, got.Deferral)
	assert.Equal(t, slot, got.ScheduledFor)
}

func TestFindByPrefixAndSeq(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTest(t)

	seq, err := st.NextSeqNo(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(100), seq)

	require.NoError(t, st.Create(ctx, newJob("abcd1111", "f1", "main", job.StatePending, day0)))
	require.NoError(t, st.Create(ctx, newJob("abcd2222", "f2", "main", job.StatePending, day0)))

	seq, err = st.NextSeqNo(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(101), seq)

	got, err := st.FindByPrefix(ctx, "abcd1")
	require.NoError(t, err)
	assert.Equal(t, "abcd1111", got.ID)

	_, err = st.FindByPrefix(ctx, "abcd")
	assert.ErrorContains(t, err, "ambiguous")
	_, err = st.FindByPrefix(ctx, "zzzz")
	assert.ErrorIs(t, err, job.ErrNotFound)
}

func TestNextSeqNoIsUniqueUnderConcurrency(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTest(t)

	const n = 32
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = map[int64]bool{}
	)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seq, err := st.NextSeqNo(ctx)
			assert.NoError(t, err)
			mu.Lock()
			seen[seq] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, seen, n)
	assert.True(t, seen[100])
	assert.True(t, seen[100+n-1])
}

func TestNextSeqNoSurvivesReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "jobs.db")
	st, err := Open(ctx, Config{Path: path}, logx.Nop())
	require.NoError(t, err)
	for range 3 {
		_, err = st.NextSeqNo(ctx)
		require.NoError(t, err)
	}
	require.NoError(t, st.Close())

	st, err = Open(ctx, Config{Path: path}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	seq, err := st.NextSeqNo(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(103), seq)
}

func TestAuditAndDedup(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTest(t)

	require.NoError(t, st.AppendAudit(ctx, AuditEntry{ActorID: 7, ChatID: 7, Action: "cancel", Target: "j1"}))
	rows, err := st.RecentAudit(ctx, 5)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "cancel", rows[0].Action)

	until := day0.Add(time.Hour)
	require.NoError(t, st.PutDedup(ctx, "k", until))
	got, ok, err := st.GetDedup(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, until.UnixMilli(), got.UnixMilli())

	_, ok, err = st.GetDedup(ctx, "absent")
	require.NoError(t, err)
	assert.False(t, ok)
}
