package upload_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"uploadbot/internal/eventbus"
	"uploadbot/internal/job"
	"uploadbot/internal/metadata"
	"uploadbot/internal/storage"
	"uploadbot/internal/upload"
	logx "uploadbot/pkg/logx"
)

var t0 = time.Date(2024, 5, 10, 10, 0, 0, 0, time.UTC)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func (c *testClock) Advance(d time.Duration) { c.Set(c.Now().Add(d)) }

type publishFunc func(ctx context.Context, call int, j job.Job) (string, error)

type fakePublisher struct {
	mu    sync.Mutex
	calls int
	fn    publishFunc
}

func (p *fakePublisher) Publish(ctx context.Context, j job.Job) (string, error) {
	p.mu.Lock()
	p.calls++
	call := p.calls
	p.mu.Unlock()
	if p.fn == nil {
		return "yt-" + j.ID[:8], nil
	}
	return p.fn(ctx, call, j)
}

func (p *fakePublisher) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type memSink struct{}

func (memSink) Save(_ context.Context, fp string, _ []byte) (string, string, error) {
	return "mem/" + fp + ".mp4", "", nil
}

type harness struct {
	store *storage.SQLite
	clock *testClock
	pub   *fakePublisher
	bus   eventbus.Bus
	disp  *upload.Dispatcher
	sub   *upload.Submitter
	rep   *upload.Reporter
	queue *upload.Queue

	events <-chan eventbus.Event
}

type harnessOpt func(*upload.Settings)

func newHarness(t *testing.T, dests []string, fn publishFunc, opts ...harnessOpt) *harness {
	t.Helper()

	st, err := storage.Open(context.Background(), storage.Config{Path: filepath.Join(t.TempDir(), "jobs.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	clock := &testClock{t: t0}
	st.SetClock(clock.Now)

	settings := upload.Settings{
		DailyLimit:     5,
		Interval:       30 * time.Minute,
		StartHour:      9,
		PublishTimeout: time.Second,
		Policy:         upload.Policy{Backoff: []time.Duration{time.Minute, 5 * time.Minute}, MaxAttempts: 3},
	}
	for _, o := range opts {
		o(&settings)
	}

	bus := eventbus.New()
	events, unsub := bus.Subscribe(256, "upload.")
	t.Cleanup(unsub)

	pub := &fakePublisher{fn: fn}
	destList := upload.StaticDestinations(dests)
	disp := upload.NewDispatcher(upload.DispatcherOptions{
		Store:     st,
		Publisher: pub,
		Bus:       bus,
		Clock:     clock.Now,
		Settings:  settings,
	})
	t.Cleanup(disp.Close)

	sub := upload.NewSubmitter(upload.SubmitterOptions{
		Store:         st,
		Destinations:  destList,
		Enricher:      metadata.New(metadata.Options{Rand: rand.New(rand.NewSource(1))}),
		Media:         memSink{},
		MaxMediaBytes: 1 << 20,
		Clock:         clock.Now,
	})

	return &harness{
		store:  st,
		clock:  clock,
		pub:    pub,
		bus:    bus,
		disp:   disp,
		sub:    sub,
		rep:    upload.NewReporter(st, destList, func() int { return disp.Settings().DailyLimit }, clock.Now),
		queue:  upload.NewQueue(st, disp.Settings, clock.Now, logx.Nop()),
		events: events,
	}
}

func (h *harness) submit(t *testing.T, media string, dests ...string) upload.SubmitResult {
	t.Helper()
	res, err := h.sub.Submit(context.Background(), upload.Submission{
		Media:        []byte(media),
		Destinations: dests,
		Title:        "clip " + media,
	})
	require.NoError(t, err)
	return res
}

func (h *harness) tick(t *testing.T) upload.TickReport {
	t.Helper()
	rep, err := h.disp.Tick(context.Background())
	require.NoError(t, err)
	return rep
}

func (h *harness) job(t *testing.T, id string) job.Job {
	t.Helper()
	j, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	return j
}

// drain returns the event types received so far.
func (h *harness) drain() []eventbus.Event {
	var out []eventbus.Event
	for {
		select {
		case ev := <-h.events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func blockUntilDone(ctx context.Context, _ int, _ job.Job) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

var errAuthRevoked = errors.New("token has been expired or revoked")

func mediaName(i int) string { return fmt.Sprintf("video-%d", i) }
