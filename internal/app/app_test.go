package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"uploadbot/internal/alerts"
	"uploadbot/internal/config"
	"uploadbot/internal/eventbus"
	"uploadbot/internal/task/scheduler"
	"uploadbot/internal/upload"
	logx "uploadbot/pkg/logx"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	channels := filepath.Join(dir, "channels")
	require.NoError(t, os.MkdirAll(channels, 0o755))
	for _, name := range []string{"cats.json", "dogs.json", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(channels, name), []byte("{}"), 0o600))
	}
	return &config.Config{
		Telegram: config.TelegramConfig{Token: "t", OwnerUserIDs: []int64{7, 8}},
		Upload: config.UploadConfig{
			DailyLimit:   2,
			StartHour:    9,
			Interval:     "45m",
			ChannelsPath: channels,
			MediaDir:     filepath.Join(dir, "media"),
		},
		Storage: config.StorageConfig{Path: filepath.Join(dir, "jobs.db")},
	}
}

func TestMapEngineSettings(t *testing.T) {
	cfg := testConfig(t)
	cfg.Upload.RetryBackoff = []string{"2m"}
	cfg.Upload.RetryMax = 5

	st, us, err := mapEngineSettings(cfg)
	require.NoError(t, err)
	assert.Equal(t, upload.Settings{
		DailyLimit:     2,
		Interval:       45 * time.Minute,
		StartHour:      9,
		PublishTimeout: config.DefaultPublishTimeout,
		Policy:         upload.Policy{Backoff: []time.Duration{2 * time.Minute}, MaxAttempts: 5},
	}, st)
	assert.Equal(t, config.DefaultPollInterval, us.PollInterval)
	assert.Equal(t, "every:1m0s", pollSpec(us.PollInterval))

	cfg.Upload.Interval = "soon"
	_, _, err = mapEngineSettings(cfg)
	assert.Error(t, err)
}

func TestMapLogConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Logging.Chat = config.LoggingChat{Enabled: true, MinLevel: "error"}

	lc := mapLogConfig(cfg)
	assert.True(t, lc.Chat.Enabled)
	assert.Equal(t, int64(7), lc.Chat.ChatID)

	cfg.Telegram.OwnerUserIDs = nil
	assert.False(t, mapLogConfig(cfg).Chat.Enabled)
}

func TestMapLockConfig(t *testing.T) {
	cfg := testConfig(t)
	_, ok, err := mapLockConfig(cfg)
	require.NoError(t, err)
	assert.False(t, ok)

	cfg.Lock = &config.LockConfig{RedisAddr: "localhost:6379"}
	lc, ok, err := mapLockConfig(cfg)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, config.DefaultLockKey, lc.Key)
	assert.Equal(t, config.DefaultLockTTL, lc.TTL)

	cfg.Lock.TTL = "forever"
	_, _, err = mapLockConfig(cfg)
	assert.Error(t, err)
}

func TestMapNotifierConfig(t *testing.T) {
	n, err := mapNotifierConfig(&config.Config{})
	require.NoError(t, err)
	assert.True(t, n.Enabled)
	assert.Equal(t, 2, n.Workers)
	assert.Equal(t, time.Minute, n.DedupWindow)

	n, err = mapNotifierConfig(&config.Config{Notifier: &config.NotifierConfig{
		Enabled: true, RatePerSec: 9, DedupWindow: "10m", PersistDedup: true,
	}})
	require.NoError(t, err)
	assert.Equal(t, 9, n.RatePerSec)
	assert.Equal(t, 10*time.Minute, n.DedupWindow)
	assert.True(t, n.PersistDedup)

	_, err = mapNotifierConfig(&config.Config{Notifier: &config.NotifierConfig{RetryBase: "1m", RetryMaxDelay: "1s"}})
	assert.Error(t, err)
}

func TestEngineLifecycle(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	eng, err := OpenEngine(ctx, cfg, eventbus.New(), logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })

	assert.Equal(t, []string{"cats", "dogs"}, eng.Channels.Destinations())

	rep, err := eng.Dispatcher.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Due)

	res, err := eng.Submitter.Submit(ctx, upload.Submission{Media: []byte("clip"), Title: "hello"})
	require.NoError(t, err)
	assert.Equal(t, []string{"cats", "dogs"}, res.Destinations)

	jobs, total, err := eng.Queue.Page(ctx, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, jobs, 2)

	st, err := eng.Reporter.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.DailyLimit)
	assert.Equal(t, 2, st.Destinations)

	cfg.Upload.DailyLimit = 4
	cfg.Upload.MaxMediaBytes = 2
	require.NoError(t, eng.Apply(cfg))
	st, err = eng.Reporter.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, st.DailyLimit)

	_, err = eng.Submitter.Submit(ctx, upload.Submission{Media: []byte("too big"), Title: "x"})
	assert.ErrorIs(t, err, upload.ErrValidation)
}

func TestSameSchedule(t *testing.T) {
	a, b := testConfig(t), testConfig(t)
	assert.True(t, sameSchedule(a, b))
	b.Upload.SummaryAt = "21:00"
	assert.False(t, sameSchedule(a, b))
}

func TestScheduleSummaryOff(t *testing.T) {
	a := &App{
		sched:  scheduler.New(scheduler.Config{}, logx.Nop()),
		alerts: alerts.New(alerts.Options{}),
	}
	names := func() []string {
		var out []string
		for _, e := range a.sched.Entries() {
			out = append(out, e.Name)
		}
		return out
	}

	us := config.UploadSettings{PollInterval: time.Minute, SummaryAt: "20:00"}
	require.NoError(t, a.schedule(us))
	assert.Equal(t, []string{scheduleDispatch, scheduleSummary}, names())

	us.SummaryAt = "OFF"
	require.NoError(t, a.schedule(us))
	assert.Equal(t, []string{scheduleDispatch}, names())

	us.SummaryAt = "25:00"
	assert.Error(t, a.schedule(us))
}
