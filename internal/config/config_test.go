package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func envMap(m map[string]string) LookupFunc {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

const validYAML = `
telegram:
  token: "123:abc"
  owner_user_ids: [42]
logging:
  level: debug
  console: true
upload:
  daily_limit: 5
  interval: 30m
  start_hour: 9
  retry_backoff: ["1m", "5m"]
`

func TestLoadYAMLWithEnvOverrides(t *testing.T) {
	t.Parallel()

	m := NewConfigManager(writeFile(t, "config.yaml", validYAML))
	m.SetLookup(envMap(map[string]string{
		"DAILY_LIMIT":             "7",
		"UPLOAD_INTERVAL_MINUTES": "45",
		"ADMIN_ID":                "1001, 1002",
		"DB_PATH":                 "/var/lib/uploadbot/jobs.db",
	}))

	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Upload.DailyLimit)
	assert.Equal(t, "45m", cfg.Upload.Interval)
	assert.Equal(t, []int64{1001, 1002}, cfg.Telegram.OwnerUserIDs)
	assert.Equal(t, "/var/lib/uploadbot/jobs.db", cfg.DBPath())
	assert.Same(t, cfg, m.Get())

	st, err := cfg.UploadSettings()
	require.NoError(t, err)
	assert.Equal(t, 45*time.Minute, st.Interval)
	assert.Equal(t, 9, st.StartHour)
	assert.Equal(t, []time.Duration{time.Minute, 5 * time.Minute}, st.RetryBackoff)
	assert.Equal(t, DefaultRetryMax, st.RetryMax)
	assert.Equal(t, DefaultChannelsPath, st.ChannelsPath)
	assert.Equal(t, int64(DefaultMaxMediaBytes), st.MaxMediaBytes)
	assert.Equal(t, DefaultSummaryAt, st.SummaryAt)
}

func TestLoadEnvOnlyWhenFileMissing(t *testing.T) {
	t.Parallel()

	m := NewConfigManager(filepath.Join(t.TempDir(), "absent.json"))
	m.SetLookup(envMap(map[string]string{
		"TELEGRAM_TOKEN":    "t",
		"ADMIN_ID":          "5",
		"DAILY_LIMIT":       "3",
		"UPLOAD_START_HOUR": "0",
		"REDIS_ADDRESS":     "localhost:6379",
	}))

	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, "t", cfg.Telegram.Token)
	require.NotNil(t, cfg.Lock)
	assert.Equal(t, "localhost:6379", cfg.Lock.RedisAddr)
	assert.Equal(t, DefaultDBPath, cfg.DBPath())
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	m := NewConfigManager(writeFile(t, "config.json", `{"telegram":{"token":"x"},"webhooks":{}}`))
	m.SetLookup(nil)
	_, err := m.Parse()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "webhooks")
}

func TestParseRejectsTrailingData(t *testing.T) {
	t.Parallel()

	m := NewConfigManager(writeFile(t, "config.json", `{} {}`))
	m.SetLookup(nil)
	_, err := m.Parse()
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	base := func() *Config {
		return &Config{
			Telegram: TelegramConfig{Token: "t", OwnerUserIDs: []int64{1}},
			Upload:   UploadConfig{DailyLimit: 5, StartHour: 9},
		}
	}

	cases := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"ok", func(c *Config) {}, ""},
		{"summary off", func(c *Config) { c.Upload.SummaryAt = "off" }, ""},
		{"zero limit", func(c *Config) { c.Upload.DailyLimit = 0 }, "DailyLimit"},
		{"hour out of range", func(c *Config) { c.Upload.StartHour = 24 }, "StartHour"},
		{"no owners", func(c *Config) { c.Telegram.OwnerUserIDs = nil }, "OwnerUserIDs"},
		{"missing token", func(c *Config) { c.Telegram.Token = "" }, "Token"},
		{"bad interval", func(c *Config) { c.Upload.Interval = "soon" }, "upload.interval"},
		{"bad backoff", func(c *Config) { c.Upload.RetryBackoff = []string{"1m", "0s"} }, "upload.retry_backoff[1]"},
		{"bad summary time", func(c *Config) { c.Upload.SummaryAt = "25:00" }, "upload.summary_at"},
		{"bad lock addr", func(c *Config) { c.Lock = &LockConfig{RedisAddr: "nohost"} }, "RedisAddr"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := base()
			tc.mutate(c)
			err := Validate(c)
			if tc.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()

	oldCfg := &Config{Upload: UploadConfig{DailyLimit: 5}}
	newCfg := &Config{Upload: UploadConfig{DailyLimit: 6}, Thumbnail: ThumbnailConfig{Enabled: true}}

	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	assert.Equal(t, []string{"thumbnail", "upload"}, changed)
	assert.NotEmpty(t, attrs)

	changed, _ = SummarizeConfigChange(newCfg, newCfg)
	assert.Empty(t, changed)
}

func TestPublishKeepsLatest(t *testing.T) {
	t.Parallel()

	m := NewConfigManager("unused.json")
	ch := m.Subscribe(1)
	first, second := &Config{}, &Config{}
	m.publish(first)
	m.publish(second)
	assert.Same(t, second, <-ch)

	m.Unsubscribe(ch)
	_, ok := <-ch
	assert.False(t, ok)
}

func TestDetectFormat(t *testing.T) {
	t.Parallel()

	assert.Equal(t, formatJSON, detectFormat("a.JSON", []byte("x: 1")))
	assert.Equal(t, formatYAML, detectFormat("a.yml", []byte("{}")))
	assert.Equal(t, formatJSON, detectFormat("uploadbot.conf", []byte("  {\"upload\":{}}")))
	assert.Equal(t, formatYAML, detectFormat("uploadbot.conf", []byte("upload:\n  daily_limit: 2\n")))
}

func TestParseEmptyYAML(t *testing.T) {
	t.Parallel()

	m := NewConfigManager(writeFile(t, "config.yaml", "# nothing yet\n"))
	m.SetLookup(nil)
	cfg, err := m.Parse()
	require.NoError(t, err)
	assert.Empty(t, cfg.Telegram.Token)
}

func TestParseDurationList(t *testing.T) {
	t.Parallel()

	got, err := ParseDurationList("upload.retry_backoff", []string{"1m", " 90s "})
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{time.Minute, 90 * time.Second}, got)

	_, err = ParseDurationList("upload.retry_backoff", []string{"1m", "0s"})
	assert.ErrorContains(t, err, "upload.retry_backoff[1]")

	_, err = ParseDurationField("upload.interval", "-5m")
	assert.Error(t, err)
}

func TestReloadCommitsOnlyValidChanges(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "config.yaml", validYAML)
	m := NewConfigManager(path)
	m.SetLookup(nil)
	_, err := m.Load()
	require.NoError(t, err)
	ch := m.Subscribe(4)
	ctx := context.Background()

	m.reload(ctx)
	assert.Len(t, ch, 0, "unchanged file must not publish")

	require.NoError(t, os.WriteFile(path, []byte(strings.Replace(validYAML, "daily_limit: 5", "daily_limit: 8", 1)), 0o600))
	m.reload(ctx)
	require.Len(t, ch, 1)
	assert.Equal(t, 8, (<-ch).Upload.DailyLimit)

	m.SetValidator(func(context.Context, *Config) error { return errors.New("nope") })
	require.NoError(t, os.WriteFile(path, []byte(validYAML), 0o600))
	m.reload(ctx)
	assert.Len(t, ch, 0)
	assert.Equal(t, 8, m.Get().Upload.DailyLimit)
}
