package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

const (
	DefaultInterval       = 30 * time.Minute
	DefaultPollInterval   = time.Minute
	DefaultPublishTimeout = 10 * time.Minute
	DefaultRetryMax       = 3
	DefaultChannelsPath   = "channels"
	DefaultMediaDir       = "media"
	DefaultDBPath         = "uploads.db"
	DefaultMaxMediaBytes  = 50 << 20
	DefaultSummaryAt      = "23:55"
	// SummaryOff as summary_at disables the daily summary.
	SummaryOff        = "off"
	DefaultLockKey    = "uploadbot:dispatch"
	DefaultLockTTL    = 5 * time.Minute
	DefaultThumbWidth = 1280
)

var DefaultRetryBackoff = []time.Duration{time.Minute, 5 * time.Minute}

// UploadSettings is UploadConfig with defaults applied and durations parsed.
type UploadSettings struct {
	DailyLimit     int
	Interval       time.Duration
	StartHour      int
	PollInterval   time.Duration
	PublishTimeout time.Duration
	RetryBackoff   []time.Duration
	RetryMax       int
	ChannelsPath   string
	MediaDir       string
	MaxMediaBytes  int64
	SummaryAt      string
}

// UploadSettings resolves the upload section.
func (c *Config) UploadSettings() (UploadSettings, error) {
	u := c.Upload
	s := UploadSettings{
		DailyLimit:    u.DailyLimit,
		StartHour:     u.StartHour,
		RetryMax:      u.RetryMax,
		ChannelsPath:  strings.TrimSpace(u.ChannelsPath),
		MediaDir:      strings.TrimSpace(u.MediaDir),
		MaxMediaBytes: u.MaxMediaBytes,
		SummaryAt:     strings.TrimSpace(u.SummaryAt),
	}
	var err error
	if s.Interval, err = ParseDurationOrDefault("upload.interval", u.Interval, DefaultInterval); err != nil {
		return s, err
	}
	if s.PollInterval, err = ParseDurationOrDefault("upload.poll_interval", u.PollInterval, DefaultPollInterval); err != nil {
		return s, err
	}
	if s.PublishTimeout, err = ParseDurationOrDefault("upload.publish_timeout", u.PublishTimeout, DefaultPublishTimeout); err != nil {
		return s, err
	}
	if len(u.RetryBackoff) == 0 {
		s.RetryBackoff = append([]time.Duration(nil), DefaultRetryBackoff...)
	} else if s.RetryBackoff, err = ParseDurationList("upload.retry_backoff", u.RetryBackoff); err != nil {
		return s, err
	}
	if s.RetryMax <= 0 {
		s.RetryMax = DefaultRetryMax
	}
	if s.ChannelsPath == "" {
		s.ChannelsPath = DefaultChannelsPath
	}
	if s.MediaDir == "" {
		s.MediaDir = DefaultMediaDir
	}
	if s.MaxMediaBytes <= 0 {
		s.MaxMediaBytes = DefaultMaxMediaBytes
	}
	if s.SummaryAt == "" {
		s.SummaryAt = DefaultSummaryAt
	}
	return s, nil
}

// DBPath returns the sqlite path with the default applied.
func (c *Config) DBPath() string {
	if p := strings.TrimSpace(c.Storage.Path); p != "" {
		return p
	}
	return DefaultDBPath
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct constraints and every duration field.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			parts := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				parts = append(parts, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(parts, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := cfg.UploadSettings(); err != nil {
		return err
	}
	if st, _ := cfg.UploadSettings(); !strings.EqualFold(st.SummaryAt, SummaryOff) {
		if _, err := time.Parse("15:04", st.SummaryAt); err != nil {
			return fmt.Errorf("upload.summary_at: invalid HH:MM %q", st.SummaryAt)
		}
	}
	if _, err := ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
		return err
	}
	if cfg.Lock != nil {
		if _, err := ParseDurationField("lock.ttl", cfg.Lock.TTL); err != nil {
			return err
		}
	}
	if n := cfg.Notifier; n != nil {
		for path, raw := range map[string]string{
			"notifier.retry_base":      n.RetryBase,
			"notifier.retry_max_delay": n.RetryMaxDelay,
			"notifier.dedup_window":    n.DedupWindow,
		} {
			if _, err := ParseDurationField(path, raw); err != nil {
				return err
			}
		}
	}
	return nil
}
