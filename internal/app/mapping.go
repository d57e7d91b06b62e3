package app

import (
	"fmt"
	"strings"
	"time"

	"uploadbot/internal/config"
	"uploadbot/internal/lock"
	"uploadbot/internal/notifier"
	"uploadbot/internal/storage"
	"uploadbot/internal/upload"
	logx "uploadbot/pkg/logx"
)

// mapLogConfig mirrors chat log lines to the first owner.
func mapLogConfig(cfg *config.Config) logx.Config {
	lc := logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Chat: logx.ChatConfig{
			Enabled:    cfg.Logging.Chat.Enabled,
			MinLevel:   cfg.Logging.Chat.MinLevel,
			RatePerSec: cfg.Logging.Chat.RatePerSec,
		},
	}
	if len(cfg.Telegram.OwnerUserIDs) > 0 {
		lc.Chat.ChatID = cfg.Telegram.OwnerUserIDs[0]
	} else {
		lc.Chat.Enabled = false
	}
	return lc
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Path: cfg.DBPath(), BusyTimeout: busy}, nil
}

// mapEngineSettings resolves the upload section into dispatcher settings.
func mapEngineSettings(cfg *config.Config) (upload.Settings, config.UploadSettings, error) {
	us, err := cfg.UploadSettings()
	if err != nil {
		return upload.Settings{}, us, err
	}
	return upload.Settings{
		DailyLimit:     us.DailyLimit,
		Interval:       us.Interval,
		StartHour:      us.StartHour,
		PublishTimeout: us.PublishTimeout,
		Policy: upload.Policy{
			Backoff:     us.RetryBackoff,
			MaxAttempts: us.RetryMax,
		},
	}, us, nil
}

// mapLockConfig reports ok=false when no lock section is configured.
func mapLockConfig(cfg *config.Config) (lock.Config, bool, error) {
	if cfg.Lock == nil || strings.TrimSpace(cfg.Lock.RedisAddr) == "" {
		return lock.Config{}, false, nil
	}
	ttl, err := config.ParseDurationOrDefault("lock.ttl", cfg.Lock.TTL, config.DefaultLockTTL)
	if err != nil {
		return lock.Config{}, false, err
	}
	key := strings.TrimSpace(cfg.Lock.Key)
	if key == "" {
		key = config.DefaultLockKey
	}
	return lock.Config{Addr: strings.TrimSpace(cfg.Lock.RedisAddr), Key: key, TTL: ttl}, true, nil
}

// mapNotifierConfig parses the notifier section. An omitted section means
// enabled with defaults.
func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	out := notifier.Config{
		Enabled:         true,
		Workers:         2,
		QueueSize:       512,
		RatePerSec:      3,
		RetryMax:        3,
		RetryBase:       500 * time.Millisecond,
		RetryMaxDelay:   10 * time.Second,
		DedupWindow:     time.Minute,
		DedupMaxEntries: 2000,
	}
	if cfg == nil || cfg.Notifier == nil {
		return out, nil
	}
	n := cfg.Notifier
	out.Enabled = n.Enabled
	out.PersistDedup = n.PersistDedup
	if n.Workers != 0 {
		out.Workers = n.Workers
	}
	if n.QueueSize != 0 {
		out.QueueSize = n.QueueSize
	}
	if n.RatePerSec != 0 {
		out.RatePerSec = n.RatePerSec
	}
	if n.RetryMax != 0 {
		out.RetryMax = n.RetryMax
	}
	if n.DedupMaxEntries != 0 {
		out.DedupMaxEntries = n.DedupMaxEntries
	}

	var err error
	if out.RetryBase, err = config.ParseDurationOrDefault("notifier.retry_base", n.RetryBase, out.RetryBase); err != nil {
		return notifier.Config{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationOrDefault("notifier.retry_max_delay", n.RetryMaxDelay, out.RetryMaxDelay); err != nil {
		return notifier.Config{}, err
	}
	if out.DedupWindow, err = config.ParseDurationOrDefault("notifier.dedup_window", n.DedupWindow, out.DedupWindow); err != nil {
		return notifier.Config{}, err
	}
	if out.RetryBase > out.RetryMaxDelay {
		return notifier.Config{}, fmt.Errorf("notifier.retry_base (%s) exceeds notifier.retry_max_delay (%s)", out.RetryBase, out.RetryMaxDelay)
	}
	return out, nil
}

func pollSpec(every time.Duration) string {
	return "every:" + every.String()
}
