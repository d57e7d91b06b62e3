package config

import (
	"reflect"
	"sort"
	"strings"

	logx "uploadbot/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe
// attrs for logging. Secrets (bot token, redis address) are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Telegram.Token != newCfg.Telegram.Token ||
		strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) ||
		!reflect.DeepEqual(oldCfg.Telegram.OwnerUserIDs, newCfg.Telegram.OwnerUserIDs) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Int("telegram.owner_count", len(newCfg.Telegram.OwnerUserIDs)),
			logx.Bool("telegram.token_changed", oldCfg.Telegram.Token != newCfg.Telegram.Token),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.chat_enabled", newCfg.Logging.Chat.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Upload, newCfg.Upload) {
		changed = append(changed, "upload")
		attrs = append(attrs,
			logx.Int("upload.daily_limit", newCfg.Upload.DailyLimit),
			logx.String("upload.interval", newCfg.Upload.Interval),
			logx.Int("upload.start_hour", newCfg.Upload.StartHour),
			logx.Int("upload.retry_max", newCfg.Upload.RetryMax),
		)
	}

	if !reflect.DeepEqual(oldCfg.Metadata, newCfg.Metadata) {
		changed = append(changed, "metadata")
	}
	if !reflect.DeepEqual(oldCfg.Thumbnail, newCfg.Thumbnail) {
		changed = append(changed, "thumbnail")
		attrs = append(attrs, logx.Bool("thumbnail.enabled", newCfg.Thumbnail.Enabled))
	}
	if oldCfg.DBPath() != newCfg.DBPath() ||
		strings.TrimSpace(oldCfg.Storage.BusyTimeout) != strings.TrimSpace(newCfg.Storage.BusyTimeout) {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.Bool("storage.restart_required", true))
	}
	if (oldCfg.Lock == nil) != (newCfg.Lock == nil) ||
		(oldCfg.Lock != nil && !reflect.DeepEqual(*oldCfg.Lock, *newCfg.Lock)) {
		changed = append(changed, "lock")
		attrs = append(attrs, logx.Bool("lock.enabled", newCfg.Lock != nil))
	}

	oldN, newN := oldCfg.Notifier, newCfg.Notifier
	if (oldN == nil) != (newN == nil) || (oldN != nil && !reflect.DeepEqual(*oldN, *newN)) {
		changed = append(changed, "notifier")
		if newN != nil {
			attrs = append(attrs,
				logx.Bool("notifier.enabled", newN.Enabled),
				logx.Int("notifier.rate_per_sec", newN.RatePerSec),
			)
		}
	}

	sort.Strings(changed)
	return changed, attrs
}
