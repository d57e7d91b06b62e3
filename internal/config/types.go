package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "30s", "10m", "1h").
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Upload    UploadConfig    `json:"upload"`
	Metadata  MetadataConfig  `json:"metadata,omitempty"`
	Thumbnail ThumbnailConfig `json:"thumbnail,omitempty"`
	Storage   StorageConfig   `json:"storage"`

	// Lock guards the dispatch tick when several instances share a database
	// over a network filesystem. Omit for single-instance deployments.
	Lock     *LockConfig     `json:"lock,omitempty"`
	Notifier *NotifierConfig `json:"notifier,omitempty"`
}

type TelegramConfig struct {
	Token        string  `json:"token" validate:"required"`
	OwnerUserIDs []int64 `json:"owner_user_ids" validate:"min=1,dive,gt=0"`
	// PollTimeout is a Go duration string (e.g. "10s").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level" validate:"omitempty,oneof=trace debug info warn warning error TRACE DEBUG INFO WARN WARNING ERROR"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	Chat    LoggingChat `json:"chat"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingChat mirrors WARN+ log lines to the first owner's chat.
type LoggingChat struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec" validate:"gte=0"`
}

// UploadConfig drives the scheduling engine.
//
// Defaults (when fields are omitted/zero):
//   - interval: "30m"
//   - poll_interval: "1m"
//   - publish_timeout: "10m"
//   - retry_backoff: ["1m", "5m"]
//   - retry_max: 3
//   - channels_path: "channels"
//   - media_dir: "media"
//   - max_media_bytes: 50 MiB
//   - summary_at: "23:55"
type UploadConfig struct {
	DailyLimit     int      `json:"daily_limit" validate:"gt=0"`
	Interval       string   `json:"interval"`
	StartHour      int      `json:"start_hour" validate:"gte=0,lte=23"`
	PollInterval   string   `json:"poll_interval,omitempty"`
	PublishTimeout string   `json:"publish_timeout,omitempty"`
	RetryBackoff   []string `json:"retry_backoff,omitempty"`
	RetryMax       int      `json:"retry_max,omitempty" validate:"gte=0"`
	ChannelsPath   string   `json:"channels_path,omitempty"`
	MediaDir       string   `json:"media_dir,omitempty"`
	MaxMediaBytes  int64    `json:"max_media_bytes,omitempty" validate:"gte=0"`
	SummaryAt      string   `json:"summary_at,omitempty"`
}

// MetadataConfig points at optional JSON lists used for enrichment.
type MetadataConfig struct {
	DescriptionsFile string `json:"descriptions_file,omitempty"`
	TagsFile         string `json:"tags_file,omitempty"`
}

type ThumbnailConfig struct {
	Enabled bool   `json:"enabled"`
	FFmpeg  string `json:"ffmpeg,omitempty"`
	FFprobe string `json:"ffprobe,omitempty"`
	Width   int    `json:"width,omitempty" validate:"gte=0"`
}

// StorageConfig controls the sqlite job store.
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type LockConfig struct {
	RedisAddr string `json:"redis_addr" validate:"required,hostname_port"`
	Key       string `json:"key,omitempty"`
	TTL       string `json:"ttl,omitempty"`
}

// NotifierConfig controls the async notification pipeline.
// If the whole section is omitted, the notifier runs with defaults.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers" validate:"gte=0"`
	QueueSize       int    `json:"queue_size" validate:"gte=0"`
	RatePerSec      int    `json:"rate_per_sec" validate:"gte=0"`
	RetryMax        int    `json:"retry_max" validate:"gte=0"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries" validate:"gte=0"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`
}
