package config

import (
	"fmt"
	"strconv"
	"strings"
)

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// applyEnv layers environment overrides on top of the file contents.
func applyEnv(cfg *Config, lookup LookupFunc) error {
	if lookup == nil {
		return nil
	}
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("env %s: %w", key, err)
		}
		*dst = n
		return nil
	}

	str("TELEGRAM_TOKEN", &cfg.Telegram.Token)
	str("CHANNELS_PATH", &cfg.Upload.ChannelsPath)
	str("DB_PATH", &cfg.Storage.Path)

	if v, ok := lookup("ADMIN_ID"); ok && strings.TrimSpace(v) != "" {
		ids, err := parseIDList(v)
		if err != nil {
			return fmt.Errorf("env ADMIN_ID: %w", err)
		}
		cfg.Telegram.OwnerUserIDs = ids
	}
	if err := num("DAILY_LIMIT", &cfg.Upload.DailyLimit); err != nil {
		return err
	}
	if err := num("UPLOAD_START_HOUR", &cfg.Upload.StartHour); err != nil {
		return err
	}
	var minutes int
	if err := num("UPLOAD_INTERVAL_MINUTES", &minutes); err != nil {
		return err
	}
	if minutes > 0 {
		cfg.Upload.Interval = fmt.Sprintf("%dm", minutes)
	}
	if v, ok := lookup("REDIS_ADDRESS"); ok && strings.TrimSpace(v) != "" {
		if cfg.Lock == nil {
			cfg.Lock = &LockConfig{}
		}
		cfg.Lock.RedisAddr = strings.TrimSpace(v)
	}
	return nil
}

func parseIDList(raw string) ([]int64, error) {
	parts := strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == ' ' })
	out := make([]int64, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}
