package notifier

import (
	"context"
	"time"
)

// Config controls the alert pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
}

// Alert is one message for one chat.
type Alert struct {
	ChatID   int64
	Priority int // 0 low .. 10 high
	Text     string
	// Key overrides the dedup key; empty derives it from the content.
	Key string
}

// Sender delivers plain text to a chat.
type Sender interface {
	SendPlain(ctx context.Context, chatID int64, text string) error
}

// DedupStore persists suppression windows across restarts.
type DedupStore interface {
	GetDedup(ctx context.Context, key string) (time.Time, bool, error)
	PutDedup(ctx context.Context, key string, until time.Time) error
}

type HistoryItem struct {
	At     time.Time
	ChatID int64
	Text   string
}

// Event is published on the bus for alert lifecycle changes.
type Event struct {
	ChatID int64     `json:"chat_id"`
	Key    string    `json:"key"`
	At     time.Time `json:"at"`
	Error  string    `json:"error,omitempty"`
}
