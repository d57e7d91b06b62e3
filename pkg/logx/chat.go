package logx

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

type chatLine struct {
	chatID int64
	text   string
}

// chatSink is a zerolog.LevelWriter that forwards lines to a chat from one
// background goroutine. Writes never block; lines over the rate or queue
// limit are dropped.
type chatSink struct {
	sender atomic.Pointer[ChatSender]
	queue  chan chatLine

	mu       sync.Mutex
	chatID   int64
	minLevel zerolog.Level
	limiter  *rate.Limiter

	start  sync.Once
	cancel context.CancelFunc
	done   chan struct{}
}

func newChatSink() *chatSink {
	return &chatSink{queue: make(chan chatLine, 256), minLevel: zerolog.WarnLevel}
}

func (c *chatSink) setSender(s ChatSender) { c.sender.Store(&s) }

func (c *chatSink) currentSender() ChatSender {
	if p := c.sender.Load(); p != nil {
		return *p
	}
	return nil
}

func (c *chatSink) configure(cfg ChatConfig) {
	rps := max(1, cfg.RatePerSec)
	c.mu.Lock()
	c.chatID = cfg.ChatID
	c.minLevel = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	c.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	c.mu.Unlock()

	if cfg.Enabled {
		c.start.Do(func() {
			ctx, cancel := context.WithCancel(context.Background())
			c.mu.Lock()
			c.cancel, c.done = cancel, make(chan struct{})
			done := c.done
			c.mu.Unlock()
			go c.run(ctx, done)
		})
	}
}

func (c *chatSink) run(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case l := <-c.queue:
			if s := c.currentSender(); s != nil {
				_ = s.SendPlain(ctx, l.chatID, l.text)
			}
		}
	}
}

func (c *chatSink) close() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (c *chatSink) Write(p []byte) (int, error) { return c.WriteLevel(zerolog.InfoLevel, p) }

func (c *chatSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	c.mu.Lock()
	chatID, minLevel, lim := c.chatID, c.minLevel, c.limiter
	c.mu.Unlock()

	if chatID == 0 || level < minLevel || c.currentSender() == nil || !lim.Allow() {
		return len(p), nil
	}
	if text := formatChatLine(p); text != "" {
		select {
		case c.queue <- chatLine{chatID: chatID, text: text}:
		default:
		}
	}
	return len(p), nil
}
