// Package adapter implements transport.Adapter on top of telebot.
package adapter

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "uploadbot/internal/runtime/supervisor"
	kit "uploadbot/internal/transport"
	logx "uploadbot/pkg/logx"
)

const defaultPollTimeout = 10 * time.Second

type Config struct {
	Token       string
	PollTimeout time.Duration
}

// Adapter forwards Telegram updates onto a channel and sends replies.
// It can be started again after Stop.
type Adapter struct {
	bot *tele.Bot
	log logx.Logger

	mu  sync.Mutex
	sup *rtsup.Supervisor // nil while stopped

	out     atomic.Pointer[chan<- kit.Update]
	dropped atomic.Uint64

	menuMu  sync.Mutex
	menuSum uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaultPollTimeout
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	bot, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: cfg.PollTimeout},
	})
	if err != nil {
		return nil, err
	}
	a := &Adapter{bot: bot, log: log.With(logx.String("comp", "telegram"))}
	a.bot.Handle(tele.OnText, a.onMessage)
	a.bot.Handle(tele.OnVideo, a.onMessage)
	a.bot.Handle(tele.OnDocument, a.onMessage)
	a.bot.Handle(tele.OnCallback, a.onCallback)
	return a, nil
}

func (a *Adapter) onMessage(c tele.Context) error {
	if m := c.Message(); m != nil {
		a.forward(kit.Update{Kind: kit.UpdateMessage, Message: convertMessage(m)})
	}
	return nil
}

func (a *Adapter) onCallback(c tele.Context) error {
	cb, m := c.Callback(), c.Message()
	if cb == nil || m == nil || m.Chat == nil {
		return nil
	}
	up := &kit.Callback{
		ID:        cb.ID,
		ChatID:    m.Chat.ID,
		ThreadID:  m.ThreadID,
		MessageID: m.ID,
		Data:      cb.Data,
	}
	if cb.Sender != nil {
		up.FromID = cb.Sender.ID
	}
	a.forward(kit.Update{Kind: kit.UpdateCallback, Callback: up})
	return nil
}

// convertMessage maps text, video and document messages. Captions stand in
// for text on media messages.
func convertMessage(m *tele.Message) *kit.Message {
	msg := &kit.Message{ID: m.ID, ThreadID: m.ThreadID, Text: m.Text}
	if m.Chat != nil {
		msg.ChatID = m.Chat.ID
		msg.IsGroup = m.Chat.Type == tele.ChatGroup || m.Chat.Type == tele.ChatSuperGroup
	}
	if m.Sender != nil {
		msg.FromID, msg.FromUsername = m.Sender.ID, m.Sender.Username
	}
	switch {
	case m.Video != nil:
		v := m.Video
		msg.Text = m.Caption
		msg.Media = &kit.Media{FileID: v.FileID, FileName: v.FileName, MimeType: v.MIME, Size: v.FileSize, Duration: v.Duration, IsVideo: true}
	case m.Document != nil:
		d := m.Document
		msg.Text = m.Caption
		msg.Media = &kit.Media{FileID: d.FileID, FileName: d.FileName, MimeType: d.MIME, Size: d.FileSize}
	}
	return msg
}

// forward never blocks the poller; a full channel drops the update.
func (a *Adapter) forward(up kit.Update) {
	p := a.out.Load()
	if p == nil {
		return
	}
	select {
	case *p <- up:
	default:
		a.dropped.Add(1)
	}
}

func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sup != nil {
		return nil
	}
	a.out.Store(&out)
	// Poller failures restart the poller; they never cancel the app.
	sup := rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(false))
	a.sup = sup

	sup.Go("telegram.drops", func(c context.Context) error {
		t := time.NewTicker(5 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				a.reportDrops(cap(out))
				return nil
			case <-t.C:
				a.reportDrops(cap(out))
			}
		}
	})
	sup.Go("telegram.halt", func(c context.Context) error {
		<-c.Done()
		a.bot.Stop()
		return nil
	})
	sup.GoRestart("telegram.poll", func(c context.Context) error {
		a.log.Info("polling started")
		a.bot.Start()
		if c.Err() != nil {
			a.log.Info("polling stopped")
			return nil
		}
		return errors.New("poller returned early")
	}, rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
	return nil
}

func (a *Adapter) reportDrops(capacity int) {
	if n := a.dropped.Swap(0); n > 0 {
		a.log.Warn("updates dropped, consumer too slow",
			logx.Int64("count", int64(n)), logx.Int("capacity", capacity))
	}
}

// Stop halts polling. It waits at most two seconds, less if ctx expires
// sooner, since a long poll may still be in flight.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	sup := a.sup
	a.sup = nil
	a.out.Store(nil)
	a.mu.Unlock()
	if sup == nil {
		return nil
	}

	sup.Cancel()
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	err := sup.Wait(wctx)
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		a.log.Warn("telegram stop timed out", logx.Err(err))
	default:
		a.log.Debug("telegram stopped with error", logx.Err(err))
	}
	return nil
}
