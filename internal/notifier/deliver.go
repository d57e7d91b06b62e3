package notifier

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	logx "uploadbot/pkg/logx"
)

const sendTimeout = 10 * time.Second

func (s *Service) work(ctx context.Context, queue <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-queue:
			if !ok {
				return
			}
			s.deliver(ctx, j)
		}
	}
}

// deliver sends one alert, retrying with backoff up to RetryMax times.
func (s *Service) deliver(ctx context.Context, j job) {
	s.mu.Lock()
	cfg, lim := s.cfg, s.limiter
	s.mu.Unlock()

	text := badge(j.alert.Priority) + j.alert.Text
	ev := Event{ChatID: j.alert.ChatID, Key: j.key}
	var err error
	for attempt := 0; attempt <= cfg.RetryMax; attempt++ {
		if attempt > 0 && !sleepCtx(ctx, retryDelay(cfg, attempt)) {
			return
		}
		if lim.Wait(ctx) != nil {
			return
		}
		sctx, cancel := context.WithTimeout(ctx, sendTimeout)
		err = s.sender.SendPlain(sctx, j.alert.ChatID, text)
		cancel()
		if err == nil {
			s.history.add(HistoryItem{At: s.now(), ChatID: j.alert.ChatID, Text: text})
			s.emit(EventSent, ev)
			return
		}
		s.log.Debug("alert send failed", logx.Int("attempt", attempt+1), logx.Err(err))
	}
	s.log.Warn("alert dropped after retries", logx.Int64("chat_id", j.alert.ChatID), logx.Err(err))
	ev.Error = err.Error()
	s.emit(EventFailed, ev)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// retryDelay doubles from RetryBase per attempt, jittered by ±30% and
// capped at RetryMaxDelay.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for range attempt - 1 {
		if d >= cfg.RetryMaxDelay {
			break
		}
		d *= 2
	}
	jitter := 0.7 + 0.6*rand.Float64()
	return min(time.Duration(float64(d)*jitter), cfg.RetryMaxDelay)
}

func badge(priority int) string {
	switch {
	case priority >= 9:
		return "🚨 "
	case priority >= 7:
		return "⚠️ "
	case priority >= 5:
		return "ℹ️ "
	}
	return ""
}

// ring keeps the last n delivered alerts.
type ring struct {
	mu  sync.Mutex
	n   int
	buf []HistoryItem
}

func newRing(n int) *ring { return &ring{n: n} }

func (r *ring) add(it HistoryItem) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf = append(r.buf, it)
	if over := len(r.buf) - r.n; over > 0 {
		r.buf = append(r.buf[:0:0], r.buf[over:]...)
	}
}

func (r *ring) items() []HistoryItem {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]HistoryItem(nil), r.buf...)
}
