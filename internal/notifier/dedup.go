package notifier

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	logx "uploadbot/pkg/logx"
)

type dedupWrite struct {
	key   string
	until time.Time
}

// dedupCache maps alert keys to the end of their suppression window.
type dedupCache struct {
	mu    sync.Mutex
	until map[string]time.Time
}

func newDedupCache() *dedupCache { return &dedupCache{until: map[string]time.Time{}} }

func (c *dedupCache) active(key string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	u, ok := c.until[key]
	return ok && now.Before(u)
}

// mark records a window, drops expired entries, then evicts the entries
// closest to expiry until at most limit remain.
func (c *dedupCache) mark(key string, until, now time.Time, limit int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.until[key] = until
	for k, u := range c.until {
		if !now.Before(u) {
			delete(c.until, k)
		}
	}
	for len(c.until) > limit {
		var victim string
		var first time.Time
		for k, u := range c.until {
			if victim == "" || u.Before(first) {
				victim, first = k, u
			}
		}
		delete(c.until, victim)
	}
}

// admit reports whether key may be sent now and, if so, opens its window.
// The persistent store is consulted when memory has no live entry, so a
// window survives restarts.
func (s *Service) admit(ctx context.Context, key string, cfg Config, persist chan<- dedupWrite) bool {
	now := s.now()
	if s.seen.active(key, now) {
		return false
	}
	if persist != nil {
		lctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		until, ok, err := s.store.GetDedup(lctx, key)
		cancel()
		if err == nil && ok && now.Before(until) {
			s.seen.mark(key, until, now, cfg.DedupMaxEntries)
			return false
		}
	}

	until := now.Add(cfg.DedupWindow)
	s.seen.mark(key, until, now, cfg.DedupMaxEntries)
	if persist != nil {
		select {
		case persist <- dedupWrite{key: key, until: until}:
		default:
		}
	}
	return true
}

func (s *Service) persistDedup(ctx context.Context, writes <-chan dedupWrite) {
	for w := range writes {
		wctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
		if err := s.store.PutDedup(wctx, w.key, w.until); err != nil {
			s.log.Debug("dedup persist failed", logx.String("key", w.key), logx.Err(err))
		}
		cancel()
	}
}

// contentKey derives a dedup key from chat, priority and text.
func contentKey(a Alert) string {
	h := fnv.New64a()
	_, _ = fmt.Fprintf(h, "%d\x00%d\x00%s", a.ChatID, a.Priority, a.Text)
	return fmt.Sprintf("%016x", h.Sum64())
}
