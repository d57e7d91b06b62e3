package notifier

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"uploadbot/internal/eventbus"
	rtsup "uploadbot/internal/runtime/supervisor"
	logx "uploadbot/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

// Bus event types.
const (
	EventSent    = "notifier.sent"
	EventFailed  = "notifier.failed"
	EventDeduped = "notifier.deduped"
	EventDropped = "notifier.dropped"
)

type job struct {
	alert Alert
	key   string
}

// run is one Start..Stop cycle.
type run struct {
	sup     *rtsup.Supervisor
	queue   chan job
	persist chan dedupWrite // nil without a persistent store
	open    bool
	sending sync.WaitGroup
}

// Service queues alerts and delivers them with rate limiting, retries and
// duplicate suppression. It is safe for concurrent use and may be started
// again after Stop.
type Service struct {
	log    logx.Logger
	sender Sender
	bus    eventbus.Bus
	store  DedupStore
	now    func() time.Time

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	cur     *run

	seen    *dedupCache
	history *ring
}

// New builds the service. bus and store may be nil.
func New(cfg Config, sender Sender, log logx.Logger, bus eventbus.Bus, store DedupStore) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:     log.With(logx.String("comp", "notifier")),
		sender:  sender,
		bus:     bus,
		store:   store,
		now:     time.Now,
		seen:    newDedupCache(),
		history: newRing(300),
	}
	s.Apply(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps rate, retry and dedup settings. Workers and QueueSize apply
// on the next Start.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	s.mu.Unlock()
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 1
	}
	c.RetryMax = max(c.RetryMax, 0)
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	if c.DedupMaxEntries <= 0 {
		c.DedupMaxEntries = 2000
	}
	return c
}

// Start launches the workers. It does nothing when disabled or running.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur != nil || !s.cfg.Enabled {
		return
	}
	r := &run{
		sup:   rtsup.New(ctx, rtsup.WithLogger(s.log)),
		queue: make(chan job, s.cfg.QueueSize),
		open:  true,
	}
	if s.cfg.PersistDedup && s.store != nil {
		r.persist = make(chan dedupWrite, 256)
		r.sup.Go("notifier.persist", func(c context.Context) error {
			s.persistDedup(c, r.persist)
			return nil
		})
	}
	for i := range s.cfg.Workers {
		r.sup.GoRestart("notifier.worker."+strconv.Itoa(i), func(c context.Context) error {
			s.work(c, r.queue)
			return nil
		})
	}
	s.cur = r
}

// Stop closes intake and lets the workers drain the queue until ctx ends.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	r := s.cur
	if r == nil {
		s.mu.Unlock()
		return
	}
	r.open = false
	s.mu.Unlock()

	// After this no Notify holds the queue.
	r.sending.Wait()
	close(r.queue)
	if r.persist != nil {
		close(r.persist)
	}
	if err := r.sup.Wait(ctx); err != nil && errors.Is(err, ctx.Err()) {
		r.sup.Cancel()
		s.log.Warn("notifier stop timed out; alerts abandoned", logx.Int("pending", len(r.queue)))
	}

	s.mu.Lock()
	s.cur = nil
	s.mu.Unlock()
}

// Notify enqueues an alert. A duplicate inside the dedup window is
// swallowed and returns nil.
func (s *Service) Notify(ctx context.Context, a Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	cfg, r := s.cfg, s.cur
	switch {
	case !cfg.Enabled:
		s.mu.Unlock()
		return ErrDisabled
	case r == nil || !r.open:
		s.mu.Unlock()
		return ErrStopped
	}
	r.sending.Add(1)
	s.mu.Unlock()
	defer r.sending.Done()

	key := a.Key
	if key == "" {
		key = contentKey(a)
	}
	ev := Event{ChatID: a.ChatID, Key: key}
	if cfg.DedupWindow > 0 && !s.admit(ctx, key, cfg, r.persist) {
		s.emit(EventDeduped, ev)
		return nil
	}
	select {
	case r.queue <- job{alert: a, key: key}:
		return nil
	default:
		ev.Error = ErrQueueFull.Error()
		s.emit(EventDropped, ev)
		return ErrQueueFull
	}
}

// History returns recently delivered alerts, oldest first.
func (s *Service) History() []HistoryItem { return s.history.items() }

func (s *Service) emit(typ string, ev Event) {
	if s.bus == nil {
		return
	}
	ev.At = s.now()
	s.bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: ev})
}
