// Package supervisor runs named goroutines under one cancellable context
// with panic recovery and optional restart.
package supervisor

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	logx "uploadbot/pkg/logx"
)

// healthyRun resets the restart backoff.
const healthyRun = 30 * time.Second

type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log         logx.Logger
	cancelOnErr bool
	wg          sync.WaitGroup

	mu    sync.Mutex
	err   error
	stats map[string]*Stats
}

// Stats counts what happened to the goroutines started under one name.
type Stats struct {
	Name     string
	Active   int
	Restarts int
	Panics   int
	LastErr  string
	LastStop time.Time
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError cancels the shared context on the first failure.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func New(parent context.Context, opts ...Option) *Supervisor {
	s := &Supervisor{stats: make(map[string]*Stats), log: logx.Nop()}
	s.ctx, s.cancel = context.WithCancel(parent)
	for _, opt := range opts {
		opt(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the shared context without waiting.
func (s *Supervisor) Cancel() { s.cancel() }

// Err returns the first recorded failure.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Supervisor) fail(name string, err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = fmt.Errorf("%s: %w", name, err)
	}
	s.mu.Unlock()
	if s.cancelOnErr {
		s.cancel()
	}
}

func (s *Supervisor) update(name string, fn func(*Stats)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stats[name]
	if !ok {
		st = &Stats{Name: name}
		s.stats[name] = st
	}
	fn(st)
}

// Snapshot returns a copy of the stats, sorted by name.
func (s *Supervisor) Snapshot() []Stats {
	s.mu.Lock()
	out := make([]Stats, 0, len(s.stats))
	for _, st := range s.stats {
		out = append(out, *st)
	}
	s.mu.Unlock()
	slices.SortFunc(out, func(a, b Stats) int { return cmp.Compare(a.Name, b.Name) })
	return out
}

// call runs fn once and reports a panic as an error.
func (s *Supervisor) call(name string, fn func(ctx context.Context) error) (err error) {
	s.update(name, func(st *Stats) { st.Active++ })
	defer func() {
		r := recover()
		if r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("goroutine panicked", logx.String("name", name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
		s.update(name, func(st *Stats) {
			st.Active--
			st.LastStop = time.Now()
			if r != nil {
				st.Panics++
			}
			if err != nil {
				st.LastErr = err.Error()
			}
		})
	}()
	return fn(s.ctx)
}

func canceled(err error) bool { return errors.Is(err, context.Canceled) }

// Go runs fn once. An error other than cancellation is recorded.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.call(name, fn); err != nil && !canceled(err) {
			s.fail(name, err)
		}
	}()
}

type restartPolicy struct {
	min, max    time.Duration
	maxRestarts int
}

type RestartOption func(*restartPolicy)

func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(p *restartPolicy) {
		if min > 0 {
			p.min = min
		}
		if max >= p.min {
			p.max = max
		}
	}
}

// WithMaxRestarts gives up after n restarts; zero means unlimited.
func WithMaxRestarts(n int) RestartOption { return func(p *restartPolicy) { p.maxRestarts = n } }

// GoRestart runs fn until it returns nil or the context ends. Errors and
// panics restart it after a jittered, doubling backoff.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	p := restartPolicy{min: 250 * time.Millisecond, max: 30 * time.Second}
	for _, opt := range opts {
		opt(&p)
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.restartLoop(name, fn, p)
	}()
}

func (s *Supervisor) restartLoop(name string, fn func(ctx context.Context) error, p restartPolicy) {
	backoff := p.min
	for restarts := 0; ; restarts++ {
		began := time.Now()
		err := s.call(name, fn)
		if err == nil || canceled(err) || s.ctx.Err() != nil {
			return
		}
		if p.maxRestarts > 0 && restarts >= p.maxRestarts {
			s.log.Error("goroutine gave up", logx.String("name", name), logx.Int("restarts", restarts), logx.Err(err))
			s.fail(name, err)
			return
		}
		if time.Since(began) >= healthyRun {
			backoff = p.min
		}
		wait := backoff + rand.N(backoff/5+1)
		backoff = min(2*backoff, p.max)
		s.update(name, func(st *Stats) { st.Restarts++ })
		s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))

		select {
		case <-s.ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// Stop cancels and waits for every goroutine until ctx is done.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every goroutine returned or ctx ends.
func (s *Supervisor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}
