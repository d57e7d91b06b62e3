package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	logx "uploadbot/pkg/logx"
)

// ErrUnknownSchedule is returned for a name that was never added.
var ErrUnknownSchedule = errors.New("unknown schedule")

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg: cfg,
		log: log.With(logx.String("comp", "scheduler")),
		// SecondOptional accepts both 5-field and 6-field specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		defs:   map[string]*scheduleDef{},
		base:   context.Background(),
	}
}

// Add registers (or replaces) a schedule. spec takes any ParseSchedule form.
func (s *Service) Add(name, spec string, timeout time.Duration, job Job) error {
	ps, err := ParseSchedule(spec)
	if err != nil {
		return err
	}
	expr := ps.CronSpec()
	if _, err := s.parser.Parse(expr); err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	def := &scheduleDef{name: name, spec: expr, timeout: timeout, job: job}
	def.wrapped = s.wrap(def)
	s.defs[name] = def
	if s.c != nil {
		return s.addCronLocked(def)
	}
	return nil
}

// AddDaily registers a job running once a day at HH:MM in the scheduler's
// timezone.
func (s *Service) AddDaily(name, hhmm string, timeout time.Duration, job Job) error {
	expr, err := DailyAt(hhmm)
	if err != nil {
		return err
	}
	return s.Add(name, "cron:"+expr, timeout, job)
}

func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(name)
}

func (s *Service) removeLocked(name string) bool {
	def, ok := s.defs[name]
	if !ok {
		return false
	}
	if s.c != nil && def.entryID != 0 {
		s.c.Remove(def.entryID)
	}
	delete(s.defs, name)
	return true
}

// Trigger runs a schedule's job now, outside its cadence. The overlap
// guard still applies.
func (s *Service) Trigger(name string) error {
	s.mu.Lock()
	def, ok := s.defs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: %w", name, ErrUnknownSchedule)
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		def.wrapped()
	}()
	return nil
}

// Entries lists schedules sorted by name with their next fire time.
func (s *Service) Entries() []ScheduleInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ScheduleInfo, 0, len(s.defs))
	for _, d := range s.defs {
		info := ScheduleInfo{Name: d.name, Spec: d.spec, Timeout: d.timeout}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			info.Next, info.Prev = e.Next, e.Prev
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Start begins firing schedules. Jobs get contexts derived from ctx.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.base, s.cancel = context.WithCancel(ctx)
	s.loc = s.loadLocationLocked()

	cl := cronLogger{log: s.log}
	s.c = cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(s.loc),
		cron.WithChain(cron.Recover(cl)),
	)
	for _, d := range s.defs {
		if err := s.addCronLocked(d); err != nil {
			s.log.Warn("schedule not registered", logx.String("name", d.name), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("service started", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.defs)))
}

// Stop halts triggering and waits for running jobs until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c, cancel := s.c, s.cancel
	s.c = nil
	for _, d := range s.defs {
		d.entryID = 0
	}
	s.mu.Unlock()

	if c == nil {
		return
	}
	done := make(chan struct{})
	go func() {
		<-c.Stop().Done()
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("stop timed out; cancelling running jobs")
	}
	if cancel != nil {
		cancel()
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) addCronLocked(d *scheduleDef) error {
	id, err := s.c.AddFunc(d.spec, d.wrapped)
	if err != nil {
		return err
	}
	d.entryID = id
	return nil
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; using UTC", logx.String("tz", tz), logx.Err(err))
		return time.UTC
	}
	return loc
}

// wrap applies the per-job timeout and skips a run while the previous one
// is still going.
func (s *Service) wrap(d *scheduleDef) func() {
	running := make(chan struct{}, 1)
	return func() {
		select {
		case running <- struct{}{}:
		default:
			s.log.Debug("previous run still going; skipped", logx.String("name", d.name))
			return
		}
		defer func() { <-running }()

		s.mu.Lock()
		base := s.base
		s.mu.Unlock()

		ctx, cancel := base, context.CancelFunc(func() {})
		if d.timeout > 0 {
			ctx, cancel = context.WithTimeout(base, d.timeout)
		}
		defer cancel()

		start := time.Now()
		if err := d.job(ctx); err != nil {
			s.log.Warn("scheduled job failed", logx.String("name", d.name), logx.Duration("took", time.Since(start)), logx.Err(err))
			return
		}
		s.log.Trace("scheduled job done", logx.String("name", d.name), logx.Duration("took", time.Since(start)))
	}
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug(msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error(msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
