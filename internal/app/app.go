package app

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"uploadbot/internal/alerts"
	"uploadbot/internal/config"
	"uploadbot/internal/eventbus"
	"uploadbot/internal/notifier"
	rtsup "uploadbot/internal/runtime/supervisor"
	"uploadbot/internal/task/scheduler"
	kit "uploadbot/internal/transport"
	telegram "uploadbot/internal/transport/telegram/adapter"
	"uploadbot/internal/transport/telegram/commands"
	"uploadbot/internal/transport/telegram/router"
	logx "uploadbot/pkg/logx"
)

const (
	scheduleDispatch = "upload.dispatch"
	scheduleSummary  = "upload.summary"
)

// App is the long-running bot: Telegram front end, dispatch schedule and
// operator alerts around one Engine.
type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	engine  *Engine
	adapter *telegram.Adapter
	router  *router.Router
	sched   *scheduler.Service
	notif   *notifier.Service
	alerts  *alerts.Service

	owners   atomic.Pointer[[]int64]
	maxBytes atomic.Int64

	updates chan kit.Update
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	_, us, err := mapEngineSettings(cfg)
	if err != nil {
		return nil, err
	}

	logSvc, root := logx.New(mapLogConfig(cfg))
	log := root.With(logx.String("comp", "app"))

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, root)
	if err != nil {
		return nil, err
	}
	logSvc.SetSender(ad)

	bus := eventbus.New()
	eng, err := OpenEngine(context.Background(), cfg, bus, root)
	if err != nil {
		return nil, err
	}

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		_ = eng.Close()
		return nil, err
	}

	a := &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		engine:  eng,
		adapter: ad,
		sched:   scheduler.New(scheduler.Config{}, root),
		notif:   notifier.New(ncfg, ad, root, bus, eng.Store),
		updates: make(chan kit.Update, 256),
	}
	owners := append([]int64(nil), cfg.Telegram.OwnerUserIDs...)
	a.owners.Store(&owners)
	a.maxBytes.Store(us.MaxMediaBytes)

	a.alerts = alerts.New(alerts.Options{
		Bus:      bus,
		Notifier: a.notif,
		Admins:   a.admins,
		Reporter: eng.Reporter,
		Logger:   root,
	})

	a.router = router.New(router.Options{
		Logger:  root,
		Adapter: ad,
		Owners:  owners,
	})
	commands.New(commands.Options{
		Submitter:     eng.Submitter,
		Queue:         eng.Queue,
		Reporter:      eng.Reporter,
		Destinations:  eng.Channels,
		Audit:         eng.Store,
		MaxMediaBytes: a.maxBytes.Load,
		OnSubmitted:   a.dispatchNow,
		Logger:        root,
	}).Install(a.router)

	if err := a.schedule(us); err != nil {
		_ = eng.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) admins() []int64 {
	if p := a.owners.Load(); p != nil {
		return *p
	}
	return nil
}

// schedule registers (or replaces) the dispatch tick and the daily summary.
func (a *App) schedule(us config.UploadSettings) error {
	if err := a.sched.Add(scheduleDispatch, pollSpec(us.PollInterval), 0, a.tick); err != nil {
		return fmt.Errorf("dispatch schedule: %w", err)
	}
	if strings.EqualFold(us.SummaryAt, config.SummaryOff) {
		a.sched.Remove(scheduleSummary)
	} else if err := a.sched.AddDaily(scheduleSummary, us.SummaryAt, 2*time.Minute, a.alerts.SendSummary); err != nil {
		return fmt.Errorf("summary schedule: %w", err)
	}
	return nil
}

// logSchedules reports what is scheduled and when it fires next.
func (a *App) logSchedules() {
	for _, e := range a.sched.Entries() {
		a.log.Info("schedule", logx.String("name", e.Name), logx.String("spec", e.Spec), logx.Time("next", e.Next))
	}
}

func (a *App) tick(ctx context.Context) error {
	_, err := a.engine.Dispatcher.Tick(ctx)
	return err
}

// dispatchNow runs a tick right away, e.g. after a submission. A tick
// already in flight makes this a no-op.
func (a *App) dispatchNow() {
	if err := a.sched.Trigger(scheduleDispatch); err != nil {
		a.log.Warn("dispatch trigger failed", logx.Err(err))
	}
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapNotifierConfig(cfg); err != nil {
			return err
		}
		if _, _, err := mapLockConfig(cfg); err != nil {
			return err
		}
		_, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
		return err
	})

	rctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	n, err := a.engine.Dispatcher.Recover(rctx)
	cancel()
	if err != nil {
		return fmt.Errorf("recover interrupted jobs: %w", err)
	}
	if n > 0 {
		a.log.Info("interrupted jobs settled", logx.Int("count", n))
	}

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	a.notif.Start(a.sup.Context())

	a.sup.Go("router", func(c context.Context) error {
		return a.router.Run(c, a.updates)
	})
	a.sup.Go("alerts", a.alerts.Run)
	a.sup.Go("eventbus.log", a.logEvents)
	a.sup.Go("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.sched.Start(a.sup.Context())
	a.logSchedules()
	a.dispatchNow()

	a.log.Info("app started",
		logx.Int("channels", len(a.engine.Channels.Destinations())),
		logx.Int("owners", len(a.admins())))
	return nil
}

func (a *App) logEvents(ctx context.Context) error {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
		}
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.engine.Close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	a.step(ctx, "scheduler", 3*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "notifier", time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	a.step(ctx, "adapter", 2*time.Second, a.adapter.Stop)
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)
	a.step(ctx, "engine", 2*time.Second, func(context.Context) error { return a.engine.Close() })

	for _, st := range a.sup.Snapshot() {
		if st.Restarts > 0 || st.Panics > 0 {
			a.log.Warn("task was unstable", logx.String("name", st.Name),
				logx.Int("restarts", st.Restarts), logx.Int("panics", st.Panics), logx.String("last_err", st.LastErr))
		}
	}

	a.log.Info("stopped")
	return a.logs.Close()
}

// step runs one shutdown step bounded by limit and the caller's deadline,
// so one stuck component cannot stall the rest.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	stepCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
	}
}
