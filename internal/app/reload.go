package app

import (
	"context"
	"slices"
	"strings"
	"time"

	"uploadbot/internal/config"
	logx "uploadbot/pkg/logx"
)

// restartOnly lists sections whose changes are only picked up on restart.
var restartOnly = []string{"storage", "lock", "thumbnail"}

// reloadLoop applies committed config changes to the running services.
func (a *App) reloadLoop(ctx context.Context) error {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)

	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return nil
		case cfg, ok := <-sub:
			if !ok {
				return nil
			}
			// Bursts collapse into the newest config.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						cfg = newer
					}
				default:
					drained = true
				}
			}
			a.applyConfig(ctx, last, cfg)
			last = cfg
		}
	}
}

func (a *App) applyConfig(ctx context.Context, prev, cfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, cfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	for _, s := range sections {
		if slices.Contains(restartOnly, s) {
			a.log.Warn("config section changed; restart required", logx.String("section", s))
		}
	}
	if prev != nil && prev.Telegram.Token != cfg.Telegram.Token {
		a.log.Warn("telegram token changed; restart required")
	}

	a.logs.Apply(mapLogConfig(cfg))

	owners := append([]int64(nil), cfg.Telegram.OwnerUserIDs...)
	a.owners.Store(&owners)
	a.router.SetOwners(owners)

	if err := a.engine.Apply(cfg); err != nil {
		a.log.Warn("invalid upload config; keeping previous", logx.Err(err))
	} else if _, us, err := mapEngineSettings(cfg); err == nil {
		a.maxBytes.Store(us.MaxMediaBytes)
		if prev == nil || !sameSchedule(prev, cfg) {
			if err := a.schedule(us); err != nil {
				a.log.Warn("reschedule failed", logx.Err(err))
			}
		}
	}

	if ncfg, err := mapNotifierConfig(cfg); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		wasEnabled := a.notif.Enabled()
		a.notif.Apply(ncfg)
		switch {
		case wasEnabled && !ncfg.Enabled:
			a.log.Info("notifier disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		case !wasEnabled && ncfg.Enabled:
			a.log.Info("notifier enabled via config")
			a.notif.Start(a.sup.Context())
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func sameSchedule(a, b *config.Config) bool {
	return strings.TrimSpace(a.Upload.PollInterval) == strings.TrimSpace(b.Upload.PollInterval) &&
		strings.TrimSpace(a.Upload.SummaryAt) == strings.TrimSpace(b.Upload.SummaryAt)
}
