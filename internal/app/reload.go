package app

import (
	"context"
	"reflect"
	"strings"

	"pushworker/internal/config"
	logx "pushworker/pkg/logx"
)

// startReload applies config changes that are safe to take live: logging,
// HTTP rate limits and the schedule. Everything else is reported as needing
// a restart.
func (a *App) startReload() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case up, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts; the change is recomputed against what was applied.
			drain:
				for {
					select {
					case newer, ok := <-sub:
						if !ok {
							break drain
						}
						up = newer
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, up)
				lastApplied = up.Config
			}
		}
	})
}

func (a *App) applyConfig(ctx context.Context, oldCfg *config.Config, up config.Update) {
	newCfg := up.Config
	ch := config.SummarizeChange(oldCfg, newCfg)
	if ch.Empty() {
		a.log.Info("config reloaded (no changes)")
		return
	}

	if ch.Has("logging") {
		a.logs.Apply(newCfg.Logging.Logx())
	}
	if ch.Has("http") {
		a.web.ApplyLimits(newCfg.HTTP.RatePerSec, newCfg.HTTP.Burst)
	}
	if ch.Has("schedule") {
		a.applySchedule(ctx, newCfg)
	}
	if !reflect.DeepEqual(a.boot, up.Boot) {
		a.log.Warn("worker configuration changed; the running worker keeps the one it started with",
			logx.String("scope", up.Boot.Scope),
			logx.Bool("message_url_set", up.Boot.MessageURL != ""),
			logx.Bool("use_credentials", up.Boot.UseCredentials))
	}
	if len(ch.Restart) > 0 {
		a.log.Warn("config sections changed; restart required for them to take effect",
			logx.String("sections", strings.Join(ch.Restart, ",")))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, ch.Fields...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) applySchedule(ctx context.Context, cfg *config.Config) {
	sc, ok, err := scheduleConfig(cfg)
	if err != nil {
		a.log.Warn("invalid schedule config; keeping previous", logx.Err(err))
		return
	}
	if err := a.sched.Apply(sc); err != nil {
		a.log.Warn("invalid schedule config; keeping previous", logx.Err(err))
		return
	}
	if ok && len(sc.Pushes) > 0 {
		a.sched.Start(ctx)
		return
	}
	if err := a.sched.Stop(ctx); err != nil {
		a.log.Warn("schedule stop failed", logx.Err(err))
	}
}
