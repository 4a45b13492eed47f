package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"pushworker/internal/bootcfg"
	"pushworker/internal/click"
	"pushworker/internal/clients"
	"pushworker/internal/codec"
	"pushworker/internal/config"
	"pushworker/internal/dispatch"
	"pushworker/internal/eventbus"
	"pushworker/internal/host"
	"pushworker/internal/message"
	"pushworker/internal/notifications"
	"pushworker/internal/observability/metrics"
	rtsup "pushworker/internal/runtime/supervisor"
	"pushworker/internal/schedule"
	"pushworker/internal/transport/telegram"
	"pushworker/internal/transport/web"
	"pushworker/internal/worker"
	logx "pushworker/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	boot bootcfg.Config // worker Configuration the running worker was built with
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	center  *notifications.Center
	windows *web.Windows
	host    *host.Host
	metrics *metrics.Metrics
	web     *web.Service
	mirror  *telegram.Mirror // nil unless telegram.enabled
	sched   *schedule.Service
}

// New loads the config and builds every component. Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(cfg.Logging.Logx())
	comp := func(name string) logx.Logger { return log.With(logx.String("comp", name)) }

	boot := cfgm.Boot()

	a := &App{cfgPath: cfgPath, cfgm: cfgm, logs: logSvc, boot: boot}

	bus := eventbus.New()
	windows := web.NewWindows(cfg.Host.OpenCommand, bus, comp("web"))
	caps := cfg.Worker.Capabilities(windows.CanOpen())
	center := notifications.New(caps.NotificationData, bus, comp("notifications"))

	registry := clients.New(windows, caps, comp("clients"))
	cdc := codec.New(caps)
	resolver := message.NewResolver(boot,
		message.WithCredentials(message.Credentials{
			Authorization: cfg.Worker.Credentials.Authorization,
			Cookies:       cfg.Worker.Credentials.Cookies,
		}),
		message.WithLogger(comp("resolver")),
	)
	engine := dispatch.New(boot, registry, cdc, center, bus, comp("dispatch"))
	router := click.New(boot, registry, windows, cdc, caps, bus, comp("click"))
	wk := worker.New(resolver, engine, router, bus, comp("worker"))

	h := host.New(host.Config{
		QueueSize:    orDefault(cfg.Host.QueueSize, config.DefaultQueueSize),
		EventTimeout: cfg.Host.EventTimeoutDuration(),
		HistorySize:  orDefault(cfg.Host.HistorySize, config.DefaultHistorySize),
	}, wk, bus, comp("host"))

	m := metrics.New(comp("metrics"))

	timeouts, err := cfg.HTTP.Timeouts()
	if err != nil {
		return nil, err
	}
	webSvc := web.New(web.Config{
		Addr:         orDefaultString(cfg.HTTP.Addr, config.DefaultHTTPAddr),
		RatePerSec:   cfg.HTTP.RatePerSec,
		Burst:        cfg.HTTP.Burst,
		ReadTimeout:  timeouts.Read,
		WriteTimeout: timeouts.Write,
		IdleTimeout:  timeouts.Idle,
		Pprof:        cfg.HTTP.Pprof,
	}, web.Deps{
		Injector:      h,
		Notifications: center,
		Windows:       windows,
		Metrics:       m.Handler(),
		Observer:      m,
		Health:        a.health,
	}, comp("web"))

	var mirror *telegram.Mirror
	if t := cfg.Telegram; t != nil && t.Enabled {
		tcfg := telegram.Config{
			Token:       t.Token,
			ChatID:      t.ChatID,
			ThreadID:    t.ThreadID,
			PollTimeout: t.PollTimeoutDuration(),
			RatePerSec:  t.RatePerSec,
		}
		bot, err := telegram.NewBot(tcfg)
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		mirror = telegram.New(tcfg, bot, center, h, bus, comp("telegram"))
	}

	sched := schedule.New(h, comp("schedule"))
	if sc, ok, err := scheduleConfig(cfg); err != nil {
		return nil, err
	} else if ok {
		if err := sched.Apply(sc); err != nil {
			return nil, err
		}
	}

	a.log = comp("app")
	a.log.Info("worker registered",
		logx.String("scope", boot.Scope),
		logx.Bool("message_url", boot.MessageURL != ""),
		logx.Any("capabilities", caps),
		logx.Bool("native_data", cdc.Native()),
	)

	a.bus = bus
	a.center = center
	a.windows = windows
	a.host = h
	a.metrics = m
	a.web = webSvc
	a.mirror = mirror
	a.sched = sched
	return a, nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func orDefaultString(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return strings.TrimSpace(v)
}

// scheduleConfig maps the schedule section; ok is false when it is disabled.
func scheduleConfig(cfg *config.Config) (schedule.Config, bool, error) {
	s := cfg.Schedule
	if s == nil || !s.Enabled {
		return schedule.Config{}, false, nil
	}
	loc, err := s.Location()
	if err != nil {
		return schedule.Config{}, false, err
	}
	out := schedule.Config{Location: loc, Pushes: make([]schedule.Push, 0, len(s.Pushes))}
	for _, p := range s.Pushes {
		out.Pushes = append(out.Pushes, schedule.Push{Name: p.Name, Spec: p.Spec})
	}
	return out, true, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if sc, ok, err := scheduleConfig(cfg); err != nil {
			return err
		} else if ok {
			for _, p := range sc.Pushes {
				if _, err := schedule.ParseSpec(p.Spec); err != nil {
					return fmt.Errorf("schedule.pushes[%s]: %w", p.Name, err)
				}
			}
		}
		return nil
	})

	a.sup.Go("host.loop", a.host.Run)
	a.sup.Go("metrics.collect", func(c context.Context) error { return a.metrics.Run(c, a.bus) })

	a.web.Start(a.sup.Context())
	if a.mirror != nil {
		a.mirror.Start(a.sup.Context())
	}
	if sc, ok, _ := scheduleConfig(a.cfgm.Get()); ok && len(sc.Pushes) > 0 {
		a.sched.Start(a.sup.Context())
	}

	// Debug trail of everything on the bus.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type))
			}
		}
	})

	a.startReload()
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.notifyReady()
	a.log.Info("app started", logx.String("http_addr", orDefaultString(a.cfgm.Get().HTTP.Addr, config.DefaultHTTPAddr)))
	return nil
}

func (a *App) health() any {
	snap := a.host.Snapshot()
	return map[string]any{
		"queue_len":     snap.QueueLen,
		"queue_cap":     snap.QueueCap,
		"handled":       snap.Handled,
		"dropped":       snap.Dropped,
		"stopping":      snap.Stopping,
		"windows":       a.windows.Len(),
		"notifications": a.center.Len(),
		"goroutines":    a.sup.Counters(),
		"schedule":      a.sched.Entries(),
	}
}

// Stop stops intake first, drains the event loop so accepted events finish
// against live windows, and only then stops the web surface.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.notifyStopping()

	step := a.stepRunner(ctx)
	step("schedule", 2*time.Second, a.sched.Stop)
	step("telegram", 3*time.Second, func(c context.Context) error {
		if a.mirror != nil {
			return a.mirror.Stop(c)
		}
		return nil
	})
	step("host", 10*time.Second, a.host.Stop)
	step("web", 3*time.Second, a.web.Stop)

	a.sup.Cancel()
	step("supervisor", 2*time.Second, func(c context.Context) error {
		err := a.sup.Wait(c)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
