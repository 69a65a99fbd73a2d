package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"rotabot/internal/auth"
	"rotabot/internal/config"
	"rotabot/internal/eventbus"
	"rotabot/internal/executor"
	"rotabot/internal/health"
	"rotabot/internal/keepalive"
	"rotabot/internal/observability/metrics"
	"rotabot/internal/orchestrator"
	"rotabot/internal/runtime/sdnotify"
	"rotabot/internal/runtime/supervisor"
	"rotabot/internal/schedule"
	"rotabot/internal/state"
	"rotabot/internal/storage"
	"rotabot/internal/task/scheduler"
	logx "rotabot/pkg/logx"
)

// Options configures New. Zero values are fine.
type Options struct {
	ConfigPath string
	Viper      *viper.Viper
	// HealthAddr overrides the listen address derived from health.port.
	HealthAddr string
	// Executor overrides the backend selected by executor.driver.
	Executor executor.Executor
}

type App struct {
	cfgm *config.ConfigManager
	cfg  *config.Config
	env  config.EnvResult

	log  logx.Logger
	logs *logx.Service

	bus     eventbus.Bus
	store   storage.Store
	state   *state.Registry
	metrics *metrics.Metrics
	exec    executor.Executor

	sup        *supervisor.Supervisor
	sched      *scheduler.Service
	health     *health.Service
	healthAddr string
	ping       *keepalive.Pinger
	notify     *sdnotify.Notifier

	specs []schedule.WorkerSpec
}

func New(opts Options) (*App, error) {
	loaded, err := config.Load(opts.ConfigPath, opts.Viper)
	if err != nil {
		return nil, err
	}
	cfg := loaded.Config

	sender, err := alertSender(cfg)
	if err != nil {
		return nil, err
	}
	logSvc, log := logx.New(mapLoggingConfig(cfg), sender)
	appLog := log.With(logx.String("comp", "app"))

	if loaded.GroupsErr != nil {
		appLog.Error("group list is malformed; running with zero groups", logx.Err(loaded.GroupsErr))
	}
	for _, e := range loaded.Env.Invalid {
		appLog.Warn("ignoring invalid environment value", logx.Err(e))
	}

	exec := opts.Executor
	if exec == nil {
		exec, err = newExecutor(cfg.Executor, log.With(logx.String("comp", "executor")))
		if err != nil {
			_ = logSvc.Close()
			return nil, err
		}
	}

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		_ = logSvc.Close()
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			_ = logSvc.Close()
			return nil, err
		}
		store = st
		appLog.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	reg := state.New()
	mt := metrics.New(reg)

	addr := strings.TrimSpace(opts.HealthAddr)
	if addr == "" {
		addr = health.AddrForPort(cfg.Health.Port)
	}
	a := &App{
		cfgm:    loaded.Manager,
		cfg:     cfg,
		env:     loaded.Env,
		log:     appLog,
		logs:    logSvc,
		bus:     eventbus.New(),
		store:   store,
		state:   reg,
		metrics: mt,
		exec:    exec,
		sched:   scheduler.New(scheduler.Config{}, log.With(logx.String("comp", "scheduler"))),
		ping:    keepalive.New(cfg.Fleet.SelfURL, log.With(logx.String("comp", "keepalive"))),
		notify:  sdnotify.New(log.With(logx.String("comp", "sdnotify"))),

		healthAddr: addr,
	}
	return a, nil
}

// Config is the startup configuration.
func (a *App) Config() *config.Config { return a.cfg }

// State is the shared registry the health endpoint reports.
func (a *App) State() *state.Registry { return a.state }

// Health is the status HTTP service; nil before Start.
func (a *App) Health() *health.Service { return a.health }

// Specs lists the workers started by Start.
func (a *App) Specs() []schedule.WorkerSpec { return a.specs }

// Done is closed when the app supervisor context is canceled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first error recorded by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return errors.New("app already started")
	}
	cfg := a.cfg
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))),
		supervisor.WithRestartDelay(cfg.Fleet.RestartDelay.D()),
	)
	a.health = health.New(health.Config{Addr: a.healthAddr, Pprof: cfg.Health.Pprof}, health.Sources{
		State:      a.state,
		Supervisor: a.sup,
		Metrics:    a.metrics.Handler(),
	}, a.log.With(logx.String("comp", "health")))
	a.health.Start(a.sup)

	if a.store != nil {
		auditLog := a.log.With(logx.String("comp", "audit"))
		a.sup.GoRestart("storage.sink", func(c context.Context) error {
			return storage.Sink(c, a.bus, a.store, auditLog)
		}, supervisor.WithRestartBackoff(time.Second, 30*time.Second))
	}
	a.startEventLog()
	a.startConfigReload()

	fleetLog := a.log.With(logx.String("comp", "fleet"))
	authm := auth.New(a.exec, a.state,
		auth.WithLogger(fleetLog.With(logx.String("comp", "auth"))),
		auth.WithBus(a.bus),
		auth.WithMetrics(a.metrics),
	)
	coord := schedule.New(a.exec, a.state, schedule.Knobs{
		BurstCount:      cfg.Fleet.BurstCount,
		RefreshDelay:    cfg.Fleet.RefreshDelay.D(),
		CooldownOnError: cfg.Fleet.CooldownOnError.D(),
	},
		schedule.WithLogger(fleetLog),
		schedule.WithBus(a.bus),
		schedule.WithMetrics(a.metrics),
	)
	orch := orchestrator.New(a.sup, authm, coord, orchestrator.Settings{
		MaxLoginRetries: cfg.Fleet.MaxLoginRetries,
		LoginStagger:    cfg.Fleet.LoginStagger.D(),
	},
		orchestrator.WithLogger(fleetLog),
		orchestrator.WithBus(a.bus),
		orchestrator.WithMetrics(a.metrics),
	)
	if len(cfg.Groups) == 0 {
		a.log.Warn("no groups configured; serving health only")
	}
	a.specs = orch.Start(cfg.Groups)

	if err := a.addJobs(); err != nil {
		a.sup.Cancel()
		return err
	}
	a.sched.Start(a.sup.Context())
	// Both jobs also run once right away.
	for _, name := range []string{"keepalive", "status"} {
		if a.hasJob(name) {
			a.sup.Go0("job.first:"+name, func(c context.Context) { _ = a.sched.RunNow(c, name) })
		}
	}

	a.sup.Go("sdnotify.watchdog", a.notify.Watchdog)
	a.notify.Ready()

	a.log.Info("app started",
		logx.String("executor", cfg.Executor.Driver),
		logx.Int("groups", len(cfg.Groups)),
		logx.Int("workers", len(a.specs)),
		logx.String("health", a.healthAddr),
	)
	return nil
}

func (a *App) addJobs() error {
	fleet := a.cfg.Fleet
	if d := fleet.StatusInterval.D(); d > 0 {
		if err := a.sched.Add("status", scheduler.Every(d), 10*time.Second, a.logStatus); err != nil {
			return err
		}
	}
	if a.ping != nil {
		d := fleet.KeepaliveInterval.D()
		if d <= 0 {
			d = time.Minute
		}
		if err := a.sched.Add("keepalive", scheduler.Every(d), keepalive.DefaultTimeout+time.Second, a.ping.Ping); err != nil {
			return err
		}
		a.log.Info("self ping enabled", logx.String("url", a.ping.URL()), logx.Duration("every", d))
	}
	return nil
}

func (a *App) hasJob(name string) bool {
	for _, j := range a.sched.Snapshot().Jobs {
		if j.Name == name {
			return true
		}
	}
	return false
}

// logStatus is the periodic status line: active workers and logged-in accounts.
func (a *App) logStatus(context.Context) error {
	snap := a.state.Snapshot()
	h := snap.Health()
	a.log.Info("status",
		logx.Int("message_workers", h.ActiveMessageWorkers),
		logx.Int("title_workers", h.ActiveTitleWorkers),
		logx.Strs("logged_in", snap.Fingerprints()),
		logx.Uint64("events_dropped", eventbus.Dropped(a.bus)),
	)
	a.notify.Status(fmt.Sprintf("%d message, %d title workers", h.ActiveMessageWorkers, h.ActiveTitleWorkers))
	return nil
}

func (a *App) startEventLog() {
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
				a.log.Debug("event", logx.String("type", string(e.Type)), logx.Time("time", e.Time), logx.Any("data", e.Data))
			}
		}
	})
}

// startConfigReload watches the config file and applies the logging section
// live. Other sections are reported as needing a restart.
func (a *App) startConfigReload() {
	if strings.TrimSpace(a.cfgm.Path()) == "" {
		return
	}
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		return cfg.Validate()
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", a.cfgm.Watch)
}

func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	a.notify.Reloading()
	defer a.notify.Ready()

	sections, attrs, needRestart := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if len(needRestart) > 0 {
		a.log.Warn("config sections changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(needRestart, ",")))
	}
	if strings.TrimSpace(oldCfg.Logging.Telegram.Token) != strings.TrimSpace(newCfg.Logging.Telegram.Token) {
		a.log.Warn("logging.telegram.token changed; restart required to switch alert bot")
	}
	a.logs.Apply(mapLoggingConfig(newCfg))

	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded, Data: eventbus.Fields{
		"sections": strings.Join(sections, ","),
	}})
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.notify.Stopping()

	a.sup.Cancel()

	a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "supervisor", 3*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	a.step(ctx, "storage", time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped", logx.Uint64("events_dropped", eventbus.Dropped(a.bus)))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step bounded by limit and by ctx's deadline, so one
// component cannot stall the whole stop.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		limit = min(limit, max(time.Until(dl), 0))
	}
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
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
	}
}
