package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"agentd/internal/admin"
	"agentd/internal/config"
	"agentd/internal/eventbus"
	"agentd/internal/extensions"
	"agentd/internal/jobstore"
	"agentd/internal/metrics"
	"agentd/internal/runtime/supervisor"
	"agentd/internal/storage"
	"agentd/internal/task/engine"
	"agentd/internal/task/handlers"
	"agentd/internal/task/scheduler"
	logx "agentd/pkg/logx"
	"agentd/pkg/systemd"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	registry *extensions.Registry
	tasks    *handlers.Registry
	fetcher  *handlers.Fetcher
	jobs     *jobstore.Store

	engine  *engine.Service
	sched   *scheduler.Service
	metrics *metrics.Collector
	admin   *admin.Service
	notify  systemd.Notifier
}

// New loads the config and wires every component without starting anything.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		logSvc.Close()
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			logSvc.Close()
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	// Errors are impossible past validate().
	engCfg, _ := mapTaskEngineConfig(cfg)
	schedCfg, _ := mapSchedulerConfig(cfg)
	fetchCfg, _ := mapFetchConfig(cfg)
	loadOpt, _ := mapLoadOptions(cfg)
	adminCfg, _ := mapAdminConfig(cfg)

	engineSvc := engine.New(engCfg, log.With(logx.String("comp", "taskengine")), bus)

	resolver := extensions.NewResolver()
	regOpt := extensions.Options{
		Log:      log.With(logx.String("comp", "extensions")),
		Bus:      bus,
		Resolver: resolver,
		Load:     loadOpt,
	}
	if store != nil {
		regOpt.Audit = reloadAudit{store: store}
	}
	registry := extensions.NewRegistry(regOpt)

	tasks, fetcher, err := handlers.Defaults(log.With(logx.String("comp", "task")), fetchCfg, nil, registry)
	if err != nil {
		if store != nil {
			_ = store.Close()
		}
		logSvc.Close()
		return nil, fmt.Errorf("register tasks: %w", err)
	}
	tasks.ExposeBuiltins(resolver, handlers.TaskLog, handlers.TaskFetchURL)

	jobs := jobstore.New(cfg.Cron.JobsPath)
	var schedOpts []scheduler.Option
	if store != nil {
		schedOpts = append(schedOpts, scheduler.WithHistory(store))
	}
	schedSvc := scheduler.New(schedCfg, jobs, tasks, engineSvc,
		log.With(logx.String("comp", "scheduler")), bus, schedOpts...)

	mc := metrics.New()
	deps := admin.Deps{
		Registry:  registry,
		Scheduler: schedSvc,
		Metrics:   mc.Handler(),
	}
	if store != nil {
		deps.History = store
	}
	adminSvc := admin.New(adminCfg, deps, log.With(logx.String("comp", "admin")))

	return &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		registry: registry,
		tasks:    tasks,
		fetcher:  fetcher,
		jobs:     jobs,
		engine:   engineSvc,
		sched:    schedSvc,
		metrics:  mc,
		admin:    adminSvc,
		notify:   systemd.Notifier{Log: log.With(logx.String("comp", "systemd"))},
	}, nil
}

func (a *App) Config() *config.Config         { return a.cfgm.Get() }
func (a *App) Logger() logx.Logger            { return a.log }
func (a *App) Registry() *extensions.Registry { return a.registry }
func (a *App) Scheduler() *scheduler.Service  { return a.sched }
func (a *App) Jobs() *jobstore.Store          { return a.jobs }
func (a *App) History() storage.Store         { return a.store }
func (a *App) Metrics() *metrics.Collector    { return a.metrics }
func (a *App) AdminAddr() string              { return a.admin.Addr() }

func (a *App) Subscribe(buffer int) (<-chan eventbus.Event, func()) {
	return a.bus.Subscribe(buffer)
}

// Close releases resources of an app that was never started.
func (a *App) Close() error {
	var err error
	if a.store != nil {
		err = a.store.Close()
	}
	if a.logs != nil {
		a.logs.Close()
	}
	return err
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
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	runCtx := a.sup.Context()

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validate(cfg)
	})

	cfg := a.cfgm.Get()

	a.sup.Go("metrics.collect", func(c context.Context) error {
		return a.metrics.Run(c, a.bus)
	})

	a.engine.Start(runCtx)

	if reloadOnStart(cfg) {
		// A failed first load leaves the empty version active; reload can retry later.
		if _, err := a.registry.Reload(runCtx); err != nil {
			a.log.Warn("initial extensions reload failed", logx.Err(err))
		}
	}
	if cfg.Cron.Enabled {
		if err := a.sched.Start(runCtx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
	}
	a.admin.Start(runCtx)

	// Optional: log events for debugging (components can also subscribe themselves).
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
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	// hot reload config fan-out
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
				// Coalesce bursts: keep only the latest config in the channel.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.sup.Go("systemd.watchdog", a.notify.Watchdog)
	a.notify.Ready()

	a.log.Info("app started",
		logx.String("extensions", cfg.Extensions.Dir),
		logx.String("jobs", a.jobs.Path()),
		logx.Bool("cron", cfg.Cron.Enabled),
	)
	return nil
}

func (a *App) applyConfig(c context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.notify.Reloading()
	defer a.notify.Ready()
	for _, s := range sections {
		if s == "storage" {
			a.log.Warn("storage config changed; restart required for changes to take effect")
			break
		}
	}

	a.logs.Apply(mapLoggingConfig(next))

	if engCfg, err := mapTaskEngineConfig(next); err != nil {
		a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(c, engCfg)
	}
	if fc, err := mapFetchConfig(next); err != nil {
		a.log.Warn("invalid tasks config; keeping previous", logx.Err(err))
	} else {
		a.fetcher.Apply(fc)
	}

	if sc, err := mapSchedulerConfig(next); err != nil {
		a.log.Warn("invalid cron config; keeping previous", logx.Err(err))
	} else {
		a.sched.Apply(c, sc)
		switch {
		case prev.Cron.Enabled && !next.Cron.Enabled:
			a.log.Info("scheduler disabled via config")
			stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
			a.sched.Stop(stopCtx)
			cancel()
		case !prev.Cron.Enabled && next.Cron.Enabled:
			a.log.Info("scheduler enabled via config")
			if err := a.sched.Start(c); err != nil {
				a.log.Warn("scheduler start failed", logx.Err(err))
			}
		}
	}
	if prev.Cron.JobsPath != next.Cron.JobsPath {
		a.log.Warn("cron.jobs_path changed; restart required for changes to take effect")
	}

	if config.ExtensionsChanged(prev, next) {
		if opt, err := mapLoadOptions(next); err != nil {
			a.log.Warn("invalid extensions config; keeping previous", logx.Err(err))
		} else {
			a.registry.SetLoadOptions(opt)
			if _, err := a.registry.Reload(c); err != nil {
				a.log.Warn("extensions reload after config change failed", logx.Err(err))
			}
		}
	}

	if ac, err := mapAdminConfig(next); err != nil {
		a.log.Warn("invalid admin config; keeping previous", logx.Err(err))
	} else {
		a.admin.Reconfigure(c, ac)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.notify.Stopping()

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// step runs one shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// never extend the caller's deadline
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

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
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// fn must honor stepCtx; if it doesn't, log the leak.
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	step("admin", 2*time.Second, func(c context.Context) error { a.admin.Stop(c); return nil })
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("taskengine", 3*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("storage", time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	// Finally, wait for supervised goroutines (config watch/reload, metrics, event log).
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}
