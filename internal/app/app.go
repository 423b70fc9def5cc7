package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"tickd/internal/alert"
	"tickd/internal/cache"
	"tickd/internal/config"
	"tickd/internal/eventbus"
	"tickd/internal/history"
	"tickd/internal/jobs"
	"tickd/internal/observability/pprof"
	rtsup "tickd/internal/runtime/supervisor"
	"tickd/internal/sched"
	"tickd/internal/storage"
	logx "tickd/pkg/logx"
)

// App wires the daemon together: config, logging, event bus, run history,
// the translation cache, the scheduler, alerting, and the debug endpoint.
type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	cache  *cache.Service
	warmer *cache.Warmer

	sched  *sched.Manager
	hist   *history.Recorder
	alerts *alert.Service
	pprof  *pprof.Service
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	// Boot and hot reload share one validation contract.
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	// Run-history store (optional).
	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	// Translation cache (optional). Without it the built-in cache tasks
	// are simply not registered.
	var (
		cacheSvc *cache.Service
		warmer   *cache.Warmer
	)
	if cfg.Cache != nil {
		cacheSvc = cache.New(mapCacheConfig(cfg.Cache), log.With(logx.String("comp", "cache")))
		if cacheSvc == nil {
			log.Warn("cache.addr is empty; cache tasks stay unregistered")
		} else {
			warmer = cache.NewWarmer(mapWarmerConfig(cfg.Cache.Warm), cacheSvc,
				cache.PseudoTranslator{}, log.With(logx.String("comp", "warmer")))
		}
	}

	schedMgr := sched.New(mapSchedulerConfig(cfg), log.With(logx.String("comp", "sched")), bus)

	hist := history.New(log, bus, store)

	// The alert sender is built once. Problems validation cannot see
	// (network down, revoked token) degrade to a warning; the daemon
	// still schedules.
	var sender alert.Sender
	if ac := cfg.Alerts; ac != nil && strings.TrimSpace(ac.Token) != "" && ac.ChatID != 0 {
		ts, err := alert.NewTelegramSender(ac.Token, ac.ChatID)
		if err != nil {
			log.Warn("alert sender unavailable; alerts stay off until restart", logx.Err(err))
		} else {
			sender = ts
		}
	}
	alerts := alert.New(mapAlertsConfig(cfg.Alerts), sender,
		log.With(logx.String("comp", "alert")), bus, store)

	pprofSvc := pprof.New(mapPprofConfig(cfg), log.With(logx.String("comp", "pprof")))

	return &App{
		cfgm:   cfgm,
		log:    log,
		logs:   logSvc,
		bus:    bus,
		store:  store,
		cache:  cacheSvc,
		warmer: warmer,
		sched:  schedMgr,
		hist:   hist,
		alerts: alerts,
		pprof:  pprofSvc,
	}, nil
}

// Scheduler exposes the task registry for operational surfaces.
func (a *App) Scheduler() *sched.Manager { return a.sched }

// Done is closed when the app supervisor context ends (fatal error or Stop).
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
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// Transactional config reload: validate before commit/publish.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateConfig(cfg)
	})

	cfg := a.cfgm.Get()

	// Register built-in and declared tasks before the loop starts so the
	// first tick sees the full registry.
	deps := jobs.Deps{Log: a.log.With(logx.String("comp", "jobs"))}
	if a.cache != nil {
		deps.Cache = a.cache
		deps.Warmer = a.warmer
	}
	set := mapJobsSettings(cfg)
	registered := jobs.RegisterDefaults(a.sched, deps, set)
	if cfg != nil {
		registered += jobs.RegisterDeclared(a.sched, deps, set, mapDeclaredJobs(cfg.Jobs.Declared))
	}

	a.sched.Start()

	// The recorder ignores the run context on purpose: it drains its bus
	// subscription on Stop, so records from the shutdown drain still land.
	if a.hist.Enabled() {
		a.hist.Start(context.Background())
	}
	if a.alerts != nil && a.alerts.Enabled() {
		a.alerts.Start(a.sup.Context())
	}
	if a.pprof != nil && a.pprof.Enabled() {
		a.pprof.Start(a.sup.Context())
	}

	// Optional warmup on boot so the first requests after a deploy don't
	// wait a day for the refresh task.
	if a.warmer != nil && cfg != nil && cfg.Cache != nil && cfg.Cache.Warm != nil && cfg.Cache.Warm.OnStart {
		force := cfg.Cache.Warm.Force
		a.sup.Go0("cache.warm", func(c context.Context) {
			stats, err := a.warmer.Warm(c, force)
			if err != nil {
				a.log.Warn("startup warmup aborted", logx.Err(err))
				return
			}
			a.log.Info("startup warmup done",
				logx.Int("languages", stats.LanguagesProcessed),
				logx.Int("translations", stats.TotalTranslations),
				logx.Int("errors", stats.Errors))
		})
	}

	// Debug mirror of bus traffic (components subscribe themselves).
	if a.bus != nil {
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
					// Debug level: run events fire on every dispatch.
					a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				}
			}
		})
	}

	// Hot-reload fan-out.
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
				sections, attrs := config.SummarizeChange(lastApplied, newCfg)
				if len(sections) > 0 {
					fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
					a.log.Debug("config change summary", fields...)
				} else {
					a.log.Debug("config reload received, but no effective changes detected")
				}
				credsChanged := lastApplied != nil && alertCredsChanged(lastApplied.Alerts, newCfg.Alerts)
				lastApplied = newCfg

				// Subsystems fixed at boot: warn instead of pretending.
				for _, s := range sections {
					switch s {
					case "storage", "cache", "scheduler", "jobs":
						a.log.Warn("config change needs a restart to take effect",
							logx.String("section", s))
					}
				}
				if credsChanged {
					a.log.Warn("alert credentials changed; restart required to rebuild the sender")
				}

				// Live applies.
				a.logs.Apply(mapLoggingConfig(newCfg))

				if a.alerts != nil {
					prevEnabled := a.alerts.Enabled()
					a.alerts.Apply(mapAlertsConfig(newCfg.Alerts))
					nowEnabled := a.alerts.Enabled()
					if prevEnabled && !nowEnabled {
						a.log.Info("alerting disabled via config")
						stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
						a.alerts.Stop(stopCtx)
						cancel()
					} else if !prevEnabled && nowEnabled {
						a.log.Info("alerting enabled via config")
						a.alerts.Start(c)
					}
				}

				if a.pprof != nil {
					a.pprof.Reconfigure(c, mapPprofConfig(newCfg))
				}

				// Keep the final line concise; details are in debug logs.
				if len(sections) > 0 {
					fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
					a.log.Info("config reloaded", fields...)
				} else {
					a.log.Info("config reloaded (no changes)")
				}
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.Int("tasks", registered))
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component
	// can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
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
				a.log.Warn("stop step error", logx.String("name", name), logx.String("err", err.Error()))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// Contract: fn MUST honor stepCtx and return promptly. If it doesn't, log a leak signal.
			elapsed := time.Since(start)
			a.log.Warn(
				"stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.String("err", stepCtx.Err().Error()),
				logx.Duration("elapsed", elapsed),
			)
			// Leak logging: observe when/if the step eventually finishes.
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.String("err", err.Error()), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// The loop stops first so nothing new dispatches. Its own grace window
	// bounds the in-flight drain; the step bound is only a backstop.
	grace := 10 * time.Second
	if cfg := a.cfgm.Get(); cfg != nil && cfg.Scheduler.StopGrace > 0 {
		grace = cfg.Scheduler.StopGrace.Std()
	}
	step("scheduler", grace+2*time.Second, func(context.Context) error { a.sched.Stop(); return nil })
	step("history", 2*time.Second, func(context.Context) error { a.hist.Stop(); return nil })
	step("alerts", 2*time.Second, func(c context.Context) error {
		if a.alerts != nil {
			a.alerts.Stop(c)
		}
		return nil
	})
	step("pprof", 1*time.Second, func(c context.Context) error {
		if a.pprof != nil {
			a.pprof.Stop(c)
		}
		return nil
	})
	step("storage", 1*time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	step("cache", 1*time.Second, func(context.Context) error {
		if a.cache != nil {
			return a.cache.Close()
		}
		return nil
	})

	// Finally, wait for supervised goroutines (config watch/reload, warmup, etc.)
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}
