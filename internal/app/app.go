// Package app wires the orchestrator, its sinks and the HTTP API into one
// long-running service driven by the config file.
package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"extsched/internal/config"
	"extsched/internal/eventbus"
	"extsched/internal/httpapi"
	"extsched/internal/orchestrator"
	"extsched/internal/runtime/supervisor"
	"extsched/internal/sink"
	"extsched/internal/storage"
	logx "extsched/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager

	log   logx.Logger
	logs  *logx.Service
	bus   *eventbus.MemBus
	store storage.Store
	orch  *orchestrator.Service
	api   *httpapi.Server
	rdb   *redis.Client

	sup *supervisor.Supervisor

	detachJournal func(context.Context) error

	bootMu sync.Mutex
	boot   map[string]string // job id -> fingerprint of the config entry
}

// New loads the config at cfgPath and builds every component. Nothing runs
// until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	return NewWithConfig(cfgm, cfg)
}

func NewWithConfig(cfgm *config.ConfigManager, cfg *config.Config) (*App, error) {
	logSvc, root := logx.New(cfg.Logging.LogConfig())
	log := root.With(logx.String("comp", "app"))

	bus := eventbus.New(eventbus.Config{
		HistorySize: cfg.EventBus.HistorySize,
		QueueSize:   cfg.EventBus.QueueSize,
	}, root.With(logx.String("comp", "eventbus")))

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, root.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, fmt.Errorf("storage: %w", err)
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	orch := orchestrator.New(mapOrchestratorConfig(cfg), bus, root.With(logx.String("comp", "orchestrator")))

	a := &App{
		cfgm:  cfgm,
		log:   log,
		logs:  logSvc,
		bus:   bus,
		store: store,
		orch:  orch,
		boot:  map[string]string{},
	}
	if cfg.HTTP.Enabled {
		a.api = httpapi.New(orch, httpapi.Options{
			Addr:       cfg.HTTP.ListenAddr(),
			HistoryCap: bus.Capacity(),
			Store:      store,
			Pprof:      cfg.HTTP.Pprof,
		}, root.With(logx.String("comp", "http")))
	}
	return a, nil
}

func (a *App) Orchestrator() *orchestrator.Service { return a.orch }

func (a *App) Logger() logx.Logger { return a.log }

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
	cfg := a.cfgm.Get()

	// Executions outlive the supervisor; Stop drains them via Shutdown.
	if err := a.orch.Initialize(context.WithoutCancel(a.sup.Context())); err != nil {
		return err
	}

	if a.store != nil {
		a.detachJournal = sink.NewJournal(a.store, a.log.With(logx.String("comp", "journal"))).Attach(a.bus)
	}
	sink.LogTap(a.sup, a.bus, a.log.With(logx.String("comp", "events")))

	if cfg.Redis.Enabled {
		a.rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := sink.Connect(pctx, a.rdb)
		cancel()
		if err != nil {
			a.log.Warn("redis unavailable at startup", logx.String("addr", cfg.Redis.Addr), logx.Err(err))
		}
		sink.NewRedisMirror(mapRedisConfig(cfg), a.rdb, a.log.With(logx.String("comp", "redis"))).Start(a.sup, a.bus)
	}

	if cfg.Telegram.Enabled {
		bot, err := sink.NewBot(cfg.Telegram.Token)
		if err != nil {
			a.log.Warn("telegram alerts disabled", logx.Err(err))
		} else {
			sink.NewTelegramAlerter(mapTelegramConfig(cfg), bot, a.log.With(logx.String("comp", "telegram"))).Start(a.sup, a.bus)
		}
	}

	a.reconcileJobs(a.sup.Context(), cfg.Jobs)

	if a.api != nil {
		a.sup.Go("http.api", a.api.Serve)
	}

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(a.validateReload)

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := cfg
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce a burst of reloads into the newest one.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.GoRestart("config.watch", a.cfgm.Watch,
		supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second))

	a.log.Info("app started",
		logx.Int("plugins", len(a.orch.Plugins())),
		logx.Int("tasks", len(a.orch.Tasks())),
		logx.Int("jobs", len(a.orch.Jobs())),
	)
	return nil
}

// validateReload rejects configs whose jobs cannot be registered with the
// currently loaded plugins.
func (a *App) validateReload(ctx context.Context, cfg *config.Config) error {
	var errs []error
	for _, j := range cfg.Jobs {
		if j.Disabled {
			continue
		}
		if err := a.orch.ValidateJob(JobSpec(j)); err != nil {
			errs = append(errs, fmt.Errorf("job %q: %w", j.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs, pluginChanged := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	if slices.Contains(sections, "logging") {
		a.logs.Apply(newCfg.Logging.LogConfig())
	}

	if slices.Contains(sections, "scheduler") {
		if oldCfg.Scheduler.Timezone != newCfg.Scheduler.Timezone {
			if err := a.orch.SetTimezone(newCfg.Scheduler.Timezone); err != nil {
				a.log.Warn("timezone not applied", logx.Err(err))
			}
		}
		o, n := oldCfg.Scheduler, newCfg.Scheduler
		o.Timezone, n.Timezone = "", ""
		if o != n {
			a.log.Warn("scheduler engine settings changed; restart required for changes to take effect")
		}
	}

	loaded := map[string]bool{}
	for _, p := range a.orch.Plugins() {
		loaded[p.ID] = true
	}
	for _, name := range pluginChanged {
		np, inNew := newCfg.Plugins[name]
		switch {
		case loaded[name] && inNew && np.Enabled:
			if err := a.orch.ReconfigurePlugin(ctx, name, np.Config); err != nil {
				a.log.Warn("plugin reconfigure failed", logx.String("plugin", name), logx.Err(err))
			}
		default:
			a.log.Warn("plugin enable state changed; restart required", logx.String("plugin", name))
		}
	}

	if slices.Contains(sections, "jobs") {
		a.reconcileJobs(ctx, newCfg.Jobs)
	}

	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.String("sections", strings.Join(restart, ",")))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
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

	step("orchestrator", 5*time.Second, a.orch.Shutdown)
	step("supervisor", 6*time.Second, a.sup.Wait)
	step("eventbus", 2*time.Second, a.bus.Close)
	step("journal", 3*time.Second, func(ctx context.Context) error {
		if a.detachJournal != nil {
			if err := a.detachJournal(ctx); err != nil {
				a.log.Warn("journal not fully written", logx.Err(err))
			}
		}
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	step("redis", time.Second, func(context.Context) error {
		if a.rdb != nil {
			return a.rdb.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
