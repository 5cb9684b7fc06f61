// Package app composes the process: config, logging, tenant directory,
// scheduler, and the bot registry, plus the background loops that keep them
// aligned (config watch, directory reconcile, maintenance sweep).
package app

import (
	"context"
	"fmt"
	"time"

	"proposalbot/internal/adapters/telegram"
	"proposalbot/internal/config"
	"proposalbot/internal/directory"
	"proposalbot/internal/eventbus"
	"proposalbot/internal/moderation"
	"proposalbot/internal/notifier"
	"proposalbot/internal/registry"
	"proposalbot/internal/runtime/supervisor"
	"proposalbot/internal/scheduler"
	"proposalbot/internal/transport"
	logx "proposalbot/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	dir  *directory.SQLite

	sched *scheduler.Service
	reg   *registry.Registry

	factory transport.AdapterFactory
	ncfg    notifier.Config
	modset  moderation.Settings

	pollTimeout    time.Duration
	reconcileEvery time.Duration
	sweepEvery     time.Duration
	opsChatID      int64
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	pollTimeout, err := config.ParseDuration("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	reconcileEvery, err := config.ParseDuration("directory.reconcile_every", cfg.Directory.ReconcileEvery, time.Minute)
	if err != nil {
		return nil, err
	}
	sweepEvery, err := config.ParseDuration("moderation.sweep_every", cfg.Moderation.SweepEvery, 5*time.Minute)
	if err != nil {
		return nil, err
	}
	busyTimeout, err := config.ParseDuration("directory.busy_timeout", cfg.Directory.BusyTimeout, 5*time.Second)
	if err != nil {
		return nil, err
	}
	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	modset, err := mapModerationSettings(cfg)
	if err != nil {
		return nil, err
	}
	tickEvery, err := config.ParseDuration("scheduler.tick_every", cfg.Scheduler.TickEvery, 15*time.Second)
	if err != nil {
		return nil, err
	}

	dir, err := directory.Open(directory.Config{
		Path:        cfg.Directory.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "directory")))
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()
	sched := scheduler.New(scheduler.Config{
		Enabled:     cfg.Scheduler.Enabled,
		TickEvery:   tickEvery,
		HistorySize: cfg.Scheduler.HistorySize,
	}, log.With(logx.String("comp", "scheduler")))

	return &App{
		cfgPath:        cfgPath,
		cfgm:           cfgm,
		log:            log,
		logs:           logSvc,
		bus:            bus,
		dir:            dir,
		sched:          sched,
		factory:        telegram.Factory(pollTimeout, log.With(logx.String("comp", "telegram"))),
		ncfg:           ncfg,
		modset:         modset,
		pollTimeout:    pollTimeout,
		reconcileEvery: reconcileEvery,
		sweepEvery:     sweepEvery,
		opsChatID:      cfg.Telegram.OpsChatID,
	}, nil
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

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Registry exposes the bot registry for operator tooling.
func (a *App) Registry() *registry.Registry { return a.reg }

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		// Reject a bad hot-reload before it is committed.
		if _, err := config.ParseDuration("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second); err != nil {
			return err
		}
		if _, err := config.ParseDuration("directory.reconcile_every", cfg.Directory.ReconcileEvery, time.Minute); err != nil {
			return err
		}
		if _, err := config.ParseDuration("moderation.sweep_every", cfg.Moderation.SweepEvery, 5*time.Minute); err != nil {
			return err
		}
		if _, err := mapNotifierConfig(cfg); err != nil {
			return err
		}
		if _, err := mapModerationSettings(cfg); err != nil {
			return err
		}
		if cfg.Scheduler.HistorySize < 0 {
			return fmt.Errorf("scheduler.history_size must be >= 0")
		}
		return nil
	})

	a.reg = registry.New(
		a.sup.Context(),
		a.dir,
		a.factory,
		a.ncfg,
		a.sched,
		a.bus,
		a.modset,
		a.log.With(logx.String("comp", "registry")),
	)

	if a.sched.Enabled() {
		if err := a.sched.Start(a.sup.Context()); err != nil {
			return err
		}
	}

	// Bring up every active tenant. One bad credential must not hold the
	// rest hostage.
	ids, err := a.dir.ListActiveTenantIDs(a.sup.Context())
	if err != nil {
		return fmt.Errorf("listing active tenants: %w", err)
	}
	started := 0
	for _, id := range ids {
		if err := a.reg.Start(a.sup.Context(), id); err != nil {
			a.log.Warn("tenant start failed", logx.Int64("tenant", id), logx.Err(err))
			continue
		}
		started++
	}
	a.log.Info("tenants started", logx.Int("started", started), logx.Int("total", len(ids)))

	a.wireOpsLogSink()

	a.sup.Go0("registry.reconcile", func(ctx context.Context) {
		ticker := time.NewTicker(a.reconcileEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.reg.Reconcile(ctx)
			}
		}
	})

	a.sup.Go0("moderation.sweep", func(ctx context.Context) {
		ticker := time.NewTicker(a.sweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.reg.SweepAll(ctx)
			}
		}
	})

	// Event log for observability/debug.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(ctx context.Context) {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	// Hot reload: logging is the only section applied live. Tenant records
	// live in the directory and flow through Reconcile/Restart instead.
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(ctx context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
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
				a.logs.Apply(mapLogConfig(newCfg))
				a.log.Info("config reloaded")
			}
		}
	})

	a.sup.Go("config.watch", func(ctx context.Context) error {
		return a.cfgm.Watch(ctx)
	})

	a.log.Info("app started")
	return nil
}

// wireOpsLogSink points warning/error logs at the ops chat. The sink sends
// through a dedicated session on the first active tenant's credential; that
// session never polls, so it cannot conflict with the tenant's runtime.
func (a *App) wireOpsLogSink() {
	cfg := a.cfgm.Get()
	if cfg == nil || !cfg.Logging.Telegram.Enabled || a.opsChatID == 0 {
		return
	}
	ids, err := a.dir.ListActiveTenantIDs(a.sup.Context())
	if err != nil || len(ids) == 0 {
		a.log.Warn("ops log sink unavailable", logx.Err(err))
		return
	}
	tc, err := a.dir.GetTenantConfig(a.sup.Context(), ids[0])
	if err != nil {
		a.log.Warn("ops log sink unavailable", logx.Err(err))
		return
	}
	sender, err := a.factory(tc.Token)
	if err != nil {
		a.log.Warn("ops log sink unavailable", logx.Err(err))
		return
	}
	a.logs.SetTelegramSink(sender, transport.ChatTarget{ChatID: a.opsChatID})
	a.log.Info("ops log sink wired", logx.Int64("chat", a.opsChatID))
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")

	// Cancel the run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Run each shutdown step with an upper bound so one component can't
	// stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem > 0 && rem < max {
					max = rem
				}
			}
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
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
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("tenants", 10*time.Second, func(c context.Context) error { a.reg.StopAll(c); return nil })
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("directory", 1*time.Second, func(c context.Context) error { return a.dir.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	if cfg.Notifier.RatePerSec < 0 {
		return notifier.Config{}, fmt.Errorf("notifier.rate_per_sec must be >= 0")
	}
	if cfg.Notifier.RetryMax < 0 {
		return notifier.Config{}, fmt.Errorf("notifier.retry_max must be >= 0")
	}
	retryBase, err := config.ParseDuration("notifier.retry_base", cfg.Notifier.RetryBase, 500*time.Millisecond)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		RatePerSec: cfg.Notifier.RatePerSec,
		RetryMax:   cfg.Notifier.RetryMax,
		RetryBase:  retryBase,
	}, nil
}

func mapModerationSettings(cfg *config.Config) (moderation.Settings, error) {
	undo, err := config.ParseDuration("moderation.undo_window", cfg.Moderation.UndoWindow, 5*time.Minute)
	if err != nil {
		return moderation.Settings{}, err
	}
	edit, err := config.ParseDuration("moderation.edit_timeout", cfg.Moderation.EditTimeout, 10*time.Minute)
	if err != nil {
		return moderation.Settings{}, err
	}
	ttl, err := config.ParseDuration("moderation.submission_ttl", cfg.Moderation.SubmissionTTL, 24*time.Hour)
	if err != nil {
		return moderation.Settings{}, err
	}
	return moderation.Settings{
		UndoWindow:    undo,
		EditTimeout:   edit,
		SubmissionTTL: ttl,
	}, nil
}
