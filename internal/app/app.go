// Package app wires config, storage, tenants, the Discord adapter, the
// scheduler and metrics, and owns the start and stop ordering.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"modbridge/internal/config"
	"modbridge/internal/eventbus"
	"modbridge/internal/observability/metrics"
	"modbridge/internal/reconcile"
	rtsup "modbridge/internal/runtime/supervisor"
	"modbridge/internal/scheduler"
	"modbridge/internal/storage"
	"modbridge/internal/tenant"
	"modbridge/internal/transport/discord"
	logx "modbridge/pkg/logx"

	"github.com/coreos/go-systemd/v22/daemon"
)

const (
	minSchedulerStopWait = 5 * time.Second
	// metrics, discord and supervisor steps
	otherStopSteps = 8 * time.Second
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   *eventbus.Memory
	store *storage.Store
	loc   *time.Location

	discord *discord.Adapter
	tenants *tenant.Registry
	sched   *scheduler.Service
	metrics *metrics.Metrics
	msrv    *metrics.Server

	backends BackendFactory
	notify   func(state string)
}

type Option func(*App)

// WithBackendFactory replaces the Reddit client builder.
func WithBackendFactory(f BackendFactory) Option {
	return func(a *App) {
		if f != nil {
			a.backends = f
		}
	}
}

func NewApp(cfgPath string, opts ...Option) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	a := &App{cfgPath: cfgPath, cfgm: cfgm, backends: redditBackend, notify: sdNotify}
	for _, o := range opts {
		o(a)
	}

	loc, err := config.DisplayLocation(cfg)
	if err != nil {
		return nil, err
	}
	settings, err := config.ResolveTenants(cfg)
	if err != nil {
		return nil, err
	}
	a.loc = loc

	// the Discord sink gets its sender once the adapter exists
	logSvc, root := logx.New(mapLogConfig(cfg), nil)
	a.logs = logSvc
	a.log = root.With(logx.String("comp", "app"))
	a.bus = eventbus.New()

	fail := func(err error) (*App, error) {
		if a.store != nil {
			_ = a.store.Close()
		}
		_ = logSvc.Close()
		return nil, err
	}

	ad, err := discord.New(mapDiscordConfig(cfg, settings, loc), root, discord.WithBus(a.bus))
	if err != nil {
		return fail(err)
	}
	logSvc.SetSender(ad)
	a.discord = ad

	st, err := OpenStore(cfg, root)
	if err != nil {
		return fail(err)
	}
	a.store = st
	a.log.Info("storage opened", logx.String("path", cfg.Storage.StoragePath()))

	rts := make([]*tenant.Runtime, 0, len(settings))
	for _, ts := range settings {
		b, err := a.backends(ts, root)
		if err != nil {
			return fail(err)
		}
		rt, err := tenant.NewRuntime(ts, b, reconcile.Deps{
			Store:    st,
			Notifier: ad,
			Bus:      a.bus,
			Log:      root.With(logx.String("comp", "reconcile")),
			Location: loc,
		})
		if err != nil {
			return fail(err)
		}
		rts = append(rts, rt)
	}
	reg, err := tenant.NewRegistry(rts...)
	if err != nil {
		return fail(err)
	}
	a.tenants = reg
	ad.Attach(reg, st)

	sched, err := scheduler.New(mapSchedulerConfig(cfg), root)
	if err != nil {
		return fail(err)
	}
	a.sched = sched

	m, err := metrics.New()
	if err != nil {
		return fail(err)
	}
	a.metrics = m
	a.msrv = metrics.NewServer(mapMetricsConfig(cfg), m.Handler(), root)

	return a, nil
}

// Tenants is the registry built from the loaded config.
func (a *App) Tenants() *tenant.Registry { return a.tenants }

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

// validate rejects a reload before it is committed.
func (a *App) validate(_ context.Context, cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	if err := scheduler.ValidateSchedule(housekeepingSpec(cfg)); err != nil {
		return fmt.Errorf("scheduler.housekeeping: %w", err)
	}
	return nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(a.validate)
	cfg := a.cfgm.Get()
	if err := a.validate(ctx, cfg); err != nil {
		return err
	}

	// views come back before the gateway delivers the first click
	rep, err := reconcile.Recover(ctx, a.store, a.tenants, a.discord, reconcile.RecoverOptions{
		TTL: cfg.Storage.ViewTTLOrDefault(),
		Log: a.log.With(logx.String("comp", "recover")),
	})
	if err != nil {
		a.log.Warn("view recovery failed", logx.Err(err))
	}
	a.bus.Publish(eventbus.Event{Type: eventbus.ViewsRestored, Time: time.Now(), Data: rep})

	if err := a.discord.Start(a.sup.Context()); err != nil {
		return fmt.Errorf("discord: %w", err)
	}

	if err := a.registerJobs(cfg); err != nil {
		return err
	}
	a.sched.Start()

	if cfg.Scheduler.StartupSync == nil || *cfg.Scheduler.StartupSync {
		a.sup.Go("startup.sync", a.syncAll)
	}

	a.sup.Go("metrics.consume", func(c context.Context) error {
		return a.metrics.Consume(c, a.bus)
	})
	a.msrv.Start(a.sup.Context())

	// Optional: log events for observability/debug.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				// Keep this debug-level; cycles publish on every poll.
				a.log.Debug("event", logx.String("type", string(e.Type)), logx.Tenant(e.Tenant), logx.Time("time", e.Time))
			}
		}
	})

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts: keep only the latest config in the channel.
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
				a.applyReload(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.notify(daemon.SdNotifyReady)
	a.log.Info("app started", logx.Int("tenants", a.tenants.Len()), logx.Int("views", a.discord.Views()))
	return nil
}

// applyReload pushes live tenant knobs and logging settings; everything
// else waits for a restart.
func (a *App) applyReload(prev, next *config.Config) config.Change {
	ch := config.SummarizeChange(prev, next)
	if ch.Empty() {
		a.log.Debug("config reload received, but no effective changes detected")
	}
	if ts, err := config.ResolveTenants(next); err != nil {
		a.log.Warn("invalid tenant config; keeping previous", logx.Err(err))
	} else if len(ch.Live) > 0 {
		applied := a.tenants.ApplyLive(ts)
		a.log.Debug("tenant settings applied", logx.Strs("tenants", applied))
	}
	a.logs.Apply(mapLogConfig(next))
	if len(ch.Restart) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.Strs("fields", ch.Restart))
	}
	if len(ch.Live) > 0 {
		a.log.Info("config reloaded", logx.Strs("changed", ch.Live))
	} else {
		a.log.Info("config reloaded (no live changes)")
	}
	return ch
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeResources()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.notify(daemon.SdNotifyStopping)

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Stop cycles first so nothing posts while the gateway closes.
	a.step(ctx, "scheduler", a.schedulerStopWait(), a.sched.Stop)
	a.step(ctx, "metrics", time.Second, a.msrv.Stop)
	a.step(ctx, "discord", 5*time.Second, a.discord.Stop)

	// Then wait for supervised goroutines (config watch/reload, startup sync, event log).
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error {
		err := a.sup.Wait(c)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	a.log.Info("stopped")
	a.closeResources()
	return nil
}

// schedulerStopWait bounds the wait for running cycles. Their contexts are
// canceled first, so only a call that ignores cancellation runs to its
// call_timeout.
func (a *App) schedulerStopWait() time.Duration {
	wait := minSchedulerStopWait
	if a.tenants == nil {
		return wait
	}
	for _, rt := range a.tenants.All() {
		wait = max(wait, rt.Settings().CallTimeout+time.Second)
	}
	return wait
}

// StopTimeout is enough for every Stop step to run to its own bound.
func (a *App) StopTimeout() time.Duration {
	return a.schedulerStopWait() + otherStopSteps
}

// closeResources closes the store last, then the log sinks.
func (a *App) closeResources() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
}

// step runs a shutdown step with an upper bound so one component can't
// stall the whole stop.
func (a *App) step(ctx context.Context, name string, maxWait time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", maxWait))

	stepCtx := ctx
	if maxWait > 0 {
		// respect the caller's deadline; never extend it
		if dl, ok := ctx.Deadline(); ok {
			maxWait = min(maxWait, time.Until(dl))
		}
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, max(maxWait, 0))
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
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		// fn must honor stepCtx; if it doesn't, log a leak signal.
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

func sdNotify(state string) {
	// false when not running under systemd; nothing to report then
	_, _ = daemon.SdNotify(false, state)
}
