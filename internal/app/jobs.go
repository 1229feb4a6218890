package app

import (
	"context"
	"errors"
	"time"

	"modbridge/internal/config"
	"modbridge/internal/tenant"
	logx "modbridge/pkg/logx"
)

const housekeepingTimeout = time.Minute

// registerJobs adds one poll job per tenant and the housekeeping job.
// Poll intervals are read once; changing them needs a restart.
func (a *App) registerJobs(cfg *config.Config) error {
	for _, rt := range a.tenants.All() {
		ts := rt.Settings()
		if err := a.sched.Add("cycle."+rt.ID, ts.PollInterval.String(), 0, cycleJob(rt)); err != nil {
			return err
		}
	}
	ttl := cfg.Storage.ViewTTLOrDefault()
	return a.sched.Add("housekeeping", housekeepingSpec(cfg), housekeepingTimeout, func(ctx context.Context) error {
		a.housekeeping(ctx, ttl)
		return nil
	})
}

// cycleJob runs one reconcile cycle. The engine already logged and
// published the outcome, so only the error is handed back.
func cycleJob(rt *tenant.Runtime) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		_, err := rt.Engine.RunCycle(ctx)
		return err
	}
}

func (a *App) syncAll(ctx context.Context) error {
	for _, rt := range a.tenants.All() {
		if ctx.Err() != nil {
			return nil
		}
		rep, err := rt.Engine.RunCycle(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			a.log.Warn("startup sync failed", logx.Tenant(rt.ID), logx.Err(err))
			continue
		}
		a.log.Info("startup sync done", logx.Tenant(rt.ID), logx.Int("posted", rep.Posted), logx.Int("edited", rep.Edited))
	}
	return nil
}

// housekeeping prunes stale views and each tenant's expired modlog
// entries. Failures are logged; the next run retries.
func (a *App) housekeeping(ctx context.Context, viewTTL time.Duration) {
	if n, err := a.store.PruneViews(ctx, viewTTL); err != nil {
		a.log.Warn("prune views failed", logx.Err(err))
	} else if n > 0 {
		a.log.Info("pruned stale views", logx.Int64("rows", n))
	}
	now := time.Now()
	for _, rt := range a.tenants.All() {
		ts := rt.Settings()
		if ts.ModlogRetention <= 0 {
			continue
		}
		n, err := a.store.PruneModlog(ctx, rt.ID, now.Add(-ts.ModlogRetention))
		if err != nil {
			a.log.Warn("prune modlog failed", logx.Tenant(rt.ID), logx.Err(err))
			continue
		}
		if n > 0 {
			a.log.Debug("pruned modlog entries", logx.Tenant(rt.ID), logx.Int64("rows", n))
		}
	}
}
