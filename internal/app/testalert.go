package app

import (
	"context"
	"errors"
	"fmt"

	"modbridge/internal/config"
	"modbridge/internal/model"
	"modbridge/internal/reconcile"
	"modbridge/internal/reddit"
	"modbridge/internal/tenant"
	logx "modbridge/pkg/logx"
)

// DemoBackends gives every tenant an in-memory demo source.
func DemoBackends(ts config.TenantSettings, _ logx.Logger) (tenant.Backend, error) {
	return reddit.NewDemoSource(ts.Container), nil
}

// SendTestAlert seeds one demo item for setupID and runs a cycle, so the
// alert is posted, stored and registered like a real one. The app must
// have been built with DemoBackends.
func (a *App) SendTestAlert(ctx context.Context, setupID string) (reconcile.CycleReport, model.FlaggedItem, error) {
	rt, ok := a.tenants.Get(setupID)
	if !ok {
		return reconcile.CycleReport{}, model.FlaggedItem{}, fmt.Errorf("unknown setup %q", setupID)
	}
	demo, ok := rt.Backend.(*reddit.DemoSource)
	if !ok {
		return reconcile.CycleReport{}, model.FlaggedItem{}, errors.New("setup is not backed by the demo source")
	}

	// the demo source knows none of the real alerts; refreshing them would
	// mark them stale
	ts := rt.Settings()
	ts.DriftRefreshLimit = 0
	ts = rt.Apply(ts)

	it := demo.Seed(model.FlaggedItem{NumReports: max(ts.PostThreshold, 1)})
	rep, err := rt.Engine.RunCycle(ctx)
	return rep, it, err
}
