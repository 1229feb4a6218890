// Package tenant holds the configured moderation setups. A Registry is
// built once at startup and handed to jobs and interaction handlers; live
// settings are swapped atomically on config reload.
package tenant

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"

	"modbridge/internal/config"
	"modbridge/internal/reconcile"
	"modbridge/internal/reddit"
	logx "modbridge/pkg/logx"
)

// Moderator runs moderation verbs against the backend.
type Moderator interface {
	Approve(ctx context.Context, itemID string) error
	Remove(ctx context.Context, itemID string, spam bool) error
	SetLocked(ctx context.Context, itemID string, locked bool) error
	SetIgnoreReports(ctx context.Context, itemID string, ignore bool) error
	Reply(ctx context.Context, itemID, body string, sticky, lock bool) (string, error)
	Ban(ctx context.Context, req reddit.BanRequest) (string, error)
	SendModmail(ctx context.Context, req reddit.ModmailRequest) (string, error)
	SendRemovalMessage(ctx context.Context, req reddit.RemovalRequest) error
}

// Backend is everything a tenant needs from the moderation service.
type Backend interface {
	reconcile.Source
	Moderator
}

var (
	_ Backend = (*reddit.Client)(nil)
	_ Backend = (*reddit.DemoSource)(nil)
)

// Runtime is one running tenant.
type Runtime struct {
	ID      string
	Backend Backend
	Engine  *reconcile.Engine

	settings atomic.Pointer[config.TenantSettings]
}

// NewRuntime builds the tenant's engine. deps.Source and deps.Settings are
// filled from the runtime.
func NewRuntime(ts config.TenantSettings, b Backend, deps reconcile.Deps) (*Runtime, error) {
	if ts.ID == "" {
		return nil, errors.New("tenant: empty id")
	}
	if b == nil {
		return nil, fmt.Errorf("tenant %s: backend is nil", ts.ID)
	}
	rt := &Runtime{ID: ts.ID, Backend: b}
	rt.settings.Store(&ts)

	deps.Source = b
	deps.Settings = rt.Settings
	if !deps.Log.IsZero() {
		deps.Log = deps.Log.With(logx.Tenant(ts.ID))
	}
	eng, err := reconcile.NewEngine(deps)
	if err != nil {
		return nil, fmt.Errorf("tenant %s: %w", ts.ID, err)
	}
	rt.Engine = eng
	return rt, nil
}

// Settings returns the current settings.
func (r *Runtime) Settings() config.TenantSettings { return *r.settings.Load() }

// Apply swaps in the live fields of next; restart-only fields are kept.
func (r *Runtime) Apply(next config.TenantSettings) config.TenantSettings {
	for {
		cur := r.settings.Load()
		merged := config.ApplyLive(*cur, next)
		if r.settings.CompareAndSwap(cur, &merged) {
			return merged
		}
	}
}

// AllowsRole reports whether any of roles is on the allowlist. An empty
// allowlist allows nobody by role.
func (r *Runtime) AllowsRole(roles []string) bool {
	allowed := r.Settings().AllowedRoleIDs
	for _, role := range roles {
		if slices.Contains(allowed, role) {
			return true
		}
	}
	return false
}
