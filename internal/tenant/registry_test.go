package tenant

import (
	"context"
	"path/filepath"
	"testing"

	"modbridge/internal/config"
	"modbridge/internal/model"
	"modbridge/internal/reconcile"
	"modbridge/internal/reddit"
	"modbridge/internal/storage"
	logx "modbridge/pkg/logx"
)

type nopNotifier struct{}

func (nopNotifier) ResolveChannel(context.Context, string) error { return nil }
func (nopNotifier) Send(context.Context, string, model.AlertPayload, reconcile.SendOptions) (reconcile.MessageRef, error) {
	return reconcile.MessageRef{ChannelID: "c1", MessageID: "m"}, nil
}
func (nopNotifier) Edit(context.Context, reconcile.MessageRef, model.AlertPayload) error { return nil }
func (nopNotifier) RegisterView(string, reconcile.MessageRef, model.AlertPayload) error {
	return nil
}
func (nopNotifier) LookupView(string) (model.AlertPayload, bool) { return model.AlertPayload{}, false }

func newRuntime(t *testing.T, st *storage.Store, id, guild, channel string) *Runtime {
	t.Helper()
	ts := config.TenantSettings{ID: id, GuildID: guild, ModChannelID: channel, Container: "golang", PostThreshold: 1, CommentThreshold: 1}
	rt, err := NewRuntime(ts, reddit.NewDemoSource("golang"), reconcile.Deps{Store: st, Notifier: nopNotifier{}, Log: logx.Nop()})
	if err != nil {
		t.Fatalf("NewRuntime(%s): %v", id, err)
	}
	return rt
}

func openStore(t *testing.T) *storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "t.sqlite3")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestRegistryResolution(t *testing.T) {
	st := openStore(t)
	a := newRuntime(t, st, "a", "g1", "c1")
	b := newRuntime(t, st, "b", "g1", "c2")
	c := newRuntime(t, st, "c", "g2", "c3")
	reg, err := NewRegistry(a, b, c)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	if !reg.Has("b") || reg.Has("zzz") {
		t.Fatalf("Has mismatch")
	}
	if id, ok := reg.ByChannel("c2"); !ok || id != "b" {
		t.Fatalf("ByChannel(c2) = %q, %v", id, ok)
	}
	if _, ok := reg.ByGuild("g1"); ok {
		t.Fatalf("ByGuild(g1) should be ambiguous")
	}
	if id, ok := reg.ByGuild("g2"); !ok || id != "c" {
		t.Fatalf("ByGuild(g2) = %q, %v", id, ok)
	}
	if rt, ok := reg.ForCommand("g1", "c1"); !ok || rt.ID != "a" {
		t.Fatalf("ForCommand(g1,c1) = %v, %v", rt, ok)
	}
	if _, ok := reg.ForCommand("g1", "elsewhere"); ok {
		t.Fatalf("ForCommand in a shared guild outside a mod channel should fail")
	}
	if rt, ok := reg.ForCommand("g2", "elsewhere"); !ok || rt.ID != "c" {
		t.Fatalf("ForCommand(g2) = %v, %v", rt, ok)
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	st := openStore(t)
	if _, err := NewRegistry(newRuntime(t, st, "a", "g", "c"), newRuntime(t, st, "a", "g", "d")); err == nil {
		t.Fatalf("duplicate ids should fail")
	}
}

func TestApplyLiveKeepsRestartFields(t *testing.T) {
	st := openStore(t)
	a := newRuntime(t, st, "a", "g1", "c1")
	reg, _ := NewRegistry(a)

	next := a.Settings()
	next.PostThreshold = 5
	next.ModChannelID = "c9"
	next.AllowedRoleIDs = []string{"r1"}
	next.Container = "other"
	applied := reg.ApplyLive([]config.TenantSettings{next, {ID: "unknown"}})
	if len(applied) != 1 || applied[0] != "a" {
		t.Fatalf("applied = %v", applied)
	}

	got := a.Settings()
	if got.PostThreshold != 5 || got.ModChannelID != "c9" {
		t.Fatalf("live fields not applied: %+v", got)
	}
	if got.Container != "golang" {
		t.Fatalf("Container = %q, want golang (restart only)", got.Container)
	}
	if id, ok := reg.ByChannel("c9"); !ok || id != "a" {
		t.Fatalf("ByChannel after reload = %q, %v", id, ok)
	}
	if !a.AllowsRole([]string{"x", "r1"}) || a.AllowsRole([]string{"x"}) {
		t.Fatalf("AllowsRole mismatch")
	}
}

func TestRuntimeRunsCycleAgainstBackend(t *testing.T) {
	st := openStore(t)
	rt := newRuntime(t, st, "a", "g1", "c1")
	demo := rt.Backend.(*reddit.DemoSource)
	demo.Seed(model.FlaggedItem{ID: "t3_demo1"})

	rep, err := rt.Engine.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if rep.Posted != 1 {
		t.Fatalf("Posted = %d, want 1", rep.Posted)
	}
}
